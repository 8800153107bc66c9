// Package sessiontest provides an in-memory Session for tests.
package sessiontest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/xXRoxXeRXx/web-transaction-monitor/internal/session"
)

// PNG is the 1x1 image returned by Fake.Screenshot.
var PNG = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a,
	0x00, 0x00, 0x00, 0x0d, 0x49, 0x48, 0x44, 0x52,
	0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4,
	0x89, 0x00, 0x00, 0x00, 0x0d, 0x49, 0x44, 0x41,
	0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00,
	0x00, 0x00, 0x00, 0x49, 0x45, 0x4e, 0x44, 0xae,
	0x42, 0x60, 0x82,
}

// Fake records the actions performed on it. Fail makes the action on the
// matching selector or url return an error.
type Fake struct {
	mx      sync.Mutex
	url     string
	title   string
	actions []string
	values  map[string]string
	closed  bool
	closes  int

	Fail          map[string]error
	ScreenshotErr error
	HTMLErr       error
}

func NewFake() *Fake {
	return &Fake{
		url:    "about:blank",
		values: make(map[string]string),
		Fail:   make(map[string]error),
	}
}

func (f *Fake) do(ctx context.Context, action, target string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mx.Lock()
	defer f.mx.Unlock()
	if f.closed {
		return session.ErrClosed
	}
	f.actions = append(f.actions, action+" "+target)
	if err, ok := f.Fail[target]; ok {
		return err
	}
	return nil
}

func (f *Fake) Navigate(ctx context.Context, url string) error {
	if err := f.do(ctx, "navigate", url); err != nil {
		return err
	}
	f.mx.Lock()
	f.url = url
	f.title = "Title of " + url
	f.mx.Unlock()
	return nil
}

func (f *Fake) Click(ctx context.Context, selector string) error {
	return f.do(ctx, "click", selector)
}

func (f *Fake) Fill(ctx context.Context, selector, value string) error {
	if err := f.do(ctx, "fill", selector); err != nil {
		return err
	}
	f.mx.Lock()
	f.values[selector] = value
	f.mx.Unlock()
	return nil
}

func (f *Fake) WaitVisible(ctx context.Context, selector string) error {
	return f.do(ctx, "wait", selector)
}

func (f *Fake) Text(ctx context.Context, selector string) (string, error) {
	if err := f.do(ctx, "text", selector); err != nil {
		return "", err
	}
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.values[selector], nil
}

func (f *Fake) URL(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.url, nil
}

func (f *Fake) Title(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.title, nil
}

func (f *Fake) Screenshot(ctx context.Context) ([]byte, error) {
	if f.ScreenshotErr != nil {
		return nil, f.ScreenshotErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return PNG, nil
}

func (f *Fake) HTML(ctx context.Context) (string, error) {
	if f.HTMLErr != nil {
		return "", f.HTMLErr
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mx.Lock()
	defer f.mx.Unlock()
	return fmt.Sprintf("<html><head><title>%s</title></head><body></body></html>", f.title), nil
}

func (f *Fake) Close() error {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.closed = true
	f.closes++
	return nil
}

// Closes is the number of Close calls.
func (f *Fake) Closes() int {
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.closes
}

func (f *Fake) Closed() bool {
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.closed
}

func (f *Fake) Actions() []string {
	f.mx.Lock()
	defer f.mx.Unlock()
	return append([]string(nil), f.actions...)
}

// Provider hands out fakes and counts acquisitions and releases.
type Provider struct {
	New        func() *Fake
	AcquireErr error

	acquired atomic.Int32
	mx       sync.Mutex
	sessions []*Fake
}

func (p *Provider) Acquire(ctx context.Context) (session.Session, error) {
	if p.AcquireErr != nil {
		return nil, p.AcquireErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f := NewFake()
	if p.New != nil {
		f = p.New()
	}
	p.acquired.Add(1)
	p.mx.Lock()
	p.sessions = append(p.sessions, f)
	p.mx.Unlock()
	return f, nil
}

func (p *Provider) Acquired() int {
	return int(p.acquired.Load())
}

// Closed is the number of sessions closed so far.
func (p *Provider) Closed() int {
	p.mx.Lock()
	defer p.mx.Unlock()
	var n int
	for _, f := range p.sessions {
		if f.Closed() {
			n++
		}
	}
	return n
}

func (p *Provider) Sessions() []*Fake {
	p.mx.Lock()
	defer p.mx.Unlock()
	return append([]*Fake(nil), p.sessions...)
}
