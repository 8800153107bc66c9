package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// ChromeConfig configures how Chrome sessions are started.
type ChromeConfig struct {
	Headless bool
	// RemoteURL connects to an already running browser (ws:// or http://)
	// instead of starting one.
	RemoteURL string
	// ExecPath overrides the Chrome binary, "" uses the lookup of chromedp.
	ExecPath string
	// ActionTimeout bounds every single action, 0 means no bound.
	ActionTimeout time.Duration
}

// Chrome is a Provider backed by chromedp.
type Chrome struct {
	cfg ChromeConfig
}

func NewChrome(cfg ChromeConfig) *Chrome {
	return &Chrome{cfg: cfg}
}

func (c *Chrome) allocator(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.RemoteURL != "" {
		return chromedp.NewRemoteAllocator(ctx, c.cfg.RemoteURL)
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", c.cfg.Headless),
		chromedp.Flag("ignore-certificate-errors", true),
		chromedp.WindowSize(1920, 1080),
	)
	if c.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(c.cfg.ExecPath))
	}
	return chromedp.NewExecAllocator(ctx, opts...)
}

// Acquire starts a browser (or a new target of the remote one) and returns
// its page. The browser lives until Close or until ctx is cancelled.
func (c *Chrome) Acquire(ctx context.Context) (Session, error) {
	allocCtx, allocCancel := c.allocator(ctx)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			slog.DebugContext(ctx, fmt.Sprintf(format, args...), "source", "chromedp")
		}),
	)

	// the first Run allocates the browser, it must not carry an action timeout
	if err := chromedp.Run(browserCtx, network.Enable()); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("starting chrome: %w", err)
	}
	return &chromeSession{
		ctx:     browserCtx,
		timeout: c.cfg.ActionTimeout,
		cancel: func() {
			browserCancel()
			allocCancel()
		},
	}, nil
}

type chromeSession struct {
	ctx     context.Context
	timeout time.Duration

	once   sync.Once
	cancel context.CancelFunc
}

// run executes actions on the browser context, bounded by the action
// timeout and by the cancellation of the caller ctx.
func (s *chromeSession) run(ctx context.Context, actions ...chromedp.Action) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	runCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if s.timeout > 0 {
		var tcancel context.CancelFunc
		runCtx, tcancel = context.WithTimeout(runCtx, s.timeout)
		defer tcancel()
	}
	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	return err
}

func (s *chromeSession) Navigate(ctx context.Context, url string) error {
	return s.run(ctx, chromedp.Navigate(url))
}

func (s *chromeSession) Click(ctx context.Context, selector string) error {
	return s.run(ctx, chromedp.Click(selector, chromedp.ByQuery))
}

func (s *chromeSession) Fill(ctx context.Context, selector, value string) error {
	return s.run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.SetValue(selector, "", chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
}

func (s *chromeSession) WaitVisible(ctx context.Context, selector string) error {
	return s.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

func (s *chromeSession) Text(ctx context.Context, selector string) (string, error) {
	var text string
	err := s.run(ctx, chromedp.Text(selector, &text, chromedp.ByQuery))
	return text, err
}

func (s *chromeSession) URL(ctx context.Context) (string, error) {
	var url string
	err := s.run(ctx, chromedp.Location(&url))
	return url, err
}

func (s *chromeSession) Title(ctx context.Context) (string, error) {
	var title string
	err := s.run(ctx, chromedp.Title(&title))
	return title, err
}

func (s *chromeSession) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	// quality 100 produces png
	err := s.run(ctx, chromedp.FullScreenshot(&buf, 100))
	return buf, err
}

func (s *chromeSession) HTML(ctx context.Context) (string, error) {
	var html string
	err := s.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

func (s *chromeSession) Close() error {
	s.once.Do(func() {
		// graceful close first, the cancel below kills what is left
		if s.ctx.Err() == nil {
			if err := chromedp.Cancel(s.ctx); err != nil {
				slog.Debug("closing chrome", "err", err)
			}
		}
		s.cancel()
	})
	return nil
}
