// Package session is the remote stateful session transactions drive, a
// browser page in practice.
package session

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("session closed")

// Session is a single stateful page. Every method honours ctx cancellation.
type Session interface {
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, value string) error
	WaitVisible(ctx context.Context, selector string) error
	Text(ctx context.Context, selector string) (string, error)
	URL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	// Screenshot returns a full page PNG.
	Screenshot(ctx context.Context) ([]byte, error)
	// HTML returns the serialized document.
	HTML(ctx context.Context) (string, error)
	Close() error
}

// Provider creates sessions. Each Acquire returns a fresh, isolated session.
type Provider interface {
	Acquire(ctx context.Context) (Session, error)
}

type ProviderFunc func(ctx context.Context) (Session, error)

func (f ProviderFunc) Acquire(ctx context.Context) (Session, error) {
	return f(ctx)
}
