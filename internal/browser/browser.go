// Package browser opens isolated headless browser sessions routed through a
// proxy and exposes them behind a small page-content abstraction.
package browser

import (
	"context"
	"errors"
	"time"

	"github.com/FeritTasdildiren/nerede-yesem/internal/domain"
)

// ErrNoLauncher is returned when crawling is attempted without a browser.
var ErrNoLauncher = errors.New("browser launcher not configured")

// Page is one rendered tab. Selectors are CSS selectors evaluated with
// document.querySelector semantics; an empty selector addresses the document.
type Page interface {
	Navigate(ctx context.Context, url string) error
	URL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	// HTML returns the outer HTML of the first match, or "" when nothing matches.
	HTML(ctx context.Context, selector string) (string, error)
	Exists(ctx context.Context, selector string) (bool, error)
	// Click clicks the first match and reports whether one existed.
	Click(ctx context.Context, selector string) (bool, error)
	// ClickAll clicks every match and returns how many were clicked.
	ClickAll(ctx context.Context, selector string) (int, error)
	Type(ctx context.Context, selector, text string, submit bool) error
	ScrollBy(ctx context.Context, selector string, dy int) error
	Sleep(ctx context.Context, d time.Duration) error
	Close()
}

// Launcher opens a fresh, isolated session. proxy may be nil for a direct
// connection.
type Launcher interface {
	Open(ctx context.Context, proxy *domain.Proxy) (Page, error)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
