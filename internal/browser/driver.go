// Package browser opens pages for monitors and exposes them as
// structure.Document values. Three drivers are available: chromedp (default),
// rod and a static HTTP fetcher backed by goquery.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/osbits/pagewatch/internal/config"
	"github.com/osbits/pagewatch/internal/structure"
)

// ErrNoMatch is returned when an action needs an element and none matches.
var ErrNoMatch = errors.New("no element matches selector")

// Driver hands out pages. Drivers are safe for concurrent use; pages are not.
type Driver interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// Page is a single tab.
type Page interface {
	Navigate(ctx context.Context, url string) error
	// WaitVisible blocks until the first match of selector is displayed.
	WaitVisible(ctx context.Context, selector string) error
	// Text returns the text content of the first match.
	Text(ctx context.Context, selector string) (string, error)
	Click(ctx context.Context, selector string) error
	// WaitIdle waits for the load triggered by the last action to settle.
	WaitIdle(ctx context.Context) error
	URL(ctx context.Context) (string, error)
	Document() structure.Document
	Close() error
}

// Options tune a driver.
type Options struct {
	Headless          bool
	SlowMo            time.Duration
	RemoteURL         string
	ExecPath          string
	UserAgent         string
	NavigationTimeout time.Duration
	Stealth           bool
}

// OptionsFromConfig maps browser configuration to driver options.
func OptionsFromConfig(cfg config.BrowserConfig) Options {
	return Options{
		Headless:          cfg.Headless,
		SlowMo:            cfg.SlowMo.Duration,
		RemoteURL:         cfg.RemoteURL,
		ExecPath:          cfg.ExecPath,
		UserAgent:         cfg.UserAgent,
		NavigationTimeout: cfg.NavigationTimeout.Duration,
		Stealth:           cfg.Stealth,
	}
}

// New builds the driver named by cfg.Driver.
func New(cfg config.BrowserConfig, logger *slog.Logger) (Driver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := OptionsFromConfig(cfg)
	switch strings.ToLower(cfg.Driver) {
	case config.DriverChromedp, "":
		return NewChromedp(opts, logger)
	case config.DriverRod:
		return NewRod(opts, logger)
	case config.DriverHTTP:
		return NewStatic(opts, logger), nil
	default:
		return nil, fmt.Errorf("unsupported browser driver %q", cfg.Driver)
	}
}

// IsXPath reports whether selector is an XPath expression rather than CSS.
func IsXPath(selector string) bool {
	s := strings.TrimSpace(selector)
	return strings.HasPrefix(s, "/") || strings.HasPrefix(s, "(")
}

func noMatch(selector string) error {
	return fmt.Errorf("%w: %s", ErrNoMatch, selector)
}

func withNavigationTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
