package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/osbits/pagewatch/internal/structure"
)

// RodDriver drives Chrome through go-rod, optionally with stealth pages.
type RodDriver struct {
	opts     Options
	logger   *slog.Logger
	browser  *rod.Browser
	launcher *launcher.Launcher
}

// NewRod launches Chrome, or connects to RemoteURL when set.
func NewRod(opts Options, logger *slog.Logger) (*RodDriver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	wsURL := opts.RemoteURL
	var l *launcher.Launcher
	if wsURL == "" {
		l = launcher.New().
			Headless(opts.Headless).
			Set("disable-blink-features", "AutomationControlled")
		if opts.ExecPath != "" {
			l = l.Bin(opts.ExecPath)
		}
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch chrome: %w", err)
		}
		wsURL = u
	}

	b := rod.New().ControlURL(wsURL)
	if opts.SlowMo > 0 {
		b = b.SlowMotion(opts.SlowMo)
	}
	if err := b.Connect(); err != nil {
		if l != nil {
			l.Cleanup()
		}
		return nil, fmt.Errorf("connect chrome: %w", err)
	}
	logger.Info("chrome connected", "url", wsURL, "stealth", opts.Stealth)
	return &RodDriver{opts: opts, logger: logger, browser: b, launcher: l}, nil
}

func (d *RodDriver) NewPage(ctx context.Context) (Page, error) {
	var (
		page *rod.Page
		err  error
	)
	if d.opts.Stealth {
		page, err = stealth.Page(d.browser)
	} else {
		page, err = d.browser.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("open tab: %w", err)
	}
	if d.opts.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: d.opts.UserAgent}); err != nil {
			d.logger.Warn("set user agent failed", "error", err)
		}
	}
	p := &rodPage{page: page, opts: d.opts}
	p.scriptPage = scriptPage{eval: p}
	return p, nil
}

func (d *RodDriver) Close() error {
	err := d.browser.Close()
	if d.launcher != nil {
		d.launcher.Cleanup()
	}
	return err
}

type rodPage struct {
	scriptPage

	page   *rod.Page
	opts   Options
	closed atomic.Bool
}

func (p *rodPage) evalString(ctx context.Context, fn string, arg string) (string, error) {
	if p.closed.Load() {
		return "", structure.ErrDocumentClosed
	}
	var args []interface{}
	if arg != "" {
		args = append(args, arg)
	}
	res, err := p.page.Context(ctx).Eval(fn, args...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		if p.closed.Load() {
			return "", fmt.Errorf("%w: %v", structure.ErrDocumentClosed, err)
		}
		return "", err
	}
	return res.Value.Str(), nil
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	if p.closed.Load() {
		return structure.ErrDocumentClosed
	}
	navCtx, cancel := withNavigationTimeout(ctx, p.opts.NavigationTimeout)
	defer cancel()
	page := p.page.Context(navCtx)
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("navigate %s: wait load: %w", url, err)
	}
	return nil
}

func (p *rodPage) WaitIdle(ctx context.Context) error {
	if p.closed.Load() {
		return structure.ErrDocumentClosed
	}
	if err := p.page.Context(ctx).WaitLoad(); err != nil {
		return fmt.Errorf("wait idle: %w", err)
	}
	return p.waitReady(ctx)
}

func (p *rodPage) URL(ctx context.Context) (string, error) {
	if p.closed.Load() {
		return "", structure.ErrDocumentClosed
	}
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

func (p *rodPage) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return p.page.Close()
}
