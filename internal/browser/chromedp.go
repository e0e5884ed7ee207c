package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/osbits/pagewatch/internal/structure"
)

// ChromedpDriver drives a local or remote Chrome through chromedp.
type ChromedpDriver struct {
	opts          Options
	logger        *slog.Logger
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
}

// NewChromedp starts Chrome, or attaches to RemoteURL when set.
func NewChromedp(opts Options, logger *slog.Logger) (*ChromedpDriver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
	)
	if opts.RemoteURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), opts.RemoteURL)
	} else {
		allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.DisableGPU,
			chromedp.NoSandbox,
			chromedp.Flag("headless", opts.Headless),
			chromedp.Flag("disable-blink-features", "AutomationControlled"),
		)
		if opts.UserAgent != "" {
			allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
		}
		if opts.ExecPath != "" {
			allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
		}
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), allocOpts...)
	}

	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithErrorf(func(format string, args ...any) {
			logger.Debug("chromedp error", "detail", fmt.Sprintf(format, args...))
		}),
	)
	// The first Run binds the browser process to browserCtx.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start chrome: %w", err)
	}
	logger.Info("chrome started", "remote", opts.RemoteURL != "", "headless", opts.Headless)

	return &ChromedpDriver{
		opts:          opts,
		logger:        logger,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
	}, nil
}

func (d *ChromedpDriver) NewPage(ctx context.Context) (Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tabCtx, cancel := chromedp.NewContext(d.browserCtx)
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	p := &chromedpPage{tab: tabCtx, cancel: cancel, opts: d.opts}
	p.scriptPage = scriptPage{eval: p}
	return p, nil
}

func (d *ChromedpDriver) Close() error {
	d.browserCancel()
	d.allocCancel()
	return nil
}

type chromedpPage struct {
	scriptPage

	tab    context.Context
	cancel context.CancelFunc
	opts   Options
	closed atomic.Bool
}

// exec runs actions on the tab while honouring ctx's deadline and
// cancellation.
func (p *chromedpPage) exec(ctx context.Context, actions ...chromedp.Action) error {
	if p.closed.Load() || p.tab.Err() != nil {
		return structure.ErrDocumentClosed
	}
	runCtx, cancel := context.WithCancel(p.tab)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case p.closed.Load() || p.tab.Err() != nil:
		return fmt.Errorf("%w: %v", structure.ErrDocumentClosed, err)
	default:
		return err
	}
}

func (p *chromedpPage) evalString(ctx context.Context, fn string, arg string) (string, error) {
	expr := "(" + fn + ")()"
	if arg != "" {
		quoted, err := json.Marshal(arg)
		if err != nil {
			return "", err
		}
		expr = "(" + fn + ")(" + string(quoted) + ")"
	}
	var out string
	if err := p.exec(ctx, chromedp.Evaluate(expr, &out)); err != nil {
		return "", err
	}
	return out, nil
}

// pause emulates slow motion before user-visible actions.
func (p *chromedpPage) pause(ctx context.Context) {
	if p.opts.SlowMo <= 0 {
		return
	}
	t := time.NewTimer(p.opts.SlowMo)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (p *chromedpPage) Navigate(ctx context.Context, url string) error {
	p.pause(ctx)
	navCtx, cancel := withNavigationTimeout(ctx, p.opts.NavigationTimeout)
	defer cancel()
	if err := p.exec(navCtx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

func (p *chromedpPage) Click(ctx context.Context, selector string) error {
	p.pause(ctx)
	return p.scriptPage.Click(ctx, selector)
}

func (p *chromedpPage) WaitIdle(ctx context.Context) error {
	if err := p.exec(ctx, chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		return fmt.Errorf("wait idle: %w", err)
	}
	return p.waitReady(ctx)
}

func (p *chromedpPage) URL(ctx context.Context) (string, error) {
	var loc string
	if err := p.exec(ctx, chromedp.Location(&loc)); err != nil {
		return "", err
	}
	return loc, nil
}

func (p *chromedpPage) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.cancel()
	return nil
}
