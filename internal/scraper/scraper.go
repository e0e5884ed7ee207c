// Package scraper reads product data from a category page and the first
// product it links to.
package scraper

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/osbits/pagewatch/internal/browser"
)

// Selectors are the locators the scraper reads.
type Selectors struct {
	ProductLink string
	ListTitle   string
	Title       string
	Price       string
	Release     string
}

// Options bound the waits on the category page.
type Options struct {
	SettleDelay  time.Duration
	ReadyTimeout time.Duration
}

// ProductInfo is what one run extracted.
type ProductInfo struct {
	ListTitle string    `json:"list_title,omitempty"`
	Title     string    `json:"title,omitempty"`
	Price     string    `json:"price,omitempty"`
	Release   string    `json:"release,omitempty"`
	URL       string    `json:"url"`
	Timestamp time.Time `json:"timestamp"`
}

// HasData reports whether any product detail field was read.
func (p ProductInfo) HasData() bool {
	return p.Title != "" || p.Price != "" || p.Release != ""
}

// ProductScraper drives one page through the category and product views.
type ProductScraper struct {
	page   browser.Page
	sel    Selectors
	opts   Options
	logger *slog.Logger
}

// New builds a scraper over page.
func New(page browser.Page, sel Selectors, opts Options, logger *slog.Logger) *ProductScraper {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProductScraper{page: page, sel: sel, opts: opts, logger: logger}
}

// NavigateToCategory loads url, lets client-side rendering settle and waits
// for the product link to be displayed.
func (s *ProductScraper) NavigateToCategory(ctx context.Context, url string) error {
	if err := s.page.Navigate(ctx, url); err != nil {
		return NavigationError(url, err)
	}
	if err := sleep(ctx, s.opts.SettleDelay); err != nil {
		return NavigationError(url, err)
	}

	readyCtx := ctx
	if s.opts.ReadyTimeout > 0 {
		var cancel context.CancelFunc
		readyCtx, cancel = context.WithTimeout(ctx, s.opts.ReadyTimeout)
		defer cancel()
	}
	if err := s.page.WaitVisible(readyCtx, s.sel.ProductLink); err != nil {
		return NavigationError(url, err)
	}
	s.logger.Info("category page ready", "url", url)
	return nil
}

// ProductInfo opens the first product and reads its details. Individual
// detail reads that fail leave their field empty.
func (s *ProductScraper) ProductInfo(ctx context.Context) (ProductInfo, error) {
	n, err := s.page.Document().Locate(s.sel.ProductLink).Count(ctx)
	if err != nil || n == 0 {
		return ProductInfo{}, ElementNotFoundError(s.sel.ProductLink)
	}

	listTitle := s.readText(ctx, s.sel.ListTitle)
	if listTitle != "" {
		s.logger.Info("found product title", "list_title", listTitle)
	}

	if err := s.page.Click(ctx, s.sel.ProductLink); err != nil {
		return ProductInfo{}, newError(KindNavigation, "failed to open product page",
			map[string]any{"selector": s.sel.ProductLink, "error": err.Error()}, err)
	}
	if err := s.page.WaitIdle(ctx); err != nil {
		return ProductInfo{}, newError(KindNavigation, "product page did not settle",
			map[string]any{"error": err.Error()}, err)
	}

	info := ProductInfo{ListTitle: listTitle}
	// Each read swallows its own failure, so the fields fill independently.
	var wg sync.WaitGroup
	for _, f := range []struct {
		dst      *string
		selector string
	}{
		{&info.Title, s.sel.Title},
		{&info.Price, s.sel.Price},
		{&info.Release, s.sel.Release},
	} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			*f.dst = s.readText(ctx, f.selector)
		}()
	}
	wg.Wait()

	if u, err := s.page.URL(ctx); err == nil {
		info.URL = u
	}
	info.Timestamp = time.Now().UTC()
	return info, nil
}

func (s *ProductScraper) readText(ctx context.Context, selector string) string {
	if selector == "" {
		return ""
	}
	text, err := s.page.Text(ctx, selector)
	if err != nil {
		s.logger.Debug("text read failed", "selector", selector, "error", err)
		return ""
	}
	return strings.TrimSpace(text)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
