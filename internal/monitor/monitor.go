// Package monitor runs one scrape of a configured category page and, when no
// product data comes back, diagnoses the page structure.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/osbits/pagewatch/internal/browser"
	"github.com/osbits/pagewatch/internal/config"
	"github.com/osbits/pagewatch/internal/scraper"
	"github.com/osbits/pagewatch/internal/structure"
)

// Outcome is the result of one run. Report is set only when the structure
// comparison ran to completion.
type Outcome struct {
	MonitorID  string
	RunID      string
	URL        string
	Product    *scraper.ProductInfo
	Report     *structure.Report
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// Success reports whether product data was extracted.
func (o Outcome) Success() bool {
	return o.Err == nil
}

// Duration returns the wall time of the run.
func (o Outcome) Duration() time.Duration {
	return o.FinishedAt.Sub(o.StartedAt)
}

// Monitor binds a monitor configuration to a driver.
type Monitor struct {
	cfg        config.MonitorConfig
	driver     browser.Driver
	comparator *structure.Comparator
	logger     *slog.Logger
}

// New validates the structure selectors of cfg and builds a Monitor.
func New(cfg config.MonitorConfig, driver browser.Driver, logger *slog.Logger) (*Monitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sel, err := cfg.SelectorMap()
	if err != nil {
		return nil, fmt.Errorf("monitor %q: %w", cfg.ID, err)
	}
	cmp := structure.NewComparator(sel, structure.Options{
		ProbeTimeout: cfg.ProbeTimeout.Duration,
		Concurrency:  cfg.ProbeConcurrency,
	})
	return &Monitor{
		cfg:        cfg,
		driver:     driver,
		comparator: cmp,
		logger:     logger.With("monitor_id", cfg.ID),
	}, nil
}

// ID returns the monitor ID.
func (m *Monitor) ID() string {
	return m.cfg.ID
}

// Config returns the monitor configuration.
func (m *Monitor) Config() config.MonitorConfig {
	return m.cfg
}

func (m *Monitor) scraperSelectors() scraper.Selectors {
	e := m.cfg.Extraction
	return scraper.Selectors{
		ProductLink: e.ProductLink,
		ListTitle:   e.ListTitle,
		Title:       e.Title,
		Price:       e.Price,
		Release:     e.Release,
	}
}

// Run performs one scrape. It never sends notifications.
func (m *Monitor) Run(ctx context.Context) Outcome {
	out := Outcome{
		MonitorID: m.cfg.ID,
		RunID:     uuid.NewString(),
		URL:       m.cfg.TargetURL(""),
		StartedAt: time.Now().UTC(),
	}
	logger := m.logger.With("run_id", out.RunID)

	page, err := m.driver.NewPage(ctx)
	if err != nil {
		out.Err = fmt.Errorf("open page: %w", err)
		out.FinishedAt = time.Now().UTC()
		return out
	}
	defer func() {
		if err := page.Close(); err != nil {
			logger.Warn("failed to close page", "error", err)
		}
	}()

	out = m.scrape(ctx, page, out, logger)
	out.FinishedAt = time.Now().UTC()
	return out
}

func (m *Monitor) scrape(ctx context.Context, page browser.Page, out Outcome, logger *slog.Logger) Outcome {
	s := scraper.New(page, m.scraperSelectors(), scraper.Options{
		SettleDelay:  m.cfg.SettleDelay.Duration,
		ReadyTimeout: m.cfg.ReadyTimeout.Duration,
	}, logger)

	target := out.URL
	if err := s.NavigateToCategory(ctx, target); err != nil {
		out.Err = err
		return out
	}

	info, err := s.ProductInfo(ctx)
	if err != nil {
		out.Err = err
		m.captureURL(ctx, page, &out)
		return out
	}
	out.Product = &info
	if info.URL != "" {
		out.URL = info.URL
	}
	if info.HasData() {
		logger.Info("product information retrieved", "title", info.Title, "price", info.Price, "release", info.Release)
		return out
	}

	res, err := m.comparator.CompareStructure(ctx, page.Document())
	if err != nil {
		out.Err = scraper.StructureChangeError(err)
		return out
	}
	report := structure.GenerateReport(res)
	out.Report = &report
	if report.Status != structure.StatusSuccess {
		logger.Warn("page structure changed", "status", report.Status, "missing", len(res.Missing), "changed", len(res.Changed))
	}
	out.Err = scraper.NoProductDataError(out.URL)
	return out
}

func (m *Monitor) captureURL(ctx context.Context, page browser.Page, out *Outcome) {
	if u, err := page.URL(ctx); err == nil && u != "" {
		out.URL = u
	}
}

// Check loads url, waits for the settle delay and compares the page against
// the monitor's structure selectors without extracting product data.
func (m *Monitor) Check(ctx context.Context, url string) (structure.Report, error) {
	if url == "" {
		url = m.cfg.TargetURL("")
	}
	logger := m.logger.With("url", url)
	page, err := m.driver.NewPage(ctx)
	if err != nil {
		return structure.Report{}, fmt.Errorf("open page: %w", err)
	}
	defer func() {
		if err := page.Close(); err != nil {
			logger.Warn("failed to close page", "error", err)
		}
	}()

	if err := page.Navigate(ctx, url); err != nil {
		return structure.Report{}, scraper.NavigationError(url, err)
	}
	timer := time.NewTimer(m.cfg.SettleDelay.Duration)
	select {
	case <-ctx.Done():
		timer.Stop()
		return structure.Report{}, ctx.Err()
	case <-timer.C:
	}

	logger.Debug("checking page structure", "fields", m.comparator.Selectors().Len())
	res, err := m.comparator.CompareStructure(ctx, page.Document())
	if err != nil {
		return structure.Report{}, fmt.Errorf("compare structure: %w", err)
	}
	return structure.GenerateReport(res), nil
}
