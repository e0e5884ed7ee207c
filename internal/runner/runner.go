// Package runner schedules monitors, retries failed runs, and fans the final
// outcome out to notifiers and run history.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/osbits/pagewatch/internal/config"
	"github.com/osbits/pagewatch/internal/monitor"
	"github.com/osbits/pagewatch/internal/notifier"
	"github.com/osbits/pagewatch/internal/observability"
	"github.com/osbits/pagewatch/internal/scraper"
	"github.com/osbits/pagewatch/internal/storage"
	"github.com/osbits/pagewatch/internal/structure"
)

const (
	notifyTimeout  = 30 * time.Second
	persistTimeout = 5 * time.Second
)

// Target is a runnable monitor.
type Target interface {
	ID() string
	Config() config.MonitorConfig
	Run(ctx context.Context) monitor.Outcome
}

// Options tunes a Runner.
type Options struct {
	Location *time.Location
	// ReportFailures forwards failed runs to Rollbar.
	ReportFailures bool
}

// Result is the final outcome of a monitor after retries.
type Result struct {
	Outcome  monitor.Outcome
	Attempts int
	Skipped  bool
}

// Runner coordinates periodic execution of monitors and notifications.
type Runner struct {
	defaults  config.ServiceDefault
	targets   []Target
	notifiers *notifier.Registry
	store     *storage.Store
	logger    *slog.Logger
	location  *time.Location
	report    bool

	maintenance map[string][]maintenanceWindow
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

// New constructs a runner over targets.
func New(cfg *config.Config, targets []Target, reg *notifier.Registry, store *storage.Store, logger *slog.Logger, opts Options) (*Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	if reg == nil {
		reg = notifier.NewRegistry()
	}
	defaults := cfg.Service.Defaults
	maintenance := make(map[string][]maintenanceWindow, len(targets))
	for _, t := range targets {
		mc := t.Config()
		specs := append(append([]config.MaintenanceSpec(nil), defaults.MaintenanceWindows...), mc.MaintenanceWindows...)
		windows, err := parseMaintenance(specs, loc, effectiveInterval(defaults, mc))
		if err != nil {
			return nil, fmt.Errorf("monitor %q: %w", mc.ID, err)
		}
		maintenance[mc.ID] = windows
		if mc.Schedule != nil && mc.Schedule.Cron != "" {
			if _, err := cron.ParseStandard(mc.Schedule.Cron); err != nil {
				return nil, fmt.Errorf("monitor %q: parse cron %q: %w", mc.ID, mc.Schedule.Cron, err)
			}
		}
		if _, err := reg.Select(mc.Notifiers); err != nil {
			return nil, fmt.Errorf("monitor %q: %w", mc.ID, err)
		}
	}
	return &Runner{
		defaults:    defaults,
		targets:     targets,
		notifiers:   reg,
		store:       store,
		logger:      logger,
		location:    loc,
		report:      opts.ReportFailures,
		maintenance: maintenance,
		now:         time.Now,
		sleep:       sleepContext,
	}, nil
}

// Start launches one loop per monitor and blocks until ctx is done.
func (r *Runner) Start(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, target := range r.targets {
		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			r.loop(ctx, t)
		}(target)
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// RunOnce runs every monitor a single time, in configuration order, and
// returns the failures joined.
func (r *Runner) RunOnce(ctx context.Context) ([]Result, error) {
	results := make([]Result, 0, len(r.targets))
	var errs []error
	for _, t := range r.targets {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res := r.Execute(ctx, t)
		results = append(results, res)
		if !res.Skipped && res.Outcome.Err != nil {
			errs = append(errs, fmt.Errorf("monitor %q: %w", t.ID(), res.Outcome.Err))
		}
	}
	return results, errors.Join(errs...)
}

func (r *Runner) loop(ctx context.Context, t Target) {
	mc := t.Config()
	schedule := r.schedule(mc)
	r.logger.Info("starting monitor loop", "monitor_id", mc.ID, "schedule", describeSchedule(r.defaults, mc))
	r.Execute(ctx, t)

	for {
		now := r.now().In(r.location)
		wait := schedule.Next(now).Sub(now)
		if err := r.sleep(ctx, wait); err != nil {
			r.logger.Info("stopping monitor loop", "monitor_id", mc.ID)
			return
		}
		r.Execute(ctx, t)
	}
}

func (r *Runner) schedule(mc config.MonitorConfig) cron.Schedule {
	if mc.Schedule != nil && mc.Schedule.Cron != "" {
		if s, err := cron.ParseStandard(mc.Schedule.Cron); err == nil {
			return s
		}
	}
	return cron.Every(effectiveInterval(r.defaults, mc))
}

// Execute runs t with retries, then dispatches notifications and records the
// run. Runs inside a maintenance window are skipped.
func (r *Runner) Execute(ctx context.Context, t Target) Result {
	mc := t.Config()
	logger := r.logger.With("monitor_id", mc.ID)
	if inMaintenance(r.maintenance[mc.ID], r.now().In(r.location)) {
		logger.Info("skipping run due to maintenance window")
		return Result{Skipped: true, Outcome: monitor.Outcome{MonitorID: mc.ID}}
	}

	retries := effectiveRetries(r.defaults, mc)
	backoff := effectiveBackoff(r.defaults, mc)
	timeout := effectiveTimeout(r.defaults, mc)

	var res Result
	for attempt := 0; attempt <= retries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		res.Outcome = t.Run(attemptCtx)
		cancel()
		res.Attempts = attempt + 1

		if res.Outcome.Success() || ctx.Err() != nil {
			break
		}
		if attempt < retries {
			logger.Warn("run attempt failed, retrying", "run_id", res.Outcome.RunID, "attempt", attempt+1, "error", res.Outcome.Err)
			if err := r.sleep(ctx, backoff); err != nil {
				break
			}
		}
	}

	r.logRun(mc, res)
	r.dispatchOutcome(ctx, mc, res.Outcome)
	r.persistRun(ctx, mc, res)
	if !res.Outcome.Success() {
		observability.ReportFailure(r.report, mc.ID, res.Outcome.RunID, res.Outcome.Err)
	}
	return res
}

// dispatchOutcome sends the structure alert first, then the failure, or the
// product data on success.
func (r *Runner) dispatchOutcome(ctx context.Context, mc config.MonitorConfig, out monitor.Outcome) {
	meta := notifier.Monitor{
		ID:     mc.ID,
		Name:   mc.DisplayName(),
		Target: mc.TargetURL(""),
		Labels: mc.Labels,
	}
	at := out.FinishedAt
	if at.IsZero() {
		at = r.now()
	}

	var events []notifier.Event
	if out.Report != nil && out.Report.Status != structure.StatusSuccess {
		events = append(events, notifier.StructureEvent(meta, out.RunID, out.URL, *out.Report, at))
	}
	switch {
	case out.Err != nil:
		events = append(events, notifier.FailureEvent(meta, out.RunID, out.URL, out.Err, at))
	case out.Product != nil && notifyOnSuccess(mc):
		events = append(events, notifier.ProductEvent(meta, out.RunID, *out.Product, at))
	}
	if len(events) == 0 {
		return
	}

	targets, err := r.notifiers.Select(mc.Notifiers)
	if err != nil {
		r.logger.Error("notifier lookup failed", "monitor_id", mc.ID, "error", err)
	}
	sendCtx := context.WithoutCancel(ctx)
	for _, ev := range events {
		for _, n := range targets {
			r.notify(sendCtx, n, ev)
		}
	}
}

func (r *Runner) notify(ctx context.Context, n notifier.Notifier, ev notifier.Event) {
	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	err := n.Notify(ctx, ev)
	entry := storage.NotificationLog{
		NotifierID: n.ID(),
		MonitorID:  ev.Monitor.ID,
		RunID:      ev.RunID,
		Kind:       string(ev.Kind),
		Status:     ev.Status,
		Summary:    ev.Summary,
		Labels:     ev.Monitor.Labels,
		OccurredAt: ev.OccurredAt,
	}
	if err != nil {
		entry.Error = err.Error()
		r.logger.Error("notifier error", "notifier_id", n.ID(), "monitor_id", ev.Monitor.ID, "kind", ev.Kind, "error", err)
	}
	if r.store == nil {
		return
	}
	if err := r.store.RecordNotification(ctx, entry); err != nil {
		r.logger.Error("failed to record notification", "notifier_id", n.ID(), "monitor_id", ev.Monitor.ID, "error", err)
	}
}

func (r *Runner) logRun(mc config.MonitorConfig, res Result) {
	if !shouldLogRuns(r.defaults, mc) && res.Outcome.Success() {
		return
	}
	out := res.Outcome
	attrs := []any{
		"monitor_id", mc.ID,
		"run_id", out.RunID,
		"success", out.Success(),
		"attempts", res.Attempts,
		"duration", out.Duration(),
		"url", out.URL,
	}
	if out.Report != nil {
		attrs = append(attrs, "report_status", out.Report.Status)
	}
	if out.Err != nil {
		attrs = append(attrs, "error", out.Err.Error())
		r.logger.Error("monitor run failed", attrs...)
		return
	}
	r.logger.Info("monitor run", attrs...)
}

func (r *Runner) persistRun(ctx context.Context, mc config.MonitorConfig, res Result) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	out := res.Outcome
	run := storage.MonitorRun{
		RunID:       out.RunID,
		MonitorID:   mc.ID,
		MonitorName: mc.DisplayName(),
		URL:         out.URL,
		Success:     out.Success(),
		Attempts:    res.Attempts,
		Duration:    out.Duration(),
		StartedAt:   out.StartedAt,
	}
	if out.Product != nil {
		run.Title = out.Product.Title
		run.Price = out.Product.Price
		run.Release = out.Product.Release
	}
	if out.Report != nil {
		run.ReportStatus = string(out.Report.Status)
		if b, err := json.Marshal(out.Report); err == nil {
			run.Report = b
		}
	}
	if out.Err != nil {
		run.Error = out.Err.Error()
		var scrapeErr *scraper.Error
		if errors.As(out.Err, &scrapeErr) {
			run.ErrorKind = string(scrapeErr.Kind)
		}
	}
	if err := r.store.RecordRun(ctx, run); err != nil {
		r.logger.Error("failed to record run", "monitor_id", mc.ID, "run_id", out.RunID, "error", err)
	}
}

func effectiveInterval(d config.ServiceDefault, mc config.MonitorConfig) time.Duration {
	if mc.Schedule != nil && mc.Schedule.Interval != nil {
		return mc.Schedule.Interval.Or(d.Interval.Duration)
	}
	return d.Interval.Duration
}

func effectiveTimeout(d config.ServiceDefault, mc config.MonitorConfig) time.Duration {
	if mc.Schedule != nil && mc.Schedule.Timeout != nil {
		return mc.Schedule.Timeout.Or(d.Timeout.Duration)
	}
	return d.Timeout.Duration
}

func effectiveRetries(d config.ServiceDefault, mc config.MonitorConfig) int {
	if mc.Schedule != nil && mc.Schedule.Retries != nil {
		return *mc.Schedule.Retries
	}
	return d.Retries
}

func effectiveBackoff(d config.ServiceDefault, mc config.MonitorConfig) time.Duration {
	if mc.Schedule != nil && mc.Schedule.Backoff != nil {
		return mc.Schedule.Backoff.Or(d.Backoff.Duration)
	}
	return d.Backoff.Duration
}

func shouldLogRuns(d config.ServiceDefault, mc config.MonitorConfig) bool {
	if mc.LogRuns != nil {
		return *mc.LogRuns
	}
	return d.LogRuns
}

func notifyOnSuccess(mc config.MonitorConfig) bool {
	return mc.NotifyOnSuccess == nil || *mc.NotifyOnSuccess
}

func describeSchedule(d config.ServiceDefault, mc config.MonitorConfig) string {
	if mc.Schedule != nil && mc.Schedule.Cron != "" {
		return "cron " + mc.Schedule.Cron
	}
	return "every " + effectiveInterval(d, mc).String()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
