package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/osbits/pagewatch/internal/config"
	"github.com/osbits/pagewatch/internal/monitor"
	"github.com/osbits/pagewatch/internal/notifier"
	"github.com/osbits/pagewatch/internal/scraper"
	"github.com/osbits/pagewatch/internal/storage"
	"github.com/osbits/pagewatch/internal/structure"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type scriptedTarget struct {
	cfg      config.MonitorConfig
	mu       sync.Mutex
	outcomes []monitor.Outcome
	calls    int
	onRun    func()
}

func (s *scriptedTarget) ID() string                   { return s.cfg.ID }
func (s *scriptedTarget) Config() config.MonitorConfig { return s.cfg }

func (s *scriptedTarget) Run(ctx context.Context) monitor.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	if idx >= len(s.outcomes) {
		idx = len(s.outcomes) - 1
	}
	s.calls++
	if s.onRun != nil {
		s.onRun()
	}
	out := s.outcomes[idx]
	out.MonitorID = s.cfg.ID
	out.StartedAt = fixedNow
	out.FinishedAt = fixedNow.Add(time.Second)
	return out
}

type recordingNotifier struct {
	id     string
	err    error
	mu     sync.Mutex
	events []notifier.Event
}

func (n *recordingNotifier) ID() string { return n.id }

func (n *recordingNotifier) Notify(ctx context.Context, ev notifier.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return n.err
}

func (n *recordingNotifier) kinds() []notifier.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notifier.Kind, len(n.events))
	for i, ev := range n.events {
		out[i] = ev.Kind
	}
	return out
}

func testConfig(retries int) *config.Config {
	return &config.Config{
		Service: config.ServiceConfig{
			Defaults: config.ServiceDefault{
				Interval: config.Duration{Duration: time.Minute},
				Timeout:  config.Duration{Duration: time.Second},
				Backoff:  config.Duration{Duration: time.Hour},
				Retries:  retries,
			},
		},
	}
}

func monitorConfig(id string, notifiers ...string) config.MonitorConfig {
	return config.MonitorConfig{
		ID:        id,
		Name:      strings.ToUpper(id),
		Target:    config.TargetConfig{URL: "https://shop.example/category/1"},
		Notifiers: notifiers,
	}
}

func product() *scraper.ProductInfo {
	return &scraper.ProductInfo{Title: "Figure", Price: "5,500", URL: "https://shop.example/goods/1"}
}

func failedReport() *structure.Report {
	r := structure.GenerateReport(structure.ComparisonResult{
		Found:   []structure.FieldProbeResult{},
		Missing: []structure.FieldProbeResult{{Field: "price", Selector: "p.price", Outcome: structure.OutcomeMissing}},
		Changed: []structure.FieldProbeResult{},
	})
	return &r
}

func newTestRunner(t *testing.T, cfg *config.Config, targets []Target, notifiers ...notifier.Notifier) (*Runner, *storage.Store) {
	t.Helper()
	reg := notifier.NewRegistry()
	for _, n := range notifiers {
		require.NoError(t, reg.Add(n))
	}
	store, err := storage.Open(storage.MemoryPath, storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r, err := New(cfg, targets, reg, store, logger, Options{})
	require.NoError(t, err)
	r.now = func() time.Time { return fixedNow }
	r.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return r, store
}

func TestExecuteRetriesUntilSuccess(t *testing.T) {
	target := &scriptedTarget{
		cfg: monitorConfig("figures", "chat"),
		outcomes: []monitor.Outcome{
			{RunID: "r1", Err: scraper.NavigationError("https://shop.example/category/1", errors.New("timeout"))},
			{RunID: "r2", Product: product(), URL: "https://shop.example/goods/1"},
		},
	}
	chat := &recordingNotifier{id: "chat"}
	r, store := newTestRunner(t, testConfig(3), []Target{target}, chat)

	res := r.Execute(context.Background(), target)
	require.Equal(t, 2, res.Attempts)
	require.True(t, res.Outcome.Success())
	require.Equal(t, []notifier.Kind{notifier.KindProduct}, chat.kinds())

	runs, err := store.RecentRuns(context.Background(), "figures", 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.True(t, runs[0].Success)
	require.Equal(t, "Figure", runs[0].Title)
	require.Equal(t, 2, runs[0].Attempts)
}

func TestExecuteNoDataSendsStructureThenFailure(t *testing.T) {
	target := &scriptedTarget{
		cfg: monitorConfig("figures", "chat", "hook"),
		outcomes: []monitor.Outcome{{
			RunID:  "r1",
			URL:    "https://shop.example/goods/1",
			Report: failedReport(),
			Err:    scraper.NoProductDataError("https://shop.example/goods/1"),
		}},
	}
	chat := &recordingNotifier{id: "chat"}
	hook := &recordingNotifier{id: "hook", err: errors.New("502 bad gateway")}
	r, store := newTestRunner(t, testConfig(1), []Target{target}, chat, hook)

	res := r.Execute(context.Background(), target)
	require.Equal(t, 2, res.Attempts)
	require.False(t, res.Outcome.Success())
	require.Equal(t, []notifier.Kind{notifier.KindStructure, notifier.KindFailure}, chat.kinds())
	require.Equal(t, []notifier.Kind{notifier.KindStructure, notifier.KindFailure}, hook.kinds())

	structureEvent := chat.events[0]
	require.Equal(t, "FIGURES", structureEvent.Monitor.Name)
	require.Equal(t, []string{`price: selector "p.price" not found`}, structureEvent.Report.Issues)
	require.Equal(t, "no_product_data", chat.events[1].Error.Type)

	runs, err := store.RecentRuns(context.Background(), "figures", 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "no_product_data", runs[0].ErrorKind)
	require.Equal(t, "error", runs[0].ReportStatus)
	require.Contains(t, string(runs[0].Report), `"status":"error"`)

	n, err := store.NotificationCount(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, n)
}

func TestExecuteSuccessNotificationCanBeDisabled(t *testing.T) {
	off := false
	mc := monitorConfig("figures", "chat")
	mc.NotifyOnSuccess = &off
	target := &scriptedTarget{cfg: mc, outcomes: []monitor.Outcome{{RunID: "r1", Product: product()}}}
	chat := &recordingNotifier{id: "chat"}
	r, _ := newTestRunner(t, testConfig(0), []Target{target}, chat)

	res := r.Execute(context.Background(), target)
	require.True(t, res.Outcome.Success())
	require.Empty(t, chat.kinds())
}

func TestExecuteSkipsMaintenanceWindow(t *testing.T) {
	mc := monitorConfig("figures")
	mc.MaintenanceWindows = []config.MaintenanceSpec{{Kind: config.MaintenanceKindRange, Expr: "2024-05-01T11:00-2024-05-01T13:00"}}
	target := &scriptedTarget{cfg: mc, outcomes: []monitor.Outcome{{RunID: "r1", Product: product()}}}
	r, store := newTestRunner(t, testConfig(0), []Target{target})

	res := r.Execute(context.Background(), target)
	require.True(t, res.Skipped)
	require.Zero(t, target.calls)

	runs, err := store.RecentRuns(context.Background(), "figures", 5)
	require.NoError(t, err)
	require.Empty(t, runs)
}

func TestRunOnceJoinsFailures(t *testing.T) {
	ok := &scriptedTarget{cfg: monitorConfig("ok"), outcomes: []monitor.Outcome{{RunID: "a", Product: product()}}}
	bad := &scriptedTarget{cfg: monitorConfig("bad"), outcomes: []monitor.Outcome{{RunID: "b", Err: scraper.ElementNotFoundError("div.item_list_thumb a")}}}
	r, _ := newTestRunner(t, testConfig(0), []Target{ok, bad})

	results, err := r.RunOnce(context.Background())
	require.Len(t, results, 2)
	require.Error(t, err)
	require.Contains(t, err.Error(), `monitor "bad"`)
	require.NotContains(t, err.Error(), `monitor "ok"`)

	var scrapeErr *scraper.Error
	require.ErrorAs(t, err, &scrapeErr)
	require.Equal(t, scraper.KindElementNotFound, scrapeErr.Kind)
}

func TestStartStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	target := &scriptedTarget{cfg: monitorConfig("figures"), outcomes: []monitor.Outcome{{RunID: "r1", Product: product()}}, onRun: cancel}
	r, _ := newTestRunner(t, testConfig(0), []Target{target})

	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
	require.Equal(t, 1, target.calls)
}

func TestNewRejectsUnknownNotifier(t *testing.T) {
	target := &scriptedTarget{cfg: monitorConfig("figures", "missing")}
	_, err := New(testConfig(0), []Target{target}, notifier.NewRegistry(), nil, nil, Options{})
	require.ErrorContains(t, err, "missing")
}

func TestScheduleUsesCronWhenSet(t *testing.T) {
	mc := monitorConfig("figures")
	mc.Schedule = &config.MonitorSchedule{Cron: "15 * * * *"}
	r, _ := newTestRunner(t, testConfig(0), nil)

	next := r.schedule(mc).Next(fixedNow)
	require.Equal(t, time.Date(2024, 5, 1, 12, 15, 0, 0, time.UTC), next)

	next = r.schedule(monitorConfig("plain")).Next(fixedNow)
	require.Equal(t, fixedNow.Add(time.Minute), next)
}

func TestMaintenanceWindows(t *testing.T) {
	windows, err := parseMaintenance([]config.MaintenanceSpec{
		{Kind: config.MaintenanceKindCron, Expr: "0 2 * * *"},
		{Kind: config.MaintenanceKindRange, Expr: "2024-06-01T00:00-2024-06-02T00:00"},
	}, time.UTC, time.Hour)
	require.NoError(t, err)

	cases := []struct {
		at   time.Time
		want bool
	}{
		{time.Date(2024, 5, 1, 2, 30, 0, 0, time.UTC), true},
		{time.Date(2024, 5, 1, 3, 30, 0, 0, time.UTC), false},
		{time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC), true},
		{time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC), false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, inMaintenance(windows, tc.at), tc.at.String())
	}

	_, err = parseMaintenance([]config.MaintenanceSpec{{Kind: config.MaintenanceKindRange, Expr: "tomorrow"}}, time.UTC, 0)
	require.Error(t, err)
	_, err = parseMaintenance([]config.MaintenanceSpec{{Kind: config.MaintenanceKindRange, Expr: "2024-06-02T00:00-2024-06-01T00:00"}}, time.UTC, 0)
	require.Error(t, err)
}

func TestEffectiveScheduleFallsBackToDefaults(t *testing.T) {
	d := config.ServiceDefault{
		Interval: config.Duration{Duration: 15 * time.Minute},
		Timeout:  config.Duration{Duration: time.Minute},
		Backoff:  config.Duration{Duration: 10 * time.Second},
	}
	mc := config.MonitorConfig{Schedule: &config.MonitorSchedule{
		Interval: &config.NullableDuration{},
		Timeout:  &config.NullableDuration{Duration: 2 * time.Minute, Set: true},
	}}
	require.Equal(t, 15*time.Minute, effectiveInterval(d, mc))
	require.Equal(t, 2*time.Minute, effectiveTimeout(d, mc))
	require.Equal(t, 10*time.Second, effectiveBackoff(d, mc))
	require.Equal(t, time.Minute, effectiveTimeout(d, config.MonitorConfig{}))
}
