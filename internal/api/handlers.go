package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/osbits/pagewatch/internal/config"
	"github.com/osbits/pagewatch/internal/storage"
)

const (
	statusOK       = "ok"
	statusFailing  = "failing"
	statusStale    = "stale"
	statusUnknown  = "unknown"
	statusCritical = "critical"

	defaultRunLimit = 20
	maxRunLimit     = 500
)

type componentStatus struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

type healthResponse struct {
	Status      string          `json:"status"`
	GeneratedAt time.Time       `json:"generated_at"`
	Database    componentStatus `json:"database"`
}

type monitorSummary struct {
	ID       string              `json:"id"`
	Name     string              `json:"name"`
	Target   string              `json:"target"`
	Status   string              `json:"status"`
	Labels   map[string]string   `json:"labels,omitempty"`
	LastRun  *storage.MonitorRun `json:"last_run,omitempty"`
	Interval string              `json:"interval"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:      statusOK,
		GeneratedAt: a.now().UTC(),
		Database:    componentStatus{Status: statusOK},
	}
	code := http.StatusOK
	if err := a.store.Ping(r.Context()); err != nil {
		resp.Status = statusCritical
		resp.Database = componentStatus{Status: statusCritical, Detail: err.Error()}
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (a *App) handleMonitors(w http.ResponseWriter, r *http.Request) {
	latest, err := a.store.LatestRuns(r.Context())
	if err != nil {
		a.logger.Error("load latest runs", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to load runs"})
		return
	}
	now := a.now()
	out := make([]monitorSummary, 0, len(a.cfg.Monitors))
	for _, m := range a.cfg.Monitors {
		interval := a.interval(m)
		summary := monitorSummary{
			ID:       m.ID,
			Name:     m.DisplayName(),
			Target:   m.TargetURL(""),
			Labels:   m.Labels,
			Status:   statusUnknown,
			Interval: interval.String(),
		}
		if run, ok := latest[m.ID]; ok {
			summary.LastRun = &run
			summary.Status = runStatus(run, now, interval)
		}
		out = append(out, summary)
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *App) handleRuns(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "monitorID")
	if _, ok := a.monitors[id]; !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown monitor " + strconv.Quote(id)})
		return
	}
	limit := defaultRunLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxRunLimit {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be between 1 and " + strconv.Itoa(maxRunLimit)})
			return
		}
		limit = n
	}
	runs, err := a.store.RecentRuns(r.Context(), id, limit)
	if err != nil {
		a.logger.Error("load runs", "monitor_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to load runs"})
		return
	}
	if runs == nil {
		runs = []storage.MonitorRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (a *App) interval(m config.MonitorConfig) time.Duration {
	if m.Schedule != nil && m.Schedule.Interval != nil && m.Schedule.Interval.Set {
		return m.Schedule.Interval.Duration
	}
	return a.cfg.Service.Defaults.Interval.Duration
}

// runStatus marks a monitor stale once its last run is older than three
// intervals.
func runStatus(run storage.MonitorRun, now time.Time, interval time.Duration) string {
	if interval > 0 && now.Sub(run.StartedAt) > 3*interval {
		return statusStale
	}
	if !run.Success {
		return statusFailing
	}
	return statusOK
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
