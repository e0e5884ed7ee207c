// Package storage persists run history and notification dispatches in sqlite.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Options configures storage behaviour.
type Options struct {
	RunRetention          int
	NotificationRetention int
}

// Store wraps sqlite persistence for monitor runs and notifications.
type Store struct {
	db                *sql.DB
	runLimit          int
	notificationLimit int
}

// MonitorRun represents a persisted monitor run.
type MonitorRun struct {
	RunID        string          `json:"run_id"`
	MonitorID    string          `json:"monitor_id"`
	MonitorName  string          `json:"monitor_name"`
	URL          string          `json:"url"`
	Success      bool            `json:"success"`
	ReportStatus string          `json:"report_status,omitempty"`
	ErrorKind    string          `json:"error_kind,omitempty"`
	Error        string          `json:"error,omitempty"`
	Title        string          `json:"title,omitempty"`
	Price        string          `json:"price,omitempty"`
	Release      string          `json:"release,omitempty"`
	Report       json.RawMessage `json:"report,omitempty"`
	Attempts     int             `json:"attempts"`
	Duration     time.Duration   `json:"duration"`
	StartedAt    time.Time       `json:"started_at"`
}

// NotificationLog captures a notifier dispatch attempt.
type NotificationLog struct {
	NotifierID string
	MonitorID  string
	RunID      string
	Kind       string
	Status     string
	Summary    string
	Error      string
	Labels     map[string]string
	OccurredAt time.Time
}

// Open initialises a sqlite store with WAL enabled and required schema.
func Open(path string, opts Options) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage path is required")
	}

	if path != MemoryPath {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := configureSQLite(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	runLimit := opts.RunRetention
	if runLimit <= 0 {
		runLimit = 500
	}
	notificationLimit := opts.NotificationRetention
	if notificationLimit <= 0 {
		notificationLimit = 1000
	}

	store := &Store{
		db:                db,
		runLimit:          runLimit,
		notificationLimit: notificationLimit,
	}

	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("storage not configured")
	}
	return s.db.PingContext(ctx)
}

func configureSQLite(db *sql.DB) error {
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS monitor_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			monitor_id TEXT NOT NULL,
			monitor_name TEXT NOT NULL,
			url TEXT,
			success INTEGER NOT NULL,
			report_status TEXT,
			error_kind TEXT,
			error TEXT,
			title TEXT,
			price TEXT,
			release_date TEXT,
			report_json TEXT,
			attempts INTEGER NOT NULL,
			duration_ms INTEGER,
			started_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_monitor_runs_monitor ON monitor_runs (monitor_id, id DESC);`,
		`CREATE TABLE IF NOT EXISTS notification_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			notifier_id TEXT NOT NULL,
			monitor_id TEXT NOT NULL,
			run_id TEXT,
			kind TEXT,
			status TEXT,
			summary TEXT,
			error TEXT,
			labels_json TEXT,
			occurred_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_notification_logs_occurred ON notification_logs (occurred_at DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// RecordRun persists the outcome of a monitor run and enforces retention.
func (s *Store) RecordRun(ctx context.Context, run MonitorRun) (err error) {
	if s == nil || s.db == nil {
		return nil
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO monitor_runs (run_id, monitor_id, monitor_name, url, success, report_status, error_kind, error,
			title, price, release_date, report_json, attempts, duration_ms, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.RunID, run.MonitorID, run.MonitorName, run.URL, boolToInt(run.Success), run.ReportStatus, run.ErrorKind, run.Error,
		run.Title, run.Price, run.Release, string(run.Report), run.Attempts, run.Duration.Milliseconds(), run.StartedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert monitor_run: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM monitor_runs
		WHERE monitor_id = ? AND id NOT IN (
			SELECT id FROM monitor_runs
			WHERE monitor_id = ?
			ORDER BY id DESC
			LIMIT ?
		)
	`, run.MonitorID, run.MonitorID, s.runLimit)
	if err != nil {
		return fmt.Errorf("prune monitor_runs: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit monitor_run: %w", err)
	}
	return nil
}

// RecordNotification stores a notification dispatch entry and enforces retention.
func (s *Store) RecordNotification(ctx context.Context, log NotificationLog) (err error) {
	if s == nil || s.db == nil {
		return nil
	}
	if log.OccurredAt.IsZero() {
		log.OccurredAt = time.Now()
	}
	labels := ""
	if len(log.Labels) > 0 {
		data, err := json.Marshal(log.Labels)
		if err != nil {
			return fmt.Errorf("encode labels: %w", err)
		}
		labels = string(data)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO notification_logs (notifier_id, monitor_id, run_id, kind, status, summary, error, labels_json, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, log.NotifierID, log.MonitorID, log.RunID, log.Kind, log.Status, log.Summary, log.Error, labels, log.OccurredAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert notification_log: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM notification_logs
		WHERE id NOT IN (
			SELECT id FROM notification_logs
			ORDER BY id DESC
			LIMIT ?
		)
	`, s.notificationLimit)
	if err != nil {
		return fmt.Errorf("prune notification_logs: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit notification_log: %w", err)
	}
	return nil
}

const runColumns = `run_id, monitor_id, monitor_name, url, success, report_status, error_kind, error,
	title, price, release_date, report_json, attempts, duration_ms, started_at`

// RecentRuns returns up to limit runs for monitorID, newest first.
func (s *Store) RecentRuns(ctx context.Context, monitorID string, limit int) ([]MonitorRun, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM monitor_runs
		WHERE monitor_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, monitorID, limit)
	if err != nil {
		return nil, fmt.Errorf("query monitor_runs: %w", err)
	}
	return scanRuns(rows)
}

// LatestRuns returns the most recent run of every monitor with history,
// keyed by monitor ID.
func (s *Store) LatestRuns(ctx context.Context) (map[string]MonitorRun, error) {
	if s == nil || s.db == nil {
		return map[string]MonitorRun{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM monitor_runs
		WHERE id IN (SELECT MAX(id) FROM monitor_runs GROUP BY monitor_id)
	`)
	if err != nil {
		return nil, fmt.Errorf("query latest monitor_runs: %w", err)
	}
	runs, err := scanRuns(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[string]MonitorRun, len(runs))
	for _, run := range runs {
		out[run.MonitorID] = run
	}
	return out, nil
}

// NotificationCount returns the number of retained notification logs.
func (s *Store) NotificationCount(ctx context.Context) (int, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notification_logs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count notification_logs: %w", err)
	}
	return n, nil
}

func scanRuns(rows *sql.Rows) ([]MonitorRun, error) {
	defer rows.Close()
	var runs []MonitorRun
	for rows.Next() {
		var (
			run                                      MonitorRun
			success                                  int
			url, status, kind, msg, title, price, rl sql.NullString
			report                                   sql.NullString
			durationMS                               sql.NullInt64
			startedAt                                int64
		)
		if err := rows.Scan(&run.RunID, &run.MonitorID, &run.MonitorName, &url, &success, &status, &kind, &msg,
			&title, &price, &rl, &report, &run.Attempts, &durationMS, &startedAt); err != nil {
			return nil, fmt.Errorf("scan monitor_run: %w", err)
		}
		run.URL = url.String
		run.Success = success == 1
		run.ReportStatus = status.String
		run.ErrorKind = kind.String
		run.Error = msg.String
		run.Title = title.String
		run.Price = price.String
		run.Release = rl.String
		if report.String != "" {
			run.Report = json.RawMessage(report.String)
		}
		run.Duration = time.Duration(durationMS.Int64) * time.Millisecond
		run.StartedAt = time.UnixMilli(startedAt).UTC()
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate monitor_runs: %w", err)
	}
	return runs, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
