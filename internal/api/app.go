// Package api serves run history and health over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/osbits/pagewatch/internal/config"
	"github.com/osbits/pagewatch/internal/storage"
)

// App wires configuration, storage and HTTP handlers together.
type App struct {
	cfg      *config.Config
	store    *storage.Store
	monitors map[string]config.MonitorConfig
	access   *accessControl
	logger   *slog.Logger
	now      func() time.Time
}

// New constructs an App instance ready to serve requests.
func New(cfg *config.Config, store *storage.Store, logger *slog.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if store == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	ac, err := newAccessControl(cfg.Server.AllowedIPs, cfg.Server.TrustedProxies)
	if err != nil {
		return nil, err
	}
	monitors := make(map[string]config.MonitorConfig, len(cfg.Monitors))
	for _, m := range cfg.Monitors {
		monitors[m.ID] = m
	}
	return &App{
		cfg:      cfg,
		store:    store,
		monitors: monitors,
		access:   ac,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Routes returns the HTTP handler tree for the server.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.allowMiddleware)
	r.Get("/healthcheck", a.handleHealth)
	r.Route("/api/monitors", func(r chi.Router) {
		r.Get("/", a.handleMonitors)
		r.Get("/{monitorID}/runs", a.handleRuns)
	})
	return r
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (a *App) Serve(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      a.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("server listening", "addr", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	a.logger.Info("server stopped")
	return nil
}
