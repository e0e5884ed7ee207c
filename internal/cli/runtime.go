package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/osbits/pagewatch/internal/browser"
	"github.com/osbits/pagewatch/internal/config"
	"github.com/osbits/pagewatch/internal/monitor"
	"github.com/osbits/pagewatch/internal/notifier"
	"github.com/osbits/pagewatch/internal/observability"
	"github.com/osbits/pagewatch/internal/render"
	"github.com/osbits/pagewatch/internal/runner"
	"github.com/osbits/pagewatch/internal/storage"
)

// runtime holds what a command needs after bootstrap. Fields are populated
// on demand by the open* methods.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	location *time.Location
	store    *storage.Store
	driver   browser.Driver
	registry *notifier.Registry
	rollbar  bool
	closers  []func()
}

func bootstrap(cmd *cobra.Command, opts *rootOptions) (*runtime, error) {
	logger, err := observability.NewLogger(opts.logFormat, opts.logLevel, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	if opts.dotEnv != "" {
		observability.LoadDotEnv(logger, opts.dotEnv)
	}

	cfg, err := loadConfig(opts.configPath, logger)
	if err != nil {
		return nil, err
	}

	location, err := time.LoadLocation(cfg.Service.Timezone)
	if err != nil {
		logger.Warn("failed to load timezone, defaulting to UTC", "timezone", cfg.Service.Timezone, "error", err)
		location = time.UTC
	}
	return &runtime{cfg: cfg, logger: logger, location: location}, nil
}

// loadConfig reads path, falling back to environment variables when the file
// does not exist.
func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Info("config file not found, using environment", "path", path)
		cfg, err = config.FromEnv()
		if err != nil {
			return nil, fmt.Errorf("config from environment: %w", err)
		}
	} else if err != nil {
		return nil, err
	}
	if dbPath := os.Getenv("MONITOR_DB_PATH"); dbPath != "" {
		cfg.Storage.Path = dbPath
	}
	return cfg, nil
}

func (rt *runtime) openStore() error {
	if rt.cfg.Storage.Path == "" {
		rt.logger.Debug("run history disabled", "reason", "storage.path not set")
		return nil
	}
	store, err := storage.Open(rt.cfg.Storage.Path, storage.Options{
		RunRetention:          rt.cfg.Storage.RunRetention,
		NotificationRetention: rt.cfg.Storage.NotificationLogRetention,
	})
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	rt.store = store
	rt.closers = append(rt.closers, func() { _ = store.Close() })
	return nil
}

func (rt *runtime) openDriver() error {
	driver, err := browser.New(rt.cfg.Browser, rt.logger)
	if err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	rt.driver = driver
	rt.closers = append(rt.closers, func() {
		if err := driver.Close(); err != nil {
			rt.logger.Warn("failed to close browser", "error", err)
		}
	})
	return nil
}

func (rt *runtime) buildNotifiers() error {
	secrets, err := rt.cfg.ResolveSecrets()
	if err != nil {
		return fmt.Errorf("resolve secrets: %w", err)
	}
	registry, err := notifier.Build(notifier.Factory{
		Secrets:  secrets,
		Render:   render.New(),
		Location: rt.location,
	}, rt.cfg.Notifiers)
	if err != nil {
		return fmt.Errorf("build notifiers: %w", err)
	}
	rt.registry = registry
	return nil
}

func (rt *runtime) setupRollbar() {
	enabled, flush := observability.SetupRollbar(rt.logger, rt.cfg.Service.Name)
	rt.rollbar = enabled
	rt.closers = append(rt.closers, flush)
}

// newRunner opens everything a scheduled or one-shot pass needs.
func (rt *runtime) newRunner() (*runner.Runner, error) {
	if err := rt.buildNotifiers(); err != nil {
		return nil, err
	}
	if err := rt.openStore(); err != nil {
		return nil, err
	}
	if err := rt.openDriver(); err != nil {
		return nil, err
	}
	targets := make([]runner.Target, 0, len(rt.cfg.Monitors))
	for _, mc := range rt.cfg.Monitors {
		m, err := monitor.New(mc, rt.driver, rt.logger)
		if err != nil {
			return nil, err
		}
		targets = append(targets, m)
	}
	return runner.New(rt.cfg, targets, rt.registry, rt.store, rt.logger, runner.Options{
		Location:       rt.location,
		ReportFailures: rt.rollbar,
	})
}

func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

// selectMonitors narrows the configuration to ids, keeping their order.
func (rt *runtime) selectMonitors(ids []string) error {
	selected := make([]config.MonitorConfig, 0, len(ids))
	for _, id := range ids {
		mc, ok := rt.cfg.Monitor(id)
		if !ok {
			return fmt.Errorf("unknown monitor %q", id)
		}
		selected = append(selected, mc)
	}
	rt.cfg.Monitors = selected
	return nil
}
