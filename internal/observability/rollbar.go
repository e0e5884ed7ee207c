package observability

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/rollbar/rollbar-go"

	"github.com/osbits/pagewatch/internal/scraper"
)

// SetupRollbar configures the Rollbar SDK if the access token is present.
// It returns whether Rollbar was enabled and a cleanup function that flushes
// pending items.
func SetupRollbar(logger *slog.Logger, service string) (bool, func()) {
	token := strings.TrimSpace(os.Getenv("ROLLBAR_ACCESS_TOKEN"))
	if token == "" {
		rollbar.SetEnabled(false)
		logger.Debug("rollbar disabled", "reason", "missing access token")
		return false, func() {}
	}

	rollbar.SetEnabled(true)
	rollbar.SetToken(token)

	env := strings.TrimSpace(os.Getenv("ROLLBAR_ENVIRONMENT"))
	if env == "" {
		env = strings.TrimSpace(os.Getenv("NODE_ENV"))
	}
	if env == "" {
		env = "production"
	}
	rollbar.SetEnvironment(env)

	if codeVersion := strings.TrimSpace(os.Getenv("ROLLBAR_CODE_VERSION")); codeVersion != "" {
		rollbar.SetCodeVersion(codeVersion)
	}

	if host := strings.TrimSpace(os.Getenv("ROLLBAR_SERVER_HOST")); host != "" {
		rollbar.SetServerHost(host)
	} else if hostname, err := os.Hostname(); err == nil && hostname != "" {
		rollbar.SetServerHost(hostname)
	}

	if wd, err := os.Getwd(); err == nil {
		rollbar.SetServerRoot(filepath.Clean(wd))
	}
	rollbar.SetCaptureIp(rollbar.CaptureIpAnonymize)
	rollbar.SetCustom(map[string]interface{}{"service": service})

	logger.Info("rollbar enabled", "environment", env)

	return true, func() {
		rollbar.Wait()
	}
}

// CapturePanic reports panics to Rollbar when enabled and re-panics.
func CapturePanic(logger *slog.Logger, enabled bool) func() {
	if !enabled {
		return func() {}
	}

	return func() {
		if rec := recover(); rec != nil {
			switch err := rec.(type) {
			case error:
				rollbar.Critical(err)
			default:
				rollbar.Critical(fmt.Errorf("panic: %v", rec))
			}
			logger.Error("panic captured", "panic", rec)
			panic(rec)
		}
	}
}

// ReportFailure sends a failed run to Rollbar. Scraping errors carry their
// kind and details as custom data.
func ReportFailure(enabled bool, monitorID, runID string, err error) {
	if !enabled || err == nil {
		return
	}
	extras := map[string]interface{}{
		"monitor_id": monitorID,
		"run_id":     runID,
	}
	var scrapeErr *scraper.Error
	if errors.As(err, &scrapeErr) {
		extras["kind"] = string(scrapeErr.Kind)
		extras["details"] = scrapeErr.Details
	}
	rollbar.Error(err, extras)
}
