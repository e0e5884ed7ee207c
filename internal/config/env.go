package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// FromEnv builds a single-monitor configuration from environment variables,
// for deployments that run one pass from CI or cron without a config file.
func FromEnv() (*Config, error) {
	baseURL := strings.TrimSpace(os.Getenv("MONITORING_TARGET_URL"))
	if baseURL == "" {
		return nil, errors.New("MONITORING_TARGET_URL is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid MONITORING_TARGET_URL: %w", err)
	}

	slowMo, err := parseMillisEnv("BROWSER_SLOWMO", defaultSlowMo)
	if err != nil {
		return nil, err
	}
	navTimeout, err := parseMillisEnv("NAVIGATION_TIMEOUT", defaultNavigationTimeout)
	if err != nil {
		return nil, err
	}
	elemTimeout, err := parseMillisEnv("ELEMENT_TIMEOUT", defaultElementTimeout)
	if err != nil {
		return nil, err
	}
	if navTimeout <= 0 || elemTimeout <= 0 {
		return nil, errors.New("NAVIGATION_TIMEOUT and ELEMENT_TIMEOUT must be positive")
	}
	stealth, err := parseBoolEnv("BROWSER_STEALTH", false)
	if err != nil {
		return nil, err
	}

	driver := strings.TrimSpace(os.Getenv("BROWSER_DRIVER"))
	cfg := &Config{
		Version: 1,
		Service: ServiceConfig{Name: "pagewatch"},
		Browser: BrowserConfig{
			Driver:            driver,
			Headless:          os.Getenv("NODE_ENV") == "production",
			SlowMo:            Duration{slowMo},
			RemoteURL:         strings.TrimSpace(os.Getenv("BROWSER_REMOTE_URL")),
			NavigationTimeout: Duration{navTimeout},
			ElementTimeout:    Duration{elemTimeout},
			Stealth:           stealth,
		},
		Storage: StorageConfig{Path: strings.TrimSpace(os.Getenv("MONITOR_DB_PATH"))},
		Monitors: []MonitorConfig{{
			ID:   "default",
			Name: "category monitor",
			Target: TargetConfig{
				BaseURL:      baseURL,
				CategoryPath: os.Getenv("CATEGORY_PATH"),
				CategoryID:   os.Getenv("CATEGORY_ID"),
			},
		}},
	}

	if _, ok := os.LookupEnv("SLACK_WEBHOOK_URL"); ok {
		cfg.Secrets = map[string]SecretSpec{
			"slack_webhook": {Source: "env", Value: "SLACK_WEBHOOK_URL"},
		}
		cfg.Notifiers = []NotifierConfig{{
			ID:     "slack",
			Type:   "slack",
			Config: map[string]interface{}{"webhook_url_ref": "slack_webhook"},
		}}
		cfg.Monitors[0].Notifiers = []string{"slack"}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseMillisEnv accepts a bare integer in milliseconds or a Go duration.
func parseMillisEnv(name string, def time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return def, nil
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}

func parseBoolEnv(name string, def bool) (bool, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return def, nil
	}
	switch strings.ToLower(value) {
	case "1", "t", "true", "y", "yes", "on":
		return true, nil
	case "0", "f", "false", "n", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid %s: expected boolean, got %q", name, value)
	}
}
