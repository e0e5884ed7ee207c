package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DriverChromedp = "chromedp"
	DriverRod      = "rod"
	DriverHTTP     = "http"
)

const (
	defaultInterval          = 30 * time.Minute
	defaultTimeout           = 2 * time.Minute
	defaultBackoff           = 10 * time.Second
	defaultSlowMo            = 50 * time.Millisecond
	defaultNavigationTimeout = 10 * time.Second
	defaultElementTimeout    = 5 * time.Second
	defaultSettleDelay       = 6 * time.Second
	defaultReadyTimeout      = 10 * time.Second
	defaultServerAddr        = ":8080"
	defaultRunRetention      = 500
	defaultNotificationLogs  = 1000
)

// Default extraction locators for the category/product page pair.
const (
	DefaultProductLink = "div.item_list_thumb a"
	DefaultListTitle   = "div.item_list ul > li:first-child > h3 > a"
	DefaultTitle       = "div.item_overview_detail h1"
	DefaultPrice       = "p.price.new_price"
	DefaultRelease     = "p.release > span"
)

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML, expanding ${VAR} references from the environment, then
// applies defaults and validates the result.
func Parse(raw []byte) (*Config, error) {
	expanded := envRef.ReplaceAllStringFunc(string(raw), func(ref string) string {
		return os.Getenv(envRef.FindStringSubmatch(ref)[1])
	})

	cfg := &Config{
		Browser: BrowserConfig{Driver: DriverChromedp, Headless: true},
	}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Service.Name == "" {
		c.Service.Name = "pagewatch"
	}
	if c.Service.Timezone == "" {
		c.Service.Timezone = "UTC"
	}
	d := &c.Service.Defaults
	if d.Interval.Duration == 0 {
		d.Interval.Duration = defaultInterval
	}
	if d.Timeout.Duration == 0 {
		d.Timeout.Duration = defaultTimeout
	}
	if d.Backoff.Duration == 0 {
		d.Backoff.Duration = defaultBackoff
	}

	b := &c.Browser
	b.Driver = strings.ToLower(strings.TrimSpace(b.Driver))
	if b.Driver == "" {
		b.Driver = DriverChromedp
	}
	if b.NavigationTimeout.Duration == 0 {
		b.NavigationTimeout.Duration = defaultNavigationTimeout
	}
	if b.ElementTimeout.Duration == 0 {
		b.ElementTimeout.Duration = defaultElementTimeout
	}

	if c.Storage.RunRetention == 0 {
		c.Storage.RunRetention = defaultRunRetention
	}
	if c.Storage.NotificationLogRetention == 0 {
		c.Storage.NotificationLogRetention = defaultNotificationLogs
	}
	if c.Server.Addr == "" {
		c.Server.Addr = defaultServerAddr
	}

	for i := range c.Monitors {
		m := &c.Monitors[i]
		e := &m.Extraction
		if e.ProductLink == "" {
			e.ProductLink = DefaultProductLink
		}
		if e.ListTitle == "" {
			e.ListTitle = DefaultListTitle
		}
		if e.Title == "" {
			e.Title = DefaultTitle
		}
		if e.Price == "" {
			e.Price = DefaultPrice
		}
		if e.Release == "" {
			e.Release = DefaultRelease
		}
		if m.ProbeConcurrency < 1 {
			m.ProbeConcurrency = 1
		}
		m.SettleDelay = NullableDuration{Duration: m.SettleDelay.Or(defaultSettleDelay), Set: true}
		m.ReadyTimeout = NullableDuration{Duration: m.ReadyTimeout.Or(defaultReadyTimeout), Set: true}
		m.ProbeTimeout = NullableDuration{Duration: m.ProbeTimeout.Or(b.ElementTimeout.Duration), Set: true}
		if len(m.Notifiers) == 0 {
			m.Notifiers = append([]string(nil), d.Notifiers...)
		}
	}
}

// Validate checks cross references and required fields.
func (c *Config) Validate() error {
	var errs []error
	if c.Version != 1 {
		errs = append(errs, fmt.Errorf("unsupported config version %d", c.Version))
	}
	switch c.Browser.Driver {
	case DriverChromedp, DriverRod, DriverHTTP:
	default:
		errs = append(errs, fmt.Errorf("unknown browser driver %q", c.Browser.Driver))
	}

	notifierIDs := make(map[string]struct{}, len(c.Notifiers))
	for _, n := range c.Notifiers {
		if n.ID == "" {
			errs = append(errs, errors.New("notifier id is required"))
			continue
		}
		if _, dup := notifierIDs[n.ID]; dup {
			errs = append(errs, fmt.Errorf("duplicate notifier id %q", n.ID))
		}
		notifierIDs[n.ID] = struct{}{}
	}

	if len(c.Monitors) == 0 {
		errs = append(errs, errors.New("at least one monitor is required"))
	}
	monitorIDs := make(map[string]struct{}, len(c.Monitors))
	for _, m := range c.Monitors {
		if m.ID == "" {
			errs = append(errs, errors.New("monitor id is required"))
			continue
		}
		if _, dup := monitorIDs[m.ID]; dup {
			errs = append(errs, fmt.Errorf("duplicate monitor id %q", m.ID))
		}
		monitorIDs[m.ID] = struct{}{}

		if m.Target.URL == "" && m.Target.BaseURL == "" {
			errs = append(errs, fmt.Errorf("monitor %q: target.url or target.base_url is required", m.ID))
		}
		sel, err := m.SelectorMap()
		if err != nil {
			errs = append(errs, fmt.Errorf("monitor %q: %w", m.ID, err))
		} else if sel.Len() == 0 {
			errs = append(errs, fmt.Errorf("monitor %q: at least one structure selector is required", m.ID))
		}
		for _, id := range m.Notifiers {
			if _, ok := notifierIDs[id]; !ok {
				errs = append(errs, fmt.Errorf("monitor %q: unknown notifier %q", m.ID, id))
			}
		}
	}
	return errors.Join(errs...)
}

// Monitor returns the monitor with the given ID.
func (c *Config) Monitor(id string) (MonitorConfig, bool) {
	for _, m := range c.Monitors {
		if m.ID == id {
			return m, true
		}
	}
	return MonitorConfig{}, false
}
