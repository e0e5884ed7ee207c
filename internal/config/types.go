package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/osbits/pagewatch/internal/structure"
)

// Duration wraps time.Duration to allow YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", raw, err)
		}
		d.Duration = parsed
		return nil
	default:
		return fmt.Errorf("duration must be a string, got %s", value.ShortTag())
	}
}

// NullableDuration allows distinguishing between zero and unset durations.
type NullableDuration struct {
	Duration time.Duration
	Set      bool
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *NullableDuration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode && strings.TrimSpace(value.Value) == "" {
		d.Set = false
		return nil
	}
	var tmp Duration
	if err := value.Decode(&tmp); err != nil {
		return err
	}
	d.Duration = tmp.Duration
	d.Set = true
	return nil
}

// Or returns the duration when set and fallback otherwise.
func (d NullableDuration) Or(fallback time.Duration) time.Duration {
	if d.Set {
		return d.Duration
	}
	return fallback
}

// Config is the root configuration.
type Config struct {
	Version   int                   `yaml:"version"`
	Service   ServiceConfig         `yaml:"service"`
	Secrets   map[string]SecretSpec `yaml:"secrets"`
	Browser   BrowserConfig         `yaml:"browser"`
	Storage   StorageConfig         `yaml:"storage"`
	Server    ServerConfig          `yaml:"server"`
	Notifiers []NotifierConfig      `yaml:"notifiers"`
	Monitors  []MonitorConfig       `yaml:"monitors"`
}

// ServiceConfig contains global settings.
type ServiceConfig struct {
	Name     string         `yaml:"name"`
	Timezone string         `yaml:"timezone"`
	Defaults ServiceDefault `yaml:"defaults"`
}

// ServiceDefault defines default runtime values.
type ServiceDefault struct {
	Interval           Duration          `yaml:"interval"`
	Timeout            Duration          `yaml:"timeout"`
	Retries            int               `yaml:"retries"`
	Backoff            Duration          `yaml:"backoff"`
	MaintenanceWindows []MaintenanceSpec `yaml:"maintenance_windows"`
	Notifiers          []string          `yaml:"notifiers"`
	LogRuns            bool              `yaml:"log_runs"`
}

// BrowserConfig selects and tunes the page driver shared by all monitors.
type BrowserConfig struct {
	Driver            string   `yaml:"driver"`
	Headless          bool     `yaml:"headless"`
	SlowMo            Duration `yaml:"slow_mo"`
	RemoteURL         string   `yaml:"remote_url"`
	ExecPath          string   `yaml:"exec_path"`
	UserAgent         string   `yaml:"user_agent"`
	NavigationTimeout Duration `yaml:"navigation_timeout"`
	ElementTimeout    Duration `yaml:"element_timeout"`
	Stealth           bool     `yaml:"stealth"`
}

// StorageConfig locates the run history database.
type StorageConfig struct {
	Path                     string `yaml:"path"`
	RunRetention             int    `yaml:"run_retention"`
	NotificationLogRetention int    `yaml:"notification_log_retention"`
}

// ServerConfig controls the optional status API.
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	// AllowedIPs holds IPs or CIDRs permitted to call the API. Empty allows all.
	AllowedIPs []string `yaml:"allowed_ips"`
	// TrustedProxies are the CIDRs whose X-Forwarded-For header is honoured.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// MaintenanceSpec includes cron or range expressions.
type MaintenanceSpec struct {
	Expr string
	Kind MaintenanceKind
}

// MaintenanceKind indicates the maintenance window type.
type MaintenanceKind string

const (
	MaintenanceKindCron  MaintenanceKind = "cron"
	MaintenanceKindRange MaintenanceKind = "range"
)

// UnmarshalYAML allows parsing "cron: ..." or "range: ...".
func (m *MaintenanceSpec) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("maintenance spec must be scalar, got %s", value.ShortTag())
	}
	raw := strings.TrimSpace(value.Value)
	switch {
	case strings.HasPrefix(raw, "cron:"):
		m.Kind = MaintenanceKindCron
		m.Expr = strings.TrimSpace(strings.TrimPrefix(raw, "cron:"))
	case strings.HasPrefix(raw, "range:"):
		m.Kind = MaintenanceKindRange
		m.Expr = strings.TrimSpace(strings.TrimPrefix(raw, "range:"))
	default:
		return fmt.Errorf("unsupported maintenance spec %q", raw)
	}
	return nil
}

// SecretSpec defines how to resolve a secret.
type SecretSpec struct {
	Source string
	Value  string
}

// UnmarshalYAML parses secret definitions like "env:SLACK_WEBHOOK_URL".
func (s *SecretSpec) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("secret must be scalar, got %s", value.ShortTag())
	}
	raw := strings.TrimSpace(value.Value)
	parts := strings.SplitN(raw, ":", 2)
	if len(parts) != 2 {
		return fmt.Errorf("invalid secret spec %q", raw)
	}
	s.Source = strings.TrimSpace(parts[0])
	s.Value = strings.TrimSpace(parts[1])
	return nil
}

// ResolveSecrets resolves secrets into a map.
func (c *Config) ResolveSecrets() (map[string]string, error) {
	resolved := make(map[string]string, len(c.Secrets))
	for key, spec := range c.Secrets {
		switch spec.Source {
		case "env":
			val, ok := os.LookupEnv(spec.Value)
			if !ok {
				return nil, fmt.Errorf("missing env var %q for secret %q", spec.Value, key)
			}
			resolved[key] = val
		case "literal":
			resolved[key] = spec.Value
		default:
			return nil, fmt.Errorf("unsupported secret source %q for secret %q", spec.Source, key)
		}
	}
	return resolved, nil
}

// NotifierConfig describes a notification endpoint.
type NotifierConfig struct {
	ID     string                 `yaml:"id"`
	Type   string                 `yaml:"type"`
	Config map[string]interface{} `yaml:"config"`
}

// MonitorConfig describes one monitored category page.
type MonitorConfig struct {
	ID                 string            `yaml:"id"`
	Name               string            `yaml:"name"`
	Target             TargetConfig      `yaml:"target"`
	Schedule           *MonitorSchedule  `yaml:"schedule"`
	SettleDelay        NullableDuration  `yaml:"settle_delay"`
	ReadyTimeout       NullableDuration  `yaml:"ready_timeout"`
	ProbeTimeout       NullableDuration  `yaml:"probe_timeout"`
	ProbeConcurrency   int               `yaml:"probe_concurrency"`
	Extraction         ExtractionConfig  `yaml:"extraction"`
	Structure          Selectors         `yaml:"structure"`
	Notifiers          []string          `yaml:"notifiers"`
	NotifyOnSuccess    *bool             `yaml:"notify_on_success"`
	MaintenanceWindows []MaintenanceSpec `yaml:"maintenance_windows"`
	Labels             map[string]string `yaml:"labels"`
	LogRuns            *bool             `yaml:"log_runs"`
}

// MonitorSchedule overrides the service defaults for one monitor. Cron takes
// precedence over Interval when both are set.
type MonitorSchedule struct {
	Cron     string            `yaml:"cron"`
	Interval *NullableDuration `yaml:"interval"`
	Timeout  *NullableDuration `yaml:"timeout"`
	Retries  *int              `yaml:"retries"`
	Backoff  *NullableDuration `yaml:"backoff"`
}

// TargetConfig locates the category page. URL wins over the composed form.
type TargetConfig struct {
	BaseURL      string `yaml:"base_url"`
	CategoryPath string `yaml:"category_path"`
	CategoryID   string `yaml:"category_id"`
	URL          string `yaml:"url"`
}

// ExtractionConfig holds the locators used to read product data.
type ExtractionConfig struct {
	ProductLink string `yaml:"product_link"`
	ListTitle   string `yaml:"list_title"`
	Title       string `yaml:"title"`
	Price       string `yaml:"price"`
	Release     string `yaml:"release"`
}

// Selectors is an order-preserving field -> locator mapping.
type Selectors []structure.Field

// UnmarshalYAML reads a mapping node keeping document order.
func (s *Selectors) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("structure selectors must be a mapping, got %s", value.ShortTag())
	}
	out := make(Selectors, 0, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		key, val := value.Content[i], value.Content[i+1]
		if val.Kind != yaml.ScalarNode {
			return fmt.Errorf("selector for %q must be a string, got %s", key.Value, val.ShortTag())
		}
		out = append(out, structure.Field{Name: key.Value, Selector: val.Value})
	}
	*s = out
	return nil
}

// TargetURL returns the page a run starts from. A non-empty categoryID
// replaces the configured one.
func (m MonitorConfig) TargetURL(categoryID string) string {
	if m.Target.URL != "" && categoryID == "" {
		return m.Target.URL
	}
	id := categoryID
	if id == "" {
		id = m.Target.CategoryID
	}
	return m.Target.BaseURL + m.Target.CategoryPath + id
}

// SelectorMap returns the structure the comparator checks. Without explicit
// structure selectors the extraction locators are used.
func (m MonitorConfig) SelectorMap() (structure.SelectorMap, error) {
	if len(m.Structure) > 0 {
		return structure.NewSelectorMap(m.Structure...)
	}
	fields := make([]structure.Field, 0, 5)
	for _, f := range []structure.Field{
		{Name: "productLink", Selector: m.Extraction.ProductLink},
		{Name: "productTitle", Selector: m.Extraction.ListTitle},
		{Name: "itemTitle", Selector: m.Extraction.Title},
		{Name: "price", Selector: m.Extraction.Price},
		{Name: "release", Selector: m.Extraction.Release},
	} {
		if strings.TrimSpace(f.Selector) != "" {
			fields = append(fields, f)
		}
	}
	return structure.NewSelectorMap(fields...)
}

// DisplayName returns Name or the ID.
func (m MonitorConfig) DisplayName() string {
	if m.Name != "" {
		return m.Name
	}
	return m.ID
}
