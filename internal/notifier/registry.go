package notifier

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/osbits/pagewatch/internal/config"
)

// Registry stores notifiers by ID.
type Registry struct {
	items map[string]Notifier
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{items: map[string]Notifier{}}
}

// Add stores n, rejecting a second notifier with the same ID.
func (r *Registry) Add(n Notifier) error {
	if _, exists := r.items[n.ID()]; exists {
		return fmt.Errorf("duplicate notifier %q", n.ID())
	}
	r.items[n.ID()] = n
	return nil
}

// Get returns the notifier registered under id.
func (r *Registry) Get(id string) (Notifier, bool) {
	n, ok := r.items[id]
	return n, ok
}

// Len reports how many notifiers are registered.
func (r *Registry) Len() int {
	return len(r.items)
}

// Select returns the notifiers for ids in order. Unknown ids are reported
// together; the known ones are still returned.
func (r *Registry) Select(ids []string) ([]Notifier, error) {
	out := make([]Notifier, 0, len(ids))
	var unknown []string
	for _, id := range ids {
		if n, ok := r.items[id]; ok {
			out = append(out, n)
			continue
		}
		unknown = append(unknown, id)
	}
	if len(unknown) > 0 {
		return out, fmt.Errorf("unknown notifiers: %s", strings.Join(unknown, ", "))
	}
	return out, nil
}

type builder func(f Factory, id string, raw map[string]interface{}) (Notifier, error)

// builders is keyed by type, or type/provider for channels with several
// providers. The first provider listed for a type is its default.
var builders = map[string]builder{
	"slack": decoded(func(f Factory, id string, c SlackConfig) (Notifier, error) {
		return NewSlackNotifier(id, c, f.Secrets, f.Location)
	}),
	"discord": decoded(func(f Factory, id string, c DiscordConfig) (Notifier, error) {
		return NewDiscordNotifier(id, c, f.Secrets)
	}),
	"telegram": decoded(func(f Factory, id string, c TelegramConfig) (Notifier, error) {
		return NewTelegramNotifier(id, c, f.Secrets)
	}),
	"webhook": decoded(func(f Factory, id string, c WebhookConfig) (Notifier, error) {
		return NewWebhookNotifier(id, c, f.Secrets, f.Render)
	}),
	"email": decoded(func(f Factory, id string, c EmailConfig) (Notifier, error) {
		return NewEmailNotifier(id, c, f.Secrets)
	}),
	"sms/twilio": decoded(func(f Factory, id string, c TwilioSMSConfig) (Notifier, error) {
		return NewTwilioSMSNotifier(id, c, f.Secrets)
	}),
	"sms/vonage": decoded(func(f Factory, id string, c VonageSMSConfig) (Notifier, error) {
		return NewVonageSMSNotifier(id, c, f.Secrets)
	}),
	"voice/twilio": decoded(func(f Factory, id string, c TwilioVoiceConfig) (Notifier, error) {
		return NewTwilioVoiceNotifier(id, c, f.Secrets)
	}),
	"voice/vonage": decoded(func(f Factory, id string, c VonageVoiceConfig) (Notifier, error) {
		return NewVonageVoiceNotifier(id, c, f.Secrets, f.Render)
	}),
}

var defaultProviders = map[string]string{
	"sms":   "twilio",
	"voice": "twilio",
}

// Build constructs notifiers from config.
func Build(factory Factory, configs []config.NotifierConfig) (*Registry, error) {
	reg := NewRegistry()
	for _, cfg := range configs {
		n, err := buildNotifier(factory, cfg)
		if err != nil {
			return nil, fmt.Errorf("notifier %q: %w", cfg.ID, err)
		}
		if err := reg.Add(n); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func buildNotifier(factory Factory, cfg config.NotifierConfig) (Notifier, error) {
	key := cfg.Type
	if def, ok := defaultProviders[cfg.Type]; ok {
		provider, _ := cfg.Config["provider"].(string)
		provider = strings.ToLower(strings.TrimSpace(provider))
		if provider == "" {
			provider = def
		}
		key = cfg.Type + "/" + provider
		if _, ok := builders[key]; !ok {
			return nil, fmt.Errorf("unsupported %s provider %q", cfg.Type, provider)
		}
	}
	build, ok := builders[key]
	if !ok {
		return nil, fmt.Errorf("unsupported notifier type %q", cfg.Type)
	}
	return build(factory, cfg.ID, cfg.Config)
}

// decoded adapts a typed constructor into a builder by decoding the raw
// config map into C first.
func decoded[C any](construct func(f Factory, id string, c C) (Notifier, error)) builder {
	return func(f Factory, id string, raw map[string]interface{}) (Notifier, error) {
		var c C
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &c,
		})
		if err != nil {
			return nil, err
		}
		if err := decoder.Decode(raw); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
		return construct(f, id, c)
	}
}
