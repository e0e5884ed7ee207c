package notifier

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/osbits/pagewatch/internal/render"
)

const defaultWebhookTemplate = `{"kind":"{{ .kind }}","monitor":{{ to_json .monitor }},"status":"{{ .status }}","summary":{{ to_json .summary }},"url":{{ to_json .url }},"run_id":"{{ .run_id }}","occurred_at":"{{ .occurred_at }}","product":{{ to_json .product }},"report":{{ to_json .report }},"error":{{ to_json .error }}}`

// WebhookConfig posts a templated payload to an arbitrary endpoint. Template
// and header values see the event through Event.Data plus the secret and var
// helpers.
type WebhookConfig struct {
	URL      string            `mapstructure:"url"`
	Method   string            `mapstructure:"method"`
	Headers  map[string]string `mapstructure:"headers"`
	Template string            `mapstructure:"template"`
	Vars     map[string]string `mapstructure:"vars"`
}

type webhookNotifier struct {
	id      string
	cfg     WebhookConfig
	secrets map[string]string
	engine  *render.Engine
	client  *http.Client
}

// NewWebhookNotifier creates a webhook notifier.
func NewWebhookNotifier(id string, cfg WebhookConfig, secrets map[string]string, engine *render.Engine) (Notifier, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	if cfg.Template == "" {
		cfg.Template = defaultWebhookTemplate
	}
	cfg.Method = strings.ToUpper(cfg.Method)
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if engine == nil {
		engine = render.New()
	}
	return &webhookNotifier{
		id:      id,
		cfg:     cfg,
		secrets: secrets,
		engine:  engine,
		client:  newHTTPClient(),
	}, nil
}

func (w *webhookNotifier) ID() string {
	return w.id
}

func (w *webhookNotifier) Notify(ctx context.Context, event Event) error {
	req, err := w.request(ctx, event)
	if err != nil {
		return err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s %s: %s", w.cfg.Method, w.cfg.URL, resp.Status)
	}
	return nil
}

func (w *webhookNotifier) request(ctx context.Context, event Event) (*http.Request, error) {
	tc := render.TemplateContext{Secrets: w.secrets, Vars: w.cfg.Vars, Data: event.Data()}
	payload, err := w.engine.RenderString(w.cfg.Template, tc)
	if err != nil {
		return nil, fmt.Errorf("webhook payload: %w", err)
	}
	headers, err := w.engine.RenderValues(w.cfg.Headers, tc)
	if err != nil {
		return nil, fmt.Errorf("webhook header %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, w.cfg.Method, w.cfg.URL, strings.NewReader(payload))
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentTypeOf(payload))
	}
	return req, nil
}

func contentTypeOf(payload string) string {
	switch trimmed := strings.TrimSpace(payload); {
	case strings.HasPrefix(trimmed, "{"), strings.HasPrefix(trimmed, "["):
		return "application/json"
	default:
		return "text/plain"
	}
}
