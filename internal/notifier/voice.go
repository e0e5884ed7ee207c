package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/osbits/pagewatch/internal/render"
)

// TwilioVoiceConfig configures voice call notifier.
type TwilioVoiceConfig struct {
	Provider     string   `mapstructure:"provider"`
	AccountSID   string   `mapstructure:"account_sid"`
	AuthTokenRef string   `mapstructure:"auth_token_ref"`
	From         string   `mapstructure:"from"`
	To           []string `mapstructure:"to"`
	VoiceMessage string   `mapstructure:"voice_message"`
	APIBase      string   `mapstructure:"api_base"`
}

type twilioVoiceNotifier struct {
	id        string
	cfg       TwilioVoiceConfig
	authToken string
	client    *http.Client
}

// NewTwilioVoiceNotifier constructs a Twilio voice notifier.
func NewTwilioVoiceNotifier(id string, cfg TwilioVoiceConfig, secrets map[string]string) (Notifier, error) {
	token, ok := secrets[cfg.AuthTokenRef]
	if cfg.AuthTokenRef != "" && !ok {
		return nil, fmt.Errorf("missing secret %q", cfg.AuthTokenRef)
	}
	if cfg.AccountSID == "" {
		return nil, fmt.Errorf("twilio voice: account_sid required")
	}
	if cfg.APIBase == "" {
		cfg.APIBase = twilioAPIBase
	}
	return &twilioVoiceNotifier{
		id:        id,
		cfg:       cfg,
		authToken: token,
		client:    newHTTPClient(),
	}, nil
}

func (t *twilioVoiceNotifier) ID() string {
	return t.id
}

func (t *twilioVoiceNotifier) Notify(ctx context.Context, event Event) error {
	message := spokenMessage(event)
	if t.cfg.VoiceMessage != "" {
		message = t.cfg.VoiceMessage + " (Status " + event.Status + ")"
	}
	var escaped bytes.Buffer
	if err := xml.EscapeText(&escaped, []byte(message)); err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json", strings.TrimRight(t.cfg.APIBase, "/"), t.cfg.AccountSID)
	for _, to := range t.cfg.To {
		form := url.Values{}
		form.Set("From", t.cfg.From)
		form.Set("To", to)
		form.Set("Twiml", "<Response><Say>"+escaped.String()+"</Say></Response>")
		if err := postForm(ctx, t.client, endpoint, form, t.cfg.AccountSID, t.authToken); err != nil {
			return fmt.Errorf("twilio voice to %s: %w", to, err)
		}
	}
	return nil
}

// VonageVoiceConfig configures Vonage Voice calls.
type VonageVoiceConfig struct {
	Provider      string   `mapstructure:"provider"`
	JWT           string   `mapstructure:"jwt"`
	JWTRef        string   `mapstructure:"jwt_ref"`
	From          string   `mapstructure:"from"`
	To            []string `mapstructure:"to"`
	Message       string   `mapstructure:"message"`
	MessagePrefix string   `mapstructure:"message_prefix"`
	APIBase       string   `mapstructure:"api_base"`
}

type vonageVoiceNotifier struct {
	id       string
	cfg      VonageVoiceConfig
	jwt      string
	client   *http.Client
	renderer *render.Engine
	secrets  map[string]string
}

// NewVonageVoiceNotifier constructs a Vonage voice notifier.
func NewVonageVoiceNotifier(id string, cfg VonageVoiceConfig, secrets map[string]string, renderer *render.Engine) (Notifier, error) {
	jwt, err := secretOrValue(cfg.JWT, cfg.JWTRef, secrets)
	if err != nil {
		return nil, fmt.Errorf("vonage voice: %w", err)
	}
	if jwt == "" {
		return nil, fmt.Errorf("vonage voice: jwt or jwt_ref required")
	}
	if cfg.APIBase == "" {
		cfg.APIBase = vonageAPIBase
	}
	return &vonageVoiceNotifier{
		id:       id,
		cfg:      cfg,
		jwt:      jwt,
		secrets:  secrets,
		renderer: renderer,
		client:   newHTTPClient(),
	}, nil
}

func (v *vonageVoiceNotifier) ID() string {
	return v.id
}

func (v *vonageVoiceNotifier) Notify(ctx context.Context, event Event) error {
	message := v.composeMessage(event)
	for _, to := range v.cfg.To {
		if err := v.startCall(ctx, to, message); err != nil {
			return err
		}
	}
	return nil
}

func (v *vonageVoiceNotifier) composeMessage(event Event) string {
	if v.cfg.Message != "" && v.renderer != nil {
		ctx := render.TemplateContext{
			Secrets: v.secrets,
			Data:    event.Data(),
		}
		if rendered, err := v.renderer.RenderString(v.cfg.Message, ctx); err == nil && rendered != "" {
			return rendered
		}
	}
	base := spokenMessage(event)
	if v.cfg.MessagePrefix != "" {
		return v.cfg.MessagePrefix + " " + base
	}
	return base
}

func (v *vonageVoiceNotifier) startCall(ctx context.Context, to, message string) error {
	payload := map[string]interface{}{
		"to": []map[string]string{
			{
				"type":   "phone",
				"number": to,
			},
		},
		"from": map[string]string{
			"type":   "phone",
			"number": v.cfg.From,
		},
		"ncco": []map[string]interface{}{
			{
				"action": "talk",
				"text":   message,
			},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	endpoint := strings.TrimRight(v.cfg.APIBase, "/") + "/v1/calls"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+v.jwt)
	resp, err := v.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("vonage voice failed: %s", resp.Status)
	}
	return nil
}

func spokenMessage(event Event) string {
	return fmt.Sprintf("%s. Status %s. %s.", event.Monitor.Name, event.Status, event.Summary)
}
