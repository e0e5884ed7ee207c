package notifier

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"
)

const (
	twilioAPIBase      = "https://api.twilio.com"
	vonageRESTBase     = "https://rest.nexmo.com"
	vonageAPIBase      = "https://api.nexmo.com"
	smsMaxMessageChars = 480
)

// TwilioSMSConfig configures Twilio SMS delivery.
type TwilioSMSConfig struct {
	Provider      string   `mapstructure:"provider"`
	AccountSID    string   `mapstructure:"account_sid"`
	AuthTokenRef  string   `mapstructure:"auth_token_ref"`
	From          string   `mapstructure:"from"`
	To            []string `mapstructure:"to"`
	MessagePrefix string   `mapstructure:"message_prefix"`
	APIBase       string   `mapstructure:"api_base"`
}

type twilioSMSNotifier struct {
	id        string
	cfg       TwilioSMSConfig
	authToken string
	client    *http.Client
}

// NewTwilioSMSNotifier constructs a Twilio SMS notifier.
func NewTwilioSMSNotifier(id string, cfg TwilioSMSConfig, secrets map[string]string) (Notifier, error) {
	token, ok := secrets[cfg.AuthTokenRef]
	if cfg.AuthTokenRef != "" && !ok {
		return nil, fmt.Errorf("missing secret %q", cfg.AuthTokenRef)
	}
	if cfg.AccountSID == "" {
		return nil, fmt.Errorf("twilio sms: account_sid required")
	}
	if cfg.APIBase == "" {
		cfg.APIBase = twilioAPIBase
	}
	return &twilioSMSNotifier{
		id:        id,
		cfg:       cfg,
		authToken: token,
		client:    newHTTPClient(),
	}, nil
}

func (t *twilioSMSNotifier) ID() string {
	return t.id
}

func (t *twilioSMSNotifier) Notify(ctx context.Context, event Event) error {
	body := smsBody(t.cfg.MessagePrefix, event)
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", strings.TrimRight(t.cfg.APIBase, "/"), t.cfg.AccountSID)
	for _, to := range t.cfg.To {
		form := url.Values{}
		form.Set("From", t.cfg.From)
		form.Set("To", to)
		form.Set("Body", body)
		if err := postForm(ctx, t.client, endpoint, form, t.cfg.AccountSID, t.authToken); err != nil {
			return fmt.Errorf("twilio sms to %s: %w", to, err)
		}
	}
	return nil
}

// VonageSMSConfig configures Vonage SMS delivery.
type VonageSMSConfig struct {
	Provider      string   `mapstructure:"provider"`
	APIKey        string   `mapstructure:"api_key"`
	APIKeyRef     string   `mapstructure:"api_key_ref"`
	APISecret     string   `mapstructure:"api_secret"`
	APISecretRef  string   `mapstructure:"api_secret_ref"`
	From          string   `mapstructure:"from"`
	To            []string `mapstructure:"to"`
	MessagePrefix string   `mapstructure:"message_prefix"`
	APIBase       string   `mapstructure:"api_base"`
}

type vonageSMSNotifier struct {
	id        string
	cfg       VonageSMSConfig
	apiKey    string
	apiSecret string
	client    *http.Client
}

// NewVonageSMSNotifier constructs a Vonage (Nexmo) SMS notifier.
func NewVonageSMSNotifier(id string, cfg VonageSMSConfig, secrets map[string]string) (Notifier, error) {
	apiKey, err := secretOrValue(cfg.APIKey, cfg.APIKeyRef, secrets)
	if err != nil {
		return nil, fmt.Errorf("vonage sms: %w", err)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("vonage sms: api_key or api_key_ref required")
	}
	apiSecret, err := secretOrValue(cfg.APISecret, cfg.APISecretRef, secrets)
	if err != nil {
		return nil, fmt.Errorf("vonage sms: %w", err)
	}
	if apiSecret == "" {
		return nil, fmt.Errorf("vonage sms: api_secret or api_secret_ref required")
	}
	if cfg.APIBase == "" {
		cfg.APIBase = vonageRESTBase
	}
	return &vonageSMSNotifier{
		id:        id,
		cfg:       cfg,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		client:    newHTTPClient(),
	}, nil
}

func (v *vonageSMSNotifier) ID() string {
	return v.id
}

func (v *vonageSMSNotifier) Notify(ctx context.Context, event Event) error {
	body := smsBody(v.cfg.MessagePrefix, event)
	endpoint := strings.TrimRight(v.cfg.APIBase, "/") + "/sms/json"
	for _, to := range v.cfg.To {
		form := url.Values{}
		form.Set("api_key", v.apiKey)
		form.Set("api_secret", v.apiSecret)
		form.Set("to", to)
		form.Set("from", v.cfg.From)
		form.Set("text", body)
		if err := postForm(ctx, v.client, endpoint, form, "", ""); err != nil {
			return fmt.Errorf("vonage sms to %s: %w", to, err)
		}
	}
	return nil
}

func smsBody(prefix string, event Event) string {
	body := strings.Join(event.Lines(), " | ")
	if prefix != "" {
		body = prefix + " " + body
	}
	if utf8.RuneCountInString(body) > smsMaxMessageChars {
		runes := []rune(body)
		body = string(runes[:smsMaxMessageChars-3]) + "..."
	}
	return body
}

func secretOrValue(value, ref string, secrets map[string]string) (string, error) {
	if value != "" || ref == "" {
		return value, nil
	}
	val, ok := secrets[ref]
	if !ok {
		return "", fmt.Errorf("missing secret %q", ref)
	}
	return val, nil
}

func postForm(ctx context.Context, client *http.Client, endpoint string, form url.Values, user, pass string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if user != "" {
		req.SetBasicAuth(user, pass)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected response: %s", resp.Status)
	}
	return nil
}
