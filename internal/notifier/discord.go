package notifier

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// DiscordConfig configures a Discord webhook.
type DiscordConfig struct {
	WebhookURLRef string `mapstructure:"webhook_url_ref"`
	Username      string `mapstructure:"username"`
}

type discordNotifier struct {
	id       string
	username string
	url      string
	client   *http.Client
}

type discordMessage struct {
	Content  string `json:"content"`
	Username string `json:"username,omitempty"`
}

// NewDiscordNotifier constructs a Discord notifier.
func NewDiscordNotifier(id string, cfg DiscordConfig, secrets map[string]string) (Notifier, error) {
	url, err := webhookSecret(cfg.WebhookURLRef, secrets)
	if err != nil {
		return nil, err
	}
	return &discordNotifier{id: id, username: cfg.Username, url: url, client: newHTTPClient()}, nil
}

func (d *discordNotifier) ID() string {
	return d.id
}

func (d *discordNotifier) Notify(ctx context.Context, event Event) error {
	lines := event.Lines()
	lines[0] = fmt.Sprintf("**%s** %s (%s)", event.Monitor.Name, event.Summary, strings.ToUpper(event.Status))
	return postJSON(ctx, d.client, "discord webhook", d.url, discordMessage{
		Content:  strings.Join(lines, "\n"),
		Username: d.username,
	})
}
