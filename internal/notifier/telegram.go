package notifier

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

const telegramAPIBase = "https://api.telegram.org"

// TelegramConfig configures Telegram bot messages.
type TelegramConfig struct {
	BotTokenRef string `mapstructure:"bot_token_ref"`
	ChatID      string `mapstructure:"chat_id"`
	ParseMode   string `mapstructure:"parse_mode"`
	APIBase     string `mapstructure:"api_base"`
}

type telegramNotifier struct {
	id        string
	chatID    string
	parseMode string
	endpoint  string
	client    *http.Client
}

type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// NewTelegramNotifier constructs a Telegram notifier posting to sendMessage.
func NewTelegramNotifier(id string, cfg TelegramConfig, secrets map[string]string) (Notifier, error) {
	token, ok := secrets[cfg.BotTokenRef]
	if cfg.BotTokenRef != "" && !ok {
		return nil, fmt.Errorf("missing secret %q", cfg.BotTokenRef)
	}
	if cfg.ChatID == "" {
		return nil, fmt.Errorf("chat_id is required")
	}
	base := strings.TrimRight(cfg.APIBase, "/")
	if base == "" {
		base = telegramAPIBase
	}
	parseMode := cfg.ParseMode
	if parseMode == "" {
		parseMode = "Markdown"
	}
	return &telegramNotifier{
		id:        id,
		chatID:    cfg.ChatID,
		parseMode: parseMode,
		endpoint:  fmt.Sprintf("%s/bot%s/sendMessage", base, token),
		client:    newHTTPClient(),
	}, nil
}

func (t *telegramNotifier) ID() string {
	return t.id
}

func (t *telegramNotifier) Notify(ctx context.Context, event Event) error {
	lines := event.Lines()
	lines[0] = fmt.Sprintf("*%s* %s\nStatus: %s", event.Monitor.Name, event.Summary, strings.ToUpper(event.Status))
	lines[len(lines)-1] = fmt.Sprintf("Run: `%s`", event.RunID)
	return postJSON(ctx, t.client, "telegram", t.endpoint, telegramMessage{
		ChatID:    t.chatID,
		Text:      strings.Join(lines, "\n"),
		ParseMode: t.parseMode,
	})
}
