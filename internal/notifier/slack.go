package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/osbits/pagewatch/internal/render"
	"github.com/osbits/pagewatch/internal/structure"
)

// SlackConfig defines Slack webhook integration.
type SlackConfig struct {
	WebhookURLRef string `mapstructure:"webhook_url_ref"`
	Channel       string `mapstructure:"channel"`
	Username      string `mapstructure:"username"`
	IconEmoji     string `mapstructure:"icon_emoji"`
}

type slackNotifier struct {
	id     string
	cfg    SlackConfig
	url    string
	loc    *time.Location
	client *http.Client
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
}

type slackMessage struct {
	Text        string            `json:"text"`
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Attachments []slackAttachment `json:"attachments"`
}

// NewSlackNotifier builds Slack notifier.
func NewSlackNotifier(id string, cfg SlackConfig, secrets map[string]string, loc *time.Location) (Notifier, error) {
	url, err := webhookSecret(cfg.WebhookURLRef, secrets)
	if err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.UTC
	}
	return &slackNotifier{id: id, cfg: cfg, url: url, loc: loc, client: newHTTPClient()}, nil
}

func (s *slackNotifier) ID() string {
	return s.id
}

func (s *slackNotifier) Notify(ctx context.Context, event Event) error {
	msg := s.message(event)
	msg.Channel = s.cfg.Channel
	msg.Username = s.cfg.Username
	msg.IconEmoji = s.cfg.IconEmoji
	return postJSON(ctx, s.client, "slack webhook", s.url, msg)
}

func (s *slackNotifier) message(event Event) slackMessage {
	stamp := event.OccurredAt.In(s.loc).Format("2006-01-02 15:04:05 MST")
	prefix := fmt.Sprintf("[%s]", event.Monitor.Name)

	switch event.Kind {
	case KindProduct:
		p := event.Product
		var title, price, release, url string
		if p != nil {
			title, price, release, url = p.Title, p.Price, p.Release, p.URL
		}
		return slackMessage{
			Text: prefix + " product information retrieved",
			Attachments: []slackAttachment{{
				Color: render.StatusColor(StatusSuccess),
				Fields: []slackField{
					{Title: "Title", Value: orUnknown(title), Short: true},
					{Title: "Price", Value: orUnknown(price), Short: true},
					{Title: "Release", Value: orUnknown(release), Short: true},
					{Title: "URL", Value: orUnknown(url)},
				},
				Footer: "Retrieved at: " + stamp,
			}},
		}

	case KindStructure:
		var missing, found, issues string
		status := event.Status
		message := event.Summary
		if r := event.Report; r != nil {
			missing = strings.Join(structure.Selectors(r.Details.Missing), "\n")
			found = strings.Join(structure.Selectors(r.Details.Found), "\n")
			issues = strings.Join(r.Issues, "\n")
			status = string(r.Status)
			message = r.Message
		}
		return slackMessage{
			Text: prefix + " " + message,
			Attachments: []slackAttachment{{
				Color: render.StatusColor(status),
				Fields: []slackField{
					{Title: "Missing selectors", Value: orNone(missing), Short: true},
					{Title: "Found selectors", Value: orNone(found), Short: true},
					{Title: "Issues", Value: orNone(issues)},
				},
				Footer: "Checked at: " + stamp,
			}},
		}

	default:
		info := event.Error
		if info == nil {
			info = &ErrorInfo{Type: "unknown", Name: "Error", Message: event.Summary}
		}
		return slackMessage{
			Text: fmt.Sprintf("%s error: %s", prefix, info.Message),
			Attachments: []slackAttachment{{
				Color: render.StatusColor(StatusError),
				Fields: []slackField{
					{Title: "Error type", Value: info.Type, Short: true},
					{Title: "Error name", Value: info.Name, Short: true},
					{Title: "Details", Value: prettyJSON(info.Details)},
					{Title: "Context", Value: prettyJSON(event.Context)},
				},
				Footer: "Occurred at: " + stamp,
			}},
		}
	}
}

func prettyJSON(v any) string {
	if v == nil {
		return "{}"
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
