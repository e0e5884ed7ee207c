package notifier

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/jordan-wright/email"
)

const (
	smtpsPort      = 465
	submissionPort = 587
)

// EmailConfig contains SMTP configuration. Port 465 uses implicit TLS; any
// other port upgrades with STARTTLS.
type EmailConfig struct {
	SMTPHost    string   `mapstructure:"smtp_host"`
	SMTPPort    int      `mapstructure:"smtp_port"`
	Username    string   `mapstructure:"username"`
	PasswordRef string   `mapstructure:"password_ref"`
	From        string   `mapstructure:"from"`
	To          []string `mapstructure:"to"`
	Cc          []string `mapstructure:"cc"`
}

type emailNotifier struct {
	id   string
	cfg  EmailConfig
	auth smtp.Auth
	tls  *tls.Config
}

// NewEmailNotifier creates an email notifier.
func NewEmailNotifier(id string, cfg EmailConfig, secrets map[string]string) (Notifier, error) {
	if cfg.SMTPHost == "" || len(cfg.To) == 0 {
		return nil, fmt.Errorf("smtp_host and to are required")
	}
	password, ok := secrets[cfg.PasswordRef]
	if cfg.PasswordRef != "" && !ok {
		return nil, fmt.Errorf("missing secret %q", cfg.PasswordRef)
	}
	if cfg.SMTPPort == 0 {
		cfg.SMTPPort = smtpsPort
	}
	n := &emailNotifier{
		id:  id,
		cfg: cfg,
		tls: &tls.Config{ServerName: cfg.SMTPHost},
	}
	if cfg.Username != "" {
		n.auth = smtp.PlainAuth("", cfg.Username, password, cfg.SMTPHost)
	}
	return n, nil
}

func (e *emailNotifier) ID() string {
	return e.id
}

func (e *emailNotifier) compose(event Event) *email.Email {
	em := email.NewEmail()
	em.From = e.cfg.From
	em.To = append([]string(nil), e.cfg.To...)
	em.Cc = append([]string(nil), e.cfg.Cc...)
	em.Subject = fmt.Sprintf("[%s] %s: %s", strings.ToUpper(event.Status), event.Monitor.Name, event.Summary)
	em.Headers.Set("X-Pagewatch-Monitor", event.Monitor.ID)
	em.Headers.Set("X-Pagewatch-Run", event.RunID)

	var body strings.Builder
	for _, line := range event.Lines() {
		body.WriteString(line)
		body.WriteByte('\n')
	}
	if event.Kind == KindFailure && event.Error != nil && len(event.Error.Details) > 0 {
		body.WriteString("\nDetails:\n")
		body.WriteString(prettyJSON(event.Error.Details))
		body.WriteByte('\n')
	}
	em.Text = []byte(body.String())
	return em
}

func (e *emailNotifier) Notify(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	em := e.compose(event)
	addr := fmt.Sprintf("%s:%d", e.cfg.SMTPHost, e.cfg.SMTPPort)
	var err error
	if e.cfg.SMTPPort == smtpsPort {
		err = em.SendWithTLS(addr, e.auth, e.tls)
	} else {
		err = em.SendWithStartTLS(addr, e.auth, e.tls)
	}
	if err != nil {
		return fmt.Errorf("send mail via %s: %w", addr, err)
	}
	return nil
}
