package notification

import (
	"Go2FlowGuard/internal/config"
	"Go2FlowGuard/internal/model"
	"fmt"
	"net/smtp"
	"strings"
)

// EmailNotifier implements the Notifier interface for sending emails.
type EmailNotifier struct {
	cfg  config.SMTPConfig
	auth smtp.Auth
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailNotifier creates a new EmailNotifier.
func NewEmailNotifier(cfg config.SMTPConfig) model.Notifier {
	// PlainAuth will not send credentials until the server identifies itself as a trusted one.
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return &EmailNotifier{cfg: cfg, auth: auth, send: smtp.SendMail}
}

// Send sends an email to the configured recipients.
func (n *EmailNotifier) Send(subject, body string) error {
	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)
	recipients := Recipients(n.cfg.To)
	if len(recipients) == 0 {
		return fmt.Errorf("no email recipients configured")
	}

	err := n.send(addr, n.auth, n.cfg.From, recipients, Message(n.cfg.From, recipients, subject, body))
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

// Recipients splits a comma separated address list.
func Recipients(to string) []string {
	var out []string
	for _, r := range strings.Split(to, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

// Message builds an HTML email. Line breaks in the subject are dropped.
func Message(from string, to []string, subject, body string) []byte {
	subject = strings.NewReplacer("\r", "", "\n", " ").Replace(subject)
	return []byte("To: " + strings.Join(to, ", ") + "\r\n" +
		"From: " + from + "\r\n" +
		"Subject: " + subject + "\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: text/html; charset=UTF-8\r\n" +
		"\r\n" +
		body)
}
