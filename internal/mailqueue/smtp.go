package mailqueue

import (
	"context"
	"fmt"
	"io"
	"net/mail"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"farmestly-reports/internal/config"
	"farmestly-reports/internal/models"
)

// Transport delivers one email and returns the provider message id.
type Transport interface {
	Send(ctx context.Context, e models.QueuedEmail) (string, error)
	Close() error
}

// SMTPTransport sends through an SMTP relay, one connection per message.
type SMTPTransport struct {
	dialer *gomail.Dialer
}

// NewSMTPTransport builds a transport from mail config.
func NewSMTPTransport(cfg config.MailConfig) *SMTPTransport {
	return &SMTPTransport{dialer: gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword)}
}

func (t *SMTPTransport) Send(ctx context.Context, e models.QueuedEmail) (string, error) {
	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), senderDomain(e.From))

	m := gomail.NewMessage()
	m.SetHeader("From", e.From)
	m.SetHeader("To", e.To)
	m.SetHeader("Subject", e.Subject)
	m.SetHeader("Message-ID", messageID)
	m.SetBody("text/plain", e.Text)
	m.AddAlternative("text/html", e.HTML)
	for _, a := range e.Attachments {
		content := a.Content
		m.Attach(a.Filename,
			gomail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(content)
				return err
			}),
			gomail.SetHeader(map[string][]string{"Content-Type": {a.ContentType}}),
		)
	}

	errc := make(chan error, 1)
	go func() { errc <- t.dialer.DialAndSend(m) }()
	select {
	case err := <-errc:
		if err != nil {
			return "", fmt.Errorf("smtp send: %w", err)
		}
		return messageID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close is a no-op: connections are opened per message.
func (t *SMTPTransport) Close() error { return nil }

func senderDomain(from string) string {
	addr, err := mail.ParseAddress(from)
	if err != nil {
		return "farmestly.local"
	}
	if i := strings.LastIndex(addr.Address, "@"); i >= 0 && i < len(addr.Address)-1 {
		return addr.Address[i+1:]
	}
	return "farmestly.local"
}
