package mailqueue

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/k3a/html2text"

	"farmestly-reports/internal/models"
)

// ErrInvalidMessage is returned by Enqueue when a required field is missing.
var ErrInvalidMessage = errors.New("invalid email message")

// Message is what callers hand to Enqueue. Zero values get queue defaults.
type Message struct {
	To           string
	From         string
	Subject      string
	HTML         string
	Text         string
	Attachments  []models.EmailAttachment
	Priority     int
	MaxAttempts  int
	ScheduledFor time.Time
}

func (m Message) validate() error {
	var missing []string
	if strings.TrimSpace(m.To) == "" {
		missing = append(missing, "to")
	}
	if strings.TrimSpace(m.Subject) == "" {
		missing = append(missing, "subject")
	}
	if strings.TrimSpace(m.HTML) == "" {
		missing = append(missing, "html")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidMessage, strings.Join(missing, ", "))
	}
	return nil
}

// normalize fills defaults and converts the message into its stored form.
func (m Message) normalize(id, defaultFrom string, maxAttempts int, now time.Time) models.QueuedEmail {
	e := models.QueuedEmail{
		ID:           id,
		To:           strings.TrimSpace(m.To),
		From:         m.From,
		Subject:      m.Subject,
		HTML:         m.HTML,
		Text:         m.Text,
		Status:       models.EmailPending,
		MaxAttempts:  m.MaxAttempts,
		Priority:     m.Priority,
		ScheduledFor: m.ScheduledFor,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if e.From == "" {
		e.From = defaultFrom
	}
	if strings.TrimSpace(e.Text) == "" {
		e.Text = html2text.HTML2Text(m.HTML)
	}
	if e.MaxAttempts <= 0 {
		e.MaxAttempts = maxAttempts
	}
	if e.ScheduledFor.IsZero() {
		e.ScheduledFor = now
	}
	for _, a := range m.Attachments {
		e.Attachments = append(e.Attachments, normalizeAttachment(a))
	}
	return e
}

func normalizeAttachment(a models.EmailAttachment) models.EmailAttachment {
	name := filepath.Base(a.Filename)
	if name == "." || name == string(filepath.Separator) {
		name = "attachment"
	}
	contentType := a.ContentType
	if contentType == "" {
		contentType = mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	}
	if contentType == "" {
		contentType = http.DetectContentType(a.Content)
	}
	return models.EmailAttachment{Filename: name, Content: a.Content, ContentType: contentType}
}
