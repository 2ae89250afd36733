package models

import "time"

// EmailStatus enumerates delivery queue states.
type EmailStatus string

const (
	EmailPending           EmailStatus = "pending"
	EmailSending           EmailStatus = "sending"
	EmailSent              EmailStatus = "sent"
	EmailFailed            EmailStatus = "failed"
	EmailPermanentlyFailed EmailStatus = "permanently_failed"
)

// EmailAttachment is stored as JSON; Content is base64 encoded by encoding/json.
type EmailAttachment struct {
	Filename    string `json:"filename"`
	Content     []byte `json:"content"`
	ContentType string `json:"contentType"`
}

// QueuedEmail is one outbound message owned by the delivery queue.
type QueuedEmail struct {
	ID           string            `json:"id"`
	To           string            `json:"to"`
	From         string            `json:"from"`
	Subject      string            `json:"subject"`
	HTML         string            `json:"html"`
	Text         string            `json:"text"`
	Attachments  []EmailAttachment `json:"attachments,omitempty"`
	Status       EmailStatus       `json:"status"`
	Attempts     int               `json:"attempts"`
	MaxAttempts  int               `json:"maxAttempts"`
	Priority     int               `json:"priority"`
	ScheduledFor time.Time         `json:"scheduledFor"`
	LastError    *string           `json:"lastError,omitempty"`
	MessageID    *string           `json:"messageId,omitempty"`
	SentAt       *time.Time        `json:"sentAt,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// EmailStatusStrings converts statuses for SQL array parameters.
func EmailStatusStrings(statuses []EmailStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
