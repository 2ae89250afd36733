package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"farmestly-reports/internal/models"
)

const emailColumns = `id, to_address, from_address, subject, html, text_body, attachments, status, attempts, max_attempts,
	priority, scheduled_for, last_error, message_id, sent_at, created_at, updated_at`

// InsertEmail persists a new queued email.
func (s *Store) InsertEmail(ctx context.Context, e models.QueuedEmail) error {
	attachments := e.Attachments
	if attachments == nil {
		attachments = []models.EmailAttachment{}
	}
	raw, err := json.Marshal(attachments)
	if err != nil {
		return fmt.Errorf("marshal attachments: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO email_queue (id, to_address, from_address, subject, html, text_body, attachments, status,
			attempts, max_attempts, priority, scheduled_for, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
	`, e.ID, e.To, e.From, e.Subject, e.HTML, e.Text, raw, string(e.Status), e.Attempts, e.MaxAttempts,
		e.Priority, e.ScheduledFor, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert email: %w", err)
	}
	return nil
}

// GetEmail fetches a queued email by id.
func (s *Store) GetEmail(ctx context.Context, id string) (models.QueuedEmail, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+emailColumns+` FROM email_queue WHERE id = $1`, id)
	return scanEmail(row)
}

// DueEmails returns up to limit pending emails whose schedule has elapsed,
// highest priority first, then oldest schedule first.
func (s *Store) DueEmails(ctx context.Context, now time.Time, limit int) ([]models.QueuedEmail, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+emailColumns+` FROM email_queue
		WHERE status = $1 AND scheduled_for <= $2 AND attempts < max_attempts
		ORDER BY priority DESC, scheduled_for ASC
		LIMIT $3
	`, string(models.EmailPending), now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due emails: %w", err)
	}
	defer rows.Close()

	var out []models.QueuedEmail
	for rows.Next() {
		e, err := scanEmail(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ClaimEmail marks a pending email as sending and counts the attempt before any network call.
// It returns models.ErrNotFound when the email is no longer claimable.
func (s *Store) ClaimEmail(ctx context.Context, id string, now time.Time) (models.QueuedEmail, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE email_queue SET status = $2, attempts = attempts + 1, updated_at = $3
		WHERE id = $1 AND status = $4
		RETURNING `+emailColumns, id, string(models.EmailSending), now, string(models.EmailPending))
	return scanEmail(row)
}

// MarkEmailSent records a successful hand-off to the transport.
func (s *Store) MarkEmailSent(ctx context.Context, id, messageID string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE email_queue SET status = $2, message_id = $3, sent_at = $4, last_error = NULL, updated_at = $4
		WHERE id = $1
	`, id, string(models.EmailSent), emptyToNil(messageID), now)
	if err != nil {
		return fmt.Errorf("mark email sent: %w", err)
	}
	return nil
}

// MarkEmailFailed records a transient failure and the time of the next attempt.
func (s *Store) MarkEmailFailed(ctx context.Context, id, reason string, next time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE email_queue SET status = $2, last_error = $3, scheduled_for = $4, updated_at = NOW()
		WHERE id = $1
	`, id, string(models.EmailFailed), reason, next)
	if err != nil {
		return fmt.Errorf("mark email failed: %w", err)
	}
	return nil
}

// MarkEmailPermanentlyFailed stops all further attempts.
func (s *Store) MarkEmailPermanentlyFailed(ctx context.Context, id, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE email_queue SET status = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1
	`, id, string(models.EmailPermanentlyFailed), reason)
	if err != nil {
		return fmt.Errorf("mark email permanently failed: %w", err)
	}
	return nil
}

// ResetEmail clears attempts and errors and makes the email due immediately.
func (s *Store) ResetEmail(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE email_queue
		SET status = $2, attempts = 0, last_error = NULL, scheduled_for = $3, updated_at = $3
		WHERE id = $1
	`, id, string(models.EmailPending), now)
	if err != nil {
		return false, fmt.Errorf("reset email: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ResurfaceFailedEmails moves failed emails whose backoff has elapsed back to pending.
func (s *Store) ResurfaceFailedEmails(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE email_queue SET status = $1, updated_at = $2
		WHERE status = $3 AND scheduled_for <= $2 AND attempts < max_attempts
	`, string(models.EmailPending), now, string(models.EmailFailed))
	if err != nil {
		return 0, fmt.Errorf("resurface failed emails: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ReclaimStaleSending handles emails left in sending by a crashed sender. The attempt was
// already counted, so they either become failed (due now) or permanently_failed when exhausted.
func (s *Store) ReclaimStaleSending(ctx context.Context, before, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE email_queue
		SET status = CASE WHEN attempts < max_attempts THEN $1 ELSE $2 END,
		    last_error = 'interrupted while sending',
		    scheduled_for = $3,
		    updated_at = $3
		WHERE status = $4 AND updated_at < $5
	`, string(models.EmailFailed), string(models.EmailPermanentlyFailed), now, string(models.EmailSending), before)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale sending emails: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteEmailsBefore purges emails in the given statuses last updated before `before`.
func (s *Store) DeleteEmailsBefore(ctx context.Context, statuses []models.EmailStatus, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM email_queue WHERE status = ANY($1) AND updated_at < $2
	`, models.EmailStatusStrings(statuses), before)
	if err != nil {
		return 0, fmt.Errorf("delete old emails: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountEmailsByStatus reports queue depth per status for metrics.
func (s *Store) CountEmailsByStatus(ctx context.Context) (map[models.EmailStatus]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM email_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count emails: %w", err)
	}
	defer rows.Close()
	out := map[models.EmailStatus]int64{}
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan email count: %w", err)
		}
		out[models.EmailStatus(status)] = n
	}
	return out, rows.Err()
}

func scanEmail(row pgx.Row) (models.QueuedEmail, error) {
	var (
		e           models.QueuedEmail
		status      string
		attachments []byte
		lastErr     pgtype.Text
		messageID   pgtype.Text
	)
	err := row.Scan(&e.ID, &e.To, &e.From, &e.Subject, &e.HTML, &e.Text, &attachments, &status, &e.Attempts,
		&e.MaxAttempts, &e.Priority, &e.ScheduledFor, &lastErr, &messageID, &e.SentAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueuedEmail{}, models.ErrNotFound
		}
		return models.QueuedEmail{}, fmt.Errorf("scan email: %w", err)
	}
	e.Status = models.EmailStatus(status)
	e.LastError = textPtr(lastErr)
	e.MessageID = textPtr(messageID)
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &e.Attachments); err != nil {
			return models.QueuedEmail{}, fmt.Errorf("unmarshal attachments: %w", err)
		}
	}
	return e, nil
}
