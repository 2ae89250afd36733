package mailqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"farmestly-reports/internal/config"
	"farmestly-reports/internal/models"
	"farmestly-reports/internal/telemetry"
)

const (
	baseRetryDelay = 60 * time.Second
	maxRetryDelay  = time.Hour
	sweepLockKey   = "mailqueue:sweep"
	sweepLockTTL   = 5 * time.Minute
)

// Store is the durable side of the queue.
type Store interface {
	InsertEmail(ctx context.Context, e models.QueuedEmail) error
	GetEmail(ctx context.Context, id string) (models.QueuedEmail, error)
	DueEmails(ctx context.Context, now time.Time, limit int) ([]models.QueuedEmail, error)
	ClaimEmail(ctx context.Context, id string, now time.Time) (models.QueuedEmail, error)
	MarkEmailSent(ctx context.Context, id, messageID string, now time.Time) error
	MarkEmailFailed(ctx context.Context, id, reason string, next time.Time) error
	MarkEmailPermanentlyFailed(ctx context.Context, id, reason string) error
	ResetEmail(ctx context.Context, id string, now time.Time) (bool, error)
	ResurfaceFailedEmails(ctx context.Context, now time.Time) (int64, error)
	ReclaimStaleSending(ctx context.Context, before, now time.Time) (int64, error)
	DeleteEmailsBefore(ctx context.Context, statuses []models.EmailStatus, before time.Time) (int64, error)
	CountEmailsByStatus(ctx context.Context) (map[models.EmailStatus]int64, error)
}

// Locker keeps the send sweep on one worker replica at a time.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error)
}

// Config tunes the sweeps.
type Config struct {
	From            string
	SweepInterval   time.Duration
	BatchSize       int
	RetryInterval   time.Duration
	CleanupInterval time.Duration
	Retention       time.Duration
	MaxAttempts     int
	StaleSending    time.Duration
}

// ConfigFrom maps mail config onto queue settings.
func ConfigFrom(cfg config.MailConfig) Config {
	return Config{
		From:            cfg.From,
		SweepInterval:   cfg.SweepInterval,
		BatchSize:       cfg.BatchSize,
		RetryInterval:   cfg.RetryInterval,
		CleanupInterval: cfg.CleanupEvery,
		Retention:       cfg.Retention,
		MaxAttempts:     cfg.MaxAttempts,
		StaleSending:    cfg.StaleSending,
	}
}

func (c *Config) defaults() {
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.StaleSending <= 0 {
		c.StaleSending = 10 * time.Minute
	}
}

// Queue is the durable, priority-ordered email delivery queue.
type Queue struct {
	cfg       Config
	store     Store
	transport Transport
	locker    Locker
	logger    *slog.Logger
	now       func() time.Time

	wake       chan struct{}
	processing atomic.Bool
	sweepMu    sync.Mutex

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a queue. Call Start to run the periodic sweeps.
func New(cfg Config, store Store, transport Transport, logger *slog.Logger) *Queue {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		cfg:       cfg,
		store:     store,
		transport: transport,
		logger:    logger.With("component", "mailqueue"),
		now:       time.Now,
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
}

// UseLocker makes sweeps cluster-exclusive.
func (q *Queue) UseLocker(l Locker) { q.locker = l }

// RetryDelay is the backoff after the given number of failed attempts:
// 60s doubling per attempt, capped at one hour.
func RetryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := baseRetryDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return delay
}

// Enqueue validates and stores a message. A positive priority wakes an idle sweep
// immediately instead of waiting for the next tick.
func (q *Queue) Enqueue(ctx context.Context, m Message) (string, error) {
	if err := m.validate(); err != nil {
		return "", err
	}
	e := m.normalize(uuid.NewString(), q.cfg.From, q.cfg.MaxAttempts, q.now().UTC())
	if err := q.store.InsertEmail(ctx, e); err != nil {
		return "", fmt.Errorf("enqueue email: %w", err)
	}
	telemetry.EmailsEnqueued.Inc()
	q.logger.Info("email queued", "email_id", e.ID, "priority", e.Priority, "attachments", len(e.Attachments))

	if e.Priority > 0 && !q.processing.Load() {
		q.trigger()
	}
	return e.ID, nil
}

// Get returns a queued email.
func (q *Queue) Get(ctx context.Context, id string) (models.QueuedEmail, error) {
	return q.store.GetEmail(ctx, id)
}

// RetryEmail resets an email to pending with a clean attempt count and triggers a sweep.
func (q *Queue) RetryEmail(ctx context.Context, id string) error {
	ok, err := q.store.ResetEmail(ctx, id, q.now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("email %s: %w", id, models.ErrNotFound)
	}
	q.logger.Info("email reset for retry", "email_id", id)
	q.trigger()
	return nil
}

func (q *Queue) trigger() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Start runs the send, retry and cleanup loops until ctx ends or Shutdown is called.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(3)
	go q.loop(ctx, q.cfg.SweepInterval, q.wake, func(ctx context.Context) error {
		_, err := q.ProcessDue(ctx)
		return err
	})
	go q.loop(ctx, q.cfg.RetryInterval, nil, q.RetrySweep)
	go q.loop(ctx, q.cfg.CleanupInterval, nil, q.Cleanup)
}

func (q *Queue) loop(ctx context.Context, every time.Duration, wake <-chan struct{}, fn func(context.Context) error) {
	defer q.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stop:
			return
		case <-ticker.C:
		case <-wake:
		}
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			q.logger.Error("mail queue sweep failed", "error", err)
		}
	}
}

// ProcessDue sends up to BatchSize due emails one after another and returns how
// many were attempted.
func (q *Queue) ProcessDue(ctx context.Context) (int, error) {
	q.sweepMu.Lock()
	defer q.sweepMu.Unlock()

	if q.locker != nil {
		release, ok, err := q.locker.TryLock(ctx, sweepLockKey, sweepLockTTL)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, nil
		}
		defer func() { _ = release(context.WithoutCancel(ctx)) }()
	}

	q.processing.Store(true)
	defer q.processing.Store(false)

	due, err := q.store.DueEmails(ctx, q.now().UTC(), q.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	attempted := 0
	for _, e := range due {
		if ctx.Err() != nil {
			break
		}
		if q.send(ctx, e.ID) {
			attempted++
		}
	}
	return attempted, nil
}

// send claims one email and tries it. The claim records the attempt before the
// transport is touched.
func (q *Queue) send(ctx context.Context, id string) bool {
	claimed, err := q.store.ClaimEmail(ctx, id, q.now().UTC())
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			q.logger.Error("claim email", "email_id", id, "error", err)
		}
		return false
	}
	log := q.logger.With("email_id", id, "attempt", claimed.Attempts)

	messageID, sendErr := q.transport.Send(ctx, claimed)
	// Outcome writes must land even if the sweep is being cancelled.
	wctx := context.WithoutCancel(ctx)
	now := q.now().UTC()

	if sendErr == nil {
		if err := q.store.MarkEmailSent(wctx, id, messageID, now); err != nil {
			log.Error("mark email sent", "error", err)
		}
		telemetry.EmailsSent.Inc()
		log.Info("email sent", "message_id", messageID)
		return true
	}

	reason := sendErr.Error()
	switch {
	case IsPermanent(sendErr):
		telemetry.EmailsFailed.WithLabelValues("permanent").Inc()
		log.Warn("email permanently failed", "error", sendErr)
		if err := q.store.MarkEmailPermanentlyFailed(wctx, id, reason); err != nil {
			log.Error("mark email permanently failed", "error", err)
		}
	case claimed.Attempts >= claimed.MaxAttempts:
		telemetry.EmailsFailed.WithLabelValues("exhausted").Inc()
		log.Warn("email attempts exhausted", "error", sendErr)
		if err := q.store.MarkEmailPermanentlyFailed(wctx, id, reason); err != nil {
			log.Error("mark email permanently failed", "error", err)
		}
	default:
		next := now.Add(RetryDelay(claimed.Attempts))
		telemetry.EmailsFailed.WithLabelValues("transient").Inc()
		log.Warn("email send failed, will retry", "retry_at", next, "error", sendErr)
		if err := q.store.MarkEmailFailed(wctx, id, reason, next); err != nil {
			log.Error("mark email failed", "error", err)
		}
	}
	return true
}

// RetrySweep returns failed emails whose backoff elapsed to pending and recovers
// emails stuck in sending after a crash.
func (q *Queue) RetrySweep(ctx context.Context) error {
	now := q.now().UTC()
	resurfaced, err := q.store.ResurfaceFailedEmails(ctx, now)
	if err != nil {
		return err
	}
	reclaimed, err := q.store.ReclaimStaleSending(ctx, now.Add(-q.cfg.StaleSending), now)
	if err != nil {
		return err
	}
	if resurfaced > 0 || reclaimed > 0 {
		q.logger.Info("email retry sweep", "resurfaced", resurfaced, "reclaimed", reclaimed)
	}
	return nil
}

// Cleanup drops finished emails older than the retention window and refreshes
// the depth gauges.
func (q *Queue) Cleanup(ctx context.Context) error {
	removed, err := q.store.DeleteEmailsBefore(ctx,
		[]models.EmailStatus{models.EmailSent, models.EmailPermanentlyFailed},
		q.now().UTC().Add(-q.cfg.Retention))
	if err != nil {
		return err
	}
	if removed > 0 {
		q.logger.Info("email cleanup", "removed", removed)
	}
	counts, err := q.store.CountEmailsByStatus(ctx)
	if err != nil {
		return err
	}
	for _, st := range []models.EmailStatus{models.EmailPending, models.EmailSending, models.EmailSent, models.EmailFailed, models.EmailPermanentlyFailed} {
		telemetry.EmailQueueDepth.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
	return nil
}

// Shutdown stops the loops and closes the transport. Queued state lives in the
// store and is picked up by the next process.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.stopOnce.Do(func() { close(q.stop) })

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return q.transport.Close()
}
