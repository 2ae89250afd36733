package mailqueue

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"farmestly-reports/internal/logger"
	"farmestly-reports/internal/models"
)

// memStore mirrors the SQL semantics of the Postgres store.
type memStore struct {
	mu     sync.Mutex
	emails map[string]models.QueuedEmail
}

func newMemStore() *memStore { return &memStore{emails: map[string]models.QueuedEmail{}} }

func (s *memStore) InsertEmail(_ context.Context, e models.QueuedEmail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emails[e.ID] = e
	return nil
}

func (s *memStore) GetEmail(_ context.Context, id string) (models.QueuedEmail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.emails[id]
	if !ok {
		return models.QueuedEmail{}, models.ErrNotFound
	}
	return e, nil
}

func (s *memStore) DueEmails(_ context.Context, now time.Time, limit int) ([]models.QueuedEmail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.QueuedEmail
	for _, e := range s.emails {
		if e.Status == models.EmailPending && !e.ScheduledFor.After(now) && e.Attempts < e.MaxAttempts {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ScheduledFor.Before(out[j].ScheduledFor)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) ClaimEmail(_ context.Context, id string, now time.Time) (models.QueuedEmail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.emails[id]
	if !ok || e.Status != models.EmailPending {
		return models.QueuedEmail{}, models.ErrNotFound
	}
	e.Status = models.EmailSending
	e.Attempts++
	e.UpdatedAt = now
	s.emails[id] = e
	return e, nil
}

func (s *memStore) update(id string, fn func(*models.QueuedEmail)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.emails[id]
	fn(&e)
	s.emails[id] = e
}

func (s *memStore) MarkEmailSent(_ context.Context, id, messageID string, now time.Time) error {
	s.update(id, func(e *models.QueuedEmail) {
		e.Status = models.EmailSent
		e.MessageID = &messageID
		e.SentAt = &now
		e.LastError = nil
		e.UpdatedAt = now
	})
	return nil
}

func (s *memStore) MarkEmailFailed(_ context.Context, id, reason string, next time.Time) error {
	s.update(id, func(e *models.QueuedEmail) {
		e.Status = models.EmailFailed
		e.LastError = &reason
		e.ScheduledFor = next
	})
	return nil
}

func (s *memStore) MarkEmailPermanentlyFailed(_ context.Context, id, reason string) error {
	s.update(id, func(e *models.QueuedEmail) {
		e.Status = models.EmailPermanentlyFailed
		e.LastError = &reason
	})
	return nil
}

func (s *memStore) ResetEmail(_ context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.emails[id]
	if !ok {
		return false, nil
	}
	e.Status = models.EmailPending
	e.Attempts = 0
	e.LastError = nil
	e.ScheduledFor = now
	e.UpdatedAt = now
	s.emails[id] = e
	return true, nil
}

func (s *memStore) ResurfaceFailedEmails(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, e := range s.emails {
		if e.Status == models.EmailFailed && !e.ScheduledFor.After(now) && e.Attempts < e.MaxAttempts {
			e.Status = models.EmailPending
			e.UpdatedAt = now
			s.emails[id] = e
			n++
		}
	}
	return n, nil
}

func (s *memStore) ReclaimStaleSending(_ context.Context, before, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, e := range s.emails {
		if e.Status == models.EmailSending && e.UpdatedAt.Before(before) {
			if e.Attempts < e.MaxAttempts {
				e.Status = models.EmailFailed
			} else {
				e.Status = models.EmailPermanentlyFailed
			}
			e.ScheduledFor = now
			e.UpdatedAt = now
			s.emails[id] = e
			n++
		}
	}
	return n, nil
}

func (s *memStore) DeleteEmailsBefore(_ context.Context, statuses []models.EmailStatus, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, e := range s.emails {
		for _, st := range statuses {
			if e.Status == st && e.UpdatedAt.Before(before) {
				delete(s.emails, id)
				n++
				break
			}
		}
	}
	return n, nil
}

func (s *memStore) CountEmailsByStatus(context.Context) (map[models.EmailStatus]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[models.EmailStatus]int64{}
	for _, e := range s.emails {
		out[e.Status]++
	}
	return out, nil
}

type fakeTransport struct {
	mu       sync.Mutex
	sent     []models.QueuedEmail
	inflight atomic.Int32
	peak     atomic.Int32
	fail     func(e models.QueuedEmail) error
	closed   atomic.Bool
}

func (t *fakeTransport) Send(_ context.Context, e models.QueuedEmail) (string, error) {
	if n := t.inflight.Add(1); n > t.peak.Load() {
		t.peak.Store(n)
	}
	defer t.inflight.Add(-1)
	if t.fail != nil {
		if err := t.fail(e); err != nil {
			return "", err
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, e)
	return "<msg-" + e.ID + "@test>", nil
}

func (t *fakeTransport) Close() error { t.closed.Store(true); return nil }

func (t *fakeTransport) sentSubjects() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, e := range t.sent {
		out = append(out, e.Subject)
	}
	return out
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestQueue(t *testing.T, cfg Config) (*Queue, *memStore, *fakeTransport, *testClock) {
	t.Helper()
	st := newMemStore()
	tr := &fakeTransport{}
	clock := &testClock{t: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
	if cfg.From == "" {
		cfg.From = "Farmestly <reports@farmestly.test>"
	}
	q := New(cfg, st, tr, logger.Discard())
	q.now = clock.Now
	return q, st, tr, clock
}

func msg(subject string, priority int) Message {
	return Message{To: "farmer@example.com", Subject: subject, HTML: "<p>Your <b>report</b> is ready</p>", Priority: priority}
}

func TestEnqueueValidates(t *testing.T) {
	q, _, _, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, Message{Subject: "s", HTML: "<p>x</p>"})
	assert.ErrorIs(t, err, ErrInvalidMessage)
	_, err = q.Enqueue(ctx, Message{To: "a@b.c", HTML: "<p>x</p>"})
	assert.ErrorIs(t, err, ErrInvalidMessage)
	_, err = q.Enqueue(ctx, Message{To: "a@b.c", Subject: "s", HTML: "   "})
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestEnqueueDefaults(t *testing.T) {
	q, st, _, clock := newTestQueue(t, Config{})
	m := msg("Report", 0)
	m.Attachments = []models.EmailAttachment{{Filename: "/tmp/out/farm-report.pdf", Content: []byte("%PDF-1.4")}}

	id, err := q.Enqueue(context.Background(), m)
	require.NoError(t, err)

	e, err := st.GetEmail(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.EmailPending, e.Status)
	assert.Equal(t, 5, e.MaxAttempts)
	assert.Equal(t, 0, e.Priority)
	assert.Equal(t, clock.Now(), e.ScheduledFor)
	assert.Equal(t, "Farmestly <reports@farmestly.test>", e.From)
	assert.Contains(t, e.Text, "Your report is ready")
	assert.NotContains(t, e.Text, "<b>")
	require.Len(t, e.Attachments, 1)
	assert.Equal(t, "farm-report.pdf", e.Attachments[0].Filename)
	assert.Equal(t, "application/pdf", e.Attachments[0].ContentType)
	assert.Equal(t, []byte("%PDF-1.4"), e.Attachments[0].Content)
}

func TestRetryDelay(t *testing.T) {
	cases := map[int]time.Duration{
		0:  60 * time.Second,
		1:  60 * time.Second,
		2:  120 * time.Second,
		3:  240 * time.Second,
		4:  480 * time.Second,
		6:  1920 * time.Second,
		7:  time.Hour,
		20: time.Hour,
	}
	for attempts, want := range cases {
		assert.Equal(t, want, RetryDelay(attempts), "attempts=%d", attempts)
	}
}

func TestTransientFailuresBackOffUntilExhausted(t *testing.T) {
	q, st, tr, clock := newTestQueue(t, Config{MaxAttempts: 5})
	tr.fail = func(models.QueuedEmail) error { return errors.New("dial tcp: connection refused") }
	ctx := context.Background()

	id, err := q.Enqueue(ctx, msg("retry me", 0))
	require.NoError(t, err)

	var delays []time.Duration
	for attempt := 1; attempt <= 4; attempt++ {
		n, err := q.ProcessDue(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		e, _ := st.GetEmail(ctx, id)
		assert.Equal(t, models.EmailFailed, e.Status, "attempt %d", attempt)
		assert.Equal(t, attempt, e.Attempts)
		delay := e.ScheduledFor.Sub(clock.Now())
		delays = append(delays, delay)

		clock.Advance(delay - time.Second)
		require.NoError(t, q.RetrySweep(ctx))
		n, err = q.ProcessDue(ctx)
		require.NoError(t, err)
		assert.Zero(t, n, "not due before backoff elapses")

		clock.Advance(time.Second)
		require.NoError(t, q.RetrySweep(ctx))
	}
	assert.Equal(t, []time.Duration{60 * time.Second, 120 * time.Second, 240 * time.Second, 480 * time.Second}, delays)

	_, err = q.ProcessDue(ctx)
	require.NoError(t, err)
	e, _ := st.GetEmail(ctx, id)
	assert.Equal(t, models.EmailPermanentlyFailed, e.Status)
	assert.Equal(t, 5, e.Attempts)
	require.NotNil(t, e.LastError)
	assert.Contains(t, *e.LastError, "connection refused")
}

func TestPermanentFailureShortCircuits(t *testing.T) {
	q, st, tr, _ := newTestQueue(t, Config{})
	tr.fail = func(models.QueuedEmail) error {
		return &textproto.Error{Code: 550, Msg: "5.1.1 mailbox not found"}
	}
	ctx := context.Background()

	id, err := q.Enqueue(ctx, msg("bad address", 0))
	require.NoError(t, err)
	_, err = q.ProcessDue(ctx)
	require.NoError(t, err)

	e, _ := st.GetEmail(ctx, id)
	assert.Equal(t, models.EmailPermanentlyFailed, e.Status)
	assert.Equal(t, 1, e.Attempts)
}

func TestGreylistingReplyIsRetried(t *testing.T) {
	q, st, tr, _ := newTestQueue(t, Config{})
	tr.fail = func(models.QueuedEmail) error {
		return &textproto.Error{Code: 450, Msg: "4.2.1 Requested mail action not taken: mailbox unavailable"}
	}
	ctx := context.Background()

	id, err := q.Enqueue(ctx, msg("greylisted", 0))
	require.NoError(t, err)
	_, err = q.ProcessDue(ctx)
	require.NoError(t, err)

	e, _ := st.GetEmail(ctx, id)
	assert.Equal(t, models.EmailFailed, e.Status)
	assert.Equal(t, 1, e.Attempts)
}

func TestSweepOrderIsPriorityThenSchedule(t *testing.T) {
	q, _, tr, clock := newTestQueue(t, Config{BatchSize: 10})
	ctx := context.Background()
	start := clock.Now()

	for _, m := range []Message{
		{To: "a@b.c", Subject: "low-old", HTML: "x", ScheduledFor: start.Add(-time.Hour)},
		{To: "a@b.c", Subject: "high", HTML: "x", Priority: 5, ScheduledFor: start.Add(-time.Minute)},
		{To: "a@b.c", Subject: "low-new", HTML: "x", ScheduledFor: start.Add(-time.Minute)},
		{To: "a@b.c", Subject: "mid", HTML: "x", Priority: 1, ScheduledFor: start.Add(-time.Minute)},
		{To: "a@b.c", Subject: "future", HTML: "x", Priority: 9, ScheduledFor: start.Add(time.Hour)},
	} {
		_, err := q.Enqueue(ctx, m)
		require.NoError(t, err)
	}

	n, err := q.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []string{"high", "mid", "low-old", "low-new"}, tr.sentSubjects())
	assert.EqualValues(t, 1, tr.peak.Load(), "sends are sequential")
}

func TestBatchSizeLimitsSweep(t *testing.T) {
	q, _, tr, _ := newTestQueue(t, Config{BatchSize: 2})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, msg("m", 0))
		require.NoError(t, err)
	}
	n, err := q.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, tr.sentSubjects(), 2)
}

func TestPriorityWakesIdleQueue(t *testing.T) {
	q, _, tr, _ := newTestQueue(t, Config{SweepInterval: time.Hour, RetryInterval: time.Hour, CleanupInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	t.Cleanup(func() { _ = q.Shutdown(context.Background()) })

	_, err := q.Enqueue(ctx, msg("normal", 0))
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, tr.sentSubjects(), "priority 0 waits for the scheduled sweep")

	_, err = q.Enqueue(ctx, msg("urgent", 1))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return len(tr.sentSubjects()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "urgent", tr.sentSubjects()[0])
}

func TestRetryEmail(t *testing.T) {
	q, st, tr, _ := newTestQueue(t, Config{})
	ctx := context.Background()
	fail := true
	tr.fail = func(models.QueuedEmail) error {
		if fail {
			return errors.New("550 user unknown")
		}
		return nil
	}

	id, err := q.Enqueue(ctx, msg("again", 0))
	require.NoError(t, err)
	_, err = q.ProcessDue(ctx)
	require.NoError(t, err)
	e, _ := st.GetEmail(ctx, id)
	require.Equal(t, models.EmailPermanentlyFailed, e.Status)

	fail = false
	require.NoError(t, q.RetryEmail(ctx, id))
	e, _ = st.GetEmail(ctx, id)
	assert.Equal(t, models.EmailPending, e.Status)
	assert.Zero(t, e.Attempts)
	assert.Nil(t, e.LastError)

	_, err = q.ProcessDue(ctx)
	require.NoError(t, err)
	e, _ = st.GetEmail(ctx, id)
	assert.Equal(t, models.EmailSent, e.Status)
	require.NotNil(t, e.MessageID)

	assert.ErrorIs(t, q.RetryEmail(ctx, "missing"), models.ErrNotFound)
}

func TestRetrySweepReclaimsStaleSending(t *testing.T) {
	q, st, _, clock := newTestQueue(t, Config{StaleSending: 10 * time.Minute})
	ctx := context.Background()
	id, err := q.Enqueue(ctx, msg("stuck", 0))
	require.NoError(t, err)
	_, err = st.ClaimEmail(ctx, id, clock.Now())
	require.NoError(t, err)

	clock.Advance(11 * time.Minute)
	require.NoError(t, q.RetrySweep(ctx))
	e, _ := st.GetEmail(ctx, id)
	assert.Equal(t, models.EmailFailed, e.Status)

	require.NoError(t, q.RetrySweep(ctx))
	e, _ = st.GetEmail(ctx, id)
	assert.Equal(t, models.EmailPending, e.Status)
}

func TestCleanupRemovesOldFinishedEmails(t *testing.T) {
	q, st, _, clock := newTestQueue(t, Config{Retention: 24 * time.Hour})
	ctx := context.Background()
	sent, err := q.Enqueue(ctx, msg("sent", 0))
	require.NoError(t, err)
	pending, err := q.Enqueue(ctx, msg("pending", 0))
	require.NoError(t, err)
	_, err = st.ClaimEmail(ctx, sent, clock.Now())
	require.NoError(t, err)
	require.NoError(t, st.MarkEmailSent(ctx, sent, "<id>", clock.Now()))

	clock.Advance(25 * time.Hour)
	require.NoError(t, q.Cleanup(ctx))

	_, err = st.GetEmail(ctx, sent)
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = st.GetEmail(ctx, pending)
	assert.NoError(t, err)
}

type denyLocker struct{}

func (denyLocker) TryLock(context.Context, string, time.Duration) (func(context.Context) error, bool, error) {
	return nil, false, nil
}

func TestSweepSkipsWhenLockHeldElsewhere(t *testing.T) {
	q, _, tr, _ := newTestQueue(t, Config{})
	q.UseLocker(denyLocker{})
	_, err := q.Enqueue(context.Background(), msg("m", 0))
	require.NoError(t, err)

	n, err := q.ProcessDue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, tr.sentSubjects())
}

func TestShutdownClosesTransport(t *testing.T) {
	q, _, tr, _ := newTestQueue(t, Config{})
	q.Start(context.Background())
	require.NoError(t, q.Shutdown(context.Background()))
	assert.True(t, tr.closed.Load())
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(&textproto.Error{Code: 550, Msg: "no"}))
	assert.True(t, IsPermanent(&textproto.Error{Code: 553, Msg: "no"}))
	assert.False(t, IsPermanent(&textproto.Error{Code: 421, Msg: "try later"}))
	assert.False(t, IsPermanent(&textproto.Error{Code: 450, Msg: "4.2.1 Requested mail action not taken: mailbox unavailable"}))
	assert.False(t, IsPermanent(fmt.Errorf("smtp send: %w", &textproto.Error{Code: 452, Msg: "user does not exist yet"})))
	assert.True(t, IsPermanent(&textproto.Error{Code: 554, Msg: "5.7.1 recipient address rejected"}))
	assert.False(t, IsPermanent(&textproto.Error{Code: 554, Msg: "transaction failed"}))
	assert.True(t, IsPermanent(errors.New("recipient address rejected: invalid domain")))
	assert.True(t, IsPermanent(Permanent(errors.New("anything"))))
	assert.False(t, IsPermanent(errors.New("i/o timeout")))
	assert.False(t, IsPermanent(nil))
}
