package report

import (
	"context"
	"sort"
	"sync"
	"time"

	"farmestly-reports/internal/mailqueue"
	"farmestly-reports/internal/models"
	"farmestly-reports/internal/notify"
	"farmestly-reports/internal/render"
)

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

// memJobs follows the same guarded-update rules as the Postgres store.
type memJobs struct {
	mu   sync.Mutex
	jobs map[string]models.ReportJob
	now  func() time.Time
}

func newMemJobs(now func() time.Time) *memJobs {
	return &memJobs{jobs: map[string]models.ReportJob{}, now: now}
}

func (r *memJobs) CancelActiveAndInsert(_ context.Context, job models.ReportJob) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var cancelled []string
	for id, j := range r.jobs {
		if j.AccountID == job.AccountID && j.Status.Active() {
			j.Status = models.StatusCancelled
			j.UpdatedAt = r.now()
			r.jobs[id] = j
			cancelled = append(cancelled, id)
		}
	}
	job.Status = models.StatusPending
	r.jobs[job.JobID] = job
	return cancelled, nil
}

func (r *memJobs) GetJob(_ context.Context, jobID string) (models.ReportJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok {
		return models.ReportJob{}, models.ErrNotFound
	}
	return j, nil
}

func (r *memJobs) GetJobForAccount(ctx context.Context, jobID, accountID string) (models.ReportJob, error) {
	j, err := r.GetJob(ctx, jobID)
	if err != nil || j.AccountID != accountID {
		return models.ReportJob{}, models.ErrNotFound
	}
	return j, nil
}

func (r *memJobs) TransitionJob(_ context.Context, jobID string, to models.JobStatus, update models.JobUpdate) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok || !models.CanTransition(j.Status, to) {
		return false, nil
	}
	j.Status = to
	if update.Result != nil {
		res := *update.Result
		j.Result = &res
	}
	j.Error = update.Error
	j.UpdatedAt = r.now()
	r.jobs[jobID] = j
	return true, nil
}

func (r *memJobs) LatestCompleted(_ context.Context, accountID string) (models.ReportJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *models.ReportJob
	for _, j := range r.jobs {
		j := j
		if j.AccountID == accountID && j.Status == models.StatusCompleted && j.Result != nil && j.Result.DownloadKey != "" {
			if best == nil || j.CreatedAt.After(best.CreatedAt) {
				best = &j
			}
		}
	}
	if best == nil {
		return models.ReportJob{}, models.ErrNotFound
	}
	return *best, nil
}

func hasArtifacts(j models.ReportJob) bool {
	return j.Result != nil && (j.Result.DownloadKey != "" || j.Result.PreviewKey != "")
}

func (r *memJobs) TerminalWithArtifactsBefore(_ context.Context, before time.Time, limit int) ([]models.ReportJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.ReportJob
	for _, j := range r.jobs {
		if j.Status.Terminal() && j.CreatedAt.Before(before) && hasArtifacts(j) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memJobs) RetainArtifacts(_ context.Context, jobID string, result models.JobResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok || j.Status != models.StatusCancelled {
		return models.ErrNotFound
	}
	j.Result = &result
	j.UpdatedAt = r.now()
	r.jobs[jobID] = j
	return nil
}

func (r *memJobs) ClearArtifacts(_ context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j := r.jobs[jobID]
	if j.Result != nil {
		res := *j.Result
		res.DownloadKey, res.DownloadURL, res.PreviewKey, res.PreviewURL = "", "", "", ""
		j.Result = &res
	}
	r.jobs[jobID] = j
	return nil
}

func (r *memJobs) DeleteTerminalBefore(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, j := range r.jobs {
		if j.Status.Terminal() && j.CreatedAt.Before(before) && !hasArtifacts(j) {
			delete(r.jobs, id)
			n++
		}
	}
	return n, nil
}

func (r *memJobs) FailStale(_ context.Context, before time.Time, reason string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, j := range r.jobs {
		if j.Status.Active() && j.UpdatedAt.Before(before) {
			j.Status = models.StatusFailed
			j.Error = &reason
			j.UpdatedAt = r.now()
			r.jobs[id] = j
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (r *memJobs) activeFor(accountID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, j := range r.jobs {
		if j.AccountID == accountID && j.Status.Active() {
			n++
		}
	}
	return n
}

func (r *memJobs) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

type memRecords struct {
	records []models.FieldJob
	lookups models.Lookups
}

func (r *memRecords) match(f models.RecordFilter) []models.FieldJob {
	var out []models.FieldJob
	for _, rec := range r.records {
		if rec.AccountID != f.AccountID {
			continue
		}
		if f.From != nil && rec.StartedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && rec.StartedAt.After(*f.To) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func (r *memRecords) CountFieldJobs(_ context.Context, f models.RecordFilter) (int, error) {
	return len(r.match(f)), nil
}

func (r *memRecords) ListFieldJobs(_ context.Context, f models.RecordFilter, limit int) ([]models.FieldJob, error) {
	out := r.match(f)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRecords) Lookups(context.Context, string) (models.Lookups, error) {
	if r.lookups.Fields == nil {
		return models.NewLookups(), nil
	}
	return r.lookups, nil
}

type memAccounts map[string]models.Account

func (a memAccounts) GetAccount(_ context.Context, id string) (models.Account, error) {
	acct, ok := a[id]
	if !ok {
		return models.Account{}, models.ErrNotFound
	}
	return acct, nil
}

type fakeRenderer struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, html string) (render.Result, error)
}

func (r *fakeRenderer) Submit(ctx context.Context, html string, _ render.Options) (render.Result, error) {
	r.mu.Lock()
	r.calls++
	fn := r.fn
	r.mu.Unlock()
	if fn != nil {
		return fn(ctx, html)
	}
	return render.Result{PDF: []byte("%PDF-1.4 fake report")}, nil
}

func (r *fakeRenderer) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fakeMailer struct {
	mu   sync.Mutex
	msgs []mailqueue.Message
	err  error
}

func (m *fakeMailer) Enqueue(_ context.Context, msg mailqueue.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.msgs = append(m.msgs, msg)
	return "email-" + msg.To, nil
}

func (m *fakeMailer) sent() []mailqueue.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mailqueue.Message(nil), m.msgs...)
}

type recordingDispatcher struct {
	mu         sync.Mutex
	dispatched []string
	revoked    []string
	err        error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, jobID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.dispatched = append(d.dispatched, jobID)
	return nil
}

func (d *recordingDispatcher) Revoke(_ context.Context, ids ...string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.revoked = append(d.revoked, ids...)
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev notify.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) statusesFor(jobID string) []models.JobStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.JobStatus
	for _, ev := range p.events {
		if ev.JobID == jobID {
			out = append(out, ev.Status)
		}
	}
	return out
}
