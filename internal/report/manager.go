package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"farmestly-reports/internal/config"
	"farmestly-reports/internal/mailqueue"
	"farmestly-reports/internal/models"
	"farmestly-reports/internal/notify"
	"farmestly-reports/internal/render"
	"farmestly-reports/internal/reporthtml"
	"farmestly-reports/internal/telemetry"
)

// JobRepository persists report jobs.
type JobRepository interface {
	CancelActiveAndInsert(ctx context.Context, job models.ReportJob) ([]string, error)
	GetJob(ctx context.Context, jobID string) (models.ReportJob, error)
	GetJobForAccount(ctx context.Context, jobID, accountID string) (models.ReportJob, error)
	TransitionJob(ctx context.Context, jobID string, to models.JobStatus, update models.JobUpdate) (bool, error)
	LatestCompleted(ctx context.Context, accountID string) (models.ReportJob, error)
	TerminalWithArtifactsBefore(ctx context.Context, before time.Time, limit int) ([]models.ReportJob, error)
	RetainArtifacts(ctx context.Context, jobID string, result models.JobResult) error
	ClearArtifacts(ctx context.Context, jobID string) error
	DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error)
	FailStale(ctx context.Context, before time.Time, reason string) ([]string, error)
}

// RecordSource reads the farm records a report is built from.
type RecordSource interface {
	CountFieldJobs(ctx context.Context, f models.RecordFilter) (int, error)
	ListFieldJobs(ctx context.Context, f models.RecordFilter, limit int) ([]models.FieldJob, error)
	Lookups(ctx context.Context, accountID string) (models.Lookups, error)
}

// AccountSource resolves the requesting account.
type AccountSource interface {
	GetAccount(ctx context.Context, id string) (models.Account, error)
}

// ArtifactStore keeps generated PDFs behind signed URLs.
type ArtifactStore interface {
	Save(ctx context.Context, key string, body []byte, contentType string) (string, error)
	SignedURL(key string) (string, time.Time, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) (bool, error)
	TTL() time.Duration
}

// Renderer turns HTML into a PDF.
type Renderer interface {
	Submit(ctx context.Context, html string, opts render.Options) (render.Result, error)
}

// Mailer accepts outbound email.
type Mailer interface {
	Enqueue(ctx context.Context, m mailqueue.Message) (string, error)
}

// Dispatcher hands a created job to whatever runs ProcessJob.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
}

// Revoker is implemented by dispatchers that can drop superseded jobs before they start.
type Revoker interface {
	Revoke(ctx context.Context, jobIDs ...string) error
}

// StatusPublisher broadcasts job status changes.
type StatusPublisher interface {
	Publish(ctx context.Context, ev notify.Event) error
}

// Config holds the lifecycle limits.
type Config struct {
	MaxRecordsTotal    int
	MaxEmailRecords    int
	MaxAttachmentBytes int
	JobRetention       time.Duration
	StaleAfter         time.Duration
	// ProcessTimeout bounds one ProcessJob run. It stays below StaleAfter so the
	// reaper only sees jobs whose worker died.
	ProcessTimeout time.Duration
	Location       *time.Location
	Render         render.Options
	PreviewWidth   int
}

// ConfigFrom maps process config onto manager settings.
func ConfigFrom(cfg config.Config) (Config, error) {
	loc, err := time.LoadLocation(cfg.Report.Timezone)
	if err != nil {
		return Config{}, fmt.Errorf("load timezone %q: %w", cfg.Report.Timezone, err)
	}
	return Config{
		MaxRecordsTotal:    cfg.Report.MaxRecordsTotal,
		MaxEmailRecords:    cfg.Report.MaxEmailRecords,
		MaxAttachmentBytes: cfg.Report.MaxAttachmentBytes,
		JobRetention:       cfg.Report.JobRetention,
		StaleAfter:         cfg.Report.StaleAfter,
		ProcessTimeout:     cfg.Report.StaleAfter * 2 / 3,
		Location:           loc,
		Render: render.Options{
			Format:    cfg.Render.PageFormat,
			Landscape: cfg.Render.Landscape,
			Preview:   cfg.Render.Preview,
		},
		PreviewWidth: cfg.Render.PreviewWidth,
	}, nil
}

func (c *Config) defaults() {
	if c.MaxRecordsTotal <= 0 {
		c.MaxRecordsTotal = 10000
	}
	if c.MaxEmailRecords <= 0 {
		c.MaxEmailRecords = 500
	}
	if c.MaxAttachmentBytes <= 0 {
		c.MaxAttachmentBytes = 10 * 1024 * 1024
	}
	if c.JobRetention <= 0 {
		c.JobRetention = 24 * time.Hour
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 15 * time.Minute
	}
	if c.ProcessTimeout <= 0 || c.ProcessTimeout >= c.StaleAfter {
		c.ProcessTimeout = c.StaleAfter * 2 / 3
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
}

// Deps are the collaborators of a Manager. Renderer and Mailer are only needed by
// processes that run ProcessJob; Dispatcher only by processes that create jobs.
type Deps struct {
	Jobs       JobRepository
	Records    RecordSource
	Accounts   AccountSource
	Artifacts  ArtifactStore
	Renderer   Renderer
	Mailer     Mailer
	Dispatcher Dispatcher
	Publisher  StatusPublisher
	Logger     *slog.Logger
}

// Manager owns the report job lifecycle.
type Manager struct {
	cfg        Config
	jobs       JobRepository
	records    RecordSource
	accounts   AccountSource
	artifacts  ArtifactStore
	renderer   Renderer
	mailer     Mailer
	dispatcher Dispatcher
	publisher  StatusPublisher
	logger     *slog.Logger
	now        func() time.Time
}

// NewManager wires a manager.
func NewManager(cfg Config, deps Deps) *Manager {
	cfg.defaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:        cfg,
		jobs:       deps.Jobs,
		records:    deps.Records,
		accounts:   deps.Accounts,
		artifacts:  deps.Artifacts,
		renderer:   deps.Renderer,
		mailer:     deps.Mailer,
		dispatcher: deps.Dispatcher,
		publisher:  deps.Publisher,
		logger:     logger.With("component", "report_manager"),
		now:        time.Now,
	}
}

// UseDispatcher sets the dispatcher after construction, for dispatchers that need
// the manager themselves.
func (m *Manager) UseDispatcher(d Dispatcher) { m.dispatcher = d }

func (m *Manager) account(ctx context.Context, accountID string) (models.Account, error) {
	acct, err := m.accounts.GetAccount(ctx, accountID)
	if errors.Is(err, models.ErrNotFound) {
		return models.Account{}, ErrAccountNotFound
	}
	if err != nil {
		return models.Account{}, fmt.Errorf("load account: %w", err)
	}
	return acct, nil
}

// CreateJob supersedes the account's active job, if any, stores a new pending job
// and dispatches it. Errors here are returned to the caller.
func (m *Manager) CreateJob(ctx context.Context, accountID string, p models.ReportParams) (models.ReportJob, error) {
	if _, err := models.ParseDelivery(string(p.Delivery)); err != nil {
		return models.ReportJob{}, fail(CodeInvalidDelivery, err)
	}
	acct, err := m.account(ctx, accountID)
	if err != nil {
		return models.ReportJob{}, err
	}
	if p.Delivery == models.DeliveryEmail {
		if acct.Email == "" {
			return models.ReportJob{}, fail(CodeEmailRequired, nil)
		}
		if !acct.EmailVerified {
			return models.ReportJob{}, fail(CodeEmailNotVerified, nil)
		}
	}
	if m.dispatcher == nil {
		return models.ReportJob{}, errors.New("report dispatcher not configured")
	}

	now := m.now().UTC()
	job := models.ReportJob{
		JobID:      uuid.NewString(),
		AccountID:  accountID,
		Status:     models.StatusPending,
		Delivery:   p.Delivery,
		ReportType: p.ReportType,
		DateRange:  p.DateRange,
		StartDate:  p.StartDate,
		EndDate:    p.EndDate,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	cancelled, err := m.jobs.CancelActiveAndInsert(ctx, job)
	if err != nil {
		return models.ReportJob{}, fmt.Errorf("create report job: %w", err)
	}
	telemetry.ReportsCreated.Inc()
	log := m.logger.With("job_id", job.JobID, "account_id", accountID)

	if len(cancelled) > 0 {
		telemetry.ReportsSuperseded.Add(float64(len(cancelled)))
		log.Info("superseded active report jobs", "cancelled", cancelled)
		if r, ok := m.dispatcher.(Revoker); ok {
			if err := r.Revoke(ctx, cancelled...); err != nil {
				log.Warn("revoke superseded jobs", "error", err)
			}
		}
		for _, id := range cancelled {
			m.publish(ctx, notify.Event{JobID: id, Status: models.StatusCancelled})
		}
	}

	if err := m.dispatcher.Dispatch(ctx, job.JobID); err != nil {
		reason := string(CodeInternal)
		if _, terr := m.jobs.TransitionJob(context.WithoutCancel(ctx), job.JobID, models.StatusFailed, models.JobUpdate{Error: &reason}); terr != nil {
			log.Error("fail undispatched job", "error", terr)
		}
		return models.ReportJob{}, fmt.Errorf("dispatch report job: %w", err)
	}
	log.Info("report job created", "delivery", job.Delivery, "report_type", job.ReportType, "date_range", job.DateRange)
	return job, nil
}

// GetJobForAccount returns the job only when accountID owns it.
func (m *Manager) GetJobForAccount(ctx context.Context, jobID, accountID string) (models.ReportJob, error) {
	job, err := m.jobs.GetJobForAccount(ctx, jobID, accountID)
	if errors.Is(err, models.ErrNotFound) {
		return models.ReportJob{}, ErrJobNotFound
	}
	return job, err
}

// ProcessJob runs a pending job to a terminal state. It never returns an error:
// every failure, including a panic, ends up as a failed job.
func (m *Manager) ProcessJob(ctx context.Context, jobID string) {
	start := m.now()
	log := m.logger.With("job_id", jobID)
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProcessTimeout)
	defer cancel()

	var saved []string
	defer func() {
		if r := recover(); r != nil {
			log.Error("report processing panicked", "panic", r, "stack", string(debug.Stack()))
			m.discard(ctx, saved, log)
			m.markFailed(ctx, jobID, fail(CodeInternal, fmt.Errorf("panic: %v", r)), log)
		}
	}()

	job, err := m.jobs.GetJob(ctx, jobID)
	if err != nil {
		log.Error("load report job", "error", err)
		return
	}
	log = log.With("account_id", job.AccountID)

	ok, err := m.jobs.TransitionJob(ctx, jobID, models.StatusProcessing, models.JobUpdate{})
	if err != nil {
		log.Error("mark report job processing", "error", err)
		m.markFailed(ctx, jobID, err, log)
		return
	}
	if !ok {
		log.Info("report job is no longer pending, skipping", "status", job.Status)
		return
	}
	m.publish(ctx, notify.Event{JobID: jobID, Status: models.StatusProcessing})
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	result, err := m.run(ctx, job, &saved, log)
	defer func() { telemetry.ReportDuration.Observe(m.now().Sub(start).Seconds()) }()
	if errors.Is(err, errSuperseded) {
		m.discard(ctx, saved, log)
		log.Info("report job superseded during processing")
		return
	}
	if err != nil {
		m.discard(ctx, saved, log)
		m.markFailed(ctx, jobID, err, log)
		return
	}

	wctx := context.WithoutCancel(ctx)
	ok, err = m.jobs.TransitionJob(wctx, jobID, models.StatusCompleted, models.JobUpdate{Result: result})
	if err != nil {
		log.Error("mark report job completed", "error", err)
		m.discard(ctx, saved, log)
		m.markFailed(ctx, jobID, err, log)
		return
	}
	if !ok {
		// Cancelled after the last checkpoint. Cancelled is terminal, so the result is
		// dropped, unless a queued email already links to the stored file.
		if result.EmailSent && !result.AttachedInline && result.DownloadKey != "" {
			if err := m.jobs.RetainArtifacts(wctx, jobID, *result); err != nil {
				log.Warn("record artifacts of superseded job", "error", err)
			}
			log.Info("report job superseded after queueing a link email, keeping artifact", "key", result.DownloadKey)
			return
		}
		m.discard(ctx, saved, log)
		log.Info("report job superseded after its last checkpoint, discarding result")
		return
	}
	telemetry.ReportsFinished.WithLabelValues(string(models.StatusCompleted), "").Inc()
	m.publish(wctx, notify.Event{JobID: jobID, Status: models.StatusCompleted, Result: result})
	log.Info("report job completed",
		"records", result.RecordCount,
		"pages", result.PageCount,
		"email_sent", result.EmailSent,
		"download", result.DownloadKey != "",
		"duration", m.now().Sub(start))
}

// run does the work between the processing and terminal transitions. Keys of stored
// files are appended to saved so the caller can remove them if the job does not complete.
func (m *Manager) run(ctx context.Context, job models.ReportJob, saved *[]string, log *slog.Logger) (*models.JobResult, error) {
	params := job.Params()
	filter := Filter(job.AccountID, params, m.now(), m.cfg.Location)

	count, err := m.records.CountFieldJobs(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}
	if count > m.cfg.MaxRecordsTotal {
		return nil, fail(CodeTooManyRecords, fmt.Errorf("%d records exceed the limit of %d", count, m.cfg.MaxRecordsTotal))
	}
	if params.Delivery == models.DeliveryEmail && count > m.cfg.MaxEmailRecords {
		return nil, fail(CodeTooManyRecordsForEmail, fmt.Errorf("%d records exceed the email limit of %d", count, m.cfg.MaxEmailRecords))
	}

	acct, err := m.account(ctx, job.AccountID)
	if err != nil {
		return nil, err
	}
	if err := m.checkpoint(ctx, job.JobID); err != nil {
		return nil, err
	}

	records, err := m.records.ListFieldJobs(ctx, filter, m.cfg.MaxRecordsTotal)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	lookups, err := m.records.Lookups(ctx, job.AccountID)
	if err != nil {
		return nil, fmt.Errorf("load lookups: %w", err)
	}
	if err := m.checkpoint(ctx, job.JobID); err != nil {
		return nil, err
	}

	html, err := reporthtml.Render(reporthtml.Data{
		FarmName:    acct.FarmName,
		ReportType:  params.ReportType,
		From:        filter.From,
		To:          filter.To,
		GeneratedAt: m.now(),
		Location:    m.cfg.Location,
		Records:     records,
		Lookups:     lookups,
	})
	if err != nil {
		return nil, fail(CodeInternal, err)
	}

	rendered, err := m.renderer.Submit(ctx, html, m.cfg.Render)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fail(CodeProcessingTimeout, err)
		}
		return nil, fail(CodeRenderFailed, err)
	}
	result := &models.JobResult{RecordCount: len(records)}
	if pages, err := render.PageCount(rendered.PDF); err == nil {
		result.PageCount = pages
	} else {
		log.Debug("could not read pdf page count", "error", err)
	}
	if err := m.checkpoint(ctx, job.JobID); err != nil {
		return nil, err
	}

	emailable, skipReason := emailAllowed(params.Delivery, acct)
	if params.Delivery == models.DeliveryEmail && !emailable {
		return nil, fail(skipReason, nil)
	}
	tooLargeToAttach := len(records) > m.cfg.MaxEmailRecords || len(rendered.PDF) > m.cfg.MaxAttachmentBytes

	var linkExpires time.Time
	if params.Delivery.WantsDownload() || (emailable && tooLargeToAttach) {
		if linkExpires, err = m.storeArtifacts(ctx, job, rendered, result, saved, log); err != nil {
			return nil, err
		}
	}

	if params.Delivery.WantsEmail() {
		if !emailable {
			result.EmailError = string(skipReason)
		} else {
			if err := m.checkpoint(ctx, job.JobID); err != nil {
				return nil, err
			}
			id, err := m.enqueueEmail(ctx, job, acct, rendered.PDF, !tooLargeToAttach, result, linkExpires, filter)
			switch {
			case err == nil:
				result.EmailSent = true
				result.EmailID = id
				result.AttachedInline = !tooLargeToAttach
			case params.Delivery == models.DeliveryEmail:
				return nil, fail(CodeEmailFailed, err)
			default:
				log.Warn("report email could not be queued, download still available", "error", err)
				result.EmailError = err.Error()
			}
		}
	}
	return result, nil
}

func (m *Manager) storeArtifacts(ctx context.Context, job models.ReportJob, rendered render.Result, result *models.JobResult, saved *[]string, log *slog.Logger) (time.Time, error) {
	key, err := m.artifacts.Save(ctx, "report-"+job.JobID+".pdf", rendered.PDF, "application/pdf")
	if err != nil {
		return time.Time{}, fail(CodeStorageFailed, err)
	}
	*saved = append(*saved, key)
	url, expires, err := m.artifacts.SignedURL(key)
	if err != nil {
		return time.Time{}, fail(CodeStorageFailed, err)
	}
	result.DownloadKey = key
	result.DownloadURL = url

	if len(rendered.Preview) == 0 {
		return expires, nil
	}
	// The preview is decoration; failing to produce it never fails the job.
	thumb, err := render.Thumbnail(rendered.Preview, m.cfg.PreviewWidth)
	if err != nil {
		log.Warn("report preview thumbnail", "error", err)
		return expires, nil
	}
	previewKey, err := m.artifacts.Save(ctx, "report-"+job.JobID+"-preview.jpg", thumb, "image/jpeg")
	if err != nil {
		log.Warn("save report preview", "error", err)
		return expires, nil
	}
	*saved = append(*saved, previewKey)
	if previewURL, _, err := m.artifacts.SignedURL(previewKey); err == nil {
		result.PreviewKey = previewKey
		result.PreviewURL = previewURL
	}
	return expires, nil
}

// emailAllowed decides whether the account can receive the report by email and,
// if not, why.
func emailAllowed(d models.Delivery, acct models.Account) (bool, Code) {
	if !d.WantsEmail() {
		return false, ""
	}
	if acct.Email == "" {
		return false, CodeEmailRequired
	}
	if !acct.EmailVerified {
		return false, CodeEmailNotVerified
	}
	return true, ""
}

// checkpoint aborts processing when the job has been superseded or the context ended.
func (m *Manager) checkpoint(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return fail(CodeProcessingTimeout, err)
	}
	job, err := m.jobs.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("reload job: %w", err)
	}
	if job.Status == models.StatusCancelled {
		return errSuperseded
	}
	return nil
}

func (m *Manager) markFailed(ctx context.Context, jobID string, cause error, log *slog.Logger) {
	code := CodeOf(cause)
	reason := string(code)
	wctx := context.WithoutCancel(ctx)
	ok, err := m.jobs.TransitionJob(wctx, jobID, models.StatusFailed, models.JobUpdate{Error: &reason})
	if err != nil {
		log.Error("mark report job failed", "error", err, "cause", cause)
		return
	}
	if !ok {
		log.Info("report job already terminal, failure not recorded", "cause", cause)
		return
	}
	telemetry.ReportsFinished.WithLabelValues(string(models.StatusFailed), reason).Inc()
	m.publish(wctx, notify.Event{JobID: jobID, Status: models.StatusFailed, Error: &reason})
	if IsValidation(cause) || code == CodeTooManyRecords || code == CodeTooManyRecordsForEmail {
		log.Info("report job failed", "reason", reason, "error", cause)
		return
	}
	log.Error("report job failed", "reason", reason, "error", cause)
}

// discard removes files stored for a job that will not complete.
func (m *Manager) discard(ctx context.Context, keys []string, log *slog.Logger) {
	wctx := context.WithoutCancel(ctx)
	for _, key := range keys {
		if _, err := m.artifacts.Delete(wctx, key); err != nil {
			log.Warn("remove orphaned artifact", "key", key, "error", err)
		}
	}
}

func (m *Manager) publish(ctx context.Context, ev notify.Event) {
	if m.publisher == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = m.now().UTC()
	}
	if err := m.publisher.Publish(ctx, ev); err != nil {
		m.logger.Warn("publish job status", "job_id", ev.JobID, "status", ev.Status, "error", err)
	}
}
