package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"farmestly-reports/internal/backoff"
	"farmestly-reports/internal/config"
	"farmestly-reports/internal/telemetry"
)

// JobQueue is the leased dispatch queue report jobs arrive on.
type JobQueue interface {
	DequeueWithLease(ctx context.Context) (string, error)
	ExtendLease(ctx context.Context, jobID string, extension time.Duration) error
	Ack(ctx context.Context, jobID string) error
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	Depth(ctx context.Context) (ready, inflight int64, err error)
}

// JobRunner runs one report job to a terminal state.
type JobRunner interface {
	ProcessJob(ctx context.Context, jobID string)
}

// Config tunes the processor.
type Config struct {
	Concurrency       int
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
	ErrorBackoffMax   time.Duration
}

// ConfigFrom maps process config onto processor settings.
func ConfigFrom(cfg config.Config) Config {
	return Config{
		Concurrency:       cfg.Report.Concurrency,
		PollInterval:      cfg.Report.WorkerPollInterval,
		VisibilityTimeout: cfg.Report.VisibilityTimeout,
	}
}

func (c *Config) defaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 5 * time.Minute
	}
	if c.ErrorBackoffMax <= 0 {
		c.ErrorBackoffMax = 30 * time.Second
	}
}

// Processor drives the worker loop: it pulls dispatched report jobs, runs up to
// Concurrency of them at once and keeps their leases alive while they run.
type Processor struct {
	cfg      Config
	queue    JobQueue
	runner   JobRunner
	logger   *slog.Logger
	workerID string

	sem chan struct{}
	wg  sync.WaitGroup
}

// NewProcessor builds a processor. workerID only labels logs.
func NewProcessor(cfg Config, q JobQueue, runner JobRunner, workerID string, logger *slog.Logger) *Processor {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		runner:   runner,
		logger:   logger.With("component", "report_worker", "worker_id", workerID),
		workerID: workerID,
		sem:      make(chan struct{}, cfg.Concurrency),
	}
}

// Run starts the main worker loop until context cancellation. Jobs already running
// are allowed to finish; Run returns once they have.
func (p *Processor) Run(ctx context.Context) error {
	defer p.wg.Wait()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p.sem <- struct{}{}:
		}

		p.reclaim(ctx)
		jobID, err := p.queue.DequeueWithLease(ctx)
		if err != nil {
			<-p.sem
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			wait := backoff.Jitter(p.cfg.PollInterval, p.cfg.ErrorBackoffMax, failures)
			p.logger.Warn("dequeue report job", "error", err, "retry_in", wait)
			sleep(ctx, wait)
			continue
		}
		failures = 0
		if jobID == "" {
			<-p.sem
			sleep(ctx, p.cfg.PollInterval)
			continue
		}

		p.wg.Add(1)
		go func(id string) {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			p.handle(ctx, id)
		}(jobID)
	}
}

// handle runs one job. The job outlives ctx so a shutdown never strands it half done;
// ProcessJob bounds its own duration.
func (p *Processor) handle(ctx context.Context, jobID string) {
	jobCtx := context.WithoutCancel(ctx)
	stop := make(chan struct{})
	go p.keepLease(jobCtx, jobID, stop)

	p.runner.ProcessJob(jobCtx, jobID)

	close(stop)
	if err := p.queue.Ack(jobCtx, jobID); err != nil {
		p.logger.Warn("ack report job", "job_id", jobID, "error", err)
	}
}

func (p *Processor) keepLease(ctx context.Context, jobID string, stop <-chan struct{}) {
	ticker := time.NewTicker(p.cfg.VisibilityTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := p.queue.ExtendLease(ctx, jobID, p.cfg.VisibilityTimeout); err != nil {
				p.logger.Warn("extend report job lease", "job_id", jobID, "error", err)
			}
		}
	}
}

// reclaim puts jobs of crashed workers back on the ready list and refreshes the depth gauge.
// A reclaimed job that already started is skipped by ProcessJob and later failed by the reaper.
func (p *Processor) reclaim(ctx context.Context) {
	if ids, err := p.queue.RequeueExpired(ctx, time.Now(), 100); err != nil {
		p.logger.Debug("requeue expired leases", "error", err)
	} else if len(ids) > 0 {
		p.logger.Warn("requeued report jobs with expired leases", "jobs", ids)
	}
	if ready, _, err := p.queue.Depth(ctx); err == nil {
		telemetry.DispatchDepth.Set(float64(ready))
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
