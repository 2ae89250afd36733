package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"farmestly-reports/internal/backoff"
	"farmestly-reports/internal/config"
	"farmestly-reports/internal/telemetry"
)

var (
	// ErrPoolClosed is returned by Submit after Close.
	ErrPoolClosed = errors.New("render pool closed")
	// ErrTimeout marks an attempt that exceeded the per-task timeout.
	ErrTimeout = errors.New("render task timed out")
)

// Options tune PDF output.
type Options struct {
	Format       string
	Landscape    bool
	MarginInches float64
	// Preview asks the browser for a first-page screenshot alongside the PDF.
	Preview bool
}

// Result is what a successful render produces. Preview is a PNG and may be nil.
type Result struct {
	PDF     []byte
	Preview []byte
}

// Browser is one running rendering engine. Render must open an isolated page per
// call and release it on every return path.
type Browser interface {
	Render(ctx context.Context, html string, opts Options) (Result, error)
	Alive() bool
	Close() error
}

// Launcher starts browsers.
type Launcher interface {
	Launch(ctx context.Context) (Browser, error)
}

// Config bounds the pool.
type Config struct {
	Workers        int
	MaxAttempts    int
	TaskTimeout    time.Duration
	RecycleAfter   int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// ConfigFrom derives pool settings from the render config. The worker count is the
// number of CPUs minus the reserved margin, never less than one.
func ConfigFrom(cfg config.RenderConfig) Config {
	workers := runtime.NumCPU() - cfg.ReservedCPUs
	if workers < 1 {
		workers = 1
	}
	return Config{
		Workers:        workers,
		MaxAttempts:    cfg.MaxAttempts,
		TaskTimeout:    cfg.TaskTimeout,
		RecycleAfter:   cfg.RecycleAfter,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
	}
}

func (c *Config) defaults() {
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 3
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 60 * time.Second
	}
	if c.RecycleAfter < 1 {
		c.RecycleAfter = 100
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 2 * time.Second
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = c.BackoffInitial
	}
}

type task struct {
	ctx    context.Context
	html   string
	opts   Options
	result chan taskResult
}

type taskResult struct {
	res Result
	err error
}

// handle is a shared browser plus the bookkeeping needed to retire it safely while
// other tasks still hold it.
type handle struct {
	browser Browser
	refs    int
	uses    int
	retired bool
}

// Pool renders HTML to PDF on a fixed number of worker goroutines sharing one
// lazily launched browser.
type Pool struct {
	cfg      Config
	launcher Launcher
	logger   *slog.Logger

	tasks     chan *task
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu      sync.Mutex
	current *handle
}

// NewPool starts the workers. No browser is launched until the first task.
func NewPool(cfg Config, launcher Launcher, logger *slog.Logger) *Pool {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		cfg:      cfg,
		launcher: launcher,
		logger:   logger.With("component", "render_pool"),
		tasks:    make(chan *task),
		done:     make(chan struct{}),
	}
	p.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go p.work()
	}
	return p
}

// Workers is the concurrency ceiling.
func (p *Pool) Workers() int { return p.cfg.Workers }

// Submit queues html for rendering and waits for the result or ctx.
func (p *Pool) Submit(ctx context.Context, html string, opts Options) (Result, error) {
	t := &task{ctx: ctx, html: html, opts: opts, result: make(chan taskResult, 1)}

	telemetry.RenderQueueDepth.Inc()
	select {
	case p.tasks <- t:
		telemetry.RenderQueueDepth.Dec()
	case <-p.done:
		telemetry.RenderQueueDepth.Dec()
		return Result{}, ErrPoolClosed
	case <-ctx.Done():
		telemetry.RenderQueueDepth.Dec()
		return Result{}, ctx.Err()
	}

	select {
	case r := <-t.result:
		return r.res, r.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Close stops the workers, waits for running tasks and shuts the browser down.
func (p *Pool) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		p.wg.Wait()

		p.mu.Lock()
		h := p.current
		p.current = nil
		var closeNow bool
		if h != nil {
			h.retired = true
			closeNow = h.refs == 0
		}
		p.mu.Unlock()
		if closeNow {
			err = h.browser.Close()
		}
	})
	return err
}

func (p *Pool) work() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case t := <-p.tasks:
			res, err := p.run(t)
			t.result <- taskResult{res: res, err: err}
		}
	}
}

func (p *Pool) run(t *task) (Result, error) {
	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if err := t.ctx.Err(); err != nil {
			return Result{}, err
		}
		res, err := p.attempt(t)
		if err == nil {
			telemetry.RenderDuration.Observe(time.Since(start).Seconds())
			return res, nil
		}
		lastErr = err
		if t.ctx.Err() != nil {
			return Result{}, t.ctx.Err()
		}
		if attempt == p.cfg.MaxAttempts {
			break
		}

		wait := backoff.Jitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempt)
		p.logger.Warn("render attempt failed", "attempt", attempt, "retry_in", wait, "error", err)
		telemetry.RenderRetries.Inc()
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-t.ctx.Done():
			timer.Stop()
			return Result{}, t.ctx.Err()
		case <-p.done:
			timer.Stop()
			return Result{}, ErrPoolClosed
		}
	}
	telemetry.RenderFailures.Inc()
	return Result{}, fmt.Errorf("render failed after %d attempts: %w", p.cfg.MaxAttempts, lastErr)
}

// attempt enforces the task timeout itself so a browser that ignores its context
// cannot hold a worker forever. The browser reference is released only once Render
// really returns.
func (p *Pool) attempt(t *task) (Result, error) {
	ctx, cancel := context.WithTimeout(t.ctx, p.cfg.TaskTimeout)
	defer cancel()

	h, err := p.acquire(ctx)
	if err != nil {
		return Result{}, err
	}

	out := make(chan taskResult, 1)
	go func() {
		res, err := h.browser.Render(ctx, t.html, t.opts)
		p.release(h)
		out <- taskResult{res: res, err: err}
	}()

	select {
	case r := <-out:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && t.ctx.Err() == nil {
			return Result{}, fmt.Errorf("%w after %s", ErrTimeout, p.cfg.TaskTimeout)
		}
		return r.res, r.err
	case <-ctx.Done():
		if t.ctx.Err() != nil {
			return Result{}, t.ctx.Err()
		}
		return Result{}, fmt.Errorf("%w after %s", ErrTimeout, p.cfg.TaskTimeout)
	}
}

// acquire returns the current browser, launching one when there is none or the
// previous one died. A browser that reaches its task budget is retired here: the
// caller still uses it, the next caller gets a fresh one.
func (p *Pool) acquire(ctx context.Context) (*handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case <-p.done:
		return nil, ErrPoolClosed
	default:
	}

	if p.current != nil && !p.current.browser.Alive() {
		p.logger.Warn("browser disconnected, relaunching")
		p.retireLocked(p.current)
	}
	if p.current == nil {
		b, err := p.launcher.Launch(ctx)
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		telemetry.BrowserLaunches.Inc()
		p.current = &handle{browser: b}
	}

	h := p.current
	h.refs++
	h.uses++
	if h.uses >= p.cfg.RecycleAfter {
		p.logger.Info("recycling browser", "tasks", h.uses)
		p.retireLocked(h)
	}
	return h, nil
}

func (p *Pool) release(h *handle) {
	p.mu.Lock()
	h.refs--
	closeNow := h.retired && h.refs == 0
	p.mu.Unlock()
	if closeNow {
		p.closeBrowser(h)
	}
}

// retireLocked detaches h from the pool and closes it if nobody is using it.
func (p *Pool) retireLocked(h *handle) {
	if p.current == h {
		p.current = nil
	}
	if h.retired {
		return
	}
	h.retired = true
	telemetry.BrowserRecycles.Inc()
	if h.refs == 0 {
		go p.closeBrowser(h)
	}
}

func (p *Pool) closeBrowser(h *handle) {
	if err := h.browser.Close(); err != nil {
		p.logger.Warn("close browser", "error", err)
	}
}
