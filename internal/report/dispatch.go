package report

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrDispatcherClosed is returned after the inline dispatcher's base context ended.
var ErrDispatcherClosed = errors.New("dispatcher closed")

// InlineDispatcher runs jobs on goroutines in the current process. They are detached
// from the request that created them and bound to the dispatcher's base context.
type InlineDispatcher struct {
	base    context.Context
	process func(ctx context.Context, jobID string)
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewInlineDispatcher builds a dispatcher; process is usually Manager.ProcessJob.
func NewInlineDispatcher(base context.Context, process func(ctx context.Context, jobID string), logger *slog.Logger) *InlineDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &InlineDispatcher{base: base, process: process, logger: logger}
}

func (d *InlineDispatcher) Dispatch(_ context.Context, jobID string) error {
	if d.base.Err() != nil {
		return ErrDispatcherClosed
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.process(d.base, jobID)
	}()
	d.logger.Debug("report job dispatched inline", "job_id", jobID)
	return nil
}

// Wait blocks until every dispatched job returned or ctx ends.
func (d *InlineDispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
