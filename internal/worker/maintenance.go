package worker

import (
	"context"
	"log/slog"
	"time"

	"farmestly-reports/internal/report"
)

const maintenanceLock = "report:maintenance"

// Maintainer is the periodic report housekeeping.
type Maintainer interface {
	CleanupExpiredJobs(ctx context.Context) (report.CleanupStats, error)
	ReapStale(ctx context.Context) (int, error)
}

// Locker keeps periodic sweeps to one replica at a time.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error)
}

// Sweeper runs report maintenance on an interval.
type Sweeper struct {
	maint    Maintainer
	locker   Locker
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper builds a sweeper. locker may be nil when a single process runs it.
func NewSweeper(m Maintainer, locker Locker, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{maint: m, locker: locker, interval: interval, logger: logger.With("component", "report_maintenance")}
}

// Run sweeps immediately and then every interval until ctx ends.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce fails stale jobs and removes expired artifacts and jobs. It reports false
// when another replica holds the sweep lock.
func (s *Sweeper) RunOnce(ctx context.Context) bool {
	if s.locker != nil {
		release, ok, err := s.locker.TryLock(ctx, maintenanceLock, s.interval)
		if err != nil {
			s.logger.Warn("maintenance lock", "error", err)
			return false
		}
		if !ok {
			return false
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("release maintenance lock", "error", err)
			}
		}()
	}

	if _, err := s.maint.ReapStale(ctx); err != nil {
		s.logger.Error("reap stale report jobs", "error", err)
	}
	if _, err := s.maint.CleanupExpiredJobs(ctx); err != nil {
		s.logger.Error("report cleanup", "error", err)
	}
	return true
}
