package report

import (
	"context"
	"fmt"

	"farmestly-reports/internal/models"
	"farmestly-reports/internal/notify"
	"farmestly-reports/internal/telemetry"
)

const cleanupBatch = 200

// CleanupStats reports what one cleanup pass removed.
type CleanupStats struct {
	ArtifactsDeleted int   `json:"artifactsDeleted"`
	JobsDeleted      int64 `json:"jobsDeleted"`
	Errors           int   `json:"errors"`
}

// CleanupExpiredJobs deletes stored files of finished jobs older than the link
// lifetime, then terminal jobs older than the retention window. Individual failures
// are logged and skipped; the job keeps its artifact reference and is retried on the
// next pass. A second pass with no new data removes nothing.
func (m *Manager) CleanupExpiredJobs(ctx context.Context) (CleanupStats, error) {
	var stats CleanupStats
	now := m.now().UTC()
	cutoff := now.Add(-m.artifacts.TTL())

	for {
		jobs, err := m.jobs.TerminalWithArtifactsBefore(ctx, cutoff, cleanupBatch)
		if err != nil {
			return stats, fmt.Errorf("list expired artifacts: %w", err)
		}
		cleared := 0
		for _, job := range jobs {
			if m.purgeArtifacts(ctx, job, &stats) {
				cleared++
			}
		}
		if len(jobs) < cleanupBatch || cleared == 0 {
			break
		}
	}

	deleted, err := m.jobs.DeleteTerminalBefore(ctx, now.Add(-m.cfg.JobRetention))
	if err != nil {
		return stats, fmt.Errorf("delete expired jobs: %w", err)
	}
	stats.JobsDeleted = deleted
	telemetry.JobsPurged.Add(float64(deleted))

	if stats.ArtifactsDeleted > 0 || stats.JobsDeleted > 0 || stats.Errors > 0 {
		m.logger.Info("report cleanup", "artifacts_deleted", stats.ArtifactsDeleted, "jobs_deleted", stats.JobsDeleted, "errors", stats.Errors)
	}
	return stats, nil
}

func (m *Manager) purgeArtifacts(ctx context.Context, job models.ReportJob, stats *CleanupStats) bool {
	if job.Result == nil {
		return false
	}
	log := m.logger.With("job_id", job.JobID)
	ok := true
	for _, key := range []string{job.Result.DownloadKey, job.Result.PreviewKey} {
		if key == "" {
			continue
		}
		removed, err := m.artifacts.Delete(ctx, key)
		if err != nil {
			log.Warn("delete expired artifact", "key", key, "error", err)
			stats.Errors++
			ok = false
			continue
		}
		if removed {
			stats.ArtifactsDeleted++
			telemetry.ArtifactsPurged.Inc()
		}
	}
	if !ok {
		return false
	}
	if err := m.jobs.ClearArtifacts(ctx, job.JobID); err != nil {
		log.Warn("clear artifact references", "error", err)
		stats.Errors++
		return false
	}
	return true
}

// ReapStale fails jobs whose worker stopped updating them, typically after a crash.
func (m *Manager) ReapStale(ctx context.Context) (int, error) {
	reason := string(CodeProcessingTimeout)
	ids, err := m.jobs.FailStale(ctx, m.now().UTC().Add(-m.cfg.StaleAfter), reason)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		telemetry.ReportsFinished.WithLabelValues(string(models.StatusFailed), reason).Inc()
		m.publish(ctx, notify.Event{JobID: id, Status: models.StatusFailed, Error: &reason})
	}
	if len(ids) > 0 {
		m.logger.Warn("failed stale report jobs", "jobs", ids)
	}
	return len(ids), nil
}
