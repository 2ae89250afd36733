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

const reportJobColumns = `job_id, account_id, status, delivery, report_type, date_range, start_date, end_date, result, error, created_at, updated_at`

// CancelActiveAndInsert cancels every pending/processing job of the account and inserts job
// as the new pending one, inside a single transaction serialised per account by an advisory lock.
// It returns the IDs of the jobs it cancelled.
func (s *Store) CancelActiveAndInsert(ctx context.Context, job models.ReportJob) ([]string, error) {
	var cancelled []string
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "report_jobs:"+job.AccountID); err != nil {
			return fmt.Errorf("lock account: %w", err)
		}

		rows, err := tx.Query(ctx, `
			UPDATE report_jobs SET status = $2, updated_at = NOW()
			WHERE account_id = $1 AND status = ANY($3)
			RETURNING job_id
		`, job.AccountID, models.StatusCancelled, models.StatusStrings(models.SourcesOf(models.StatusCancelled)))
		if err != nil {
			return fmt.Errorf("cancel active jobs: %w", err)
		}
		cancelled, err = pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("collect cancelled jobs: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO report_jobs (job_id, account_id, status, delivery, report_type, date_range, start_date, end_date, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		`, job.JobID, job.AccountID, models.StatusPending, job.Delivery, job.ReportType, job.DateRange, job.StartDate, job.EndDate, job.CreatedAt)
		if err != nil {
			if isUniqueViolation(err, "report_jobs_one_active_idx") {
				return fmt.Errorf("insert report job: account %s already has an active job: %w", job.AccountID, err)
			}
			return fmt.Errorf("insert report job: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}

// GetJob fetches a report job by its public id.
func (s *Store) GetJob(ctx context.Context, jobID string) (models.ReportJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+reportJobColumns+` FROM report_jobs WHERE job_id = $1`, jobID)
	return scanReportJob(row)
}

// GetJobForAccount fetches a job only when it belongs to accountID.
func (s *Store) GetJobForAccount(ctx context.Context, jobID, accountID string) (models.ReportJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+reportJobColumns+` FROM report_jobs WHERE job_id = $1 AND account_id = $2`, jobID, accountID)
	return scanReportJob(row)
}

// TransitionJob moves a job to status `to` only if its current status may legally reach it.
// It returns false when the guard did not match (for example the job was cancelled meanwhile).
func (s *Store) TransitionJob(ctx context.Context, jobID string, to models.JobStatus, update models.JobUpdate) (bool, error) {
	from := models.SourcesOf(to)
	if len(from) == 0 {
		return false, fmt.Errorf("%w: nothing transitions to %s", models.ErrInvalidTransition, to)
	}

	var resultJSON []byte
	if update.Result != nil {
		raw, err := json.Marshal(update.Result)
		if err != nil {
			return false, fmt.Errorf("marshal result: %w", err)
		}
		resultJSON = raw
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE report_jobs
		SET status = $2, result = COALESCE($3::jsonb, result), error = $4, updated_at = NOW()
		WHERE job_id = $1 AND status = ANY($5)
	`, jobID, to, resultJSON, update.Error, models.StatusStrings(from))
	if err != nil {
		return false, fmt.Errorf("transition job %s to %s: %w", jobID, to, err)
	}
	return tag.RowsAffected() == 1, nil
}

// LatestCompleted returns the newest completed job of the account that still has an artifact.
func (s *Store) LatestCompleted(ctx context.Context, accountID string) (models.ReportJob, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+reportJobColumns+` FROM report_jobs
		WHERE account_id = $1 AND status = $2 AND COALESCE(result->>'downloadKey', '') <> ''
		ORDER BY created_at DESC
		LIMIT 1
	`, accountID, models.StatusCompleted)
	return scanReportJob(row)
}

// TerminalWithArtifactsBefore lists finished jobs created before `before` that still reference stored files.
func (s *Store) TerminalWithArtifactsBefore(ctx context.Context, before time.Time, limit int) ([]models.ReportJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+reportJobColumns+` FROM report_jobs
		WHERE status = ANY($1) AND created_at < $2
		  AND (COALESCE(result->>'downloadKey', '') <> '' OR COALESCE(result->>'previewKey', '') <> '')
		ORDER BY created_at
		LIMIT $3
	`, models.StatusStrings(models.TerminalStatuses), before, limit)
	if err != nil {
		return nil, fmt.Errorf("query expired artifacts: %w", err)
	}
	defer rows.Close()

	var out []models.ReportJob
	for rows.Next() {
		job, err := scanReportJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// RetainArtifacts records the result of a job cancelled after it published a download
// link, so cleanup can find its files. Only cancelled rows are touched.
func (s *Store) RetainArtifacts(ctx context.Context, jobID string, result models.JobResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE report_jobs SET result = $2::jsonb, updated_at = NOW()
		WHERE job_id = $1 AND status = $3
	`, jobID, raw, models.StatusCancelled)
	if err != nil {
		return fmt.Errorf("retain artifacts of %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("retain artifacts of %s: %w", jobID, models.ErrNotFound)
	}
	return nil
}

// ClearArtifacts drops artifact references from a job result once the files are gone.
func (s *Store) ClearArtifacts(ctx context.Context, jobID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE report_jobs
		SET result = result - 'downloadKey' - 'downloadUrl' - 'previewKey' - 'previewUrl', updated_at = NOW()
		WHERE job_id = $1
	`, jobID)
	if err != nil {
		return fmt.Errorf("clear artifacts of %s: %w", jobID, err)
	}
	return nil
}

// DeleteTerminalBefore removes terminal jobs created before `before`. Jobs whose artifacts
// have not been purged yet are kept so their files are never orphaned.
func (s *Store) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM report_jobs
		WHERE status = ANY($1) AND created_at < $2
		  AND COALESCE(result->>'downloadKey', '') = '' AND COALESCE(result->>'previewKey', '') = ''
	`, models.StatusStrings(models.TerminalStatuses), before)
	if err != nil {
		return 0, fmt.Errorf("delete terminal jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// FailStale fails active jobs that have not been touched since `before`.
func (s *Store) FailStale(ctx context.Context, before time.Time, reason string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE report_jobs SET status = $1, error = $2, updated_at = NOW()
		WHERE status = ANY($3) AND updated_at < $4
		RETURNING job_id
	`, models.StatusFailed, reason, models.StatusStrings(models.SourcesOf(models.StatusFailed)), before)
	if err != nil {
		return nil, fmt.Errorf("fail stale jobs: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect stale jobs: %w", err)
	}
	return ids, nil
}

func scanReportJob(row pgx.Row) (models.ReportJob, error) {
	var (
		job        models.ReportJob
		status     string
		delivery   string
		reportType string
		dateRange  string
		resultJSON []byte
		errText    pgtype.Text
	)
	err := row.Scan(&job.JobID, &job.AccountID, &status, &delivery, &reportType, &dateRange,
		&job.StartDate, &job.EndDate, &resultJSON, &errText, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ReportJob{}, models.ErrNotFound
		}
		return models.ReportJob{}, fmt.Errorf("scan report job: %w", err)
	}
	job.Status = models.JobStatus(status)
	job.Delivery = models.Delivery(delivery)
	job.ReportType = models.ReportType(reportType)
	job.DateRange = models.DateRange(dateRange)
	job.Error = textPtr(errText)
	if len(resultJSON) > 0 {
		var result models.JobResult
		if err := json.Unmarshal(resultJSON, &result); err != nil {
			return models.ReportJob{}, fmt.Errorf("unmarshal result: %w", err)
		}
		job.Result = &result
	}
	return job, nil
}
