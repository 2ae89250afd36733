package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"farmestly-reports/internal/models"
)

// Precheck tells a client which delivery modes can succeed before it asks for a report.
type Precheck struct {
	RecordCount     int  `json:"recordCount"`
	CanEmail        bool `json:"canEmail"`
	CanDownload     bool `json:"canDownload"`
	HasEmail        bool `json:"hasEmail"`
	EmailVerified   bool `json:"emailVerified"`
	TooManyForEmail bool `json:"tooManyForEmail"`
	TooManyTotal    bool `json:"tooManyTotal"`
	MaxEmailRecords int  `json:"maxEmailRecords"`
	MaxRecordsTotal int  `json:"maxRecordsTotal"`
}

// Precheck counts matching records with the same date-range policy as processing.
// An empty period can be neither emailed nor downloaded.
func (m *Manager) Precheck(ctx context.Context, accountID string, p models.ReportParams) (Precheck, error) {
	acct, err := m.account(ctx, accountID)
	if err != nil {
		return Precheck{}, err
	}
	count, err := m.records.CountFieldJobs(ctx, Filter(accountID, p, m.now(), m.cfg.Location))
	if err != nil {
		return Precheck{}, fmt.Errorf("count records: %w", err)
	}
	pc := Precheck{
		RecordCount:     count,
		HasEmail:        acct.Email != "",
		EmailVerified:   acct.EmailVerified,
		TooManyForEmail: count > m.cfg.MaxEmailRecords,
		TooManyTotal:    count > m.cfg.MaxRecordsTotal,
		MaxEmailRecords: m.cfg.MaxEmailRecords,
		MaxRecordsTotal: m.cfg.MaxRecordsTotal,
	}
	pc.CanDownload = count > 0 && !pc.TooManyTotal
	pc.CanEmail = pc.CanDownload && pc.HasEmail && pc.EmailVerified
	return pc, nil
}

// Latest is a freshly signed link to the newest stored report.
type Latest struct {
	JobID       string    `json:"jobId"`
	DownloadURL string    `json:"downloadUrl"`
	PreviewURL  string    `json:"previewUrl,omitempty"`
	ExpiresAt   time.Time `json:"expiresAt"`
	CreatedAt   time.Time `json:"createdAt"`
	RecordCount int       `json:"recordCount"`
	ReportType  string    `json:"reportType"`
}

// LatestDownload re-signs the most recent completed artifact after checking the file
// still exists. Every call mints a new signature.
func (m *Manager) LatestDownload(ctx context.Context, accountID string) (Latest, error) {
	job, err := m.jobs.LatestCompleted(ctx, accountID)
	if errors.Is(err, models.ErrNotFound) {
		return Latest{}, ErrNoArtifact
	}
	if err != nil {
		return Latest{}, fmt.Errorf("latest report: %w", err)
	}
	if job.Result == nil || job.Result.DownloadKey == "" {
		return Latest{}, ErrNoArtifact
	}
	exists, err := m.artifacts.Exists(ctx, job.Result.DownloadKey)
	if err != nil {
		return Latest{}, fmt.Errorf("check artifact: %w", err)
	}
	if !exists {
		return Latest{}, ErrNoArtifact
	}
	url, expires, err := m.artifacts.SignedURL(job.Result.DownloadKey)
	if err != nil {
		return Latest{}, fmt.Errorf("sign artifact url: %w", err)
	}
	out := Latest{
		JobID:       job.JobID,
		DownloadURL: url,
		ExpiresAt:   expires,
		CreatedAt:   job.CreatedAt,
		RecordCount: job.Result.RecordCount,
		ReportType:  string(job.ReportType),
	}
	if job.Result.PreviewKey != "" {
		if preview, _, err := m.artifacts.SignedURL(job.Result.PreviewKey); err == nil {
			out.PreviewURL = preview
		}
	}
	return out, nil
}
