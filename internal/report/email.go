package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"time"

	"farmestly-reports/internal/mailqueue"
	"farmestly-reports/internal/models"
	"farmestly-reports/internal/reporthtml"
)

var emailTemplate = template.Must(template.New("email").Parse(`<!DOCTYPE html>
<html><body style="font-family: Helvetica, Arial, sans-serif; color: #1f2a1f;">
<p>Hello{{if .FarmName}} {{.FarmName}}{{end}},</p>
<p>Your Farmestly report <strong>{{.Title}}</strong> for <strong>{{.Period}}</strong> is ready. It covers {{.Records}} {{if eq .Records 1}}job{{else}}jobs{{end}}.</p>
{{if .Attached}}<p>The report is attached to this email as a PDF.</p>
{{else}}<p>The report is too large to attach. <a href="{{.URL}}">Download it here</a>.</p>
<p style="color: #6b7b6b;">This link expires {{.Expires}}. You can get a fresh link from the app at any time while the report is kept.</p>
{{end}}<p>Farmestly</p>
</body></html>`))

type emailView struct {
	FarmName string
	Title    string
	Period   string
	Records  int
	Attached bool
	URL      string
	Expires  string
}

// enqueueEmail queues the report email, with the PDF attached when attach is set
// and the signed link otherwise.
func (m *Manager) enqueueEmail(ctx context.Context, job models.ReportJob, acct models.Account, pdf []byte, attach bool, result *models.JobResult, linkExpires time.Time, filter models.RecordFilter) (string, error) {
	if m.mailer == nil {
		return "", errors.New("mailer not configured")
	}
	v := emailView{
		FarmName: acct.FarmName,
		Title:    reporthtml.Title(job.ReportType),
		Period:   reporthtml.Period(filter.From, filter.To, m.cfg.Location),
		Records:  result.RecordCount,
		Attached: attach,
	}
	if !attach {
		if result.DownloadURL == "" {
			return "", errors.New("no download link for a report too large to attach")
		}
		v.URL = result.DownloadURL
		v.Expires = linkExpires.In(m.cfg.Location).Format("2 Jan 2006 15:04 MST")
	}

	var body bytes.Buffer
	if err := emailTemplate.Execute(&body, v); err != nil {
		return "", fmt.Errorf("render email: %w", err)
	}

	msg := mailqueue.Message{
		To:       acct.Email,
		Subject:  fmt.Sprintf("Your Farmestly report: %s", v.Title),
		HTML:     body.String(),
		Priority: 1,
	}
	if attach {
		msg.Attachments = []models.EmailAttachment{{
			Filename:    fmt.Sprintf("farmestly-report-%s.pdf", job.CreatedAt.In(m.cfg.Location).Format("2006-01-02")),
			Content:     pdf,
			ContentType: "application/pdf",
		}}
	}
	return m.mailer.Enqueue(ctx, msg)
}
