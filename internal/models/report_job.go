package models

import (
	"fmt"
	"time"
)

// Delivery selects how a finished report reaches the user.
type Delivery string

const (
	DeliveryEmail    Delivery = "email"
	DeliveryDownload Delivery = "download"
	DeliveryBoth     Delivery = "both"
)

// ParseDelivery validates a delivery mode.
func ParseDelivery(s string) (Delivery, error) {
	switch d := Delivery(s); d {
	case DeliveryEmail, DeliveryDownload, DeliveryBoth:
		return d, nil
	}
	return "", fmt.Errorf("unknown delivery %q", s)
}

// WantsEmail reports whether the mode sends an email.
func (d Delivery) WantsEmail() bool { return d == DeliveryEmail || d == DeliveryBoth }

// WantsDownload reports whether the mode always produces a downloadable artifact.
func (d Delivery) WantsDownload() bool { return d == DeliveryDownload || d == DeliveryBoth }

// ReportType is the grouping dimension of a report.
type ReportType string

const (
	ReportChronological ReportType = "chronological"
	ReportByField       ReportType = "field"
	ReportByMachine     ReportType = "machine"
	ReportByJobType     ReportType = "job_type"
	ReportByAttachment  ReportType = "attachment"
	ReportByTool        ReportType = "tool"
)

// ParseReportType validates a report type.
func ParseReportType(s string) (ReportType, error) {
	switch r := ReportType(s); r {
	case ReportChronological, ReportByField, ReportByMachine, ReportByJobType, ReportByAttachment, ReportByTool:
		return r, nil
	}
	return "", fmt.Errorf("unknown report type %q", s)
}

// DateRange names the period a report covers.
type DateRange string

const (
	RangeAll     DateRange = "all"
	RangeMonth   DateRange = "month"
	RangeQuarter DateRange = "quarter"
	RangeYear    DateRange = "year"
	RangeCustom  DateRange = "custom"
)

// ParseDateRange validates a date range.
func ParseDateRange(s string) (DateRange, error) {
	switch r := DateRange(s); r {
	case RangeAll, RangeMonth, RangeQuarter, RangeYear, RangeCustom:
		return r, nil
	}
	return "", fmt.Errorf("unknown date range %q", s)
}

// ReportParams is what the client asks for.
type ReportParams struct {
	ReportType ReportType `json:"reportType"`
	DateRange  DateRange  `json:"dateRange"`
	StartDate  *time.Time `json:"startDate,omitempty"`
	EndDate    *time.Time `json:"endDate,omitempty"`
	Delivery   Delivery   `json:"delivery"`
}

// JobResult is the success payload of a completed job.
type JobResult struct {
	DownloadURL    string `json:"downloadUrl,omitempty"`
	DownloadKey    string `json:"downloadKey,omitempty"`
	PreviewURL     string `json:"previewUrl,omitempty"`
	PreviewKey     string `json:"previewKey,omitempty"`
	EmailSent      bool   `json:"emailSent"`
	EmailID        string `json:"emailId,omitempty"`
	EmailError     string `json:"emailError,omitempty"`
	AttachedInline bool   `json:"attachedInline"`
	RecordCount    int    `json:"recordCount"`
	PageCount      int    `json:"pageCount,omitempty"`
}

// ReportJob is one report request. JobID is the externally visible identifier.
type ReportJob struct {
	JobID      string     `json:"jobId"`
	AccountID  string     `json:"accountId"`
	Status     JobStatus  `json:"status"`
	Delivery   Delivery   `json:"delivery"`
	ReportType ReportType `json:"reportType"`
	DateRange  DateRange  `json:"dateRange"`
	StartDate  *time.Time `json:"startDate,omitempty"`
	EndDate    *time.Time `json:"endDate,omitempty"`
	Result     *JobResult `json:"result,omitempty"`
	Error      *string    `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Params reconstructs the request parameters stored on the job.
func (j ReportJob) Params() ReportParams {
	return ReportParams{
		ReportType: j.ReportType,
		DateRange:  j.DateRange,
		StartDate:  j.StartDate,
		EndDate:    j.EndDate,
		Delivery:   j.Delivery,
	}
}

// JobUpdate carries optional payload written together with a status transition.
type JobUpdate struct {
	Result *JobResult
	Error  *string
}
