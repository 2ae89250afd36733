package report

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"farmestly-reports/internal/models"
)

// Window resolves a report's date range into filter bounds. A nil bound is open.
//
//	all      no filter
//	month    first of the current month
//	quarter  first of the month three months back
//	year     1 January of the current year
//	custom   explicit start (default 1 January) to explicit end (default now)
//
// Every range except all ends at the explicit end date when one is given, else now.
// An explicit end without a time of day covers that whole day.
func Window(p models.ReportParams, now time.Time, loc *time.Location) (from, to *time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	now = now.In(loc)
	if p.DateRange == models.RangeAll || p.DateRange == "" {
		return nil, nil
	}

	end := now
	if p.EndDate != nil {
		end = endOfDayIfDate(p.EndDate.In(loc))
	}

	var start time.Time
	switch p.DateRange {
	case models.RangeMonth:
		start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc)
	case models.RangeQuarter:
		start = time.Date(now.Year(), now.Month()-3, 1, 0, 0, 0, 0, loc)
	case models.RangeYear:
		start = time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, loc)
	case models.RangeCustom:
		if p.StartDate != nil {
			start = p.StartDate.In(loc)
		} else {
			start = time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, loc)
		}
	default:
		return nil, nil
	}
	return &start, &end
}

func endOfDayIfDate(t time.Time) time.Time {
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
		return t.Add(24*time.Hour - time.Nanosecond)
	}
	return t
}

// Filter builds the record filter for an account and params.
func Filter(accountID string, p models.ReportParams, now time.Time, loc *time.Location) models.RecordFilter {
	from, to := Window(p, now, loc)
	return models.RecordFilter{AccountID: accountID, From: from, To: to}
}

// RawParams is the unvalidated request input.
type RawParams struct {
	ReportType string `json:"reportType"`
	DateRange  string `json:"dateRange"`
	StartDate  string `json:"startDate"`
	EndDate    string `json:"endDate"`
	Delivery   string `json:"delivery"`
}

// ParseParams validates raw input. Delivery may be empty when requireDelivery is false
// (the precheck endpoint does not need it). Report type and date range default to
// chronological and all.
func ParseParams(raw RawParams, requireDelivery bool, loc *time.Location) (models.ReportParams, error) {
	var p models.ReportParams
	var err error

	p.ReportType = models.ReportChronological
	if raw.ReportType != "" {
		if p.ReportType, err = models.ParseReportType(raw.ReportType); err != nil {
			return p, fail(CodeInvalidReportType, err)
		}
	}
	p.DateRange = models.RangeAll
	if raw.DateRange != "" {
		if p.DateRange, err = models.ParseDateRange(raw.DateRange); err != nil {
			return p, fail(CodeInvalidDateRange, err)
		}
	}
	if raw.Delivery != "" || requireDelivery {
		if p.Delivery, err = models.ParseDelivery(raw.Delivery); err != nil {
			return p, fail(CodeInvalidDelivery, err)
		}
	}
	if p.StartDate, err = parseDate(raw.StartDate, loc); err != nil {
		return p, fail(CodeInvalidDateRange, fmt.Errorf("startDate: %w", err))
	}
	if p.EndDate, err = parseDate(raw.EndDate, loc); err != nil {
		return p, fail(CodeInvalidDateRange, fmt.Errorf("endDate: %w", err))
	}
	if p.StartDate != nil && p.EndDate != nil && endOfDayIfDate(*p.EndDate).Before(*p.StartDate) {
		return p, fail(CodeInvalidDateRange, errors.New("startDate is after endDate"))
	}
	return p, nil
}

func parseDate(s string, loc *time.Location) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	t, err := time.ParseInLocation("2006-01-02", s, loc)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q", s)
	}
	return &t, nil
}
