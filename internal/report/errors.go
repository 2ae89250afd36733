package report

import (
	"context"
	"errors"
)

// Code is a machine-readable failure reason stored on failed jobs and returned by the API.
type Code string

const (
	CodeTooManyRecords         Code = "TOO_MANY_RECORDS"
	CodeTooManyRecordsForEmail Code = "TOO_MANY_RECORDS_FOR_EMAIL"
	CodeRenderFailed           Code = "RENDER_FAILED"
	CodeStorageFailed          Code = "STORAGE_FAILED"
	CodeEmailFailed            Code = "EMAIL_FAILED"
	CodeProcessingTimeout      Code = "PROCESSING_TIMEOUT"
	CodeInternal               Code = "INTERNAL_ERROR"
	CodeInvalidDelivery        Code = "INVALID_DELIVERY_TYPE"
	CodeInvalidReportType      Code = "INVALID_REPORT_TYPE"
	CodeInvalidDateRange       Code = "INVALID_DATE_RANGE"
	CodeEmailRequired          Code = "EMAIL_REQUIRED"
	CodeEmailNotVerified       Code = "EMAIL_NOT_VERIFIED"
)

var (
	// ErrJobNotFound hides whether a job is missing or owned by another account.
	ErrJobNotFound = errors.New("report job not found")
	// ErrNoArtifact means the account has no downloadable report right now.
	ErrNoArtifact = errors.New("no report available")
	// ErrAccountNotFound is returned when the requesting account does not exist.
	ErrAccountNotFound = errors.New("account not found")

	errSuperseded = errors.New("job superseded")
)

// Error carries a Code plus the underlying cause.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func fail(code Code, err error) *Error {
	return &Error{Code: code, Err: err}
}

// CodeOf extracts the failure code of err. Deadline and cancellation errors map to
// PROCESSING_TIMEOUT, anything unclassified to INTERNAL_ERROR.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return CodeProcessingTimeout
	}
	return CodeInternal
}

// IsValidation reports whether err is a caller mistake rather than a system failure.
func IsValidation(err error) bool {
	switch CodeOf(err) {
	case CodeInvalidDelivery, CodeInvalidReportType, CodeInvalidDateRange, CodeEmailRequired, CodeEmailNotVerified:
		return true
	}
	return false
}
