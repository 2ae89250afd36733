package models

import (
	"errors"
	"fmt"
)

// JobStatus enumerates report job lifecycle states persisted in Postgres.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

var (
	// ErrInvalidTransition is returned when a status change is not allowed by the lifecycle.
	ErrInvalidTransition = errors.New("invalid job status transition")
	// ErrNotFound is returned by repositories when a row does not exist or is not visible to the caller.
	ErrNotFound = errors.New("not found")
)

// jobTransitions lists the legal next states for each non-terminal state.
var jobTransitions = map[JobStatus][]JobStatus{
	StatusPending:    {StatusProcessing, StatusCancelled, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusCancelled},
}

// ActiveStatuses are the states that count towards the one-active-job-per-account rule.
var ActiveStatuses = []JobStatus{StatusPending, StatusProcessing}

// TerminalStatuses never change again except through retention deletion.
var TerminalStatuses = []JobStatus{StatusCompleted, StatusFailed, StatusCancelled}

// ParseJobStatus validates a raw status value.
func ParseJobStatus(s string) (JobStatus, error) {
	switch st := JobStatus(s); st {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Active reports whether the job still occupies the account's single active slot.
func (s JobStatus) Active() bool {
	return s == StatusPending || s == StatusProcessing
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to JobStatus) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates from -> to and returns the new state.
func Transition(from, to JobStatus) (JobStatus, error) {
	if !CanTransition(from, to) {
		return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return to, nil
}

// SourcesOf returns every state from which to can be reached in one step.
// Repositories use it to guard UPDATEs so the database enforces the same machine.
func SourcesOf(to JobStatus) []JobStatus {
	var out []JobStatus
	for _, from := range []JobStatus{StatusPending, StatusProcessing} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// StatusStrings converts statuses for SQL array parameters.
func StatusStrings(statuses []JobStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
