package statereport

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrNotFound               = errors.New("report not found")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrSubmissionInProgress   = errors.New("submission already in progress")
	ErrStaleReport            = errors.New("report was modified concurrently")
	ErrNoSubmissionEndpoint   = errors.New("no submission endpoint configured")
	ErrInvalidEndpoint        = errors.New("invalid submission endpoint")
)

// IsRetryable reports whether a submission failure may succeed if tried
// again. Errors opt in by implementing Retryable() bool.
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	return errors.As(err, &r) && r.Retryable()
}

// TransitionError names the current and requested state of a rejected
// lifecycle move. It matches ErrInvalidStateTransition with errors.Is.
type TransitionError struct {
	ReportID uuid.UUID
	From     SubmissionStatus
	To       SubmissionStatus
	Reason   string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("invalid state transition for report %s: %s -> %s", e.ReportID, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return ErrInvalidStateTransition }

// ValidationError carries every field-keyed finding of a failed check.
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		parts = append(parts, fe.Field+": "+fe.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// InProgressError is returned to callers that lose the race for a report's
// submission slot.
type InProgressError struct {
	ReportID uuid.UUID
	Status   SubmissionStatus
}

func (e *InProgressError) Error() string {
	return fmt.Sprintf("submission already in progress for report %s (status %s)", e.ReportID, e.Status)
}

func (e *InProgressError) Unwrap() error { return ErrSubmissionInProgress }
