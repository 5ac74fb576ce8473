package statereport

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ListFilter narrows a report listing. Zero values match everything.
type ListFilter struct {
	Status       SubmissionStatus
	ReportType   ReportType
	RegistryType RegistryType
	PatientID    *uuid.UUID
	Priority     PriorityLevel
}

// Repository persists reports. Update is a compare-and-set on status: when
// from is non-empty the row is written only if its stored status is one of
// them, and ok reports whether the write happened.
type Repository interface {
	Create(ctx context.Context, r *Report) error
	GetByID(ctx context.Context, id uuid.UUID) (*Report, error)
	// GetBySubmissionID finds the report whose last submission carried the
	// given gateway-assigned id.
	GetBySubmissionID(ctx context.Context, submissionID string) (*Report, error)
	Update(ctx context.Context, r *Report, from ...SubmissionStatus) (ok bool, err error)
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Report, int, error)
	ListAmendments(ctx context.Context, originalID uuid.UUID) ([]*Report, error)

	// ListOverdue returns reports whose deadline is before now and that the
	// registry does not yet hold.
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]*Report, error)
	// ListHighPriorityPending returns Urgent and Immediate reports that
	// have not started submission.
	ListHighPriorityPending(ctx context.Context, limit int) ([]*Report, error)
	// ListDueRetries returns ERROR reports whose next retry time has come.
	ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*Report, error)
	// ListStaleSubmitting returns SUBMITTING reports untouched since before.
	ListStaleSubmitting(ctx context.Context, before time.Time, limit int) ([]*Report, error)
}

var (
	overdueExcluded = []SubmissionStatus{StatusSubmitted, StatusAcknowledged, StatusProcessed, StatusCancelled}
	pendingStatuses = []SubmissionStatus{StatusDraft, StatusPendingValidation, StatusReadyForSubmission}
	highPriorities  = []PriorityLevel{PriorityImmediate, PriorityUrgent}
)

func statusIn(s SubmissionStatus, set []SubmissionStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
