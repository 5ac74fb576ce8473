package statereport

import "time"

// View is the API representation of a report: the stored state plus
// indicators derived from it. Nothing here feeds back into the lifecycle.
type View struct {
	*Report
	IsSubmitted     bool   `json:"is_submitted"`
	IsAcknowledged  bool   `json:"is_acknowledged"`
	IsProcessed     bool   `json:"is_processed"`
	IsOverdue       bool   `json:"is_overdue"`
	ProgressPercent int    `json:"progress_percent"`
	NextAction      string `json:"next_action"`
}

var progressByStatus = map[SubmissionStatus]int{
	StatusDraft:              10,
	StatusPendingValidation:  25,
	StatusValidationFailed:   25,
	StatusReadyForSubmission: 50,
	StatusSubmitting:         60,
	StatusError:              60,
	StatusSubmitted:          75,
	StatusRejected:           75,
	StatusAcknowledged:       90,
	StatusProcessed:          100,
	StatusCancelled:          0,
}

var nextActionByStatus = map[SubmissionStatus]string{
	StatusDraft:              "complete report title and data",
	StatusPendingValidation:  "validate report",
	StatusValidationFailed:   "correct validation errors",
	StatusReadyForSubmission: "submit to registry",
	StatusSubmitting:         "awaiting registry response",
	StatusSubmitted:          "awaiting registry acknowledgment",
	StatusAcknowledged:       "awaiting registry processing",
	StatusProcessed:          "none",
	StatusRejected:           "review rejection and resubmit",
	StatusError:              "retry submission",
	StatusCancelled:          "none",
}

// NewView derives the display fields of r as of now.
func NewView(r *Report, now time.Time) *View {
	v := &View{
		Report:          r,
		IsSubmitted:     submittedStatuses[r.SubmissionStatus],
		IsAcknowledged:  r.SubmissionStatus == StatusAcknowledged || r.SubmissionStatus == StatusProcessed,
		IsProcessed:     r.SubmissionStatus == StatusProcessed,
		ProgressPercent: progressByStatus[r.SubmissionStatus],
		NextAction:      nextActionByStatus[r.SubmissionStatus],
	}
	v.IsOverdue = r.ReportingDeadline != nil && r.ReportingDeadline.Before(now) &&
		!v.IsSubmitted && r.SubmissionStatus != StatusCancelled

	switch {
	case r.SubmissionStatus == StatusError && r.NextRetryAt == nil:
		v.NextAction = "retry budget exhausted; requeue manually"
	case r.SubmissionStatus == StatusSubmitted && !r.RequireAcknowledgment:
		v.NextAction = "none"
	case v.IsOverdue && r.SubmissionStatus != StatusSubmitting:
		v.NextAction += " (overdue)"
	}
	return v
}

// NewViews maps NewView over a slice.
func NewViews(rs []*Report, now time.Time) []*View {
	out := make([]*View, 0, len(rs))
	for _, r := range rs {
		out = append(out, NewView(r, now))
	}
	return out
}
