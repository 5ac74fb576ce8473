package statereport

// transitions lists every legal lifecycle move. Anything absent is rejected.
var transitions = map[SubmissionStatus][]SubmissionStatus{
	StatusDraft:              {StatusPendingValidation, StatusCancelled},
	StatusPendingValidation:  {StatusReadyForSubmission, StatusValidationFailed, StatusCancelled},
	StatusValidationFailed:   {StatusPendingValidation, StatusCancelled},
	StatusReadyForSubmission: {StatusSubmitting, StatusPendingValidation, StatusCancelled},
	StatusSubmitting:         {StatusSubmitted, StatusAcknowledged, StatusRejected, StatusError},
	StatusSubmitted:          {StatusAcknowledged, StatusRejected, StatusError, StatusCancelled},
	StatusAcknowledged:       {StatusProcessed},
	StatusError:              {StatusSubmitting, StatusReadyForSubmission, StatusCancelled},
	StatusRejected:           {StatusPendingValidation, StatusCancelled},
	StatusProcessed:          nil,
	StatusCancelled:          nil,
}

// editableStatuses may have their content changed. Editing anything other
// than a Draft sends the report back through validation.
var editableStatuses = map[SubmissionStatus]bool{
	StatusDraft:              true,
	StatusPendingValidation:  true,
	StatusValidationFailed:   true,
	StatusReadyForSubmission: true,
	StatusRejected:           true,
}

// amendableStatuses are the states from which an amendment may be spawned.
var amendableStatuses = map[SubmissionStatus]bool{
	StatusSubmitted:    true,
	StatusAcknowledged: true,
	StatusProcessed:    true,
}

// submittedStatuses are the states in which the registry has the report.
var submittedStatuses = map[SubmissionStatus]bool{
	StatusSubmitted:    true,
	StatusAcknowledged: true,
	StatusProcessed:    true,
}

// submittableStatuses may enter SUBMITTING.
var submittableStatuses = []SubmissionStatus{StatusReadyForSubmission, StatusError}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to SubmissionStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions leave s.
func IsTerminal(s SubmissionStatus) bool {
	return len(transitions[s]) == 0
}

// IsKnownStatus reports whether s is part of the lifecycle.
func IsKnownStatus(s SubmissionStatus) bool {
	_, ok := transitions[s]
	return ok
}

func checkTransition(r *Report, to SubmissionStatus, reason string) error {
	if CanTransition(r.SubmissionStatus, to) {
		return nil
	}
	return &TransitionError{ReportID: r.ID, From: r.SubmissionStatus, To: to, Reason: reason}
}

// applyStatus moves r to the given state and keeps the submission-date
// bookkeeping consistent with it.
func applyStatus(r *Report, to SubmissionStatus) {
	r.SubmissionStatus = to
	if to == StatusSubmitted && r.SubmissionDate == nil {
		now := r.UpdatedAt
		r.SubmissionDate = &now
	}
}
