package statereport

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MaxReportDataBytes bounds the size of the report payload.
const MaxReportDataBytes = 1 << 20

const (
	severityError   = "error"
	severityWarning = "warning"
)

// CheckReport runs the structural validation pass. Deadline findings are
// warnings, except that a mandatory report past its deadline by more than
// grace fails unless a late-submission reason has been recorded.
// Amendments are exempt from the deadline check; they correct a report
// that was already filed.
func CheckReport(r *Report, now time.Time, grace time.Duration) []FieldError {
	var out []FieldError
	add := func(field, msg, severity string) {
		out = append(out, FieldError{Field: field, Message: msg, Severity: severity})
	}

	if !validReportTypes[r.ReportType] {
		add("report_type", "unknown report type", severityError)
	}
	if !validRegistryTypes[r.RegistryType] {
		add("registry_type", "unknown registry type", severityError)
	}
	if r.PatientID == uuid.Nil {
		add("patient_id", "is required", severityError)
	}
	if r.ReportDate.IsZero() {
		add("report_date", "is required", severityError)
	}
	if r.ReportTitle == "" {
		add("report_title", "is required", severityError)
	}

	switch {
	case len(r.ReportData) == 0:
		add("report_data", "is required", severityError)
	case len(r.ReportData) > MaxReportDataBytes:
		add("report_data", "exceeds maximum size of 1 MiB", severityError)
	case !isJSONObject(r.ReportData):
		add("report_data", "must be a JSON object", severityError)
	}

	if r.ConditionCode != nil && *r.ConditionCode != "" && !icd10Pattern.MatchString(normalizeCode(*r.ConditionCode)) {
		add("condition_code", "must be a valid ICD-10 code", severityError)
	}
	if r.ReportType == ReportTypeDiseaseSurveillance && derefStr(r.ConditionCode) == "" && derefStr(r.ConditionName) == "" {
		add("condition_code", "disease surveillance reports require a condition code or name", severityError)
	}

	if r.IncidentDate != nil {
		if !r.ReportDate.IsZero() && r.IncidentDate.After(r.ReportDate) {
			add("incident_date", "must not be after report_date", severityError)
		}
		if r.IncidentDate.After(now) {
			add("incident_date", "must not be in the future", severityError)
		}
	}

	if r.IsAmendment {
		if r.OriginalReportID == nil {
			add("original_report_id", "is required for amendments", severityError)
		}
		if derefStr(r.AmendmentReason) == "" {
			add("amendment_reason", "is required for amendments", severityError)
		}
	}

	if r.ReportingDeadline == nil {
		add("reporting_deadline", "has not been computed", severityError)
	} else if !r.IsAmendment && now.Sub(*r.ReportingDeadline) > grace {
		switch {
		case !r.IsMandatory:
			add("reporting_deadline", "reporting deadline has passed", severityWarning)
		case derefStr(r.LateSubmissionReason) != "":
			add("reporting_deadline", "mandatory reporting deadline has passed; late submission reason recorded", severityWarning)
		default:
			add("reporting_deadline", "mandatory reporting deadline has passed; late_submission_reason is required", severityError)
		}
	}

	return out
}

// HasErrors reports whether any finding is blocking.
func HasErrors(findings []FieldError) bool {
	for _, f := range findings {
		if f.Severity == severityError {
			return true
		}
	}
	return false
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	return json.Valid(trimmed)
}
