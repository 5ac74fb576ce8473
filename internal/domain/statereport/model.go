package statereport

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ReportType identifies the kind of regulatory report.
type ReportType string

const (
	ReportTypeBirth                  ReportType = "BIRTH_REGISTRATION"
	ReportTypeDeath                  ReportType = "DEATH_REGISTRATION"
	ReportTypeImmunization           ReportType = "IMMUNIZATION_REGISTRY"
	ReportTypeDiseaseSurveillance    ReportType = "DISEASE_SURVEILLANCE"
	ReportTypeCancer                 ReportType = "CANCER_REGISTRY"
	ReportTypeVitalStatistics        ReportType = "VITAL_STATISTICS"
	ReportTypeAdverseEvent           ReportType = "ADVERSE_EVENT"
	ReportTypeNewbornScreening       ReportType = "NEWBORN_SCREENING"
	ReportTypePrescriptionMonitoring ReportType = "PRESCRIPTION_MONITORING"
	ReportTypeTrauma                 ReportType = "TRAUMA_REGISTRY"
)

var validReportTypes = map[ReportType]bool{
	ReportTypeBirth: true, ReportTypeDeath: true, ReportTypeImmunization: true,
	ReportTypeDiseaseSurveillance: true, ReportTypeCancer: true, ReportTypeVitalStatistics: true,
	ReportTypeAdverseEvent: true, ReportTypeNewbornScreening: true,
	ReportTypePrescriptionMonitoring: true, ReportTypeTrauma: true,
}

// RegistryType identifies the receiving public-health registry.
type RegistryType string

const (
	RegistryStateVitalRecords        RegistryType = "STATE_VITAL_RECORDS"
	RegistryStateImmunization        RegistryType = "STATE_IMMUNIZATION_REGISTRY"
	RegistryStateDiseaseSurveillance RegistryType = "STATE_DISEASE_SURVEILLANCE"
	RegistryCDCNNDSS                 RegistryType = "CDC_NNDSS"
	RegistryStateCancer              RegistryType = "STATE_CANCER_REGISTRY"
	RegistryFDAVAERS                 RegistryType = "FDA_VAERS"
	RegistryStatePDMP                RegistryType = "STATE_PDMP"
	RegistryStateTrauma              RegistryType = "STATE_TRAUMA_REGISTRY"
	RegistryOther                    RegistryType = "OTHER"
)

var validRegistryTypes = map[RegistryType]bool{
	RegistryStateVitalRecords: true, RegistryStateImmunization: true,
	RegistryStateDiseaseSurveillance: true, RegistryCDCNNDSS: true,
	RegistryStateCancer: true, RegistryFDAVAERS: true, RegistryStatePDMP: true,
	RegistryStateTrauma: true, RegistryOther: true,
}

// SubmissionStatus is the lifecycle state of a report.
type SubmissionStatus string

const (
	StatusDraft              SubmissionStatus = "DRAFT"
	StatusPendingValidation  SubmissionStatus = "PENDING_VALIDATION"
	StatusValidationFailed   SubmissionStatus = "VALIDATION_FAILED"
	StatusReadyForSubmission SubmissionStatus = "READY_FOR_SUBMISSION"
	StatusSubmitting         SubmissionStatus = "SUBMITTING"
	StatusSubmitted          SubmissionStatus = "SUBMITTED"
	StatusAcknowledged       SubmissionStatus = "ACKNOWLEDGED"
	StatusProcessed          SubmissionStatus = "PROCESSED"
	StatusRejected           SubmissionStatus = "REJECTED"
	StatusError              SubmissionStatus = "ERROR"
	StatusCancelled          SubmissionStatus = "CANCELLED"
)

// ValidationStatus records the outcome of the last validation pass.
type ValidationStatus string

const (
	ValidationNotValidated      ValidationStatus = "NOT_VALIDATED"
	ValidationValid             ValidationStatus = "VALID"
	ValidationValidWithWarnings ValidationStatus = "VALID_WITH_WARNINGS"
	ValidationInvalid           ValidationStatus = "INVALID"
)

// PriorityLevel is the urgency tier assigned by the condition classifier.
type PriorityLevel string

const (
	PriorityImmediate PriorityLevel = "IMMEDIATE"
	PriorityUrgent    PriorityLevel = "URGENT"
	PriorityNormal    PriorityLevel = "NORMAL"
	PriorityRoutine   PriorityLevel = "ROUTINE"
)

var priorityRank = map[PriorityLevel]int{
	PriorityRoutine:   0,
	PriorityNormal:    1,
	PriorityUrgent:    2,
	PriorityImmediate: 3,
}

// Rank orders priorities; higher is more urgent. Unknown values rank as Normal.
func (p PriorityLevel) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return priorityRank[PriorityNormal]
}

// IsHigh reports whether the tier demands expedited handling.
func (p PriorityLevel) IsHigh() bool {
	return p == PriorityImmediate || p == PriorityUrgent
}

// MaxPriority returns the more urgent of a and b.
func MaxPriority(a, b PriorityLevel) PriorityLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ConfidentialityLevel controls handling of report contents.
type ConfidentialityLevel string

const (
	ConfidentialityNormal       ConfidentialityLevel = "NORMAL"
	ConfidentialityConfidential ConfidentialityLevel = "CONFIDENTIAL"
	ConfidentialityRestricted   ConfidentialityLevel = "RESTRICTED"
)

// SubmissionMethod is the transport used to reach a registry.
type SubmissionMethod string

const (
	MethodRESTAPI SubmissionMethod = "REST_API"
	MethodMLLP    SubmissionMethod = "MLLP"
)

// SubmissionFormat is the wire format of the outbound payload.
type SubmissionFormat string

const (
	FormatHL7V2 SubmissionFormat = "HL7_V2"
	FormatFHIR  SubmissionFormat = "FHIR"
	FormatXML   SubmissionFormat = "XML"
	FormatJSON  SubmissionFormat = "JSON"
	FormatEDI   SubmissionFormat = "EDI"
)

var validFormats = map[SubmissionFormat]bool{
	FormatHL7V2: true, FormatFHIR: true, FormatXML: true, FormatJSON: true, FormatEDI: true,
}

var validMethods = map[SubmissionMethod]bool{
	MethodRESTAPI: true, MethodMLLP: true,
}

// IsKnownRegistry reports whether rt is one of the defined registries.
func IsKnownRegistry(rt RegistryType) bool { return validRegistryTypes[rt] }

// IsKnownMethod reports whether m is a supported transport.
func IsKnownMethod(m SubmissionMethod) bool { return validMethods[m] }

// IsKnownFormat reports whether f is a supported wire format.
func IsKnownFormat(f SubmissionFormat) bool { return validFormats[f] }

// FieldError is a single validation finding keyed by field name.
type FieldError struct {
	Field    string `json:"field"`
	Message  string `json:"message"`
	Severity string `json:"severity"` // "error" or "warning"
}

// Report maps to the state_report table.
type Report struct {
	ID                  uuid.UUID            `db:"id" json:"id"`
	ReportType          ReportType           `db:"report_type" json:"report_type"`
	RegistryType        RegistryType         `db:"registry_type" json:"registry_type"`
	ConditionCode       *string              `db:"condition_code" json:"condition_code,omitempty"`
	ConditionName       *string              `db:"condition_name" json:"condition_name,omitempty"`
	PatientID           uuid.UUID            `db:"patient_id" json:"patient_id"`
	EncounterID         *uuid.UUID           `db:"encounter_id" json:"encounter_id,omitempty"`
	ReportingProviderID *uuid.UUID           `db:"reporting_provider_id" json:"reporting_provider_id,omitempty"`
	ReportingFacility   *string              `db:"reporting_facility" json:"reporting_facility,omitempty"`
	ReportDate          time.Time            `db:"report_date" json:"report_date"`
	IncidentDate        *time.Time           `db:"incident_date" json:"incident_date,omitempty"`
	SubmissionDate      *time.Time           `db:"submission_date" json:"submission_date,omitempty"`
	AcknowledgmentDate  *time.Time           `db:"acknowledgment_date" json:"acknowledgment_date,omitempty"`
	ReportingDeadline   *time.Time           `db:"reporting_deadline" json:"reporting_deadline,omitempty"`
	SubmissionStatus    SubmissionStatus     `db:"submission_status" json:"submission_status"`
	ValidationStatus    ValidationStatus     `db:"validation_status" json:"validation_status"`
	PriorityLevel       PriorityLevel        `db:"priority_level" json:"priority_level,omitempty"`
	Confidentiality     ConfidentialityLevel `db:"confidentiality_level" json:"confidentiality_level,omitempty"`
	IsMandatory         bool                 `db:"is_mandatory" json:"is_mandatory"`
	ReportTitle         string               `db:"report_title" json:"report_title"`
	ReportData          json.RawMessage      `db:"report_data" json:"report_data,omitempty"`
	Summary             *string              `db:"summary" json:"summary,omitempty"`
	ClinicalFindings    *string              `db:"clinical_findings" json:"clinical_findings,omitempty"`

	IsAmendment      bool       `db:"is_amendment" json:"is_amendment"`
	OriginalReportID *uuid.UUID `db:"original_report_id" json:"original_report_id,omitempty"`
	AmendmentReason  *string    `db:"amendment_reason" json:"amendment_reason,omitempty"`

	RegistryCaseID        *string           `db:"registry_case_id" json:"registry_case_id,omitempty"`
	ExternalReferenceID   *string           `db:"external_reference_id" json:"external_reference_id,omitempty"`
	AcknowledgmentID      *string           `db:"acknowledgment_id" json:"acknowledgment_id,omitempty"`
	SubmissionID          *string           `db:"submission_id" json:"submission_id,omitempty"`
	SubmissionMethod      *SubmissionMethod `db:"submission_method" json:"submission_method,omitempty"`
	SubmissionFormat      *SubmissionFormat `db:"submission_format" json:"submission_format,omitempty"`
	SubmissionEndpoint    *string           `db:"submission_endpoint" json:"submission_endpoint,omitempty"`
	RequireAcknowledgment bool              `db:"require_acknowledgment" json:"require_acknowledgment"`
	TimeoutSeconds        int               `db:"timeout_seconds" json:"timeout_seconds"`

	RetryCount  int        `db:"retry_count" json:"retry_count"`
	NextRetryAt *time.Time `db:"next_retry_at" json:"next_retry_at,omitempty"`
	LastError   *string    `db:"last_error" json:"last_error,omitempty"`

	RejectionReason      *string      `db:"rejection_reason" json:"rejection_reason,omitempty"`
	CancellationReason   *string      `db:"cancellation_reason" json:"cancellation_reason,omitempty"`
	LateSubmissionReason *string      `db:"late_submission_reason" json:"late_submission_reason,omitempty"`
	ValidationErrors     []FieldError `db:"validation_errors" json:"validation_errors,omitempty"`

	VersionID int       `db:"version_id" json:"version_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// HasContent reports whether the fields required to leave DRAFT are populated.
func (r *Report) HasContent() bool {
	return r.ReportTitle != "" && len(r.ReportData) > 0 && string(r.ReportData) != "null"
}

// Clone returns a deep copy so that callers can mutate without touching stored state.
func (r *Report) Clone() *Report {
	c := *r
	c.ConditionCode = cloneStr(r.ConditionCode)
	c.ConditionName = cloneStr(r.ConditionName)
	c.EncounterID = cloneUUID(r.EncounterID)
	c.ReportingProviderID = cloneUUID(r.ReportingProviderID)
	c.ReportingFacility = cloneStr(r.ReportingFacility)
	c.IncidentDate = cloneTime(r.IncidentDate)
	c.SubmissionDate = cloneTime(r.SubmissionDate)
	c.AcknowledgmentDate = cloneTime(r.AcknowledgmentDate)
	c.ReportingDeadline = cloneTime(r.ReportingDeadline)
	c.Summary = cloneStr(r.Summary)
	c.ClinicalFindings = cloneStr(r.ClinicalFindings)
	c.OriginalReportID = cloneUUID(r.OriginalReportID)
	c.AmendmentReason = cloneStr(r.AmendmentReason)
	c.RegistryCaseID = cloneStr(r.RegistryCaseID)
	c.ExternalReferenceID = cloneStr(r.ExternalReferenceID)
	c.AcknowledgmentID = cloneStr(r.AcknowledgmentID)
	c.SubmissionID = cloneStr(r.SubmissionID)
	c.SubmissionEndpoint = cloneStr(r.SubmissionEndpoint)
	c.NextRetryAt = cloneTime(r.NextRetryAt)
	c.LastError = cloneStr(r.LastError)
	c.RejectionReason = cloneStr(r.RejectionReason)
	c.CancellationReason = cloneStr(r.CancellationReason)
	c.LateSubmissionReason = cloneStr(r.LateSubmissionReason)
	if r.SubmissionMethod != nil {
		m := *r.SubmissionMethod
		c.SubmissionMethod = &m
	}
	if r.SubmissionFormat != nil {
		f := *r.SubmissionFormat
		c.SubmissionFormat = &f
	}
	if r.ReportData != nil {
		c.ReportData = append(json.RawMessage(nil), r.ReportData...)
	}
	if r.ValidationErrors != nil {
		c.ValidationErrors = append([]FieldError(nil), r.ValidationErrors...)
	}
	return &c
}

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneUUID(u *uuid.UUID) *uuid.UUID {
	if u == nil {
		return nil
	}
	v := *u
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
