package statereport

import (
	"encoding/json"
	"errors"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var icd10Pattern = regexp.MustCompile(`^[A-Z][0-9][0-9A-Z](\.?[0-9A-Z]{1,4})?$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterValidation("icd10", func(fl validator.FieldLevel) bool {
		return icd10Pattern.MatchString(normalizeCode(fl.Field().String()))
	})
	v.RegisterValidation("report_type", func(fl validator.FieldLevel) bool {
		return validReportTypes[ReportType(fl.Field().String())]
	})
	v.RegisterValidation("registry_type", func(fl validator.FieldLevel) bool {
		return validRegistryTypes[RegistryType(fl.Field().String())]
	})
	return v
}

// validateRequest runs struct-tag validation and converts failures to a
// field-keyed ValidationError.
func validateRequest(req interface{}) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := &ValidationError{}
	for _, fe := range verrs {
		out.Errors = append(out.Errors, FieldError{
			Field:    fe.Field(),
			Message:  tagMessage(fe),
			Severity: "error",
		})
	}
	return out
}

func tagMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "uuid":
		return "must be a valid UUID"
	case "icd10":
		return "must be a valid ICD-10 code"
	case "report_type":
		return "unknown report type"
	case "registry_type":
		return "unknown registry type"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "url":
		return "must be a valid URL"
	default:
		return "failed " + fe.Tag() + " check"
	}
}

// CreateRequest is the inbound payload for a new report.
type CreateRequest struct {
	ReportType           string          `json:"report_type" validate:"required,report_type"`
	RegistryType         string          `json:"registry_type" validate:"required,registry_type"`
	ConditionCode        *string         `json:"condition_code" validate:"omitempty,icd10"`
	ConditionName        *string         `json:"condition_name" validate:"omitempty,max=255"`
	PatientID            string          `json:"patient_id" validate:"required,uuid"`
	EncounterID          *string         `json:"encounter_id" validate:"omitempty,uuid"`
	ReportingProviderID  *string         `json:"reporting_provider_id" validate:"omitempty,uuid"`
	ReportingFacility    *string         `json:"reporting_facility" validate:"omitempty,max=255"`
	ReportDate           *time.Time      `json:"report_date"`
	IncidentDate         *time.Time      `json:"incident_date"`
	ReportTitle          string          `json:"report_title" validate:"max=500"`
	ReportData           json.RawMessage `json:"report_data"`
	Summary              *string         `json:"summary"`
	ClinicalFindings     *string         `json:"clinical_findings"`
	LateSubmissionReason *string         `json:"late_submission_reason" validate:"omitempty,max=1000"`
}

func (req *CreateRequest) toReport(now time.Time) *Report {
	r := &Report{
		ReportType:           ReportType(req.ReportType),
		RegistryType:         RegistryType(req.RegistryType),
		ConditionCode:        req.ConditionCode,
		ConditionName:        req.ConditionName,
		PatientID:            uuid.MustParse(req.PatientID),
		EncounterID:          parseOptionalUUID(req.EncounterID),
		ReportingProviderID:  parseOptionalUUID(req.ReportingProviderID),
		ReportingFacility:    req.ReportingFacility,
		ReportDate:           now,
		IncidentDate:         req.IncidentDate,
		ReportTitle:          strings.TrimSpace(req.ReportTitle),
		ReportData:           req.ReportData,
		Summary:              req.Summary,
		ClinicalFindings:     req.ClinicalFindings,
		LateSubmissionReason: req.LateSubmissionReason,
	}
	if req.ReportDate != nil && !req.ReportDate.IsZero() {
		r.ReportDate = req.ReportDate.UTC()
	}
	if r.ConditionCode != nil {
		code := normalizeCode(*r.ConditionCode)
		r.ConditionCode = &code
	}
	return r
}

// UpdateRequest carries a partial edit; nil fields are left unchanged.
type UpdateRequest struct {
	RegistryType         *string         `json:"registry_type" validate:"omitempty,registry_type"`
	ConditionCode        *string         `json:"condition_code" validate:"omitempty,icd10"`
	ConditionName        *string         `json:"condition_name" validate:"omitempty,max=255"`
	EncounterID          *string         `json:"encounter_id" validate:"omitempty,uuid"`
	ReportingProviderID  *string         `json:"reporting_provider_id" validate:"omitempty,uuid"`
	ReportingFacility    *string         `json:"reporting_facility" validate:"omitempty,max=255"`
	ReportDate           *time.Time      `json:"report_date"`
	IncidentDate         *time.Time      `json:"incident_date"`
	ReportTitle          *string         `json:"report_title" validate:"omitempty,max=500"`
	ReportData           json.RawMessage `json:"report_data"`
	Summary              *string         `json:"summary"`
	ClinicalFindings     *string         `json:"clinical_findings"`
	LateSubmissionReason *string         `json:"late_submission_reason" validate:"omitempty,max=1000"`
}

func (req *UpdateRequest) apply(r *Report) {
	if req.RegistryType != nil {
		r.RegistryType = RegistryType(*req.RegistryType)
	}
	if req.ConditionCode != nil {
		code := normalizeCode(*req.ConditionCode)
		r.ConditionCode = &code
	}
	if req.ConditionName != nil {
		r.ConditionName = req.ConditionName
	}
	if req.EncounterID != nil {
		r.EncounterID = parseOptionalUUID(req.EncounterID)
	}
	if req.ReportingProviderID != nil {
		r.ReportingProviderID = parseOptionalUUID(req.ReportingProviderID)
	}
	if req.ReportingFacility != nil {
		r.ReportingFacility = req.ReportingFacility
	}
	if req.ReportDate != nil && !req.ReportDate.IsZero() {
		r.ReportDate = req.ReportDate.UTC()
	}
	if req.IncidentDate != nil {
		r.IncidentDate = req.IncidentDate
	}
	if req.ReportTitle != nil {
		r.ReportTitle = strings.TrimSpace(*req.ReportTitle)
	}
	if len(req.ReportData) > 0 {
		r.ReportData = req.ReportData
	}
	if req.Summary != nil {
		r.Summary = req.Summary
	}
	if req.ClinicalFindings != nil {
		r.ClinicalFindings = req.ClinicalFindings
	}
	if req.LateSubmissionReason != nil {
		r.LateSubmissionReason = req.LateSubmissionReason
	}
}

// SubmitRequest overrides the registry endpoint for a single submission.
// Empty fields fall back to the report's stored configuration and then to
// the registry directory.
type SubmitRequest struct {
	Endpoint              string `json:"endpoint" validate:"omitempty,url"`
	Method                string `json:"method" validate:"omitempty,oneof=REST_API MLLP"`
	Format                string `json:"format" validate:"omitempty,oneof=HL7_V2 FHIR XML JSON EDI"`
	AuthToken             string `json:"auth_token"`
	TimeoutSeconds        int    `json:"timeout_seconds" validate:"omitempty,min=1,max=600"`
	RequireAcknowledgment *bool  `json:"require_acknowledgment"`
	Priority              string `json:"priority" validate:"omitempty,oneof=IMMEDIATE URGENT NORMAL ROUTINE"`
}

// CancelRequest carries the mandatory cancellation reason.
type CancelRequest struct {
	Reason string `json:"reason" validate:"required,max=1000"`
}

// AcknowledgmentRequest records an asynchronous registry response.
type AcknowledgmentRequest struct {
	AcknowledgmentID    string `json:"acknowledgment_id" validate:"required,max=255"`
	Accepted            bool   `json:"accepted"`
	Reason              string `json:"reason" validate:"max=2000"`
	ExternalReferenceID string `json:"external_reference_id" validate:"max=255"`
	RegistryCaseID      string `json:"registry_case_id" validate:"max=255"`
}

// AmendRequest spawns a corrected copy of a submitted report.
type AmendRequest struct {
	AmendmentReason   string         `json:"amendment_reason" validate:"required,max=1000"`
	UpdatedFields     *UpdateRequest `json:"updated_fields"`
	SubmitImmediately bool           `json:"submit_immediately"`
	Submit            *SubmitRequest `json:"submit"`
}

func parseOptionalUUID(s *string) *uuid.UUID {
	if s == nil || *s == "" {
		return nil
	}
	id, err := uuid.Parse(*s)
	if err != nil {
		return nil
	}
	return &id
}
