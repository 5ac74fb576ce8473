package statereport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/phreport/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type reportRepoPG struct{ pool *pgxpool.Pool }

func NewReportRepoPG(pool *pgxpool.Pool) Repository {
	return &reportRepoPG{pool: pool}
}

func (r *reportRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const reportCols = `id, report_type, registry_type, condition_code, condition_name,
	patient_id, encounter_id, reporting_provider_id, reporting_facility,
	report_date, incident_date, submission_date, acknowledgment_date, reporting_deadline,
	submission_status, validation_status, priority_level, confidentiality_level, is_mandatory,
	report_title, report_data, summary, clinical_findings,
	is_amendment, original_report_id, amendment_reason,
	registry_case_id, external_reference_id, acknowledgment_id, submission_id,
	submission_method, submission_format, submission_endpoint, require_acknowledgment, timeout_seconds,
	retry_count, next_retry_at, last_error,
	rejection_reason, cancellation_reason, late_submission_reason, validation_errors,
	version_id, created_at, updated_at`

func (r *reportRepoPG) scanReport(row pgx.Row) (*Report, error) {
	var rp Report
	var data, verrs []byte
	err := row.Scan(&rp.ID, &rp.ReportType, &rp.RegistryType, &rp.ConditionCode, &rp.ConditionName,
		&rp.PatientID, &rp.EncounterID, &rp.ReportingProviderID, &rp.ReportingFacility,
		&rp.ReportDate, &rp.IncidentDate, &rp.SubmissionDate, &rp.AcknowledgmentDate, &rp.ReportingDeadline,
		&rp.SubmissionStatus, &rp.ValidationStatus, &rp.PriorityLevel, &rp.Confidentiality, &rp.IsMandatory,
		&rp.ReportTitle, &data, &rp.Summary, &rp.ClinicalFindings,
		&rp.IsAmendment, &rp.OriginalReportID, &rp.AmendmentReason,
		&rp.RegistryCaseID, &rp.ExternalReferenceID, &rp.AcknowledgmentID, &rp.SubmissionID,
		&rp.SubmissionMethod, &rp.SubmissionFormat, &rp.SubmissionEndpoint, &rp.RequireAcknowledgment, &rp.TimeoutSeconds,
		&rp.RetryCount, &rp.NextRetryAt, &rp.LastError,
		&rp.RejectionReason, &rp.CancellationReason, &rp.LateSubmissionReason, &verrs,
		&rp.VersionID, &rp.CreatedAt, &rp.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(data) > 0 {
		rp.ReportData = json.RawMessage(data)
	}
	if len(verrs) > 0 {
		if err := json.Unmarshal(verrs, &rp.ValidationErrors); err != nil {
			return nil, fmt.Errorf("decode validation_errors: %w", err)
		}
		if len(rp.ValidationErrors) == 0 {
			rp.ValidationErrors = nil
		}
	}
	return &rp, nil
}

func (r *reportRepoPG) scanRows(rows pgx.Rows) ([]*Report, error) {
	defer rows.Close()
	var items []*Report
	for rows.Next() {
		rp, err := r.scanReport(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, rp)
	}
	return items, rows.Err()
}

func reportDataArg(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func validationErrorsArg(errs []FieldError) ([]byte, error) {
	if errs == nil {
		errs = []FieldError{}
	}
	return json.Marshal(errs)
}

func (r *reportRepoPG) Create(ctx context.Context, rp *Report) error {
	if rp.ID == uuid.Nil {
		rp.ID = uuid.New()
	}
	verrs, err := validationErrorsArg(rp.ValidationErrors)
	if err != nil {
		return err
	}
	err = r.conn(ctx).QueryRow(ctx, `
		INSERT INTO state_report (id, report_type, registry_type, condition_code, condition_name,
			patient_id, encounter_id, reporting_provider_id, reporting_facility,
			report_date, incident_date, reporting_deadline,
			submission_status, validation_status, priority_level, confidentiality_level, is_mandatory,
			report_title, report_data, summary, clinical_findings,
			is_amendment, original_report_id, amendment_reason,
			submission_method, submission_format, submission_endpoint, require_acknowledgment, timeout_seconds,
			late_submission_reason, validation_errors, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,
			$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32,$33)
		RETURNING version_id`,
		rp.ID, rp.ReportType, rp.RegistryType, rp.ConditionCode, rp.ConditionName,
		rp.PatientID, rp.EncounterID, rp.ReportingProviderID, rp.ReportingFacility,
		rp.ReportDate, rp.IncidentDate, rp.ReportingDeadline,
		rp.SubmissionStatus, rp.ValidationStatus, rp.PriorityLevel, rp.Confidentiality, rp.IsMandatory,
		rp.ReportTitle, reportDataArg(rp.ReportData), rp.Summary, rp.ClinicalFindings,
		rp.IsAmendment, rp.OriginalReportID, rp.AmendmentReason,
		rp.SubmissionMethod, rp.SubmissionFormat, rp.SubmissionEndpoint, rp.RequireAcknowledgment, rp.TimeoutSeconds,
		rp.LateSubmissionReason, verrs, rp.CreatedAt, rp.UpdatedAt,
	).Scan(&rp.VersionID)
	return err
}

func (r *reportRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Report, error) {
	return r.scanReport(r.conn(ctx).QueryRow(ctx, `SELECT `+reportCols+` FROM state_report WHERE id = $1`, id))
}

func (r *reportRepoPG) GetBySubmissionID(ctx context.Context, submissionID string) (*Report, error) {
	return r.scanReport(r.conn(ctx).QueryRow(ctx, `SELECT `+reportCols+` FROM state_report WHERE submission_id = $1`, submissionID))
}

func (r *reportRepoPG) Update(ctx context.Context, rp *Report, from ...SubmissionStatus) (bool, error) {
	verrs, err := validationErrorsArg(rp.ValidationErrors)
	if err != nil {
		return false, err
	}
	query := `
		UPDATE state_report SET registry_type=$2, condition_code=$3, condition_name=$4,
			encounter_id=$5, reporting_provider_id=$6, reporting_facility=$7,
			report_date=$8, incident_date=$9, submission_date=$10, acknowledgment_date=$11, reporting_deadline=$12,
			submission_status=$13, validation_status=$14, priority_level=$15, confidentiality_level=$16, is_mandatory=$17,
			report_title=$18, report_data=$19, summary=$20, clinical_findings=$21,
			registry_case_id=$22, external_reference_id=$23, acknowledgment_id=$24, submission_id=$25,
			submission_method=$26, submission_format=$27, submission_endpoint=$28,
			require_acknowledgment=$29, timeout_seconds=$30,
			retry_count=$31, next_retry_at=$32, last_error=$33,
			rejection_reason=$34, cancellation_reason=$35, late_submission_reason=$36, validation_errors=$37,
			version_id=version_id+1, updated_at=$38
		WHERE id = $1`
	args := []interface{}{
		rp.ID, rp.RegistryType, rp.ConditionCode, rp.ConditionName,
		rp.EncounterID, rp.ReportingProviderID, rp.ReportingFacility,
		rp.ReportDate, rp.IncidentDate, rp.SubmissionDate, rp.AcknowledgmentDate, rp.ReportingDeadline,
		rp.SubmissionStatus, rp.ValidationStatus, rp.PriorityLevel, rp.Confidentiality, rp.IsMandatory,
		rp.ReportTitle, reportDataArg(rp.ReportData), rp.Summary, rp.ClinicalFindings,
		rp.RegistryCaseID, rp.ExternalReferenceID, rp.AcknowledgmentID, rp.SubmissionID,
		rp.SubmissionMethod, rp.SubmissionFormat, rp.SubmissionEndpoint,
		rp.RequireAcknowledgment, rp.TimeoutSeconds,
		rp.RetryCount, rp.NextRetryAt, rp.LastError,
		rp.RejectionReason, rp.CancellationReason, rp.LateSubmissionReason, verrs,
		rp.UpdatedAt,
	}
	if len(from) > 0 {
		query += ` AND submission_status = ANY($39)`
		args = append(args, statusStrings(from))
	}
	query += ` RETURNING version_id`

	err = r.conn(ctx).QueryRow(ctx, query, args...).Scan(&rp.VersionID)
	if errors.Is(err, pgx.ErrNoRows) {
		if len(from) == 0 {
			return false, ErrNotFound
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *reportRepoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Report, int, error) {
	var where []string
	var args []interface{}
	idx := 1
	add := func(clause string, v interface{}) {
		where = append(where, fmt.Sprintf(clause, idx))
		args = append(args, v)
		idx++
	}
	if f.Status != "" {
		add("submission_status = $%d", f.Status)
	}
	if f.ReportType != "" {
		add("report_type = $%d", f.ReportType)
	}
	if f.RegistryType != "" {
		add("registry_type = $%d", f.RegistryType)
	}
	if f.Priority != "" {
		add("priority_level = $%d", f.Priority)
	}
	if f.PatientID != nil {
		add("patient_id = $%d", *f.PatientID)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM state_report`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT %s FROM state_report%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		reportCols, clause, idx, idx+1)
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	items, err := r.scanRows(rows)
	return items, total, err
}

func (r *reportRepoPG) ListAmendments(ctx context.Context, originalID uuid.UUID) ([]*Report, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+reportCols+` FROM state_report
		WHERE original_report_id = $1 ORDER BY created_at`, originalID)
	if err != nil {
		return nil, err
	}
	return r.scanRows(rows)
}

func (r *reportRepoPG) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*Report, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+reportCols+` FROM state_report
		WHERE reporting_deadline < $1 AND NOT (submission_status = ANY($2))
		ORDER BY reporting_deadline LIMIT $3`, now, statusStrings(overdueExcluded), limit)
	if err != nil {
		return nil, err
	}
	return r.scanRows(rows)
}

func (r *reportRepoPG) ListHighPriorityPending(ctx context.Context, limit int) ([]*Report, error) {
	priorities := make([]string, len(highPriorities))
	for i, p := range highPriorities {
		priorities[i] = string(p)
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+reportCols+` FROM state_report
		WHERE priority_level = ANY($1) AND submission_status = ANY($2)
		ORDER BY reporting_deadline NULLS LAST LIMIT $3`, priorities, statusStrings(pendingStatuses), limit)
	if err != nil {
		return nil, err
	}
	return r.scanRows(rows)
}

func (r *reportRepoPG) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*Report, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+reportCols+` FROM state_report
		WHERE submission_status = $1 AND next_retry_at <= $2
		ORDER BY next_retry_at LIMIT $3`, StatusError, now, limit)
	if err != nil {
		return nil, err
	}
	return r.scanRows(rows)
}

func (r *reportRepoPG) ListStaleSubmitting(ctx context.Context, before time.Time, limit int) ([]*Report, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+reportCols+` FROM state_report
		WHERE submission_status = $1 AND updated_at < $2
		ORDER BY updated_at LIMIT $3`, StatusSubmitting, before, limit)
	if err != nil {
		return nil, err
	}
	return r.scanRows(rows)
}

func statusStrings(statuses []SubmissionStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
