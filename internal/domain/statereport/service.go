package statereport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/phreport/internal/platform/audit"
	"github.com/ehr/phreport/internal/platform/auth"
	"github.com/ehr/phreport/internal/platform/lock"
	"github.com/ehr/phreport/internal/platform/metrics"
)

const entityType = "StateReport"

// Settings tunes validation and retry behaviour.
type Settings struct {
	DeadlineGrace    time.Duration
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	DefaultTimeout   time.Duration
}

// DefaultSettings returns the values used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		DeadlineGrace:    24 * time.Hour,
		RetryMaxAttempts: 5,
		RetryBaseDelay:   30 * time.Second,
		RetryMaxDelay:    time.Hour,
		DefaultTimeout:   30 * time.Second,
	}
}

// Transactor runs fn inside a storage transaction carried on ctx.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type noTx struct{}

func (noTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

// Option configures a Service.
type Option func(*Service)

func WithGateway(g Submitter) Option { return func(s *Service) { s.gateway = g } }
func WithLocker(l lock.Locker) Option { return func(s *Service) { s.locker = l } }
func WithAuditSink(a audit.Sink) Option { return func(s *Service) { s.audit = a } }
func WithNotifier(n ImmediateNotifier) Option { return func(s *Service) { s.notifier = n } }
func WithEndpoints(r EndpointResolver) Option { return func(s *Service) { s.endpoints = r } }
func WithTransactor(t Transactor) Option { return func(s *Service) { s.tx = t } }
func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.logger = l } }
func WithSettings(cfg Settings) Option { return func(s *Service) { s.settings = cfg } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// Service drives reports through their lifecycle. All mutations go through
// a compare-and-set on the stored status, so two callers racing on the same
// report never both win.
type Service struct {
	repo       Repository
	classifier *Classifier
	gateway    Submitter
	locker     lock.Locker
	audit      audit.Sink
	notifier   ImmediateNotifier
	endpoints  EndpointResolver
	tx         Transactor
	logger     zerolog.Logger
	settings   Settings
	now        func() time.Time
}

func NewService(repo Repository, classifier *Classifier, opts ...Option) *Service {
	s := &Service{
		repo:       repo,
		classifier: classifier,
		locker:     lock.NewLocal(),
		audit:      audit.NopSink{},
		tx:         noTx{},
		logger:     zerolog.Nop(),
		settings:   DefaultSettings(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Settings returns the active configuration.
func (s *Service) Settings() Settings { return s.settings }

func (s *Service) Create(ctx context.Context, req *CreateRequest) (*Report, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	now := s.now()
	r := req.toReport(now)
	r.ID = uuid.New()
	r.SubmissionStatus = StatusDraft
	r.ValidationStatus = ValidationNotValidated
	r.CreatedAt = now
	r.UpdatedAt = now

	// A draft is classified when it leaves DRAFT.
	becameImmediate := false
	if r.HasContent() {
		becameImmediate = s.classify(r, true)
		applyStatus(r, StatusPendingValidation)
	}

	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Create(ctx, r); err != nil {
			return fmt.Errorf("create report: %w", err)
		}
		return s.audit.Record(ctx, s.event(ctx, audit.ActionCreate, r, "", "report created"))
	})
	if err != nil {
		return nil, err
	}
	s.observeTransition(StatusDraft, r.SubmissionStatus)
	if becameImmediate {
		s.notifyImmediate(ctx, r)
	}
	return r, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Report, error) {
	r, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.audit.Record(ctx, s.event(ctx, audit.ActionRead, r, "", "")); err != nil {
		s.logger.Warn().Err(err).Str("report_id", id.String()).Msg("failed to record read audit")
	}
	return r, nil
}

func (s *Service) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Report, int, error) {
	return s.repo.List(ctx, f, limit, offset)
}

// ListAmendments returns the amendments filed against a report.
func (s *Service) ListAmendments(ctx context.Context, originalID uuid.UUID) ([]*Report, error) {
	if _, err := s.repo.GetByID(ctx, originalID); err != nil {
		return nil, err
	}
	return s.repo.ListAmendments(ctx, originalID)
}

// Update edits a report that has not yet been submitted. Editing anything
// past DRAFT sends the report back through validation.
func (s *Service) Update(ctx context.Context, id uuid.UUID, req *UpdateRequest) (*Report, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	r, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !editableStatuses[r.SubmissionStatus] {
		return nil, &TransitionError{
			ReportID: r.ID, From: r.SubmissionStatus, To: StatusPendingValidation,
			Reason: "reports can only be edited before submission",
		}
	}

	from := r.SubmissionStatus
	prevCode := normalizeCode(derefStr(r.ConditionCode))
	req.apply(r)
	r.UpdatedAt = s.now()

	becameImmediate := false
	switch {
	case from == StatusDraft && r.HasContent():
		becameImmediate = s.classify(r, true)
		applyStatus(r, StatusPendingValidation)
	case from == StatusDraft:
	default:
		becameImmediate = s.classify(r, prevCode != normalizeCode(derefStr(r.ConditionCode)))
	}
	switch {
	case from != StatusDraft && from != StatusPendingValidation:
		s.resetForRevalidation(r)
		applyStatus(r, StatusPendingValidation)
	}
	if from == StatusPendingValidation {
		r.ValidationStatus = ValidationNotValidated
		r.ValidationErrors = nil
	}

	if err := s.commit(ctx, r, []SubmissionStatus{from}, s.event(ctx, audit.ActionUpdate, r, from, "report updated")); err != nil {
		return nil, err
	}
	s.observeTransition(from, r.SubmissionStatus)
	if becameImmediate {
		s.notifyImmediate(ctx, r)
	}
	return r, nil
}

// Validate runs the structural checks on a PENDING_VALIDATION report and
// moves it to READY_FOR_SUBMISSION or VALIDATION_FAILED. A failed check is
// persisted and also returned as a *ValidationError.
func (s *Service) Validate(ctx context.Context, id uuid.UUID) (*Report, error) {
	r, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.SubmissionStatus != StatusPendingValidation {
		reason := "only reports pending validation can be validated"
		if r.SubmissionStatus == StatusDraft {
			reason = "report_title and report_data are required before validation"
		}
		return nil, &TransitionError{ReportID: r.ID, From: r.SubmissionStatus, To: StatusReadyForSubmission, Reason: reason}
	}

	now := s.now()
	findings := CheckReport(r, now, s.settings.DeadlineGrace)
	r.ValidationErrors = findings
	r.UpdatedAt = now

	var result error
	switch {
	case HasErrors(findings):
		r.ValidationStatus = ValidationInvalid
		applyStatus(r, StatusValidationFailed)
		result = &ValidationError{Errors: errorsOnly(findings)}
	case len(findings) > 0:
		r.ValidationStatus = ValidationValidWithWarnings
		applyStatus(r, StatusReadyForSubmission)
	default:
		r.ValidationStatus = ValidationValid
		applyStatus(r, StatusReadyForSubmission)
	}

	ev := s.event(ctx, audit.ActionValidate, r, StatusPendingValidation, string(r.ValidationStatus))
	if result != nil {
		ev.Outcome = audit.OutcomeMinorFailure
	}
	if err := s.commit(ctx, r, []SubmissionStatus{StatusPendingValidation}, ev); err != nil {
		return nil, err
	}
	s.observeTransition(StatusPendingValidation, r.SubmissionStatus)
	return r, result
}

// Submit sends a READY_FOR_SUBMISSION or ERROR report to its registry. At
// most one submission per report is in flight; concurrent callers get an
// *InProgressError. A transport failure parks the report in ERROR and is
// returned as a *SubmissionError carrying the updated report. If ctx is
// cancelled during the registry call the report stays in SUBMITTING for the
// recovery sweep.
func (s *Service) Submit(ctx context.Context, id uuid.UUID, req *SubmitRequest) (*Report, error) {
	if req != nil {
		if err := validateRequest(req); err != nil {
			return nil, err
		}
	}
	r, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkSubmittable(r); err != nil {
		return nil, err
	}
	if s.gateway == nil {
		return nil, errors.New("no submission gateway configured")
	}
	ep, ok := endpointFor(r, req, s.endpoints, s.settings.DefaultTimeout)
	if !ok {
		return nil, fmt.Errorf("report %s (%s): %w", r.ID, r.RegistryType, ErrNoSubmissionEndpoint)
	}
	if err := checkEndpoint(ep); err != nil {
		return nil, fmt.Errorf("report %s (%s): %w", r.ID, r.RegistryType, err)
	}

	held, err := s.locker.TryLock(ctx, "state-report:"+id.String())
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return nil, &InProgressError{ReportID: id, Status: r.SubmissionStatus}
		}
		return nil, fmt.Errorf("lock report %s: %w", id, err)
	}
	defer func() {
		if err := held.Unlock(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn().Err(err).Str("report_id", id.String()).Msg("failed to release submission lock")
		}
	}()

	// Re-read under the lock; another instance may have finished meanwhile.
	r, err = s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkSubmittable(r); err != nil {
		return nil, err
	}

	from := r.SubmissionStatus
	rememberEndpoint(r, ep)
	r.UpdatedAt = s.now()
	applyStatus(r, StatusSubmitting)
	ev := s.event(ctx, audit.ActionSubmit, r, from, "submission started")
	ev.Detail = map[string]string{"endpoint": ep.URL, "method": string(ep.Method), "format": string(ep.Format)}
	if err := s.commit(ctx, r, submittableStatuses, ev); err != nil {
		if errors.Is(err, ErrStaleReport) {
			return nil, &InProgressError{ReportID: id, Status: StatusSubmitting}
		}
		return nil, err
	}
	s.observeTransition(from, StatusSubmitting)

	callCtx, cancel := context.WithTimeout(ctx, ep.Timeout)
	defer cancel()
	started := time.Now()
	res, callErr := s.gateway.Submit(callCtx, r.Clone(), ep)
	took := time.Since(started)

	if callErr != nil && ctx.Err() != nil {
		s.logger.Warn().Err(callErr).Str("report_id", id.String()).
			Msg("submission interrupted by caller; left in SUBMITTING for recovery")
		metrics.ObserveSubmission(string(r.RegistryType), string(ep.Method), "interrupted", took)
		return r, fmt.Errorf("submission of report %s interrupted: %w", id, ctx.Err())
	}

	// The outcome is recorded even if the caller goes away now.
	persistCtx := context.WithoutCancel(ctx)
	now := s.now()
	r.UpdatedAt = now

	if callErr != nil {
		retryable := IsRetryable(callErr)
		s.parkError(r, callErr, now, retryable)
		desc := "registry transport failure"
		if !retryable {
			desc = "submission failed; not retryable"
		}
		ev := s.event(ctx, audit.ActionSubmit, r, StatusSubmitting, desc)
		ev.Outcome = audit.OutcomeSeriousFail
		ev.Detail = map[string]string{"error": callErr.Error(), "attempt": fmt.Sprint(r.RetryCount)}
		if err := s.commit(persistCtx, r, []SubmissionStatus{StatusSubmitting}, ev); err != nil {
			return nil, fmt.Errorf("record transport failure for report %s: %w", id, err)
		}
		s.observeTransition(StatusSubmitting, StatusError)
		metrics.ObserveSubmission(string(r.RegistryType), string(ep.Method), "error", took)
		s.logger.Warn().Err(callErr).Str("report_id", id.String()).Int("attempt", r.RetryCount).
			Bool("retryable", retryable).Msg("registry submission failed")
		return r, &SubmissionError{Report: r, Err: callErr}
	}

	outcome := s.applyResult(r, res, now)
	ev = s.event(ctx, audit.ActionSubmit, r, StatusSubmitting, outcome)
	if r.SubmissionStatus == StatusRejected {
		ev.Outcome = audit.OutcomeMinorFailure
		ev.Detail = map[string]string{"reason": derefStr(r.RejectionReason)}
	}
	if err := s.commit(persistCtx, r, []SubmissionStatus{StatusSubmitting}, ev); err != nil {
		return nil, fmt.Errorf("record submission result for report %s: %w", id, err)
	}
	s.observeTransition(StatusSubmitting, r.SubmissionStatus)
	metrics.ObserveSubmission(string(r.RegistryType), string(ep.Method), outcome, took)
	return r, nil
}

func (s *Service) checkSubmittable(r *Report) error {
	if r.SubmissionStatus == StatusSubmitting {
		return &InProgressError{ReportID: r.ID, Status: r.SubmissionStatus}
	}
	if !statusIn(r.SubmissionStatus, submittableStatuses) {
		return &TransitionError{
			ReportID: r.ID, From: r.SubmissionStatus, To: StatusSubmitting,
			Reason: "report must be READY_FOR_SUBMISSION or ERROR",
		}
	}
	return nil
}

// applyResult moves a SUBMITTING report according to the registry response
// and returns the outcome label.
func (s *Service) applyResult(r *Report, res *SubmissionResult, now time.Time) string {
	if res == nil {
		res = &SubmissionResult{}
	}
	setIf := func(dst **string, v string) {
		if v != "" {
			*dst = strPtr(v)
		}
	}
	setIf(&r.SubmissionID, res.SubmissionID)
	setIf(&r.ExternalReferenceID, res.ExternalReferenceID)
	setIf(&r.RegistryCaseID, res.RegistryCaseID)
	r.NextRetryAt = nil

	if !res.Success {
		reason := res.ErrorMessage
		if reason == "" {
			reason = "rejected by registry"
		}
		r.RejectionReason = &reason
		applyStatus(r, StatusRejected)
		return "rejected"
	}

	r.LastError = nil
	r.SubmissionDate = timePtr(now)
	if res.Acknowledged {
		setIf(&r.AcknowledgmentID, res.AcknowledgmentID)
		r.AcknowledgmentDate = timePtr(now)
		applyStatus(r, StatusAcknowledged)
		return "acknowledged"
	}
	applyStatus(r, StatusSubmitted)
	return "submitted"
}

// parkError moves r to ERROR. A retryable failure schedules the next
// attempt while the budget lasts; anything else waits for a requeue.
func (s *Service) parkError(r *Report, cause error, now time.Time, retryable bool) {
	r.RetryCount++
	msg := cause.Error()
	r.LastError = &msg
	r.NextRetryAt = nil
	if retryable && r.RetryCount < s.settings.RetryMaxAttempts {
		r.NextRetryAt = timePtr(now.Add(retryDelay(r.RetryCount, s.settings.RetryBaseDelay, s.settings.RetryMaxDelay)))
	}
	applyStatus(r, StatusError)
}

// Acknowledge records an asynchronous registry response for a SUBMITTED
// report.
func (s *Service) Acknowledge(ctx context.Context, id uuid.UUID, req *AcknowledgmentRequest) (*Report, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	r, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	to := StatusAcknowledged
	if !req.Accepted {
		to = StatusRejected
	}
	if r.SubmissionStatus != StatusSubmitted {
		return nil, &TransitionError{ReportID: r.ID, From: r.SubmissionStatus, To: to, Reason: "only submitted reports can be acknowledged"}
	}

	now := s.now()
	r.UpdatedAt = now
	if req.ExternalReferenceID != "" {
		r.ExternalReferenceID = strPtr(req.ExternalReferenceID)
	}
	if req.RegistryCaseID != "" {
		r.RegistryCaseID = strPtr(req.RegistryCaseID)
	}
	ev := s.event(ctx, audit.ActionAcknowledge, r, StatusSubmitted, "")
	ev.Detail = map[string]string{"acknowledgment_id": req.AcknowledgmentID}
	if req.Accepted {
		r.AcknowledgmentID = strPtr(req.AcknowledgmentID)
		r.AcknowledgmentDate = timePtr(now)
		ev.Description = "positive acknowledgment"
	} else {
		reason := req.Reason
		if reason == "" {
			reason = "negative acknowledgment from registry"
		}
		r.RejectionReason = &reason
		ev.Description = "negative acknowledgment"
		ev.Outcome = audit.OutcomeMinorFailure
	}
	applyStatus(r, to)
	ev.ToStatus = string(to)

	if err := s.commit(ctx, r, []SubmissionStatus{StatusSubmitted}, ev); err != nil {
		return nil, err
	}
	s.observeTransition(StatusSubmitted, to)
	return r, nil
}

// AcknowledgeSubmission records an acknowledgment correlated by the
// submission id echoed back by the registry, as MLLP ACKs are.
func (s *Service) AcknowledgeSubmission(ctx context.Context, submissionID string, req *AcknowledgmentRequest) (*Report, error) {
	r, err := s.repo.GetBySubmissionID(ctx, submissionID)
	if err != nil {
		return nil, fmt.Errorf("find report for submission %s: %w", submissionID, err)
	}
	return s.Acknowledge(ctx, r.ID, req)
}

// MarkProcessed closes an ACKNOWLEDGED report.
func (s *Service) MarkProcessed(ctx context.Context, id uuid.UUID) (*Report, error) {
	r, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(r, StatusProcessed, "only acknowledged reports can be marked processed"); err != nil {
		return nil, err
	}
	r.UpdatedAt = s.now()
	applyStatus(r, StatusProcessed)
	if err := s.commit(ctx, r, []SubmissionStatus{StatusAcknowledged}, s.event(ctx, audit.ActionProcess, r, StatusAcknowledged, "registry processed report")); err != nil {
		return nil, err
	}
	s.observeTransition(StatusAcknowledged, StatusProcessed)
	return r, nil
}

// Cancel withdraws a report. An in-flight submission cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, req *CancelRequest) (*Report, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	r, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	reason := ""
	if r.SubmissionStatus == StatusSubmitting {
		reason = "submission in flight"
	}
	if err := checkTransition(r, StatusCancelled, reason); err != nil {
		return nil, err
	}

	from := r.SubmissionStatus
	r.CancellationReason = strPtr(req.Reason)
	r.NextRetryAt = nil
	r.UpdatedAt = s.now()
	applyStatus(r, StatusCancelled)
	ev := s.event(ctx, audit.ActionCancel, r, from, req.Reason)
	if err := s.commit(ctx, r, []SubmissionStatus{from}, ev); err != nil {
		return nil, err
	}
	s.observeTransition(from, StatusCancelled)
	return r, nil
}

// Requeue returns an ERROR report to READY_FOR_SUBMISSION with a fresh
// retry budget.
func (s *Service) Requeue(ctx context.Context, id uuid.UUID) (*Report, error) {
	r, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.SubmissionStatus != StatusError {
		return nil, &TransitionError{ReportID: r.ID, From: r.SubmissionStatus, To: StatusReadyForSubmission, Reason: "only reports in ERROR can be requeued"}
	}
	r.RetryCount = 0
	r.NextRetryAt = nil
	r.UpdatedAt = s.now()
	applyStatus(r, StatusReadyForSubmission)
	if err := s.commit(ctx, r, []SubmissionStatus{StatusError}, s.event(ctx, audit.ActionRequeue, r, StatusError, "manual requeue")); err != nil {
		return nil, err
	}
	s.observeTransition(StatusError, StatusReadyForSubmission)
	return r, nil
}

// Amend files a corrected copy of a report the registry already holds. The
// original is left untouched. With SubmitImmediately the amendment is then
// validated and submitted; if either step fails the stored amendment is
// returned together with the error.
func (s *Service) Amend(ctx context.Context, originalID uuid.UUID, req *AmendRequest) (*Report, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	orig, err := s.repo.GetByID(ctx, originalID)
	if err != nil {
		return nil, err
	}
	if !amendableStatuses[orig.SubmissionStatus] {
		return nil, &TransitionError{
			ReportID: orig.ID, From: orig.SubmissionStatus, To: StatusDraft,
			Reason: "amendment requires original in SUBMITTED, ACKNOWLEDGED or PROCESSED",
		}
	}

	now := s.now()
	am := amendmentOf(orig, req.AmendmentReason, now)
	if req.UpdatedFields != nil {
		req.UpdatedFields.apply(am)
	}
	becameImmediate := false
	if am.HasContent() {
		codeChanged := normalizeCode(derefStr(orig.ConditionCode)) != normalizeCode(derefStr(am.ConditionCode))
		becameImmediate = s.classify(am, codeChanged) && orig.PriorityLevel != PriorityImmediate
		applyStatus(am, StatusPendingValidation)
	}

	ev := s.event(ctx, audit.ActionAmend, am, "", req.AmendmentReason)
	ev.Detail = map[string]string{"original_report_id": orig.ID.String()}
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Create(ctx, am); err != nil {
			return fmt.Errorf("create amendment: %w", err)
		}
		return s.audit.Record(ctx, ev)
	})
	if err != nil {
		return nil, err
	}
	s.observeTransition(StatusDraft, am.SubmissionStatus)
	if becameImmediate {
		s.notifyImmediate(ctx, am)
	}

	if !req.SubmitImmediately {
		return am, nil
	}
	// The amendment is stored by now; failures below return it alongside
	// the error so the caller can follow up on it.
	validated, err := s.Validate(ctx, am.ID)
	if validated != nil {
		am = validated
	}
	if err != nil {
		return am, err
	}
	submitted, err := s.Submit(ctx, am.ID, req.Submit)
	if submitted != nil {
		am = submitted
	}
	return am, err
}

func amendmentOf(orig *Report, reason string, now time.Time) *Report {
	am := orig.Clone()
	am.ID = uuid.New()
	am.ReportDate = now
	am.IsAmendment = true
	am.OriginalReportID = &orig.ID
	am.AmendmentReason = strPtr(reason)
	am.SubmissionStatus = StatusDraft
	am.ValidationStatus = ValidationNotValidated
	am.ValidationErrors = nil
	am.SubmissionDate = nil
	am.AcknowledgmentDate = nil
	am.AcknowledgmentID = nil
	am.SubmissionID = nil
	am.ExternalReferenceID = nil
	am.RetryCount = 0
	am.NextRetryAt = nil
	am.LastError = nil
	am.RejectionReason = nil
	am.CancellationReason = nil
	am.LateSubmissionReason = nil
	am.VersionID = 0
	am.CreatedAt = now
	am.UpdatedAt = now
	return am
}

// RetryDue resubmits ERROR reports whose backoff has elapsed and returns
// how many were attempted.
func (s *Service) RetryDue(ctx context.Context, limit int) (int, error) {
	due, err := s.repo.ListDueRetries(ctx, s.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("list due retries: %w", err)
	}
	attempted := 0
	for _, r := range due {
		if ctx.Err() != nil {
			return attempted, ctx.Err()
		}
		attempted++
		_, err := s.Submit(ctx, r.ID, nil)
		var inProgress *InProgressError
		var subErr *SubmissionError
		switch {
		case err == nil, errors.As(err, &subErr):
		case errors.As(err, &inProgress):
			attempted--
		default:
			s.logger.Error().Err(err).Str("report_id", r.ID.String()).Msg("retry failed")
		}
	}
	return attempted, nil
}

// RecoverStale moves reports stuck in SUBMITTING for longer than staleAfter
// to ERROR so they become eligible for retry. Reports whose submission lock
// is still held are skipped.
func (s *Service) RecoverStale(ctx context.Context, staleAfter time.Duration, limit int) (int, error) {
	now := s.now()
	stale, err := s.repo.ListStaleSubmitting(ctx, now.Add(-staleAfter), limit)
	if err != nil {
		return 0, fmt.Errorf("list stale submissions: %w", err)
	}
	recovered := 0
	for _, r := range stale {
		ok, err := s.recoverOne(ctx, r.ID, now)
		if err != nil {
			s.logger.Error().Err(err).Str("report_id", r.ID.String()).Msg("recovery failed")
			continue
		}
		if ok {
			recovered++
		}
	}
	return recovered, nil
}

func (s *Service) recoverOne(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	held, err := s.locker.TryLock(ctx, "state-report:"+id.String())
	if errors.Is(err, lock.ErrLocked) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer held.Unlock(context.WithoutCancel(ctx))

	r, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	if r.SubmissionStatus != StatusSubmitting {
		return false, nil
	}
	r.UpdatedAt = now
	s.parkError(r, errors.New("submission outcome unknown; recovered from SUBMITTING"), now, true)
	ev := s.event(ctx, audit.ActionRecover, r, StatusSubmitting, "stale submission recovered")
	ev.Outcome = audit.OutcomeMinorFailure
	if err := s.commit(ctx, r, []SubmissionStatus{StatusSubmitting}, ev); err != nil {
		if errors.Is(err, ErrStaleReport) {
			return false, nil
		}
		return false, err
	}
	s.observeTransition(StatusSubmitting, StatusError)
	s.logger.Warn().Str("report_id", id.String()).Msg("recovered stale submission")
	return true, nil
}

// classify recomputes priority and deadline. Priority only rises unless the
// condition code itself changed. It reports whether the report has just
// become IMMEDIATE.
func (s *Service) classify(r *Report, codeChanged bool) bool {
	prev := r.PriorityLevel
	p := s.classifier.Classify(r.ConditionCode, r.ConditionName)
	if !codeChanged && prev != "" {
		p = MaxPriority(prev, p)
	}
	r.PriorityLevel = p

	d := ComputeDeadline(r.ReportType, p, r.IncidentDate, r.ReportDate)
	r.ReportingDeadline = timePtr(d.Deadline)
	r.IsMandatory = d.IsMandatory
	r.Confidentiality = d.Confidentiality
	return p == PriorityImmediate && prev != PriorityImmediate
}

// resetForRevalidation clears the results of a previous validation or
// registry round before the report re-enters PENDING_VALIDATION.
func (s *Service) resetForRevalidation(r *Report) {
	r.ValidationStatus = ValidationNotValidated
	r.ValidationErrors = nil
	r.SubmissionDate = nil
	r.RetryCount = 0
	r.NextRetryAt = nil
	r.LastError = nil
}

func (s *Service) commit(ctx context.Context, r *Report, from []SubmissionStatus, ev *audit.Event) error {
	return s.tx.InTx(ctx, func(ctx context.Context) error {
		ok, err := s.repo.Update(ctx, r, from...)
		if err != nil {
			return fmt.Errorf("update report %s: %w", r.ID, err)
		}
		if !ok {
			return ErrStaleReport
		}
		return s.audit.Record(ctx, ev)
	})
}

func (s *Service) event(ctx context.Context, action string, r *Report, from SubmissionStatus, desc string) *audit.Event {
	id := r.ID
	return &audit.Event{
		Action:      action,
		Actor:       actorFrom(ctx),
		EntityType:  entityType,
		EntityID:    &id,
		FromStatus:  string(from),
		ToStatus:    string(r.SubmissionStatus),
		Description: desc,
		RecordedAt:  s.now(),
	}
}

func (s *Service) observeTransition(from, to SubmissionStatus) {
	if from != to {
		metrics.Transitions.WithLabelValues(string(from), string(to)).Inc()
	}
}

func (s *Service) notifyImmediate(ctx context.Context, r *Report) {
	if s.notifier == nil {
		return
	}
	s.notifier.NotifyImmediate(ctx, r.Clone())
}

func actorFrom(ctx context.Context) string {
	if uid := auth.UserIDFromContext(ctx); uid != "" {
		return uid
	}
	return "system"
}

func errorsOnly(findings []FieldError) []FieldError {
	var out []FieldError
	for _, f := range findings {
		if f.Severity == severityError {
			out = append(out, f)
		}
	}
	return out
}
