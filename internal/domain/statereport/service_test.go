package statereport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/phreport/internal/platform/audit"
	"github.com/ehr/phreport/internal/platform/auth"
	"github.com/ehr/phreport/internal/platform/lock"
)

type fakeGateway struct {
	mu     sync.Mutex
	result *SubmissionResult
	err    error
	calls  int
	last   EndpointConfig
	// started is signalled on entry; release, when set, holds the call
	// until closed or ctx ends.
	started chan struct{}
	release chan struct{}
}

func (g *fakeGateway) Submit(ctx context.Context, r *Report, ep EndpointConfig) (*SubmissionResult, error) {
	g.mu.Lock()
	g.calls++
	g.last = ep
	res, err, started, release := g.result, g.err, g.started, g.release
	g.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &SubmissionResult{Success: true, SubmissionID: "sub-" + r.ID.String()[:8]}
	}
	return res, nil
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// transientErr stands in for a gateway transport failure.
type transientErr string

func (e transientErr) Error() string { return string(e) }
func (e transientErr) Retryable() bool { return true }

type fakeNotifier struct {
	mu      sync.Mutex
	reports []*Report
}

func (n *fakeNotifier) NotifyImmediate(_ context.Context, r *Report) {
	n.mu.Lock()
	n.reports = append(n.reports, r)
	n.mu.Unlock()
}

type recordingSink struct {
	mu     sync.Mutex
	events []*audit.Event
}

func (s *recordingSink) Record(_ context.Context, e *audit.Event) error {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.events {
		out = append(out, e.Action)
	}
	return out
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type serviceFixture struct {
	svc      *Service
	repo     *MemoryRepository
	gateway  *fakeGateway
	notifier *fakeNotifier
	sink     *recordingSink
	locker   *lock.LocalLocker
	clock    *testClock
}

var serviceStart = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func newFixture(opts ...Option) *serviceFixture {
	f := &serviceFixture{
		repo:     NewMemoryRepository(),
		gateway:  &fakeGateway{},
		notifier: &fakeNotifier{},
		sink:     &recordingSink{},
		locker:   lock.NewLocal(),
		clock:    &testClock{t: serviceStart},
	}
	base := []Option{
		WithGateway(f.gateway),
		WithNotifier(f.notifier),
		WithAuditSink(f.sink),
		WithLocker(f.locker),
		WithClock(f.clock.Now),
		WithEndpoints(staticResolver{RegistryCDCNNDSS: {URL: "https://nndss.example/cases", Format: FormatFHIR}}),
	}
	f.svc = NewService(f.repo, NewClassifier(DefaultRules()), append(base, opts...)...)
	return f
}

func measlesRequest() *CreateRequest {
	incident := serviceStart.Add(-2 * time.Hour)
	return &CreateRequest{
		ReportType:    string(ReportTypeDiseaseSurveillance),
		RegistryType:  string(RegistryCDCNNDSS),
		ConditionCode: sp("b05.9"),
		ConditionName: sp("Measles"),
		PatientID:     uuid.NewString(),
		IncidentDate:  &incident,
		ReportTitle:   "  Measles case  ",
		ReportData:    json.RawMessage(`{"lab":"IgM positive"}`),
	}
}

func (f *serviceFixture) ready(t *testing.T) *Report {
	t.Helper()
	ctx := context.Background()
	r, err := f.svc.Create(ctx, measlesRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	r, err = f.svc.Validate(ctx, r.ID)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	return r
}

func (f *serviceFixture) submitted(t *testing.T) *Report {
	t.Helper()
	r := f.ready(t)
	r, err := f.svc.Submit(context.Background(), r.ID, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if r.SubmissionStatus != StatusSubmitted {
		t.Fatalf("expected SUBMITTED, got %s", r.SubmissionStatus)
	}
	return r
}

func (f *serviceFixture) stored(t *testing.T, id uuid.UUID) *Report {
	t.Helper()
	r, err := f.repo.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return r
}

func TestService_Create(t *testing.T) {
	f := newFixture()
	ctx := context.WithValue(context.Background(), auth.UserIDKey, "dr-lee")

	r, err := f.svc.Create(ctx, measlesRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.SubmissionStatus != StatusPendingValidation {
		t.Errorf("expected PENDING_VALIDATION, got %s", r.SubmissionStatus)
	}
	if r.PriorityLevel != PriorityImmediate {
		t.Errorf("expected IMMEDIATE, got %s", r.PriorityLevel)
	}
	if derefStr(r.ConditionCode) != "B05.9" || r.ReportTitle != "Measles case" {
		t.Errorf("expected normalized input, got code %q title %q", derefStr(r.ConditionCode), r.ReportTitle)
	}
	wantDeadline := serviceStart.Add(22 * time.Hour)
	if r.ReportingDeadline == nil || !r.ReportingDeadline.Equal(wantDeadline) {
		t.Errorf("expected deadline %v, got %v", wantDeadline, r.ReportingDeadline)
	}
	if !r.IsMandatory || r.Confidentiality != ConfidentialityRestricted {
		t.Errorf("unexpected handling flags: mandatory=%v confidentiality=%s", r.IsMandatory, r.Confidentiality)
	}
	if len(f.notifier.reports) != 1 || f.notifier.reports[0].ID != r.ID {
		t.Errorf("expected one immediate notification, got %d", len(f.notifier.reports))
	}
	if len(f.sink.events) != 1 || f.sink.events[0].Actor != "dr-lee" || f.sink.events[0].Action != audit.ActionCreate {
		t.Errorf("unexpected audit: %+v", f.sink.events)
	}
	f.stored(t, r.ID)
}

func TestService_CreateClassifiesWorkedExamples(t *testing.T) {
	tests := []struct {
		name             string
		reportType       ReportType
		registry         RegistryType
		code             *string
		incident         time.Time
		wantPriority     PriorityLevel
		wantDeadline     time.Time
		wantConfidential ConfidentialityLevel
	}{
		{
			name:             "plague surveillance",
			reportType:       ReportTypeDiseaseSurveillance,
			registry:         RegistryCDCNNDSS,
			code:             sp("A20"),
			incident:         time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			wantPriority:     PriorityImmediate,
			wantDeadline:     time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
			wantConfidential: ConfidentialityRestricted,
		},
		{
			name:             "birth registration",
			reportType:       ReportTypeBirth,
			registry:         RegistryStateVitalRecords,
			incident:         time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC),
			wantPriority:     PriorityNormal,
			wantDeadline:     time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
			wantConfidential: ConfidentialityConfidential,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			incident := tt.incident
			r, err := f.svc.Create(context.Background(), &CreateRequest{
				ReportType:    string(tt.reportType),
				RegistryType:  string(tt.registry),
				ConditionCode: tt.code,
				PatientID:     uuid.NewString(),
				IncidentDate:  &incident,
				ReportTitle:   tt.name,
				ReportData:    json.RawMessage(`{"source":"ehr"}`),
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if r.PriorityLevel != tt.wantPriority {
				t.Errorf("priority = %s, want %s", r.PriorityLevel, tt.wantPriority)
			}
			if r.ReportingDeadline == nil || !r.ReportingDeadline.Equal(tt.wantDeadline) {
				t.Errorf("deadline = %v, want %v", r.ReportingDeadline, tt.wantDeadline)
			}
			if r.Confidentiality != tt.wantConfidential || !r.IsMandatory {
				t.Errorf("confidentiality = %s mandatory = %v, want %s and mandatory", r.Confidentiality, r.IsMandatory, tt.wantConfidential)
			}
		})
	}
}

func TestService_CreateDraft(t *testing.T) {
	f := newFixture()
	req := measlesRequest()
	req.ReportTitle = ""

	r, err := f.svc.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.SubmissionStatus != StatusDraft {
		t.Errorf("expected DRAFT, got %s", r.SubmissionStatus)
	}
	if r.PriorityLevel != "" || r.ReportingDeadline != nil {
		t.Errorf("a draft is not classified yet, got %q deadline %v", r.PriorityLevel, r.ReportingDeadline)
	}
	if len(f.notifier.reports) != 0 {
		t.Error("a draft must not notify")
	}
	if f.sink.events[0].Actor != "system" {
		t.Errorf("expected system actor, got %q", f.sink.events[0].Actor)
	}
}

func TestService_CreateInvalid(t *testing.T) {
	f := newFixture()
	req := measlesRequest()
	req.PatientID = "123"
	_, err := f.svc.Create(context.Background(), req)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if _, total, _ := f.repo.List(context.Background(), ListFilter{}, 10, 0); total != 0 {
		t.Error("nothing should be stored")
	}
}

func TestService_UpdateDraftAdvances(t *testing.T) {
	f := newFixture()
	req := measlesRequest()
	req.ReportTitle = ""
	r, _ := f.svc.Create(context.Background(), req)

	title := "Measles case"
	r, err := f.svc.Update(context.Background(), r.ID, &UpdateRequest{ReportTitle: &title})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.SubmissionStatus != StatusPendingValidation {
		t.Errorf("expected PENDING_VALIDATION, got %s", r.SubmissionStatus)
	}
	if r.PriorityLevel != PriorityImmediate || r.ReportingDeadline == nil || r.Confidentiality != ConfidentialityRestricted {
		t.Errorf("expected classification on leaving DRAFT, got %s %v %s", r.PriorityLevel, r.ReportingDeadline, r.Confidentiality)
	}
	if len(f.notifier.reports) != 1 || f.notifier.reports[0].ID != r.ID {
		t.Errorf("expected one immediate notification, got %d", len(f.notifier.reports))
	}
}

func TestService_UpdateDraftStaysUnclassified(t *testing.T) {
	f := newFixture()
	req := measlesRequest()
	req.ReportTitle = ""
	r, _ := f.svc.Create(context.Background(), req)

	r, err := f.svc.Update(context.Background(), r.ID, &UpdateRequest{ConditionCode: sp("A20.9")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.SubmissionStatus != StatusDraft || r.PriorityLevel != "" {
		t.Errorf("expected an unclassified draft, got %s %q", r.SubmissionStatus, r.PriorityLevel)
	}
	if len(f.notifier.reports) != 0 {
		t.Error("a draft must not notify")
	}
}

func TestService_UpdateAfterValidationRevalidates(t *testing.T) {
	f := newFixture()
	r := f.ready(t)

	summary := "two further contacts identified"
	r, err := f.svc.Update(context.Background(), r.ID, &UpdateRequest{Summary: &summary})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.SubmissionStatus != StatusPendingValidation || r.ValidationStatus != ValidationNotValidated {
		t.Errorf("expected reset to PENDING_VALIDATION, got %s/%s", r.SubmissionStatus, r.ValidationStatus)
	}
}

func TestService_UpdatePriorityOnlyRises(t *testing.T) {
	f := newFixture()
	req := measlesRequest()
	req.ConditionCode = nil
	req.ConditionName = sp("pertussis")
	r, _ := f.svc.Create(context.Background(), req)
	if r.PriorityLevel != PriorityUrgent {
		t.Fatalf("expected URGENT, got %s", r.PriorityLevel)
	}

	r, err := f.svc.Update(context.Background(), r.ID, &UpdateRequest{ConditionName: sp("cough")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.PriorityLevel != PriorityUrgent {
		t.Errorf("a name edit must not lower priority, got %s", r.PriorityLevel)
	}

	r, _ = f.svc.Update(context.Background(), r.ID, &UpdateRequest{ConditionCode: sp("J45")})
	if r.PriorityLevel != PriorityNormal {
		t.Errorf("a new condition code reclassifies from scratch, got %s", r.PriorityLevel)
	}

	r, _ = f.svc.Update(context.Background(), r.ID, &UpdateRequest{ConditionCode: sp("A22.0")})
	if r.PriorityLevel != PriorityImmediate {
		t.Errorf("expected IMMEDIATE, got %s", r.PriorityLevel)
	}
	if len(f.notifier.reports) != 1 {
		t.Errorf("expected one notification when the report became IMMEDIATE, got %d", len(f.notifier.reports))
	}
}

func TestService_UpdateRejectedAfterSubmission(t *testing.T) {
	f := newFixture()
	r := f.submitted(t)
	_, err := f.svc.Update(context.Background(), r.ID, &UpdateRequest{Summary: sp("late edit")})
	if !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("expected invalid transition, got %v", err)
	}
}

func TestService_Validate(t *testing.T) {
	f := newFixture()
	r := f.ready(t)
	if r.SubmissionStatus != StatusReadyForSubmission || r.ValidationStatus != ValidationValid {
		t.Errorf("expected READY_FOR_SUBMISSION/VALID, got %s/%s", r.SubmissionStatus, r.ValidationStatus)
	}
	if _, err := f.svc.Validate(context.Background(), r.ID); !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("expected invalid transition on revalidation, got %v", err)
	}
}

func TestService_ValidateLateMandatoryReport(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	incident := serviceStart.Add(-10 * 24 * time.Hour)
	req := &CreateRequest{
		ReportType:   string(ReportTypeBirth),
		RegistryType: string(RegistryStateVitalRecords),
		PatientID:    uuid.NewString(),
		IncidentDate: &incident,
		ReportTitle:  "Birth registration",
		ReportData:   json.RawMessage(`{"weight_g":3400}`),
	}
	r, err := f.svc.Create(ctx, req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	r, err = f.svc.Validate(ctx, r.ID)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if r == nil || r.SubmissionStatus != StatusValidationFailed || r.ValidationStatus != ValidationInvalid {
		t.Fatalf("expected VALIDATION_FAILED, got %+v", r)
	}
	if f.stored(t, r.ID).SubmissionStatus != StatusValidationFailed {
		t.Error("failed validation must be persisted")
	}

	r, err = f.svc.Update(ctx, r.ID, &UpdateRequest{LateSubmissionReason: sp("hospital system outage")})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	r, err = f.svc.Validate(ctx, r.ID)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if r.ValidationStatus != ValidationValidWithWarnings || len(r.ValidationErrors) != 1 {
		t.Errorf("expected one warning, got %s %+v", r.ValidationStatus, r.ValidationErrors)
	}
}

func TestService_SubmitSubmitted(t *testing.T) {
	f := newFixture()
	r := f.ready(t)
	f.gateway.result = &SubmissionResult{Success: true, SubmissionID: "SUB-1", ExternalReferenceID: "EXT-9"}

	r, err := f.svc.Submit(context.Background(), r.ID, &SubmitRequest{AuthToken: "s3cret"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.SubmissionStatus != StatusSubmitted {
		t.Fatalf("expected SUBMITTED, got %s", r.SubmissionStatus)
	}
	if derefStr(r.SubmissionID) != "SUB-1" || derefStr(r.ExternalReferenceID) != "EXT-9" {
		t.Errorf("unexpected identifiers: %+v", r)
	}
	if r.SubmissionDate == nil || !r.SubmissionDate.Equal(serviceStart) {
		t.Errorf("expected submission date, got %v", r.SubmissionDate)
	}
	if f.gateway.last.URL != "https://nndss.example/cases" || f.gateway.last.AuthToken != "s3cret" || f.gateway.last.Priority != PriorityImmediate {
		t.Errorf("unexpected endpoint: %+v", f.gateway.last)
	}

	stored := f.stored(t, r.ID)
	if derefStr(stored.SubmissionEndpoint) != "https://nndss.example/cases" || *stored.SubmissionFormat != FormatFHIR {
		t.Errorf("expected endpoint remembered, got %+v", stored)
	}
	acts := f.sink.actions()
	if n := len(acts); n < 2 || acts[n-1] != audit.ActionSubmit || acts[n-2] != audit.ActionSubmit {
		t.Errorf("expected start and result submit events, got %v", acts)
	}
}

func TestService_SubmitAcknowledged(t *testing.T) {
	f := newFixture()
	r := f.ready(t)
	f.gateway.result = &SubmissionResult{Success: true, Acknowledged: true, AcknowledgmentID: "ACK-7"}

	r, err := f.svc.Submit(context.Background(), r.ID, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.SubmissionStatus != StatusAcknowledged || derefStr(r.AcknowledgmentID) != "ACK-7" || r.AcknowledgmentDate == nil {
		t.Errorf("expected ACKNOWLEDGED with id, got %+v", r)
	}
	if r.SubmissionDate == nil {
		t.Error("an acknowledged report was also submitted")
	}
}

func TestService_SubmitRejected(t *testing.T) {
	f := newFixture()
	r := f.ready(t)
	f.gateway.result = &SubmissionResult{Success: false, ErrorMessage: "unknown jurisdiction"}

	r, err := f.svc.Submit(context.Background(), r.ID, nil)
	if err != nil {
		t.Fatalf("a business rejection is not an error, got %v", err)
	}
	if r.SubmissionStatus != StatusRejected || derefStr(r.RejectionReason) != "unknown jurisdiction" {
		t.Errorf("expected REJECTED with reason, got %+v", r)
	}
	if r.SubmissionDate != nil {
		t.Error("a rejected report has no submission date")
	}

	r, err = f.svc.Update(context.Background(), r.ID, &UpdateRequest{ReportingFacility: sp("County General")})
	if err != nil || r.SubmissionStatus != StatusPendingValidation {
		t.Errorf("expected a rejected report to return to validation, got %v %v", r, err)
	}
}

func TestService_SubmitTransportFailure(t *testing.T) {
	f := newFixture()
	r := f.ready(t)
	f.gateway.err = transientErr("connection refused")

	_, err := f.svc.Submit(context.Background(), r.ID, nil)
	var subErr *SubmissionError
	if !errors.As(err, &subErr) {
		t.Fatalf("expected *SubmissionError, got %v", err)
	}
	got := subErr.Report
	if got.SubmissionStatus != StatusError || got.RetryCount != 1 || derefStr(got.LastError) != "connection refused" {
		t.Errorf("unexpected report: %+v", got)
	}
	if got.NextRetryAt == nil || !got.NextRetryAt.Equal(serviceStart.Add(30*time.Second)) {
		t.Errorf("expected retry in 30s, got %v", got.NextRetryAt)
	}
	if f.stored(t, r.ID).SubmissionStatus != StatusError {
		t.Error("ERROR must be persisted")
	}
}

func TestService_SubmitUndeliverableEndpoint(t *testing.T) {
	f := newFixture()
	r := f.ready(t)

	_, err := f.svc.Submit(context.Background(), r.ID, &SubmitRequest{Endpoint: "mllp://127.0.0.1:1", Method: "MLLP"})
	if !errors.Is(err, ErrInvalidEndpoint) {
		t.Fatalf("expected invalid endpoint, got %v", err)
	}
	if f.gateway.callCount() != 0 {
		t.Error("gateway must not be called")
	}
	got := f.stored(t, r.ID)
	if got.SubmissionStatus != StatusReadyForSubmission || got.RetryCount != 0 || got.SubmissionEndpoint != nil {
		t.Errorf("report must be unchanged, got %s retries=%d endpoint=%v", got.SubmissionStatus, got.RetryCount, got.SubmissionEndpoint)
	}

	got, err = f.svc.Submit(context.Background(), r.ID, &SubmitRequest{Endpoint: "mllp://127.0.0.1:1", Method: "MLLP", Format: "HL7_V2"})
	if err != nil || got.SubmissionStatus != StatusSubmitted {
		t.Errorf("expected a matching format to submit, got %v", err)
	}
}

func TestService_SubmitPermanentFailureIsNotRetried(t *testing.T) {
	f := newFixture()
	r := f.ready(t)
	f.gateway.err = errors.New("serialize report: unsupported character set")
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, r.ID, nil)
	var subErr *SubmissionError
	if !errors.As(err, &subErr) {
		t.Fatalf("expected *SubmissionError, got %v", err)
	}
	got := f.stored(t, r.ID)
	if got.SubmissionStatus != StatusError || got.RetryCount != 1 || got.NextRetryAt != nil {
		t.Errorf("expected ERROR without a retry, got %s count=%d next=%v", got.SubmissionStatus, got.RetryCount, got.NextRetryAt)
	}

	f.clock.Advance(time.Hour)
	if n, _ := f.svc.RetryDue(ctx, 10); n != 0 {
		t.Errorf("a permanent failure is not retried, got %d", n)
	}
	if f.gateway.callCount() != 1 {
		t.Errorf("expected one registry call, got %d", f.gateway.callCount())
	}
}

func TestService_SubmitPreconditions(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	r, _ := f.svc.Create(ctx, measlesRequest())

	if _, err := f.svc.Submit(ctx, r.ID, nil); !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("expected invalid transition for an unvalidated report, got %v", err)
	}
	if _, err := f.svc.Submit(ctx, uuid.New(), nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}

	f = newFixture(WithEndpoints(staticResolver{}))
	r = f.ready(t)
	if _, err := f.svc.Submit(ctx, r.ID, nil); !errors.Is(err, ErrNoSubmissionEndpoint) {
		t.Errorf("expected no endpoint, got %v", err)
	}
	if f.gateway.callCount() != 0 {
		t.Error("gateway must not be called")
	}
}

func TestService_SubmitWhileLocked(t *testing.T) {
	f := newFixture()
	r := f.ready(t)

	held, err := f.locker.TryLock(context.Background(), "state-report:"+r.ID.String())
	if err != nil {
		t.Fatal(err)
	}
	defer held.Unlock(context.Background())

	_, err = f.svc.Submit(context.Background(), r.ID, nil)
	if !errors.Is(err, ErrSubmissionInProgress) {
		t.Errorf("expected in-progress error, got %v", err)
	}
	if f.gateway.callCount() != 0 {
		t.Error("gateway must not be called")
	}
}

func TestService_ConcurrentSubmitSendsOnce(t *testing.T) {
	f := newFixture()
	r := f.ready(t)
	f.gateway.started = make(chan struct{}, 1)
	f.gateway.release = make(chan struct{})

	type outcome struct {
		r   *Report
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		got, err := f.svc.Submit(context.Background(), r.ID, nil)
		first <- outcome{got, err}
	}()
	<-f.gateway.started

	_, err := f.svc.Submit(context.Background(), r.ID, nil)
	var inProgress *InProgressError
	if !errors.As(err, &inProgress) {
		t.Errorf("expected *InProgressError, got %v", err)
	}

	close(f.gateway.release)
	res := <-first
	if res.err != nil || res.r.SubmissionStatus != StatusSubmitted {
		t.Errorf("expected first submission to succeed, got %v", res.err)
	}
	if f.gateway.callCount() != 1 {
		t.Errorf("expected exactly one registry call, got %d", f.gateway.callCount())
	}
}

func TestService_InterruptedSubmitIsRecovered(t *testing.T) {
	f := newFixture()
	r := f.ready(t)
	f.gateway.started = make(chan struct{}, 1)
	f.gateway.release = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Submit(ctx, r.ID, nil)
		done <- err
	}()
	<-f.gateway.started
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if f.stored(t, r.ID).SubmissionStatus != StatusSubmitting {
		t.Fatal("an interrupted submission stays in SUBMITTING")
	}

	n, err := f.svc.RecoverStale(context.Background(), 10*time.Minute, 10)
	if err != nil || n != 0 {
		t.Fatalf("a fresh submission must not be recovered: %d %v", n, err)
	}

	f.clock.Advance(11 * time.Minute)
	n, err = f.svc.RecoverStale(context.Background(), 10*time.Minute, 10)
	if err != nil || n != 1 {
		t.Fatalf("expected one recovery, got %d %v", n, err)
	}
	got := f.stored(t, r.ID)
	if got.SubmissionStatus != StatusError || got.RetryCount != 1 || got.NextRetryAt == nil {
		t.Errorf("expected ERROR with a retry scheduled, got %+v", got)
	}
}

func TestService_RetryDueExhaustsBudget(t *testing.T) {
	settings := DefaultSettings()
	settings.RetryMaxAttempts = 2
	f := newFixture(WithSettings(settings))
	r := f.ready(t)
	f.gateway.err = transientErr("503 from registry")
	ctx := context.Background()

	f.svc.Submit(ctx, r.ID, nil)
	if n, _ := f.svc.RetryDue(ctx, 10); n != 0 {
		t.Errorf("nothing is due before the backoff, got %d", n)
	}

	f.clock.Advance(31 * time.Second)
	n, err := f.svc.RetryDue(ctx, 10)
	if err != nil || n != 1 {
		t.Fatalf("expected one retry, got %d %v", n, err)
	}
	got := f.stored(t, r.ID)
	if got.RetryCount != 2 || got.NextRetryAt != nil {
		t.Errorf("expected budget exhausted, got count=%d next=%v", got.RetryCount, got.NextRetryAt)
	}

	f.clock.Advance(time.Hour)
	if n, _ := f.svc.RetryDue(ctx, 10); n != 0 {
		t.Errorf("an exhausted report is not retried, got %d", n)
	}

	got, err = f.svc.Requeue(ctx, r.ID)
	if err != nil || got.SubmissionStatus != StatusReadyForSubmission || got.RetryCount != 0 {
		t.Errorf("expected requeue to reset the budget, got %+v %v", got, err)
	}
	f.gateway.mu.Lock()
	f.gateway.err = nil
	f.gateway.mu.Unlock()
	if got, err = f.svc.Submit(ctx, r.ID, nil); err != nil || got.SubmissionStatus != StatusSubmitted {
		t.Errorf("expected requeued report to submit, got %v", err)
	}
}

func TestService_Acknowledge(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	r := f.submitted(t)

	if _, err := f.svc.Acknowledge(ctx, r.ID, &AcknowledgmentRequest{}); err == nil {
		t.Error("expected validation error without an acknowledgment id")
	}

	r, err := f.svc.Acknowledge(ctx, r.ID, &AcknowledgmentRequest{AcknowledgmentID: "ACK-1", Accepted: true, RegistryCaseID: "CASE-5"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.SubmissionStatus != StatusAcknowledged || derefStr(r.AcknowledgmentID) != "ACK-1" || derefStr(r.RegistryCaseID) != "CASE-5" {
		t.Errorf("unexpected report: %+v", r)
	}

	if _, err := f.svc.Acknowledge(ctx, r.ID, &AcknowledgmentRequest{AcknowledgmentID: "ACK-2", Accepted: true}); !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("expected a second acknowledgment to be refused, got %v", err)
	}

	r, err = f.svc.MarkProcessed(ctx, r.ID)
	if err != nil || r.SubmissionStatus != StatusProcessed {
		t.Errorf("expected PROCESSED, got %v", err)
	}
	if _, err := f.svc.Cancel(ctx, r.ID, &CancelRequest{Reason: "too late"}); !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("a processed report cannot be cancelled, got %v", err)
	}
}

func TestService_NegativeAcknowledgment(t *testing.T) {
	f := newFixture()
	r := f.submitted(t)

	r, err := f.svc.Acknowledge(context.Background(), r.ID, &AcknowledgmentRequest{AcknowledgmentID: "NAK-1", Reason: "duplicate case"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.SubmissionStatus != StatusRejected || derefStr(r.RejectionReason) != "duplicate case" || r.AcknowledgmentID != nil {
		t.Errorf("unexpected report: %+v", r)
	}
	if _, err := f.svc.MarkProcessed(context.Background(), r.ID); !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("expected invalid transition, got %v", err)
	}
}

func TestService_AcknowledgeSubmission(t *testing.T) {
	f := newFixture()
	f.gateway.result = &SubmissionResult{Success: true, SubmissionID: "MSG-42"}
	r := f.submitted(t)

	got, err := f.svc.AcknowledgeSubmission(context.Background(), "MSG-42", &AcknowledgmentRequest{AcknowledgmentID: "ACK-42", Accepted: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != r.ID || got.SubmissionStatus != StatusAcknowledged {
		t.Errorf("unexpected report: %+v", got)
	}

	_, err = f.svc.AcknowledgeSubmission(context.Background(), "MSG-0", &AcknowledgmentRequest{AcknowledgmentID: "x", Accepted: true})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestService_Cancel(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	r := f.ready(t)

	if _, err := f.svc.Cancel(ctx, r.ID, &CancelRequest{}); err == nil {
		t.Error("expected a reason to be required")
	}
	r, err := f.svc.Cancel(ctx, r.ID, &CancelRequest{Reason: "duplicate entry"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.SubmissionStatus != StatusCancelled || derefStr(r.CancellationReason) != "duplicate entry" {
		t.Errorf("unexpected report: %+v", r)
	}
	if _, err := f.svc.Submit(ctx, r.ID, nil); !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("a cancelled report cannot be submitted, got %v", err)
	}
}

func TestService_CancelInFlight(t *testing.T) {
	f := newFixture()
	r := f.ready(t)
	f.gateway.started = make(chan struct{}, 1)
	f.gateway.release = make(chan struct{})

	done := make(chan struct{})
	go func() {
		f.svc.Submit(context.Background(), r.ID, nil)
		close(done)
	}()
	<-f.gateway.started

	_, err := f.svc.Cancel(context.Background(), r.ID, &CancelRequest{Reason: "wrong patient"})
	var terr *TransitionError
	if !errors.As(err, &terr) || terr.From != StatusSubmitting {
		t.Errorf("expected transition error from SUBMITTING, got %v", err)
	}
	close(f.gateway.release)
	<-done
}

func TestService_Amend(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	orig := f.submitted(t)
	notified := len(f.notifier.reports)

	findings := "rash resolved, second case in household"
	am, err := f.svc.Amend(ctx, orig.ID, &AmendRequest{
		AmendmentReason: "updated findings",
		UpdatedFields:   &UpdateRequest{ClinicalFindings: &findings},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !am.IsAmendment || am.OriginalReportID == nil || *am.OriginalReportID != orig.ID || am.ID == orig.ID {
		t.Errorf("unexpected amendment linkage: %+v", am)
	}
	if am.SubmissionStatus != StatusPendingValidation || am.SubmissionID != nil || am.SubmissionDate != nil {
		t.Errorf("expected a fresh pending amendment, got %+v", am)
	}
	if derefStr(am.ClinicalFindings) != findings {
		t.Errorf("expected updated findings, got %q", derefStr(am.ClinicalFindings))
	}
	if len(f.notifier.reports) != notified {
		t.Error("an amendment of an IMMEDIATE report does not notify again")
	}

	if got := f.stored(t, orig.ID); got.SubmissionStatus != StatusSubmitted || got.ClinicalFindings != nil {
		t.Errorf("original must be untouched, got %+v", got)
	}

	list, err := f.svc.ListAmendments(ctx, orig.ID)
	if err != nil || len(list) != 1 || list[0].ID != am.ID {
		t.Errorf("expected the amendment to be listed, got %v %v", list, err)
	}
}

func TestService_AmendAndSubmit(t *testing.T) {
	f := newFixture()
	orig := f.submitted(t)
	f.clock.Advance(30 * 24 * time.Hour)

	am, err := f.svc.Amend(context.Background(), orig.ID, &AmendRequest{
		AmendmentReason:   "corrected onset date",
		SubmitImmediately: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if am.SubmissionStatus != StatusSubmitted {
		t.Errorf("expected amendment SUBMITTED, got %s", am.SubmissionStatus)
	}
	if f.gateway.callCount() != 2 {
		t.Errorf("expected two registry calls, got %d", f.gateway.callCount())
	}
}

func TestService_AmendRequiresSubmittedOriginal(t *testing.T) {
	f := newFixture()
	r := f.ready(t)
	_, err := f.svc.Amend(context.Background(), r.ID, &AmendRequest{AmendmentReason: "typo"})
	if !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("expected invalid transition, got %v", err)
	}
	if _, err := f.svc.Amend(context.Background(), r.ID, &AmendRequest{}); err == nil {
		t.Error("expected amendment reason to be required")
	}
}

func TestService_ListAmendmentsUnknown(t *testing.T) {
	f := newFixture()
	if _, err := f.svc.ListAmendments(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}
