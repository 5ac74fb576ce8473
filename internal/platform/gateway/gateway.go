// Package gateway delivers reports to external public-health registries.
// It serializes the report into the registry's wire format, sends it over
// REST or MLLP and turns the registry response into a SubmissionResult.
// Retries are not performed here; the caller owns retry scheduling.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/phreport/internal/domain/statereport"
	"github.com/ehr/phreport/internal/platform/archive"
)

// TransportError is a failure to reach the registry or a response that says
// to try again later (5xx, 408, 429). It is always retryable.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: registry returned status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable marks the error for statereport.IsRetryable.
func (e *TransportError) Retryable() bool { return true }

// IsTransport reports whether err is a retryable transport failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithHTTPClient overrides the client used for REST submissions.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) { g.httpClient = c }
}

// WithArchive stores every outbound payload and registry response.
func WithArchive(s archive.Store) Option {
	return func(g *Gateway) { g.archive = s }
}

// WithRateLimit caps outbound requests per registry host.
func WithRateLimit(rps float64, burst int) Option {
	return func(g *Gateway) { g.limiters = newLimiterSet(rps, burst) }
}

// WithSender sets the sending application and facility written into HL7
// and EDI envelopes.
func WithSender(app, facility string) Option {
	return func(g *Gateway) {
		g.sendingApp = app
		g.sendingFacility = facility
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(g *Gateway) { g.logger = l.With().Str("component", "gateway").Logger() }
}

// Gateway implements statereport.Submitter.
type Gateway struct {
	httpClient      *http.Client
	archive         archive.Store
	limiters        *limiterSet
	sendingApp      string
	sendingFacility string
	logger          zerolog.Logger
	now             func() time.Time
	newID           func() string
}

// New creates a Gateway. Without options it sends unthrottled, archives
// nothing and identifies itself as PHREPORT.
func New(opts ...Option) *Gateway {
	g := &Gateway{
		// Per-call deadlines come from the context.
		httpClient:      &http.Client{},
		archive:         archive.NopStore{},
		limiters:        newLimiterSet(0, 0),
		sendingApp:      "PHREPORT",
		sendingFacility: "PHREPORT",
		logger:          zerolog.Nop(),
		now:             func() time.Time { return time.Now().UTC() },
		newID:           uuid.NewString,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Submit serializes r in ep.Format and delivers it with ep.Method. A
// registry rejection is a result with Success=false; an error means the
// outcome is unknown or the registry could not be reached. r is never
// modified.
func (g *Gateway) Submit(ctx context.Context, r *statereport.Report, ep statereport.EndpointConfig) (*statereport.SubmissionResult, error) {
	submissionID := g.newID()
	env := envelope{
		SubmissionID:    submissionID,
		SendingApp:      g.sendingApp,
		SendingFacility: g.sendingFacility,
		Priority:        ep.Priority,
		RequireAck:      ep.RequireAck,
		CreatedAt:       g.now(),
	}
	payload, err := serialize(r, ep.Format, env)
	if err != nil {
		return nil, fmt.Errorf("serialize report %s as %s: %w", r.ID, ep.Format, err)
	}

	log := g.logger.With().
		Str("report_id", r.ID.String()).
		Str("submission_id", submissionID).
		Str("method", string(ep.Method)).
		Str("format", string(ep.Format)).
		Logger()

	if err := g.limiters.wait(ctx, ep.URL); err != nil {
		return nil, &TransportError{Op: "rate limit", Err: err}
	}
	g.store(ctx, log, r, submissionID, "request", contentType(ep.Format), payload)

	var resp *response
	switch ep.Method {
	case statereport.MethodRESTAPI:
		resp, err = g.postHTTP(ctx, ep, submissionID, payload)
	case statereport.MethodMLLP:
		if ep.Format != statereport.FormatHL7V2 {
			return nil, fmt.Errorf("mllp submission requires %s format, got %s", statereport.FormatHL7V2, ep.Format)
		}
		resp, err = g.sendMLLP(ctx, ep, payload)
	default:
		return nil, fmt.Errorf("unsupported submission method %q", ep.Method)
	}
	if resp != nil && len(resp.body) > 0 {
		g.store(ctx, log, r, submissionID, "response", resp.contentType, resp.body)
	}
	if err != nil {
		log.Warn().Err(err).Msg("registry submission failed")
		return nil, err
	}

	res := resp.result
	if res.SubmissionID == "" {
		res.SubmissionID = submissionID
	}
	log.Info().Bool("success", res.Success).Bool("acknowledged", res.Acknowledged).Msg("registry responded")
	return res, nil
}

func (g *Gateway) store(ctx context.Context, log zerolog.Logger, r *statereport.Report, submissionID, kind, ctype string, body []byte) {
	err := g.archive.Put(ctx, &archive.Object{
		ReportID:     r.ID.String(),
		SubmissionID: submissionID,
		Kind:         kind,
		ContentType:  ctype,
		Body:         body,
		StoredAt:     g.now(),
	})
	if err != nil {
		log.Warn().Err(err).Str("kind", kind).Msg("failed to archive payload")
	}
}
