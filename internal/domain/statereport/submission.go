package statereport

import (
	"context"
	"fmt"
	"time"
)

// EndpointConfig describes how to reach a registry for one submission.
type EndpointConfig struct {
	URL        string
	Method     SubmissionMethod
	Format     SubmissionFormat
	AuthToken  string
	Timeout    time.Duration
	RequireAck bool
	Priority   PriorityLevel
}

// SubmissionResult is the parsed registry response. Success=false is a
// business rejection; transport failures are returned as errors instead.
type SubmissionResult struct {
	SubmissionID        string
	ExternalReferenceID string
	AcknowledgmentID    string
	RegistryCaseID      string
	Success             bool
	Acknowledged        bool
	ErrorMessage        string
}

// Submitter delivers a report to an external registry.
type Submitter interface {
	Submit(ctx context.Context, r *Report, ep EndpointConfig) (*SubmissionResult, error)
}

// EndpointResolver supplies the default endpoint for a registry.
type EndpointResolver interface {
	Resolve(registry RegistryType) (EndpointConfig, bool)
}

// ImmediateNotifier is told when a report is classified IMMEDIATE. It must
// not block.
type ImmediateNotifier interface {
	NotifyImmediate(ctx context.Context, r *Report)
}

// SubmissionError is returned when the gateway call fails. Report holds the
// persisted state after the failure, normally ERROR with retry metadata.
type SubmissionError struct {
	Report *Report
	Err    error
}

func (e *SubmissionError) Error() string {
	return "registry submission failed: " + e.Err.Error()
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// retryDelay returns the wait before the given attempt (1-based):
// base * 2^(attempt-1), capped at max.
func retryDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// endpointFor merges a per-call override, the report's stored endpoint and
// the registry directory, in that order of precedence.
func endpointFor(r *Report, req *SubmitRequest, dir EndpointResolver, defaultTimeout time.Duration) (EndpointConfig, bool) {
	var ep EndpointConfig
	if dir != nil {
		if d, ok := dir.Resolve(r.RegistryType); ok {
			ep = d
		}
	}

	if r.SubmissionEndpoint != nil && *r.SubmissionEndpoint != "" {
		ep.URL = *r.SubmissionEndpoint
	}
	if r.SubmissionMethod != nil {
		ep.Method = *r.SubmissionMethod
	}
	if r.SubmissionFormat != nil {
		ep.Format = *r.SubmissionFormat
	}
	if r.TimeoutSeconds > 0 {
		ep.Timeout = time.Duration(r.TimeoutSeconds) * time.Second
	}
	if r.RequireAcknowledgment {
		ep.RequireAck = true
	}

	if req != nil {
		if req.Endpoint != "" {
			ep.URL = req.Endpoint
		}
		if req.Method != "" {
			ep.Method = SubmissionMethod(req.Method)
		}
		if req.Format != "" {
			ep.Format = SubmissionFormat(req.Format)
		}
		if req.AuthToken != "" {
			ep.AuthToken = req.AuthToken
		}
		if req.TimeoutSeconds > 0 {
			ep.Timeout = time.Duration(req.TimeoutSeconds) * time.Second
		}
		if req.RequireAcknowledgment != nil {
			ep.RequireAck = *req.RequireAcknowledgment
		}
	}

	ep.Priority = r.PriorityLevel
	if req != nil && req.Priority != "" {
		ep.Priority = MaxPriority(ep.Priority, PriorityLevel(req.Priority))
	}

	if ep.URL == "" {
		return ep, false
	}
	if ep.Method == "" {
		ep.Method = MethodRESTAPI
	}
	if ep.Format == "" {
		ep.Format = FormatJSON
	}
	if ep.Timeout <= 0 {
		ep.Timeout = defaultTimeout
	}
	return ep, true
}

// checkEndpoint rejects method and format pairs no transport can deliver.
func checkEndpoint(ep EndpointConfig) error {
	switch {
	case !IsKnownMethod(ep.Method):
		return fmt.Errorf("%w: unsupported method %q", ErrInvalidEndpoint, ep.Method)
	case !IsKnownFormat(ep.Format):
		return fmt.Errorf("%w: unsupported format %q", ErrInvalidEndpoint, ep.Format)
	case ep.Method == MethodMLLP && ep.Format != FormatHL7V2:
		return fmt.Errorf("%w: %s requires %s format, got %s", ErrInvalidEndpoint, MethodMLLP, FormatHL7V2, ep.Format)
	}
	return nil
}

// rememberEndpoint stores the resolved configuration on the report so that
// retries and amendments reuse it. The auth token is never persisted.
func rememberEndpoint(r *Report, ep EndpointConfig) {
	url := ep.URL
	method := ep.Method
	format := ep.Format
	r.SubmissionEndpoint = &url
	r.SubmissionMethod = &method
	r.SubmissionFormat = &format
	r.RequireAcknowledgment = ep.RequireAck
	r.TimeoutSeconds = int(ep.Timeout / time.Second)
}
