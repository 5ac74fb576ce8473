package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ehr/phreport/internal/domain/statereport"
	"github.com/ehr/phreport/internal/platform/hl7v2"
)

const maxResponseBytes = 1 << 20

// response is what came back from the registry, kept raw for archiving.
type response struct {
	body        []byte
	contentType string
	result      *statereport.SubmissionResult
}

// limiterSet holds one token bucket per registry host. A zero rate
// disables limiting.
type limiterSet struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
}

func newLimiterSet(rps float64, burst int) *limiterSet {
	if burst < 1 {
		burst = 1
	}
	return &limiterSet{limiters: make(map[string]*rate.Limiter), rps: rps, burst: burst}
}

func (s *limiterSet) wait(ctx context.Context, endpoint string) error {
	if s.rps <= 0 {
		return nil
	}
	key := endpoint
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		key = u.Host
	}

	s.mu.Lock()
	limiter, ok := s.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(s.rps), s.burst)
		s.limiters[key] = limiter
	}
	s.mu.Unlock()

	return limiter.Wait(ctx)
}

func (g *Gateway) postHTTP(ctx context.Context, ep statereport.EndpointConfig, submissionID string, payload []byte) (*response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build registry request: %w", err)
	}
	req.Header.Set("Content-Type", contentType(ep.Format))
	req.Header.Set("Accept", "application/json, application/fhir+json, application/xml, */*")
	req.Header.Set("X-Submission-ID", submissionID)
	req.Header.Set("X-Priority", string(ep.Priority))
	if ep.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+ep.AuthToken)
	}

	start := time.Now()
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "post " + redactURL(ep.URL), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransportError{Op: "read registry response", StatusCode: resp.StatusCode, Err: err}
	}
	out := &response{body: body, contentType: resp.Header.Get("Content-Type")}
	g.logger.Debug().Int("status", resp.StatusCode).Dur("took", time.Since(start)).Msg("registry http response")

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		res, err := parseResponse(body)
		if err != nil {
			return out, err
		}
		out.result = res
		return out, nil
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return out, &TransportError{Op: "post " + redactURL(ep.URL), StatusCode: resp.StatusCode, Err: errors.New(snippet(body))}
	default:
		res, err := parseResponse(body)
		if err != nil || res.Success {
			// An unreadable or self-contradicting 4xx body is still a rejection.
			res = &statereport.SubmissionResult{}
		}
		res.Success = false
		res.Acknowledged = false
		if res.ErrorMessage == "" {
			res.ErrorMessage = fmt.Sprintf("registry rejected submission with status %d", resp.StatusCode)
			if s := snippet(body); s != "" {
				res.ErrorMessage += ": " + s
			}
		}
		out.result = res
		return out, nil
	}
}

// sendMLLP delivers an HL7 message to mllp://host:port and reads the ACK.
func (g *Gateway) sendMLLP(ctx context.Context, ep statereport.EndpointConfig, payload []byte) (*response, error) {
	addr := ep.URL
	if u, err := url.Parse(ep.URL); err == nil && u.Host != "" {
		addr = u.Host
	}
	msg, err := hl7v2.Send(ctx, addr, payload)
	if err != nil {
		return nil, &TransportError{Op: "mllp send to " + addr, Err: err}
	}
	raw := hl7v2.SerializeMessage(msg)
	out := &response{body: raw, contentType: "x-application/hl7-v2+er7"}
	res, err := resultFromHL7(msg)
	if err != nil {
		return out, err
	}
	out.result = res
	return out, nil
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

// redactURL drops query and userinfo, which may carry credentials.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "registry endpoint"
	}
	u.User = nil
	u.RawQuery = ""
	return u.String()
}
