package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/phreport/internal/platform/auth"
)

func limitedHandler(cfg RateLimitConfig) echo.HandlerFunc {
	return RateLimit(cfg)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
}

func callAs(e *echo.Echo, h echo.HandlerFunc, user string) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if user != "" {
		req = req.WithContext(auth.WithIdentity(context.Background(), user))
	}
	rec := httptest.NewRecorder()
	return rec, h(e.NewContext(req, rec))
}

func TestRateLimit_RequestsWithinLimit(t *testing.T) {
	e := echo.New()
	h := limitedHandler(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5})

	for i := 0; i < 5; i++ {
		rec, err := callAs(e, h, "")
		if err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "10" {
			t.Errorf("request %d: expected X-RateLimit-Limit 10, got %q", i+1, got)
		}
	}
}

func TestRateLimit_ExceedsLimit(t *testing.T) {
	e := echo.New()
	h := limitedHandler(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2})

	for i := 0; i < 2; i++ {
		if _, err := callAs(e, h, ""); err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
	}

	rec, err := callAs(e, h, "")
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	retry, convErr := strconv.Atoi(rec.Header().Get("Retry-After"))
	if convErr != nil || retry < 1 {
		t.Errorf("expected Retry-After >= 1, got %q", rec.Header().Get("Retry-After"))
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("expected X-RateLimit-Remaining 0, got %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestRateLimit_PerUserIsolation(t *testing.T) {
	e := echo.New()
	h := limitedHandler(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})

	if _, err := callAs(e, h, "alice"); err != nil {
		t.Fatalf("alice first request: %v", err)
	}
	if _, err := callAs(e, h, "alice"); err == nil {
		t.Fatal("alice second request: expected rate limit error")
	}
	if _, err := callAs(e, h, "bob"); err != nil {
		t.Fatalf("bob first request: expected separate bucket, got %v", err)
	}
	// Anonymous callers are keyed by IP, not by the users above.
	if _, err := callAs(e, h, ""); err != nil {
		t.Fatalf("anonymous request: %v", err)
	}
}

func TestLimiterStore_EvictsIdle(t *testing.T) {
	s := &limiterStore{
		visitors: make(map[string]*visitor),
		cfg:      RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, IdleTTL: time.Minute},
	}
	start := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	first := s.get("a", start)
	if s.get("a", start.Add(time.Second)) != first {
		t.Error("expected the same limiter for the same key")
	}
	s.get("b", start.Add(2*time.Minute))
	if _, ok := s.visitors["a"]; ok {
		t.Error("expected idle key to be evicted")
	}
	if len(s.visitors) != 1 {
		t.Errorf("expected 1 visitor, got %d", len(s.visitors))
	}
}
