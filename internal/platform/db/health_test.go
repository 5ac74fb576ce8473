package db

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func runHealth(t *testing.T, deps map[string]Pinger) (int, map[string]interface{}) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health/db", nil)
	rec := httptest.NewRecorder()
	if err := HealthHandler(deps)(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return rec.Code, body
}

func TestHealthHandler_Healthy(t *testing.T) {
	ok := PingFunc(func(context.Context) error { return nil })
	code, body := runHealth(t, map[string]Pinger{"postgres": ok, "redis": ok})

	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if body["status"] != "healthy" {
		t.Errorf("expected healthy, got %v", body["status"])
	}
	checks := body["checks"].(map[string]interface{})
	if checks["postgres"] != "ok" || checks["redis"] != "ok" {
		t.Errorf("unexpected checks: %v", checks)
	}
}

func TestHealthHandler_OneFailing(t *testing.T) {
	deps := map[string]Pinger{
		"postgres": PingFunc(func(context.Context) error { return nil }),
		"redis":    PingFunc(func(context.Context) error { return errors.New("connection refused") }),
	}
	code, body := runHealth(t, deps)

	if code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", code)
	}
	if body["status"] != "unhealthy" {
		t.Errorf("expected unhealthy, got %v", body["status"])
	}
	checks := body["checks"].(map[string]interface{})
	if checks["redis"] != "connection refused" {
		t.Errorf("expected redis error, got %v", checks["redis"])
	}
	if _, ok := body["pool"]; ok {
		t.Error("expected no pool stats without a pgx pool")
	}
}

func TestHealthHandler_NoDeps(t *testing.T) {
	code, body := runHealth(t, nil)
	if code != http.StatusOK || body["status"] != "healthy" {
		t.Errorf("expected healthy with no deps, got %d %v", code, body)
	}
}

func TestHealthHandler_RespectsTimeout(t *testing.T) {
	var sawDeadline bool
	dep := PingFunc(func(ctx context.Context) error {
		_, sawDeadline = ctx.Deadline()
		return nil
	})
	runHealth(t, map[string]Pinger{"postgres": dep})
	if !sawDeadline {
		t.Error("expected the ping context to carry a deadline")
	}
}
