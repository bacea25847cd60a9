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

type stubPinger struct{ err error }

func (s stubPinger) Ping(ctx context.Context) error { return s.err }

func TestHealthHandler_Healthy(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health/db", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := HealthHandler(stubPinger{})(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	var body map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "healthy" {
		t.Errorf("expected status healthy, got %v", body["status"])
	}
}

func TestHealthHandler_Unhealthy(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health/db", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := HealthHandler(stubPinger{err: errors.New("connection refused")})(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}

	var body map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["error"] != "connection refused" {
		t.Errorf("expected error message, got %v", body["error"])
	}
}

func TestPoolStats_JSON(t *testing.T) {
	stats := PoolStats{TotalConns: 1, MaxConns: 10, AcquireDuration: "250ms", Healthy: true}
	data, err := json.Marshal(stats)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]interface{}
	json.Unmarshal(data, &m)
	if m["max_conns"] != float64(10) {
		t.Errorf("expected max_conns 10, got %v", m["max_conns"])
	}
	if m["healthy"] != true {
		t.Errorf("expected healthy true, got %v", m["healthy"])
	}
}
