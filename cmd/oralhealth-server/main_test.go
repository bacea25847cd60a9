package main

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/oralhealth/intake/internal/config"
	"github.com/oralhealth/intake/internal/domain/account"
	"github.com/oralhealth/intake/internal/domain/record"
	"github.com/oralhealth/intake/internal/domain/report"
	"github.com/oralhealth/intake/internal/platform/auth"
	"github.com/oralhealth/intake/internal/platform/filestore"
)

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

// newTestServer wires the real handlers over repositories with no pool; the
// routes exercised here never reach the database.
func newTestServer(t *testing.T, pinger stubPinger) (*echo.Echo, *filestore.Store) {
	t.Helper()
	cfg := &config.Config{
		Env:                 "test",
		CORSOrigins:         []string{"http://localhost:3001"},
		BodyLimit:           "80M",
		LoginRateLimitRPS:   1,
		LoginRateLimitBurst: 10,
	}
	logger := zerolog.Nop()

	files, err := filestore.New(t.TempDir(), 1<<20)
	if err != nil {
		t.Fatal(err)
	}

	tokens := auth.NewTokenManager("test-secret", time.Hour)
	revoked := auth.NewMemoryRevocationStore(time.Minute)
	t.Cleanup(revoked.Close)

	accountRepo := account.NewRepo(nil)
	accountSvc := account.NewService(accountRepo, tokens, revoked, logger)
	principals := account.NewPrincipalCache(accountRepo, 16, time.Minute)
	gate := auth.NewGate(tokens, revoked, principals)

	recordSvc := record.NewService(record.NewRepo(nil), accountSvc, files, logger)
	reportSvc, err := report.NewService(recordSvc, files,
		report.NewScriptRenderer(report.ScriptConfig{Script: filepath.Join(t.TempDir(), "missing.py")}),
		report.Options{TempDir: t.TempDir(), OutputDir: t.TempDir()}, logger)
	if err != nil {
		t.Fatal(err)
	}

	srv := &server{
		cfg:      cfg,
		logger:   logger,
		database: pinger,
		files:    files,
		gate:     gate,
		accounts: account.NewHandler(accountSvc, gate),
		records:  record.NewHandler(recordSvc),
		reports:  report.NewHandler(reportSvc),
	}
	return srv.routes(), files
}

func do(e *echo.Echo, method, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRoutes_Banner(t *testing.T) {
	e, _ := newTestServer(t, stubPinger{})

	rec := do(e, http.MethodGet, "/", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["message"] != apiBanner {
		t.Errorf("unexpected banner %v", body)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected security headers on every response")
	}
	if rec.Header().Get(echo.HeaderXRequestID) == "" {
		t.Error("expected a request id")
	}
}

func TestRoutes_Health(t *testing.T) {
	e, _ := newTestServer(t, stubPinger{})
	if rec := do(e, http.MethodGet, "/health", nil); rec.Code != http.StatusOK {
		t.Errorf("/health: expected 200, got %d", rec.Code)
	}
	if rec := do(e, http.MethodGet, "/health/db", nil); rec.Code != http.StatusOK {
		t.Errorf("/health/db: expected 200, got %d", rec.Code)
	}

	down, _ := newTestServer(t, stubPinger{err: errors.New("connection refused")})
	rec := do(down, http.MethodGet, "/health/db", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 when the database is down, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "connection refused") {
		t.Errorf("expected error in body, got %s", rec.Body.String())
	}
}

func TestRoutes_Metrics(t *testing.T) {
	e, _ := newTestServer(t, stubPinger{})
	do(e, http.MethodGet, "/", nil)

	rec := do(e, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "oralhealth_http_requests_total") {
		t.Error("expected request counter in exposition")
	}
}

func TestRoutes_ProtectedRequireToken(t *testing.T) {
	e, _ := newTestServer(t, stubPinger{})

	paths := []string{
		"/api/patients",
		"/api/patient-records",
		"/api/patient-records/export",
		"/api/recommends/patient/p1",
		"/api/checklists/patient/p1",
		"/api/report/6f1c1d8e-8d1f-4a39-9d43-5a4c7e0f1a2b/0b0e5a4c-7a62-4f0e-9a4c-1c2d3e4f5a6b",
	}
	for _, p := range paths {
		if rec := do(e, http.MethodGet, p, nil); rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", p, rec.Code)
		}
	}
	rec := do(e, http.MethodGet, "/api/patients", map[string]string{"Authorization": "Bearer not-a-jwt"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for a malformed token, got %d", rec.Code)
	}
}

func TestRoutes_StaticPhotos(t *testing.T) {
	e, files := newTestServer(t, stubPinger{})
	dir := filepath.Join(files.Root(), "p1")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "face.png"), []byte("png"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec := do(e, http.MethodGet, "/public/p1/face.png", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "png" {
		t.Fatalf("expected stored photo, got %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Cache-Control") != "private, max-age=3600" {
		t.Errorf("unexpected cache header %q", rec.Header().Get("Cache-Control"))
	}
	if rec := do(e, http.MethodGet, "/public/p1/missing.png", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for a missing photo, got %d", rec.Code)
	}
}

func TestRoutes_CORS(t *testing.T) {
	e, _ := newTestServer(t, stubPinger{})

	rec := do(e, http.MethodOptions, "/api/patient-records", map[string]string{
		"Origin":                        "http://localhost:3001",
		"Access-Control-Request-Method": http.MethodPost,
	})
	if got := rec.Header().Get(echo.HeaderAccessControlAllowOrigin); got != "http://localhost:3001" {
		t.Errorf("expected allowed origin echoed, got %q", got)
	}

	rec = do(e, http.MethodOptions, "/api/patient-records", map[string]string{
		"Origin":                        "http://evil.example",
		"Access-Control-Request-Method": http.MethodPost,
	})
	if got := rec.Header().Get(echo.HeaderAccessControlAllowOrigin); got != "" {
		t.Errorf("unexpected allowed origin %q", got)
	}
}

func TestRendererEnv(t *testing.T) {
	cfg := &config.Config{
		RoboflowAPIKey: "rk",
		WorkspaceName:  "ws",
		WorkflowID:     "wf",
		GrokAPIKey:     "gk",
		GrokEndpoint:   "https://api.x.ai/v1/chat/completions",
		GrokModel:      "grok",
	}
	env := rendererEnv(cfg)
	want := map[string]string{
		"ROBOFLOW_API_KEY": "rk",
		"WORKSPACE_NAME":   "ws",
		"WORKFLOW_ID":      "wf",
		"GROK_API_KEY":     "gk",
		"GROK_ENDPOINT":    "https://api.x.ai/v1/chat/completions",
		"GROK_MODEL":       "grok",
	}
	if len(env) != len(want) {
		t.Fatalf("expected %d entries, got %v", len(want), env)
	}
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		if want[k] != v {
			t.Errorf("%s = %q, want %q", k, v, want[k])
		}
	}
}

func TestMigrationFiles(t *testing.T) {
	embedded := migrationFiles("", filepath.Join(t.TempDir(), "nope"))
	if _, err := fs.ReadFile(embedded, "001_core.sql"); err != nil {
		t.Errorf("expected embedded migrations, got %v", err)
	}

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "001_only.sql"), []byte("SELECT 1;"), 0o644); err != nil {
		t.Fatal(err)
	}
	disk := migrationFiles("", dir)
	if _, err := fs.ReadFile(disk, "001_only.sql"); err != nil {
		t.Errorf("expected on-disk migrations, got %v", err)
	}
	if _, err := fs.ReadFile(disk, "001_core.sql"); err == nil {
		t.Error("on-disk directory must replace the embedded set")
	}
}
