package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/oralhealth/intake/internal/platform/auth"
)

type mockRecorder struct {
	mu      sync.Mutex
	entries []AuditEntry
	err     error
}

func (m *mockRecorder) RecordAccess(entry AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return m.err
}

func (m *mockRecorder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func serveAudited(t *testing.T, rec *mockRecorder, method, route, path string, p *auth.Principal) {
	t.Helper()
	e := echo.New()
	e.Use(Audit(zerolog.New(os.Stderr), rec))
	e.Add(method, route, func(c echo.Context) error {
		if p != nil {
			c.SetRequest(c.Request().WithContext(auth.WithPrincipal(context.Background(), p, nil)))
		}
		return c.NoContent(http.StatusOK)
	})
	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(method, path, nil))
}

func TestAudit_RecordRead(t *testing.T) {
	rec := &mockRecorder{}
	p := &auth.Principal{ID: "acc-1", LoginID: "p1", Role: auth.RolePatient}
	serveAudited(t, rec, http.MethodGet, "/api/patient-records/:id", "/api/patient-records/rec-9", p)

	if rec.count() != 1 {
		t.Fatalf("expected 1 audit entry, got %d", rec.count())
	}
	entry := rec.entries[0]
	if entry.Action != "read" || entry.Resource != "patient-records" || entry.Subject != "rec-9" {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if entry.AccountID != "acc-1" || entry.Role != auth.RolePatient {
		t.Errorf("expected caller on entry, got %+v", entry)
	}
	if entry.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", entry.StatusCode)
	}
}

func TestAudit_ReportSubject(t *testing.T) {
	rec := &mockRecorder{}
	serveAudited(t, rec, http.MethodGet, "/api/report/:patientId/:recordId", "/api/report/acc-1/rec-2", nil)

	if rec.entries[0].Subject != "rec-2" {
		t.Errorf("expected record id as subject, got %q", rec.entries[0].Subject)
	}
	if rec.entries[0].Resource != "report" {
		t.Errorf("expected resource report, got %q", rec.entries[0].Resource)
	}
}

func TestAudit_DeleteAction(t *testing.T) {
	rec := &mockRecorder{}
	serveAudited(t, rec, http.MethodDelete, "/api/patients/:loginid", "/api/patients/p1", nil)

	if rec.entries[0].Action != "delete" || rec.entries[0].Subject != "p1" {
		t.Errorf("unexpected entry: %+v", rec.entries[0])
	}
}

func TestAudit_SkipsNonPatientPaths(t *testing.T) {
	rec := &mockRecorder{}
	serveAudited(t, rec, http.MethodGet, "/health", "/health", nil)
	serveAudited(t, rec, http.MethodPost, "/api/auth/login", "/api/auth/login", nil)

	if rec.count() != 0 {
		t.Errorf("expected no audit entries, got %d", rec.count())
	}
}

func TestAudit_NoteHistory(t *testing.T) {
	rec := &mockRecorder{}
	serveAudited(t, rec, http.MethodGet, "/api/recommends/patient/:loginid", "/api/recommends/patient/p1", nil)
	serveAudited(t, rec, http.MethodGet, "/api/checklists/patient/:loginid", "/api/checklists/patient/p1", nil)

	if rec.count() != 2 {
		t.Fatalf("expected 2 audit entries, got %d", rec.count())
	}
	if rec.entries[0].Resource != "recommends" || rec.entries[0].Subject != "p1" {
		t.Errorf("unexpected entry: %+v", rec.entries[0])
	}
	if rec.entries[1].Resource != "checklists" {
		t.Errorf("unexpected entry: %+v", rec.entries[1])
	}
}

func TestAudit_RecorderErrorDoesNotFailRequest(t *testing.T) {
	rec := &mockRecorder{err: errors.New("sink down")}
	serveAudited(t, rec, http.MethodGet, "/api/patients", "/api/patients", nil)
	if rec.count() != 1 {
		t.Errorf("expected recorder to be called once, got %d", rec.count())
	}
}

func TestResourceFromPath(t *testing.T) {
	tests := map[string]string{
		"/api/patients":               "patients",
		"/api/patients/p1":            "patients",
		"/api/patient-records/export": "patient-records",
		"/api/":                       "unknown",
	}
	for in, want := range tests {
		if got := resourceFromPath(in); got != want {
			t.Errorf("resourceFromPath(%q) = %q, want %q", in, got, want)
		}
	}
}
