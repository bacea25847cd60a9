package report

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/oralhealth/intake/internal/platform/auth"
)

// asPrincipal authenticates every request as p.
func asPrincipal(p *auth.Principal) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := auth.WithPrincipal(c.Request().Context(), p, nil)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func newTestRouter(fx *fixture, p *auth.Principal) *echo.Echo {
	e := echo.New()
	NewHandler(fx.svc).RegisterRoutes(e.Group("/api"), asPrincipal(p))
	return e
}

func get(e *echo.Echo, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestHandler_GeneratePDF(t *testing.T) {
	fx := newFixture(t, true)
	e := newTestRouter(fx, fx.owner)

	rec := get(e, "/api/report/"+fx.rec.PatientID.String()+"/"+fx.rec.ID.String()+"?language=zh_tw")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "application/pdf" {
		t.Errorf("unexpected content type %q", ct)
	}
	cd := rec.Header().Get(echo.HeaderContentDisposition)
	if !strings.HasPrefix(cd, `attachment; filename="report_`) {
		t.Errorf("unexpected disposition %q", cd)
	}
	if rec.Body.String() != "%PDF-1.4 fake" {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
	if fx.renderer.language != "zh_tw" {
		t.Errorf("expected zh_tw, got %s", fx.renderer.language)
	}
}

func TestHandler_GenerateErrors(t *testing.T) {
	fx := newFixture(t, true)
	noFace := fx.addRecord(t, fx.rec.PatientID, "p1", false)
	e := newTestRouter(fx, fx.owner)
	base := "/api/report/" + fx.rec.PatientID.String() + "/"

	tests := []struct {
		name string
		path string
		want int
	}{
		{"bad language", base + fx.rec.ID.String() + "?language=fr", http.StatusBadRequest},
		{"no face photo", base + noFace.ID.String(), http.StatusBadRequest},
		{"unknown record", base + "6f1c1d8e-8d1f-4a39-9d43-5a4c7e0f1a2b", http.StatusNotFound},
		{"malformed id", base + "abc", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := get(e, tt.path); rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
	if fx.renderer.calls != 0 {
		t.Errorf("renderer must not run, ran %d times", fx.renderer.calls)
	}
}

func TestHandler_GenerateFailureDetails(t *testing.T) {
	fx := newFixture(t, true)
	fx.renderer.err = &RenderError{Reason: "renderer exited with an error", Stdout: "partial", Stderr: "boom"}
	e := newTestRouter(fx, fx.owner)

	rec := get(e, "/api/report/"+fx.rec.PatientID.String()+"/"+fx.rec.ID.String())
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	details, _ := decodeJSON(t, rec)["details"].(map[string]interface{})
	if details["stdout"] != "partial" || details["stderr"] != "boom" {
		t.Errorf("expected captured output in details, got %v", details)
	}
}

func TestHandler_GenerateForbidden(t *testing.T) {
	fx := newFixture(t, true)
	e := newTestRouter(fx, &auth.Principal{ID: "someone-else", LoginID: "p2", Role: auth.RolePatient})

	rec := get(e, "/api/report/"+fx.rec.PatientID.String()+"/"+fx.rec.ID.String())
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func TestHandler_Status(t *testing.T) {
	fx := newFixture(t, true)
	e := newTestRouter(fx, admin)
	path := "/api/report/" + fx.rec.PatientID.String() + "/" + fx.rec.ID.String() + "/status"

	rec := get(e, path)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeJSON(t, rec)
	if body["exists"] != true || body["hasFacePhoto"] != true {
		t.Errorf("unexpected status %v", body)
	}

	fx.records.remove(fx.rec.ID)
	rec = get(e, path)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	body = decodeJSON(t, rec)
	if body["exists"] != false || body["hasFacePhoto"] != false {
		t.Errorf("unexpected status after delete %v", body)
	}
}
