package account

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/oralhealth/intake/internal/platform/auth"
)

func newTestHandler(t *testing.T) (*Handler, *echo.Echo, *mockAccountRepo) {
	t.Helper()
	svc, repo := newTestService()
	cache := NewPrincipalCache(repo, 64, time.Minute)
	svc.SetCache(cache)
	gate := auth.NewGate(svc.tokens, svc.revoked, cache)

	h := NewHandler(svc, gate)
	e := echo.New()
	h.RegisterRoutes(e.Group("/api"), nil)
	return h, e, repo
}

func doJSON(e *echo.Echo, method, path, body, token string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return body
}

func loginAs(t *testing.T, h *Handler, loginID, password string) string {
	t.Helper()
	res, err := h.svc.Login(t.Context(), loginID, password)
	if err != nil {
		t.Fatalf("login %s: %v", loginID, err)
	}
	return res.Token
}

func seedWithPassword(t *testing.T, repo *mockAccountRepo, loginID, role, status string) *Account {
	t.Helper()
	hash, err := auth.HashPassword("pw")
	if err != nil {
		t.Fatal(err)
	}
	return repo.seed(loginID, hash, role, status)
}

func TestHandler_Login(t *testing.T) {
	_, e, repo := newTestHandler(t)
	seedWithPassword(t, repo, "p1", auth.RolePatient, auth.StatusActive)

	rec := doJSON(e, http.MethodPost, "/api/auth/login", `{"loginid":"p1","Password":"pw"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["token"] == "" || body["token"] == nil {
		t.Error("expected token in response")
	}
	patient, _ := body["patient"].(map[string]interface{})
	if patient["loginid"] != "p1" {
		t.Errorf("expected patient p1, got %v", patient)
	}
	if _, leaked := patient["Password"]; leaked {
		t.Error("password hash must not be serialized")
	}
}

func TestHandler_Login_AliasAndErrors(t *testing.T) {
	_, e, repo := newTestHandler(t)
	seedWithPassword(t, repo, "p1", auth.RolePatient, auth.StatusActive)
	seedWithPassword(t, repo, "p2", auth.RolePatient, auth.StatusInactive)

	if rec := doJSON(e, http.MethodPost, "/api/auth/login", `{"Login_ID":"p1","Password":"pw"}`, ""); rec.Code != http.StatusOK {
		t.Errorf("alias login: expected 200, got %d", rec.Code)
	}
	if rec := doJSON(e, http.MethodPost, "/api/auth/login", `{"loginid":"p1"}`, ""); rec.Code != http.StatusBadRequest {
		t.Errorf("missing password: expected 400, got %d", rec.Code)
	}

	unknown := doJSON(e, http.MethodPost, "/api/auth/login", `{"loginid":"ghost","Password":"pw"}`, "")
	wrong := doJSON(e, http.MethodPost, "/api/auth/login", `{"loginid":"p1","Password":"nope"}`, "")
	if unknown.Code != http.StatusUnauthorized || wrong.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401/401, got %d/%d", unknown.Code, wrong.Code)
	}
	if unknown.Body.String() != wrong.Body.String() {
		t.Errorf("bodies differ: %q vs %q", unknown.Body.String(), wrong.Body.String())
	}

	if rec := doJSON(e, http.MethodPost, "/api/auth/login", `{"loginid":"p2","Password":"pw"}`, ""); rec.Code != http.StatusForbidden {
		t.Errorf("inactive: expected 403, got %d", rec.Code)
	}
}

func TestHandler_Verify(t *testing.T) {
	h, e, repo := newTestHandler(t)
	seedWithPassword(t, repo, "p1", auth.RolePatient, auth.StatusActive)
	token := loginAs(t, h, "p1", "pw")

	rec := doJSON(e, http.MethodGet, "/api/auth/verify", "", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decode(t, rec)
	if body["valid"] != true {
		t.Errorf("expected valid:true, got %v", body)
	}

	rec = doJSON(e, http.MethodGet, "/api/auth/verify", "", "garbage")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	body = decode(t, rec)
	if body["valid"] != false || body["error"] != "JsonWebTokenError" {
		t.Errorf("unexpected body: %v", body)
	}

	if rec := doJSON(e, http.MethodGet, "/api/auth/verify", "", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("missing token: expected 401, got %d", rec.Code)
	}
}

func TestHandler_Verify_Expired(t *testing.T) {
	_, e, repo := newTestHandler(t)
	a := seedWithPassword(t, repo, "p1", auth.RolePatient, auth.StatusActive)

	expired := auth.NewTokenManager("test-secret-test-secret-test-secret", -time.Minute)
	token, _, err := expired.Issue(a.ID.String(), a.LoginID, a.Role)
	if err != nil {
		t.Fatal(err)
	}

	rec := doJSON(e, http.MethodGet, "/api/auth/verify", "", token)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if body := decode(t, rec); body["error"] != "TokenExpiredError" {
		t.Errorf("expected TokenExpiredError, got %v", body["error"])
	}
}

func TestHandler_Logout_RevokesToken(t *testing.T) {
	h, e, repo := newTestHandler(t)
	seedWithPassword(t, repo, "p1", auth.RolePatient, auth.StatusActive)
	token := loginAs(t, h, "p1", "pw")

	if rec := doJSON(e, http.MethodPost, "/api/auth/logout", "", token); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := doJSON(e, http.MethodGet, "/api/patients/p1", "", token); rec.Code != http.StatusUnauthorized {
		t.Errorf("revoked token should be rejected, got %d", rec.Code)
	}
	if rec := doJSON(e, http.MethodPost, "/api/auth/logout", "", ""); rec.Code != http.StatusOK {
		t.Errorf("anonymous logout: expected 200, got %d", rec.Code)
	}
}

func TestHandler_Register(t *testing.T) {
	_, e, _ := newTestHandler(t)
	body := `{"Login_ID":"p1","Password":"pw","Name_CN":"王","Name_EN":"Wang","Age":30,"Month":1,"Email":"p1@example.com","PhoneNumber":"123"}`

	rec := doJSON(e, http.MethodPost, "/api/patients/register", body, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := doJSON(e, http.MethodPost, "/api/patients/register", body, ""); rec.Code != http.StatusConflict {
		t.Errorf("duplicate: expected 409, got %d", rec.Code)
	}

	rec = doJSON(e, http.MethodPost, "/api/patients/register", `{"loginid":"p3","Password":"pw"}`, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing fields: expected 400, got %d", rec.Code)
	}
	required, _ := decode(t, rec)["required"].([]interface{})
	if len(required) != len(RequiredRegisterFields) {
		t.Errorf("expected required list, got %v", required)
	}
}

func TestHandler_Application_IsInactive(t *testing.T) {
	_, e, repo := newTestHandler(t)
	body := `{"loginid":"applicant","Password":"pw","Name_CN":"李","Name_EN":"Li","Age":30,"Month":1,"Email":"a@example.com","PhoneNumber":"123"}`

	if rec := doJSON(e, http.MethodPost, "/api/patients/application", body, ""); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	a, err := repo.GetByLoginID(t.Context(), "applicant")
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != auth.StatusInactive {
		t.Errorf("expected inactive, got %s", a.Status)
	}
}

func TestHandler_PatientAccessControl(t *testing.T) {
	h, e, repo := newTestHandler(t)
	p1 := seedWithPassword(t, repo, "p1", auth.RolePatient, auth.StatusActive)
	seedWithPassword(t, repo, "p2", auth.RolePatient, auth.StatusActive)
	seedWithPassword(t, repo, "admin", auth.RoleAdmin, auth.StatusActive)

	patientToken := loginAs(t, h, "p1", "pw")
	adminToken := loginAs(t, h, "admin", "pw")

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		token  string
		want   int
	}{
		{"self by loginid", http.MethodGet, "/api/patients/p1", "", patientToken, http.StatusOK},
		{"self by id", http.MethodGet, "/api/patients/" + p1.ID.String(), "", patientToken, http.StatusOK},
		{"other patient", http.MethodGet, "/api/patients/p2", "", patientToken, http.StatusForbidden},
		{"no token", http.MethodGet, "/api/patients/p1", "", "", http.StatusUnauthorized},
		{"list as patient", http.MethodGet, "/api/patients", "", patientToken, http.StatusForbidden},
		{"list as admin", http.MethodGet, "/api/patients", "", adminToken, http.StatusOK},
		{"self role change", http.MethodPut, "/api/patients/p1", `{"role":"admin"}`, patientToken, http.StatusForbidden},
		{"self name change", http.MethodPut, "/api/patients/p1", `{"Name_EN":"Renamed"}`, patientToken, http.StatusOK},
		{"patient delete", http.MethodDelete, "/api/patients/p2", "", patientToken, http.StatusForbidden},
		{"admin get missing", http.MethodGet, "/api/patients/ghost", "", adminToken, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(e, tt.method, tt.path, tt.body, tt.token)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHandler_AdminCreateAndDelete(t *testing.T) {
	h, e, repo := newTestHandler(t)
	seedWithPassword(t, repo, "admin", auth.RoleAdmin, auth.StatusActive)
	adminToken := loginAs(t, h, "admin", "pw")

	rec := doJSON(e, http.MethodPost, "/api/patients", `{"loginid":"p5","Password":"pw","Name_EN":"Five"}`, adminToken)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	patientToken := loginAs(t, h, "p5", "pw")

	if rec := doJSON(e, http.MethodDelete, "/api/patients/p5", "", adminToken); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	// The deleted account's token stops working immediately.
	if rec := doJSON(e, http.MethodGet, "/api/patients/p5", "", patientToken); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for deleted account, got %d", rec.Code)
	}
	if rec := doJSON(e, http.MethodDelete, "/api/patients/p5", "", adminToken); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 on second delete, got %d", rec.Code)
	}
}
