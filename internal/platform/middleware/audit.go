package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/oralhealth/intake/internal/platform/auth"
)

// AuditEntry records who touched which patient data, when and how.
type AuditEntry struct {
	AccountID  string
	Role       string
	Resource   string
	Subject    string
	Action     string
	IPAddress  string
	UserAgent  string
	Path       string
	Method     string
	Timestamp  time.Time
	RequestID  string
	StatusCode int
}

// AuditRecorder persists audit entries somewhere other than the log.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

var auditedPrefixes = []string{"/api/patients", "/api/patient-records", "/api/recommends", "/api/checklists", "/api/report"}

// Audit logs every access to patient data after the handler has run, so the
// entry carries the final status and the authenticated caller.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if !isAuditablePath(path) {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}

			entry := AuditEntry{
				Timestamp:  time.Now().UTC(),
				Path:       path,
				Method:     req.Method,
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				StatusCode: status,
				Action:     httpMethodToAction(req.Method),
				Resource:   resourceFromPath(path),
				Subject:    auditSubject(c),
			}
			entry.RequestID, _ = c.Get("request_id").(string)
			if p := auth.PrincipalFromContext(c.Request().Context()); p != nil {
				entry.AccountID = p.ID
				entry.Role = p.Role
			}

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "audit").
				Str("request_id", entry.RequestID).
				Str("account_id", entry.AccountID).
				Str("role", entry.Role).
				Str("resource", entry.Resource).
				Str("subject", entry.Subject).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("patient_data_access")

			return err
		}
	}
}

func isAuditablePath(path string) bool {
	for _, p := range auditedPrefixes {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

func httpMethodToAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// resourceFromPath returns the first segment after /api/.
func resourceFromPath(path string) string {
	rest := strings.TrimPrefix(path, "/api/")
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	if rest == "" {
		return "unknown"
	}
	return rest
}

// auditSubject picks the most specific identifier from the route params.
func auditSubject(c echo.Context) string {
	for _, name := range []string{"recordId", "id", "loginid", "patientId"} {
		if v := c.Param(name); v != "" {
			return v
		}
	}
	return c.QueryParam("loginid")
}
