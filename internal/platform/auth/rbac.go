package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequireRole returns middleware that checks the caller holds one of roles.
// Admins pass every role check.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p := PrincipalFromContext(c.Request().Context())
			if p == nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}
			for _, required := range roles {
				if p.Role == required || p.IsAdmin() {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// RequireSelfOrAdmin allows the request when the path parameter names the
// caller (by id or login id) or the caller is an admin.
func RequireSelfOrAdmin(param string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p := PrincipalFromContext(c.Request().Context())
			if p == nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}
			if p.IsAdmin() || p.Owns(c.Param(param)) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden, "access denied")
		}
	}
}

// CanAccess reports whether p may act on data owned by the account
// identified by ownerID or ownerLoginID.
func CanAccess(p *Principal, ownerID, ownerLoginID string) bool {
	if p == nil {
		return false
	}
	return p.IsAdmin() || p.ID == ownerID || (ownerLoginID != "" && p.LoginID == ownerLoginID)
}
