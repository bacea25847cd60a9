package middleware

import (
	"context"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// RequestID propagates the caller's X-Request-ID or generates one, and
// exposes it on the echo context, the request context and the response.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := c.Request().Header.Get(RequestIDHeader)
			if rid == "" || len(rid) > 128 {
				rid = uuid.NewString()
			}

			c.Set("request_id", rid)
			c.Response().Header().Set(RequestIDHeader, rid)
			ctx := context.WithValue(c.Request().Context(), requestIDKey{}, rid)
			c.SetRequest(c.Request().WithContext(ctx))

			return next(c)
		}
	}
}

// RequestIDFromContext returns the id set by RequestID, or "".
func RequestIDFromContext(ctx context.Context) string {
	rid, _ := ctx.Value(requestIDKey{}).(string)
	return rid
}
