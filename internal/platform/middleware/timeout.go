package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout sets a context deadline on each request and answers 504 if
// the handler has not finished by then. Paths starting with any of skip
// are left alone; the report route bounds its own work with a longer
// deadline.
func RequestTimeout(timeout time.Duration, skip ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			for _, prefix := range skip {
				if strings.HasPrefix(path, prefix) {
					return next(c)
				}
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()

			c.SetRequest(c.Request().WithContext(ctx))

			done := make(chan error, 1)
			go func() {
				done <- next(c)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				if ctx.Err() == context.DeadlineExceeded {
					if !c.Response().Committed {
						return c.JSON(http.StatusGatewayTimeout, map[string]string{
							"error": "request processing exceeded the allowed time limit",
						})
					}
					return nil
				}
				return ctx.Err()
			}
		}
	}
}
