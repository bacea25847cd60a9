package middleware

import (
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
)

// BodyLimit rejects request bodies larger than limit bytes with 413. The
// Content-Length header is checked first; the body is also wrapped so that
// chunked uploads are cut off once they pass the limit.
func BodyLimit(limit int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}

			if req.ContentLength > limit {
				return payloadTooLarge(limit)
			}

			req.Body = &limitedReadCloser{
				ReadCloser: req.Body,
				remaining:  limit,
				limit:      limit,
			}
			return next(c)
		}
	}
}

// limitedReadCloser returns a 413 error once more than limit bytes are read.
type limitedReadCloser struct {
	io.ReadCloser
	remaining int64
	limit     int64
	exceeded  bool
}

func (r *limitedReadCloser) Read(p []byte) (n int, err error) {
	if r.exceeded {
		return 0, payloadTooLarge(r.limit)
	}

	toRead := int64(len(p))
	if toRead > r.remaining+1 {
		toRead = r.remaining + 1
	}

	n, err = r.ReadCloser.Read(p[:toRead])
	r.remaining -= int64(n)

	if r.remaining < 0 {
		r.exceeded = true
		return 0, payloadTooLarge(r.limit)
	}
	return n, err
}

func payloadTooLarge(limit int64) *echo.HTTPError {
	return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
		fmt.Sprintf("request body exceeds maximum allowed size of %d bytes", limit))
}
