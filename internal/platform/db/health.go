package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

// Pinger is the part of the pool the health endpoint depends on.
type Pinger interface {
	Ping(ctx context.Context) error
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
		Healthy:         stat.TotalConns() > 0,
	}
}

// HealthHandler returns a handler for the database health check endpoint.
// Pool statistics are included when p is a *pgxpool.Pool.
func HealthHandler(p Pinger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		err := p.Ping(ctx)

		body := map[string]interface{}{"status": "healthy"}
		if pool, ok := p.(*pgxpool.Pool); ok {
			body["pool"] = GetPoolStats(pool)
		}
		if err != nil {
			body["status"] = "unhealthy"
			body["error"] = err.Error()
			return c.JSON(http.StatusServiceUnavailable, body)
		}
		return c.JSON(http.StatusOK, body)
	}
}
