package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats is a JSON view of pgxpool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return newPoolStats(stat.TotalConns(), stat.IdleConns(), stat.AcquiredConns(),
		stat.MaxConns(), stat.AcquireCount(), stat.AcquireDuration())
}

func newPoolStats(total, idle, acquired, max int32, acquireCount int64, acquireDur time.Duration) *PoolStats {
	return &PoolStats{
		TotalConns:      total,
		IdleConns:       idle,
		AcquiredConns:   acquired,
		MaxConns:        max,
		AcquireCount:    acquireCount,
		AcquireDuration: acquireDur.String(),
		Healthy:         total > 0,
	}
}

// HealthHandler pings the database within timeout and reports pool stats.
func HealthHandler(pool *pgxpool.Pool, timeout time.Duration) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
		defer cancel()

		err := pool.Ping(ctx)
		stats := GetPoolStats(pool)
		if err != nil {
			stats.Healthy = false
			return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
				"status": "unhealthy",
				"error":  err.Error(),
				"pool":   stats,
			})
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status": "healthy",
			"pool":   stats,
		})
	}
}
