package db

import (
	"context"
	"net/http"
	"sort"
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
	}
}

// Checker pings one dependency. Detail is optional extra payload for the report.
type Checker struct {
	Name   string
	Ping   func(ctx context.Context) error
	Detail func() interface{}
}

// PoolChecker checks a pgx pool and reports its stats.
func PoolChecker(name string, pool *pgxpool.Pool) Checker {
	return Checker{
		Name:   name,
		Ping:   pool.Ping,
		Detail: func() interface{} { return GetPoolStats(pool) },
	}
}

type checkResult struct {
	Status string      `json:"status"`
	Error  string      `json:"error,omitempty"`
	Detail interface{} `json:"detail,omitempty"`
}

// HealthHandler runs every checker and answers 503 if any of them fails.
func HealthHandler(version string, checkers ...Checker) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		healthy := true
		results := make(map[string]checkResult, len(checkers))
		for _, chk := range checkers {
			res := checkResult{Status: "healthy"}
			if err := chk.Ping(ctx); err != nil {
				healthy = false
				res.Status = "unhealthy"
				res.Error = err.Error()
			}
			if chk.Detail != nil {
				res.Detail = chk.Detail()
			}
			results[chk.Name] = res
		}

		names := make([]string, 0, len(results))
		for n := range results {
			names = append(names, n)
		}
		sort.Strings(names)

		status, code := "healthy", http.StatusOK
		if !healthy {
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
		return c.JSON(code, map[string]interface{}{
			"status":  status,
			"version": version,
			"checked": names,
			"checks":  results,
		})
	}
}
