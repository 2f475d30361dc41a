package handler

import (
	"context"
	"net/http"
	"time"
)

// DBPinger is the interface for checking vector-store connectivity.
// *pgxpool.Pool satisfies this directly.
type DBPinger interface {
	Ping(ctx context.Context) error
}

// Health returns a handler that reports server and database health.
// GET /health — returns {"status":"ok","version":"...","database":"connected"}
// without auth; when the ping fails it returns status "degraded", database
// "disconnected" and HTTP 503.
func Health(db DBPinger, version string) http.HandlerFunc {
	if version == "" {
		version = "0.0.0"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		status := "ok"
		dbStatus := "connected"
		httpStatus := http.StatusOK

		if db != nil {
			if err := db.Ping(ctx); err != nil {
				status = "degraded"
				dbStatus = "disconnected"
				httpStatus = http.StatusServiceUnavailable
			}
		}

		respondJSON(w, httpStatus, map[string]string{
			"status":   status,
			"version":  version,
			"database": dbStatus,
		})
	}
}
