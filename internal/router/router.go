// Package router composes the Chi mux: middleware chain, route table, and
// the 404 fallback. Handler construction is the caller's (cmd/server's)
// responsibility; this package only wires what it's given.
package router

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rattsbas/aegis/internal/cache"
	"github.com/rattsbas/aegis/internal/handler"
	"github.com/rattsbas/aegis/internal/middleware"
	"github.com/rattsbas/aegis/internal/service"
)

// Dependencies holds everything the router needs to build routes.
type Dependencies struct {
	DB          handler.DBPinger
	Version     string
	FrontendURL string

	Orchestrator *service.Orchestrator
	QueryCache   *cache.QueryCache

	Metrics    *middleware.Metrics // optional
	MetricsReg *prometheus.Registry // optional

	// QueryRateLimiter bounds POST /agent/query and /agent/query/stream.
	// nil disables rate limiting.
	QueryRateLimiter *middleware.RateLimiter
}

// New creates and configures the Chi router with all routes.
func New(deps *Dependencies) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Logging)
	r.Use(middleware.CORS(deps.FrontendURL))
	if deps.Metrics != nil {
		r.Use(middleware.Monitoring(deps.Metrics))
	}

	r.Get("/health", handler.Health(deps.DB, deps.Version))
	if deps.MetricsReg != nil {
		r.Handle("/metrics", middleware.MetricsHandler(deps.MetricsReg))
	}

	r.Group(func(r chi.Router) {
		if deps.QueryRateLimiter != nil {
			r.Use(middleware.RateLimit(deps.QueryRateLimiter))
		}

		// Non-streaming: bounded write timeout to prevent slow-read attacks.
		r.With(middleware.Timeout(60 * time.Second)).
			Post("/agent/query", handler.Query(deps.Orchestrator, deps.QueryCache, deps.Metrics))

		// Streaming: no per-route timeout handler — SSE holds the connection open.
		r.Post("/agent/query/stream", handler.StreamQuery(deps.Orchestrator, deps.Metrics))
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   "route not found",
		})
	})

	return r
}
