// Package app assembles the HTTP router from the handler set.
package app

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fenrick/miro-bridge/internal/adapter/httpserver"
	"github.com/fenrick/miro-bridge/internal/adapter/observability"
	"github.com/fenrick/miro-bridge/internal/config"
)

// NewRouter builds the full route tree with the shared middleware stack.
func NewRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(httpserver.RequestID)
	r.Use(httpserver.AccessLog)
	r.Use(httpserver.SecurityHeaders)
	r.Use(observability.HTTPMetricsMiddleware)
	r.Use(httpserver.Timeout(cfg.HTTPWriteTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-User-Id", "X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", srv.Healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			// Mutating routes carry a per-client request budget on top of
			// the per-user upstream pacing.
			r.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
			r.Post("/batch", srv.SubmitBatch)
			r.Post("/logs", srv.IngestLogs)
			r.Post("/webhook", srv.Hook.Handle)
		})
		r.Get("/jobs/{id}", srv.GetJob)
		r.Get("/cache/{board_id}", srv.GetBoardCache)
		r.Get("/boards/{board_id}/shapes", srv.GetBoardShapes)
		r.Get("/boards/{board_id}/tags", srv.GetBoardTags)
		r.Get("/limits", srv.GetLimits)
		r.Get("/dlq", srv.GetDeadLetters)
	})

	r.Get("/oauth/login", srv.OAuth.Login)
	r.Get("/oauth/callback", srv.OAuth.Callback)

	return r
}
