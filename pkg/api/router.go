// Package api provides HTTP API server components.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/goclaw/sagaflow/config"
	"github.com/goclaw/sagaflow/pkg/api/handlers"
	"github.com/goclaw/sagaflow/pkg/api/middleware"
	"github.com/goclaw/sagaflow/pkg/logger"
)

// Handlers holds all HTTP handlers.
type Handlers struct {
	// Saga handles saga submission, queries and control
	Saga *handlers.SagaHandler

	// Compensation handles compensation task endpoints
	Compensation *handlers.CompensationHandler

	// Health handles health check endpoints
	Health *handlers.HealthHandler

	// WebSocket streams lifecycle events
	WebSocket *handlers.WebSocketHandler

	// Metrics is the optional metrics recorder
	Metrics middleware.MetricsRecorder

	// MetricsHandler serves the Prometheus exposition when set
	MetricsHandler http.Handler
}

// NewRouter creates a new chi router with middleware and routes.
func NewRouter(cfg *config.Config, log logger.Logger, h *Handlers) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(log))
	r.Use(middleware.Recovery(log))
	r.Use(middleware.CORS(&cfg.Server.CORS))

	RegisterRoutes(r, cfg, h)

	return r
}

// RegisterRoutes registers all API routes.
func RegisterRoutes(r chi.Router, cfg *config.Config, h *Handlers) {
	// API v1 routes. The event stream, probes and scrape endpoint stay outside
	// tracing, metrics and the request timeout.
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Tracing())
		if h.Metrics != nil {
			r.Use(middleware.Metrics(h.Metrics))
		}
		if cfg.Server.HTTP.RequestTimeout > 0 {
			r.Use(middleware.Timeout(cfg.Server.HTTP.RequestTimeout))
		}

		if h.Saga != nil {
			r.Get("/stats", h.Saga.Stats)
			r.Route("/sagas", func(r chi.Router) {
				if rate := cfg.Server.HTTP.SubmitRate; rate > 0 {
					limiter := middleware.NewSubmitLimiter(rate, cfg.Server.HTTP.SubmitBurst)
					r.With(limiter.Middleware()).Post("/", h.Saga.SubmitSaga)
				} else {
					r.Post("/", h.Saga.SubmitSaga)
				}
				r.Get("/", h.Saga.ListSagas)
				r.Get("/running", h.Saga.ListRunning)
				r.Get("/{id}", h.Saga.GetSaga)
				r.Get("/{id}/errors", h.Saga.GetSagaErrors)
				r.Post("/{id}/pause", h.Saga.PauseSaga)
				r.Post("/{id}/resume", h.Saga.ResumeSaga)
				r.Post("/{id}/cancel", h.Saga.CancelSaga)
				r.Post("/{id}/compensate", h.Saga.CompensateSaga)
				r.Post("/{id}/recover", h.Saga.RecoverSaga)
			})
		}

		if h.Compensation != nil {
			r.Route("/compensations", func(r chi.Router) {
				r.Post("/", h.Compensation.CreateTask)
				r.Get("/", h.Compensation.ListTasks)
				r.Get("/{id}", h.Compensation.GetTask)
				r.Post("/{id}/execute", h.Compensation.ExecuteTask)
				r.Post("/{id}/cancel", h.Compensation.CancelTask)
			})
		}
	})

	if h.WebSocket != nil && cfg.Server.WebSocket.Enabled {
		r.Get("/ws/events", h.WebSocket.ServeHTTP)
	}

	// Health check routes (not versioned)
	if h.Health != nil {
		r.Get("/health", h.Health.Health)
		r.Get("/ready", h.Health.Ready)
		r.Get("/status", h.Health.Status)
	}

	if h.MetricsHandler != nil && cfg.Metrics.Enabled {
		r.Method(http.MethodGet, metricsPath(cfg), h.MetricsHandler)
	}
}

func metricsPath(cfg *config.Config) string {
	if cfg.Metrics.Path == "" {
		return "/metrics"
	}
	return cfg.Metrics.Path
}
