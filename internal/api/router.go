package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// NewRouter creates a chi.Mux serving health, readiness and metrics. checks
// may be nil, in which case /ready always succeeds.
func NewRouter(serviceName string, checks map[string]Check, log zerolog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware(log))
	r.Use(LoggingMiddleware(log))
	r.Use(RecoverMiddleware(log))

	r.Get("/health", HealthHandler(serviceName))
	r.Get("/ready", ReadyHandler(checks))
	r.Handle("/metrics", promhttp.Handler())

	return r
}
