package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes configures and returns the HTTP router with all application routes:
// health checks, metrics, and the WebSocket endpoint.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/", HealthHandler)
	r.Get("/healthz", s.HealthzHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	// HandleFunc keeps the handler's own 405 reply for non-GET requests.
	r.With(s.connLimit.middleware).HandleFunc("/ws", s.WebSocketHandler)
	return r
}
