package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/technosupport/ts-campus/internal/middleware"
)

// NewRouter mounts the dashboard API, the viewer WebSocket and ops endpoints.
func NewRouter(h *DashboardHandler, hub *Hub, requestTimeout time.Duration) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS)

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())
	// No timeout on the upgrade route; the connection outlives the request.
	r.Get("/ws/dashboard", hub.ServeWS)

	r.Route("/api/v1/dashboard", func(r chi.Router) {
		r.Use(chimiddleware.Timeout(requestTimeout))
		r.Get("/", h.GetView)
		r.Get("/events", h.ListEvents)
		r.Get("/event-types", h.ListEventTypes)
		r.Get("/chart", h.GetChart)
		r.Post("/reload", h.Reload)
	})

	return r
}
