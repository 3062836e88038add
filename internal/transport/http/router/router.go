package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"eventrelay/internal/config"
	"eventrelay/internal/metrics"
	"eventrelay/internal/transport/http/handlers"
	"eventrelay/internal/transport/http/middleware"
)

func New(
	cfg *config.Config,
	auth *middleware.AuthMiddleware,
	sse *handlers.SSEHandler,
	ws *handlers.WSHandler,
	dlq *handlers.DLQHandler,
	health *handlers.HealthHandler,
) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.SecurityHeaders)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.AccessLog)

	if cfg.RLEnabled {
		r.Use(httprate.LimitByIP(cfg.RLLimit, cfg.RLWindow))
	}

	r.Get("/healthz", health.Healthz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1/events", func(r chi.Router) {
		// WebSocket auth runs on a query token before the upgrade, so the
		// bearer middleware does not wrap these routes.
		r.Get("/ws", ws.Stream)
		r.Get("/ws/orders", ws.Orders)

		r.Group(func(r chi.Router) {
			r.Use(auth.Require)
			r.Get("/stream", sse.Stream)
			r.Get("/stream/orders", sse.Orders)
			r.Get("/stream/notifications", sse.Notifications)
		})
	})

	r.Route("/v1/dlq", func(r chi.Router) {
		r.Use(auth.Require)
		r.Get("/stats", dlq.Stats)
		r.Get("/alerts", dlq.Alerts)
		r.Get("/events", dlq.Events)
		r.Get("/events/manual-intervention", dlq.ManualIntervention)
		r.Post("/reprocess", dlq.Reprocess)
		r.Post("/events/resolve", dlq.Resolve)
		r.Post("/cleanup", dlq.Cleanup)
		r.Get("/health", health.Health)
		r.Get("/monitoring/dashboard", dlq.Dashboard)
	})

	return r
}
