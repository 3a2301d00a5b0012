package http

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robertarktes/event-reservations/internal/identity"
	"github.com/robertarktes/event-reservations/internal/observability"
	"github.com/robertarktes/event-reservations/internal/rateLimit"
)

type RouterDeps struct {
	Logger      observability.Logger
	Verifier    *identity.Verifier
	RateLimiter *rateLimit.RateLimiter
	Limits      RateLimits
}

func SetupRouter(h *Handlers, deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(TracingMiddleware)
	r.Use(MetricsMiddleware(deps.Logger))

	r.NotFound(h.NotFound)
	r.MethodNotAllowed(h.MethodNotAllowed)

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/healthz", h.Healthz)
		r.Get("/readyz", h.Readyz)

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(deps.Verifier))
			r.Use(RateLimitMiddleware(deps.RateLimiter, deps.Limits))

			r.Get("/events", h.ListEvents)
			r.With(RequireAdmin, RequireIdempotencyKey).Post("/events", h.CreateEvent)

			r.Route("/events/{id}", func(r chi.Router) {
				r.Get("/", h.GetEvent)
				r.With(RequireAdmin).Patch("/", h.UpdateEvent)
				r.With(RequireAdmin).Post("/cancel", h.CancelEvent)
				r.Get("/occupancy", h.GetOccupancy)
				r.Get("/occupancy/stream", h.StreamOccupancy)
				r.With(RequireIdempotencyKey).Post("/bookings", h.Book)
				r.Get("/bookings/me", h.GetMyBooking)
				r.Delete("/bookings/me", h.CancelMyBooking)
			})
		})
	})

	return r
}
