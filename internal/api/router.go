/**
 * @description
 * HTTP router setup for the payment service using go-chi/chi.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// NewRouter creates a new Chi router and registers the payment routes.
func NewRouter(h *Handler, internalKey string, log zerolog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RequestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Internal-API-Key", ActorHeader},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Payment service is healthy"))
	})

	r.Group(func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalKey))

		r.Route("/work-period-payments", func(r chi.Router) {
			r.Post("/", h.handleCreatePayment)
			r.Post("/bulk", h.handleBulkCreatePayments)
			r.Patch("/bulk", h.handleBulkUpdatePayments)
			r.Get("/{id}", h.handleGetPayment)
			r.Patch("/{id}", h.handleUpdatePayment)
		})

		r.Route("/work-periods/{id}", func(r chi.Router) {
			r.Get("/", h.handleGetWorkPeriod)
			r.Patch("/", h.handleUpdateWorkPeriod)
			r.Get("/payments", h.handleListWorkPeriodPayments)
		})

		r.Route("/internal", func(r chi.Router) {
			r.Post("/payment-scheduler/run", h.handleRunPaymentScheduler)
			r.Post("/work-periods/{id}/recompute", h.handleRecomputeWorkPeriod)
			r.Post("/resource-bookings/{id}/work-periods/sync", h.handleSyncWorkPeriods)
		})
	})

	return r
}
