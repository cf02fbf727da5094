/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for admin frontends

ROUTE GROUPS:
  /api/prepayments/*     Prepayment lifecycle and queries
  /api/amortizations/*   Entry-level processing, reversal, adjustment
  /api/admin/*           Batch triggers

SECURITY NOTE:
  No authentication middleware. Deploy behind a gateway that handles it.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/prepayments", func(r chi.Router) {
			r.Get("/", h.ListPrepayments)
			r.Post("/", h.CreatePrepayment)
			r.Get("/summary", h.GetSummary)
			r.Get("/{id}", h.GetPrepayment)
			r.Get("/{id}/schedule", h.GetSchedule)
			r.Post("/{id}/approve", h.ApprovePrepayment)
			r.Post("/{id}/cancel", h.CancelPrepayment)
			r.Post("/{id}/write-off", h.WriteOffPrepayment)
			r.Post("/{id}/usage", h.RecordUsage)
		})

		r.Route("/amortizations", func(r chi.Router) {
			r.Get("/due", h.ListDue)
			r.Post("/{id}/process", h.ProcessAmortization)
			r.Post("/{id}/reverse", h.ReverseAmortization)
			r.Post("/{id}/adjust", h.AdjustAmortization)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/run-daily", h.RunDaily)
			r.Post("/run-monthly", h.RunMonthly)
		})
	})

	return r
}
