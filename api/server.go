/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Metrics:    Prometheus latency + zap access line (optional)
  5. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/users/*          Registration, login, profile, earnings
  /api/transactions/*   Purchases and history (authenticated)
  /api/events           Notification stream (authenticated)
  /api/admin/*          Audit, reconciliation, demo scenarios (admin token)
  /health               Liveness + store ping
  /metrics              Prometheus exposition (optional)

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions carries the optional pieces of the router.
type RouterOptions struct {
	CORSOrigins []string

	// Instrument wraps every request when set (metrics.Metrics.Middleware).
	Instrument func(http.Handler) http.Handler

	// MetricsHandler is mounted on /metrics when set.
	MetricsHandler http.Handler
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if opts.Instrument != nil {
		r.Use(opts.Instrument)
	}
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Admin-Token"},
		AllowCredentials: true,
	}))

	r.Get("/health", h.Health)
	if opts.MetricsHandler != nil {
		r.Handle("/metrics", opts.MetricsHandler)
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/users", func(r chi.Router) {
			r.Post("/register", h.Register)
			r.Post("/login", h.Login)

			r.Group(func(r chi.Router) {
				r.Use(h.Authenticate)
				r.Get("/profile", h.Profile)
				r.Get("/earnings", h.Earnings)
			})
		})

		r.Route("/transactions", func(r chi.Router) {
			r.Use(h.Authenticate)
			r.Post("/purchase", h.Purchase)
			r.Get("/history", h.History)
			r.Get("/{id}", h.Transaction)
		})

		r.With(h.Authenticate).Get("/events", h.Events)

		r.Route("/admin", func(r chi.Router) {
			r.Use(h.RequireAdmin)
			r.Get("/users/{id}/audit", h.Audit)
			r.Post("/reconcile", h.Reconcile)
			r.Get("/scenarios", h.ListScenarios)
			r.Post("/scenarios/load", h.LoadScenario)
		})
	})

	return r
}
