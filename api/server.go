/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for festival dashboards

ROUTE GROUPS:
  /api/accounts/*       Wristband accounts: create, balance, history, verify
  /api/transactions/*   Topups, payments, refunds, transfers
  /api/tags/*           NFC tag binding and resolution
  /api/terminals/*      Terminal lifecycle, offline buffering, reconciliation
  /metrics              Prometheus scrape endpoint

SECURITY NOTE:
  No authentication middleware. Deployments front this with the festival
  gateway, which terminates TLS and authenticates terminals.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", h.CreateAccount)
			r.Get("/{id}", h.GetAccount)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/transactions", h.GetHistory)
			r.Post("/{id}/verify", h.VerifyAccount)
			r.Put("/{id}/status", h.SetAccountStatus)
		})

		r.Route("/transactions", func(r chi.Router) {
			r.Post("/", h.ApplyTransaction)
			r.Post("/transfer", h.Transfer)
			r.Post("/refund", h.Refund)
		})

		r.Route("/tags", func(r chi.Router) {
			r.Post("/bind", h.BindTag)
			r.Delete("/{id}/binding", h.UnbindTag)
			r.Get("/{id}/resolve", h.ResolveTag)
		})

		r.Route("/terminals", func(r chi.Router) {
			r.Post("/", h.RegisterTerminal)
			r.Post("/{id}/heartbeat", h.Heartbeat)
			r.Post("/{id}/offline", h.GoOffline)
			r.Post("/{id}/intents", h.BufferIntent)
			r.Post("/{id}/reconcile", h.Reconcile)
		})
	})

	// Prometheus scrape endpoint
	r.Handle("/metrics", promhttp.Handler())

	return r
}
