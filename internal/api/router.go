/**
 * @description
 * This file sets up the HTTP router for the ledger-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/prometheus/client_golang: The /metrics endpoint.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// LedgerRoutes creates and returns the router for the ledger service.
func LedgerRoutes(h *LedgerHandlers, registry *prometheus.Registry, jwksURL, cronSharedSecret string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Unauthenticated surface: the gateway authenticates with its HMAC
	// signature, not a bearer token.
	r.Post("/webhooks/payment", h.PaymentWebhookHandler)
	r.Get("/health", h.HealthHandler)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	// Client-facing endpoints require a user JWT.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(jwksURL))

		r.Post("/submissions/confirm", h.ConfirmSubmissionHandler)
		r.Post("/payouts", h.PayoutHandler)
		r.Get("/balance", h.BalanceHandler)
	})

	// Internal endpoints share a bearer secret with the cron service and
	// sibling services.
	r.Group(func(r chi.Router) {
		r.Use(InternalAuthMiddleware(cronSharedSecret))

		r.Post("/internal/reconcile", h.ReconcileHandler)
		r.Post("/internal/awards", h.AwardBonusHandler)
	})

	return r
}
