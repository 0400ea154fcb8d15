/**
 * @description
 * This file sets up the HTTP router for the payment-service. It defines the
 * API endpoints, associates them with their corresponding handlers, and
 * applies any necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// PaymentRoutes creates and returns a new router for the payment service.
func PaymentRoutes(h *PaymentHandlers, jwksURL, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Group routes that require caller authentication.
	r.Group(func(r chi.Router) {
		r.Use(BearerAuthMiddleware(jwksURL))

		r.Post("/", h.CreatePaymentHandler)
		r.Get("/{paymentID}", h.GetPaymentHandler)
		r.Get("/account/{accountID}", h.ListPaymentsHandler)
		r.Post("/{paymentID}/approve", h.ApprovePaymentHandler)
		r.Post("/{paymentID}/cancel", h.CancelPaymentHandler)
		r.Post("/{paymentID}/fund", h.FundPaymentHandler)
	})

	// Operator routes guarded by the shared internal key.
	r.Group(func(r chi.Router) {
		r.Use(RequireInternalAPIKey(internalAPIKey))

		r.Post("/{paymentID}/requote", h.RequotePaymentHandler)
	})

	return r
}
