/**
 * @description
 * This file sets up the HTTP router for the card-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS middleware for browser clients.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/korecard/card-service/internal/app"
)

// RouterOptions carries the auth and throttling configuration for the router.
type RouterOptions struct {
	JWTSecret                 string
	RateLimiter               *app.RedisCommandRateLimiter
	CommandRateLimitPerMinute int
}

// CardRoutes creates and returns a new router for the card service.
func CardRoutes(h *CardHandlers, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"Idempotency-Replayed", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	commandThrottle := RateLimitMiddleware(opts.RateLimiter, "commands", opts.CommandRateLimitPerMinute)

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		r.Use(JWTAuthMiddleware(opts.JWTSecret))

		// User-facing endpoints.
		r.Get("/me", h.GetProfileHandler)
		r.Get("/cards", h.ListCardsHandler)
		r.Get("/cards/{cardID}", h.GetCardHandler)
		r.Get("/cards/{cardID}/transactions", h.ListTransactionsHandler)
		r.Post("/cards/request", h.RequestCardHandler)
		r.Post("/cards/{cardID}/cancel", h.CancelCardHandler)

		// Money-moving commands are throttled per actor.
		r.Group(func(r chi.Router) {
			r.Use(commandThrottle)
			r.Post("/cards/{cardID}/purchase", h.PurchaseHandler)
			r.Post("/cards/{cardID}/payment", h.PaymentHandler)
		})

		// Admin endpoints.
		r.Group(func(r chi.Router) {
			r.Use(RequireAdmin)
			r.Get("/admin/requests/{requestID}", h.AdminGetRequestHandler)
			r.Post("/admin/requests/{requestID}/approve", h.AdminApproveRequestHandler)
			r.Post("/admin/requests/{requestID}/reject", h.AdminRejectRequestHandler)
			r.Post("/admin/cards/{cardID}/suspend", h.AdminSuspendCardHandler)
			r.Post("/admin/cards/{cardID}/reactivate", h.AdminReactivateCardHandler)
			r.Post("/admin/users/{userID}/score", h.AdminAdjustScoreHandler)
		})
	})

	return r
}
