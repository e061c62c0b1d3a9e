/**
 * @description
 * This file sets up the HTTP router for the compensation-service. It defines the
 * API endpoints, associates them with their corresponding handlers, and applies
 * the authentication middleware for each route group.
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

// CompensationRoutes creates and returns a new router for the compensation service.
func CompensationRoutes(h *CompensationHandlers, internalAPIKey, adminJWTSecret string) http.Handler {
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

	// Service-to-service endpoints guarded by the shared internal key.
	r.Group(func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalAPIKey))

		r.Post("/accounts", h.RegisterAccountHandler)
		r.Post("/activations", h.ActivationHandler)
		r.Post("/transfers", h.TransferHandler)
		r.Post("/payouts", h.RequestPayoutHandler)

		r.Get("/accounts/{accountID}", h.GetAccountHandler)
		r.Get("/accounts/{accountID}/wallet", h.GetWalletHandler)
		r.Get("/accounts/{accountID}/ledger", h.GetLedgerHandler)
		r.Get("/accounts/{accountID}/cap", h.GetCapStatusHandler)

		// Out-of-schedule batch triggers for operator tooling.
		r.Post("/internal/jobs/daily-yield", h.RunDailyYieldHandler)
		r.Post("/internal/jobs/weekly-payout", h.RunWeeklyPayoutHandler)
	})

	// Back-office endpoints guarded by admin JWTs.
	r.Group(func(r chi.Router) {
		r.Use(AdminAuthMiddleware(adminJWTSecret))

		r.Post("/admin/adjustments", h.AdminAdjustHandler)
		r.Post("/admin/achievements", h.GrantAchievementHandler)
		r.Post("/admin/positions/{positionID}/recalculate-cap", h.RecalculateCapHandler)
		r.Post("/admin/renewals", h.RenewHandler)
	})

	return r
}
