/**
 * @description
 * This file sets up the HTTP router for the wallet-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies
 * middleware: CORS, request metrics, JWT authentication for user routes, the
 * shared internal API key for admin routes, and per-user rate limiting on
 * money-moving routes.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS middleware.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sewago/wallet-service/internal/metrics"
)

// RouterConfig carries the security and rate-limit settings the router needs.
type RouterConfig struct {
	JWTSecret         string
	InternalAPIKey    string
	RateLimiter       RateLimiter
	TxRateLimitPerMin int
}

// WalletRoutes creates and returns a new router for the wallet service.
func WalletRoutes(h *WalletHandlers, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(HTTPMetrics)

	// Health check and Prometheus endpoints
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	r.Handle("/metrics", metrics.Handler())

	// User-facing routes require a valid JWT.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.JWTSecret))

		r.Get("/wallet", h.GetWalletHandler)
		r.Get("/wallet/transactions", h.HistoryHandler)
		r.Get("/wallet/transactions/export", h.ExportCSVHandler)
		r.Get("/wallet/statistics", h.StatisticsHandler)
		r.Put("/wallet/bnpl", h.SetBNPLHandler)
		r.Put("/wallet/auto-recharge", h.SetAutoRechargeHandler)

		r.Get("/payouts", h.ListPayoutsHandler)
		r.Get("/payouts/{requestID}", h.GetPayoutHandler)

		// Money-moving routes carry the per-user rate limit.
		r.Group(func(r chi.Router) {
			r.Use(TransactionRateLimitMiddleware(cfg.RateLimiter, cfg.TxRateLimitPerMin))

			r.Post("/wallet/topup", h.TopUpHandler)
			r.Post("/wallet/use", h.UseHandler)
			r.Post("/wallet/refund", h.RefundHandler)
		})

		// Payout requests count in their own window.
		r.Group(func(r chi.Router) {
			r.Use(PayoutRateLimitMiddleware(cfg.RateLimiter, cfg.TxRateLimitPerMin))

			r.Post("/payouts", h.RequestPayoutHandler)
		})
	})

	// Internal routes are for the admin panel and sibling services.
	r.Group(func(r chi.Router) {
		r.Use(InternalAPIKeyMiddleware(cfg.InternalAPIKey))

		r.Post("/internal/payouts/{requestID}/{action}", h.PayoutActionHandler)
		r.Get("/internal/reconcile/{walletID}", h.ReconcileWalletHandler)
		r.Post("/internal/reconcile", h.RunReconcileHandler)
	})

	return r
}
