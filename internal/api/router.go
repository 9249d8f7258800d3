/**
 * @description
 * HTTP router setup for the billing service using go-chi/chi.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// AuthConfig carries the credentials the router enforces.
type AuthConfig struct {
	InternalAPIKey string
	JWTSecret      string
	JWTIssuer      string
}

// NewRouter creates a new Chi router and registers billing routes. metrics
// may be nil.
func NewRouter(h *Handler, auth AuthConfig, metrics http.Handler) *chi.Mux {
	r := chi.NewRouter()

	// RemoteAddr is left untouched: the gateway decides itself whether a
	// forwarded address can be trusted.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Billing service is healthy"))
	})
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Post("/webhooks/yookassa", h.handleWebhook)

	r.Route("/internal/billing", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(auth.InternalAPIKey))
		r.Post("/webhooks/reclaim", h.handleReclaimWebhooks)
		r.Post("/webhooks/alert-failed", h.handleAlertFailedWebhooks)
		r.Post("/renewals/run", h.handleRunRenewals)
		r.Post("/digest/send", h.handleSendDigest)
		r.Post("/digest/health", h.handleDigestHealth)
		r.Post("/users/{userID}/subscription", h.handleProvisionSubscription)
		r.Get("/users/{userID}/billing", h.handleGetUserBillingInternal)
	})

	r.Group(func(r chi.Router) {
		r.Use(UserAuthMiddleware(auth.JWTSecret, auth.JWTIssuer))
		r.Get("/billing/me", h.handleGetBillingStatus)
		r.Get("/billing/payments", h.handleListPayments)
		r.Post("/billing/auto-renew", h.handleSetAutoRenew)
		r.Post("/billing/create-payment", h.handleCreatePayment)
	})

	return r
}
