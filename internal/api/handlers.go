/**
 * @description
 * HTTP handlers for the billing service's internal operations and the user
 * billing API.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/foodmind/billing-service/internal/app"
	"github.com/foodmind/billing-service/internal/domain"
	"github.com/foodmind/billing-service/internal/store"
)

// Ingestor accepts webhook deliveries.
type Ingestor interface {
	Ingest(ctx context.Context, req app.WebhookRequest) (*app.IngestResult, error)
}

// ReclaimRunner requeues stuck webhook events.
type ReclaimRunner interface {
	Run(ctx context.Context) (*app.ReclaimResult, error)
}

// FailedAlertRunner reports exhausted webhook events.
type FailedAlertRunner interface {
	Run(ctx context.Context) (*app.FailedAlertResult, error)
}

// RenewalRunner charges subscriptions due for renewal.
type RenewalRunner interface {
	Run(ctx context.Context) (*app.RenewalResult, error)
}

// DigestRunner sends the digest and checks that it keeps arriving.
type DigestRunner interface {
	SendDigest(ctx context.Context) (*app.DigestResult, error)
	CheckHealth(ctx context.Context) (*app.DigestHealthResult, error)
}

// Accounts implements the user billing operations.
type Accounts interface {
	ProvisionDefaultSubscription(ctx context.Context, userID int64) (*domain.Subscription, error)
	GetBillingStatus(ctx context.Context, userID int64) (*domain.BillingStatus, error)
	SetAutoRenew(ctx context.Context, userID int64, enabled bool) (*domain.BillingStatus, error)
	ListPayments(ctx context.Context, userID int64) ([]domain.Payment, error)
	CreateInitialPayment(ctx context.Context, userID int64, planCode string, savePaymentMethod bool) (*app.CreatePaymentResult, error)
}

// Services groups the application services the handlers call.
type Services struct {
	Gateway      Ingestor
	Reclaimer    ReclaimRunner
	FailedAlerts FailedAlertRunner
	Renewals     RenewalRunner
	Digest       DigestRunner
	Accounts     Accounts
}

// Handler holds the application services that handlers will interact with.
type Handler struct {
	services Services
	logger   *slog.Logger
}

// NewHandler creates a new Handler with the given services.
func NewHandler(services Services, logger *slog.Logger) *Handler {
	return &Handler{services: services, logger: logger}
}

func (h *Handler) handleReclaimWebhooks(w http.ResponseWriter, r *http.Request) {
	result, err := h.services.Reclaimer.Run(r.Context())
	if err != nil {
		h.logger.Error("webhook reclaim failed", "error", err)
		respondWithError(w, http.StatusInternalServerError, "webhook reclaim failed")
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleAlertFailedWebhooks(w http.ResponseWriter, r *http.Request) {
	result, err := h.services.FailedAlerts.Run(r.Context())
	if err != nil {
		h.logger.Error("failed webhook alert failed", "error", err)
		respondWithError(w, http.StatusInternalServerError, "failed webhook alert failed")
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleRunRenewals(w http.ResponseWriter, r *http.Request) {
	result, err := h.services.Renewals.Run(r.Context())
	if err != nil {
		h.logger.Error("renewal run failed", "error", err)
		respondWithError(w, http.StatusInternalServerError, "renewal run failed")
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleSendDigest(w http.ResponseWriter, r *http.Request) {
	result, err := h.services.Digest.SendDigest(r.Context())
	if err != nil {
		h.logger.Error("digest send failed", "error", err)
		respondWithError(w, http.StatusInternalServerError, "digest send failed")
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleDigestHealth(w http.ResponseWriter, r *http.Request) {
	result, err := h.services.Digest.CheckHealth(r.Context())
	if err != nil {
		h.logger.Error("digest health check failed", "error", err)
		respondWithError(w, http.StatusInternalServerError, "digest health check failed")
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleProvisionSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}

	sub, err := h.services.Accounts.ProvisionDefaultSubscription(r.Context(), userID)
	if err != nil {
		h.logger.Error("subscription provisioning failed", "user_id", userID, "error", err)
		respondWithError(w, http.StatusInternalServerError, "subscription provisioning failed")
		return
	}
	respondWithJSON(w, http.StatusOK, sub)
}

func (h *Handler) handleGetUserBillingInternal(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	h.writeBillingStatus(w, r, userID)
}

func (h *Handler) handleGetBillingStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	h.writeBillingStatus(w, r, userID)
}

func (h *Handler) writeBillingStatus(w http.ResponseWriter, r *http.Request, userID int64) {
	status, err := h.services.Accounts.GetBillingStatus(r.Context(), userID)
	if err != nil {
		h.respondAccountError(w, "get billing status", userID, err)
		return
	}
	respondWithJSON(w, http.StatusOK, status)
}

func (h *Handler) handleListPayments(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	payments, err := h.services.Accounts.ListPayments(r.Context(), userID)
	if err != nil {
		h.respondAccountError(w, "list payments", userID, err)
		return
	}
	respondWithJSON(w, http.StatusOK, payments)
}

type autoRenewRequest struct {
	Enabled *bool `json:"enabled"`
}

func (h *Handler) handleSetAutoRenew(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req autoRenewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		respondWithError(w, http.StatusBadRequest, "request body must be {\"enabled\": bool}")
		return
	}

	status, err := h.services.Accounts.SetAutoRenew(r.Context(), userID, *req.Enabled)
	if err != nil {
		h.respondAccountError(w, "set auto renew", userID, err)
		return
	}
	respondWithJSON(w, http.StatusOK, status)
}

type createPaymentRequest struct {
	PlanCode          string `json:"plan_code"`
	SavePaymentMethod bool   `json:"save_payment_method"`
}

func (h *Handler) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req createPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PlanCode == "" {
		respondWithError(w, http.StatusBadRequest, "plan_code is required")
		return
	}

	result, err := h.services.Accounts.CreateInitialPayment(r.Context(), userID, req.PlanCode, req.SavePaymentMethod)
	if err != nil {
		h.respondAccountError(w, "create payment", userID, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, result)
}

func (h *Handler) respondAccountError(w http.ResponseWriter, op string, userID int64, err error) {
	switch {
	case errors.Is(err, store.ErrSubscriptionNotFound):
		respondWithError(w, http.StatusNotFound, "subscription not found")
	case errors.Is(err, app.ErrAutoRenewRequiresSavedMethod):
		respondWithError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrPlanNotPurchasable):
		respondWithError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("billing request failed", "op", op, "user_id", userID, "error", err)
		respondWithError(w, http.StatusInternalServerError, "internal server error")
	}
}

func userIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || userID <= 0 {
		respondWithError(w, http.StatusBadRequest, "valid user ID is required")
		return 0, false
	}
	return userID, true
}

// respondWithJSON writes JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}
