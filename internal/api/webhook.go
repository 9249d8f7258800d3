/**
 * @description
 * HTTP entry point for YooKassa notifications. The handler only reads the
 * body and maps gateway outcomes to status codes; validation, dedupe and
 * enqueueing live in app.Gateway.
 */
package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/foodmind/billing-service/internal/app"
)

const maxWebhookBodyBytes = 1 << 20

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		h.logger.Warn("cannot read webhook body", "remote_addr", r.RemoteAddr, "error", err)
		respondWithJSON(w, http.StatusBadRequest, &app.ParseError{Tag: app.ParseInvalidPayload, Message: "cannot read request body"})
		return
	}

	result, err := h.services.Gateway.Ingest(r.Context(), app.WebhookRequest{
		Body:         body,
		ContentType:  r.Header.Get("Content-Type"),
		RemoteAddr:   r.RemoteAddr,
		ForwardedFor: r.Header.Get("X-Forwarded-For"),
	})

	var rateErr *app.RateLimitError
	var parseErr *app.ParseError
	switch {
	case err == nil:
		h.logger.Info("webhook acknowledged",
			"outcome", result.Outcome,
			"event_id", result.EventID,
			"webhook_event_id", result.WebhookEventID,
		)
		respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case errors.As(err, &rateErr):
		w.Header().Set("Retry-After", strconv.Itoa(rateErr.RetryAfter))
		respondWithError(w, http.StatusTooManyRequests, "rate_limited")
	case errors.Is(err, app.ErrForbiddenOrigin):
		respondWithError(w, http.StatusForbidden, "forbidden")
	case errors.As(err, &parseErr):
		respondWithJSON(w, http.StatusBadRequest, parseErr)
	default:
		// Nothing was recorded; a non-2xx makes the provider redeliver.
		respondWithError(w, http.StatusInternalServerError, "internal_error")
	}
}
