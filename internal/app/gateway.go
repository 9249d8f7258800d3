/**
 * @description
 * Webhook Gateway: turns an authenticated, well-formed provider notification
 * into exactly one webhook_events row and a processing job. It never runs
 * business logic itself.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/foodmind/billing-service/internal/domain"
)

// Gateway outcomes, also used as metric labels.
const (
	OutcomeAccepted    = "accepted"
	OutcomeDuplicate   = "duplicate"
	OutcomeForbidden   = "forbidden"
	OutcomeRateLimited = "rate_limited"
	OutcomeBadRequest  = "bad_request"
	OutcomeError       = "error"
)

// ErrForbiddenOrigin is returned for requests from outside the allow-list.
var ErrForbiddenOrigin = errors.New("webhook origin not allowed")

// RateLimitError is returned when the caller exceeded its request budget.
type RateLimitError struct {
	RetryAfter int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded; retry after %ds", e.RetryAfter)
}

// WebhookRequest is the transport-independent view of one delivery.
type WebhookRequest struct {
	Body         []byte
	ContentType  string
	RemoteAddr   string
	ForwardedFor string
}

// IngestResult describes an accepted delivery.
type IngestResult struct {
	Outcome        string `json:"outcome"`
	EventID        string `json:"event_id"`
	WebhookEventID int64  `json:"webhook_event_id"`
	Queued         bool   `json:"queued"`
}

// Throttle limits requests per client address.
type Throttle interface {
	Allow(ctx context.Context, subject string) (bool, int)
}

// Gateway validates and records inbound notifications.
type Gateway struct {
	repo     WebhookRepository
	queue    JobQueue
	origins  *OriginPolicy
	throttle Throttle
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewGateway creates a gateway. throttle and metrics may be nil.
func NewGateway(repo WebhookRepository, queue JobQueue, origins *OriginPolicy, throttle Throttle, metrics *Metrics, logger *slog.Logger) *Gateway {
	return &Gateway{
		repo:     repo,
		queue:    queue,
		origins:  origins,
		throttle: throttle,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// Ingest runs the gateway pipeline. It returns *RateLimitError,
// ErrForbiddenOrigin or *ParseError for rejected requests. A failed enqueue is
// not an error: the event stays RECEIVED and the reclaimer picks it up.
func (g *Gateway) Ingest(ctx context.Context, req WebhookRequest) (*IngestResult, error) {
	clientIP := g.origins.ResolveClientIP(req.RemoteAddr, req.ForwardedFor)

	if g.throttle != nil {
		if allowed, retryAfter := g.throttle.Allow(ctx, clientIP); !allowed {
			g.metrics.gatewayOutcome(OutcomeRateLimited)
			g.logger.Warn("webhook rate limit exceeded", "client_ip", clientIP, "retry_after", retryAfter)
			return nil, &RateLimitError{RetryAfter: retryAfter}
		}
	}

	if !g.origins.Allowed(clientIP) {
		g.metrics.gatewayOutcome(OutcomeForbidden)
		g.logger.Warn("webhook rejected from disallowed origin", "client_ip", clientIP)
		return nil, ErrForbiddenOrigin
	}

	g.logger.Info("webhook body received",
		"content_type", req.ContentType,
		"length", len(req.Body),
		"sha256", BodyFingerprint(req.Body),
		"client_ip", clientIP,
	)
	if req.ContentType != "" && !strings.Contains(strings.ToLower(req.ContentType), "application/json") {
		g.logger.Warn("unexpected webhook content type", "content_type", req.ContentType)
	}

	parsed, err := ParseWebhookBody(req.Body)
	if err != nil {
		g.metrics.gatewayOutcome(OutcomeBadRequest)
		g.logger.Error("webhook body rejected", "error", err, "sha256", BodyFingerprint(req.Body))
		return nil, err
	}

	notification := parsed.Notification
	eventID := EventKey(notification)
	var paymentID *string
	if id := notification.ProviderPaymentID(); id != "" {
		paymentID = &id
	}

	now := g.now().UTC()
	evt, created, err := g.repo.RecordWebhookEvent(ctx, domain.NewWebhookEvent{
		EventID:      eventID,
		EventType:    notification.Event,
		PaymentID:    paymentID,
		RawPayload:   parsed.Payload,
		ClientOrigin: clientIP,
	}, now)
	if err != nil {
		g.metrics.gatewayOutcome(OutcomeError)
		return nil, fmt.Errorf("failed to record webhook event %s: %w", eventID, err)
	}

	if !created {
		g.metrics.gatewayOutcome(OutcomeDuplicate)
		g.logger.Info("duplicate webhook delivery ignored",
			"event_id", eventID,
			"event_type", notification.Event,
			"webhook_event_id", evt.ID,
			"status", evt.Status,
			"duplicate_count", evt.DuplicateCount,
		)
		return &IngestResult{Outcome: OutcomeDuplicate, EventID: eventID, WebhookEventID: evt.ID}, nil
	}

	result := &IngestResult{Outcome: OutcomeAccepted, EventID: eventID, WebhookEventID: evt.ID}
	job := domain.WebhookJob{WebhookEventID: evt.ID, Attempt: 0, NextEligibleAt: now, Reason: "received"}
	if err := g.queue.Enqueue(ctx, job); err != nil {
		g.logger.Error("failed to enqueue webhook job; reclaimer will retry",
			"event_id", eventID,
			"webhook_event_id", evt.ID,
			"error", err,
		)
	} else if err := g.repo.MarkWebhookQueued(ctx, evt.ID, now); err != nil {
		result.Queued = true
		g.logger.Warn("failed to stamp queued_at", "webhook_event_id", evt.ID, "error", err)
	} else {
		result.Queued = true
	}

	g.metrics.gatewayOutcome(OutcomeAccepted)
	g.logger.Info("webhook accepted",
		"event_id", eventID,
		"event_type", notification.Event,
		"webhook_event_id", evt.ID,
		"queued", result.Queued,
	)
	return result, nil
}
