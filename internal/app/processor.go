/**
 * @description
 * Webhook Processor: executes one queued job. The job carries its own retry
 * state (attempt and next eligible time) so the worker pool stays stateless.
 */
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/foodmind/billing-service/internal/domain"
	"github.com/foodmind/billing-service/internal/store"
)

const maxErrorMessageLength = 500

const defaultClaimTimeout = 10 * time.Minute

// RetryPolicy bounds handler retries. Attempt n (0-based) that fails is
// retried after BaseDelay·2^n until MaxRetries retries were made. The same
// schedule and bound apply to jobs deferred by infrastructure errors.
// ClaimTimeout is how long a PROCESSING claim is honoured before another
// worker may take the event over.
type RetryPolicy struct {
	MaxRetries   int
	BaseDelay    time.Duration
	ClaimTimeout time.Duration
}

// Delay is the wait before retrying a failed attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return p.BaseDelay << attempt
}

// Processor runs business handlers for queued webhook events.
type Processor struct {
	repo     WebhookRepository
	ledger   Ledger
	handlers HandlerRegistry
	queue    JobQueue
	policy   RetryPolicy
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewProcessor creates a processor. metrics may be nil.
func NewProcessor(repo WebhookRepository, ledger Ledger, handlers HandlerRegistry, queue JobQueue, policy RetryPolicy, metrics *Metrics, logger *slog.Logger) *Processor {
	return &Processor{
		repo:     repo,
		ledger:   ledger,
		handlers: handlers,
		queue:    queue,
		policy:   policy,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// Process handles one job. A nil error means the message can be acked,
// including handler failures that were recorded and rescheduled. A non-nil
// error means the job could not be accounted for and should be redelivered.
func (p *Processor) Process(ctx context.Context, job domain.WebhookJob) error {
	now := p.now().UTC()
	if job.NextEligibleAt.After(now) {
		p.logger.Info("webhook job delivered early; delaying",
			"webhook_event_id", job.WebhookEventID,
			"attempt", job.Attempt,
			"next_eligible_at", job.NextEligibleAt,
		)
		return p.queue.Enqueue(ctx, job)
	}

	evt, err := p.repo.GetWebhookEvent(ctx, job.WebhookEventID)
	if err != nil {
		if errors.Is(err, store.ErrWebhookEventNotFound) {
			p.logger.Error("webhook job references missing event; dropping", "webhook_event_id", job.WebhookEventID)
			p.metrics.processed("unknown", "dropped")
			return nil
		}
		return fmt.Errorf("failed to load webhook event %d: %w", job.WebhookEventID, err)
	}
	if evt.Status == domain.WebhookSuccess {
		p.logger.Info("webhook event already processed; skipping redelivery", "webhook_event_id", evt.ID, "event_id", evt.EventID)
		return nil
	}

	claimed, err := p.repo.ClaimWebhookEvent(ctx, evt.ID, now, now.Add(-p.claimTimeout()))
	if err != nil {
		if errors.Is(err, store.ErrWebhookEventNotFound) {
			return nil
		}
		if errors.Is(err, store.ErrWebhookEventBusy) {
			p.logger.Info("webhook event claimed by another worker; dropping job", "webhook_event_id", evt.ID, "event_id", evt.EventID)
			p.metrics.processed(evt.EventType, "busy")
			return nil
		}
		return fmt.Errorf("failed to claim webhook event %d: %w", evt.ID, err)
	}

	logger := p.logger.With(
		"webhook_event_id", claimed.ID,
		"event_id", claimed.EventID,
		"event_type", claimed.EventType,
		"attempt", job.Attempt,
	)

	handler, ok := p.handlers[claimed.EventType]
	if !ok {
		if err := p.repo.MarkWebhookSucceeded(ctx, claimed.ID, now); err != nil {
			return fmt.Errorf("failed to close unhandled webhook event %d: %w", claimed.ID, err)
		}
		logger.Info("no handler for event type; recorded as processed")
		p.metrics.processed(claimed.EventType, "ignored")
		return nil
	}

	started := time.Now()
	handlerErr := p.runHandler(ctx, handler, claimed, now)
	p.metrics.observeHandler(claimed.EventType, time.Since(started))
	if handlerErr == nil {
		logger.Info("webhook processed")
		p.metrics.processed(claimed.EventType, "success")
		return nil
	}

	return p.recordFailure(ctx, logger, claimed, job, handlerErr)
}

// HandleMessage decodes a queue message and processes it. It reports whether
// the message should be acked. Undecodable messages are acked and dropped; the
// reclaimer recovers their events from the database. A job that fails on an
// infrastructure error is republished with a delay; false is returned only
// when that republish fails too.
func (p *Processor) HandleMessage(ctx context.Context, body []byte) bool {
	var job domain.WebhookJob
	if err := json.Unmarshal(body, &job); err != nil || job.WebhookEventID <= 0 {
		p.logger.Error("undecodable webhook job; dropping", "error", err, "length", len(body))
		p.metrics.processed("unknown", "dropped")
		return true
	}
	if err := p.Process(ctx, job); err != nil {
		return p.deferJob(ctx, job, err)
	}
	return true
}

// deferJob reschedules a job that could not be accounted for. After
// MaxRetries deferrals the job is dropped and the event is left to the
// reclaimer and the failed-webhook alert.
func (p *Processor) deferJob(ctx context.Context, job domain.WebhookJob, cause error) bool {
	logger := p.logger.With("webhook_event_id", job.WebhookEventID, "deferrals", job.Deferrals)
	if job.Deferrals >= p.policy.MaxRetries {
		logger.Error("webhook job kept failing on infrastructure errors; dropping", "error", cause)
		p.metrics.processed("unknown", "abandoned")
		return true
	}

	next := job
	next.Deferrals++
	next.Reason = "deferred"
	if eligible := p.now().UTC().Add(p.policy.Delay(job.Deferrals)); eligible.After(next.NextEligibleAt) {
		next.NextEligibleAt = eligible
	}
	if err := p.queue.Enqueue(ctx, next); err != nil {
		logger.Error("webhook job failed and could not be deferred; requeueing", "error", cause, "publish_error", err)
		return false
	}
	logger.Warn("webhook job failed; deferred", "error", cause, "next_eligible_at", next.NextEligibleAt)
	return true
}

func (p *Processor) claimTimeout() time.Duration {
	if p.policy.ClaimTimeout > 0 {
		return p.policy.ClaimTimeout
	}
	return defaultClaimTimeout
}

func (p *Processor) runHandler(ctx context.Context, handler EventHandler, evt *domain.WebhookEvent, now time.Time) error {
	var notification domain.Notification
	if err := json.Unmarshal(evt.RawPayload, &notification); err != nil {
		return fmt.Errorf("failed to decode stored payload: %w", err)
	}
	return p.ledger.WithinTx(ctx, func(tx LedgerTx) error {
		if err := handler(ctx, tx, notification, now); err != nil {
			return err
		}
		return tx.MarkWebhookSucceeded(ctx, evt.ID, now)
	})
}

func (p *Processor) recordFailure(ctx context.Context, logger *slog.Logger, evt *domain.WebhookEvent, job domain.WebhookJob, handlerErr error) error {
	now := p.now().UTC()
	if err := p.repo.MarkWebhookFailed(ctx, evt.ID, truncate(handlerErr.Error(), maxErrorMessageLength), now); err != nil {
		return fmt.Errorf("failed to record handler failure for webhook event %d: %w", evt.ID, err)
	}
	p.metrics.processed(evt.EventType, "failed")

	if job.Attempt >= p.policy.MaxRetries {
		logger.Error("webhook retries exhausted; leaving FAILED", "error", handlerErr)
		return nil
	}

	delay := p.policy.Delay(job.Attempt)
	retry := domain.WebhookJob{
		WebhookEventID: evt.ID,
		Attempt:        job.Attempt + 1,
		NextEligibleAt: now.Add(delay),
		Reason:         "retry",
	}
	if err := p.queue.Enqueue(ctx, retry); err != nil {
		// Parked as QUEUED, the event is picked up by the next reclaim sweep.
		msg := truncate("Retry not scheduled: "+err.Error()+"; last error: "+handlerErr.Error(), maxErrorMessageLength)
		if deferErr := p.repo.DeferWebhookEvent(ctx, evt.ID, msg, now); deferErr != nil {
			return fmt.Errorf("failed to schedule retry for webhook event %d: %w", evt.ID, errors.Join(err, deferErr))
		}
		logger.Warn("webhook handler failed; retry left for the reclaimer", "error", handlerErr, "publish_error", err)
		return nil
	}
	logger.Warn("webhook handler failed; retry scheduled",
		"error", handlerErr,
		"retry_in", delay.String(),
		"next_attempt", retry.Attempt,
	)
	return nil
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
