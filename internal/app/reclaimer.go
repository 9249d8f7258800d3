package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/foodmind/billing-service/internal/domain"
)

// ReclaimResult summarizes one reclaim sweep.
type ReclaimResult struct {
	Found         int `json:"found"`
	Requeued      int `json:"requeued"`
	Exhausted     int `json:"exhausted"`
	PublishErrors int `json:"publish_errors"`
}

// Reclaimer returns events abandoned by crashed workers or lost enqueues to
// the processing queue.
type Reclaimer struct {
	repo       WebhookRepository
	queue      JobQueue
	threshold  time.Duration
	maxRetries int
	metrics    *Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// NewReclaimer creates a reclaimer for events idle longer than threshold.
func NewReclaimer(repo WebhookRepository, queue JobQueue, threshold time.Duration, maxRetries int, metrics *Metrics, logger *slog.Logger) *Reclaimer {
	if threshold <= 0 {
		threshold = 10 * time.Minute
	}
	return &Reclaimer{
		repo:       repo,
		queue:      queue,
		threshold:  threshold,
		maxRetries: maxRetries,
		metrics:    metrics,
		logger:     logger,
		now:        time.Now,
	}
}

// Run performs one sweep. Rows are moved to QUEUED with a fresh queued_at in
// the same statement that selects them, so an overlapping sweep skips them.
// An event whose worker died on every allowed attempt comes back FAILED and
// is left to the failed-webhook alert.
func (r *Reclaimer) Run(ctx context.Context) (*ReclaimResult, error) {
	now := r.now().UTC()
	events, err := r.repo.ReclaimStuckWebhookEvents(ctx, now.Add(-r.threshold), now, r.maxRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to reclaim stuck webhook events: %w", err)
	}

	result := &ReclaimResult{Found: len(events)}
	for _, evt := range events {
		if evt.Status == domain.WebhookFailed {
			result.Exhausted++
			r.logger.Error("stuck webhook event exhausted its attempts; marked FAILED",
				"webhook_event_id", evt.ID,
				"event_id", evt.EventID,
				"attempts", evt.Attempts,
			)
			continue
		}
		job := domain.WebhookJob{
			WebhookEventID: evt.ID,
			Attempt:        r.attemptFor(evt),
			NextEligibleAt: now,
			Reason:         "reclaimed",
		}
		if err := r.queue.Enqueue(ctx, job); err != nil {
			result.PublishErrors++
			r.logger.Error("failed to requeue reclaimed webhook event",
				"webhook_event_id", evt.ID,
				"event_id", evt.EventID,
				"error", err,
			)
			continue
		}
		result.Requeued++
		r.logger.Warn("reclaimed stuck webhook event",
			"webhook_event_id", evt.ID,
			"event_id", evt.EventID,
			"attempts", evt.Attempts,
		)
	}

	r.metrics.reclaimed(result.Requeued)
	return result, nil
}

// attemptFor charges crashed claims against the retry budget.
func (r *Reclaimer) attemptFor(evt domain.WebhookEvent) int {
	attempt := evt.Attempts
	if attempt > r.maxRetries {
		attempt = r.maxRetries
	}
	if attempt < 0 {
		attempt = 0
	}
	return attempt
}
