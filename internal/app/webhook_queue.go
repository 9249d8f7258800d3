package app

import (
	"context"
	"fmt"
	"time"

	"github.com/foodmind/billing-service/internal/domain"
)

// QueueRoutes describes where webhook jobs are published. Jobs due now go to
// Exchange/RoutingKey; delayed jobs go to the delay tier whose TTL fits.
type QueueRoutes struct {
	Exchange   string
	RoutingKey string
	// RetryQueue names the delay queue of a tier, 1-based. Tier n holds
	// messages for BaseDelay·2^(n-1) before dead-lettering them back.
	RetryQueue func(tier int) string
	BaseDelay  time.Duration
	Tiers      int
}

// WebhookQueue publishes webhook jobs through an EventPublisher.
type WebhookQueue struct {
	publisher EventPublisher
	routes    QueueRoutes
	now       func() time.Time
}

// NewWebhookQueue creates a queue over publisher.
func NewWebhookQueue(publisher EventPublisher, routes QueueRoutes) *WebhookQueue {
	return &WebhookQueue{publisher: publisher, routes: routes, now: time.Now}
}

// Enqueue publishes the job to the live queue, or to a delay tier when
// NextEligibleAt is in the future.
func (q *WebhookQueue) Enqueue(ctx context.Context, job domain.WebhookJob) error {
	if q == nil || q.publisher == nil {
		return fmt.Errorf("webhook queue is not configured")
	}

	delay := job.NextEligibleAt.Sub(q.now())
	tier := q.tierFor(delay)
	if tier == 0 {
		return q.publisher.Publish(ctx, q.routes.Exchange, q.routes.RoutingKey, job)
	}
	// The default exchange routes by queue name.
	return q.publisher.Publish(ctx, "", q.routes.RetryQueue(tier), job)
}

// tierFor picks the largest tier whose TTL does not exceed delay. A job that
// is still early after its tier expires is re-delayed by the processor.
func (q *WebhookQueue) tierFor(delay time.Duration) int {
	if delay <= 0 || q.routes.Tiers <= 0 || q.routes.BaseDelay <= 0 || q.routes.RetryQueue == nil {
		return 0
	}
	tier := 1
	for tier < q.routes.Tiers && tierDelay(q.routes.BaseDelay, tier+1) <= delay {
		tier++
	}
	return tier
}

func tierDelay(base time.Duration, tier int) time.Duration {
	return base << (tier - 1)
}
