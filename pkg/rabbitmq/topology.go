/**
 * @description
 * Broker layout of the webhook processing queue. Jobs that are due go to the
 * work queue through the billing exchange. Delayed retries are parked in
 * per-tier delay queues that dead-letter back to the work queue when their
 * TTL expires, so a long delay never blocks a short one behind it.
 */
package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Topology names the exchange, work queue and delay tiers.
type Topology struct {
	Exchange    string
	Queue       string
	RoutingKey  string
	RetryPrefix string
	BaseDelay   time.Duration
	Tiers       int
}

// DefaultTopology returns the billing webhook layout with tiers delay queues
// starting at baseDelay.
func DefaultTopology(baseDelay time.Duration, tiers int) Topology {
	return Topology{
		Exchange:    "billing",
		Queue:       "billing.webhooks",
		RoutingKey:  "webhook.process",
		RetryPrefix: "billing.webhooks.retry",
		BaseDelay:   baseDelay,
		Tiers:       tiers,
	}
}

// RetryQueueName returns the delay queue of tier (1-based).
func (t Topology) RetryQueueName(tier int) string {
	return fmt.Sprintf("%s.%d", t.RetryPrefix, tier)
}

// TierTTL is how long tier holds a message: BaseDelay·2^(tier-1).
func (t Topology) TierTTL(tier int) time.Duration {
	if tier < 1 {
		tier = 1
	}
	return t.BaseDelay << (tier - 1)
}

// RetryQueueArgs are the declare arguments of a delay queue.
func (t Topology) RetryQueueArgs(tier int) amqp.Table {
	return amqp.Table{
		"x-message-ttl":             t.TierTTL(tier).Milliseconds(),
		"x-dead-letter-exchange":    t.Exchange,
		"x-dead-letter-routing-key": t.RoutingKey,
	}
}

// Declare creates the exchange, the work queue with its binding and every
// delay queue. Declarations are idempotent.
func (t Topology) Declare(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(t.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", t.Exchange, err)
	}
	q, err := ch.QueueDeclare(t.Queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", t.Queue, err)
	}
	if err := ch.QueueBind(q.Name, t.RoutingKey, t.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", t.Queue, err)
	}
	for tier := 1; tier <= t.Tiers; tier++ {
		name := t.RetryQueueName(tier)
		if _, err := ch.QueueDeclare(name, true, false, false, false, t.RetryQueueArgs(tier)); err != nil {
			return fmt.Errorf("declare delay queue %s: %w", name, err)
		}
	}
	return nil
}
