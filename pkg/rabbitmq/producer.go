/**
 * @description
 * This package provides the RabbitMQ producer and consumer of the billing
 * webhook queue. The producer publishes JSON messages as persistent
 * deliveries. It owns its connection: a dropped connection or channel is
 * redialed on the next publish, with a growing pause between failed dials.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	minRedialBackoff = time.Second
	maxRedialBackoff = 30 * time.Second
)

// session is one broker connection with its publishing channel.
type session interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
	Closed() bool
	Close()
}

// sessionFactory opens a new session.
type sessionFactory func() (session, error)

// EventProducer publishes messages and reconnects to RabbitMQ on demand.
type EventProducer struct {
	mu       sync.Mutex
	dial     sessionFactory
	sess     session
	backoff  time.Duration
	nextDial time.Time
	closed   bool
	now      func() time.Time
}

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	Close()
}

// EventProducerFallback is a no-op publisher used when no broker is
// configured. It reports every publish as failed so callers fall back to
// their own recovery path.
type EventProducerFallback struct{}

// ErrBrokerUnavailable is returned while no broker connection can be made.
var ErrBrokerUnavailable = errors.New("rabbitmq is not connected")

func (p *EventProducerFallback) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"publish skipped\" exchange=%s routing_key=%s", exchange, routingKey)
	return ErrBrokerUnavailable
}

func (p *EventProducerFallback) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	// If any stray characters precede the scheme, slice from first occurrence of amqp
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

func dial(amqpURL string) (*amqp.Connection, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	// Use a bounded dial timeout so startup does not hang indefinitely
	return amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
}

// amqpSession is a live connection whose channel has the topology declared.
type amqpSession struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	declared map[string]bool
}

func openSession(amqpURL string, topology Topology) (session, error) {
	conn, err := dial(amqpURL)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := topology.Declare(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return &amqpSession{conn: conn, channel: ch, declared: map[string]bool{topology.Exchange: true}}, nil
}

func (s *amqpSession) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if exchange != "" && !s.declared[exchange] {
		if err := s.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
			return err
		}
		s.declared[exchange] = true
	}
	return s.channel.PublishWithContext(ctx,
		exchange,   // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		msg,
	)
}

func (s *amqpSession) Closed() bool {
	return s.conn.IsClosed() || s.channel.IsClosed()
}

func (s *amqpSession) Close() {
	s.channel.Close()
	s.conn.Close()
}

// NewEventProducer connects and declares the webhook topology. It fails when
// the broker cannot be reached now; later outages are redialed.
func NewEventProducer(amqpURL string, topology Topology) (*EventProducer, error) {
	p := NewLazyEventProducer(amqpURL, topology)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureSessionLocked(); err != nil {
		return nil, err
	}
	return p, nil
}

// NewLazyEventProducer returns a producer that dials on its first publish, so
// a process can start while the broker is down.
func NewLazyEventProducer(amqpURL string, topology Topology) *EventProducer {
	return newEventProducer(func() (session, error) {
		return openSession(amqpURL, topology)
	})
}

func newEventProducer(dial sessionFactory) *EventProducer {
	return &EventProducer{dial: dial, now: time.Now}
}

// Publish sends a message to an exchange with a routing key. The empty
// exchange is the broker's default exchange and routes by queue name. A
// failed publish is retried once on a fresh connection.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		log.Printf("level=error component=rabbitmq_producer msg=\"json marshal failed\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)
		return err
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         jsonBody,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureSessionLocked(); err != nil {
		return err
	}
	err = p.sess.Publish(ctx, exchange, routingKey, msg)
	if err == nil {
		return nil
	}

	log.Printf("level=warn component=rabbitmq_producer msg=\"publish failed; reconnecting\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)
	p.dropSessionLocked()
	if err := p.ensureSessionLocked(); err != nil {
		return err
	}
	if err := p.sess.Publish(ctx, exchange, routingKey, msg); err != nil {
		p.dropSessionLocked()
		return err
	}
	return nil
}

// ensureSessionLocked dials when there is no usable session. While a previous
// dial is cooling down it fails fast with ErrBrokerUnavailable.
func (p *EventProducer) ensureSessionLocked() error {
	if p.closed {
		return ErrBrokerUnavailable
	}
	if p.sess != nil && !p.sess.Closed() {
		return nil
	}
	p.dropSessionLocked()

	now := p.now()
	if now.Before(p.nextDial) {
		return ErrBrokerUnavailable
	}
	sess, err := p.dial()
	if err != nil {
		switch {
		case p.backoff == 0:
			p.backoff = minRedialBackoff
		case p.backoff < maxRedialBackoff:
			p.backoff *= 2
			if p.backoff > maxRedialBackoff {
				p.backoff = maxRedialBackoff
			}
		}
		p.nextDial = now.Add(p.backoff)
		log.Printf("level=warn component=rabbitmq_producer msg=\"dial failed\" retry_in=%s err=%v", p.backoff, err)
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	if p.backoff > 0 {
		log.Printf("level=info component=rabbitmq_producer msg=\"reconnected\"")
	}
	p.sess = sess
	p.backoff = 0
	p.nextDial = time.Time{}
	return nil
}

func (p *EventProducer) dropSessionLocked() {
	if p.sess != nil {
		p.sess.Close()
		p.sess = nil
	}
}

// Close gracefully closes the channel and connection to RabbitMQ. Publishing
// after Close fails.
func (p *EventProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.dropSessionLocked()
}
