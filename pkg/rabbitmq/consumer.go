package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultRequeueDelay is how long a worker holds a message its handler
// rejected before returning it to the queue.
const DefaultRequeueDelay = 5 * time.Second

// Handler processes one message body. Returning false re-queues the message
// after the consumer's RequeueDelay.
type Handler func(ctx context.Context, body []byte) bool

type Consumer struct {
	conn *amqp.Connection
	ch   *amqp.Channel

	// RequeueDelay paces redelivery of rejected messages. The worker holding
	// the message takes no new one meanwhile.
	RequeueDelay time.Duration
}

func NewConsumer(amqpURL string) (*Consumer, error) {
	conn, err := dial(amqpURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, ch: ch, RequeueDelay: DefaultRequeueDelay}, nil
}

// Consume declares the topology and runs workers goroutines over the work
// queue with manual acknowledgements. At most workers messages are unacked at
// a time. It blocks until ctx is canceled or the channel closes.
func (c *Consumer) Consume(ctx context.Context, topology Topology, workers int, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("no handler provided")
	}
	if workers <= 0 {
		workers = 1
	}

	if err := topology.Declare(c.ch); err != nil {
		return err
	}
	if err := c.ch.Qos(workers, 0, false); err != nil {
		return err
	}

	msgs, err := c.ch.Consume(topology.Queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-msgs:
					if !ok {
						return
					}
					c.settle(ctx, topology.Queue, d, handler(ctx, d.Body))
				}
			}
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		return nil
	}
	return errors.New("rabbitmq delivery channel closed")
}

// settle acks the delivery, or requeues it once RequeueDelay has passed or ctx
// is canceled.
func (c *Consumer) settle(ctx context.Context, queue string, d amqp.Delivery, ack bool) {
	if ack {
		d.Ack(false)
		return
	}
	log.Printf("level=warn component=rabbitmq_consumer msg=\"handler failed; re-queuing\" queue=%s delivery_tag=%d delay=%s", queue, d.DeliveryTag, c.RequeueDelay)
	if c.RequeueDelay > 0 {
		timer := time.NewTimer(c.RequeueDelay)
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
		timer.Stop()
	}
	d.Nack(false, true)
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
