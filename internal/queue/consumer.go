package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/rewired-gh/turbineoracle/internal/logger"
	"github.com/rewired-gh/turbineoracle/internal/models"
)

// Handler processes one raw object.
type Handler interface {
	Process(ctx context.Context, ref models.ObjectRef) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ref models.ObjectRef) error

func (f HandlerFunc) Process(ctx context.Context, ref models.ObjectRef) error { return f(ctx, ref) }

// ErrDeliveryClosed is returned by Start when the broker closes the delivery
// channel while the consumer is still running.
var ErrDeliveryClosed = errors.New("rabbitmq delivery channel closed")

// DefaultRetryDelay is how long a deferred message is held before requeueing.
const DefaultRetryDelay = 30 * time.Second

// Consumer receives raw-object notifications from a queue bound to an exchange.
type Consumer struct {
	channel    *amqp.Channel
	exchange   string
	routingKey string
	queue      string
	handler    Handler
	prefetch   int
	retryDelay time.Duration
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithRetryDelay sets how long a deferred message is held before it is
// requeued.
func WithRetryDelay(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if d > 0 {
			c.retryDelay = d
		}
	}
}

// NewConsumer opens a channel, declares the exchange and queue, and binds them.
func NewConsumer(conn *amqp.Connection, exchange, routingKey, queue string, prefetch int, handler Handler, opts ...ConsumerOption) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if prefetch < 1 {
		prefetch = 1
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, err
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := ch.QueueBind(queue, routingKey, exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, err
	}

	c := &Consumer{
		channel:    ch,
		exchange:   exchange,
		routingKey: routingKey,
		queue:      queue,
		handler:    handler,
		prefetch:   prefetch,
		retryDelay: DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start consumes until ctx is done or the channel closes, then waits for
// in-flight messages to finish. A channel closed by the broker is reported as
// ErrDeliveryClosed.
func (c *Consumer) Start(ctx context.Context) error {
	msgs, err := c.channel.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}
	logger.Info("Consuming %s (bound to %s/%s, prefetch %d)", c.queue, c.exchange, c.routingKey, c.prefetch)
	return c.consume(ctx, msgs)
}

func (c *Consumer) consume(ctx context.Context, msgs <-chan amqp.Delivery) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Consumer shutting down")
			return nil
		case msg, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				logger.Error("RabbitMQ delivery channel closed")
				return ErrDeliveryClosed
			}
			wg.Add(1)
			go func(msg amqp.Delivery) {
				defer wg.Done()
				c.deliver(ctx, msg)
			}(msg)
		}
	}
}

// Close closes the channel.
func (c *Consumer) Close() error {
	return c.channel.Close()
}

func (c *Consumer) deliver(ctx context.Context, msg amqp.Delivery) {
	switch handle(ctx, c.handler, msg.Body) {
	case outcomeAck:
		_ = msg.Ack(false)
	case outcomeRequeue:
		_ = msg.Nack(false, true)
	case outcomeDefer:
		// Held unacked so the broker does not redeliver it straight back.
		select {
		case <-ctx.Done():
		case <-time.After(c.retryDelay):
		}
		_ = msg.Nack(false, true)
	default:
		_ = msg.Nack(false, false)
	}
}

type outcome int

// Ordered by precedence: a message naming several objects takes the highest
// outcome among them.
const (
	outcomeAck outcome = iota
	outcomeDrop
	outcomeRequeue
	outcomeDefer
)

// handle processes every object named in body. Unparseable messages and
// permanent failures are dropped, deferred failures are requeued after a
// delay, and anything else is requeued at once.
func handle(ctx context.Context, h Handler, body []byte) outcome {
	refs, err := ParseNotification(body)
	if err != nil {
		logger.Error("Dropping notification: %v", err)
		return outcomeDrop
	}

	result := outcomeAck
	for _, ref := range refs {
		err := h.Process(ctx, ref)
		var o outcome
		switch {
		case err == nil:
			continue
		case IsPermanent(err):
			logger.Error("Dropping %s: %v", ref, err)
			o = outcomeDrop
		case IsDeferred(err):
			logger.Info("Deferring %s: %v", ref, err)
			o = outcomeDefer
		default:
			logger.Error("Failed to process %s, will retry: %v", ref, err)
			o = outcomeRequeue
		}
		result = max(result, o)
	}
	return result
}
