package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/glimte/burrow/internal/rabbitmq"
	"github.com/glimte/burrow/metrics"
)

// ConsumerConfig describes the queue a Consumer listens on and how it is
// bound.
type ConsumerConfig struct {
	// Exchange to bind to. Empty consumes from the default exchange, so
	// no bindings are made.
	Exchange string `yaml:"exchange"`
	// Queue name. Empty lets the broker generate one.
	Queue      string        `yaml:"queue"`
	Durable    bool          `yaml:"durable"`
	Exclusive  bool          `yaml:"exclusive"`
	AutoDelete bool          `yaml:"auto_delete"`
	MessageTTL time.Duration `yaml:"message_ttl"`
	// Ack switches to manual acknowledgement; handlers then ack or nack
	// every delivery themselves.
	Ack bool `yaml:"ack"`
	// Keys are the binding keys. Nil means ["#"].
	Keys []string `yaml:"keys"`

	// CreateExchange declares the exchange before binding.
	CreateExchange  bool   `yaml:"create_exchange"`
	ExchangeType    string `yaml:"exchange_type"`
	DurableExchange bool   `yaml:"durable_exchange"`
}

// MessageHandler receives a decoded payload. In manual-ack mode the handler
// owns the delivery and must Ack or Nack it.
type MessageHandler func(routingKey string, payload any, d amqp.Delivery)

// Consumer binds a queue to an exchange and hands decoded messages to its
// handlers. The queue, bindings and consumer are recreated on every
// reconnect.
type Consumer struct {
	cfg   ConsumerConfig
	opts  options
	owner *rabbitmq.ChannelOwner

	mu       sync.RWMutex
	handlers []MessageHandler
	queue    string
	tag      string
}

// NewConsumer creates a consumer; call OnMessage and then Listen.
func NewConsumer(conn *rabbitmq.Connection, cfg ConsumerConfig, opts ...Option) *Consumer {
	c := &Consumer{
		cfg:  cfg,
		opts: newOptions(opts),
	}
	name := "consumer:" + cfg.Exchange
	if cfg.Queue != "" {
		name = "consumer:" + cfg.Queue
	}
	c.opts.logger = c.opts.logger.With(zap.String("exchange", cfg.Exchange))
	c.owner = rabbitmq.NewChannelOwner(conn, name, c.open, c.opts.channelOptions()...)
	return c
}

// OnMessage registers a handler. Handlers run in registration order on the
// consumer goroutine.
func (c *Consumer) OnMessage(h MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

// Listen starts consuming. It returns the error of the first open when the
// connection is already up; the consumer keeps retrying either way.
func (c *Consumer) Listen(ctx context.Context) error {
	return c.owner.Init(ctx)
}

// Init is Listen.
func (c *Consumer) Init(ctx context.Context) error {
	return c.Listen(ctx)
}

// Queue returns the name of the queue currently consumed, which for
// broker-named queues changes on every reconnect.
func (c *Consumer) Queue() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.queue
}

// Ready reports whether the consumer has an open channel.
func (c *Consumer) Ready() bool {
	return c.owner.IsOpen()
}

// Close cancels the subscription and stops consuming for good.
func (c *Consumer) Close() error {
	c.mu.RLock()
	tag := c.tag
	c.mu.RUnlock()

	if ch, err := c.owner.Channel(); err == nil && tag != "" {
		if err := ch.Cancel(tag, false); err != nil {
			c.opts.logger.Debug("failed to cancel consumer", zap.Error(err), zap.String("tag", tag))
		}
	}
	c.owner.Shutdown()
	return nil
}

func (c *Consumer) open(ctx context.Context, ch rabbitmq.AMQPChannel) error {
	if c.cfg.CreateExchange && c.cfg.Exchange != "" {
		err := rabbitmq.DeclareExchange(ch, rabbitmq.ExchangeDeclaration{
			Name:    c.cfg.Exchange,
			Type:    c.cfg.ExchangeType,
			Durable: c.cfg.DurableExchange,
		})
		if err != nil {
			return err
		}
	}

	q, err := rabbitmq.DeclareQueue(ch, rabbitmq.QueueDeclaration{
		Name:       c.cfg.Queue,
		Durable:    c.cfg.Durable,
		AutoDelete: c.cfg.AutoDelete,
		Exclusive:  c.cfg.Exclusive,
		MessageTTL: c.cfg.MessageTTL,
	})
	if err != nil {
		return err
	}

	if err := rabbitmq.BindKeys(ch, q.Name, c.cfg.Exchange, c.cfg.Keys); err != nil {
		return err
	}

	tag := "burrow-consumer-" + uuid.NewString()
	deliveries, err := ch.Consume(q.Name, tag, !c.cfg.Ack, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.Name, err)
	}

	c.mu.Lock()
	c.queue = q.Name
	c.tag = tag
	c.mu.Unlock()

	c.opts.logger.Debug("waiting for messages", zap.String("queue", q.Name))
	go c.consume(q.Name, deliveries)
	return nil
}

func (c *Consumer) consume(queue string, deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		c.handle(queue, d)
	}
}

func (c *Consumer) handle(queue string, d amqp.Delivery) {
	payload, err := c.opts.codec.Decode(d.Body)
	if err != nil {
		decErr := &DecodeError{Queue: queue, Err: err}
		c.opts.logger.Error("unable to decode received message",
			zap.Error(decErr),
			zap.String("routingKey", d.RoutingKey),
			zap.Uint64("deliveryTag", d.DeliveryTag))
		c.opts.metrics.IncConsumed(queue, metrics.OutcomeDecode)

		if c.cfg.Ack {
			if err := d.Nack(false, false); err != nil {
				c.opts.logger.Warn("failed to reject undecodable message", zap.Error(err))
			}
		}
		return
	}

	c.opts.metrics.IncConsumed(queue, metrics.OutcomeSuccess)

	c.mu.RLock()
	handlers := make([]MessageHandler, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.RUnlock()

	for _, h := range handlers {
		c.invoke(h, payload, d)
	}
}

func (c *Consumer) invoke(h MessageHandler, payload any, d amqp.Delivery) {
	defer func() {
		if r := recover(); r != nil {
			c.opts.logger.Error("message handler panicked",
				zap.Any("panic", r),
				zap.String("routingKey", d.RoutingKey))
		}
	}()
	h(d.RoutingKey, payload, d)
}
