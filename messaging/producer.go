package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/glimte/burrow/internal/rabbitmq"
	"github.com/glimte/burrow/metrics"
)

// ProducerConfig names the exchange a Producer publishes to.
type ProducerConfig struct {
	// Exchange to publish to. Empty publishes to the default exchange,
	// where the routing key is the queue name.
	Exchange string `yaml:"exchange"`
	// ExchangeType defaults to topic.
	ExchangeType string `yaml:"exchange_type"`
	Durable      bool   `yaml:"durable"`
}

type sendOptions struct {
	delay      time.Duration
	headers    amqp.Table
	persistent bool
}

// SendOption configures a single Send.
type SendOption func(*sendOptions)

// WithDelay holds the message for d before publishing it.
func WithDelay(d time.Duration) SendOption {
	return func(o *sendOptions) {
		o.delay = d
	}
}

// WithHeaders sets message headers.
func WithHeaders(h amqp.Table) SendOption {
	return func(o *sendOptions) {
		o.headers = h
	}
}

// WithPersistent marks the message persistent.
func WithPersistent() SendOption {
	return func(o *sendOptions) {
		o.persistent = true
	}
}

// Producer publishes encoded payloads to one exchange.
type Producer struct {
	cfg   ProducerConfig
	opts  options
	owner *rabbitmq.ChannelOwner
}

// NewProducer creates a producer. Call Init before sending.
func NewProducer(conn *rabbitmq.Connection, cfg ProducerConfig, opts ...Option) *Producer {
	p := &Producer{
		cfg:  cfg,
		opts: newOptions(opts),
	}
	p.opts.logger = p.opts.logger.With(zap.String("exchange", cfg.Exchange))
	p.owner = rabbitmq.NewChannelOwner(conn, "producer:"+cfg.Exchange, p.open, p.opts.channelOptions()...)
	return p
}

// Init opens the producer channel and declares the exchange.
func (p *Producer) Init(ctx context.Context) error {
	return p.owner.Init(ctx)
}

// Ready reports whether Send would find an open channel.
func (p *Producer) Ready() bool {
	return p.owner.IsOpen()
}

// Send publishes payload with routing key key. It fails fast with
// ErrChannelNotReady instead of buffering while the channel is down.
func (p *Producer) Send(ctx context.Context, key string, payload any, opts ...SendOption) error {
	var so sendOptions
	for _, opt := range opts {
		opt(&so)
	}

	if _, err := p.owner.Channel(); err != nil {
		p.opts.metrics.IncPublished(p.cfg.Exchange, metrics.OutcomeDropped)
		return err
	}

	body, err := p.opts.codec.Encode(payload)
	if err != nil {
		p.opts.metrics.IncPublished(p.cfg.Exchange, metrics.OutcomeError)
		return err
	}

	if so.delay > 0 {
		t := time.NewTimer(so.delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}

	// the channel may have gone away during the delay
	ch, err := p.owner.Channel()
	if err != nil {
		p.opts.metrics.IncPublished(p.cfg.Exchange, metrics.OutcomeDropped)
		return err
	}

	msg := amqp.Publishing{
		ContentType: p.opts.codec.ContentType(),
		MessageId:   uuid.NewString(),
		Timestamp:   time.Now(),
		Headers:     so.headers,
		Body:        body,
	}
	if so.persistent {
		msg.DeliveryMode = amqp.Persistent
	}

	if err := ch.PublishWithContext(ctx, p.cfg.Exchange, key, false, false, msg); err != nil {
		p.opts.metrics.IncPublished(p.cfg.Exchange, metrics.OutcomeError)
		return fmt.Errorf("publish to %q with key %q: %w", p.cfg.Exchange, key, err)
	}

	p.opts.metrics.IncPublished(p.cfg.Exchange, metrics.OutcomeSuccess)
	p.opts.logger.Debug("message sent",
		zap.String("routingKey", key),
		zap.String("messageId", msg.MessageId))
	return nil
}

// Close stops the producer for good.
func (p *Producer) Close() error {
	p.owner.Shutdown()
	return nil
}

func (p *Producer) open(_ context.Context, ch rabbitmq.AMQPChannel) error {
	if p.cfg.Exchange == "" {
		return nil
	}
	return rabbitmq.DeclareExchange(ch, rabbitmq.ExchangeDeclaration{
		Name:    p.cfg.Exchange,
		Type:    p.cfg.ExchangeType,
		Durable: p.cfg.Durable,
	})
}
