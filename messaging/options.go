package messaging

import (
	"time"

	"go.uber.org/zap"

	"github.com/glimte/burrow/internal/rabbitmq"
	"github.com/glimte/burrow/internal/reliability"
	"github.com/glimte/burrow/metrics"
	"github.com/glimte/burrow/serialization"
)

// DefaultRedeliveryDelay is how long an RPC response whose continuation
// failed is held before it is nacked back to the reply queue.
const DefaultRedeliveryDelay = 5 * time.Second

type options struct {
	logger          *zap.Logger
	metrics         *metrics.Metrics
	codec           serialization.Codec
	retry           reliability.RetryPolicy
	settleDelay     time.Duration
	redeliveryDelay time.Duration
}

// Option configures a role
type Option func(*options)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records role activity.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithCodec sets the payload codec used by Consumer and Producer.
func WithCodec(c serialization.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithRetryPolicy sets the delay between channel reopen attempts.
func WithRetryPolicy(p reliability.RetryPolicy) Option {
	return func(o *options) {
		o.retry = p
	}
}

// WithSettleDelay sets the pause before a channel is reopened.
func WithSettleDelay(d time.Duration) Option {
	return func(o *options) {
		o.settleDelay = d
	}
}

// WithRedeliveryDelay sets how long RPCClient holds a response whose
// continuation failed before nacking it.
func WithRedeliveryDelay(d time.Duration) Option {
	return func(o *options) {
		o.redeliveryDelay = d
	}
}

func newOptions(opts []Option) options {
	o := options{
		logger:          zap.NewNop(),
		codec:           serialization.JSONCodec{},
		settleDelay:     rabbitmq.DefaultSettleDelay,
		redeliveryDelay: DefaultRedeliveryDelay,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) channelOptions() []rabbitmq.ChannelOption {
	opts := []rabbitmq.ChannelOption{
		rabbitmq.WithChannelLogger(o.logger),
		rabbitmq.WithChannelMetrics(o.metrics),
		rabbitmq.WithSettleDelay(o.settleDelay),
	}
	if o.retry != nil {
		opts = append(opts, rabbitmq.WithChannelRetryPolicy(o.retry))
	}
	return opts
}
