package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/glimte/burrow/internal/reliability"
	"github.com/glimte/burrow/metrics"
)

// DefaultSettleDelay is the pause before a channel is reopened.
const DefaultSettleDelay = 500 * time.Millisecond

// OpenFunc prepares a freshly opened channel for a role: declares topology,
// sets QoS and starts consuming. Returning an error discards the channel.
type OpenFunc func(ctx context.Context, ch AMQPChannel) error

// ChannelOwner keeps one channel open for a role across reconnects.
//
// It listens to its Connection: a connect reopens the channel, a disconnect
// drops it. An unexpected channel close reconnects both the Connection and
// the channel. At most one reopen loop runs at a time; the channel is never
// reused after it has been replaced.
type ChannelOwner struct {
	conn        *Connection
	name        string
	open        OpenFunc
	logger      *zap.Logger
	metrics     *metrics.Metrics
	retry       reliability.RetryPolicy
	settleDelay time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	ch           AMQPChannel
	gen          uint64
	wantOpen     bool
	registered   bool
	shutdown     bool
	reconnecting bool
	requests     uint64
	served       uint64
	wake         chan struct{}
}

// ChannelOption configures a ChannelOwner
type ChannelOption func(*ChannelOwner)

// WithChannelLogger sets the logger
func WithChannelLogger(logger *zap.Logger) ChannelOption {
	return func(o *ChannelOwner) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithChannelMetrics records channel opens.
func WithChannelMetrics(m *metrics.Metrics) ChannelOption {
	return func(o *ChannelOwner) {
		o.metrics = m
	}
}

// WithChannelRetryPolicy sets the delay policy between reopen attempts.
func WithChannelRetryPolicy(p reliability.RetryPolicy) ChannelOption {
	return func(o *ChannelOwner) {
		o.retry = p
	}
}

// WithSettleDelay sets the pause before each reopen.
func WithSettleDelay(d time.Duration) ChannelOption {
	return func(o *ChannelOwner) {
		o.settleDelay = d
	}
}

// NewChannelOwner creates an owner that opens channels on conn and prepares
// them with open. name identifies the role in logs and metrics.
func NewChannelOwner(conn *Connection, name string, open OpenFunc, options ...ChannelOption) *ChannelOwner {
	o := &ChannelOwner{
		conn:        conn,
		name:        name,
		open:        open,
		logger:      zap.NewNop(),
		retry:       reliability.Forever(),
		settleDelay: DefaultSettleDelay,
		wake:        make(chan struct{}, 1),
	}

	for _, opt := range options {
		opt(o)
	}

	o.ctx, o.cancel = context.WithCancel(context.Background())
	o.logger = o.logger.With(zap.String("role", name))
	return o
}

// Name returns the role name.
func (o *ChannelOwner) Name() string {
	return o.name
}

// Init subscribes to connection state changes. When the connection is
// already up the channel is opened before Init returns; if that fails the
// error is returned and the owner keeps retrying in the background.
func (o *ChannelOwner) Init(ctx context.Context) error {
	o.mu.Lock()
	if o.shutdown {
		o.mu.Unlock()
		return ErrChannelClosed
	}
	if !o.registered {
		o.registered = true
		o.conn.AddStateListener(o)
	}
	o.mu.Unlock()

	if !o.conn.IsConnected() {
		o.logger.Debug("connection not ready, channel opens on connect")
		return nil
	}

	o.mu.Lock()
	o.wantOpen = true
	gen := o.gen
	o.mu.Unlock()

	err := o.attempt(ctx, gen)
	if err == nil || errors.Is(err, errOpenSuperseded) {
		return nil
	}

	o.logger.Warn("failed to open channel", zap.Error(err))
	o.Reconnect()
	return err
}

// OnConnected implements ConnectionStateListener
func (o *ChannelOwner) OnConnected() {
	o.Reconnect()
}

// OnDisconnected implements ConnectionStateListener
func (o *ChannelOwner) OnDisconnected(err error) {
	o.CloseChannel()
}

// OnReconnecting implements ConnectionStateListener
func (o *ChannelOwner) OnReconnecting(attempt int) {
	o.logger.Debug("connection reconnecting", zap.Int("attempt", attempt))
}

// Channel returns the open channel.
func (o *ChannelOwner) Channel() (AMQPChannel, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.ch == nil {
		return nil, ErrChannelNotReady
	}
	return o.ch, nil
}

// IsOpen reports whether a channel is currently open.
func (o *ChannelOwner) IsOpen() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ch != nil
}

// CloseChannel drops the current channel. The reference is cleared before
// the close is issued so concurrent sends fail fast.
func (o *ChannelOwner) CloseChannel() {
	o.mu.Lock()
	o.wantOpen = false
	o.gen++
	ch := o.ch
	o.ch = nil
	o.mu.Unlock()

	o.closeQuietly(ch)
}

// Reconnect replaces the channel, retrying until it succeeds, the channel
// is closed or the owner shuts down.
func (o *ChannelOwner) Reconnect() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.shutdown {
		return
	}
	o.wantOpen = true
	o.requests++

	if o.reconnecting {
		select {
		case o.wake <- struct{}{}:
		default:
		}
		return
	}
	o.reconnecting = true
	go o.reconnectLoop()
}

func (o *ChannelOwner) reconnectLoop() {
	for attempt := 1; ; attempt++ {
		o.mu.Lock()
		if o.shutdown || !o.wantOpen || (o.ch != nil && o.requests == o.served) {
			o.reconnecting = false
			o.mu.Unlock()
			return
		}
		o.served = o.requests
		gen := o.gen
		o.mu.Unlock()

		if !o.pause(o.settleDelay) {
			continue
		}

		err := o.attempt(o.ctx, gen)
		if err == nil || errors.Is(err, errOpenSuperseded) {
			o.mu.Lock()
			if o.ch != nil {
				o.served = o.requests
			}
			o.mu.Unlock()
			continue
		}

		delay := o.retry.NextDelay(attempt)
		o.logger.Warn("failed to reopen channel",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("nextRetryIn", delay))
		o.sleep(delay)
	}
}

// pause waits d without reacting to Reconnect calls, returning false when
// the owner shuts down.
func (o *ChannelOwner) pause(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-o.ctx.Done():
		return false
	}
}

// sleep waits d, returning false when woken early.
func (o *ChannelOwner) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-o.wake:
		return false
	case <-o.ctx.Done():
		return false
	}
}

// attempt closes the current channel and opens a new one under gen.
func (o *ChannelOwner) attempt(ctx context.Context, gen uint64) error {
	o.mu.Lock()
	if o.shutdown || o.gen != gen {
		o.mu.Unlock()
		return errOpenSuperseded
	}
	old := o.ch
	o.ch = nil
	o.mu.Unlock()

	o.closeQuietly(old)

	ch, err := o.conn.Channel()
	if err != nil {
		o.metrics.IncChannelOpens(o.name, metrics.OutcomeError)
		return err
	}

	closeCh := ch.NotifyClose(make(chan *amqp.Error, 1))

	if err := o.open(ctx, ch); err != nil {
		o.metrics.IncChannelOpens(o.name, metrics.OutcomeError)
		o.closeQuietly(ch)
		return &ChannelError{Op: "prepare", Role: o.name, Err: err, Timestamp: time.Now()}
	}

	o.mu.Lock()
	if o.shutdown || o.gen != gen {
		o.mu.Unlock()
		o.closeQuietly(ch)
		return errOpenSuperseded
	}
	o.ch = ch
	o.gen++
	o.mu.Unlock()

	o.metrics.IncChannelOpens(o.name, metrics.OutcomeSuccess)
	o.logger.Info("channel open")
	go o.watch(ch, closeCh)
	return nil
}

func (o *ChannelOwner) watch(ch AMQPChannel, closeCh <-chan *amqp.Error) {
	select {
	case amqpErr, ok := <-closeCh:
		if !ok || amqpErr == nil {
			return
		}
		o.logger.Warn("channel closed unexpectedly", zap.Error(amqpErr))

		o.mu.Lock()
		current := o.ch == ch
		if current {
			o.ch = nil
		}
		o.mu.Unlock()

		if !current {
			return
		}
		o.conn.Reconnect()
		o.Reconnect()
	case <-o.ctx.Done():
	}
}

func (o *ChannelOwner) closeQuietly(ch AMQPChannel) {
	if ch == nil {
		return
	}
	if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		o.logger.Debug("failed to close channel", zap.Error(err))
	}
}

// Shutdown unsubscribes from the connection and closes the channel for good.
func (o *ChannelOwner) Shutdown() {
	o.mu.Lock()
	if o.shutdown {
		o.mu.Unlock()
		return
	}
	o.shutdown = true
	o.wantOpen = false
	o.gen++
	ch := o.ch
	o.ch = nil
	registered := o.registered
	o.mu.Unlock()

	o.cancel()
	if registered {
		o.conn.RemoveStateListener(o)
	}
	o.closeQuietly(ch)
}
