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

const (
	DefaultDialTimeout = 30 * time.Second
	DefaultCloseGrace  = 500 * time.Millisecond
	DefaultErrorDelay  = 3 * time.Second
)

// ConnectionState is the externally visible state of a Connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnected
)

func (s ConnectionState) String() string {
	if s == StateConnected {
		return "connected"
	}
	return "disconnected"
}

// ConnectionStateListener receives connection state change notifications.
// Callbacks run on the notifying goroutine, in transition order, and must
// not call back into the Connection synchronously.
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

type eventKind int

const (
	eventConnected eventKind = iota
	eventDisconnected
	eventReconnecting
)

type stateEvent struct {
	kind    eventKind
	err     error
	attempt int
}

// Connection owns a single broker connection and keeps it alive.
//
// Connect dials once. When the broker drops the connection the state moves
// to disconnected and, after the error delay, Reconnect runs until a dial
// succeeds. Every committed connect, Disconnect and Close advances a
// generation counter; a dial that completes under an older generation is
// closed and discarded.
type Connection struct {
	url         string
	dialer      Dialer
	logger      *zap.Logger
	metrics     *metrics.Metrics
	retry       reliability.RetryPolicy
	dialTimeout time.Duration
	closeGrace  time.Duration
	errorDelay  time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	state         ConnectionState
	conn          AMQPConnection
	gen           uint64
	wantConnected bool
	closed        bool
	reconnecting  bool
	requests      uint64
	served        uint64
	wake          chan struct{}
	events        []stateEvent

	notifyMu    sync.Mutex
	listenersMu sync.RWMutex
	listeners   []ConnectionStateListener
}

// ConnectionOption configures the Connection
type ConnectionOption func(*Connection)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) ConnectionOption {
	return func(c *Connection) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDialer replaces the amqp091-go dialer.
func WithDialer(d Dialer) ConnectionOption {
	return func(c *Connection) {
		c.dialer = d
	}
}

// WithRetryPolicy sets the delay policy between reconnect attempts.
func WithRetryPolicy(p reliability.RetryPolicy) ConnectionOption {
	return func(c *Connection) {
		c.retry = p
	}
}

// WithMetrics records connection state and reconnect attempts.
func WithMetrics(m *metrics.Metrics) ConnectionOption {
	return func(c *Connection) {
		c.metrics = m
	}
}

// WithDialTimeout bounds each dial.
func WithDialTimeout(d time.Duration) ConnectionOption {
	return func(c *Connection) {
		c.dialTimeout = d
	}
}

// WithCloseGrace sets how long Disconnect waits after closing the handle.
func WithCloseGrace(d time.Duration) ConnectionOption {
	return func(c *Connection) {
		c.closeGrace = d
	}
}

// WithErrorDelay sets the pause between an unexpected close and the
// reconnect it triggers.
func WithErrorDelay(d time.Duration) ConnectionOption {
	return func(c *Connection) {
		c.errorDelay = d
	}
}

// NewConnection creates a disconnected Connection for url.
func NewConnection(url string, options ...ConnectionOption) *Connection {
	c := &Connection{
		url:         url,
		dialer:      AMQPDialer{},
		logger:      zap.NewNop(),
		retry:       reliability.Forever(),
		dialTimeout: DefaultDialTimeout,
		closeGrace:  DefaultCloseGrace,
		errorDelay:  DefaultErrorDelay,
		wake:        make(chan struct{}, 1),
	}

	for _, opt := range options {
		opt(c)
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.logger = c.logger.With(zap.String("url", SanitizeURL(url)))
	return c
}

// Connect dials the broker once. It is a no-op when already connected.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.wantConnected = true
	gen := c.gen
	c.mu.Unlock()

	err := c.connect(ctx, gen)
	if errors.Is(err, ErrConnectAborted) && c.IsConnected() {
		return nil
	}
	return err
}

func (c *Connection) connect(ctx context.Context, gen uint64) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	conn, err := c.dialer.Dial(dialCtx, c.url)
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(c.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))

	c.mu.Lock()
	if c.closed || c.gen != gen || c.state == StateConnected {
		c.mu.Unlock()
		c.logger.Debug("discarding connection from superseded attempt")
		_ = conn.Close()
		return ErrConnectAborted
	}
	c.conn = conn
	c.state = StateConnected
	c.gen++
	c.events = append(c.events, stateEvent{kind: eventConnected})
	c.mu.Unlock()

	c.logger.Info("connected to RabbitMQ")
	c.metrics.SetConnected(true)
	go c.watch(conn, closeCh)
	c.flush()
	return nil
}

// Disconnect closes the current handle, waits the close grace period and
// reports the connection as disconnected. It aborts any reconnect attempt
// in flight.
func (c *Connection) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.wantConnected = false
	c.gen++
	c.mu.Unlock()

	return c.disconnect(ctx)
}

func (c *Connection) disconnect(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		c.logger.Warn("failed to close connection", zap.Error(err))
	}

	timer := time.NewTimer(c.closeGrace)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
	}

	c.mu.Lock()
	announce := c.state == StateConnected
	c.state = StateDisconnected
	if announce {
		c.events = append(c.events, stateEvent{kind: eventDisconnected})
	}
	c.mu.Unlock()

	if announce {
		c.logger.Info("disconnected from RabbitMQ")
		c.metrics.SetConnected(false)
	}
	c.flush()
	return nil
}

func (c *Connection) watch(conn AMQPConnection, closeCh <-chan *amqp.Error) {
	var amqpErr *amqp.Error
	select {
	case e, ok := <-closeCh:
		if !ok || e == nil {
			return
		}
		amqpErr = e
	case <-c.ctx.Done():
		return
	}

	c.logger.Error("connection closed unexpectedly", zap.Error(amqpErr))

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = StateDisconnected
	c.events = append(c.events, stateEvent{kind: eventDisconnected, err: amqpErr})
	c.mu.Unlock()

	c.metrics.SetConnected(false)
	c.flush()

	timer := time.NewTimer(c.errorDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-c.ctx.Done():
		return
	}

	if !c.IsConnected() {
		c.Reconnect()
	}
}

// Reconnect tears down the current handle and dials again, retrying with
// the retry policy until it succeeds, Disconnect is called or the
// Connection is closed. Calls made while a reconnect is in flight join it:
// they cut a pending retry delay short and are satisfied by the next
// successful dial.
func (c *Connection) Reconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.wantConnected = true
	c.requests++

	if c.reconnecting {
		select {
		case c.wake <- struct{}{}:
		default:
		}
		return
	}
	c.reconnecting = true
	go c.reconnectLoop()
}

func (c *Connection) reconnectLoop() {
	for attempt := 1; ; attempt++ {
		c.mu.Lock()
		if c.closed || !c.wantConnected || (c.state == StateConnected && c.requests == c.served) {
			c.reconnecting = false
			c.mu.Unlock()
			return
		}
		c.served = c.requests
		gen := c.gen
		c.events = append(c.events, stateEvent{kind: eventReconnecting, attempt: attempt})
		c.mu.Unlock()

		c.flush()
		c.metrics.IncReconnectAttempts()
		c.logger.Info("attempting to reconnect", zap.Int("attempt", attempt))

		_ = c.disconnect(c.ctx)

		err := c.connect(c.ctx, gen)
		if err == nil || errors.Is(err, ErrConnectAborted) {
			// requests made while this attempt was in flight are served by it
			c.mu.Lock()
			if c.state == StateConnected {
				c.served = c.requests
			}
			c.mu.Unlock()
			continue
		}

		delay := c.retry.NextDelay(attempt)
		c.logger.Warn("reconnect failed",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("nextRetryIn", delay))

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-c.wake:
			timer.Stop()
		case <-c.ctx.Done():
			timer.Stop()
		}
	}
}

// Channel opens a new channel on the live connection.
func (c *Connection) Channel() (AMQPChannel, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return nil, ErrConnectionNotReady
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "open", Err: err, Timestamp: time.Now()}
	}
	return ch, nil
}

// DeleteQueue deletes a queue on a short-lived channel of its own.
func (c *Connection) DeleteQueue(ctx context.Context, name string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	ch, err := c.Channel()
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.logger.Debug("failed to close delete channel", zap.Error(err))
		}
	}()

	purged, err := ch.QueueDelete(name, false, false, false)
	if err != nil {
		return 0, &TopologyError{Component: "queue", Name: name, Op: "delete", Err: err, Timestamp: time.Now()}
	}
	c.logger.Info("queue deleted", zap.String("queue", name), zap.Int("messages", purged))
	return purged, nil
}

// Probe verifies the broker answers on a fresh channel.
func (c *Connection) Probe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ch, err := c.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	return ch.ExchangeDeclarePassive("amq.direct", ExchangeDirect, true, false, false, false, nil)
}

// State returns the current state.
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected returns the connection status
func (c *Connection) IsConnected() bool {
	return c.State() == StateConnected
}

// Close shuts the Connection down for good.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.wantConnected = false
	c.gen++
	conn := c.conn
	c.conn = nil
	announce := c.state == StateConnected
	c.state = StateDisconnected
	if announce {
		c.events = append(c.events, stateEvent{kind: eventDisconnected})
	}
	c.mu.Unlock()

	c.cancel()
	if announce {
		c.metrics.SetConnected(false)
	}
	c.flush()
	c.logger.Info("connection shut down")

	if conn != nil {
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			return err
		}
	}
	return nil
}

// AddStateListener adds a connection state listener
func (c *Connection) AddStateListener(listener ConnectionStateListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, listener)
}

// RemoveStateListener removes a connection state listener
func (c *Connection) RemoveStateListener(listener ConnectionStateListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	for i, l := range c.listeners {
		if l == listener {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			break
		}
	}
}

// flush delivers queued events. Events are queued under mu in transition
// order; notifyMu keeps concurrent flushes from reordering them.
func (c *Connection) flush() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	for {
		c.mu.Lock()
		if len(c.events) == 0 {
			c.mu.Unlock()
			return
		}
		ev := c.events[0]
		c.events = c.events[1:]
		c.mu.Unlock()

		c.listenersMu.RLock()
		listeners := make([]ConnectionStateListener, len(c.listeners))
		copy(listeners, c.listeners)
		c.listenersMu.RUnlock()

		for _, l := range listeners {
			switch ev.kind {
			case eventConnected:
				l.OnConnected()
			case eventDisconnected:
				l.OnDisconnected(ev.err)
			case eventReconnecting:
				l.OnReconnecting(ev.attempt)
			}
		}
	}
}
