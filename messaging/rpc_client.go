package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/glimte/burrow/contracts"
	"github.com/glimte/burrow/internal/rabbitmq"
	"github.com/glimte/burrow/metrics"
)

// RPCClientConfig names the queue an RPCServer listens on.
type RPCClientConfig struct {
	Queue string `yaml:"queue"`
	// Timeout applies to calls that set none. Zero waits forever.
	Timeout time.Duration `yaml:"timeout"`
}

// Result is the raw JSON result of a call.
type Result struct {
	Raw json.RawMessage
}

// Decode unmarshals the result into v.
func (r Result) Decode(v any) error {
	if len(r.Raw) == 0 {
		return errors.New("messaging: empty rpc result")
	}
	return json.Unmarshal(r.Raw, v)
}

// Continuation receives the outcome of an asynchronous call. Returning an
// error keeps the call pending; the response is handed back to the broker
// and delivered again after the redelivery delay.
type Continuation func(Result, error) error

type callOptions struct {
	timeout time.Duration
}

// CallOption configures a single call.
type CallOption func(*callOptions)

// WithTimeout fails the call with a TimeoutError if no response arrives
// within d.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		o.timeout = d
	}
}

type pendingCall struct {
	operation  string
	replyQueue string
	started    time.Time
	cont       Continuation
	// busy is set while the reply dispatcher runs cont.
	busy bool
	// expired is set when the timeout fires while busy.
	expired bool
}

// RPCClient issues calls to an RPCServer queue and matches responses by
// correlation id on a private reply queue.
type RPCClient struct {
	cfg   RPCClientConfig
	opts  options
	owner *rabbitmq.ChannelOwner

	mu         sync.Mutex
	pending    map[string]*pendingCall
	replyCh    rabbitmq.AMQPChannel
	replyQueue string
}

// NewRPCClient creates a client for the server listening on cfg.Queue.
func NewRPCClient(conn *rabbitmq.Connection, cfg RPCClientConfig, opts ...Option) (*RPCClient, error) {
	if cfg.Queue == "" {
		return nil, ErrNoQueue
	}
	c := &RPCClient{
		cfg:     cfg,
		opts:    newOptions(opts),
		pending: make(map[string]*pendingCall),
	}
	c.opts.logger = c.opts.logger.With(zap.String("queue", cfg.Queue))
	c.owner = rabbitmq.NewChannelOwner(conn, "rpc-client:"+cfg.Queue, c.open, c.opts.channelOptions()...)
	return c, nil
}

// Init opens the channel and the reply queue.
func (c *RPCClient) Init(ctx context.Context) error {
	return c.owner.Init(ctx)
}

// Ready reports whether calls can be issued.
func (c *RPCClient) Ready() bool {
	if !c.owner.IsOpen() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replyQueue != ""
}

// Pending returns the number of unresolved calls.
func (c *RPCClient) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// RPC calls operation with params and waits for the result.
func (c *RPCClient) RPC(ctx context.Context, operation string, params ...any) (Result, error) {
	return c.Exec(ctx, operation, params)
}

// Exec calls operation and waits until the response arrives, the timeout
// elapses or ctx is done.
func (c *RPCClient) Exec(ctx context.Context, operation string, params []any, opts ...CallOption) (Result, error) {
	co := c.callOptions(opts)

	type outcome struct {
		result Result
		err    error
	}
	done := make(chan outcome, 1)

	id, err := c.issue(ctx, operation, params, func(r Result, err error) error {
		done <- outcome{r, err}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	var timeout <-chan time.Time
	if co.timeout > 0 {
		t := time.NewTimer(co.timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case o := <-done:
		return o.result, o.err
	case <-timeout:
		if call := c.retract(id); call != nil {
			c.resolved(call, metrics.OutcomeTimeout)
			return Result{}, &TimeoutError{Operation: operation, CorrelationID: id, Timeout: co.timeout}
		}
	case <-ctx.Done():
		if call := c.retract(id); call != nil {
			c.resolved(call, metrics.OutcomeTimeout)
			return Result{}, ctx.Err()
		}
	}

	// the response won the race and is being delivered
	o := <-done
	return o.result, o.err
}

// Go calls operation and hands the outcome to cont on the reply
// dispatcher. If cont returns an error the response is redelivered later
// and cont is called again.
func (c *RPCClient) Go(ctx context.Context, operation string, params []any, cont Continuation, opts ...CallOption) error {
	co := c.callOptions(opts)

	id, err := c.issue(ctx, operation, params, cont)
	if err != nil {
		return err
	}

	if co.timeout > 0 {
		time.AfterFunc(co.timeout, func() {
			c.expire(id, co.timeout)
		})
	}
	return nil
}

// Close stops the client. Pending calls are left to their timeouts.
func (c *RPCClient) Close() error {
	c.owner.Shutdown()
	return nil
}

func (c *RPCClient) callOptions(opts []CallOption) callOptions {
	co := callOptions{timeout: c.cfg.Timeout}
	for _, opt := range opts {
		opt(&co)
	}
	return co
}

func (c *RPCClient) issue(ctx context.Context, operation string, params []any, cont Continuation) (string, error) {
	if _, err := c.owner.Channel(); err != nil {
		return "", err
	}

	body, err := contracts.EncodeCall(operation, params)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	ch, replyQueue := c.replyCh, c.replyQueue
	if ch == nil || replyQueue == "" {
		c.mu.Unlock()
		return "", ErrChannelNotReady
	}
	id := uuid.NewString()
	for c.pending[id] != nil {
		id = uuid.NewString()
	}
	c.pending[id] = &pendingCall{
		operation:  operation,
		replyQueue: replyQueue,
		started:    time.Now(),
		cont:       cont,
	}
	c.mu.Unlock()
	c.opts.metrics.AddPendingCalls(1)

	err = ch.PublishWithContext(ctx, "", c.cfg.Queue, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: id,
		ReplyTo:       replyQueue,
		Timestamp:     time.Now(),
		Body:          body,
	})
	if err != nil {
		if call := c.retract(id); call != nil {
			c.resolved(call, metrics.OutcomeError)
		}
		return "", fmt.Errorf("publish rpc %s: %w", operation, err)
	}

	c.opts.logger.Debug("rpc call sent",
		zap.String("operation", operation),
		zap.String("correlationId", id))
	return id, nil
}

// retract removes a pending call that is not being resolved right now.
func (c *RPCClient) retract(id string) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.pending[id]
	if !ok || call.busy {
		return nil
	}
	delete(c.pending, id)
	return call
}

func (c *RPCClient) expire(id string, timeout time.Duration) {
	c.mu.Lock()
	call, ok := c.pending[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	if call.busy {
		call.expired = true
		c.mu.Unlock()
		return
	}
	delete(c.pending, id)
	c.mu.Unlock()

	c.resolved(call, metrics.OutcomeTimeout)
	c.continueQuietly(call, Result{}, &TimeoutError{Operation: call.operation, CorrelationID: id, Timeout: timeout})
}

func (c *RPCClient) resolved(call *pendingCall, outcome string) {
	c.opts.metrics.AddPendingCalls(-1)
	c.opts.metrics.ObserveRPCCall(call.started, call.operation, outcome)
}

func (c *RPCClient) open(_ context.Context, ch rabbitmq.AMQPChannel) error {
	q, err := rabbitmq.DeclareQueue(ch, rabbitmq.QueueDeclaration{
		Exclusive:  true,
		AutoDelete: true,
	})
	if err != nil {
		return err
	}

	deliveries, err := ch.Consume(q.Name, "", false, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume reply queue %s: %w", q.Name, err)
	}

	c.mu.Lock()
	c.replyCh = ch
	c.replyQueue = q.Name
	var lost []*pendingCall
	for id, call := range c.pending {
		if call.replyQueue == q.Name {
			continue
		}
		if call.busy {
			call.expired = true
			continue
		}
		delete(c.pending, id)
		lost = append(lost, call)
	}
	c.mu.Unlock()

	for _, call := range lost {
		c.resolved(call, metrics.OutcomeError)
		c.continueQuietly(call, Result{}, ErrReplyQueueLost)
	}
	if len(lost) > 0 {
		c.opts.logger.Warn("reply queue replaced, pending calls failed", zap.Int("calls", len(lost)))
	}

	c.opts.logger.Debug("reply queue ready", zap.String("replyQueue", q.Name))
	go c.dispatch(q.Name, deliveries)
	return nil
}

func (c *RPCClient) dispatch(replyQueue string, deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		c.onResponse(replyQueue, d)
	}
}

func (c *RPCClient) onResponse(replyQueue string, d amqp.Delivery) {
	id := d.CorrelationId

	c.mu.Lock()
	call, ok := c.pending[id]
	if ok {
		call.busy = true
	}
	c.mu.Unlock()

	if !ok {
		c.opts.logger.Warn("dropping response for unknown correlation id", zap.String("correlationId", id))
		c.ack(d)
		return
	}

	var (
		result   Result
		callErr  error
		outcome  = metrics.OutcomeSuccess
		decoding bool
	)
	resp, err := contracts.DecodeResponse(d.Body)
	switch {
	case err != nil:
		callErr = &DecodeError{Queue: replyQueue, Err: err}
		outcome = metrics.OutcomeDecode
		decoding = true
	case resp.IsError():
		callErr = &RemoteError{Operation: call.operation, Message: *resp.Err}
		outcome = metrics.OutcomeError
	default:
		result = Result{Raw: resp.Result}
	}

	contErr := c.invoke(call, result, callErr)

	c.mu.Lock()
	call.busy = false
	finished := contErr == nil || decoding || call.expired
	if finished && c.pending[id] == call {
		delete(c.pending, id)
	} else if finished {
		finished = false
	}
	c.mu.Unlock()

	if finished {
		c.resolved(call, outcome)
	}

	if contErr == nil || decoding {
		c.ack(d)
		return
	}

	c.opts.logger.Warn("rpc continuation failed, response will be redelivered",
		zap.Error(contErr),
		zap.String("operation", call.operation),
		zap.String("correlationId", id),
		zap.Duration("delay", c.opts.redeliveryDelay))
	time.AfterFunc(c.opts.redeliveryDelay, func() {
		if err := d.Nack(false, true); err != nil {
			c.opts.logger.Debug("could not return response to reply queue", zap.Error(err))
		}
	})
}

func (c *RPCClient) invoke(call *pendingCall, result Result, callErr error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("continuation panic: %v", r)
		}
	}()
	return call.cont(result, callErr)
}

func (c *RPCClient) continueQuietly(call *pendingCall, result Result, callErr error) {
	if err := c.invoke(call, result, callErr); err != nil {
		c.opts.logger.Debug("continuation failed after call was resolved",
			zap.Error(err),
			zap.String("operation", call.operation))
	}
}

func (c *RPCClient) ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		c.opts.logger.Debug("failed to ack response", zap.Error(err))
	}
}
