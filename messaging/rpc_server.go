package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/glimte/burrow/contracts"
	"github.com/glimte/burrow/internal/rabbitmq"
	"github.com/glimte/burrow/metrics"
)

// Params are the raw positional parameters of a call.
type Params []json.RawMessage

// Len returns the number of parameters.
func (p Params) Len() int {
	return len(p)
}

// Decode unmarshals parameter i into v.
func (p Params) Decode(i int, v any) error {
	if i < 0 || i >= len(p) {
		return fmt.Errorf("missing parameter %d (got %d)", i, len(p))
	}
	if err := json.Unmarshal(p[i], v); err != nil {
		return fmt.Errorf("parameter %d: %w", i, err)
	}
	return nil
}

// Handler serves one operation. The returned value is sent back as the
// result; an error is sent back as its message.
type Handler func(ctx context.Context, params Params) (any, error)

// Handlers maps operation names to handlers.
type Handlers map[string]Handler

// RPCServerConfig describes the request queue.
type RPCServerConfig struct {
	Queue      string        `yaml:"queue"`
	Durable    bool          `yaml:"durable"`
	Exclusive  bool          `yaml:"exclusive"`
	AutoDelete bool          `yaml:"auto_delete"`
	MessageTTL time.Duration `yaml:"message_ttl"`
	// PrefetchCount bounds unacked requests and concurrent handlers.
	// Zero leaves both unbounded.
	PrefetchCount int `yaml:"prefetch_count"`
	// AckErrors acks requests whose handler failed. Otherwise they stay
	// unacked and go back to the queue when the channel closes.
	AckErrors bool `yaml:"ack_errors"`
}

// RPCServer consumes call envelopes and replies to the ReplyTo queue of
// each request.
type RPCServer struct {
	cfg      RPCServerConfig
	opts     options
	handlers Handlers
	owner    *rabbitmq.ChannelOwner

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.RWMutex
	queue string
}

// NewRPCServer creates a server for handlers.
func NewRPCServer(conn *rabbitmq.Connection, handlers Handlers, cfg RPCServerConfig, opts ...Option) (*RPCServer, error) {
	if len(handlers) == 0 {
		return nil, ErrNoHandlers
	}
	s := &RPCServer{
		cfg:      cfg,
		opts:     newOptions(opts),
		handlers: make(Handlers, len(handlers)),
	}
	for op, h := range handlers {
		s.handlers[op] = h
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.opts.logger = s.opts.logger.With(zap.String("queue", cfg.Queue))
	s.owner = rabbitmq.NewChannelOwner(conn, "rpc-server:"+cfg.Queue, s.open, s.opts.channelOptions()...)
	return s, nil
}

// Init declares the queue and starts serving.
func (s *RPCServer) Init(ctx context.Context) error {
	return s.owner.Init(ctx)
}

// Queue returns the queue being served.
func (s *RPCServer) Queue() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queue
}

// Ready reports whether the server has an open channel.
func (s *RPCServer) Ready() bool {
	return s.owner.IsOpen()
}

// Close stops serving. Handlers still running see their context cancelled.
func (s *RPCServer) Close() error {
	s.owner.Shutdown()
	s.cancel()
	return nil
}

func (s *RPCServer) open(_ context.Context, ch rabbitmq.AMQPChannel) error {
	q, err := rabbitmq.DeclareQueue(ch, rabbitmq.QueueDeclaration{
		Name:       s.cfg.Queue,
		Durable:    s.cfg.Durable,
		AutoDelete: s.cfg.AutoDelete,
		Exclusive:  s.cfg.Exclusive,
		MessageTTL: s.cfg.MessageTTL,
	})
	if err != nil {
		return err
	}

	if s.cfg.PrefetchCount > 0 {
		if err := ch.Qos(s.cfg.PrefetchCount, 0, false); err != nil {
			return fmt.Errorf("set prefetch %d: %w", s.cfg.PrefetchCount, err)
		}
	}

	deliveries, err := ch.Consume(q.Name, "burrow-rpc-"+uuid.NewString(), false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.Name, err)
	}

	s.mu.Lock()
	s.queue = q.Name
	s.mu.Unlock()

	var sem *semaphore.Weighted
	if s.cfg.PrefetchCount > 0 {
		sem = semaphore.NewWeighted(int64(s.cfg.PrefetchCount))
	}

	s.opts.logger.Info("rpc server listening", zap.String("queue", q.Name))
	go s.serve(sem, deliveries)
	return nil
}

func (s *RPCServer) serve(sem *semaphore.Weighted, deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		if sem == nil {
			go s.handle(d)
			continue
		}
		if err := sem.Acquire(s.ctx, 1); err != nil {
			// closed; unacked requests return to the queue with the channel
			return
		}
		go func(d amqp.Delivery) {
			defer sem.Release(1)
			s.handle(d)
		}(d)
	}
}

func (s *RPCServer) handle(d amqp.Delivery) {
	call, err := contracts.DecodeCall(d.Body)
	if err != nil {
		s.opts.logger.Error("unable to decode rpc request",
			zap.Error(err),
			zap.String("correlationId", d.CorrelationId))
		s.opts.metrics.IncRPCRequests("", metrics.OutcomeDecode)
		s.ack(d)
		s.replyError(d, err)
		return
	}

	result, err := s.invoke(call)
	var body []byte
	if err == nil {
		body, err = contracts.EncodeResult(result)
	}

	if err == nil {
		s.opts.metrics.IncRPCRequests(call.Operation, metrics.OutcomeSuccess)
		s.ack(d)
		s.reply(d, body)
		return
	}

	s.opts.logger.Warn("rpc handler failed",
		zap.Error(err),
		zap.String("operation", call.Operation),
		zap.String("correlationId", d.CorrelationId))
	s.opts.metrics.IncRPCRequests(call.Operation, metrics.OutcomeError)
	if s.cfg.AckErrors {
		s.ack(d)
	}
	s.replyError(d, err)
}

func (s *RPCServer) invoke(call contracts.Call) (result any, err error) {
	h, ok := s.handlers[call.Operation]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownOperation, call.Operation)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation %s panicked: %v", call.Operation, r)
		}
	}()
	return h(s.ctx, Params(call.Params))
}

func (s *RPCServer) replyError(d amqp.Delivery, cause error) {
	body, err := contracts.EncodeError(cause.Error())
	if err != nil {
		s.opts.logger.Error("unable to encode error reply", zap.Error(err))
		return
	}
	s.reply(d, body)
}

func (s *RPCServer) reply(d amqp.Delivery, body []byte) {
	if d.ReplyTo == "" {
		s.opts.logger.Warn("request has no reply-to, dropping reply", zap.String("correlationId", d.CorrelationId))
		return
	}
	ch, err := s.owner.Channel()
	if err != nil {
		s.opts.logger.Warn("no channel for reply, dropping it",
			zap.Error(err),
			zap.String("correlationId", d.CorrelationId))
		return
	}
	err = ch.PublishWithContext(s.ctx, "", d.ReplyTo, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: d.CorrelationId,
		Timestamp:     time.Now(),
		Body:          body,
	})
	if err != nil {
		s.opts.logger.Warn("failed to publish reply",
			zap.Error(err),
			zap.String("replyTo", d.ReplyTo),
			zap.String("correlationId", d.CorrelationId))
	}
}

func (s *RPCServer) ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		s.opts.logger.Warn("failed to ack request", zap.Error(err))
	}
}
