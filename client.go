// Copyright 2026 Burrow Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package burrow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/glimte/burrow/config"
	"github.com/glimte/burrow/health"
	"github.com/glimte/burrow/internal/rabbitmq"
	"github.com/glimte/burrow/internal/reliability"
	"github.com/glimte/burrow/messaging"
	"github.com/glimte/burrow/metrics"
)

type (
	Connection       = rabbitmq.Connection
	ConnectionOption = rabbitmq.ConnectionOption
	StateListener    = rabbitmq.ConnectionStateListener
)

type role interface {
	Ready() bool
	Close() error
}

// Client provides the main entry point for burrow. It owns one Connection
// and every role created through it.
type Client struct {
	conn     *rabbitmq.Connection
	logger   *zap.Logger
	health   *health.Registry
	roleOpts []messaging.Option

	mu     sync.Mutex
	roles  []role
	checks []string
}

// NewClient creates a disconnected client for url.
func NewClient(url string, options ...ClientOption) *Client {
	cfg := &clientConfig{
		logger: zap.NewNop(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	connOpts := append([]rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(cfg.logger),
		rabbitmq.WithMetrics(cfg.metrics),
	}, cfg.connOpts...)

	roleOpts := append([]messaging.Option{
		messaging.WithLogger(cfg.logger),
		messaging.WithMetrics(cfg.metrics),
	}, cfg.roleOpts...)

	c := &Client{
		conn:     rabbitmq.NewConnection(url, connOpts...),
		logger:   cfg.logger,
		health:   health.NewRegistry(),
		roleOpts: roleOpts,
	}
	c.health.Register(health.NewConnectionChecker(c.conn))
	return c
}

// NewClientFromConfig creates a client from loaded configuration. Options
// are applied after the configured ones.
func NewClientFromConfig(cfg *config.Config, options ...ClientOption) *Client {
	rc := cfg.RabbitMQ
	retry := reliability.NewFixedDelay(rc.RetryDelay, 0)

	base := []ClientOption{
		WithConnectionOptions(
			rabbitmq.WithDialer(rabbitmq.AMQPDialer{
				ConnectionName: rc.ConnectionName,
				Heartbeat:      rc.Heartbeat,
				Timeout:        rc.DialTimeout,
			}),
			rabbitmq.WithDialTimeout(rc.DialTimeout),
			rabbitmq.WithCloseGrace(rc.CloseGrace),
			rabbitmq.WithErrorDelay(rc.ErrorDelay),
			rabbitmq.WithRetryPolicy(retry),
		),
		WithRoleOptions(
			messaging.WithRetryPolicy(retry),
			messaging.WithSettleDelay(rc.SettleDelay),
		),
	}
	return NewClient(rc.URL, append(base, options...)...)
}

// Connect dials the broker once. On failure the client stays disconnected.
func (c *Client) Connect(ctx context.Context) error {
	return c.conn.Connect(ctx)
}

// Connection returns the underlying connection.
func (c *Client) Connection() *Connection {
	return c.conn
}

// Health returns the registry holding the connection check and one check
// per role.
func (c *Client) Health() *health.Registry {
	return c.health
}

// DeleteQueue deletes a queue and returns the number of messages it held.
func (c *Client) DeleteQueue(ctx context.Context, name string) (int, error) {
	return c.conn.DeleteQueue(ctx, name)
}

// NewConsumer creates a consumer owned by the client.
func (c *Client) NewConsumer(cfg messaging.ConsumerConfig, opts ...messaging.Option) *messaging.Consumer {
	consumer := messaging.NewConsumer(c.conn, cfg, c.options(opts)...)
	c.track("consumer:"+cfg.Exchange+"/"+cfg.Queue, consumer)
	return consumer
}

// NewProducer creates a producer owned by the client.
func (c *Client) NewProducer(cfg messaging.ProducerConfig, opts ...messaging.Option) *messaging.Producer {
	producer := messaging.NewProducer(c.conn, cfg, c.options(opts)...)
	c.track("producer:"+cfg.Exchange, producer)
	return producer
}

// NewRPCClient creates an RPC client owned by the client.
func (c *Client) NewRPCClient(cfg messaging.RPCClientConfig, opts ...messaging.Option) (*messaging.RPCClient, error) {
	client, err := messaging.NewRPCClient(c.conn, cfg, c.options(opts)...)
	if err != nil {
		return nil, err
	}
	name := "rpc-client:" + cfg.Queue
	c.trackWith(client, health.NewComponentChecker(name, func(context.Context) (health.Status, string, error) {
		pending := client.Pending()
		if !client.Ready() {
			return health.StatusUnhealthy, fmt.Sprintf("channel not open, %d calls pending", pending), nil
		}
		return health.StatusHealthy, fmt.Sprintf("channel open, %d calls pending", pending), nil
	}))
	return client, nil
}

// NewRPCServer creates an RPC server owned by the client.
func (c *Client) NewRPCServer(handlers messaging.Handlers, cfg messaging.RPCServerConfig, opts ...messaging.Option) (*messaging.RPCServer, error) {
	server, err := messaging.NewRPCServer(c.conn, handlers, cfg, c.options(opts)...)
	if err != nil {
		return nil, err
	}
	c.track("rpc-server:"+cfg.Queue, server)
	return server, nil
}

// Close closes every role and then the connection. The client cannot be
// reused.
func (c *Client) Close() error {
	c.mu.Lock()
	roles, checks := c.roles, c.checks
	c.roles, c.checks = nil, nil
	c.mu.Unlock()

	for _, name := range checks {
		c.health.Unregister(name)
	}

	var errs []error
	for i := len(roles) - 1; i >= 0; i-- {
		if err := roles[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.conn.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Client) options(opts []messaging.Option) []messaging.Option {
	out := make([]messaging.Option, 0, len(c.roleOpts)+len(opts))
	out = append(out, c.roleOpts...)
	return append(out, opts...)
}

func (c *Client) track(name string, r role) {
	c.trackWith(r, health.NewRoleChecker(name, r))
}

func (c *Client) trackWith(r role, check health.Checker) {
	c.mu.Lock()
	c.roles = append(c.roles, r)
	c.checks = append(c.checks, check.Name())
	c.mu.Unlock()
	c.health.Register(check)
}

type clientConfig struct {
	logger   *zap.Logger
	metrics  *metrics.Metrics
	connOpts []rabbitmq.ConnectionOption
	roleOpts []messaging.Option
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger shared by the connection and every role.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *clientConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics records connection and role activity.
func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(c *clientConfig) {
		c.metrics = m
	}
}

// WithConnectionOptions passes options to the connection.
func WithConnectionOptions(opts ...ConnectionOption) ClientOption {
	return func(c *clientConfig) {
		c.connOpts = append(c.connOpts, opts...)
	}
}

// WithRoleOptions passes options to every role the client creates.
func WithRoleOptions(opts ...messaging.Option) ClientOption {
	return func(c *clientConfig) {
		c.roleOpts = append(c.roleOpts, opts...)
	}
}
