package burrow

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/burrow/config"
	"github.com/glimte/burrow/health"
	"github.com/glimte/burrow/internal/rabbitmq"
	"github.com/glimte/burrow/internal/rabbitmq/rabbitmqtest"
	"github.com/glimte/burrow/messaging"
	"github.com/glimte/burrow/metrics"
)

func newTestClient(t *testing.T, b *rabbitmqtest.Broker, opts ...ClientOption) *Client {
	t.Helper()
	base := []ClientOption{
		WithConnectionOptions(rabbitmqtest.ConnectionOptions(b)...),
		WithRoleOptions(
			messaging.WithSettleDelay(time.Millisecond),
			messaging.WithRetryPolicy(rabbitmqtest.FastRetry()),
		),
	}
	c := NewClient(rabbitmqtest.URL, append(base, opts...)...)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClientRoles(t *testing.T) {
	b := rabbitmqtest.NewBroker()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	c := newTestClient(t, b, WithMetrics(m))

	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))

	server, err := c.NewRPCServer(messaging.Handlers{
		"echo": func(_ context.Context, p messaging.Params) (any, error) {
			var s string
			if err := p.Decode(0, &s); err != nil {
				return nil, err
			}
			return s, nil
		},
	}, messaging.RPCServerConfig{Queue: "echo"})
	require.NoError(t, err)
	require.NoError(t, server.Init(ctx))

	rpc, err := c.NewRPCClient(messaging.RPCClientConfig{Queue: "echo", Timeout: time.Second})
	require.NoError(t, err)
	require.NoError(t, rpc.Init(ctx))

	res, err := rpc.RPC(ctx, "echo", "hello")
	require.NoError(t, err)
	var got string
	require.NoError(t, res.Decode(&got))
	assert.Equal(t, "hello", got)

	report := c.Health().Check(ctx)
	assert.Equal(t, health.StatusHealthy, report.Status)
	assert.Contains(t, report.Checks, "rabbitmq")
	assert.Contains(t, report.Checks, "rpc-server:echo")
	require.Contains(t, report.Checks, "rpc-client:echo")
	assert.Equal(t, "channel open, 0 calls pending", report.Checks["rpc-client:echo"].Message)

	// the call is recorded once the reply dispatcher settles it
	require.Eventually(t, func() bool {
		n, err := testutil.GatherAndCount(reg, "burrow_rpc_calls_total", "burrow_rpc_requests_total")
		return err == nil && n == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestClientDeleteQueue(t *testing.T) {
	b := rabbitmqtest.NewBroker()
	c := newTestClient(t, b)
	require.NoError(t, c.Connect(context.Background()))

	consumer := c.NewConsumer(messaging.ConsumerConfig{Queue: "scratch"})
	require.NoError(t, consumer.Listen(context.Background()))
	require.NoError(t, consumer.Close())

	require.NoError(t, b.Publish("", "scratch", amqp.Publishing{Body: []byte("x")}))
	n, err := c.DeleteQueue(context.Background(), "scratch")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok := b.Queue("scratch")
	assert.False(t, ok)
}

func TestClientCloseClosesRoles(t *testing.T) {
	b := rabbitmqtest.NewBroker()
	c := NewClient(rabbitmqtest.URL, WithConnectionOptions(rabbitmqtest.ConnectionOptions(b)...))
	require.NoError(t, c.Connect(context.Background()))

	p := c.NewProducer(messaging.ProducerConfig{Exchange: "orders"})
	require.NoError(t, p.Init(context.Background()))
	require.True(t, p.Ready())

	require.NoError(t, c.Close())
	assert.False(t, p.Ready())
	assert.False(t, c.Connection().IsConnected())
	assert.Zero(t, b.OpenConnections())
	assert.Error(t, c.Connect(context.Background()))

	// closed roles leave the health report; the connection check stays
	report := c.Health().Check(context.Background())
	assert.Len(t, report.Checks, 1)
	assert.Contains(t, report.Checks, "rabbitmq")
}

func TestNewClientFromConfig(t *testing.T) {
	b := rabbitmqtest.NewBroker()
	cfg := config.Default()
	cfg.RabbitMQ.ErrorDelay = 10 * time.Millisecond
	cfg.RabbitMQ.RetryDelay = 10 * time.Millisecond
	cfg.RabbitMQ.CloseGrace = time.Millisecond
	cfg.RabbitMQ.SettleDelay = time.Millisecond

	// the test dialer replaces the configured AMQP dialer
	c := NewClientFromConfig(cfg, WithConnectionOptions(rabbitmq.WithDialer(b)))
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Connect(context.Background()))

	p := c.NewProducer(messaging.ProducerConfig{Exchange: "orders"})
	require.NoError(t, p.Init(context.Background()))

	b.DropConnections()
	require.Eventually(t, func() bool {
		return p.Send(context.Background(), "k", "v") == nil
	}, 2*time.Second, 5*time.Millisecond)
}
