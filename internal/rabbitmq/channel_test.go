package rabbitmq_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/glimte/burrow/internal/rabbitmq"
	"github.com/glimte/burrow/internal/rabbitmq/rabbitmqtest"
)

func amqpText(body string) amqp.Publishing {
	return amqp.Publishing{ContentType: "text/plain", Body: []byte(body)}
}

// openRecorder counts role open hook invocations and the channels it saw
type openRecorder struct {
	mu       sync.Mutex
	channels []rabbitmq.AMQPChannel
	fail     atomic.Bool
	inflight int32
	maxSeen  int32
	delay    time.Duration
}

func (r *openRecorder) open(ctx context.Context, ch rabbitmq.AMQPChannel) error {
	n := atomic.AddInt32(&r.inflight, 1)
	defer atomic.AddInt32(&r.inflight, -1)
	for {
		m := atomic.LoadInt32(&r.maxSeen)
		if n <= m || atomic.CompareAndSwapInt32(&r.maxSeen, m, n) {
			break
		}
	}
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if r.fail.Load() {
		return errors.New("declare failed")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels = append(r.channels, ch)
	return nil
}

func (r *openRecorder) Opens() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

func (r *openRecorder) Last() rabbitmq.AMQPChannel {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.channels) == 0 {
		return nil
	}
	return r.channels[len(r.channels)-1]
}

func newOwner(t *testing.T, conn *rabbitmq.Connection, rec *openRecorder) *rabbitmq.ChannelOwner {
	owner := rabbitmq.NewChannelOwner(conn, "test", rec.open,
		rabbitmq.WithSettleDelay(time.Millisecond),
		rabbitmq.WithChannelRetryPolicy(rabbitmqtest.FastRetry()),
	)
	t.Cleanup(owner.Shutdown)
	return owner
}

func TestChannelOwner(t *testing.T) {
	t.Run("Init opens immediately when connected", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		conn := rabbitmqtest.Connect(t, broker)
		rec := &openRecorder{}
		owner := newOwner(t, conn, rec)

		require.NoError(t, owner.Init(context.Background()))

		assert.True(t, owner.IsOpen())
		ch, err := owner.Channel()
		require.NoError(t, err)
		assert.Same(t, rec.Last(), ch)
		assert.Equal(t, 1, rec.Opens())
	})

	t.Run("Init before connect opens once connected", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		conn := rabbitmqtest.NewConnection(t, broker)
		rec := &openRecorder{}
		owner := newOwner(t, conn, rec)

		require.NoError(t, owner.Init(context.Background()))
		_, err := owner.Channel()
		assert.ErrorIs(t, err, rabbitmq.ErrChannelNotReady)

		require.NoError(t, conn.Connect(context.Background()))
		require.Eventually(t, owner.IsOpen, waitFor, tick)
		assert.Equal(t, 1, rec.Opens())
	})

	t.Run("connection loss drops and reopens the channel", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		conn := rabbitmqtest.Connect(t, broker)
		rec := &openRecorder{}
		owner := newOwner(t, conn, rec)
		require.NoError(t, owner.Init(context.Background()))
		first := rec.Last()

		broker.DropConnections()

		require.Eventually(t, func() bool { return rec.Opens() >= 2 && owner.IsOpen() }, waitFor, tick)
		ch, err := owner.Channel()
		require.NoError(t, err)
		assert.NotSame(t, first, ch)
		assert.True(t, first.IsClosed())
	})

	t.Run("channel failure reopens on a new channel", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		conn := rabbitmqtest.Connect(t, broker)
		rec := &openRecorder{}
		owner := newOwner(t, conn, rec)
		require.NoError(t, owner.Init(context.Background()))
		first := rec.Last()

		first.(*rabbitmqtest.Channel).Fail(amqp.PreconditionFailed, "PRECONDITION_FAILED - unknown delivery tag 7")

		require.Eventually(t, func() bool {
			ch, err := owner.Channel()
			return err == nil && ch != first && !ch.IsClosed() &&
				conn.IsConnected() && broker.OpenConnections() == 1 && len(broker.Channels()) == 1
		}, waitFor, tick)
		assert.True(t, first.IsClosed())
	})

	t.Run("open hook failure is returned and retried", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		conn := rabbitmqtest.Connect(t, broker)
		rec := &openRecorder{}
		rec.fail.Store(true)
		owner := newOwner(t, conn, rec)

		err := owner.Init(context.Background())
		var chErr *rabbitmq.ChannelError
		require.ErrorAs(t, err, &chErr)
		assert.Equal(t, "test", chErr.Role)
		assert.False(t, owner.IsOpen())

		rec.fail.Store(false)
		require.Eventually(t, owner.IsOpen, waitFor, tick)
		assert.Len(t, broker.Channels(), 1, "failed channels are discarded")
	})

	t.Run("repeated Reconnect calls run one attempt at a time", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		conn := rabbitmqtest.Connect(t, broker)
		rec := &openRecorder{delay: 2 * time.Millisecond}
		owner := newOwner(t, conn, rec)
		require.NoError(t, owner.Init(context.Background()))

		for i := 0; i < 20; i++ {
			owner.Reconnect()
		}

		require.Eventually(t, func() bool {
			return owner.IsOpen() && len(broker.Channels()) == 1
		}, waitFor, tick)
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, int32(1), atomic.LoadInt32(&rec.maxSeen))
		assert.Len(t, broker.Channels(), 1)
	})

	t.Run("Reconnect calls during an open join it", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		conn := rabbitmqtest.Connect(t, broker)
		started := make(chan struct{}, 1)
		release := make(chan struct{})
		var opens atomic.Int32
		owner := rabbitmq.NewChannelOwner(conn, "test", func(context.Context, rabbitmq.AMQPChannel) error {
			opens.Add(1)
			select {
			case started <- struct{}{}:
			default:
			}
			<-release
			return nil
		},
			rabbitmq.WithSettleDelay(time.Millisecond),
			rabbitmq.WithChannelRetryPolicy(rabbitmqtest.FastRetry()),
		)
		t.Cleanup(owner.Shutdown)

		owner.Reconnect()
		<-started
		for i := 0; i < 10; i++ {
			owner.Reconnect()
		}
		close(release)

		require.Eventually(t, owner.IsOpen, waitFor, tick)
		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, int32(1), opens.Load())
		assert.Len(t, broker.Channels(), 1)
	})

	t.Run("slow opens still commit under continuous Reconnect calls", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		conn := rabbitmqtest.Connect(t, broker)
		core, logs := observer.New(zap.InfoLevel)
		rec := &openRecorder{delay: 20 * time.Millisecond}
		owner := rabbitmq.NewChannelOwner(conn, "test", rec.open,
			rabbitmq.WithSettleDelay(time.Millisecond),
			rabbitmq.WithChannelRetryPolicy(rabbitmqtest.FastRetry()),
			rabbitmq.WithChannelLogger(zap.New(core)),
		)
		t.Cleanup(owner.Shutdown)

		stop := repeat(5*time.Millisecond, owner.Reconnect)
		require.Eventually(t, func() bool {
			return logs.FilterMessage("channel open").Len() >= 3
		}, waitFor, tick)
		stop()

		require.Eventually(t, func() bool {
			return owner.IsOpen() && len(broker.Channels()) == 1
		}, waitFor, tick)
		assert.Equal(t, int32(1), atomic.LoadInt32(&rec.maxSeen))
	})

	t.Run("CloseChannel clears the reference", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		conn := rabbitmqtest.Connect(t, broker)
		rec := &openRecorder{}
		owner := newOwner(t, conn, rec)
		require.NoError(t, owner.Init(context.Background()))

		owner.CloseChannel()
		owner.CloseChannel()

		assert.False(t, owner.IsOpen())
		assert.Empty(t, broker.Channels())
	})

	t.Run("Shutdown stops following the connection", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		conn := rabbitmqtest.Connect(t, broker)
		rec := &openRecorder{}
		owner := newOwner(t, conn, rec)
		require.NoError(t, owner.Init(context.Background()))

		owner.Shutdown()
		broker.DropConnections()
		require.Eventually(t, conn.IsConnected, waitFor, tick)
		time.Sleep(20 * time.Millisecond)

		assert.False(t, owner.IsOpen())
		assert.Equal(t, 1, rec.Opens())
		assert.ErrorIs(t, owner.Init(context.Background()), rabbitmq.ErrChannelClosed)
	})
}
