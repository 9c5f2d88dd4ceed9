package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPChannel is the subset of *amqp.Channel used by the roles.
type AMQPChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
	IsClosed() bool
}

// AMQPConnection is the subset of *amqp.Connection used by Connection.
type AMQPConnection interface {
	Channel() (AMQPChannel, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
	IsClosed() bool
}

// Dialer opens broker connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (AMQPConnection, error)
}

var _ AMQPChannel = (*amqp.Channel)(nil)

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, url string) (AMQPConnection, error)

// Dial implements Dialer
func (f DialerFunc) Dial(ctx context.Context, url string) (AMQPConnection, error) {
	return f(ctx, url)
}

// AMQPDialer dials with amqp091-go.
type AMQPDialer struct {
	// ConnectionName is reported to the broker in the client properties.
	ConnectionName string
	Heartbeat      time.Duration
	// Timeout bounds the TCP dial and the AMQP handshake.
	Timeout time.Duration
}

// Dial implements Dialer. The dial runs in the background so that ctx can
// abandon it; a connection that arrives after ctx is done is closed.
func (d AMQPDialer) Dial(ctx context.Context, url string) (AMQPConnection, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	cfg := amqp.Config{
		Heartbeat:  d.Heartbeat,
		Locale:     "en_US",
		Dial:       amqp.DefaultDial(timeout),
		Properties: amqp.NewConnectionProperties(),
	}
	if d.ConnectionName != "" {
		cfg.Properties.SetClientConnectionName(d.ConnectionName)
	}

	type result struct {
		conn *amqp.Connection
		err  error
	}
	done := make(chan result, 1)

	go func() {
		conn, err := amqp.DialConfig(url, cfg)
		done <- result{conn, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		return &amqpConnection{Connection: r.conn}, nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

type amqpConnection struct {
	*amqp.Connection
}

func (c *amqpConnection) Channel() (AMQPChannel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}
