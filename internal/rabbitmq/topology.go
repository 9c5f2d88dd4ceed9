package rabbitmq

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange kinds
const (
	ExchangeTopic  = amqp.ExchangeTopic
	ExchangeDirect = amqp.ExchangeDirect
	ExchangeFanout = amqp.ExchangeFanout
)

// DefaultBindingKeys is used when a consumer names no keys.
var DefaultBindingKeys = []string{"#"}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared.
// An empty Name asks the broker to generate one.
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	// MessageTTL sets x-message-ttl when positive.
	MessageTTL time.Duration
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// DeclareExchange declares an exchange on ch.
func DeclareExchange(ch AMQPChannel, exchange ExchangeDeclaration) error {
	kind := exchange.Type
	if kind == "" {
		kind = ExchangeTopic
	}
	err := ch.ExchangeDeclare(
		exchange.Name,
		kind,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
	if err != nil {
		return &TopologyError{Component: "exchange", Name: exchange.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// DeclareQueue declares a queue on ch and returns the broker's view of it,
// including the generated name for server-named queues.
func DeclareQueue(ch AMQPChannel, queue QueueDeclaration) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.arguments(),
	)
	if err != nil {
		return amqp.Queue{}, &TopologyError{Component: "queue", Name: queue.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return q, nil
}

// BindQueue binds a queue to an exchange on ch.
func BindQueue(ch AMQPChannel, binding Binding) error {
	err := ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
	if err != nil {
		return &TopologyError{Component: "binding", Name: binding.Queue + "<-" + binding.Exchange + ":" + binding.RoutingKey,
			Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// BindKeys binds queue to exchange once per key. Nil keys mean
// DefaultBindingKeys. Nothing is bound on the default exchange.
func BindKeys(ch AMQPChannel, queue, exchange string, keys []string) error {
	if exchange == "" {
		return nil
	}
	if keys == nil {
		keys = DefaultBindingKeys
	}
	for _, key := range keys {
		if err := BindQueue(ch, Binding{Queue: queue, Exchange: exchange, RoutingKey: key}); err != nil {
			return err
		}
	}
	return nil
}

func (q QueueDeclaration) arguments() amqp.Table {
	if q.MessageTTL <= 0 {
		return q.Arguments
	}
	args := amqp.Table{}
	for k, v := range q.Arguments {
		args[k] = v
	}
	args["x-message-ttl"] = q.MessageTTL.Milliseconds()
	return args
}
