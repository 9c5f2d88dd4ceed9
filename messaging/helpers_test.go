package messaging_test

import (
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/burrow/internal/rabbitmq/rabbitmqtest"
	"github.com/glimte/burrow/messaging"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func fastRole(opts ...messaging.Option) []messaging.Option {
	return append([]messaging.Option{
		messaging.WithSettleDelay(time.Millisecond),
		messaging.WithRetryPolicy(rabbitmqtest.FastRetry()),
	}, opts...)
}

func jsonMsg(body string) amqp.Publishing {
	return amqp.Publishing{ContentType: "application/json", Body: []byte(body)}
}

type received struct {
	key     string
	payload any
}

type inbox struct {
	mu   sync.Mutex
	msgs []received
}

func (in *inbox) handle(key string, payload any, _ amqp.Delivery) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.msgs = append(in.msgs, received{key: key, payload: payload})
}

func (in *inbox) all() []received {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]received(nil), in.msgs...)
}

func (in *inbox) len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.msgs)
}
