// Package rabbitmqtest provides an in-memory broker that satisfies the
// rabbitmq dialer, connection and channel interfaces.
//
// It models the parts of RabbitMQ the client relies on: direct, fanout and
// topic exchanges, the default exchange, server-named queues, exclusive and
// auto-delete queues, per-channel prefetch, ack/nack/reject bookkeeping and
// requeue of unacknowledged deliveries when a channel goes away. Failures
// can be injected at dial time, on whole connections and on single
// channels.
package rabbitmqtest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/burrow/internal/rabbitmq"
)

// Published is a message accepted by the broker.
type Published struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

// Stats counts broker-side acknowledgement activity.
type Stats struct {
	Published    int
	Delivered    int
	Acked        int
	Nacked       int
	Rejected     int
	Requeued     int
	DeadLettered int
	Unroutable   int
}

// QueueInfo describes a declared queue.
type QueueInfo struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Args       amqp.Table
	Ready      int
	Unacked    int
	Consumers  int
}

type exchange struct {
	name     string
	kind     string
	durable  bool
	bindings []binding
}

type binding struct {
	queue string
	key   string
}

type queue struct {
	name         string
	durable      bool
	autoDelete   bool
	exclusive    bool
	args         amqp.Table
	owner        *Conn
	ready        []amqp.Delivery
	consumers    []*consumer
	next         int
	hadConsumers bool
}

type consumer struct {
	tag        string
	queue      string
	ch         *Channel
	autoAck    bool
	deliveries chan amqp.Delivery
}

type unacked struct {
	queue    string
	delivery amqp.Delivery
}

// Broker is an in-memory AMQP broker. The zero value is not usable; call
// NewBroker.
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]*exchange
	queues    map[string]*queue
	conns     []*Conn
	published []Published
	cancelled []string
	stats     Stats
	dialHook  func(ctx context.Context) error
	dials     int
	seq       int
}

// NewBroker returns a broker with the amq.direct, amq.fanout and amq.topic
// exchanges predeclared.
func NewBroker() *Broker {
	b := &Broker{
		exchanges: map[string]*exchange{},
		queues:    map[string]*queue{},
	}
	b.exchanges["amq.direct"] = &exchange{name: "amq.direct", kind: amqp.ExchangeDirect, durable: true}
	b.exchanges["amq.fanout"] = &exchange{name: "amq.fanout", kind: amqp.ExchangeFanout, durable: true}
	b.exchanges["amq.topic"] = &exchange{name: "amq.topic", kind: amqp.ExchangeTopic, durable: true}
	return b
}

var _ rabbitmq.Dialer = (*Broker)(nil)

// SetDialHook installs a function run before each dial. A non-nil error
// fails the dial. The hook may block; it receives the dial context.
func (b *Broker) SetDialHook(hook func(ctx context.Context) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialHook = hook
}

// SetDialError makes every dial fail with err until cleared with nil.
func (b *Broker) SetDialError(err error) {
	if err == nil {
		b.SetDialHook(nil)
		return
	}
	b.SetDialHook(func(context.Context) error { return err })
}

// Dial implements rabbitmq.Dialer
func (b *Broker) Dial(ctx context.Context, url string) (rabbitmq.AMQPConnection, error) {
	b.mu.Lock()
	hook := b.dialHook
	b.dials++
	b.mu.Unlock()

	if hook != nil {
		if err := hook(ctx); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	c := &Conn{broker: b}
	b.conns = append(b.conns, c)
	return c, nil
}

// Dials returns the number of dial attempts.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// OpenConnections returns the number of open connections.
func (b *Broker) OpenConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.conns {
		if !c.closed {
			n++
		}
	}
	return n
}

// DropConnections closes every open connection with a connection-forced
// error, as a broker restart would.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range b.conns {
		if !c.closed {
			c.shutdownLocked(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - broker forced connection closure", Server: true})
		}
	}
}

// Channels returns the open channels across all connections.
func (b *Broker) Channels() []*Channel {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*Channel
	for _, c := range b.conns {
		if c.closed {
			continue
		}
		for _, ch := range c.channels {
			if !ch.closed {
				out = append(out, ch)
			}
		}
	}
	return out
}

// ConsumerChannel returns the open channel consuming from queue.
func (b *Broker) ConsumerChannel(queue string) (*Channel, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queue]
	if !ok || len(q.consumers) == 0 {
		return nil, false
	}
	return q.consumers[0].ch, true
}

// Publish injects a message as if another client had published it.
func (b *Broker) Publish(exchangeName, key string, msg amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.publishLocked(exchangeName, key, msg)
}

// PublishedMessages returns every accepted publish in order.
func (b *Broker) PublishedMessages() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Published, len(b.published))
	copy(out, b.published)
	return out
}

// CancelledConsumers returns the tags of consumers cancelled by clients.
func (b *Broker) CancelledConsumers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.cancelled...)
}

// Stats returns a snapshot of the counters.
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Queue describes the named queue.
func (b *Broker) Queue(name string) (QueueInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return QueueInfo{}, false
	}
	info := QueueInfo{
		Name:       q.name,
		Durable:    q.durable,
		AutoDelete: q.autoDelete,
		Exclusive:  q.exclusive,
		Args:       q.args,
		Ready:      len(q.ready),
		Consumers:  len(q.consumers),
	}
	for _, c := range b.conns {
		for _, ch := range c.channels {
			for _, u := range ch.unacked {
				if u.queue == name {
					info.Unacked++
				}
			}
		}
	}
	return info, true
}

// QueueNames returns the declared queue names, sorted.
func (b *Broker) QueueNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Exchange returns the kind and durability of the named exchange.
func (b *Broker) Exchange(name string) (kind string, durable bool, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.exchanges[name]
	if !ok {
		return "", false, false
	}
	return ex.kind, ex.durable, true
}

// BindingKeys returns the keys binding queue to exchange.
func (b *Broker) BindingKeys(exchangeName, queue string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return nil
	}
	var keys []string
	for _, bd := range ex.bindings {
		if bd.queue == queue {
			keys = append(keys, bd.key)
		}
	}
	return keys
}

func (b *Broker) publishLocked(exchangeName, key string, msg amqp.Publishing) error {
	var targets []string
	if exchangeName == "" {
		if _, ok := b.queues[key]; ok {
			targets = []string{key}
		}
	} else {
		ex, ok := b.exchanges[exchangeName]
		if !ok {
			return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchangeName), Server: true}
		}
		seen := map[string]bool{}
		for _, bd := range ex.bindings {
			if seen[bd.queue] || !routes(ex.kind, bd.key, key) {
				continue
			}
			seen[bd.queue] = true
			targets = append(targets, bd.queue)
		}
	}

	b.stats.Published++
	b.published = append(b.published, Published{Exchange: exchangeName, RoutingKey: key, Msg: msg})
	if len(targets) == 0 {
		b.stats.Unroutable++
		return nil
	}

	for _, name := range targets {
		q := b.queues[name]
		q.ready = append(q.ready, amqp.Delivery{
			Headers:         msg.Headers,
			ContentType:     msg.ContentType,
			ContentEncoding: msg.ContentEncoding,
			DeliveryMode:    msg.DeliveryMode,
			Priority:        msg.Priority,
			CorrelationId:   msg.CorrelationId,
			ReplyTo:         msg.ReplyTo,
			Expiration:      msg.Expiration,
			MessageId:       msg.MessageId,
			Timestamp:       msg.Timestamp,
			Type:            msg.Type,
			UserId:          msg.UserId,
			AppId:           msg.AppId,
			Exchange:        exchangeName,
			RoutingKey:      key,
			Body:            append([]byte(nil), msg.Body...),
		})
		b.dispatchLocked(q)
	}
	return nil
}

func (b *Broker) dispatchLocked(q *queue) {
	for len(q.ready) > 0 && len(q.consumers) > 0 {
		var target *consumer
		for i := 0; i < len(q.consumers); i++ {
			c := q.consumers[(q.next+i)%len(q.consumers)]
			if c.autoAck || c.ch.prefetch == 0 || len(c.ch.unacked) < c.ch.prefetch {
				target = c
				q.next = (q.next + i + 1) % len(q.consumers)
				break
			}
		}
		if target == nil {
			return
		}

		d := q.ready[0]
		q.ready = q.ready[1:]

		ch := target.ch
		ch.tag++
		d.DeliveryTag = ch.tag
		d.ConsumerTag = target.tag
		d.Acknowledger = ch
		if !target.autoAck {
			ch.unacked[ch.tag] = unacked{queue: q.name, delivery: d}
		}
		b.stats.Delivered++

		select {
		case target.deliveries <- d:
		default:
			// consumer is not draining; hand the message back
			if !target.autoAck {
				delete(ch.unacked, ch.tag)
			}
			b.stats.Delivered--
			q.ready = append([]amqp.Delivery{d}, q.ready...)
			return
		}
	}
}

func (b *Broker) dispatchAllLocked() {
	for _, q := range b.queues {
		b.dispatchLocked(q)
	}
}

func (b *Broker) requeueLocked(u unacked) {
	q, ok := b.queues[u.queue]
	if !ok {
		return
	}
	d := u.delivery
	d.Redelivered = true
	d.Acknowledger = nil
	q.ready = append([]amqp.Delivery{d}, q.ready...)
	b.stats.Requeued++
}

func (b *Broker) removeConsumerLocked(c *consumer) {
	q, ok := b.queues[c.queue]
	if ok {
		for i, qc := range q.consumers {
			if qc == c {
				q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
				break
			}
		}
		if q.next >= len(q.consumers) {
			q.next = 0
		}
	}
	close(c.deliveries)

	if ok && q.autoDelete && q.hadConsumers && len(q.consumers) == 0 {
		b.deleteQueueLocked(q.name)
	}
}

func (b *Broker) deleteQueueLocked(name string) int {
	q, ok := b.queues[name]
	if !ok {
		return 0
	}
	delete(b.queues, name)
	for _, c := range q.consumers {
		close(c.deliveries)
		delete(c.ch.consumers, c.tag)
	}
	for _, ex := range b.exchanges {
		kept := ex.bindings[:0]
		for _, bd := range ex.bindings {
			if bd.queue != name {
				kept = append(kept, bd)
			}
		}
		ex.bindings = kept
	}
	return len(q.ready)
}

// routes reports whether a message with key matches a binding pattern.
func routes(kind, pattern, key string) bool {
	switch kind {
	case amqp.ExchangeFanout:
		return true
	case amqp.ExchangeTopic:
		return topicMatch(strings.Split(pattern, "."), strings.Split(key, "."))
	default:
		return pattern == key
	}
}

func topicMatch(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(words); i++ {
			if topicMatch(pattern[1:], words[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && topicMatch(pattern[1:], words[1:])
	default:
		return len(words) > 0 && pattern[0] == words[0] && topicMatch(pattern[1:], words[1:])
	}
}

// Conn is a connection to the in-memory broker.
type Conn struct {
	broker   *Broker
	channels []*Channel
	notify   []chan *amqp.Error
	closed   bool
}

var _ rabbitmq.AMQPConnection = (*Conn)(nil)

// Channel implements rabbitmq.AMQPConnection
func (c *Conn) Channel() (rabbitmq.AMQPChannel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{
		conn:      c,
		id:        len(c.channels) + 1,
		consumers: map[string]*consumer{},
		unacked:   map[uint64]unacked{},
	}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// NotifyClose implements rabbitmq.AMQPConnection
func (c *Conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

// Close implements rabbitmq.AMQPConnection
func (c *Conn) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	c.shutdownLocked(nil)
	return nil
}

// IsClosed implements rabbitmq.AMQPConnection
func (c *Conn) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

func (c *Conn) shutdownLocked(err *amqp.Error) {
	b := c.broker
	c.closed = true
	for _, ch := range c.channels {
		if !ch.closed {
			ch.shutdownLocked(err)
		}
	}
	for name, q := range b.queues {
		if q.exclusive && q.owner == c {
			b.deleteQueueLocked(name)
		}
	}
	notifyLocked(c.notify, err)
	c.notify = nil
	b.dispatchAllLocked()
}

func notifyLocked(receivers []chan *amqp.Error, err *amqp.Error) {
	for _, r := range receivers {
		if err != nil {
			select {
			case r <- err:
			default:
			}
		}
		close(r)
	}
}

// Channel is a channel on the in-memory broker. It also acknowledges the
// deliveries it hands out.
type Channel struct {
	conn      *Conn
	id        int
	prefetch  int
	tag       uint64
	consumers map[string]*consumer
	unacked   map[uint64]unacked
	notify    []chan *amqp.Error
	closed    bool
}

var (
	_ rabbitmq.AMQPChannel = (*Channel)(nil)
	_ amqp.Acknowledger    = (*Channel)(nil)
)

// Fail closes the channel with a server error, as a protocol violation would.
func (ch *Channel) Fail(code int, reason string) {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return
	}
	ch.shutdownLocked(&amqp.Error{Code: code, Reason: reason, Server: true})
	b.dispatchAllLocked()
}

// Prefetch returns the QoS prefetch count.
func (ch *Channel) Prefetch() int {
	ch.conn.broker.mu.Lock()
	defer ch.conn.broker.mu.Unlock()
	return ch.prefetch
}

func (ch *Channel) shutdownLocked(err *amqp.Error) {
	b := ch.conn.broker
	ch.closed = true
	for _, c := range ch.consumers {
		b.removeConsumerLocked(c)
	}
	ch.consumers = map[string]*consumer{}

	tags := make([]uint64, 0, len(ch.unacked))
	for tag := range ch.unacked {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] > tags[j] })
	for _, tag := range tags {
		b.requeueLocked(ch.unacked[tag])
	}
	ch.unacked = map[uint64]unacked{}

	notifyLocked(ch.notify, err)
	ch.notify = nil
}

func (ch *Channel) lock() (*Broker, error) {
	b := ch.conn.broker
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return nil, amqp.ErrClosed
	}
	return b, nil
}

// failLocked closes the channel with a channel-level exception.
func (ch *Channel) failLocked(err *amqp.Error) error {
	ch.shutdownLocked(err)
	ch.conn.broker.dispatchAllLocked()
	return err
}

// ExchangeDeclare implements rabbitmq.AMQPChannel
func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b, err := ch.lock()
	if err != nil {
		return err
	}
	defer b.mu.Unlock()

	if ex, ok := b.exchanges[name]; ok {
		if ex.kind != kind || ex.durable != durable {
			return ch.failLocked(&amqp.Error{Code: amqp.PreconditionFailed,
				Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg for exchange '%s'", name), Server: true})
		}
		return nil
	}
	b.exchanges[name] = &exchange{name: name, kind: kind, durable: durable}
	return nil
}

// ExchangeDeclarePassive implements rabbitmq.AMQPChannel
func (ch *Channel) ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b, err := ch.lock()
	if err != nil {
		return err
	}
	defer b.mu.Unlock()

	if _, ok := b.exchanges[name]; !ok {
		return ch.failLocked(&amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", name), Server: true})
	}
	return nil
}

// QueueDeclare implements rabbitmq.AMQPChannel
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b, err := ch.lock()
	if err != nil {
		return amqp.Queue{}, err
	}
	defer b.mu.Unlock()

	if name == "" {
		b.seq++
		name = fmt.Sprintf("amq.gen-%06d", b.seq)
	}

	if q, ok := b.queues[name]; ok {
		if q.exclusive && q.owner != ch.conn {
			return amqp.Queue{}, ch.failLocked(&amqp.Error{Code: amqp.ResourceLocked,
				Reason: fmt.Sprintf("RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '%s'", name), Server: true})
		}
		return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
	}

	q := &queue{
		name:       name,
		durable:    durable,
		autoDelete: autoDelete,
		exclusive:  exclusive,
		args:       args,
	}
	if exclusive {
		q.owner = ch.conn
	}
	b.queues[name] = q
	return amqp.Queue{Name: name}, nil
}

// QueueBind implements rabbitmq.AMQPChannel
func (ch *Channel) QueueBind(name, key, exchangeName string, noWait bool, args amqp.Table) error {
	b, err := ch.lock()
	if err != nil {
		return err
	}
	defer b.mu.Unlock()

	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return ch.failLocked(&amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchangeName), Server: true})
	}
	if _, ok := b.queues[name]; !ok {
		return ch.failLocked(&amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", name), Server: true})
	}
	for _, bd := range ex.bindings {
		if bd.queue == name && bd.key == key {
			return nil
		}
	}
	ex.bindings = append(ex.bindings, binding{queue: name, key: key})
	return nil
}

// QueueDelete implements rabbitmq.AMQPChannel
func (ch *Channel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	b, err := ch.lock()
	if err != nil {
		return 0, err
	}
	defer b.mu.Unlock()
	return b.deleteQueueLocked(name), nil
}

// Qos implements rabbitmq.AMQPChannel
func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	b, err := ch.lock()
	if err != nil {
		return err
	}
	defer b.mu.Unlock()
	ch.prefetch = prefetchCount
	return nil
}

// Consume implements rabbitmq.AMQPChannel
func (ch *Channel) Consume(queueName, tag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b, err := ch.lock()
	if err != nil {
		return nil, err
	}
	defer b.mu.Unlock()

	q, ok := b.queues[queueName]
	if !ok {
		return nil, ch.failLocked(&amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", queueName), Server: true})
	}
	if tag == "" {
		b.seq++
		tag = fmt.Sprintf("ctag-%d", b.seq)
	}

	c := &consumer{
		tag:        tag,
		queue:      queueName,
		ch:         ch,
		autoAck:    autoAck,
		deliveries: make(chan amqp.Delivery, 4096),
	}
	ch.consumers[tag] = c
	q.consumers = append(q.consumers, c)
	q.hadConsumers = true
	b.dispatchLocked(q)
	return c.deliveries, nil
}

// Cancel implements rabbitmq.AMQPChannel
func (ch *Channel) Cancel(tag string, noWait bool) error {
	b, err := ch.lock()
	if err != nil {
		return err
	}
	defer b.mu.Unlock()

	c, ok := ch.consumers[tag]
	if !ok {
		return nil
	}
	delete(ch.consumers, tag)
	b.cancelled = append(b.cancelled, tag)
	b.removeConsumerLocked(c)
	return nil
}

// PublishWithContext implements rabbitmq.AMQPChannel
func (ch *Channel) PublishWithContext(ctx context.Context, exchangeName, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := ch.lock()
	if err != nil {
		return err
	}
	defer b.mu.Unlock()

	if err := b.publishLocked(exchangeName, key, msg); err != nil {
		if amqpErr, ok := err.(*amqp.Error); ok {
			return ch.failLocked(amqpErr)
		}
		return err
	}
	return nil
}

// NotifyClose implements rabbitmq.AMQPChannel
func (ch *Channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.notify = append(ch.notify, receiver)
	return receiver
}

// Close implements rabbitmq.AMQPChannel
func (ch *Channel) Close() error {
	b, err := ch.lock()
	if err != nil {
		return err
	}
	defer b.mu.Unlock()
	ch.shutdownLocked(nil)
	b.dispatchAllLocked()
	return nil
}

// IsClosed implements rabbitmq.AMQPChannel
func (ch *Channel) IsClosed() bool {
	ch.conn.broker.mu.Lock()
	defer ch.conn.broker.mu.Unlock()
	return ch.closed
}

// Ack implements amqp.Acknowledger
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	b, err := ch.lock()
	if err != nil {
		return err
	}
	defer b.mu.Unlock()

	tags, err := ch.settleLocked(tag, multiple)
	if err != nil {
		return err
	}
	for _, t := range tags {
		delete(ch.unacked, t)
		b.stats.Acked++
	}
	b.dispatchAllLocked()
	return nil
}

// Nack implements amqp.Acknowledger
func (ch *Channel) Nack(tag uint64, multiple bool, requeue bool) error {
	b, err := ch.lock()
	if err != nil {
		return err
	}
	defer b.mu.Unlock()

	tags, err := ch.settleLocked(tag, multiple)
	if err != nil {
		return err
	}
	for _, t := range tags {
		u := ch.unacked[t]
		delete(ch.unacked, t)
		b.stats.Nacked++
		if requeue {
			b.requeueLocked(u)
		} else {
			b.stats.DeadLettered++
		}
	}
	b.dispatchAllLocked()
	return nil
}

// Reject implements amqp.Acknowledger
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	b, err := ch.lock()
	if err != nil {
		return err
	}
	defer b.mu.Unlock()

	u, ok := ch.unacked[tag]
	if !ok {
		return ch.unknownTagLocked(tag)
	}
	delete(ch.unacked, tag)
	b.stats.Rejected++
	if requeue {
		b.requeueLocked(u)
	} else {
		b.stats.DeadLettered++
	}
	b.dispatchAllLocked()
	return nil
}

func (ch *Channel) settleLocked(tag uint64, multiple bool) ([]uint64, error) {
	if !multiple {
		if _, ok := ch.unacked[tag]; !ok {
			return nil, ch.unknownTagLocked(tag)
		}
		return []uint64{tag}, nil
	}
	var tags []uint64
	for t := range ch.unacked {
		if t <= tag {
			tags = append(tags, t)
		}
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags, nil
}

func (ch *Channel) unknownTagLocked(tag uint64) error {
	return ch.failLocked(&amqp.Error{Code: amqp.PreconditionFailed,
		Reason: fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag), Server: true})
}
