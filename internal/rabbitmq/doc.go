// Package rabbitmq holds the broker plumbing shared by every role.
//
// This package includes:
//   - Connection: one AMQP connection, reconnected after the broker drops it
//   - ChannelOwner: one channel per role, reopened and re-declared after loss
//   - Topology helpers for exchanges, queues and bindings
//   - AMQPConnection and AMQPChannel seams over amqp091-go, with an
//     in-memory broker in the rabbitmqtest subpackage
//
// Roles never queue work while a channel is down. Callers get
// ErrChannelNotReady and decide for themselves whether to retry.
package rabbitmq
