package messaging

import (
	"errors"
	"fmt"
	"time"

	"github.com/glimte/burrow/internal/rabbitmq"
)

var (
	// ErrChannelNotReady is returned when a role has no open channel.
	ErrChannelNotReady = rabbitmq.ErrChannelNotReady

	ErrDecode         = errors.New("messaging: unable to decode message")
	ErrTimeout        = errors.New("messaging: rpc timeout")
	ErrReplyQueueLost = errors.New("messaging: reply queue replaced before response arrived")
	ErrNoHandlers     = errors.New("messaging: rpc server needs at least one handler")
	ErrNoQueue        = errors.New("messaging: queue name is required")

	// ErrUnknownOperation is sent back to callers, so it carries no prefix.
	ErrUnknownOperation = errors.New("unknown operation")
)

// RemoteError is an error reported by the RPC server for a call.
type RemoteError struct {
	Operation string
	Message   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc %s failed: %s", e.Operation, e.Message)
}

// TimeoutError reports a call that got no response in time.
type TimeoutError struct {
	Operation     string
	CorrelationID string
	Timeout       time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("rpc %s timed out after %s (correlation id %s)", e.Operation, e.Timeout, e.CorrelationID)
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}

// DecodeError reports a message body that could not be decoded.
type DecodeError struct {
	Queue string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("messaging: unable to decode message on %s: %v", e.Queue, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	return []error{ErrDecode, e.Err}
}
