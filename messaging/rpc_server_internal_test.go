package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/burrow/internal/rabbitmq"
)

type mockAcknowledger struct {
	mock.Mock
}

func (m *mockAcknowledger) Ack(tag uint64, multiple bool) error {
	return m.Called(tag, multiple).Error(0)
}

func (m *mockAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	return m.Called(tag, multiple, requeue).Error(0)
}

func (m *mockAcknowledger) Reject(tag uint64, requeue bool) error {
	return m.Called(tag, requeue).Error(0)
}

func newTestServer(t *testing.T, cfg RPCServerConfig) *RPCServer {
	t.Helper()
	handlers := Handlers{
		"echo": func(_ context.Context, p Params) (any, error) {
			var s string
			if err := p.Decode(0, &s); err != nil {
				return nil, err
			}
			return s, nil
		},
		"fail": func(context.Context, Params) (any, error) {
			return nil, errors.New("boom")
		},
		"unencodable": func(context.Context, Params) (any, error) {
			return func() {}, nil
		},
	}
	s, err := NewRPCServer(rabbitmq.NewConnection("amqp://localhost/"), handlers, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func request(ack amqp.Acknowledger, body string) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger:  ack,
		DeliveryTag:   7,
		CorrelationId: "c-7",
		ReplyTo:       "replies",
		Body:          []byte(body),
	}
}

func TestRPCServerAcknowledgement(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		ackErrors bool
		acked     bool
	}{
		{name: "success is acked", body: `{"operation":"echo","params":["hi"]}`, acked: true},
		{name: "failure stays unacked", body: `{"operation":"fail","params":[]}`},
		{name: "failure acked when configured", body: `{"operation":"fail"}`, ackErrors: true, acked: true},
		{name: "unknown operation stays unacked", body: `{"operation":"nope"}`},
		{name: "unencodable result stays unacked", body: `{"operation":"unencodable"}`},
		{name: "undecodable request is always acked", body: `[1,2`, acked: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, RPCServerConfig{Queue: "q", AckErrors: tt.ackErrors})

			ack := &mockAcknowledger{}
			if tt.acked {
				ack.On("Ack", uint64(7), false).Return(nil).Once()
			}

			// no channel is open, so replies are dropped after the ack decision
			s.handle(request(ack, tt.body))

			ack.AssertExpectations(t)
			if !tt.acked {
				ack.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)
			}
			ack.AssertNotCalled(t, "Nack", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestRPCServerAckFailureIsTolerated(t *testing.T) {
	s := newTestServer(t, RPCServerConfig{Queue: "q"})

	ack := &mockAcknowledger{}
	ack.On("Ack", uint64(7), false).Return(amqp.ErrClosed).Once()

	assert.NotPanics(t, func() {
		s.handle(request(ack, `{"operation":"echo","params":["hi"]}`))
	})
	ack.AssertExpectations(t)
}

func TestParams(t *testing.T) {
	p := Params{json.RawMessage(`1`), json.RawMessage(`"two"`)}
	assert.Equal(t, 2, p.Len())

	var n int
	require.NoError(t, p.Decode(0, &n))
	assert.Equal(t, 1, n)

	var s string
	require.NoError(t, p.Decode(1, &s))
	assert.Equal(t, "two", s)

	assert.ErrorContains(t, p.Decode(2, &s), "missing parameter 2")
	assert.ErrorContains(t, p.Decode(1, &n), "parameter 1")
}

func TestResultDecode(t *testing.T) {
	var v map[string]int
	require.NoError(t, Result{Raw: json.RawMessage(`{"a":1}`)}.Decode(&v))
	assert.Equal(t, map[string]int{"a": 1}, v)

	assert.Error(t, Result{}.Decode(&v))
}
