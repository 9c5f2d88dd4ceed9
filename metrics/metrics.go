// Package metrics exposes Prometheus collectors for the connection, channel
// and messaging roles.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "burrow"

// Outcome labels shared by the counters.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeDecode  = "decode_error"
	OutcomeTimeout = "timeout"
	OutcomeDropped = "dropped"
)

// Metrics holds the collectors registered for one process.
type Metrics struct {
	connectionState   prometheus.Gauge
	reconnectAttempts prometheus.Counter
	channelOpens      *prometheus.CounterVec
	published         *prometheus.CounterVec
	consumed          *prometheus.CounterVec
	rpcCalls          *prometheus.CounterVec
	rpcCallDuration   *prometheus.HistogramVec
	rpcPending        prometheus.Gauge
	rpcRequests       *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
// A nil reg falls back to prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_up",
			Help:      "1 when the broker connection is established, 0 otherwise",
		}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_reconnect_attempts_total",
			Help:      "Number of connection reconnect attempts",
		}),
		channelOpens: createCounterVec("channel_opens_total", "Number of channels opened per role", []string{"role", "outcome"}),
		published:    createCounterVec("messages_published_total", "Number of messages published", []string{"exchange", "outcome"}),
		consumed:     createCounterVec("messages_consumed_total", "Number of deliveries handled by consumers", []string{"queue", "outcome"}),
		rpcCalls:     createCounterVec("rpc_calls_total", "Number of RPC calls issued by clients", []string{"operation", "outcome"}),
		rpcCallDuration: createHistogramVec("rpc_call_duration_seconds", "Latency of RPC calls as seen by the client",
			[]string{"operation"}, prometheus.DefBuckets),
		rpcPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rpc_pending_calls",
			Help:      "Number of RPC calls awaiting a response",
		}),
		rpcRequests: createCounterVec("rpc_requests_total", "Number of RPC requests handled by servers", []string{"operation", "outcome"}),
	}

	reg.MustRegister(
		m.connectionState,
		m.reconnectAttempts,
		m.channelOpens,
		m.published,
		m.consumed,
		m.rpcCalls,
		m.rpcCallDuration,
		m.rpcPending,
		m.rpcRequests,
	)

	return m
}

// SetConnected records the connection state.
func (m *Metrics) SetConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.connectionState.Set(1)
		return
	}
	m.connectionState.Set(0)
}

// IncReconnectAttempts counts one reconnect attempt.
func (m *Metrics) IncReconnectAttempts() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

// IncChannelOpens counts a channel open attempt for a role.
func (m *Metrics) IncChannelOpens(role, outcome string) {
	if m == nil {
		return
	}
	m.channelOpens.WithLabelValues(role, outcome).Inc()
}

// IncPublished counts a publish.
func (m *Metrics) IncPublished(exchange, outcome string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(exchangeLabel(exchange), outcome).Inc()
}

// IncConsumed counts a delivery handled by a consumer.
func (m *Metrics) IncConsumed(queue, outcome string) {
	if m == nil {
		return
	}
	m.consumed.WithLabelValues(queue, outcome).Inc()
}

// ObserveRPCCall records the outcome and latency of a client call.
// Example: defer m.ObserveRPCCall(time.Now(), "add", metrics.OutcomeSuccess)
func (m *Metrics) ObserveRPCCall(start time.Time, operation, outcome string) {
	if m == nil {
		return
	}
	m.rpcCalls.WithLabelValues(operation, outcome).Inc()
	m.rpcCallDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// AddPendingCalls moves the pending call gauge by delta.
func (m *Metrics) AddPendingCalls(delta int) {
	if m == nil {
		return
	}
	m.rpcPending.Add(float64(delta))
}

// IncRPCRequests counts a request handled by a server.
func (m *Metrics) IncRPCRequests(operation, outcome string) {
	if m == nil {
		return
	}
	m.rpcRequests.WithLabelValues(operation, outcome).Inc()
}

func exchangeLabel(exchange string) string {
	if exchange == "" {
		return "(default)"
	}
	return exchange
}

func createCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func createHistogramVec(name, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}
