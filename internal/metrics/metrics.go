// Package metrics provides Prometheus metrics for the relay and its clients.
package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "relaybridge"
)

// Metrics contains all Prometheus metrics.
type Metrics struct {
	// Session metrics
	SessionsActive *prometheus.GaugeVec
	SessionsTotal  *prometheus.CounterVec
	AuthFailures   prometheus.Counter

	// Pairing metrics
	PairingsActive prometheus.Gauge
	PairingsTotal  prometheus.Counter

	// Routing metrics
	EnvelopesReceived *prometheus.CounterVec
	EnvelopesRouted   *prometheus.CounterVec
	EnvelopesDropped  *prometheus.CounterVec
	SendFailures      *prometheus.CounterVec
	ErrorResponses    prometheus.Counter
	SendLatency       prometheus.Histogram
	HandlerPanics     prometheus.Counter

	// Client metrics
	AgentRequests       *prometheus.CounterVec
	AgentRequestLatency prometheus.Histogram
	ProxyRequests       *prometheus.CounterVec
	ProxyLatency        prometheus.Histogram
	Reconnects          *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// Unregistered returns metrics backed by a private registry, for
// components that were not given one.
func Unregistered() *Metrics {
	return NewMetricsWithRegistry(prometheus.NewRegistry())
}

// NewMetricsWithRegistry creates metrics registered with reg.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	latencyBuckets := []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

	m := &Metrics{
		SessionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently registered sessions by role",
		}, []string{"role"}),
		SessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of admitted sessions by role",
		}, []string{"role"}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total number of connections rejected for an invalid token",
		}),

		PairingsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pairings_active",
			Help:      "Number of current requester/agent pairings",
		}),
		PairingsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairings_total",
			Help:      "Total number of pairings established",
		}),

		EnvelopesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_received_total",
			Help:      "Total envelopes received by sender role and type",
		}, []string{"role", "type"}),
		EnvelopesRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_routed_total",
			Help:      "Total envelopes delivered to a peer by type",
		}, []string{"type"}),
		EnvelopesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_dropped_total",
			Help:      "Total inbound messages dropped by reason",
		}, []string{"reason"}),
		SendFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Total failed sends by destination role",
		}, []string{"role"}),
		ErrorResponses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "error_responses_total",
			Help:      "Total error Responses synthesized by the relay",
		}),
		SendLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_latency_seconds",
			Help:      "Histogram of websocket send latency in seconds",
			Buckets:   latencyBuckets,
		}),
		HandlerPanics: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_panics_total",
			Help:      "Total panics recovered while handling messages",
		}),

		AgentRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_requests_total",
			Help:      "Total HTTP requests executed by the agent by status class",
		}, []string{"status"}),
		AgentRequestLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_request_latency_seconds",
			Help:      "Histogram of agent HTTP request latency in seconds",
			Buckets:   latencyBuckets,
		}),
		ProxyRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_requests_total",
			Help:      "Total requests forwarded by the requester proxy by outcome",
		}, []string{"outcome"}),
		ProxyLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "proxy_latency_seconds",
			Help:      "Histogram of requester proxy round trip latency in seconds",
			Buckets:   latencyBuckets,
		}),
		Reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Total client reconnect attempts by role",
		}, []string{"role"}),
	}

	return m
}

// RecordSessionOpen records an admitted session.
func (m *Metrics) RecordSessionOpen(role string) {
	m.SessionsActive.WithLabelValues(role).Inc()
	m.SessionsTotal.WithLabelValues(role).Inc()
}

// RecordSessionClose records a released session.
func (m *Metrics) RecordSessionClose(role string) {
	m.SessionsActive.WithLabelValues(role).Dec()
}

// RecordAuthFailure records a rejected token.
func (m *Metrics) RecordAuthFailure() {
	m.AuthFailures.Inc()
}

// Paired records a new pairing.
func (m *Metrics) Paired(requesterID, agentID string) {
	m.PairingsActive.Inc()
	m.PairingsTotal.Inc()
}

// Unpaired records a dissolved pairing.
func (m *Metrics) Unpaired(requesterID, agentID string) {
	m.PairingsActive.Dec()
}

// RecordReceived records an inbound envelope.
func (m *Metrics) RecordReceived(role, envelopeType string) {
	m.EnvelopesReceived.WithLabelValues(role, envelopeType).Inc()
}

// RecordRouted records an envelope delivered to a peer.
func (m *Metrics) RecordRouted(envelopeType string, latencySeconds float64) {
	m.EnvelopesRouted.WithLabelValues(envelopeType).Inc()
	m.SendLatency.Observe(latencySeconds)
}

// RecordDropped records an inbound message that was not routed.
func (m *Metrics) RecordDropped(reason string) {
	m.EnvelopesDropped.WithLabelValues(reason).Inc()
}

// RecordSendFailure records a failed send towards role.
func (m *Metrics) RecordSendFailure(role string) {
	m.SendFailures.WithLabelValues(role).Inc()
}

// RecordErrorResponse records a relay-generated error Response.
func (m *Metrics) RecordErrorResponse() {
	m.ErrorResponses.Inc()
}

// RecordPanic records a recovered message handling panic.
func (m *Metrics) RecordPanic() {
	m.HandlerPanics.Inc()
}

// RecordAgentRequest records an HTTP request executed by the agent.
func (m *Metrics) RecordAgentRequest(statusCode int, latencySeconds float64) {
	m.AgentRequests.WithLabelValues(StatusClass(statusCode)).Inc()
	m.AgentRequestLatency.Observe(latencySeconds)
}

// RecordProxyRequest records a requester proxy round trip.
func (m *Metrics) RecordProxyRequest(outcome string, latencySeconds float64) {
	m.ProxyRequests.WithLabelValues(outcome).Inc()
	m.ProxyLatency.Observe(latencySeconds)
}

// RecordReconnect records a client reconnect attempt.
func (m *Metrics) RecordReconnect(role string) {
	m.Reconnects.WithLabelValues(role).Inc()
}

// StatusClass maps an HTTP status to its class label ("2xx", "5xx", ...).
func StatusClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return strconv.Itoa(code/100) + "xx"
}
