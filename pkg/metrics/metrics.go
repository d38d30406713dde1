// Package metrics exposes per-node Prometheus counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons.
const (
	ReasonMalformed = "malformed"
	ReasonRead      = "read"
)

// Metrics holds the counters of one overlay node. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Received     prometheus.Counter
	Delivered    prometheus.Counter
	Forwarded    prometheus.Counter
	Dropped      *prometheus.CounterVec
	SendFailures prometheus.Counter
	Discoveries  *prometheus.CounterVec
}

// New registers the node counters on a private registry, so several nodes
// can share a process.
func New(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "received_total",
			Help:      "Envelopes read from inbound connections",
		}),
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivered_total",
			Help:      "Envelopes consumed by this node",
		}),
		Forwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forwarded_total",
			Help:      "Envelope copies sent to neighbors or destinations",
		}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_total",
			Help:      "Inbound lines dropped before routing",
		}, []string{"reason"}),
		SendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Outbound connections that failed to deliver a line",
		}),
		Discoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discoveries_total",
			Help:      "Public key discovery attempts",
		}, []string{"result"}),
	}

	m.registry.MustRegister(m.Received, m.Delivered, m.Forwarded, m.Dropped, m.SendFailures, m.Discoveries)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncReceived() {
	if m != nil {
		m.Received.Inc()
	}
}

func (m *Metrics) IncDelivered() {
	if m != nil {
		m.Delivered.Inc()
	}
}

func (m *Metrics) IncForwarded() {
	if m != nil {
		m.Forwarded.Inc()
	}
}

func (m *Metrics) IncDropped(reason string) {
	if m != nil {
		m.Dropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) IncSendFailure() {
	if m != nil {
		m.SendFailures.Inc()
	}
}

func (m *Metrics) ObserveDiscovery(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.Discoveries.WithLabelValues(result).Inc()
}
