package core

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "miraibot"

// Metrics holds Prometheus collectors for the runtime
type Metrics struct {
	eventsReceived    *prometheus.CounterVec
	eventsDropped     *prometheus.CounterVec
	transportErrors   *prometheus.CounterVec
	correlationMisses prometheus.Counter
	pendingRequests   prometheus.Gauge
}

// NewMetrics creates runtime metrics and registers them with reg when reg
// is not nil
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_received_total",
			Help:      "Inbound events by kind",
		}, []string{"kind"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_dropped_total",
			Help:      "Inbound events that reached no handler, by reason",
		}, []string{"reason"}),
		transportErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transport_errors_total",
			Help:      "Steady-state fetch and receive failures, by operation",
		}, []string{"op"}),
		correlationMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "correlation_misses_total",
			Help:      "Replies whose sync id had no pending request",
		}),
		pendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "pending_requests",
			Help:      "Commands waiting for a correlated reply",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.eventsReceived, m.eventsDropped, m.transportErrors,
			m.correlationMisses, m.pendingRequests)
	}
	return m
}
