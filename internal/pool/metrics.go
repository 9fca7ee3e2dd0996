package pool

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus collectors for a pool
type Metrics struct {
	queueDepth prometheus.Gauge
	units      prometheus.Gauge
	active     prometheus.Gauge
	submitted  prometheus.Counter
	processed  prometheus.Counter
	failed     prometheus.Counter
	duration   *prometheus.HistogramVec
}

// NewMetrics creates pool metrics named <prefix>_* and registers them
// with reg when reg is not nil
func NewMetrics(reg prometheus.Registerer, prefix string) *Metrics {
	m := &Metrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_queue_depth",
			Help: "Work items waiting for a free unit",
		}),
		units: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_units",
			Help: "Live execution units",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_active_units",
			Help: "Units currently running a work item",
		}),
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_submitted_total",
			Help: "Total work items submitted",
		}),
		processed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_processed_total",
			Help: "Total work items processed",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_failed_total",
			Help: "Total work items that returned an error or panicked",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prefix + "_processing_duration_seconds",
			Help:    "Time spent running one work item",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"status"}),
	}

	if reg != nil {
		reg.MustRegister(m.queueDepth, m.units, m.active, m.submitted, m.processed, m.failed, m.duration)
	}
	return m
}
