package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments the execution control plane
// updates as jobs move through the queue and worker.
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	QueueDepth        prometheus.Gauge
	JobsTotal         *prometheus.CounterVec
	JobDuration       prometheus.Histogram
}

// NewMetrics registers and returns the control plane's metric set against
// reg. Pass prometheus.NewRegistry() for test isolation, or
// prometheus.DefaultRegisterer in production.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "nodeflow_connections_active",
			Help: "Number of currently bound WebSocket sessions.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "nodeflow_queue_depth",
			Help: "Number of jobs currently pending execution.",
		}),
		JobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nodeflow_jobs_total",
			Help: "Total number of jobs that reached a terminal state, by outcome.",
		}, []string{"outcome"}),
		JobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "nodeflow_job_duration_seconds",
			Help:    "Wall clock duration of executed jobs.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
}

// Handler returns the HTTP handler serving /metrics in the Prometheus
// exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
