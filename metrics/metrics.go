package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the keystore's Prometheus instruments.
type Metrics struct {
	registry *prometheus.Registry

	// OpsTotal counts completed operations by operation name and outcome
	// ("ok" or the error class).
	OpsTotal *prometheus.CounterVec

	// OpDuration observes end-to-end operation latency, including time
	// spent queued behind other operations on the same identity.
	OpDuration *prometheus.HistogramVec

	// QueueFlushes counts per-identity queue flushes caused by storage
	// unavailability.
	QueueFlushes prometheus.Counter
}

// New creates and registers the keystore metrics on a fresh registry.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		OpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Completed keystore operations by operation and outcome.",
		}, []string{"op", "outcome"}),
		OpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "End-to-end operation latency including queueing.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		QueueFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_flushes_total",
			Help:      "Per-identity queue flushes due to storage unavailability.",
		}),
	}

	reg.MustRegister(m.OpsTotal, m.OpDuration, m.QueueFlushes)
	return m
}

// ObserveOp records one completed operation.
func (m *Metrics) ObserveOp(op, outcome string, start time.Time) {
	m.OpsTotal.WithLabelValues(op, outcome).Inc()
	m.OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// MetricsServer serves the Prometheus scrape endpoint on its own
// listener, separate from the API server.
type MetricsServer struct {
	srv *http.Server
}

// NewServer creates a metrics server for the given metrics on addr.
func NewServer(m *Metrics, addr string) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	return &MetricsServer{
		srv: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// ListenAndServe blocks serving scrapes until Shutdown.
func (s *MetricsServer) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the metrics server.
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
