package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/grounded-retrieval/internal/core/domain"
)

// WorkerMetrics covers the trace worker: persistence outcome, latency and
// end-to-end lag from workflow completion to durable storage.
type WorkerMetrics struct {
	registry *prometheus.Registry
	service  string
	now      func() time.Time

	persistTotal    *prometheus.CounterVec
	persistDuration *prometheus.HistogramVec
	persistInFlight prometheus.Gauge
	lastPersisted   prometheus.Gauge
	traceLag        prometheus.Histogram
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	constLabels := prometheus.Labels{"service": service}
	m := &WorkerMetrics{
		registry: prometheus.NewRegistry(),
		service:  service,
		now:      time.Now,
		persistTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "worker",
			Name:        "trace_persist_total",
			Help:        "Audit traces handled by the worker, by kind and status.",
			ConstLabels: constLabels,
		}, []string{"kind", "status"}),
		persistDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "worker",
			Name:        "trace_persist_duration_seconds",
			Help:        "Time spent writing one audit trace, by status.",
			Buckets:     []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			ConstLabels: constLabels,
		}, []string{"status"}),
		persistInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "worker",
			Name:        "trace_persist_in_flight",
			Help:        "Audit traces currently being written.",
			ConstLabels: constLabels,
		}),
		lastPersisted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "worker",
			Name:        "trace_last_persisted_timestamp_seconds",
			Help:        "Unix time of the last successfully persisted trace.",
			ConstLabels: constLabels,
		}),
		traceLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "worker",
			Name:        "trace_lag_seconds",
			Help:        "Delay between workflow completion and trace persistence.",
			Buckets:     []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
			ConstLabels: constLabels,
		}),
	}
	m.registry.MustRegister(m.persistTotal, m.persistDuration, m.persistInFlight, m.lastPersisted, m.traceLag)
	return m
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// TrackPersist marks one trace as in flight. The returned func must be called
// exactly once with the write result.
func (m *WorkerMetrics) TrackPersist(trace domain.TraceRecord) func(error) {
	started := m.now()
	m.persistInFlight.Inc()

	return func(err error) {
		m.persistInFlight.Dec()
		finished := m.now()

		status := "success"
		if err != nil {
			status = "error"
		}
		m.persistTotal.WithLabelValues(string(trace.Kind), status).Inc()
		m.persistDuration.WithLabelValues(status).Observe(finished.Sub(started).Seconds())
		if err != nil {
			return
		}

		m.lastPersisted.Set(float64(finished.Unix()))
		if !trace.FinishedAt.IsZero() {
			if lag := finished.Sub(trace.FinishedAt); lag >= 0 {
				m.traceLag.Observe(lag.Seconds())
			}
		}
	}
}
