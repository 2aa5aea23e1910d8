package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/grounded-retrieval/internal/core/domain"
)

const namespace = "grounded"

type HTTPServerMetrics struct {
	registry *prometheus.Registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge
	requestShed     *prometheus.CounterVec

	workflowTotal     *prometheus.CounterVec
	workflowDuration  *prometheus.HistogramVec
	workflowResults   *prometheus.HistogramVec
	legStatusTotal    *prometheus.CounterVec
	rerankStatusTotal *prometheus.CounterVec
	generations       *prometheus.HistogramVec
	findingsTotal     *prometheus.CounterVec
	suppressedTotal   *prometheus.CounterVec
	upstreamRetries   *prometheus.CounterVec
}

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"service", "method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	requestShed := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "shed_requests_total",
			Help:      "Requests rejected by the in-flight limiter.",
		},
		[]string{"service", "path"},
	)
	workflowTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "completed_total",
			Help:      "Completed retrieve/answer workflows by final status.",
		},
		[]string{"service", "kind", "status", "reject_reason"},
	)
	workflowDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "duration_seconds",
			Help:      "Workflow duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"service", "kind"},
	)
	workflowResults := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "ranked_passages",
			Help:      "Distribution of ranked passages per workflow.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21, 34, 50},
		},
		[]string{"service", "kind"},
	)
	legStatusTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "leg_total",
			Help:      "Retriever leg outcomes by method and status.",
		},
		[]string{"service", "method", "status"},
	)
	rerankStatusTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rerank",
			Name:      "status_total",
			Help:      "Reranker outcomes per workflow.",
		},
		[]string{"service", "status"},
	)
	generations := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "answer",
			Name:      "generations",
			Help:      "Generation attempts per answer workflow.",
			Buckets:   []float64{0, 1, 2},
		},
		[]string{"service"},
	)
	findingsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "guardrail",
			Name:      "findings_total",
			Help:      "Guardrail findings by category, severity and source.",
		},
		[]string{"service", "category", "severity", "source"},
	)
	suppressedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "guardrail",
			Name:      "suppressed_passages_total",
			Help:      "Retrieved passages withheld from generation.",
		},
		[]string{"service"},
	)
	upstreamRetries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "retries_total",
			Help:      "Retried upstream calls by operation.",
		},
		[]string{"service", "operation"},
	)

	registry.MustRegister(
		requestTotal,
		requestDuration,
		requestInFlight,
		requestShed,
		workflowTotal,
		workflowDuration,
		workflowResults,
		legStatusTotal,
		rerankStatusTotal,
		generations,
		findingsTotal,
		suppressedTotal,
		upstreamRetries,
	)

	return &HTTPServerMetrics{
		registry:          registry,
		requestTotal:      requestTotal,
		requestDuration:   requestDuration,
		requestInFlight:   requestInFlight,
		requestShed:       requestShed,
		workflowTotal:     workflowTotal,
		workflowDuration:  workflowDuration,
		workflowResults:   workflowResults,
		legStatusTotal:    legStatusTotal,
		rerankStatusTotal: rerankStatusTotal,
		generations:       generations,
		findingsTotal:     findingsTotal,
		suppressedTotal:   suppressedTotal,
		upstreamRetries:   upstreamRetries,
	}
}

func (m *HTTPServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *HTTPServerMetrics) Middleware(service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := normalizePath(r.URL.Path)
		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		next.ServeHTTP(recorder, r)

		m.requestTotal.WithLabelValues(
			service,
			r.Method,
			path,
			strconv.Itoa(recorder.statusCode),
		).Inc()
		m.requestDuration.WithLabelValues(service, r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func normalizePath(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1/traces/"):
		return "/v1/traces/{trace_id}"
	default:
		return path
	}
}

func (m *HTTPServerMetrics) RecordShed(service, path string) {
	m.requestShed.WithLabelValues(service, normalizePath(path)).Inc()
}

// ObserveTrace records one completed workflow.
func (m *HTTPServerMetrics) ObserveTrace(service string, trace domain.TraceRecord) {
	kind := string(trace.Kind)
	m.workflowTotal.WithLabelValues(service, kind, string(trace.Status), string(trace.RejectReason)).Inc()
	m.workflowDuration.WithLabelValues(service, kind).Observe(trace.Duration().Seconds())
	m.workflowResults.WithLabelValues(service, kind).Observe(float64(len(trace.Ranked)))

	for method, status := range trace.Legs {
		m.legStatusTotal.WithLabelValues(service, string(method), string(status)).Inc()
	}
	if trace.RerankStatus != "" {
		m.rerankStatusTotal.WithLabelValues(service, string(trace.RerankStatus)).Inc()
	}
	if trace.Kind == domain.WorkflowAnswer {
		m.generations.WithLabelValues(service).Observe(float64(trace.Generations))
	}
	for _, f := range trace.GuardrailFindings {
		m.findingsTotal.WithLabelValues(service, string(f.Category), string(f.Severity), string(f.Source)).Inc()
	}
	if n := len(trace.SuppressedIDs); n > 0 {
		m.suppressedTotal.WithLabelValues(service).Add(float64(n))
	}
}

// RetryObserver plugs into resilience.WithRetryObserver.
func (m *HTTPServerMetrics) RetryObserver(service string) func(operation string, attempt int, err error) {
	return func(operation string, _ int, _ error) {
		m.upstreamRetries.WithLabelValues(service, operation).Inc()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Flush() {
	flusher, ok := w.ResponseWriter.(http.Flusher)
	if ok {
		flusher.Flush()
	}
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}

func (w *statusRecorder) Push(target string, opts *http.PushOptions) error {
	pusher, ok := w.ResponseWriter.(http.Pusher)
	if !ok {
		return http.ErrNotSupported
	}
	return pusher.Push(target, opts)
}
