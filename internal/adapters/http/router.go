package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/grounded-retrieval/internal/config"
	"github.com/kirillkom/grounded-retrieval/internal/core/domain"
	"github.com/kirillkom/grounded-retrieval/internal/core/ports"
	"github.com/kirillkom/grounded-retrieval/internal/observability/metrics"
)

const (
	serviceName       = "api"
	readinessTimeout  = 2 * time.Second
	defaultMaxBodyLen = 64 * 1024
)

// ReadinessCheck reports whether one upstream dependency is reachable.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Option func(*Router)

func WithLogger(logger *slog.Logger) Option {
	return func(rt *Router) {
		if logger != nil {
			rt.logger = logger
		}
	}
}

func WithMetrics(m *metrics.HTTPServerMetrics) Option {
	return func(rt *Router) { rt.metrics = m }
}

func WithTraceReader(reader ports.TraceReader) Option {
	return func(rt *Router) { rt.traces = reader }
}

func WithRerankerStatus(reader ports.RerankerStatusReader) Option {
	return func(rt *Router) { rt.reranker = reader }
}

func WithReadinessChecks(checks ...ReadinessCheck) Option {
	return func(rt *Router) { rt.readiness = append(rt.readiness, checks...) }
}

type Router struct {
	cfg       config.Config
	svc       ports.RetrievalService
	traces    ports.TraceReader
	reranker  ports.RerankerStatusReader
	readiness []ReadinessCheck
	metrics   *metrics.HTTPServerMetrics
	logger    *slog.Logger
}

func NewRouter(cfg config.Config, svc ports.RetrievalService, opts ...Option) *Router {
	rt := &Router{
		cfg:    cfg,
		svc:    svc,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	mux.HandleFunc("GET /readyz", rt.readyz)
	mux.HandleFunc("POST /v1/retrieve", rt.retrieve)
	mux.HandleFunc("POST /v1/answer", rt.answer)
	mux.HandleFunc("GET /v1/traces/{id}", rt.getTrace)
	if rt.metrics != nil {
		mux.Handle("GET /metrics", rt.metrics.Handler())
	}

	var onShed func(*http.Request)
	if rt.metrics != nil {
		onShed = func(r *http.Request) { rt.metrics.RecordShed(serviceName, r.URL.Path) }
	}

	var handler http.Handler = mux
	handler = backpressureMiddleware(handler, rt.cfg.APIMaxInFlight, rt.cfg.APIBackpressureWait, onShed)
	handler = rateLimitMiddleware(handler, rt.cfg.APIRateLimitRPS, rt.cfg.APIRateLimitBurst)
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(serviceName, handler)
	}
	handler = accessLogMiddleware(rt.logger, handler)
	return requestIDMiddleware(handler)
}

type healthResponse struct {
	Status   string                 `json:"status"`
	Reranker *domain.RerankerHealth `json:"reranker,omitempty"`
}

// healthz is liveness only. A failed reranker is reported but never fails
// the check since retrieval keeps serving fused order.
func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok"}
	if rt.reranker != nil {
		status := rt.reranker.Status()
		resp.Reranker = &status
	}
	writeJSON(w, http.StatusOK, resp)
}

func (rt *Router) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	checks := make(map[string]string, len(rt.readiness))
	status := http.StatusOK
	for _, c := range rt.readiness {
		if err := c.Check(ctx); err != nil {
			checks[c.Name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[c.Name] = "ok"
	}

	state := "ready"
	if status != http.StatusOK {
		state = "not_ready"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": checks})
}

func (rt *Router) retrieve(w http.ResponseWriter, r *http.Request) {
	raw, ok := rt.decodeQuery(w, r)
	if !ok {
		return
	}

	rs, err := rt.svc.Retrieve(r.Context(), raw)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

type answerResponse struct {
	*domain.Answer
	TraceID   string `json:"trace_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func (rt *Router) answer(w http.ResponseWriter, r *http.Request) {
	raw, ok := rt.decodeQuery(w, r)
	if !ok {
		return
	}

	ans, err := rt.svc.Answer(r.Context(), raw)
	if ans == nil {
		if err == nil {
			err = errors.New("answer workflow returned no answer")
		}
		rt.writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if err != nil {
		status = answerStatus(err)
		rt.logger.Warn("answer_rejected",
			"request_id", raw.RequestID,
			"trace_id", ans.Trace.ID,
			"reject_reason", ans.RejectReason,
			"error", err,
		)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, answerResponse{
		Answer:    ans,
		TraceID:   ans.Trace.ID,
		RequestID: ans.Trace.RequestID,
	})
}

func (rt *Router) getTrace(w http.ResponseWriter, r *http.Request) {
	if rt.traces == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{
			Error:     "trace lookup is not configured",
			RequestID: requestIDFromContext(r.Context()),
		})
		return
	}

	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		rt.writeError(w, r, domain.NewValidationError("id", "trace id is required"))
		return
	}

	record, err := rt.traces.GetByID(r.Context(), id)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// decodeQuery reads {query, filters, k} and stamps the request id. Field
// validation is left to the workflow so every surface shares one rule set.
func (rt *Router) decodeQuery(w http.ResponseWriter, r *http.Request) (domain.RawQuery, bool) {
	limit := rt.cfg.APIMaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxBodyLen
	}
	body := http.MaxBytesReader(w, r.Body, limit)
	defer body.Close()

	var raw domain.RawQuery
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&raw); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{
				Error:     "request body too large",
				RequestID: requestIDFromContext(r.Context()),
			})
		case errors.Is(err, io.EOF):
			rt.writeError(w, r, domain.NewValidationError("body", "request body is empty"))
		default:
			rt.writeError(w, r, domain.NewValidationError("body", "invalid json"))
		}
		return domain.RawQuery{}, false
	}

	raw.RequestID = requestIDFromContext(r.Context())
	return raw, true
}

func (rt *Router) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		rt.logger.Error("request_failed",
			"request_id", requestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"status", status,
			"error", err,
		)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, newErrorResponse(err, requestIDFromContext(r.Context())))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
