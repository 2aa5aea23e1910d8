package logging

import (
	"context"
	"log/slog"

	"github.com/kirillkom/grounded-retrieval/internal/core/domain"
	"github.com/kirillkom/grounded-retrieval/internal/core/ports"
)

// TraceLogger writes audit records to the structured log.
type TraceLogger struct {
	logger *slog.Logger
}

var _ ports.TraceSink = (*TraceLogger)(nil)

func NewTraceLogger(logger *slog.Logger) *TraceLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &TraceLogger{logger: logger}
}

func (l *TraceLogger) Record(ctx context.Context, trace domain.TraceRecord) error {
	ranked := make([]string, 0, len(trace.Ranked))
	for _, r := range trace.Ranked {
		ranked = append(ranked, r.PassageID)
	}
	l.logger.InfoContext(ctx, "workflow_trace",
		"trace_id", trace.ID,
		"request_id", trace.RequestID,
		"kind", trace.Kind,
		"status", trace.Status,
		"reject_reason", trace.RejectReason,
		"partial", trace.Partial,
		"legs", trace.Legs,
		"rerank_status", trace.RerankStatus,
		"ranked", ranked,
		"generations", trace.Generations,
		"findings", len(trace.GuardrailFindings),
		"suppressed", trace.SuppressedIDs,
		"states", trace.States,
		"duration_ms", trace.Duration().Milliseconds(),
	)
	return nil
}
