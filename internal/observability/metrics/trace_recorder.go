package metrics

import (
	"context"

	"github.com/kirillkom/grounded-retrieval/internal/core/domain"
	"github.com/kirillkom/grounded-retrieval/internal/core/ports"
)

type TraceObserver interface {
	ObserveTrace(service string, trace domain.TraceRecord)
}

// TraceRecorder observes every trace before handing it to the next sink.
// Metrics are recorded even when the next sink fails.
type TraceRecorder struct {
	service  string
	observer TraceObserver
	next     ports.TraceSink
}

var _ ports.TraceSink = (*TraceRecorder)(nil)

func NewTraceRecorder(service string, observer TraceObserver, next ports.TraceSink) *TraceRecorder {
	return &TraceRecorder{service: service, observer: observer, next: next}
}

func (r *TraceRecorder) Record(ctx context.Context, trace domain.TraceRecord) error {
	if r.observer != nil {
		r.observer.ObserveTrace(r.service, trace)
	}
	if r.next == nil {
		return nil
	}
	return r.next.Record(ctx, trace)
}
