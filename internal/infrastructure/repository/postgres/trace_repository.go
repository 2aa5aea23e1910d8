package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kirillkom/grounded-retrieval/internal/core/domain"
	"github.com/kirillkom/grounded-retrieval/internal/core/ports"
)

const traceSchemaLock int64 = 2026101401

// TraceRepository stores audit records write-once. Redelivered records with
// the same id are ignored.
type TraceRepository struct {
	db *sql.DB
}

var (
	_ ports.TraceSink   = (*TraceRepository)(nil)
	_ ports.TraceReader = (*TraceRepository)(nil)
)

var ErrTraceNotFound = domain.ErrTraceNotFound

func NewTraceRepository(db *sql.DB) *TraceRepository {
	return &TraceRepository{db: db}
}

func (r *TraceRepository) EnsureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS retrieval_traces (
	id TEXT PRIMARY KEY,
	request_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	reject_reason TEXT,
	partial BOOLEAN NOT NULL DEFAULT FALSE,
	rerank_status TEXT NOT NULL,
	generations INTEGER NOT NULL DEFAULT 0,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	record JSONB NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_retrieval_traces_request_id ON retrieval_traces(request_id);
CREATE INDEX IF NOT EXISTS idx_retrieval_traces_started_at ON retrieval_traces(started_at DESC);
`
	return withSchemaLock(ctx, r.db, traceSchemaLock, ddl)
}

func (r *TraceRepository) Record(ctx context.Context, trace domain.TraceRecord) error {
	if trace.ID == "" {
		return fmt.Errorf("record trace: empty id")
	}
	record, err := json.Marshal(trace)
	if err != nil {
		return fmt.Errorf("marshal trace: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO retrieval_traces (
	id, request_id, kind, status, reject_reason, partial, rerank_status, generations, duration_ms, record, started_at, finished_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (id) DO NOTHING
`,
		trace.ID, trace.RequestID, string(trace.Kind), string(trace.Status), string(trace.RejectReason),
		trace.Partial, string(trace.RerankStatus), trace.Generations, trace.Duration().Milliseconds(),
		record, trace.StartedAt, trace.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert trace: %w", err)
	}
	return nil
}

func (r *TraceRepository) GetByID(ctx context.Context, id string) (*domain.TraceRecord, error) {
	var raw []byte
	err := r.db.QueryRowContext(ctx, `SELECT record FROM retrieval_traces WHERE id = $1`, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrTraceNotFound, id)
		}
		return nil, fmt.Errorf("scan trace: %w", err)
	}

	var trace domain.TraceRecord
	if err := json.Unmarshal(raw, &trace); err != nil {
		return nil, fmt.Errorf("unmarshal trace: %w", err)
	}
	return &trace, nil
}
