package ports

import (
	"context"

	"github.com/kirillkom/grounded-retrieval/internal/core/domain"
)

// RetrievalService is the inbound contract used by search, chat, lookup and export surfaces.
type RetrievalService interface {
	Retrieve(ctx context.Context, query domain.RawQuery) (*domain.ResultSet, error)
	Answer(ctx context.Context, query domain.RawQuery) (*domain.Answer, error)
}

// RerankerStatusReader exposes reranker health for the health endpoint.
type RerankerStatusReader interface {
	Status() domain.RerankerHealth
}

// TraceReader looks up persisted audit records.
type TraceReader interface {
	GetByID(ctx context.Context, id string) (*domain.TraceRecord, error)
}
