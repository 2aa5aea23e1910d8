package ports

import (
	"context"

	"github.com/kirillkom/grounded-retrieval/internal/core/domain"
)

// QueryEmbedder builds the query vector for nearest-neighbour search.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// VectorIndex performs similarity search over the passage embedding index.
type VectorIndex interface {
	SearchVector(ctx context.Context, vector []float32, limit int, filters domain.Filters) ([]domain.ScoredPassage, error)
}

// LexicalIndex performs term-weighted full-text search over the same corpus.
type LexicalIndex interface {
	SearchLexical(ctx context.Context, text string, limit int, filters domain.Filters) ([]domain.ScoredPassage, error)
}

// DraftRequest is the generation collaborator input.
type DraftRequest struct {
	Query       string
	Passages    []domain.Passage
	Instruction string
}

// AnswerDrafter calls the external text-completion service.
type AnswerDrafter interface {
	Draft(ctx context.Context, req DraftRequest) (domain.Draft, error)
}

// RerankCandidate is one (query, passage) pair offered to the scoring model.
type RerankCandidate struct {
	Passage    domain.Passage
	FusedScore float64
}

// RerankModel scores candidates; the i-th score belongs to the i-th candidate.
type RerankModel interface {
	Score(ctx context.Context, query string, candidates []RerankCandidate) ([]float64, error)
	Name() string
}

// RerankModelLoader resolves and loads the scoring model artifact.
type RerankModelLoader interface {
	Identify(ctx context.Context, path string) (domain.ModelIdentity, error)
	Load(ctx context.Context, identity domain.ModelIdentity) (RerankModel, error)
}

// TraceSink receives the per-request audit record.
type TraceSink interface {
	Record(ctx context.Context, trace domain.TraceRecord) error
}
