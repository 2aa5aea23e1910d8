package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kirillkom/grounded-retrieval/internal/core/domain"
	"github.com/kirillkom/grounded-retrieval/internal/core/ports"
)

// Retrieval holds both ranked legs and the passages they reference.
type Retrieval struct {
	Vector   []domain.RetrievalResult
	Lexical  []domain.RetrievalResult
	Passages map[string]domain.Passage
	Legs     map[domain.RetrievalMethod]domain.LegStatus
	Partial  bool
}

func (r *Retrieval) Snapshot() []domain.RetrievalResult {
	out := make([]domain.RetrievalResult, 0, len(r.Vector)+len(r.Lexical))
	out = append(out, r.Vector...)
	return append(out, r.Lexical...)
}

type HybridRetriever struct {
	embedder ports.QueryEmbedder
	vector   ports.VectorIndex
	lexical  ports.LexicalIndex
	pool     int
	timeout  time.Duration
	floors   map[domain.RetrievalMethod]float64
	logger   *slog.Logger
}

func NewHybridRetriever(
	embedder ports.QueryEmbedder,
	vector ports.VectorIndex,
	lexical ports.LexicalIndex,
	settings Settings,
	logger *slog.Logger,
) *HybridRetriever {
	if logger == nil {
		logger = slog.Default()
	}
	settings = settings.WithDefaults()
	return &HybridRetriever{
		embedder: embedder,
		vector:   vector,
		lexical:  lexical,
		pool:     settings.CandidatePool,
		timeout:  settings.RetrieverTimeout,
		floors: map[domain.RetrievalMethod]float64{
			domain.MethodVector:  settings.MinVectorScore,
			domain.MethodLexical: settings.MinLexicalScore,
		},
		logger: logger,
	}
}

type legResult struct {
	method domain.RetrievalMethod
	hits   []domain.ScoredPassage
	err    error
	status domain.LegStatus
}

// Retrieve runs both legs concurrently, each under its own timeout. One failed
// leg yields a partial result; both failing yields ErrIndexUnavailable.
// Caller cancellation is returned as the context error.
func (r *HybridRetriever) Retrieve(ctx context.Context, query domain.Query) (*Retrieval, error) {
	results := make([]legResult, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		results[0] = r.runLeg(ctx, domain.MethodVector, func(legCtx context.Context) ([]domain.ScoredPassage, error) {
			vector, err := r.embedder.EmbedQuery(legCtx, query.Text)
			if err != nil {
				return nil, fmt.Errorf("embed query: %w", err)
			}
			return r.vector.SearchVector(legCtx, vector, r.pool, query.Filters)
		})
	}()
	go func() {
		defer wg.Done()
		results[1] = r.runLeg(ctx, domain.MethodLexical, func(legCtx context.Context) ([]domain.ScoredPassage, error) {
			return r.lexical.SearchLexical(legCtx, query.Text, r.pool, query.Filters)
		})
	}()
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := &Retrieval{
		Passages: make(map[string]domain.Passage),
		Legs:     make(map[domain.RetrievalMethod]domain.LegStatus, 2),
	}
	var errs []error
	for _, leg := range results {
		out.Legs[leg.method] = leg.status
		if leg.err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", leg.method, leg.err))
			r.logger.Warn("retrieval_leg_failed",
				"method", leg.method,
				"status", leg.status,
				"request_id", query.RequestID,
				"error", leg.err,
			)
			continue
		}
		ranked := rankAdmitted(leg.method, leg.hits, query.Filters, r.floors[leg.method], out.Passages)
		if leg.method == domain.MethodVector {
			out.Vector = ranked
		} else {
			out.Lexical = ranked
		}
	}

	switch len(errs) {
	case 0:
	case len(results):
		return nil, domain.WrapError(domain.ErrIndexUnavailable, "hybrid retrieve", errors.Join(errs...))
	default:
		out.Partial = true
	}
	return out, nil
}

func (r *HybridRetriever) runLeg(
	ctx context.Context,
	method domain.RetrievalMethod,
	search func(context.Context) ([]domain.ScoredPassage, error),
) legResult {
	legCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	hits, err := search(legCtx)
	switch {
	case err == nil:
		return legResult{method: method, hits: hits, status: domain.LegOK}
	case ctx.Err() == nil && errors.Is(legCtx.Err(), context.DeadlineExceeded):
		return legResult{method: method, err: domain.WrapError(domain.ErrIndexUnavailable, "search", err), status: domain.LegTimeout}
	default:
		return legResult{method: method, err: err, status: domain.LegUnavailable}
	}
}

// rankAdmitted drops ineligible, duplicate and below-floor hits and assigns
// 1-based ranks.
func rankAdmitted(
	method domain.RetrievalMethod,
	hits []domain.ScoredPassage,
	filters domain.Filters,
	floor float64,
	passages map[string]domain.Passage,
) []domain.RetrievalResult {
	out := make([]domain.RetrievalResult, 0, len(hits))
	seen := make(map[string]struct{}, len(hits))
	for _, hit := range hits {
		id := hit.Passage.ID
		if id == "" || !filters.Admits(hit.Passage) {
			continue
		}
		if floor > 0 && hit.Score < floor {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := passages[id]; !ok {
			passages[id] = hit.Passage
		}
		out = append(out, domain.RetrievalResult{
			PassageID: id,
			Method:    method,
			RawScore:  hit.Score,
			Rank:      len(out) + 1,
		})
	}
	return out
}
