package httpadapter

import (
	"context"
	"sync"

	"github.com/kirillkom/grounded-retrieval/internal/config"
	"github.com/kirillkom/grounded-retrieval/internal/core/domain"
)

type serviceFake struct {
	mu        sync.Mutex
	resultSet *domain.ResultSet
	answer    *domain.Answer
	err       error
	queries   []domain.RawQuery
}

func (f *serviceFake) Retrieve(_ context.Context, raw domain.RawQuery) (*domain.ResultSet, error) {
	f.mu.Lock()
	f.queries = append(f.queries, raw)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.resultSet != nil {
		return f.resultSet, nil
	}
	return &domain.ResultSet{Results: []domain.RankedPassage{}}, nil
}

func (f *serviceFake) Answer(_ context.Context, raw domain.RawQuery) (*domain.Answer, error) {
	f.mu.Lock()
	f.queries = append(f.queries, raw)
	f.mu.Unlock()
	return f.answer, f.err
}

func (f *serviceFake) lastQuery() domain.RawQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queries) == 0 {
		return domain.RawQuery{}
	}
	return f.queries[len(f.queries)-1]
}

type traceReaderFake struct {
	records map[string]domain.TraceRecord
}

func (f traceReaderFake) GetByID(_ context.Context, id string) (*domain.TraceRecord, error) {
	record, ok := f.records[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrTraceNotFound, "get trace", domain.ErrTraceNotFound)
	}
	return &record, nil
}

type rerankerStatusFake struct {
	health domain.RerankerHealth
}

func (f rerankerStatusFake) Status() domain.RerankerHealth { return f.health }

func testConfig() config.Config {
	return config.Config{APIMaxBodyBytes: 4096}
}
