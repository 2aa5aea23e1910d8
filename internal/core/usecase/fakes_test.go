package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kirillkom/grounded-retrieval/internal/core/domain"
	"github.com/kirillkom/grounded-retrieval/internal/core/ports"
)

var errBackendDown = errors.New("connection refused")

type fakeEmbedder struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *fakeEmbedder) EmbedQuery(_ context.Context, _ string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

type fakeIndex struct {
	mu      sync.Mutex
	hits    []domain.ScoredPassage
	err     error
	delay   time.Duration
	limit   int
	filters domain.Filters
	calls   int
}

func (f *fakeIndex) search(ctx context.Context, limit int, filters domain.Filters) ([]domain.ScoredPassage, error) {
	f.mu.Lock()
	f.calls++
	f.limit = limit
	f.filters = filters
	hits, err, delay := f.hits, f.err, f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	out := make([]domain.ScoredPassage, len(hits))
	copy(out, hits)
	return out, nil
}

func (f *fakeIndex) SearchVector(ctx context.Context, _ []float32, limit int, filters domain.Filters) ([]domain.ScoredPassage, error) {
	return f.search(ctx, limit, filters)
}

func (f *fakeIndex) SearchLexical(ctx context.Context, _ string, limit int, filters domain.Filters) ([]domain.ScoredPassage, error) {
	return f.search(ctx, limit, filters)
}

type fakeDrafter struct {
	mu       sync.Mutex
	drafts   []domain.Draft
	err      error
	block    bool
	started  chan struct{}
	requests []ports.DraftRequest
}

func (f *fakeDrafter) Draft(ctx context.Context, req ports.DraftRequest) (domain.Draft, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	idx := len(f.requests) - 1
	block, started := f.block, f.started
	f.mu.Unlock()

	if block {
		if started != nil {
			close(started)
		}
		<-ctx.Done()
		return domain.Draft{}, ctx.Err()
	}
	if f.err != nil {
		return domain.Draft{}, f.err
	}
	if len(f.drafts) == 0 {
		return domain.Draft{}, nil
	}
	if idx >= len(f.drafts) {
		idx = len(f.drafts) - 1
	}
	return f.drafts[idx], nil
}

func (f *fakeDrafter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fakeTraceSink struct {
	mu      sync.Mutex
	records []domain.TraceRecord
	err     error
}

func (f *fakeTraceSink) Record(_ context.Context, trace domain.TraceRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, trace)
	return f.err
}

func (f *fakeTraceSink) all() []domain.TraceRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.TraceRecord, len(f.records))
	copy(out, f.records)
	return out
}

type fakeModel struct {
	name  string
	err   error
	delay time.Duration
	score func(candidates []ports.RerankCandidate) []float64
}

func (m *fakeModel) Name() string { return m.name }

func (m *fakeModel) Score(ctx context.Context, _ string, candidates []ports.RerankCandidate) ([]float64, error) {
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.delay):
		}
	}
	if m.err != nil {
		return nil, m.err
	}
	if m.score != nil {
		return m.score(candidates), nil
	}
	return reverseScores(candidates), nil
}

// reverseScores prefers later candidates.
func reverseScores(candidates []ports.RerankCandidate) []float64 {
	out := make([]float64, len(candidates))
	for i := range candidates {
		out[i] = float64(i + 1)
	}
	return out
}

type fakeLoader struct {
	mu          sync.Mutex
	identity    domain.ModelIdentity
	identifyErr error
	loadErr     error
	loadDelay   time.Duration
	loads       int
	model       ports.RerankModel
}

func (l *fakeLoader) Identify(_ context.Context, path string) (domain.ModelIdentity, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.identifyErr != nil {
		return domain.ModelIdentity{}, l.identifyErr
	}
	id := l.identity
	if id.Path == "" {
		id.Path = path
	}
	return id, nil
}

func (l *fakeLoader) Load(_ context.Context, _ domain.ModelIdentity) (ports.RerankModel, error) {
	l.mu.Lock()
	l.loads++
	delay, err, model := l.loadDelay, l.loadErr, l.model
	l.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	if model == nil {
		model = &fakeModel{name: "fake"}
	}
	return model, nil
}

func (l *fakeLoader) set(fn func(l *fakeLoader)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(l)
}

func (l *fakeLoader) loadCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loads
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func passage(id, text string, refs ...string) domain.Passage {
	p := domain.Passage{ID: id, DocumentID: "doc-" + id, Text: text}
	for _, ref := range refs {
		span, err := domain.ParseReference(ref)
		if err != nil {
			panic(err)
		}
		p.References = append(p.References, span)
	}
	return p
}

func scored(passages ...domain.Passage) []domain.ScoredPassage {
	out := make([]domain.ScoredPassage, len(passages))
	for i, p := range passages {
		out[i] = domain.ScoredPassage{Passage: p, Score: 1 - float64(i)*0.1}
	}
	return out
}

func ids(results []domain.RankedPassage) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Passage.ID
	}
	return out
}
