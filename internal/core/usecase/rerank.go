package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kirillkom/grounded-retrieval/internal/core/domain"
	"github.com/kirillkom/grounded-retrieval/internal/core/ports"
)

var errRerankerCooling = errors.New("reranker cooling down")

// RerankResult is the candidate order after the rerank step.
type RerankResult struct {
	Ranked []domain.RankedPassage
	Status domain.RerankStatus
}

type rerankState struct {
	phase    domain.RerankerPhase
	identity domain.ModelIdentity
	model    ports.RerankModel
	since    time.Time
	until    time.Time
	failures int
	lastErr  string
}

// Reranker owns the process-wide model handle. State is keyed by model
// identity and re-evaluated on every request; a failure never disables
// reranking for longer than the cooldown.
type Reranker struct {
	loader   ports.RerankModelLoader
	settings RerankSettings
	logger   *slog.Logger
	now      func() time.Time
	loads    singleflight.Group

	mu    sync.Mutex
	state rerankState
}

func NewReranker(loader ports.RerankModelLoader, settings RerankSettings, logger *slog.Logger) *Reranker {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultSettings().Rerank
	if settings.Window <= 0 {
		settings.Window = def.Window
	}
	if settings.Timeout <= 0 {
		settings.Timeout = def.Timeout
	}
	if settings.LoadTimeout <= 0 {
		settings.LoadTimeout = def.LoadTimeout
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = def.Cooldown
	}
	phase := domain.PhaseUnloaded
	if !settings.Enabled || loader == nil {
		settings.Enabled = false
		phase = domain.PhaseDisabled
	}
	return &Reranker{
		loader:   loader,
		settings: settings,
		logger:   logger,
		now:      time.Now,
		state:    rerankState{phase: phase, identity: domain.ModelIdentity{Path: settings.ModelPath}},
	}
}

func (r *Reranker) Enabled() bool {
	return r != nil && r.settings.Enabled
}

// Status returns a snapshot for health checks.
func (r *Reranker) Status() domain.RerankerHealth {
	if r == nil {
		return domain.RerankerHealth{Phase: domain.PhaseDisabled}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.state
	phase := st.phase
	if phase == domain.PhaseCooling && !r.now().Before(st.until) {
		phase = domain.PhaseFailed
	}
	health := domain.RerankerHealth{
		Phase:     phase,
		Identity:  st.identity,
		Since:     st.since,
		Failures:  st.failures,
		LastError: st.lastErr,
	}
	if phase == domain.PhaseCooling {
		health.Until = st.until
	}
	if st.model != nil {
		health.Model = st.model.Name()
	}
	return health
}

// Rerank reorders the first Window candidates by model score and keeps the
// tail in fused order. Any failure serves the input order unchanged.
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []domain.RankedPassage) domain.Outcome[RerankResult] {
	fallback := RerankResult{Ranked: candidates, Status: domain.RerankDegraded}
	if !r.Enabled() {
		return domain.Degraded(RerankResult{Ranked: candidates, Status: domain.RerankDisabled}, "reranker disabled", nil)
	}
	if len(candidates) < 2 {
		return domain.Degraded(RerankResult{Ranked: candidates, Status: domain.RerankSkipped}, "fewer than two candidates", nil)
	}

	model, identity, err := r.acquire(ctx)
	if errors.Is(err, errRerankerCooling) {
		fallback.Status = domain.RerankSkipped
		return domain.Degraded(fallback, err.Error(), domain.WrapError(domain.ErrRerankerUnavailable, "rerank", err))
	}
	if err != nil {
		return domain.Degraded(fallback, "model load failed", domain.WrapError(domain.ErrRerankerUnavailable, "load reranker", err))
	}

	window := min(r.settings.Window, len(candidates))
	head := candidates[:window]
	scores, err := r.score(ctx, model, query, head)
	if err != nil {
		if ctx.Err() == nil {
			r.fail(identity, "inference", err)
		}
		return domain.Degraded(fallback, "inference failed", domain.WrapError(domain.ErrRerankerUnavailable, "rerank inference", err))
	}

	return domain.Ok(RerankResult{Ranked: applyRerank(candidates, window, scores), Status: domain.RerankApplied})
}

func (r *Reranker) acquire(ctx context.Context) (ports.RerankModel, domain.ModelIdentity, error) {
	identity, err := r.loader.Identify(ctx, r.settings.ModelPath)
	if err != nil {
		identity = domain.ModelIdentity{Path: r.settings.ModelPath}
		if ctx.Err() == nil {
			r.mu.Lock()
			cooling := r.state.identity == identity && r.state.phase == domain.PhaseCooling && r.now().Before(r.state.until)
			r.mu.Unlock()
			if cooling {
				return nil, identity, errRerankerCooling
			}
			r.fail(identity, "identify", err)
		}
		return nil, identity, err
	}

	r.mu.Lock()
	st := r.state
	now := r.now()
	if st.identity == identity {
		switch {
		case st.phase == domain.PhaseHealthy && st.model != nil:
			r.mu.Unlock()
			return st.model, identity, nil
		case st.phase == domain.PhaseCooling && now.Before(st.until):
			r.mu.Unlock()
			return nil, identity, fmt.Errorf("%w until %s", errRerankerCooling, st.until.UTC().Format(time.RFC3339))
		case st.phase == domain.PhaseCooling:
			r.state.phase = domain.PhaseFailed
		}
	}
	r.mu.Unlock()

	v, err, _ := r.loads.Do(identity.String(), func() (any, error) {
		return r.load(ctx, identity)
	})
	if err != nil {
		return nil, identity, err
	}
	return v.(ports.RerankModel), identity, nil
}

func (r *Reranker) load(ctx context.Context, identity domain.ModelIdentity) (ports.RerankModel, error) {
	r.mu.Lock()
	if r.state.identity == identity && r.state.phase == domain.PhaseHealthy && r.state.model != nil {
		model := r.state.model
		r.mu.Unlock()
		return model, nil
	}
	r.mu.Unlock()

	loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.settings.LoadTimeout)
	defer cancel()

	model, err := r.loader.Load(loadCtx, identity)
	if err != nil {
		r.fail(identity, "load", err)
		return nil, err
	}

	r.mu.Lock()
	r.state = rerankState{phase: domain.PhaseHealthy, identity: identity, model: model, since: r.now()}
	r.mu.Unlock()
	r.logger.Info("reranker_loaded", "path", identity.Path, "digest", identity.Digest, "model", model.Name())
	return model, nil
}

func (r *Reranker) fail(identity domain.ModelIdentity, stage string, err error) {
	r.mu.Lock()
	now := r.now()
	failures := 1
	if r.state.identity == identity {
		failures = r.state.failures + 1
	}
	r.state = rerankState{
		phase:    domain.PhaseCooling,
		identity: identity,
		since:    now,
		until:    now.Add(r.settings.Cooldown),
		failures: failures,
		lastErr:  err.Error(),
	}
	until := r.state.until
	r.mu.Unlock()

	r.logger.Warn("reranker_unavailable",
		"stage", stage,
		"path", identity.Path,
		"digest", identity.Digest,
		"failures", failures,
		"cooldown_until", until,
		"error", err,
	)
}

func (r *Reranker) score(ctx context.Context, model ports.RerankModel, query string, head []domain.RankedPassage) ([]float64, error) {
	scoreCtx, cancel := context.WithTimeout(ctx, r.settings.Timeout)
	defer cancel()

	candidates := make([]ports.RerankCandidate, len(head))
	for i, rp := range head {
		candidates[i] = ports.RerankCandidate{Passage: rp.Passage, FusedScore: rp.Fused.FusedScore}
	}

	type scored struct {
		scores []float64
		err    error
	}
	done := make(chan scored, 1)
	go func() {
		scores, err := model.Score(scoreCtx, query, candidates)
		done <- scored{scores: scores, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		if len(res.scores) != len(candidates) {
			return nil, fmt.Errorf("model returned %d scores for %d candidates", len(res.scores), len(candidates))
		}
		for i, s := range res.scores {
			if math.IsNaN(s) || math.IsInf(s, 0) {
				return nil, fmt.Errorf("model returned non-finite score at %d", i)
			}
		}
		return res.scores, nil
	case <-scoreCtx.Done():
		return nil, scoreCtx.Err()
	}
}

func applyRerank(candidates []domain.RankedPassage, window int, scores []float64) []domain.RankedPassage {
	head := make([]domain.RankedPassage, window)
	copy(head, candidates[:window])
	for i := range head {
		head[i].Reranked = &domain.RerankedResult{PassageID: head[i].Passage.ID, RerankerScore: scores[i]}
	}
	sort.SliceStable(head, func(i, j int) bool {
		if head[i].Reranked.RerankerScore != head[j].Reranked.RerankerScore {
			return head[i].Reranked.RerankerScore > head[j].Reranked.RerankerScore
		}
		return head[i].Fused.Rank < head[j].Fused.Rank
	})

	out := make([]domain.RankedPassage, 0, len(candidates))
	out = append(out, head...)
	out = append(out, candidates[window:]...)
	for i := range out {
		out[i].Rank = i + 1
		if out[i].Reranked != nil {
			out[i].Reranked.Rank = i + 1
		}
	}
	return out
}
