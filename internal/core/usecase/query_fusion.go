package usecase

import (
	"sort"

	"github.com/kirillkom/grounded-retrieval/internal/core/domain"
)

const defaultFusionConstant = 60

type fusedCandidate struct {
	score   float64
	methods []domain.RetrievalMethod
}

// FuseRRF merges ranked lists by reciprocal-rank fusion. Lists are summed in
// argument order so equal inputs always produce bit-identical scores. Ties are
// broken by ascending passage id.
func FuseRRF(constant int, lists ...[]domain.RetrievalResult) []domain.FusedResult {
	if constant <= 0 {
		constant = defaultFusionConstant
	}

	acc := make(map[string]*fusedCandidate)
	for _, list := range lists {
		for i, result := range list {
			rank := result.Rank
			if rank <= 0 {
				rank = i + 1
			}
			candidate, ok := acc[result.PassageID]
			if !ok {
				candidate = &fusedCandidate{}
				acc[result.PassageID] = candidate
			}
			candidate.score += 1.0 / float64(constant+rank)
			if !containsMethod(candidate.methods, result.Method) {
				candidate.methods = append(candidate.methods, result.Method)
			}
		}
	}

	out := make([]domain.FusedResult, 0, len(acc))
	for id, c := range acc {
		out = append(out, domain.FusedResult{
			PassageID:           id,
			FusedScore:          c.score,
			ContributingMethods: c.methods,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].FusedScore != out[j].FusedScore {
			return out[i].FusedScore > out[j].FusedScore
		}
		return out[i].PassageID < out[j].PassageID
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

func containsMethod(methods []domain.RetrievalMethod, method domain.RetrievalMethod) bool {
	for _, m := range methods {
		if m == method {
			return true
		}
	}
	return false
}

func trimRanked(ranked []domain.RankedPassage, limit int) []domain.RankedPassage {
	if limit <= 0 || len(ranked) <= limit {
		return ranked
	}
	return ranked[:limit]
}
