// Package linear implements the reranker scoring model as a small weighted
// feature model stored as a YAML artifact.
package linear

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/kirillkom/grounded-retrieval/internal/core/domain"
	"github.com/kirillkom/grounded-retrieval/internal/core/ports"
)

// Spec is the artifact format.
//
//	name: scripture-linear
//	version: 3
//	weights:
//	  fused: 0.6
//	  overlap: 0.3
//	  bigram: 0.1
//	  title: 0.1
//	  reference: 0.2
//	bias: 0
type Spec struct {
	Name    string  `yaml:"name"`
	Version int     `yaml:"version"`
	Weights Weights `yaml:"weights"`
	Bias    float64 `yaml:"bias"`
}

type Weights struct {
	Fused     float64 `yaml:"fused"`
	Overlap   float64 `yaml:"overlap"`
	Bigram    float64 `yaml:"bigram"`
	Title     float64 `yaml:"title"`
	Reference float64 `yaml:"reference"`
}

func (s Spec) Validate() error {
	var errs []error
	if strings.TrimSpace(s.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	w := s.Weights
	for name, v := range map[string]float64{
		"fused": w.Fused, "overlap": w.Overlap, "bigram": w.Bigram, "title": w.Title, "reference": w.Reference, "bias": s.Bias,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			errs = append(errs, fmt.Errorf("%s is not finite", name))
		}
	}
	if w == (Weights{}) {
		errs = append(errs, errors.New("all weights are zero"))
	}
	return errors.Join(errs...)
}

type Model struct {
	spec     Spec
	identity domain.ModelIdentity
}

var _ ports.RerankModel = (*Model)(nil)

func NewModel(spec Spec, identity domain.ModelIdentity) (*Model, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rerank model %s: %w", identity.Path, err)
	}
	return &Model{spec: spec, identity: identity}, nil
}

func (m *Model) Name() string {
	return fmt.Sprintf("%s@v%d", m.spec.Name, m.spec.Version)
}

// Score scales fused scores by the window maximum, then combines them with
// lexical overlap features of the query and passage.
func (m *Model) Score(ctx context.Context, query string, candidates []ports.RerankCandidate) ([]float64, error) {
	if len(candidates) == 0 {
		return []float64{}, nil
	}

	queryTokens := splitAlphaNumLower(query)
	querySet := toTokenSet(queryTokens)
	queryBigrams := bigrams(queryTokens)
	queryRef, refErr := domain.ParseReference(query)

	maxScore := 0.0
	for _, c := range candidates {
		maxScore = max(maxScore, c.FusedScore)
	}
	// Scaling by the maximum keeps fused ratios, so a marginal fused lead
	// does not claim the whole fused weight.
	normalize := func(v float64) float64 {
		if maxScore <= 0 || v <= 0 {
			return 0
		}
		return v / maxScore
	}

	w := m.spec.Weights
	out := make([]float64, len(candidates))
	for i, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		textTokens := splitAlphaNumLower(c.Passage.Text)
		score := m.spec.Bias +
			w.Fused*normalize(c.FusedScore) +
			w.Overlap*tokenOverlap(querySet, toTokenSet(textTokens)) +
			w.Bigram*tokenOverlap(queryBigrams, bigrams(textTokens)) +
			w.Title*titleTokenHit(querySet, c.Passage.Title)
		if refErr == nil {
			score += w.Reference * referenceHit(queryRef, c.Passage.References)
		}
		out[i] = score
	}
	return out, nil
}

func tokenOverlap(query, text map[string]struct{}) float64 {
	if len(query) == 0 || len(text) == 0 {
		return 0
	}
	matches := 0
	for token := range query {
		if _, ok := text[token]; ok {
			matches++
		}
	}
	return float64(matches) / float64(len(query))
}

func titleTokenHit(query map[string]struct{}, title string) float64 {
	if len(query) == 0 || title == "" {
		return 0
	}
	titleSet := toTokenSet(splitAlphaNumLower(title))
	for token := range query {
		if _, ok := titleSet[token]; ok {
			return 1
		}
	}
	return 0
}

func referenceHit(ref domain.ReferenceSpan, spans []domain.ReferenceSpan) float64 {
	for _, span := range spans {
		if span.Intersects(ref) {
			return 1
		}
	}
	return 0
}

func bigrams(tokens []string) map[string]struct{} {
	out := make(map[string]struct{}, len(tokens))
	for i := 1; i < len(tokens); i++ {
		out[tokens[i-1]+" "+tokens[i]] = struct{}{}
	}
	return out
}

func toTokenSet(tokens []string) map[string]struct{} {
	out := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		out[token] = struct{}{}
	}
	return out
}

func splitAlphaNumLower(s string) []string {
	if s == "" {
		return nil
	}

	tokens := make([]string, 0, 16)
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		if b.Len() > 0 {
			tokens = append(tokens, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		tokens = append(tokens, b.String())
	}
	return tokens
}
