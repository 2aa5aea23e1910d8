package usecase

import "time"

// RerankSettings configures the optional reranking step.
type RerankSettings struct {
	Enabled     bool
	ModelPath   string
	Window      int
	Timeout     time.Duration
	LoadTimeout time.Duration
	Cooldown    time.Duration
}

// GroundingPolicy configures citation grounding.
type GroundingPolicy struct {
	// MaxUnsupportedRatio tolerates anchor problems up to this share of
	// citations. Citations of passages outside the supplied set are never tolerated.
	MaxUnsupportedRatio float64
	RequireCitations    bool
}

// Settings is injected once at construction and never mutated.
type Settings struct {
	MaxQueryChars int
	DefaultK      int
	MinK          int
	MaxK          int

	CandidatePool    int
	FusionConstant   int
	RetrieverTimeout time.Duration

	// Hits scoring below a floor are not admitted as evidence. Zero disables.
	MinVectorScore  float64
	MinLexicalScore float64

	Rerank RerankSettings

	GenerationTimeout time.Duration
	MaxGenerations    int
	Grounding         GroundingPolicy

	TraceTimeout time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		MaxQueryChars:    2000,
		DefaultK:         5,
		MinK:             1,
		MaxK:             50,
		CandidatePool:    30,
		FusionConstant:   60,
		RetrieverTimeout: 5 * time.Second,
		Rerank: RerankSettings{
			Window:      20,
			Timeout:     2 * time.Second,
			LoadTimeout: 15 * time.Second,
			Cooldown:    30 * time.Second,
		},
		GenerationTimeout: 60 * time.Second,
		MaxGenerations:    2,
		Grounding: GroundingPolicy{
			MaxUnsupportedRatio: 0,
			RequireCitations:    true,
		},
		TraceTimeout: 5 * time.Second,
	}
}

// WithDefaults replaces zero or out-of-range values with defaults.
func (s Settings) WithDefaults() Settings {
	def := DefaultSettings()
	if s.MaxQueryChars <= 0 {
		s.MaxQueryChars = def.MaxQueryChars
	}
	if s.MinK <= 0 {
		s.MinK = def.MinK
	}
	if s.MaxK < s.MinK {
		s.MaxK = max(def.MaxK, s.MinK)
	}
	if s.DefaultK < s.MinK || s.DefaultK > s.MaxK {
		s.DefaultK = min(max(def.DefaultK, s.MinK), s.MaxK)
	}
	if s.CandidatePool <= 0 {
		s.CandidatePool = def.CandidatePool
	}
	if s.CandidatePool < s.MaxK {
		s.CandidatePool = s.MaxK
	}
	if s.FusionConstant <= 0 {
		s.FusionConstant = def.FusionConstant
	}
	if s.RetrieverTimeout <= 0 {
		s.RetrieverTimeout = def.RetrieverTimeout
	}
	s.MinVectorScore = max(s.MinVectorScore, 0)
	s.MinLexicalScore = max(s.MinLexicalScore, 0)
	if s.Rerank.Window <= 0 {
		s.Rerank.Window = def.Rerank.Window
	}
	if s.Rerank.Window > s.CandidatePool {
		s.Rerank.Window = s.CandidatePool
	}
	if s.Rerank.Timeout <= 0 {
		s.Rerank.Timeout = def.Rerank.Timeout
	}
	if s.Rerank.LoadTimeout <= 0 {
		s.Rerank.LoadTimeout = def.Rerank.LoadTimeout
	}
	if s.Rerank.Cooldown <= 0 {
		s.Rerank.Cooldown = def.Rerank.Cooldown
	}
	if s.GenerationTimeout <= 0 {
		s.GenerationTimeout = def.GenerationTimeout
	}
	if s.MaxGenerations <= 0 || s.MaxGenerations > def.MaxGenerations {
		s.MaxGenerations = def.MaxGenerations
	}
	if s.Grounding.MaxUnsupportedRatio < 0 || s.Grounding.MaxUnsupportedRatio > 1 {
		s.Grounding.MaxUnsupportedRatio = def.Grounding.MaxUnsupportedRatio
	}
	if s.TraceTimeout <= 0 {
		s.TraceTimeout = def.TraceTimeout
	}
	return s
}
