package domain

type RetrievalMethod string

const (
	MethodVector  RetrievalMethod = "vector"
	MethodLexical RetrievalMethod = "lexical"
)

// RetrievalResult is one entry of a single retriever's ranked list. Rank is 1-based.
type RetrievalResult struct {
	PassageID string          `json:"passage_id"`
	Method    RetrievalMethod `json:"method"`
	RawScore  float64         `json:"raw_score"`
	Rank      int             `json:"rank"`
}

type FusedResult struct {
	PassageID           string            `json:"passage_id"`
	FusedScore          float64           `json:"fused_score"`
	ContributingMethods []RetrievalMethod `json:"contributing_methods"`
	Rank                int               `json:"rank"`
}

func (f FusedResult) HasMethod(method RetrievalMethod) bool {
	for _, m := range f.ContributingMethods {
		if m == method {
			return true
		}
	}
	return false
}

type RerankedResult struct {
	PassageID     string  `json:"passage_id"`
	RerankerScore float64 `json:"reranker_score"`
	Rank          int     `json:"rank"`
}

// RankedPassage is the element handed to callers and to generation.
type RankedPassage struct {
	Passage  Passage         `json:"passage"`
	Fused    FusedResult     `json:"fused"`
	Reranked *RerankedResult `json:"reranked,omitempty"`
	Rank     int             `json:"rank"`
}

type LegStatus string

const (
	LegOK          LegStatus = "ok"
	LegUnavailable LegStatus = "unavailable"
	LegTimeout     LegStatus = "timeout"
)

type RerankStatus string

const (
	RerankApplied  RerankStatus = "applied"
	RerankDisabled RerankStatus = "disabled"
	RerankSkipped  RerankStatus = "skipped"
	RerankDegraded RerankStatus = "degraded"
)

// ResultSet is the output of Retrieve.
type ResultSet struct {
	Query        Query                         `json:"query"`
	Results      []RankedPassage               `json:"results"`
	Partial      bool                          `json:"partial"`
	Legs         map[RetrievalMethod]LegStatus `json:"legs"`
	RerankStatus RerankStatus                  `json:"rerank_status"`
	RerankReason string                        `json:"rerank_reason,omitempty"`
	Snapshot     []RetrievalResult             `json:"-"`
}

func (rs *ResultSet) PassageIDs() map[string]struct{} {
	out := make(map[string]struct{}, len(rs.Results))
	for _, r := range rs.Results {
		out[r.Passage.ID] = struct{}{}
	}
	return out
}
