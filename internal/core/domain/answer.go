package domain

import "time"

type AnswerStatus string

const (
	AnswerFinal    AnswerStatus = "final"
	AnswerRejected AnswerStatus = "rejected"
	AnswerDegraded AnswerStatus = "degraded"
)

// Answer is created once per Answer workflow and not mutated after return.
type Answer struct {
	Text              string             `json:"text"`
	Citations         []Citation         `json:"citations"`
	GuardrailFindings []GuardrailFinding `json:"guardrail_findings"`
	Status            AnswerStatus       `json:"status"`
	RejectReason      RejectReason       `json:"reject_reason,omitempty"`
	Sources           []RankedPassage    `json:"sources,omitempty"`
	Trace             TraceRecord        `json:"-"`
}

type WorkflowState string

const (
	StateRetrieving WorkflowState = "retrieving"
	StateFusing     WorkflowState = "fusing"
	StateReranking  WorkflowState = "reranking"
	StateGenerating WorkflowState = "generating"
	StateValidating WorkflowState = "validating"
	StateFinalized  WorkflowState = "finalized"
	StateRejected   WorkflowState = "rejected"
	StateDegraded   WorkflowState = "degraded"
)

type WorkflowKind string

const (
	WorkflowRetrieve WorkflowKind = "retrieve"
	WorkflowAnswer   WorkflowKind = "answer"
)

// TraceFinal is one entry of the final (fused or reranked) order.
type TraceFinal struct {
	PassageID     string   `json:"passage_id"`
	FusedScore    float64  `json:"fused_score"`
	RerankerScore *float64 `json:"reranker_score,omitempty"`
	Rank          int      `json:"rank"`
}

// TraceRecord is handed to the audit collaborator once per completed workflow.
type TraceRecord struct {
	ID                string                        `json:"id"`
	RequestID         string                        `json:"request_id"`
	Kind              WorkflowKind                  `json:"kind"`
	Query             Query                         `json:"query"`
	Snapshot          []RetrievalResult             `json:"snapshot"`
	Ranked            []TraceFinal                  `json:"ranked"`
	Legs              map[RetrievalMethod]LegStatus `json:"legs"`
	Partial           bool                          `json:"partial"`
	RerankStatus      RerankStatus                  `json:"rerank_status"`
	RerankReason      string                        `json:"rerank_reason,omitempty"`
	Grounding         []GroundingVerdict            `json:"grounding,omitempty"`
	GuardrailFindings []GuardrailFinding            `json:"guardrail_findings,omitempty"`
	SuppressedIDs     []string                      `json:"suppressed_passage_ids,omitempty"`
	Generations       int                           `json:"generations"`
	States            []WorkflowState               `json:"states"`
	Status            AnswerStatus                  `json:"status"`
	RejectReason      RejectReason                  `json:"reject_reason,omitempty"`
	Error             string                        `json:"error,omitempty"`
	StartedAt         time.Time                     `json:"started_at"`
	FinishedAt        time.Time                     `json:"finished_at"`
}

func (t TraceRecord) Duration() time.Duration {
	return t.FinishedAt.Sub(t.StartedAt)
}
