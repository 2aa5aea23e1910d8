package domain

import "time"

// ModelIdentity keys reranker health state by artifact location and content.
type ModelIdentity struct {
	Path   string `json:"path"`
	Digest string `json:"digest"`
}

func (m ModelIdentity) String() string {
	return m.Path + "@" + m.Digest
}

type RerankerPhase string

const (
	PhaseUnloaded RerankerPhase = "unloaded"
	PhaseHealthy  RerankerPhase = "healthy"
	PhaseCooling  RerankerPhase = "cooling"
	PhaseFailed   RerankerPhase = "failed"
	PhaseDisabled RerankerPhase = "disabled"
)

// RerankerHealth is a read-only snapshot of the reranker state machine.
type RerankerHealth struct {
	Phase     RerankerPhase `json:"phase"`
	Identity  ModelIdentity `json:"identity"`
	Model     string        `json:"model,omitempty"`
	Since     time.Time     `json:"since,omitzero"`
	Until     time.Time     `json:"until,omitzero"`
	Failures  int           `json:"failures"`
	LastError string        `json:"last_error,omitempty"`
}
