package domain

type OutcomeKind string

const (
	OutcomeOK       OutcomeKind = "ok"
	OutcomeDegraded OutcomeKind = "degraded"
	OutcomeFatal    OutcomeKind = "fatal"
)

// Outcome distinguishes "worked", "fell back" and "broke" for optional subsystems.
type Outcome[T any] struct {
	Kind   OutcomeKind
	Value  T
	Reason string
	Err    error
}

func Ok[T any](value T) Outcome[T] {
	return Outcome[T]{Kind: OutcomeOK, Value: value}
}

func Degraded[T any](value T, reason string, cause error) Outcome[T] {
	return Outcome[T]{Kind: OutcomeDegraded, Value: value, Reason: reason, Err: cause}
}

func Fatal[T any](err error) Outcome[T] {
	return Outcome[T]{Kind: OutcomeFatal, Err: err}
}

func (o Outcome[T]) IsOK() bool       { return o.Kind == OutcomeOK }
func (o Outcome[T]) IsDegraded() bool { return o.Kind == OutcomeDegraded }
func (o Outcome[T]) IsFatal() bool    { return o.Kind == OutcomeFatal }
