package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrIndexUnavailable    = errors.New("index unavailable")
	ErrRerankerUnavailable = errors.New("reranker unavailable")
	ErrUnsupportedCitation = errors.New("unsupported citation")
	ErrGuardrailViolation  = errors.New("guardrail violation")
	ErrRejected            = errors.New("answer rejected")
	ErrTemporary           = errors.New("temporary failure")
	ErrTraceNotFound       = errors.New("trace not found")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

// ValidationError names the query field that failed normalization.
type ValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e == nil {
		return "validation error"
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// RejectReason classifies why a workflow ended in the rejected state.
type RejectReason string

const (
	RejectInsufficientEvidence RejectReason = "insufficient_evidence"
	RejectUngrounded           RejectReason = "ungrounded_citations"
	RejectUnsafeContent        RejectReason = "unsafe_content"
	RejectUnavailable          RejectReason = "temporarily_unavailable"
)

const (
	InsufficientEvidenceMessage   = "I could not find sufficient grounded evidence in the available sources to answer this question."
	UnsafeContentMessage          = "The answer was withheld because the source material or the drafted response failed a safety check."
	TemporarilyUnavailableMessage = "The knowledge sources are temporarily unavailable. Please try again shortly."
)

// FallbackMessage returns the fixed user-visible text for a rejection reason.
func FallbackMessage(reason RejectReason) string {
	switch reason {
	case RejectUnsafeContent:
		return UnsafeContentMessage
	case RejectUnavailable:
		return TemporarilyUnavailableMessage
	default:
		return InsufficientEvidenceMessage
	}
}

// RejectionError accompanies an Answer that ended in the rejected state.
type RejectionError struct {
	Reason  RejectReason
	Message string
	Cause   error
}

func (e *RejectionError) Error() string {
	if e == nil {
		return ErrRejected.Error()
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", ErrRejected, e.Reason, e.Cause)
	}
	return fmt.Sprintf("%s: %s", ErrRejected, e.Reason)
}

func (e *RejectionError) Is(target error) bool {
	return target == ErrRejected
}

func (e *RejectionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}
