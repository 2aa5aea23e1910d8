package domain

import "fmt"

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
	// SeverityOff disables a category in a guardrail profile.
	SeverityOff Severity = "off"
)

func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	default:
		return 0
	}
}

func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

func ParseSeverity(s string) (Severity, error) {
	switch sev := Severity(s); sev {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityOff:
		return sev, nil
	default:
		return "", fmt.Errorf("invalid severity: %q", s)
	}
}

type GuardrailCategory string

const (
	CategoryPromptOverride      GuardrailCategory = "prompt_override"
	CategoryInjectionMarkup     GuardrailCategory = "injection_markup"
	CategoryScriptMarkup        GuardrailCategory = "script_markup"
	CategoryProtocolScheme      GuardrailCategory = "protocol_scheme"
	CategoryCommandSubstitution GuardrailCategory = "command_substitution"
	CategoryShellMetacharacter  GuardrailCategory = "shell_metacharacter"
	CategoryPathTraversal       GuardrailCategory = "path_traversal"
	CategoryCredential          GuardrailCategory = "credential"
	CategoryEncodedPayload      GuardrailCategory = "encoded_payload"
)

type FindingSource string

const (
	SourceRetrievedContext FindingSource = "retrieved_context"
	SourceDraftedOutput    FindingSource = "drafted_output"
)

type GuardrailFinding struct {
	Category    GuardrailCategory `json:"category"`
	Severity    Severity          `json:"severity"`
	MatchedSpan string            `json:"matched_span"`
	Source      FindingSource     `json:"source"`
	PassageID   string            `json:"passage_id,omitempty"`
}

type GuardrailDecision string

const (
	DecisionAllow      GuardrailDecision = "allow"
	DecisionWarn       GuardrailDecision = "warn"
	DecisionRegenerate GuardrailDecision = "regenerate"
	DecisionBlock      GuardrailDecision = "block"
)

// MaxSeverity returns the highest severity among findings, or "" for none.
func MaxSeverity(findings []GuardrailFinding) Severity {
	var top Severity
	for _, f := range findings {
		if f.Severity.Rank() > top.Rank() {
			top = f.Severity
		}
	}
	return top
}
