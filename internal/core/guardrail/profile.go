package guardrail

import (
	"errors"
	"fmt"

	"github.com/kirillkom/grounded-retrieval/internal/core/domain"
)

// Rule assigns a severity per scan source. SeverityOff disables the category
// for that source; an empty value inherits the default profile.
type Rule struct {
	Context domain.Severity `yaml:"context" json:"context"`
	Output  domain.Severity `yaml:"output" json:"output"`
}

// Profile is the immutable scanner configuration.
type Profile struct {
	PromptOverride      Rule `yaml:"prompt_override" json:"prompt_override"`
	InjectionMarkup     Rule `yaml:"injection_markup" json:"injection_markup"`
	ScriptMarkup        Rule `yaml:"script_markup" json:"script_markup"`
	ProtocolScheme      Rule `yaml:"protocol_scheme" json:"protocol_scheme"`
	CommandSubstitution Rule `yaml:"command_substitution" json:"command_substitution"`
	ShellMetacharacter  Rule `yaml:"shell_metacharacter" json:"shell_metacharacter"`
	PathTraversal       Rule `yaml:"path_traversal" json:"path_traversal"`
	Credential          Rule `yaml:"credential" json:"credential"`
	EncodedPayload      Rule `yaml:"encoded_payload" json:"encoded_payload"`

	MaxScanBytes           int `yaml:"max_scan_bytes" json:"max_scan_bytes"`
	MaxFindingsPerCategory int `yaml:"max_findings_per_category" json:"max_findings_per_category"`
}

// DefaultProfile keeps retrieved context suppressible (medium). Drafted
// output is blocked (high) for executable or leaking content and regenerated
// (medium) for shell and path fragments that ordinary prose can echo.
func DefaultProfile() Profile {
	return Profile{
		PromptOverride:      Rule{Context: domain.SeverityMedium, Output: domain.SeverityHigh},
		InjectionMarkup:     Rule{Context: domain.SeverityMedium, Output: domain.SeverityHigh},
		ScriptMarkup:        Rule{Context: domain.SeverityMedium, Output: domain.SeverityHigh},
		ProtocolScheme:      Rule{Context: domain.SeverityMedium, Output: domain.SeverityHigh},
		CommandSubstitution: Rule{Context: domain.SeverityMedium, Output: domain.SeverityHigh},
		ShellMetacharacter:  Rule{Context: domain.SeverityMedium, Output: domain.SeverityMedium},
		PathTraversal:       Rule{Context: domain.SeverityMedium, Output: domain.SeverityMedium},
		Credential:          Rule{Context: domain.SeverityMedium, Output: domain.SeverityHigh},
		EncodedPayload:      Rule{Context: domain.SeverityLow, Output: domain.SeverityLow},

		MaxScanBytes:           64 * 1024,
		MaxFindingsPerCategory: 8,
	}
}

func (p *Profile) rule(category domain.GuardrailCategory) *Rule {
	switch category {
	case domain.CategoryPromptOverride:
		return &p.PromptOverride
	case domain.CategoryInjectionMarkup:
		return &p.InjectionMarkup
	case domain.CategoryScriptMarkup:
		return &p.ScriptMarkup
	case domain.CategoryProtocolScheme:
		return &p.ProtocolScheme
	case domain.CategoryCommandSubstitution:
		return &p.CommandSubstitution
	case domain.CategoryShellMetacharacter:
		return &p.ShellMetacharacter
	case domain.CategoryPathTraversal:
		return &p.PathTraversal
	case domain.CategoryCredential:
		return &p.Credential
	case domain.CategoryEncodedPayload:
		return &p.EncodedPayload
	default:
		return nil
	}
}

// Severity returns the configured severity, or SeverityOff when disabled.
func (p Profile) Severity(category domain.GuardrailCategory, source domain.FindingSource) domain.Severity {
	r := p.rule(category)
	if r == nil {
		return domain.SeverityOff
	}
	if source == domain.SourceDraftedOutput {
		return r.Output
	}
	return r.Context
}

// WithDefaults fills empty fields from DefaultProfile.
func (p Profile) WithDefaults() Profile {
	def := DefaultProfile()
	out := p
	for _, category := range Categories() {
		r, d := out.rule(category), def.rule(category)
		if r.Context == "" {
			r.Context = d.Context
		}
		if r.Output == "" {
			r.Output = d.Output
		}
	}
	if out.MaxScanBytes <= 0 {
		out.MaxScanBytes = def.MaxScanBytes
	}
	if out.MaxFindingsPerCategory <= 0 {
		out.MaxFindingsPerCategory = def.MaxFindingsPerCategory
	}
	return out
}

func (p Profile) Validate() error {
	var errs []error
	for _, category := range Categories() {
		r := p.rule(category)
		for source, sev := range map[string]domain.Severity{"context": r.Context, "output": r.Output} {
			if sev == "" {
				continue
			}
			if _, err := domain.ParseSeverity(string(sev)); err != nil {
				errs = append(errs, fmt.Errorf("%s.%s: %w", category, source, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Categories lists every category in a fixed order.
func Categories() []domain.GuardrailCategory {
	return []domain.GuardrailCategory{
		domain.CategoryPromptOverride,
		domain.CategoryInjectionMarkup,
		domain.CategoryScriptMarkup,
		domain.CategoryProtocolScheme,
		domain.CategoryCommandSubstitution,
		domain.CategoryShellMetacharacter,
		domain.CategoryPathTraversal,
		domain.CategoryCredential,
		domain.CategoryEncodedPayload,
	}
}
