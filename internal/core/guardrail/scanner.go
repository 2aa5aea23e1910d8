// Package guardrail scans retrieved context and drafted output for
// instruction-injection and unsafe-content patterns.
package guardrail

import (
	"strings"
	"unicode/utf8"

	"github.com/kirillkom/grounded-retrieval/internal/core/domain"
)

const (
	maxSpanBytes = 160
	// windowOverlap bounds the longest match that can straddle two windows.
	windowOverlap = 1024
)

// Scanner is stateless after construction and safe for concurrent use.
type Scanner struct {
	profile Profile
}

func NewScanner(profile Profile) *Scanner {
	return &Scanner{profile: profile.WithDefaults()}
}

func (s *Scanner) Profile() Profile {
	return s.profile
}

// Scan reports every enabled category match in text. Input longer than
// MaxScanBytes is scanned in overlapping windows so no byte goes unseen.
func (s *Scanner) Scan(text string, source domain.FindingSource) []domain.GuardrailFinding {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	findings := make([]domain.GuardrailFinding, 0)
	perCategory := make(map[domain.GuardrailCategory]int)
	seen := make(map[string]struct{})

	add := func(category domain.GuardrailCategory, span string) {
		severity := s.profile.Severity(category, source)
		if severity == domain.SeverityOff || severity.Rank() == 0 {
			return
		}
		if perCategory[category] >= s.profile.MaxFindingsPerCategory {
			return
		}
		span = truncateUTF8(span, maxSpanBytes)
		key := string(category) + "\x00" + span
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		perCategory[category]++
		findings = append(findings, domain.GuardrailFinding{
			Category:    category,
			Severity:    severity,
			MatchedSpan: span,
			Source:      source,
		})
	}

	for _, window := range windows(text, s.profile.MaxScanBytes, windowOverlap) {
		for _, p := range patterns {
			for _, m := range p.re.FindAllString(window, s.profile.MaxFindingsPerCategory) {
				add(p.category, m)
			}
		}
		for _, hit := range scanMarkup(window) {
			add(hit.category, hit.span)
		}
	}
	return findings
}

// ScanPassages scans title and text of each passage as retrieved context.
func (s *Scanner) ScanPassages(passages []domain.Passage) []domain.GuardrailFinding {
	findings := make([]domain.GuardrailFinding, 0)
	for _, p := range passages {
		body := p.Text
		if p.Title != "" {
			body = p.Title + "\n" + p.Text
		}
		for _, f := range s.Scan(body, domain.SourceRetrievedContext) {
			f.PassageID = p.ID
			findings = append(findings, f)
		}
	}
	return findings
}

// Decide maps the strongest finding to a workflow decision.
func Decide(findings []domain.GuardrailFinding) domain.GuardrailDecision {
	switch domain.MaxSeverity(findings) {
	case domain.SeverityHigh:
		return domain.DecisionBlock
	case domain.SeverityMedium:
		return domain.DecisionRegenerate
	case domain.SeverityLow:
		return domain.DecisionWarn
	default:
		return domain.DecisionAllow
	}
}

// PassagesAtLeast returns ids of passages with a finding of at least min severity.
func PassagesAtLeast(findings []domain.GuardrailFinding, min domain.Severity) map[string]struct{} {
	out := make(map[string]struct{})
	for _, f := range findings {
		if f.PassageID != "" && f.Severity.AtLeast(min) {
			out[f.PassageID] = struct{}{}
		}
	}
	return out
}

func truncateUTF8(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// windows splits text into chunks of at most size bytes on rune boundaries.
// Consecutive chunks share up to overlap bytes.
func windows(text string, size, overlap int) []string {
	if size <= 0 || len(text) <= size {
		return []string{text}
	}
	overlap = min(overlap, size/2)

	out := make([]string, 0, len(text)/(size-overlap)+1)
	start := 0
	for {
		end := start + size
		if end >= len(text) {
			return append(out, text[start:])
		}
		for end > start && !utf8.RuneStart(text[end]) {
			end--
		}
		out = append(out, text[start:end])

		next := end - overlap
		for next > start && !utf8.RuneStart(text[next]) {
			next--
		}
		if next <= start {
			next = end
		}
		start = next
	}
}
