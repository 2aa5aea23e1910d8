package usecase

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/kirillkom/grounded-retrieval/internal/core/domain"
)

var errMalformedAnchor = errors.New("malformed anchor")

// CitationValidator checks drafted citations against the passages that were
// supplied to generation.
type CitationValidator struct {
	policy GroundingPolicy
}

func NewCitationValidator(policy GroundingPolicy) *CitationValidator {
	if policy.MaxUnsupportedRatio < 0 || policy.MaxUnsupportedRatio > 1 {
		policy.MaxUnsupportedRatio = 0
	}
	return &CitationValidator{policy: policy}
}

func (v *CitationValidator) Validate(draft domain.Draft, supplied []domain.Passage) domain.GroundingVerdict {
	byID := make(map[string]domain.Passage, len(supplied))
	for _, p := range supplied {
		byID[p.ID] = p
	}

	verdict := domain.GroundingVerdict{Checks: make([]domain.CitationCheck, 0, len(draft.Citations))}
	unsupported := 0
	unknown := false
	for _, c := range draft.Citations {
		check := domain.CitationCheck{Citation: c}
		passage, ok := byID[c.PassageID]
		if !ok {
			check.Issue = domain.IssueUnknownPassage
			unknown = true
		} else {
			check.Issue = checkAnchor(c, passage)
		}
		if check.Issue != "" {
			unsupported++
		}
		verdict.Checks = append(verdict.Checks, check)
	}

	if strings.TrimSpace(draft.Text) == "" {
		verdict.EmptyDraft = true
		return verdict
	}
	if len(draft.Citations) == 0 {
		verdict.MissingCitations = v.policy.RequireCitations
		verdict.Grounded = !verdict.MissingCitations
		return verdict
	}

	verdict.UnsupportedRatio = float64(unsupported) / float64(len(draft.Citations))
	verdict.Grounded = !unknown && verdict.UnsupportedRatio <= v.policy.MaxUnsupportedRatio
	return verdict
}

func checkAnchor(c domain.Citation, p domain.Passage) domain.CitationIssue {
	value := strings.TrimSpace(c.AnchorValue)
	switch c.AnchorType {
	case "", domain.AnchorNone:
		return ""
	case domain.AnchorReference:
		if value == "" {
			value = strings.TrimSpace(c.ReferenceText)
		}
		span, err := domain.ParseReference(value)
		if err != nil {
			return domain.IssueMalformedAnchor
		}
		if len(p.References) == 0 {
			return domain.IssueAnchorUnverifiable
		}
		for _, ref := range p.References {
			if ref.Intersects(span) {
				return ""
			}
		}
		return domain.IssueAnchorMismatch
	case domain.AnchorPage:
		start, end, err := parseRange(value, parsePage)
		if err != nil {
			return domain.IssueMalformedAnchor
		}
		if !p.Anchor.HasPages() {
			return domain.IssueAnchorUnverifiable
		}
		pageEnd := p.Anchor.PageEnd
		if pageEnd < p.Anchor.PageStart {
			pageEnd = p.Anchor.PageStart
		}
		if overlaps(start, end, int64(p.Anchor.PageStart), int64(pageEnd)) {
			return ""
		}
		return domain.IssueAnchorMismatch
	case domain.AnchorTimestamp:
		start, end, err := parseRange(value, ParseTimestamp)
		if err != nil {
			return domain.IssueMalformedAnchor
		}
		if !p.Anchor.HasTimes() {
			return domain.IssueAnchorUnverifiable
		}
		if overlaps(start, end, p.Anchor.TimeStartMs, p.Anchor.TimeEndMs) {
			return ""
		}
		return domain.IssueAnchorMismatch
	default:
		return domain.IssueMalformedAnchor
	}
}

func overlaps(aStart, aEnd, bStart, bEnd int64) bool {
	return aStart <= bEnd && bStart <= aEnd
}

func parseRange(value string, parse func(string) (int64, error)) (int64, int64, error) {
	startRaw, endRaw, isRange := strings.Cut(value, "-")
	start, err := parse(startRaw)
	if err != nil {
		return 0, 0, err
	}
	if !isRange {
		return start, start, nil
	}
	end, err := parse(endRaw)
	if err != nil {
		return 0, 0, err
	}
	if end < start {
		return 0, 0, fmt.Errorf("%w: range %q ends before it starts", errMalformedAnchor, value)
	}
	return start, end, nil
}

func parsePage(s string) (int64, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "p.")
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: page %q", errMalformedAnchor, s)
	}
	return n, nil
}

// ParseTimestamp converts "hh:mm:ss", "mm:ss" or "ss" (optionally with
// ".mmm") into milliseconds.
func ParseTimestamp(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty timestamp", errMalformedAnchor)
	}
	var millis int64
	if main, frac, ok := strings.Cut(s, "."); ok {
		if len(frac) == 0 || len(frac) > 3 {
			return 0, fmt.Errorf("%w: timestamp %q", errMalformedAnchor, s)
		}
		f, err := strconv.ParseInt(frac+strings.Repeat("0", 3-len(frac)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: timestamp %q", errMalformedAnchor, s)
		}
		millis = f
		s = main
	}
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0, fmt.Errorf("%w: timestamp %q", errMalformedAnchor, s)
	}
	var seconds int64
	for i, part := range parts {
		n, err := strconv.ParseInt(part, 10, 64)
		if err != nil || n < 0 || (i > 0 && n >= 60) {
			return 0, fmt.Errorf("%w: timestamp %q", errMalformedAnchor, s)
		}
		seconds = seconds*60 + n
	}
	return seconds*1000 + millis, nil
}
