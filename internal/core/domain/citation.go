package domain

type AnchorType string

const (
	AnchorNone      AnchorType = "none"
	AnchorReference AnchorType = "reference"
	AnchorPage      AnchorType = "page"
	AnchorTimestamp AnchorType = "timestamp"
)

type Citation struct {
	ReferenceText string     `json:"reference_text"`
	AnchorType    AnchorType `json:"anchor_type"`
	AnchorValue   string     `json:"anchor_value,omitempty"`
	PassageID     string     `json:"passage_id"`
}

// Draft is the generation collaborator's output before validation.
type Draft struct {
	Text      string     `json:"text"`
	Citations []Citation `json:"citations"`
}

type CitationIssue string

const (
	IssueUnknownPassage     CitationIssue = "unknown_passage"
	IssueAnchorMismatch     CitationIssue = "anchor_mismatch"
	IssueMalformedAnchor    CitationIssue = "malformed_anchor"
	IssueAnchorUnverifiable CitationIssue = "anchor_unverifiable"
)

type CitationCheck struct {
	Citation Citation      `json:"citation"`
	Issue    CitationIssue `json:"issue,omitempty"`
}

func (c CitationCheck) Supported() bool {
	return c.Issue == ""
}

type GroundingVerdict struct {
	Grounded         bool            `json:"grounded"`
	Checks           []CitationCheck `json:"checks"`
	UnsupportedRatio float64         `json:"unsupported_ratio"`
	MissingCitations bool            `json:"missing_citations,omitempty"`

	// EmptyDraft is set when the draft has no text to ground.
	EmptyDraft bool `json:"empty_draft,omitempty"`
}

func (v GroundingVerdict) Unsupported() []CitationCheck {
	out := make([]CitationCheck, 0)
	for _, c := range v.Checks {
		if !c.Supported() {
			out = append(out, c)
		}
	}
	return out
}
