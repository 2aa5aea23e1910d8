package domain

// Passage is the immutable unit of retrievable text written by ingestion.
type Passage struct {
	ID         string          `json:"id"`
	DocumentID string          `json:"document_id"`
	Title      string          `json:"title,omitempty"`
	Text       string          `json:"text"`
	Embedding  []float32       `json:"-"`
	LexicalKey string          `json:"lexical_key,omitempty"`
	Collection string          `json:"collection,omitempty"`
	Author     string          `json:"author,omitempty"`
	SourceType string          `json:"source_type,omitempty"`
	References []ReferenceSpan `json:"references,omitempty"`
	Anchor     *Anchor         `json:"anchor,omitempty"`
}

// Anchor locates a passage by page range or media time range.
type Anchor struct {
	PageStart   int   `json:"page_start,omitempty"`
	PageEnd     int   `json:"page_end,omitempty"`
	TimeStartMs int64 `json:"time_start_ms,omitempty"`
	TimeEndMs   int64 `json:"time_end_ms,omitempty"`
}

func (a *Anchor) HasPages() bool {
	return a != nil && a.PageStart > 0
}

func (a *Anchor) HasTimes() bool {
	return a != nil && a.TimeEndMs > 0
}

// ScoredPassage is a raw hit returned by an index adapter.
type ScoredPassage struct {
	Passage Passage
	Score   float64
}
