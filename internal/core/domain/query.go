package domain

import "strings"

// Filter keys accepted from calling surfaces.
const (
	FilterCollection = "collection"
	FilterAuthor     = "author"
	FilterSourceType = "source_type"
	FilterReference  = "reference"
	FilterK          = "k"
)

// RawQuery is the unvalidated input of Retrieve and Answer.
type RawQuery struct {
	Text      string            `json:"query"`
	Filters   map[string]string `json:"filters,omitempty"`
	K         int               `json:"k,omitempty"`
	RequestID string            `json:"-"`
}

// Filters are the typed predicates applied identically by both retrievers.
type Filters struct {
	Collection string         `json:"collection,omitempty"`
	Author     string         `json:"author,omitempty"`
	SourceType string         `json:"source_type,omitempty"`
	Reference  *ReferenceSpan `json:"reference,omitempty"`
}

func (f Filters) IsZero() bool {
	return f.Collection == "" && f.Author == "" && f.SourceType == "" && f.Reference == nil
}

// Admits reports whether the passage belongs to the eligible set.
func (f Filters) Admits(p Passage) bool {
	if f.Collection != "" && !strings.EqualFold(p.Collection, f.Collection) {
		return false
	}
	if f.Author != "" && !strings.EqualFold(p.Author, f.Author) {
		return false
	}
	if f.SourceType != "" && !strings.EqualFold(p.SourceType, f.SourceType) {
		return false
	}
	if f.Reference != nil {
		for _, span := range p.References {
			if span.Intersects(*f.Reference) {
				return true
			}
		}
		return false
	}
	return true
}

// Query is the normalized, validated form of RawQuery.
type Query struct {
	Text      string  `json:"text"`
	Filters   Filters `json:"filters"`
	K         int     `json:"k"`
	RequestID string  `json:"request_id"`
}
