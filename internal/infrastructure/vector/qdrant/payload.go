package qdrant

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/kirillkom/grounded-retrieval/internal/core/domain"
)

// Payload keys written by ingestion.
const (
	keyPassageID   = "passage_id"
	keyDocumentID  = "doc_id"
	keyTitle       = "title"
	keyText        = "text"
	keyLexicalKey  = "lexical_key"
	keyCollection  = "collection"
	keyAuthor      = "author"
	keySourceType  = "source_type"
	keyReferences  = "references"
	keyPageStart   = "page_start"
	keyPageEnd     = "page_end"
	keyTimeStartMs = "time_start_ms"
	keyTimeEndMs   = "time_end_ms"

	refWork         = "work"
	refStartOrdinal = "start_ordinal"
	refEndOrdinal   = "end_ordinal"
)

func passageFromPayload(payload map[string]any) domain.Passage {
	p := domain.Passage{
		ID:         getStringPayload(payload, keyPassageID),
		DocumentID: getStringPayload(payload, keyDocumentID),
		Title:      getStringPayload(payload, keyTitle),
		Text:       getStringPayload(payload, keyText),
		LexicalKey: getStringPayload(payload, keyLexicalKey),
		Collection: getStringPayload(payload, keyCollection),
		Author:     getStringPayload(payload, keyAuthor),
		SourceType: getStringPayload(payload, keySourceType),
		References: referencesFromPayload(payload[keyReferences]),
	}

	anchor := domain.Anchor{
		PageStart:   int(getIntPayload(payload, keyPageStart)),
		PageEnd:     int(getIntPayload(payload, keyPageEnd)),
		TimeStartMs: getIntPayload(payload, keyTimeStartMs),
		TimeEndMs:   getIntPayload(payload, keyTimeEndMs),
	}
	if anchor != (domain.Anchor{}) {
		p.Anchor = &anchor
	}
	return p
}

func referencesFromPayload(raw any) []domain.ReferenceSpan {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]domain.ReferenceSpan, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		work := domain.NormalizeWork(getStringPayload(m, refWork))
		start, end := getIntPayload(m, refStartOrdinal), getIntPayload(m, refEndOrdinal)
		if work == "" || start <= 0 || end < start {
			continue
		}
		out = append(out, domain.ReferenceSpan{Work: work, Start: domain.LocusFromOrdinal(start), End: domain.LocusFromOrdinal(end)})
	}
	return out
}

func getStringPayload(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func getIntPayload(payload map[string]any, key string) int64 {
	switch v := payload[key].(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0
		}
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	case string:
		n, _ := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return n
	default:
		return 0
	}
}
