package qdrant

import (
	"strings"

	"github.com/kirillkom/grounded-retrieval/internal/core/domain"
)

// buildFilter mirrors domain.Filters.Admits. Ingestion stores collection,
// author and source_type lower-cased.
func buildFilter(filters domain.Filters) map[string]any {
	if filters.IsZero() {
		return nil
	}

	must := make([]map[string]any, 0, 4)
	match := func(key, value string) {
		if value == "" {
			return
		}
		must = append(must, map[string]any{
			"key":   key,
			"match": map[string]any{"value": strings.ToLower(value)},
		})
	}
	match(keyCollection, filters.Collection)
	match(keyAuthor, filters.Author)
	match(keySourceType, filters.SourceType)

	if ref := filters.Reference; ref != nil {
		must = append(must, map[string]any{
			"nested": map[string]any{
				"key": keyReferences,
				"filter": map[string]any{
					"must": []map[string]any{
						{"key": refWork, "match": map[string]any{"value": ref.Work}},
						{"key": refStartOrdinal, "range": map[string]any{"lte": ref.End.Ordinal()}},
						{"key": refEndOrdinal, "range": map[string]any{"gte": ref.Start.Ordinal()}},
					},
				},
			},
		})
	}
	return map[string]any{"must": must}
}
