package usecase

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/kirillkom/grounded-retrieval/internal/core/domain"
)

const maxFilterValueChars = 200

type QueryNormalizer struct {
	settings Settings
}

func NewQueryNormalizer(settings Settings) *QueryNormalizer {
	return &QueryNormalizer{settings: settings.WithDefaults()}
}

// Normalize validates raw input before any retrieval work is scheduled.
func (n *QueryNormalizer) Normalize(raw domain.RawQuery) (domain.Query, error) {
	if count := utf8.RuneCountInString(raw.Text); count > n.settings.MaxQueryChars {
		return domain.Query{}, domain.NewValidationError("query",
			fmt.Sprintf("length %d exceeds limit %d", count, n.settings.MaxQueryChars))
	}
	if !utf8.ValidString(raw.Text) {
		return domain.Query{}, domain.NewValidationError("query", "must be valid UTF-8")
	}
	text := collapseSpace(raw.Text)
	if text == "" {
		return domain.Query{}, domain.NewValidationError("query", "must not be empty")
	}

	query := domain.Query{Text: text, K: raw.K, RequestID: raw.RequestID}

	keys := make([]string, 0, len(raw.Filters))
	for key := range raw.Filters {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := strings.TrimSpace(raw.Filters[key])
		field := strings.ToLower(strings.TrimSpace(key))
		if utf8.RuneCountInString(value) > maxFilterValueChars {
			return domain.Query{}, domain.NewValidationError(field,
				fmt.Sprintf("value exceeds %d characters", maxFilterValueChars))
		}
		switch field {
		case domain.FilterCollection:
			query.Filters.Collection = value
		case domain.FilterAuthor:
			query.Filters.Author = value
		case domain.FilterSourceType:
			query.Filters.SourceType = value
		case domain.FilterReference:
			if value == "" {
				continue
			}
			span, err := domain.ParseReference(value)
			if err != nil {
				return domain.Query{}, domain.NewValidationError(field, err.Error())
			}
			query.Filters.Reference = &span
		case domain.FilterK:
			if value == "" {
				continue
			}
			k, err := strconv.Atoi(value)
			if err != nil {
				return domain.Query{}, domain.NewValidationError(field, "must be an integer")
			}
			if query.K != 0 && query.K != k {
				return domain.Query{}, domain.NewValidationError(field, "conflicts with explicit k")
			}
			query.K = k
		default:
			return domain.Query{}, domain.NewValidationError(key, "unsupported filter key")
		}
	}

	if query.K == 0 {
		query.K = n.settings.DefaultK
	}
	if query.K < n.settings.MinK || query.K > n.settings.MaxK {
		return domain.Query{}, domain.NewValidationError(domain.FilterK,
			fmt.Sprintf("must be within [%d, %d]", n.settings.MinK, n.settings.MaxK))
	}
	return query, nil
}

func collapseSpace(s string) string {
	return strings.Join(strings.FieldsFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r)
	}), " ")
}
