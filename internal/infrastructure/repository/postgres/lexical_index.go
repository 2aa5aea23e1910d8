package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kirillkom/grounded-retrieval/internal/core/domain"
	"github.com/kirillkom/grounded-retrieval/internal/core/ports"
	"github.com/kirillkom/grounded-retrieval/internal/infrastructure/resilience"
)

// LexicalIndex ranks passages with ts_rank_cd over the ingestion-owned
// passages table. The tsvector column uses the 'simple' configuration so
// scripture book names and numerals are not stemmed away.
type LexicalIndex struct {
	db       *sql.DB
	executor *resilience.Executor
}

var _ ports.LexicalIndex = (*LexicalIndex)(nil)

func NewLexicalIndex(db *sql.DB, executor *resilience.Executor) *LexicalIndex {
	return &LexicalIndex{db: db, executor: executor}
}

const lexicalSelect = `
SELECT p.id, p.document_id, COALESCE(p.title, ''), p.text, COALESCE(p.lexical_key, ''),
	COALESCE(p.collection, ''), COALESCE(p.author, ''), COALESCE(p.source_type, ''),
	COALESCE(p.refs, '[]'::jsonb), COALESCE(p.page_start, 0), COALESCE(p.page_end, 0),
	COALESCE(p.time_start_ms, 0), COALESCE(p.time_end_ms, 0),
	ts_rank_cd(p.tsv, q) AS score
FROM passages p, plainto_tsquery('simple', $1) q
WHERE p.tsv @@ q`

// buildLexicalQuery renders the filter predicates as bind parameters.
func buildLexicalQuery(text string, limit int, filters domain.Filters) (string, []any) {
	var b strings.Builder
	b.WriteString(lexicalSelect)
	args := []any{text}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filters.Collection != "" {
		b.WriteString("\n\tAND lower(p.collection) = " + arg(strings.ToLower(filters.Collection)))
	}
	if filters.Author != "" {
		b.WriteString("\n\tAND lower(p.author) = " + arg(strings.ToLower(filters.Author)))
	}
	if filters.SourceType != "" {
		b.WriteString("\n\tAND lower(p.source_type) = " + arg(strings.ToLower(filters.SourceType)))
	}
	if ref := filters.Reference; ref != nil {
		work := arg(ref.Work)
		end := arg(ref.End.Ordinal())
		start := arg(ref.Start.Ordinal())
		fmt.Fprintf(&b, `
	AND EXISTS (
		SELECT 1 FROM jsonb_array_elements(p.refs) r
		WHERE r->>'work' = %s
		AND (r->>'start_ordinal')::bigint <= %s
		AND (r->>'end_ordinal')::bigint >= %s
	)`, work, end, start)
	}
	b.WriteString("\nORDER BY score DESC, p.id ASC\nLIMIT " + arg(limit))
	return b.String(), args
}

func (l *LexicalIndex) SearchLexical(ctx context.Context, text string, limit int, filters domain.Filters) ([]domain.ScoredPassage, error) {
	query, args := buildLexicalQuery(text, limit, filters)
	out, err := resilience.Call(ctx, l.executor, "postgres.search_lexical", func(callCtx context.Context) ([]domain.ScoredPassage, error) {
		return l.query(callCtx, query, args)
	}, resilience.ClassifyTransport)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, domain.WrapError(domain.ErrIndexUnavailable, "postgres lexical search", err)
	}
	return out, nil
}

func (l *LexicalIndex) query(ctx context.Context, query string, args []any) ([]domain.ScoredPassage, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query passages: %w", err)
	}
	defer rows.Close()

	out := make([]domain.ScoredPassage, 0)
	for rows.Next() {
		hit, err := scanPassage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate passages: %w", err)
	}
	return out, nil
}

type storedReference struct {
	Work         string `json:"work"`
	StartOrdinal int64  `json:"start_ordinal"`
	EndOrdinal   int64  `json:"end_ordinal"`
}

func scanPassage(rows *sql.Rows) (domain.ScoredPassage, error) {
	var (
		p       domain.Passage
		refsRaw []byte
		anchor  domain.Anchor
		score   float64
	)
	err := rows.Scan(
		&p.ID, &p.DocumentID, &p.Title, &p.Text, &p.LexicalKey,
		&p.Collection, &p.Author, &p.SourceType,
		&refsRaw, &anchor.PageStart, &anchor.PageEnd, &anchor.TimeStartMs, &anchor.TimeEndMs,
		&score,
	)
	if err != nil {
		return domain.ScoredPassage{}, fmt.Errorf("scan passage: %w", err)
	}

	var refs []storedReference
	if err := json.Unmarshal(refsRaw, &refs); err != nil {
		return domain.ScoredPassage{}, fmt.Errorf("unmarshal references of %s: %w", p.ID, err)
	}
	for _, r := range refs {
		if r.Work == "" || r.StartOrdinal <= 0 || r.EndOrdinal < r.StartOrdinal {
			continue
		}
		p.References = append(p.References, domain.ReferenceSpan{
			Work:  domain.NormalizeWork(r.Work),
			Start: domain.LocusFromOrdinal(r.StartOrdinal),
			End:   domain.LocusFromOrdinal(r.EndOrdinal),
		})
	}
	if anchor != (domain.Anchor{}) {
		p.Anchor = &anchor
	}
	return domain.ScoredPassage{Passage: p, Score: score}, nil
}
