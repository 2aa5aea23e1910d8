package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/grounded-retrieval/internal/core/domain"
	"github.com/kirillkom/grounded-retrieval/internal/core/ports"
	"github.com/kirillkom/grounded-retrieval/internal/infrastructure/resilience"
)

const (
	DefaultDenseVector  = "dense"
	DefaultSparseVector = "lexical"
)

// Client searches a passage collection written by ingestion. The collection
// carries a named dense vector and a named sparse vector per point.
type Client struct {
	baseURL      string
	collection   string
	denseVector  string
	sparseVector string
	httpClient   *http.Client
	executor     *resilience.Executor
	threshold    float64
}

type Options struct {
	HTTPClient   *http.Client
	Executor     *resilience.Executor
	DenseVector  string
	SparseVector string

	// ScoreThreshold is sent as score_threshold on dense searches when set.
	ScoreThreshold float64
}

var (
	_ ports.VectorIndex  = (*Client)(nil)
	_ ports.LexicalIndex = (*Client)(nil)
)

func New(baseURL, collection string, opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	dense := opts.DenseVector
	if dense == "" {
		dense = DefaultDenseVector
	}
	sparse := opts.SparseVector
	if sparse == "" {
		sparse = DefaultSparseVector
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		collection:   collection,
		denseVector:  dense,
		sparseVector: sparse,
		httpClient:   httpClient,
		executor:     opts.Executor,
		threshold:    opts.ScoreThreshold,
	}
}

type namedVector struct {
	Name   string `json:"name"`
	Vector any    `json:"vector"`
}

type searchRequest struct {
	Vector         namedVector    `json:"vector"`
	Limit          int            `json:"limit"`
	WithPayload    bool           `json:"with_payload"`
	Filter         map[string]any `json:"filter,omitempty"`
	ScoreThreshold *float64       `json:"score_threshold,omitempty"`
}

type searchResponse struct {
	Result []struct {
		ID      any            `json:"id"`
		Score   float64        `json:"score"`
		Payload map[string]any `json:"payload"`
	} `json:"result"`
}

func (c *Client) SearchVector(ctx context.Context, vector []float32, limit int, filters domain.Filters) ([]domain.ScoredPassage, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("qdrant search vector: empty query vector")
	}
	req := searchRequest{
		Vector:      namedVector{Name: c.denseVector, Vector: vector},
		Limit:       limit,
		WithPayload: true,
		Filter:      buildFilter(filters),
	}
	if c.threshold > 0 {
		threshold := c.threshold
		req.ScoreThreshold = &threshold
	}
	return c.searchWithPolicy(ctx, "qdrant.search_vector", req)
}

// SearchLexical scores by the sparse term-weight vector written at ingestion.
func (c *Client) SearchLexical(ctx context.Context, text string, limit int, filters domain.Filters) ([]domain.ScoredPassage, error) {
	sparse := encodeSparseQuery(text)
	if len(sparse.Indices) == 0 {
		return []domain.ScoredPassage{}, nil
	}
	req := searchRequest{
		Vector:      namedVector{Name: c.sparseVector, Vector: sparse},
		Limit:       limit,
		WithPayload: true,
		Filter:      buildFilter(filters),
	}
	return c.searchWithPolicy(ctx, "qdrant.search_lexical", req)
}

// Ping checks that the collection is reachable.
func (c *Client) Ping(ctx context.Context) error {
	url := fmt.Sprintf("%s/collections/%s", c.baseURL, c.collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create ping request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.WrapError(domain.ErrIndexUnavailable, "qdrant ping", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return domain.WrapError(domain.ErrIndexUnavailable, "qdrant ping", resilience.NewHTTPStatusError("qdrant", "ping", resp))
	}
	return nil
}

func (c *Client) searchWithPolicy(ctx context.Context, operation string, req searchRequest) ([]domain.ScoredPassage, error) {
	out, err := resilience.Call(ctx, c.executor, operation, func(callCtx context.Context) ([]domain.ScoredPassage, error) {
		return c.search(callCtx, req)
	}, resilience.ClassifyTransport)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, domain.WrapError(domain.ErrIndexUnavailable, operation, err)
	}
	return out, nil
}

func (c *Client) search(ctx context.Context, reqBody searchRequest) ([]domain.ScoredPassage, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal search body: %w", err)
	}

	url := fmt.Sprintf("%s/collections/%s/points/search", c.baseURL, c.collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("qdrant search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, resilience.NewHTTPStatusError("qdrant", "search", resp)
	}

	var searchResp searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&searchResp); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	out := make([]domain.ScoredPassage, 0, len(searchResp.Result))
	for _, r := range searchResp.Result {
		p := passageFromPayload(r.Payload)
		if p.ID == "" && r.ID != nil {
			p.ID = fmt.Sprintf("%v", r.ID)
		}
		out = append(out, domain.ScoredPassage{Passage: p, Score: r.Score})
	}
	return out, nil
}
