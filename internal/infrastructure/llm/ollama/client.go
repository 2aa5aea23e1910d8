package ollama

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/grounded-retrieval/internal/core/domain"
	"github.com/kirillkom/grounded-retrieval/internal/core/ports"
	"github.com/kirillkom/grounded-retrieval/internal/infrastructure/resilience"
)

type Client struct {
	baseURL    string
	genModel   string
	embedModel string
	httpClient *http.Client
	executor   *resilience.Executor
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

func WithExecutor(executor *resilience.Executor) Option {
	return func(c *Client) {
		c.executor = executor
	}
}

func New(baseURL, genModel, embedModel string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		genModel:   genModel,
		embedModel: embedModel,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type Embedder struct {
	client *Client
}

var _ ports.QueryEmbedder = (*Embedder)(nil)

func NewEmbedder(client *Client) *Embedder {
	return &Embedder{client: client}
}

// Model names the embedding model; cache keys depend on it.
func (e *Embedder) Model() string {
	return e.client.embedModel
}

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	request := map[string]any{
		"model": e.client.embedModel,
		"input": []string{text},
	}

	var response struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	err := e.client.call(ctx, "ollama.embed", func(callCtx context.Context) error {
		return e.client.postJSON(callCtx, "embed", "/api/embed", request, &response)
	})
	if err != nil {
		return nil, err
	}
	if len(response.Embeddings) == 0 || len(response.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("empty embedding result")
	}
	return response.Embeddings[0], nil
}

// Drafter produces a cited draft. The model is told to mark every claim with
// an inline [cite:...] marker, which parseDraft turns into citations.
type Drafter struct {
	client *Client
}

var _ ports.AnswerDrafter = (*Drafter)(nil)

func NewDrafter(client *Client) *Drafter {
	return &Drafter{client: client}
}

func (d *Drafter) Draft(ctx context.Context, req ports.DraftRequest) (domain.Draft, error) {
	raw, err := d.client.generateText(ctx, buildDraftPrompt(req))
	if err != nil {
		return domain.Draft{}, err
	}
	return parseDraft(raw, req.Passages), nil
}

func (c *Client) generateText(ctx context.Context, prompt string) (string, error) {
	reqBody := map[string]any{
		"model":  c.genModel,
		"prompt": prompt,
		"stream": false,
		"options": map[string]any{
			"temperature": 0.1,
		},
	}

	var response struct {
		Response string `json:"response"`
	}
	err := c.call(ctx, "ollama.generate", func(callCtx context.Context) error {
		return c.postJSON(callCtx, "generate", "/api/generate", reqBody, &response)
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(response.Response), nil
}
