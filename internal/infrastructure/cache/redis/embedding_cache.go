// Package redis caches query embeddings so repeated questions skip the
// embedding round trip.
package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kirillkom/grounded-retrieval/internal/core/ports"
)

const (
	embeddingPrefix = "emb:"
	DefaultEmbedTTL = 24 * time.Hour
	cacheOpTimeout  = 150 * time.Millisecond
)

var _ ports.QueryEmbedder = (*CachedEmbedder)(nil)

// CachedEmbedder wraps a QueryEmbedder. Redis failures are logged and the
// call falls through to the wrapped embedder.
type CachedEmbedder struct {
	client *redis.Client
	inner  ports.QueryEmbedder
	model  string
	ttl    time.Duration
	logger *slog.Logger
}

func NewCachedEmbedder(client *redis.Client, inner ports.QueryEmbedder, model string, ttl time.Duration, logger *slog.Logger) *CachedEmbedder {
	if ttl <= 0 {
		ttl = DefaultEmbedTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedEmbedder{client: client, inner: inner, model: model, ttl: ttl, logger: logger}
}

func (c *CachedEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	key := embeddingKey(c.model, text)

	if vector, ok := c.lookup(ctx, key); ok {
		return vector, nil
	}

	vector, err := c.inner.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, vector)
	return vector, nil
}

func (c *CachedEmbedder) lookup(ctx context.Context, key string) ([]float32, bool) {
	opCtx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	data, err := c.client.Get(opCtx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		c.logger.Warn("embedding_cache_get_failed", "error", err)
		return nil, false
	}

	var vector []float32
	if err := json.Unmarshal(data, &vector); err != nil || len(vector) == 0 {
		c.logger.Warn("embedding_cache_corrupt", "key", key, "error", err)
		return nil, false
	}
	return vector, true
}

func (c *CachedEmbedder) store(ctx context.Context, key string, vector []float32) {
	data, err := json.Marshal(vector)
	if err != nil {
		return
	}
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cacheOpTimeout)
	defer cancel()

	if err := c.client.Set(opCtx, key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("embedding_cache_set_failed", "error", err)
	}
}

func embeddingKey(model, text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("%s%s:%s", embeddingPrefix, model, hex.EncodeToString(sum[:]))
}

// NewClient builds a client and verifies the connection.
func NewClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}
