package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"lodestone/internal/metrics"
	"lodestone/internal/retrieval"
)

// CachedEmbedder wraps an embedder with a Redis result cache for single-text
// (query) calls. Ingestion batches bypass the cache; cache trouble is logged
// and absorbed, never surfaced to the caller.
type CachedEmbedder struct {
	inner     retrieval.Embedder
	client    *redis.Client
	namespace string
	ttl       time.Duration
}

// NewCachedEmbedder keys cache entries by namespace (the embedding model
// name) so vectors from different models never mix.
func NewCachedEmbedder(inner retrieval.Embedder, client *redis.Client, namespace string, ttl time.Duration) *CachedEmbedder {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &CachedEmbedder{inner: inner, client: client, namespace: namespace, ttl: ttl}
}

func (c *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if c.client == nil || len(texts) != 1 {
		return c.inner.Embed(ctx, texts)
	}

	key := c.key(texts[0])
	if data, err := c.client.Get(ctx, key).Bytes(); err == nil {
		var vec []float32
		if err := json.Unmarshal(data, &vec); err == nil && len(vec) > 0 {
			metrics.CacheHit()
			return [][]float32{vec}, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		slog.WarnContext(ctx, "embedding cache read failed", "error", err)
	}
	metrics.CacheMiss()

	vecs, err := c.inner.Embed(ctx, texts)
	if err != nil || len(vecs) != 1 {
		return vecs, err
	}

	if data, err := json.Marshal(vecs[0]); err == nil {
		if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
			slog.WarnContext(ctx, "embedding cache write failed", "error", err)
		}
	}
	return vecs, nil
}

func (c *CachedEmbedder) key(text string) string {
	sum := sha256.Sum256([]byte(c.namespace + "\x00" + text))
	return "embed:" + hex.EncodeToString(sum[:])
}
