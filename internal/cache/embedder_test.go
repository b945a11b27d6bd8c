package cache_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lodestone/internal/cache"
)

type countingEmbedder struct {
	calls int
	vec   []float32
	err   error
}

func (c *countingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = c.vec
	}
	return out, nil
}

func newTestCache(t *testing.T, inner *countingEmbedder) *cache.CachedEmbedder {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return cache.NewCachedEmbedder(inner, client, "text-embedding-004", time.Hour)
}

func TestCachedEmbedder_HitSkipsProvider(t *testing.T) {
	inner := &countingEmbedder{vec: []float32{0.1, 0.2}}
	c := newTestCache(t, inner)
	ctx := context.Background()

	first, err := c.Embed(ctx, []string{"refund policy"})
	require.NoError(t, err)
	assert.Equal(t, 1, inner.calls)

	second, err := c.Embed(ctx, []string{"refund policy"})
	require.NoError(t, err)
	assert.Equal(t, 1, inner.calls, "second lookup must come from cache")
	assert.Equal(t, first, second)
}

func TestCachedEmbedder_DistinctQueries(t *testing.T) {
	inner := &countingEmbedder{vec: []float32{0.5}}
	c := newTestCache(t, inner)
	ctx := context.Background()

	_, err := c.Embed(ctx, []string{"query one"})
	require.NoError(t, err)
	_, err = c.Embed(ctx, []string{"query two"})
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
}

func TestCachedEmbedder_BatchBypassesCache(t *testing.T) {
	inner := &countingEmbedder{vec: []float32{0.5}}
	c := newTestCache(t, inner)
	ctx := context.Background()

	batch := []string{"a", "b"}
	_, err := c.Embed(ctx, batch)
	require.NoError(t, err)
	_, err = c.Embed(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls, "multi-text calls never touch the cache")
}

func TestCachedEmbedder_ProviderErrorNotCached(t *testing.T) {
	inner := &countingEmbedder{err: errors.New("provider down")}
	c := newTestCache(t, inner)
	ctx := context.Background()

	_, err := c.Embed(ctx, []string{"q"})
	require.Error(t, err)

	inner.err = nil
	inner.vec = []float32{0.9}
	vecs, err := c.Embed(ctx, []string{"q"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0.9}}, vecs)
	assert.Equal(t, 2, inner.calls)
}

func TestCachedEmbedder_RedisDownFallsThrough(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	inner := &countingEmbedder{vec: []float32{0.3}}
	c := cache.NewCachedEmbedder(inner, client, "model", time.Hour)

	mr.Close()

	vecs, err := c.Embed(context.Background(), []string{"q"})
	require.NoError(t, err, "cache outage must not fail the query")
	assert.Equal(t, [][]float32{{0.3}}, vecs)
	assert.Equal(t, 1, inner.calls)
}
