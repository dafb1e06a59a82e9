package rag

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"kbindex/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingEmbedder 记录底层被调用的文本
type countingEmbedder struct {
	*HashEmbeddingProvider
	mu    sync.Mutex
	calls [][]string
	err   error
}

func newCountingEmbedder(dim int) *countingEmbedder {
	return &countingEmbedder{HashEmbeddingProvider: NewHashEmbeddingProvider(dim)}
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.mu.Lock()
	c.calls = append(c.calls, append([]string(nil), texts...))
	c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	return c.HashEmbeddingProvider.EmbedBatch(ctx, texts)
}

func TestHashEmbeddingProvider(t *testing.T) {
	p := NewHashEmbeddingProvider(32)
	ctx := context.Background()

	a, err := p.Embed(ctx, "Knowledge base ingestion")
	require.NoError(t, err)
	b, err := p.Embed(ctx, "knowledge BASE ingestion!")
	require.NoError(t, err)

	assert.Len(t, a, 32)
	assert.Equal(t, a, b, "大小写与标点不影响结果")

	var norm float64
	for _, v := range a {
		norm += float64(v * v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)

	empty, err := p.Embed(ctx, "")
	require.NoError(t, err)
	assert.Len(t, empty, 32)

	assert.Equal(t, 256, NewHashEmbeddingProvider(0).Dimension())
	assert.Equal(t, "hash", p.GetProviderName())
}

func TestNewEmbeddingProvider(t *testing.T) {
	ctx := context.Background()

	p, err := NewEmbeddingProvider(ctx, config.EmbeddingConfig{Provider: "hash", Dimension: 8})
	require.NoError(t, err)
	assert.Equal(t, 8, p.Dimension())

	p, err = NewEmbeddingProvider(ctx, config.EmbeddingConfig{Provider: "openai", APIKey: "sk-test"})
	require.NoError(t, err)
	assert.Equal(t, "openai", p.GetProviderName())
	assert.Equal(t, 1536, p.Dimension())

	_, err = NewEmbeddingProvider(ctx, config.EmbeddingConfig{Provider: "langchain"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = NewEmbeddingProvider(ctx, config.EmbeddingConfig{Provider: "word2vec"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCachedEmbeddingProvider_OnlyEmbedsMisses(t *testing.T) {
	inner := newCountingEmbedder(16)
	cached := NewCachedEmbeddingProvider(inner, NewEmbeddingCache(nil, "", 0))
	ctx := context.Background()

	first, err := cached.EmbedBatch(ctx, []string{"alpha", "beta"})
	require.NoError(t, err)
	require.Len(t, first, 2)

	second, err := cached.EmbedBatch(ctx, []string{"beta", "gamma", "alpha"})
	require.NoError(t, err)
	require.Len(t, second, 3)

	assert.Equal(t, first[1], second[0])
	assert.Equal(t, first[0], second[2])
	require.Len(t, inner.calls, 2)
	assert.Equal(t, []string{"gamma"}, inner.calls[1])

	// 全部命中时不调用底层服务
	_, err = cached.EmbedBatch(ctx, []string{"alpha", "gamma"})
	require.NoError(t, err)
	assert.Len(t, inner.calls, 2)
	assert.Equal(t, 16, cached.Dimension())
}

func TestCachedEmbeddingProvider_PropagatesError(t *testing.T) {
	inner := newCountingEmbedder(4)
	inner.err = errors.New("quota exceeded")
	cached := NewCachedEmbeddingProvider(inner, NewEmbeddingCache(nil, "", 0))

	_, err := cached.EmbedBatch(context.Background(), []string{"x"})
	assert.EqualError(t, err, "quota exceeded")
}

func TestEmbeddingCache_LocalEviction(t *testing.T) {
	cache := NewEmbeddingCache(nil, "t:", 0)
	cache.maxLocalSize = 4
	ctx := context.Background()

	for _, s := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, cache.Set(ctx, s, "m", []float32{1}))
	}
	assert.LessOrEqual(t, len(cache.local), 4)
	_, ok := cache.Get(ctx, "e", "m")
	assert.True(t, ok)
}
