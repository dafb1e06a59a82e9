package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"kbindex/internal/metrics"

	"github.com/redis/go-redis/v9"
)

// EmbeddingCache 向量缓存，本地 map 为 L1，Redis 为 L2
type EmbeddingCache struct {
	redis        redis.UniversalClient
	prefix       string
	ttl          time.Duration
	maxLocalSize int

	mu    sync.RWMutex
	local map[string][]float32
}

// CachedEmbedding 缓存的向量
type CachedEmbedding struct {
	Vector    []float32 `json:"vector"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewEmbeddingCache 创建向量缓存，redisClient 为 nil 时只使用本地缓存
func NewEmbeddingCache(redisClient redis.UniversalClient, prefix string, ttl time.Duration) *EmbeddingCache {
	if prefix == "" {
		prefix = "kbindex:emb:"
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour // 默认 7 天
	}
	return &EmbeddingCache{
		redis:        redisClient,
		prefix:       prefix,
		ttl:          ttl,
		maxLocalSize: 10000,
		local:        make(map[string][]float32),
	}
}

// Get 获取缓存的向量
func (c *EmbeddingCache) Get(ctx context.Context, text, model string) ([]float32, bool) {
	key := c.makeKey(text, model)

	c.mu.RLock()
	vec, ok := c.local[key]
	c.mu.RUnlock()
	if ok {
		metrics.EmbeddingCacheTotal.WithLabelValues("hit").Inc()
		return vec, true
	}

	if c.redis != nil {
		data, err := c.redis.Get(ctx, key).Bytes()
		if err == nil {
			var cached CachedEmbedding
			if json.Unmarshal(data, &cached) == nil {
				c.setLocal(key, cached.Vector)
				metrics.EmbeddingCacheTotal.WithLabelValues("hit").Inc()
				return cached.Vector, true
			}
		}
	}

	metrics.EmbeddingCacheTotal.WithLabelValues("miss").Inc()
	return nil, false
}

// Set 设置缓存
func (c *EmbeddingCache) Set(ctx context.Context, text, model string, vector []float32) error {
	key := c.makeKey(text, model)
	c.setLocal(key, vector)

	if c.redis == nil {
		return nil
	}
	data, err := json.Marshal(&CachedEmbedding{Vector: vector, Model: model, CreatedAt: time.Now()})
	if err != nil {
		return err
	}
	return c.redis.Set(ctx, key, data, c.ttl).Err()
}

// makeKey 生成缓存键
func (c *EmbeddingCache) makeKey(text, model string) string {
	hash := sha256.Sum256([]byte(text))
	return c.prefix + model + ":" + hex.EncodeToString(hash[:16]) // 只取前 16 字节
}

// setLocal 本地缓存满时清理一半
func (c *EmbeddingCache) setLocal(key string, vector []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.local) >= c.maxLocalSize {
		evict := c.maxLocalSize / 2
		for k := range c.local {
			if evict == 0 {
				break
			}
			delete(c.local, k)
			evict--
		}
	}
	c.local[key] = vector
}

// CachedEmbeddingProvider 带缓存的 Embedding 提供者包装器
type CachedEmbeddingProvider struct {
	provider EmbeddingProvider
	cache    *EmbeddingCache
}

// NewCachedEmbeddingProvider 创建带缓存的 Embedding 提供者
func NewCachedEmbeddingProvider(provider EmbeddingProvider, cache *EmbeddingCache) *CachedEmbeddingProvider {
	return &CachedEmbeddingProvider{
		provider: provider,
		cache:    cache,
	}
}

// Embed 单条向量化 (带缓存)
func (p *CachedEmbeddingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	model := p.provider.GetModel()

	if vec, ok := p.cache.Get(ctx, text, model); ok {
		return vec, nil
	}

	vec, err := p.provider.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	_ = p.cache.Set(ctx, text, model, vec)
	return vec, nil
}

// EmbedBatch 批量向量化 (带缓存)，只对未命中的文本调用底层服务，结果顺序与输入一致
func (p *CachedEmbeddingProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	model := p.provider.GetModel()

	result := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int
	for i, text := range texts {
		if vec, ok := p.cache.Get(ctx, text, model); ok {
			result[i] = vec
			continue
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return result, nil
	}

	vectors, err := p.provider.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(missing) {
		return nil, fmt.Errorf("向量数量不匹配: 期望 %d 实际 %d", len(missing), len(vectors))
	}

	for j, idx := range missingIdx {
		result[idx] = vectors[j]
		_ = p.cache.Set(ctx, missing[j], model, vectors[j])
	}
	return result, nil
}

// GetModel 获取模型名称
func (p *CachedEmbeddingProvider) GetModel() string {
	return p.provider.GetModel()
}

// GetProviderName 获取提供者名称
func (p *CachedEmbeddingProvider) GetProviderName() string {
	return p.provider.GetProviderName()
}

// Dimension 向量维度
func (p *CachedEmbeddingProvider) Dimension() int {
	return p.provider.Dimension()
}
