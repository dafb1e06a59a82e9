package rag

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"kbindex/internal/config"
)

// EmbeddingProvider 抽象不同向量模型/服务的统一接口。
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	GetModel() string
	GetProviderName() string
	Dimension() int
}

// NewEmbeddingProvider 按配置创建向量化服务
func NewEmbeddingProvider(ctx context.Context, cfg config.EmbeddingConfig) (EmbeddingProvider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "openai":
		return NewOpenAIEmbeddingProvider(cfg.APIKey, cfg.Model, cfg.BaseURL, cfg.Dimension), nil
	case "gemini":
		return NewGeminiEmbeddingProvider(ctx, cfg.APIKey, cfg.Model, cfg.Dimension)
	case "langchain":
		return NewLangchainEmbeddingProvider(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.Dimension)
	case "hash":
		return NewHashEmbeddingProvider(cfg.Dimension), nil
	default:
		return nil, fmt.Errorf("%w: 未知的向量化服务 %q", ErrInvalidInput, cfg.Provider)
	}
}

const defaultHashDimension = 256

// HashEmbeddingProvider 本地特征哈希向量化，结果确定，用于测试和离线环境
type HashEmbeddingProvider struct {
	dim int
}

// NewHashEmbeddingProvider 创建哈希向量化服务
func NewHashEmbeddingProvider(dim int) *HashEmbeddingProvider {
	if dim <= 0 {
		dim = defaultHashDimension
	}
	return &HashEmbeddingProvider{dim: dim}
}

// Embed 把文本中的词哈希到固定维度并做 L2 归一化
func (p *HashEmbeddingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, p.dim)
	for _, token := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(token))
		sum := h.Sum32()
		sign := float32(1)
		if sum&1 == 1 {
			sign = -1
		}
		vec[int(sum>>1)%p.dim] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v * v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}

// EmbedBatch 逐条向量化
func (p *HashEmbeddingProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, _ := p.Embed(ctx, t)
		out[i] = v
	}
	return out, nil
}

func (p *HashEmbeddingProvider) GetModel() string        { return fmt.Sprintf("fnv-hash-%d", p.dim) }
func (p *HashEmbeddingProvider) GetProviderName() string { return "hash" }
func (p *HashEmbeddingProvider) Dimension() int          { return p.dim }
