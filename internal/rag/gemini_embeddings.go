package rag

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GeminiEmbeddingProvider Gemini 向量化服务
type GeminiEmbeddingProvider struct {
	client *genai.Client
	model  string
	dim    int
}

// NewGeminiEmbeddingProvider 创建 Gemini 向量化服务
func NewGeminiEmbeddingProvider(ctx context.Context, apiKey, model string, dim int) (*GeminiEmbeddingProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: gemini api key 不能为空", ErrInvalidInput)
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("创建 gemini 客户端失败: %w", err)
	}
	if model == "" {
		model = "text-embedding-004"
	}
	if dim <= 0 {
		dim = 768
	}
	return &GeminiEmbeddingProvider{client: cl, model: model, dim: dim}, nil
}

// Close 关闭客户端
func (g *GeminiEmbeddingProvider) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

func (g *GeminiEmbeddingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := g.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch 所有文本合并为一次 BatchEmbedContents 请求
func (g *GeminiEmbeddingProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	em := g.client.EmbeddingModel(g.model)
	batch := em.NewBatch()
	for _, t := range texts {
		batch.AddContent(genai.Text(t))
	}

	resp, err := em.BatchEmbedContents(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("gemini batch embed: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("gemini 返回向量数量不匹配: 期望%d, 实际%d", len(texts), len(resp.Embeddings))
	}

	out := make([][]float32, 0, len(resp.Embeddings))
	for _, e := range resp.Embeddings {
		out = append(out, e.Values)
	}
	return out, nil
}

func (g *GeminiEmbeddingProvider) GetModel() string        { return g.model }
func (g *GeminiEmbeddingProvider) GetProviderName() string { return "gemini" }
func (g *GeminiEmbeddingProvider) Dimension() int          { return g.dim }
