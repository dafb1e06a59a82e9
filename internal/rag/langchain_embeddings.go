package rag

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// LangchainEmbeddingProvider 通过 langchaingo 调用 OpenAI 兼容的向量化接口（如本地模型服务）
type LangchainEmbeddingProvider struct {
	embedder embeddings.Embedder
	model    string
	dim      int
}

// NewLangchainEmbeddingProvider 创建 langchaingo 向量化服务，token 为空时使用 "none"
func NewLangchainEmbeddingProvider(baseURL, token, model string, dim int) (*LangchainEmbeddingProvider, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("%w: langchain 向量化服务需要 base_url", ErrInvalidInput)
	}
	if model == "" {
		return nil, fmt.Errorf("%w: langchain 向量化服务需要 model", ErrInvalidInput)
	}
	if token == "" {
		token = "none"
	}
	if dim <= 0 {
		dim = 768
	}

	client, err := openai.New(
		openai.WithBaseURL(baseURL),
		openai.WithToken(token),
		openai.WithEmbeddingModel(model),
	)
	if err != nil {
		return nil, fmt.Errorf("创建 langchaingo 客户端失败: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, fmt.Errorf("创建 langchaingo embedder 失败: %w", err)
	}

	return &LangchainEmbeddingProvider{embedder: embedder, model: model, dim: dim}, nil
}

func (p *LangchainEmbeddingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	return p.embedder.EmbedQuery(ctx, text)
}

func (p *LangchainEmbeddingProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vectors, err := p.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("langchaingo 向量化失败: %w", err)
	}
	return vectors, nil
}

func (p *LangchainEmbeddingProvider) GetModel() string        { return p.model }
func (p *LangchainEmbeddingProvider) GetProviderName() string { return "langchain" }
func (p *LangchainEmbeddingProvider) Dimension() int          { return p.dim }
