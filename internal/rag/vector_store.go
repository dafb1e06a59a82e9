package rag

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"kbindex/internal/config"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Backend 向量后端标签
type Backend string

const (
	BackendEmbedded  Backend = "embedded"
	BackendClustered Backend = "clustered"
	BackendPGVector  Backend = "pgvector"
)

// 历史标签到后端的映射
var backendAliases = map[string]Backend{
	"":          BackendEmbedded,
	"embedded":  BackendEmbedded,
	"chroma":    BackendEmbedded,
	"clustered": BackendClustered,
	"milvus":    BackendClustered,
	"qdrant":    BackendClustered,
	"pgvector":  BackendPGVector,
}

// ParseBackend 解析后端标签，未知标签返回 ErrUnknownBackend
func ParseBackend(tag string) (Backend, error) {
	b, ok := backendAliases[strings.ToLower(strings.TrimSpace(tag))]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownBackend, tag)
	}
	return b, nil
}

// CollectionName 知识库对应的向量集合名
func CollectionName(knowledgeBaseID string) string {
	return "kb_" + knowledgeBaseID
}

// Chunk 一个待写入向量存储的文本分块
type Chunk struct {
	ID          string         `json:"id,omitempty"`
	Content     string         `json:"content"`
	Metadata    map[string]any `json:"metadata"`
	ContentHash string         `json:"contentHash,omitempty"`
	TokenCount  int            `json:"tokenCount,omitempty"`
}

// VectorStore 向量存储适配器，每个知识库对应一个集合
type VectorStore interface {
	// Add 写入分块并按输入顺序返回向量 id
	Add(ctx context.Context, collection string, chunks []Chunk) ([]string, error)
	// Delete 删除指定 id，不存在的 id 不算错误
	Delete(ctx context.Context, collection string, ids []string) (bool, error)
	// DeleteCollection 删除整个集合，集合不存在时什么也不做
	DeleteCollection(ctx context.Context, collection string) error
	// ListIDs 列出集合中全部向量 id，供一致性修复使用
	ListIDs(ctx context.Context, collection string) ([]string, error)
	Backend() Backend
}

// assignIDs 为未指定 id 的分块生成 uuid，并检查批内重复
func assignIDs(chunks []Chunk) ([]string, error) {
	ids := make([]string, len(chunks))
	seen := make(map[string]struct{}, len(chunks))
	for i, c := range chunks {
		id := c.ID
		if id == "" {
			id = uuid.NewString()
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: 批内向量 id 重复 %s", ErrInvalidInput, id)
		}
		seen[id] = struct{}{}
		ids[i] = id
	}
	return ids, nil
}

// embedChunks 向量化分块内容，结果数量必须与输入一致
func embedChunks(ctx context.Context, embedder EmbeddingProvider, chunks []Chunk) ([][]float32, error) {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vectors, err := embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: 向量化失败: %v", ErrVectorStore, err)
	}
	if len(vectors) != len(chunks) {
		return nil, fmt.Errorf("%w: 向量数量不匹配: 期望 %d 实际 %d", ErrVectorStore, len(chunks), len(vectors))
	}
	return vectors, nil
}

// VectorStoreDeps 构建向量后端所需的外部依赖
type VectorStoreDeps struct {
	DB         *gorm.DB
	Embedder   EmbeddingProvider
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// VectorStores 已启用后端的注册表，启动时构建一次
type VectorStores struct {
	stores     map[Backend]VectorStore
	defaultTag Backend
	closers    []func() error
}

// NewVectorStores 按配置构建全部启用的后端
func NewVectorStores(cfg config.VectorStoreConfig, deps VectorStoreDeps) (*VectorStores, error) {
	if deps.Embedder == nil {
		return nil, fmt.Errorf("%w: 缺少向量化服务", ErrInvalidInput)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	def, err := ParseBackend(cfg.DefaultBackend)
	if err != nil {
		return nil, err
	}

	tags := cfg.Enabled
	if len(tags) == 0 {
		tags = []string{string(def)}
	}

	vs := NewVectorStoreRegistry(def)
	for _, tag := range tags {
		backend, err := ParseBackend(tag)
		if err != nil {
			_ = vs.Close()
			return nil, err
		}
		if _, exists := vs.stores[backend]; exists {
			continue
		}

		switch backend {
		case BackendEmbedded:
			store, err := NewEmbeddedStore(EmbeddedOptions{
				Path:     cfg.Embedded.Path,
				InMemory: cfg.Embedded.InMemory,
				Embedder: deps.Embedder,
				Logger:   deps.Logger,
			})
			if err != nil {
				_ = vs.Close()
				return nil, err
			}
			vs.Register(store)
			vs.closers = append(vs.closers, store.Close)
		case BackendClustered:
			store, err := NewQdrantStore(QdrantOptions{
				Endpoint:        cfg.Qdrant.Endpoint,
				APIKey:          cfg.Qdrant.APIKey,
				VectorDimension: firstPositive(cfg.Qdrant.VectorDimension, deps.Embedder.Dimension()),
				TimeoutSeconds:  cfg.Qdrant.TimeoutSeconds,
				HTTPClient:      deps.HTTPClient,
				Embedder:        deps.Embedder,
			})
			if err != nil {
				_ = vs.Close()
				return nil, err
			}
			vs.Register(store)
		case BackendPGVector:
			if deps.DB == nil {
				_ = vs.Close()
				return nil, fmt.Errorf("%w: pgvector 后端需要数据库连接", ErrInvalidInput)
			}
			store, err := NewPGVectorStore(deps.DB, deps.Embedder, firstPositive(cfg.PGVector.Dimension, deps.Embedder.Dimension()))
			if err != nil {
				_ = vs.Close()
				return nil, err
			}
			vs.Register(store)
		}
		deps.Logger.Info("向量后端已启用", zap.String("backend", string(backend)))
	}

	if _, ok := vs.stores[def]; !ok {
		_ = vs.Close()
		return nil, fmt.Errorf("%w: 默认后端 %s 未启用", ErrUnknownBackend, def)
	}
	return vs, nil
}

// NewVectorStoreRegistry 创建空注册表
func NewVectorStoreRegistry(defaultBackend Backend) *VectorStores {
	return &VectorStores{stores: make(map[Backend]VectorStore), defaultTag: defaultBackend}
}

// Register 注册一个后端实现，同一后端重复注册时覆盖
func (v *VectorStores) Register(store VectorStore) {
	v.stores[store.Backend()] = instrument(store)
}

// Default 默认后端
func (v *VectorStores) Default() Backend { return v.defaultTag }

// Get 按标签取后端，标签未知或未启用时返回 ErrUnknownBackend
func (v *VectorStores) Get(tag string) (VectorStore, error) {
	backend, err := ParseBackend(tag)
	if err != nil {
		return nil, err
	}
	store, ok := v.stores[backend]
	if !ok {
		return nil, fmt.Errorf("%w: 后端 %s 未启用", ErrUnknownBackend, backend)
	}
	return store, nil
}

// Close 释放后端持有的资源
func (v *VectorStores) Close() error {
	var errs []error
	for _, c := range v.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	v.closers = nil
	return errors.Join(errs...)
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
