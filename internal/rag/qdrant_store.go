package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// QdrantOptions 初始化 Qdrant 向量存储的配置
type QdrantOptions struct {
	Endpoint        string
	APIKey          string
	VectorDimension int
	TimeoutSeconds  int
	HTTPClient      *http.Client
	Embedder        EmbeddingProvider
}

// QdrantStore 基于 Qdrant HTTP API 的向量存储实现，每个知识库集合对应一个 Qdrant 集合
type QdrantStore struct {
	client     *http.Client
	baseURL    string
	apiKey     string
	vectorSize int
	embedder   EmbeddingProvider

	mu      sync.Mutex
	ensured map[string]bool
}

// scrollPageSize ListIDs 每页数量
const scrollPageSize = 256

// NewQdrantStore 创建 Qdrant 向量存储实例，集合在首次写入时创建
func NewQdrantStore(opts QdrantOptions) (*QdrantStore, error) {
	baseURL := strings.TrimSpace(opts.Endpoint)
	if baseURL == "" {
		return nil, fmt.Errorf("%w: qdrant endpoint 不能为空", ErrInvalidInput)
	}
	if opts.Embedder == nil {
		return nil, fmt.Errorf("%w: 缺少向量化服务", ErrInvalidInput)
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	vectorSize := opts.VectorDimension
	if vectorSize <= 0 {
		vectorSize = 1536
	}

	timeout := opts.TimeoutSeconds
	if timeout <= 0 {
		timeout = 10
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: time.Duration(timeout) * time.Second}
	}

	return &QdrantStore{
		client:     client,
		baseURL:    baseURL,
		apiKey:     opts.APIKey,
		vectorSize: vectorSize,
		embedder:   opts.Embedder,
		ensured:    make(map[string]bool),
	}, nil
}

// Backend 后端标签
func (s *QdrantStore) Backend() Backend { return BackendClustered }

// Add 向量化并写入一批点，wait=true 保证返回时已持久化
func (s *QdrantStore) Add(ctx context.Context, collection string, chunks []Chunk) ([]string, error) {
	if collection == "" {
		return nil, fmt.Errorf("%w: 集合名不能为空", ErrInvalidInput)
	}
	if len(chunks) == 0 {
		return []string{}, nil
	}
	ids, err := assignIDs(chunks)
	if err != nil {
		return nil, err
	}
	vectors, err := embedChunks(ctx, s.embedder, chunks)
	if err != nil {
		return nil, err
	}
	if err := s.ensureCollection(ctx, collection); err != nil {
		return nil, err
	}

	points := make([]qdrantPoint, 0, len(chunks))
	for i, c := range chunks {
		if len(vectors[i]) != s.vectorSize {
			return nil, fmt.Errorf("%w: 向量维度不匹配: 期望 %d 实际 %d", ErrVectorStore, s.vectorSize, len(vectors[i]))
		}
		points = append(points, qdrantPoint{
			ID:     ids[i],
			Vector: vectors[i],
			Payload: map[string]any{
				"content":         c.Content,
				"content_hash":    c.ContentHash,
				"metadata":        c.Metadata,
				"embedding_model": s.embedder.GetModel(),
			},
		})
	}

	var resp qdrantOperationResponse
	if err := s.doRequest(ctx, http.MethodPut, collectionPath(collection, "/points?wait=true"), upsertPointsRequest{Points: points}, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "ok" {
		return nil, fmt.Errorf("%w: qdrant upsert 失败: %s", ErrVectorStore, resp.Error)
	}
	return ids, nil
}

// Delete 根据 id 删除点，集合不存在视为已删除
func (s *QdrantStore) Delete(ctx context.Context, collection string, ids []string) (bool, error) {
	if len(ids) == 0 {
		return true, nil
	}

	var resp qdrantOperationResponse
	err := s.doRequest(ctx, http.MethodPost, collectionPath(collection, "/points/delete?wait=true"), deletePointsRequest{Points: ids}, &resp)
	if isQdrantNotFound(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if resp.Status != "ok" {
		return false, fmt.Errorf("%w: qdrant delete 失败: %s", ErrVectorStore, resp.Error)
	}
	return true, nil
}

// DeleteCollection 删除整个集合，404 视为成功
func (s *QdrantStore) DeleteCollection(ctx context.Context, collection string) error {
	if collection == "" {
		return fmt.Errorf("%w: 集合名不能为空", ErrInvalidInput)
	}
	err := s.doRequest(ctx, http.MethodDelete, collectionPath(collection, ""), nil, nil)
	if err != nil && !isQdrantNotFound(err) {
		return err
	}
	s.mu.Lock()
	delete(s.ensured, collection)
	s.mu.Unlock()
	return nil
}

// ListIDs 通过 scroll 分页列出全部点 id
func (s *QdrantStore) ListIDs(ctx context.Context, collection string) ([]string, error) {
	ids := make([]string, 0)
	var offset any
	for {
		req := scrollRequest{Limit: scrollPageSize, Offset: offset, WithPayload: false, WithVector: false}
		var resp scrollResponse
		err := s.doRequest(ctx, http.MethodPost, collectionPath(collection, "/points/scroll"), req, &resp)
		if isQdrantNotFound(err) {
			return ids, nil
		}
		if err != nil {
			return nil, err
		}
		if resp.Status != "ok" {
			return nil, fmt.Errorf("%w: qdrant scroll 失败: %s", ErrVectorStore, resp.Error)
		}
		for _, p := range resp.Result.Points {
			ids = append(ids, fmt.Sprint(p.ID))
		}
		if resp.Result.NextPageOffset == nil {
			return ids, nil
		}
		offset = resp.Result.NextPageOffset
	}
}

// --- 内部辅助 ---

func collectionPath(collection, path string) string {
	return fmt.Sprintf("/collections/%s%s", url.PathEscape(collection), path)
}

// ensureCollection 探测集合，不存在时以 Cosine 距离创建；成功后缓存结果
func (s *QdrantStore) ensureCollection(ctx context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ensured[collection] {
		return nil
	}

	var resp qdrantOperationResponse
	err := s.doRequest(ctx, http.MethodGet, collectionPath(collection, ""), nil, &resp)
	if err == nil && resp.Status == "ok" {
		s.ensured[collection] = true
		return nil
	}
	if err != nil && !isQdrantNotFound(err) {
		return err
	}

	createReq := createCollectionRequest{
		Vectors: qdrantVectorParams{Size: s.vectorSize, Distance: "Cosine"},
	}
	resp = qdrantOperationResponse{}
	if err := s.doRequest(ctx, http.MethodPut, collectionPath(collection, ""), createReq, &resp); err != nil {
		return err
	}
	if resp.Status != "ok" {
		return fmt.Errorf("%w: 创建 Qdrant 集合失败: %s", ErrVectorStore, resp.Error)
	}
	s.ensured[collection] = true
	return nil
}

// qdrantAPIError 非 2xx 响应
type qdrantAPIError struct {
	StatusCode int
	Status     string
}

func (e *qdrantAPIError) Error() string {
	return fmt.Sprintf("qdrant API 错误: %s (%d)", e.Status, e.StatusCode)
}

func (e *qdrantAPIError) Unwrap() error { return ErrVectorStore }

func isQdrantNotFound(err error) bool {
	var apiErr *qdrantAPIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

func (s *QdrantStore) doRequest(ctx context.Context, method, path string, payload any, dest any) error {
	var bodyReader *bytes.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("%w: 序列化请求失败: %v", ErrVectorStore, err)
		}
		bodyReader = bytes.NewReader(buf)
	} else {
		bodyReader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVectorStore, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVectorStore, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errBody map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return &qdrantAPIError{StatusCode: resp.StatusCode, Status: fmt.Sprint(errBody["status"])}
	}

	if dest == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("%w: 解析响应失败: %v", ErrVectorStore, err)
	}
	return nil
}

// --- Qdrant API payloads ---

type qdrantVectorParams struct {
	Size     int    `json:"size"`
	Distance string `json:"distance"`
}

type createCollectionRequest struct {
	Vectors qdrantVectorParams `json:"vectors"`
}

type qdrantPoint struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload"`
}

type upsertPointsRequest struct {
	Points []qdrantPoint `json:"points"`
}

type deletePointsRequest struct {
	Points []string `json:"points"`
}

type scrollRequest struct {
	Limit       int  `json:"limit"`
	Offset      any  `json:"offset,omitempty"`
	WithPayload bool `json:"with_payload"`
	WithVector  bool `json:"with_vector"`
}

type scrollResponse struct {
	Status string `json:"status"`
	Result struct {
		Points []struct {
			ID any `json:"id"`
		} `json:"points"`
		NextPageOffset any `json:"next_page_offset"`
	} `json:"result"`
	Error string `json:"error"`
}

type qdrantOperationResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}
