package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// KnowledgeVector pgvector 后端的向量行，按集合名隔离
type KnowledgeVector struct {
	ID          string          `gorm:"primaryKey;size:64"`
	Collection  string          `gorm:"size:255;not null;index"`
	Content     string          `gorm:"type:text;not null"`
	ContentHash string          `gorm:"size:64"`
	Metadata    datatypes.JSON  `gorm:"type:jsonb"`
	Embedding   pgvector.Vector `gorm:"type:vector"`
	Model       string          `gorm:"size:100"`
	CreatedAt   time.Time       `gorm:"autoCreateTime"`
}

func (KnowledgeVector) TableName() string { return "knowledge_vectors" }

// PGVectorStore 基于PostgreSQL pgvector扩展的向量存储实现
type PGVectorStore struct {
	db        *gorm.DB
	embedder  EmbeddingProvider
	dimension int
}

// NewPGVectorStore 创建新的pgvector存储实例，并迁移向量表
// dimension 大于 0 时写入前校验向量维度
func NewPGVectorStore(db *gorm.DB, embedder EmbeddingProvider, dimension int) (*PGVectorStore, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: 缺少向量化服务", ErrInvalidInput)
	}
	store := &PGVectorStore{db: db, embedder: embedder, dimension: dimension}

	if err := store.ensureExtension(); err != nil {
		return nil, fmt.Errorf("%w: 确保pgvector扩展失败: %v", ErrVectorStore, err)
	}
	if err := db.AutoMigrate(&KnowledgeVector{}); err != nil {
		return nil, fmt.Errorf("%w: 迁移向量表失败: %v", ErrVectorStore, err)
	}
	return store, nil
}

// ensureExtension 确保pgvector扩展已启用，非 PostgreSQL 方言跳过
func (s *PGVectorStore) ensureExtension() error {
	if s.db.Dialector.Name() != "postgres" {
		return nil
	}
	return s.db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error
}

// Backend 后端标签
func (s *PGVectorStore) Backend() Backend { return BackendPGVector }

// Add 向量化并在一个事务内写入
func (s *PGVectorStore) Add(ctx context.Context, collection string, chunks []Chunk) ([]string, error) {
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

	rows := make([]KnowledgeVector, len(chunks))
	for i, c := range chunks {
		if s.dimension > 0 && len(vectors[i]) != s.dimension {
			return nil, fmt.Errorf("%w: 向量维度不匹配: 期望 %d 实际 %d", ErrVectorStore, s.dimension, len(vectors[i]))
		}
		meta, err := json.Marshal(c.Metadata)
		if err != nil {
			return nil, fmt.Errorf("%w: 序列化元数据失败: %v", ErrInvalidInput, err)
		}
		rows[i] = KnowledgeVector{
			ID:          ids[i],
			Collection:  collection,
			Content:     c.Content,
			ContentHash: c.ContentHash,
			Metadata:    datatypes.JSON(meta),
			Embedding:   pgvector.NewVector(vectors[i]),
			Model:       s.embedder.GetModel(),
		}
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(rows, 200).Error
	})
	if err != nil {
		return nil, fmt.Errorf("%w: 写入向量失败: %v", ErrVectorStore, err)
	}
	return ids, nil
}

// Delete 硬删除指定向量
func (s *PGVectorStore) Delete(ctx context.Context, collection string, ids []string) (bool, error) {
	if len(ids) == 0 {
		return true, nil
	}
	err := s.db.WithContext(ctx).
		Where("collection = ? AND id IN ?", collection, ids).
		Delete(&KnowledgeVector{}).Error
	if err != nil {
		return false, fmt.Errorf("%w: 删除向量失败: %v", ErrVectorStore, err)
	}
	return true, nil
}

// DeleteCollection 删除集合内全部向量
func (s *PGVectorStore) DeleteCollection(ctx context.Context, collection string) error {
	if collection == "" {
		return fmt.Errorf("%w: 集合名不能为空", ErrInvalidInput)
	}
	err := s.db.WithContext(ctx).
		Where("collection = ?", collection).
		Delete(&KnowledgeVector{}).Error
	if err != nil {
		return fmt.Errorf("%w: 删除集合 %s 失败: %v", ErrVectorStore, collection, err)
	}
	return nil
}

// ListIDs 列出集合内全部向量 id
func (s *PGVectorStore) ListIDs(ctx context.Context, collection string) ([]string, error) {
	ids := make([]string, 0)
	err := s.db.WithContext(ctx).
		Model(&KnowledgeVector{}).
		Where("collection = ?", collection).
		Order("id").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("%w: 列举集合 %s 失败: %v", ErrVectorStore, collection, err)
	}
	return ids, nil
}
