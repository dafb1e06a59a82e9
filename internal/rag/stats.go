package rag

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// Stats 知识库聚合计数
type Stats struct {
	KnowledgeBaseID string `json:"knowledgeBaseId"`
	DocumentCount   int    `json:"documentCount"`
	ChunkTotal      int    `json:"chunkTotal"`
}

// KnowledgeBaseStats 从文档表重新计算知识库计数，是 document_count / chunk_total 的唯一写入方
type KnowledgeBaseStats struct {
	db *gorm.DB
}

// NewKnowledgeBaseStats 创建统计服务
func NewKnowledgeBaseStats(db *gorm.DB) *KnowledgeBaseStats {
	return &KnowledgeBaseStats{db: db}
}

// Recompute 重新计算并持久化计数，知识库不存在或已删除时返回 ErrNotFound
func (s *KnowledgeBaseStats) Recompute(ctx context.Context, kbID string) (*Stats, error) {
	var stats *Stats
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		stats, err = recomputeTx(tx, kbID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func recomputeTx(tx *gorm.DB, kbID string) (*Stats, error) {
	var kb KnowledgeBase
	if err := tx.Select("id").Where("id = ? AND deleted_at IS NULL", kbID).First(&kb).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: 知识库 %s", ErrNotFound, kbID)
		}
		return nil, fmt.Errorf("查询知识库失败: %w", err)
	}

	var agg struct {
		DocumentCount int
		ChunkTotal    int
	}
	err := tx.Model(&KnowledgeDocument{}).
		Select("COUNT(*) AS document_count, COALESCE(SUM(chunk_count), 0) AS chunk_total").
		Where("knowledge_base_id = ?", kbID).
		Scan(&agg).Error
	if err != nil {
		return nil, fmt.Errorf("统计文档失败: %w", err)
	}

	err = tx.Model(&KnowledgeBase{}).
		Where("id = ?", kbID).
		Updates(map[string]interface{}{
			"document_count": agg.DocumentCount,
			"chunk_total":    agg.ChunkTotal,
		}).Error
	if err != nil {
		return nil, fmt.Errorf("更新知识库计数失败: %w", err)
	}

	return &Stats{KnowledgeBaseID: kbID, DocumentCount: agg.DocumentCount, ChunkTotal: agg.ChunkTotal}, nil
}

// RecomputeDocumentChunkCounts 按分块行修正每个文档的 chunk_count，返回被修正的文档数
func (s *KnowledgeBaseStats) RecomputeDocumentChunkCounts(ctx context.Context, kbID string) (int, error) {
	var rows []struct {
		ID         string
		ChunkCount int
		Actual     int
	}
	err := s.db.WithContext(ctx).
		Table("knowledge_documents AS d").
		Select("d.id, d.chunk_count, (SELECT COUNT(*) FROM knowledge_chunks c WHERE c.document_id = d.id) AS actual").
		Where("d.knowledge_base_id = ?", kbID).
		Scan(&rows).Error
	if err != nil {
		return 0, fmt.Errorf("统计分块失败: %w", err)
	}

	fixed := 0
	for _, r := range rows {
		if r.ChunkCount == r.Actual {
			continue
		}
		err := s.db.WithContext(ctx).
			Model(&KnowledgeDocument{}).
			Where("id = ?", r.ID).
			Update("chunk_count", r.Actual).Error
		if err != nil {
			return fixed, fmt.Errorf("更新文档 %s 分块数失败: %w", r.ID, err)
		}
		fixed++
	}
	return fixed, nil
}
