package rag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"kbindex/internal/logger"
	"kbindex/internal/metrics"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const maxKnowledgeBaseTags = 10

// CoordinatorOptions IndexCoordinator 的依赖
type CoordinatorOptions struct {
	DB       *gorm.DB
	Stores   *VectorStores
	Ingestor *FileIngestor
	Splitter *DocumentSplitter
	Enricher *MetadataEnricher
	Stats    *KnowledgeBaseStats
	Logger   *zap.Logger
}

// IndexCoordinator 驱动文档入库状态机，并负责文档与知识库的删除
// 自身不加锁，同一知识库的写操作需要调用方串行化（见 KBLocker）
type IndexCoordinator struct {
	db       *gorm.DB
	stores   *VectorStores
	ingestor *FileIngestor
	splitter *DocumentSplitter
	enricher *MetadataEnricher
	stats    *KnowledgeBaseStats
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewIndexCoordinator 创建协调器
func NewIndexCoordinator(opts CoordinatorOptions) (*IndexCoordinator, error) {
	if opts.DB == nil || opts.Stores == nil || opts.Ingestor == nil {
		return nil, fmt.Errorf("%w: 协调器缺少数据库、向量存储或文件存储", ErrInvalidInput)
	}
	if opts.Splitter == nil {
		opts.Splitter = NewDocumentSplitter(nil, nil, opts.Logger)
	}
	if opts.Enricher == nil {
		opts.Enricher = NewMetadataEnricher(nil)
	}
	if opts.Stats == nil {
		opts.Stats = NewKnowledgeBaseStats(opts.DB)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &IndexCoordinator{
		db:       opts.DB,
		stores:   opts.Stores,
		ingestor: opts.Ingestor,
		splitter: opts.Splitter,
		enricher: opts.Enricher,
		stats:    opts.Stats,
		logger:   opts.Logger,
		tracer:   otel.Tracer("kbindex/internal/rag"),
	}, nil
}

// CreateKnowledgeBaseRequest 创建知识库请求
type CreateKnowledgeBaseRequest struct {
	Name          string   `json:"name" binding:"required"`
	Description   string   `json:"description"`
	Tags          []string `json:"tags"`
	ChunkSize     int      `json:"chunkSize"`
	ChunkOverlap  int      `json:"chunkOverlap"`
	VectorBackend string   `json:"vectorBackend"`
}

// IngestResult 一批文档的入库结果
type IngestResult struct {
	KnowledgeBaseID string              `json:"knowledgeBaseId"`
	Documents       []KnowledgeDocument `json:"documents"`
	Failed          *KnowledgeDocument  `json:"failed,omitempty"`
	Skipped         []SavedFile         `json:"skipped,omitempty"`
	Stats           *Stats              `json:"stats,omitempty"`
}

// CreateKnowledgeBase 校验分块策略、后端标签与标签数量后创建知识库
func (c *IndexCoordinator) CreateKnowledgeBase(ctx context.Context, req CreateKnowledgeBaseRequest) (*KnowledgeBase, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: 知识库名称不能为空", ErrInvalidInput)
	}
	if len(req.Tags) > maxKnowledgeBaseTags {
		return nil, fmt.Errorf("%w: 标签最多 %d 个", ErrInvalidInput, maxKnowledgeBaseTags)
	}

	policy := Policy{ChunkSize: req.ChunkSize, ChunkOverlap: req.ChunkOverlap}
	if policy.ChunkSize == 0 && policy.ChunkOverlap == 0 {
		policy = DefaultPolicy()
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	backend := c.stores.Default()
	if strings.TrimSpace(req.VectorBackend) != "" {
		b, err := ParseBackend(req.VectorBackend)
		if err != nil {
			return nil, err
		}
		backend = b
	}
	if _, err := c.stores.Get(string(backend)); err != nil {
		return nil, err
	}

	tags := req.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("%w: 序列化标签失败: %v", ErrInvalidInput, err)
	}

	kb := &KnowledgeBase{
		ID:            uuid.New().String(),
		Name:          name,
		Description:   req.Description,
		Tags:          datatypes.JSON(tagsJSON),
		ChunkSize:     policy.ChunkSize,
		ChunkOverlap:  policy.ChunkOverlap,
		VectorBackend: string(backend),
		Status:        "active",
	}
	if err := c.db.WithContext(ctx).Create(kb).Error; err != nil {
		return nil, fmt.Errorf("创建知识库失败: %w", err)
	}

	logger.FromContext(ctx, c.logger).Info("知识库已创建",
		zap.String("kb_id", kb.ID),
		zap.String("backend", kb.VectorBackend),
		zap.Int("chunk_size", kb.ChunkSize),
		zap.Int("chunk_overlap", kb.ChunkOverlap),
	)
	return kb, nil
}

// GetKnowledgeBase 获取未删除的知识库
func (c *IndexCoordinator) GetKnowledgeBase(ctx context.Context, kbID string) (*KnowledgeBase, error) {
	var kb KnowledgeBase
	err := c.db.WithContext(ctx).Where("id = ? AND deleted_at IS NULL", kbID).First(&kb).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: 知识库 %s", ErrNotFound, kbID)
		}
		return nil, fmt.Errorf("查询知识库失败: %w", err)
	}
	return &kb, nil
}

// ListKnowledgeBases 列出未删除的知识库
func (c *IndexCoordinator) ListKnowledgeBases(ctx context.Context) ([]KnowledgeBase, error) {
	var kbs []KnowledgeBase
	err := c.db.WithContext(ctx).Where("deleted_at IS NULL").Order("created_at ASC").Find(&kbs).Error
	if err != nil {
		return nil, fmt.Errorf("查询知识库列表失败: %w", err)
	}
	return kbs, nil
}

// Ingest 保存上传文件后依次入库
func (c *IndexCoordinator) Ingest(ctx context.Context, kbID string, files []UploadFile, tags []string) (*IngestResult, error) {
	saved, err := c.SaveUploads(ctx, kbID, files)
	if err != nil {
		return nil, err
	}
	return c.IndexSaved(ctx, kbID, saved, tags)
}

// SaveUploads 只把上传文件写入知识库目录，建索引交给 IndexSaved（异步入库使用）
func (c *IndexCoordinator) SaveUploads(ctx context.Context, kbID string, files []UploadFile) ([]SavedFile, error) {
	if _, err := c.GetKnowledgeBase(ctx, kbID); err != nil {
		return nil, err
	}
	return c.ingestor.Save(ctx, kbID, files)
}

// DiscardUploads 删除 SaveUploads 写入但不会再建索引的文件（例如入队失败）
func (c *IndexCoordinator) DiscardUploads(ctx context.Context, kbID string, saved []SavedFile) {
	log := logger.FromContext(ctx, c.logger)
	for _, sf := range saved {
		if _, err := c.ingestor.RemoveDocumentFile(ctx, kbID, sf.Path); err != nil {
			log.Warn("清理未入库的上传文件失败", zap.String("path", sf.Path), zap.Error(err))
		}
	}
}

// IndexSaved 对已落盘的文件逐个执行入库；任一文档失败即停止，已完成的文档保留
func (c *IndexCoordinator) IndexSaved(ctx context.Context, kbID string, saved []SavedFile, tags []string) (result *IngestResult, err error) {
	ctx, span := c.tracer.Start(ctx, "IndexCoordinator.IndexSaved",
		trace.WithAttributes(
			attribute.String("kb_id", kbID),
			attribute.Int("files", len(saved)),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	kb, err := c.GetKnowledgeBase(ctx, kbID)
	if err != nil {
		return nil, err
	}
	store, err := c.stores.Get(kb.VectorBackend)
	if err != nil {
		return nil, err
	}
	policy := Policy{ChunkSize: kb.ChunkSize, ChunkOverlap: kb.ChunkOverlap}
	log := logger.FromContext(ctx, c.logger).With(zap.String("kb_id", kbID))

	result = &IngestResult{KnowledgeBaseID: kbID, Documents: make([]KnowledgeDocument, 0, len(saved))}
	for i, sf := range saved {
		doc, err := c.indexOne(ctx, kb, store, policy, sf, tags)
		if err != nil {
			metrics.IngestDocumentsTotal.WithLabelValues(string(store.Backend()), "failed").Inc()
			log.Error("文档入库失败，停止处理剩余文档",
				zap.String("file", sf.Path),
				zap.Int("skipped", len(saved)-i-1),
				zap.Error(err),
			)
			result.Failed = doc
			result.Skipped = saved[i+1:]
			if doc != nil {
				// 失败文档的行仍计入 document_count
				if stats, serr := c.stats.Recompute(context.WithoutCancel(ctx), kbID); serr == nil {
					result.Stats = stats
				}
			}
			return result, err
		}
		metrics.IngestDocumentsTotal.WithLabelValues(string(store.Backend()), "persisted").Inc()
		metrics.IngestChunksTotal.WithLabelValues(string(store.Backend())).Add(float64(doc.ChunkCount))
		result.Documents = append(result.Documents, *doc)

		stats, err := c.stats.Recompute(ctx, kbID)
		if err != nil {
			return result, fmt.Errorf("重新计算知识库统计失败: %w", err)
		}
		result.Stats = stats
	}

	log.Info("批量入库完成", zap.Int("documents", len(result.Documents)))
	return result, nil
}

// indexOne 单个文档的状态机：saved -> split -> vector_stored -> persisted
// 返回的文档在失败时为 failed 状态，Saved 阶段失败时为 nil
func (c *IndexCoordinator) indexOne(ctx context.Context, kb *KnowledgeBase, store VectorStore, policy Policy, sf SavedFile, tags []string) (*KnowledgeDocument, error) {
	collection := CollectionName(kb.ID)
	log := logger.FromContext(ctx, c.logger).With(zap.String("kb_id", kb.ID), zap.String("file", sf.StoredName))

	// Saved
	started := time.Now()
	doc := &KnowledgeDocument{
		ID:              uuid.New().String(),
		KnowledgeBaseID: kb.ID,
		Name:            sf.OriginalName,
		FilePath:        sf.Path,
		FileType:        sf.FileType,
		FileSize:        sf.FileSize,
		FileBytes:       sf.Size,
		VectorPath:      collection,
		ChunkCount:      0,
		Status:          StageSaved,
	}
	if err := c.db.WithContext(ctx).Create(doc).Error; err != nil {
		return nil, &StageError{Stage: StageSaved, Err: fmt.Errorf("创建文档记录失败: %w", err)}
	}
	observeStage(StageSaved, started)
	log = log.With(zap.String("document_id", doc.ID))

	// Split
	started = time.Now()
	chunks, err := c.splitter.Split(ctx, sf.Path, policy)
	if err != nil {
		return c.fail(ctx, doc, StageSplit, err)
	}
	chunks, err = c.enricher.Enrich(chunks, EnrichParams{
		DocumentID:      doc.ID,
		KnowledgeBaseID: kb.ID,
		SourceFile:      sf.OriginalName,
		Tags:            tags,
	})
	if err != nil {
		return c.fail(ctx, doc, StageSplit, err)
	}
	if err := c.setStatus(ctx, doc, StageSplit); err != nil {
		return c.fail(ctx, doc, StageSplit, err)
	}
	observeStage(StageSplit, started)

	// 写向量前先记录意图，向量写入与分块落库之间失败时由 Reconciler 找回
	started = time.Now()
	vectorIDs := make([]string, len(chunks))
	for i := range chunks {
		chunks[i].ID = uuid.New().String()
		vectorIDs[i] = chunks[i].ID
	}
	intent, err := c.writeIntent(ctx, doc, collection, vectorIDs)
	if err != nil {
		return c.fail(ctx, doc, StageVectorStored, err)
	}

	// VectorStored
	ids, err := store.Add(ctx, collection, chunks)
	if err != nil {
		c.compensate(ctx, store, intent, vectorIDs, ids)
		return c.fail(ctx, doc, StageVectorStored, err)
	}
	if len(ids) != len(chunks) {
		c.compensate(ctx, store, intent, vectorIDs, ids)
		return c.fail(ctx, doc, StageVectorStored,
			fmt.Errorf("%w: 向量存储返回 %d 个 id，期望 %d 个", ErrConsistency, len(ids), len(chunks)))
	}
	if err := c.setStatus(ctx, doc, StageVectorStored); err != nil {
		c.compensate(ctx, store, intent, vectorIDs, ids)
		return c.fail(ctx, doc, StageVectorStored, err)
	}
	observeStage(StageVectorStored, started)

	// Persisted
	started = time.Now()
	if err := c.persistChunks(ctx, doc, intent, chunks, ids); err != nil {
		c.compensate(ctx, store, intent, vectorIDs, ids)
		return c.fail(ctx, doc, StagePersisted, err)
	}
	observeStage(StagePersisted, started)

	log.Info("文档入库完成", zap.Int("chunks", doc.ChunkCount))
	return doc, nil
}

// writeIntent 在独立事务中记录待落库的向量 id
func (c *IndexCoordinator) writeIntent(ctx context.Context, doc *KnowledgeDocument, collection string, ids []string) (*IngestIntent, error) {
	raw, err := json.Marshal(ids)
	if err != nil {
		return nil, fmt.Errorf("序列化向量 id 失败: %w", err)
	}
	intent := &IngestIntent{
		ID:              uuid.New().String(),
		KnowledgeBaseID: doc.KnowledgeBaseID,
		DocumentID:      doc.ID,
		Collection:      collection,
		VectorIDs:       datatypes.JSON(raw),
	}
	if err := c.db.WithContext(ctx).Create(intent).Error; err != nil {
		return nil, fmt.Errorf("记录入库意图失败: %w", err)
	}
	return intent, nil
}

// persistChunks 一个事务内写分块行、删除意图并更新文档
func (c *IndexCoordinator) persistChunks(ctx context.Context, doc *KnowledgeDocument, intent *IngestIntent, chunks []Chunk, ids []string) error {
	rows := make([]KnowledgeChunk, len(chunks))
	for i, ch := range chunks {
		meta, err := EncodeMetadata(ch.Metadata)
		if err != nil {
			return err
		}
		index := i
		if v, ok := ch.Metadata["chunk_index"].(int); ok {
			index = v
		}
		rows[i] = KnowledgeChunk{
			ID:               uuid.New().String(),
			ChunkID:          ids[i],
			DocumentID:       doc.ID,
			KnowledgeBaseID:  doc.KnowledgeBaseID,
			Content:          ch.Content,
			PageLabel:        pageLabelOf(ch.Metadata),
			ChunkIndex:       index,
			ContentHash:      ch.ContentHash,
			TokenCount:       ch.TokenCount,
			DocumentMetadata: meta,
		}
	}

	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.CreateInBatches(rows, 200).Error; err != nil {
			return fmt.Errorf("写入分块失败: %w", err)
		}
		if err := tx.Delete(&IngestIntent{}, "id = ?", intent.ID).Error; err != nil {
			return fmt.Errorf("删除入库意图失败: %w", err)
		}
		res := tx.Model(&KnowledgeDocument{}).Where("id = ?", doc.ID).Updates(map[string]interface{}{
			"chunk_count": len(ids),
			"status":      StagePersisted,
		})
		if res.Error != nil {
			return fmt.Errorf("更新文档状态失败: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: 文档 %s 已被删除", ErrNotFound, doc.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	doc.ChunkCount = len(ids)
	doc.Status = StagePersisted
	return nil
}

func (c *IndexCoordinator) setStatus(ctx context.Context, doc *KnowledgeDocument, stage Stage) error {
	err := c.db.WithContext(ctx).Model(&KnowledgeDocument{}).Where("id = ?", doc.ID).Update("status", stage).Error
	if err != nil {
		return fmt.Errorf("更新文档状态失败: %w", err)
	}
	doc.Status = stage
	return nil
}

// fail 把文档标记为失败并保持 chunk_count = 0
func (c *IndexCoordinator) fail(ctx context.Context, doc *KnowledgeDocument, stage Stage, cause error) (*KnowledgeDocument, error) {
	doc.Status = StageFailed
	doc.FailedStage = stage
	doc.ErrorMessage = cause.Error()
	doc.ChunkCount = 0

	err := c.db.WithContext(context.WithoutCancel(ctx)).Model(&KnowledgeDocument{}).Where("id = ?", doc.ID).Updates(map[string]interface{}{
		"status":        StageFailed,
		"failed_stage":  stage,
		"error_message": doc.ErrorMessage,
		"chunk_count":   0,
	}).Error
	if err != nil {
		logger.FromContext(ctx, c.logger).Error("标记文档失败状态出错", zap.String("document_id", doc.ID), zap.Error(err))
	}
	return doc, &StageError{Stage: stage, DocumentID: doc.ID, Err: cause}
}

// compensate 删除可能已写入的向量；成功后删除意图，否则意图留给 Reconciler
func (c *IndexCoordinator) compensate(ctx context.Context, store VectorStore, intent *IngestIntent, assigned, returned []string) {
	ctx = context.WithoutCancel(ctx)
	log := logger.FromContext(ctx, c.logger)

	ids := unionIDs(assigned, returned)
	if _, err := store.Delete(ctx, intent.Collection, ids); err != nil {
		log.Warn("补偿删除向量失败，等待一致性修复",
			zap.String("intent_id", intent.ID),
			zap.Int("ids", len(ids)),
			zap.Error(err),
		)
		return
	}
	if err := c.db.WithContext(ctx).Delete(&IngestIntent{}, "id = ?", intent.ID).Error; err != nil {
		log.Warn("删除入库意图失败", zap.String("intent_id", intent.ID), zap.Error(err))
	}
}

// DeleteDocument 先删向量再删关系数据，向量删除失败时关系数据保持不变以便重试
func (c *IndexCoordinator) DeleteDocument(ctx context.Context, documentID string) (err error) {
	ctx, span := c.tracer.Start(ctx, "IndexCoordinator.DeleteDocument",
		trace.WithAttributes(attribute.String("document_id", documentID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	doc, err := c.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	log := logger.FromContext(ctx, c.logger).With(zap.String("document_id", doc.ID), zap.String("kb_id", doc.KnowledgeBaseID))

	store, err := c.storeForKnowledgeBase(ctx, doc.KnowledgeBaseID)
	if err != nil {
		return err
	}

	var chunkIDs []string
	err = c.db.WithContext(ctx).Model(&KnowledgeChunk{}).
		Where("document_id = ?", doc.ID).
		Order("chunk_index ASC").
		Pluck("chunk_id", &chunkIDs).Error
	if err != nil {
		return fmt.Errorf("查询文档分块失败: %w", err)
	}
	intentIDs, err := c.intentVectorIDs(ctx, "document_id = ?", doc.ID)
	if err != nil {
		return err
	}
	ids := unionIDs(chunkIDs, intentIDs)

	if len(ids) > 0 {
		if _, err := store.Delete(ctx, doc.VectorPath, ids); err != nil {
			return fmt.Errorf("删除文档向量失败: %w", err)
		}
	}

	removed, err := c.ingestor.RemoveDocumentFile(ctx, doc.KnowledgeBaseID, doc.FilePath)
	if err != nil {
		return err
	}
	if !removed {
		log.Warn("文档文件已不存在", zap.String("path", doc.FilePath))
	}

	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", doc.ID).Delete(&KnowledgeChunk{}).Error; err != nil {
			return err
		}
		if err := tx.Where("document_id = ?", doc.ID).Delete(&IngestIntent{}).Error; err != nil {
			return err
		}
		return tx.Delete(&KnowledgeDocument{}, "id = ?", doc.ID).Error
	})
	if err != nil {
		return fmt.Errorf("删除文档记录失败: %w", err)
	}

	if _, err := c.stats.Recompute(ctx, doc.KnowledgeBaseID); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("重新计算知识库统计失败: %w", err)
	}

	log.Info("文档已删除", zap.Int("vectors", len(ids)))
	return nil
}

// DeleteKnowledgeBase 删除整个集合、存储目录与全部关系数据，知识库行软删除
func (c *IndexCoordinator) DeleteKnowledgeBase(ctx context.Context, kbID string) (err error) {
	ctx, span := c.tracer.Start(ctx, "IndexCoordinator.DeleteKnowledgeBase",
		trace.WithAttributes(attribute.String("kb_id", kbID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	kb, err := c.GetKnowledgeBase(ctx, kbID)
	if err != nil {
		return err
	}
	log := logger.FromContext(ctx, c.logger).With(zap.String("kb_id", kb.ID))

	var docCount int64
	if err := c.db.WithContext(ctx).Model(&KnowledgeDocument{}).Where("knowledge_base_id = ?", kb.ID).Count(&docCount).Error; err != nil {
		return fmt.Errorf("查询知识库文档失败: %w", err)
	}

	store, err := c.stores.Get(kb.VectorBackend)
	if err != nil {
		return err
	}
	if err := store.DeleteCollection(ctx, CollectionName(kb.ID)); err != nil {
		return fmt.Errorf("删除向量集合失败: %w", err)
	}

	if err := c.ingestor.RemoveKnowledgeBase(ctx, kb.ID); err != nil {
		return err
	}

	now := time.Now()
	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("knowledge_base_id = ?", kb.ID).Delete(&KnowledgeChunk{}).Error; err != nil {
			return err
		}
		if err := tx.Where("knowledge_base_id = ?", kb.ID).Delete(&IngestIntent{}).Error; err != nil {
			return err
		}
		if err := tx.Where("knowledge_base_id = ?", kb.ID).Delete(&KnowledgeDocument{}).Error; err != nil {
			return err
		}
		return tx.Model(&KnowledgeBase{}).Where("id = ?", kb.ID).Updates(map[string]interface{}{
			"deleted_at":     &now,
			"status":         "inactive",
			"document_count": 0,
			"chunk_total":    0,
		}).Error
	})
	if err != nil {
		return fmt.Errorf("删除知识库记录失败: %w", err)
	}

	log.Info("知识库已删除", zap.Int64("documents", docCount))
	return nil
}

// GetDocument 获取文档
func (c *IndexCoordinator) GetDocument(ctx context.Context, documentID string) (*KnowledgeDocument, error) {
	var doc KnowledgeDocument
	if err := c.db.WithContext(ctx).Where("id = ?", documentID).First(&doc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: 文档 %s", ErrNotFound, documentID)
		}
		return nil, fmt.Errorf("查询文档失败: %w", err)
	}
	return &doc, nil
}

// ListDocuments 列出知识库的文档，按创建时间排序
func (c *IndexCoordinator) ListDocuments(ctx context.Context, kbID string) ([]KnowledgeDocument, error) {
	if _, err := c.GetKnowledgeBase(ctx, kbID); err != nil {
		return nil, err
	}
	var docs []KnowledgeDocument
	err := c.db.WithContext(ctx).
		Where("knowledge_base_id = ?", kbID).
		Order("created_at ASC, id ASC").
		Find(&docs).Error
	if err != nil {
		return nil, fmt.Errorf("查询文档列表失败: %w", err)
	}
	return docs, nil
}

// ListChunks 列出文档的分块，按 chunk_index 排序
func (c *IndexCoordinator) ListChunks(ctx context.Context, documentID string) ([]KnowledgeChunk, error) {
	if _, err := c.GetDocument(ctx, documentID); err != nil {
		return nil, err
	}
	var chunks []KnowledgeChunk
	err := c.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("chunk_index ASC").
		Find(&chunks).Error
	if err != nil {
		return nil, fmt.Errorf("查询分块失败: %w", err)
	}
	return chunks, nil
}

// Stats 重新计算并返回知识库统计
func (c *IndexCoordinator) Stats(ctx context.Context, kbID string) (*Stats, error) {
	return c.stats.Recompute(ctx, kbID)
}

// storeForKnowledgeBase 文档所属知识库的向量后端，知识库行缺失时用默认后端
func (c *IndexCoordinator) storeForKnowledgeBase(ctx context.Context, kbID string) (VectorStore, error) {
	var kb KnowledgeBase
	err := c.db.WithContext(ctx).Select("id", "vector_db_type").Where("id = ?", kbID).First(&kb).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return c.stores.Get(string(c.stores.Default()))
	}
	if err != nil {
		return nil, fmt.Errorf("查询知识库失败: %w", err)
	}
	return c.stores.Get(kb.VectorBackend)
}

// intentVectorIDs 收集匹配条件的意图中的全部向量 id
func (c *IndexCoordinator) intentVectorIDs(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	var intents []IngestIntent
	if err := c.db.WithContext(ctx).Where(query, args...).Find(&intents).Error; err != nil {
		return nil, fmt.Errorf("查询入库意图失败: %w", err)
	}
	ids := make([]string, 0)
	for _, in := range intents {
		decoded, err := decodeIntentIDs(in)
		if err != nil {
			return nil, err
		}
		ids = append(ids, decoded...)
	}
	return ids, nil
}

func decodeIntentIDs(in IngestIntent) ([]string, error) {
	var ids []string
	if len(in.VectorIDs) == 0 {
		return ids, nil
	}
	if err := json.Unmarshal(in.VectorIDs, &ids); err != nil {
		return nil, fmt.Errorf("%w: 意图 %s 的向量 id 无法解析: %v", ErrConsistency, in.ID, err)
	}
	return ids, nil
}

// unionIDs 去重合并，保持首次出现的顺序
func unionIDs(lists ...[]string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, list := range lists {
		for _, id := range list {
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

func observeStage(stage Stage, started time.Time) {
	metrics.IngestStageDuration.WithLabelValues(string(stage)).Observe(time.Since(started).Seconds())
}
