package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"kbindex/internal/logger"
	"kbindex/internal/rag"
	"kbindex/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Indexer 建索引能力
type Indexer interface {
	IndexSaved(ctx context.Context, kbID string, saved []rag.SavedFile, tags []string) (*rag.IngestResult, error)
}

// Sweeper 一致性修复能力
type Sweeper interface {
	Sweep(ctx context.Context, kbID string) (*rag.ReconcileReport, error)
	SweepAll(ctx context.Context, lock rag.KBLocker) ([]*rag.ReconcileReport, error)
}

// KBHandler 知识库异步任务处理器
type KBHandler struct {
	indexer Indexer
	sweeper Sweeper
	locker  rag.KBLocker
	logger  *zap.Logger
}

// NewKBHandler 创建处理器，sweeper 为空时不处理修复任务
func NewKBHandler(indexer Indexer, sweeper Sweeper, locker rag.KBLocker, log *zap.Logger) *KBHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &KBHandler{indexer: indexer, sweeper: sweeper, locker: locker, logger: log}
}

// HandleIndexDocuments 处理入库任务
// 失败的文档已标记 failed 且不重试，否则前面成功的文档会被重复写入
func (h *KBHandler) HandleIndexDocuments(ctx context.Context, t *asynq.Task) error {
	var p tasks.IndexDocumentsPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	if p.KnowledgeBaseID == "" || len(p.Files) == 0 {
		return fmt.Errorf("入库任务缺少知识库或文件: %w", asynq.SkipRetry)
	}

	log := h.logger.With(zap.String("kb_id", p.KnowledgeBaseID), zap.Int("files", len(p.Files)))
	if id, ok := asynq.GetTaskID(ctx); ok {
		log = log.With(zap.String("task_id", id))
	}
	ctx = logger.WithContext(ctx, log)
	log.Info("开始异步入库")

	var result *rag.IngestResult
	err := h.withLock(ctx, p.KnowledgeBaseID, func(ctx context.Context) error {
		var err error
		result, err = h.indexer.IndexSaved(ctx, p.KnowledgeBaseID, p.Files, p.Tags)
		return err
	})
	if errors.Is(err, rag.ErrLockBusy) {
		return err
	}
	if err != nil {
		log.Error("异步入库失败", zap.Error(err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	fields := []zap.Field{zap.Int("documents", len(result.Documents))}
	if result.Stats != nil {
		fields = append(fields, zap.Int("chunks", result.Stats.ChunkTotal))
	}
	log.Info("异步入库完成", fields...)
	return nil
}

// HandleReconcile 处理一致性修复任务，知识库为空时修复全部
func (h *KBHandler) HandleReconcile(ctx context.Context, t *asynq.Task) error {
	if h.sweeper == nil {
		return fmt.Errorf("未配置一致性修复: %w", asynq.SkipRetry)
	}
	var p tasks.ReconcilePayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
		}
	}

	if p.KnowledgeBaseID == "" {
		reports, err := h.sweeper.SweepAll(ctx, h.locker)
		h.logReports(reports)
		return h.reconcileError(err)
	}

	var report *rag.ReconcileReport
	err := h.withLock(ctx, p.KnowledgeBaseID, func(ctx context.Context) error {
		var err error
		report, err = h.sweeper.Sweep(ctx, p.KnowledgeBaseID)
		return err
	})
	if report != nil {
		h.logReports([]*rag.ReconcileReport{report})
	}
	return h.reconcileError(err)
}

// reconcileError 缺失向量与已删除知识库重试也无法修复
func (h *KBHandler) reconcileError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, rag.ErrConsistency), errors.Is(err, rag.ErrNotFound):
		h.logger.Warn("一致性修复发现无法自动修复的问题", zap.Error(err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	default:
		return err
	}
}

func (h *KBHandler) logReports(reports []*rag.ReconcileReport) {
	for _, r := range reports {
		h.logger.Info("一致性修复完成",
			zap.String("kb_id", r.KnowledgeBaseID),
			zap.Int("stale_intents", r.StaleIntents),
			zap.Int("orphans_deleted", r.OrphansDeleted),
			zap.Int("missing_vectors", len(r.MissingVectors)),
			zap.Int("chunk_counts_fixed", r.ChunkCountsFixed),
		)
	}
}

func (h *KBHandler) withLock(ctx context.Context, kbID string, fn func(context.Context) error) error {
	if h.locker == nil {
		return fn(ctx)
	}
	return rag.WithKBLock(ctx, h.locker, kbID, fn)
}
