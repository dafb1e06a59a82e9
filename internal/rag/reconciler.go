package rag

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"kbindex/internal/logger"
	"kbindex/internal/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	defaultReconcileGracePeriod = 10 * time.Minute
	defaultReconcileConcurrency = 4
)

// ReconcilerOptions Reconciler 的依赖与参数
type ReconcilerOptions struct {
	DB     *gorm.DB
	Stores *VectorStores
	Stats  *KnowledgeBaseStats
	// GracePeriod 早于该时长的入库意图视为中断
	GracePeriod time.Duration
	Concurrency int
	Logger      *zap.Logger
}

// ReconcileReport 一次修复的结果
type ReconcileReport struct {
	KnowledgeBaseID  string   `json:"knowledgeBaseId" yaml:"knowledgeBaseId"`
	StaleIntents     int      `json:"staleIntents" yaml:"staleIntents"`
	OrphansDeleted   int      `json:"orphansDeleted" yaml:"orphansDeleted"`
	MissingVectors   []string `json:"missingVectors,omitempty" yaml:"missingVectors,omitempty"`
	ChunkCountsFixed int      `json:"chunkCountsFixed" yaml:"chunkCountsFixed"`
	Stats            *Stats   `json:"stats,omitempty" yaml:"stats,omitempty"`
}

// Reconciler 比对向量集合与分块行，清理孤儿向量与中断的入库意图
type Reconciler struct {
	db          *gorm.DB
	stores      *VectorStores
	stats       *KnowledgeBaseStats
	grace       time.Duration
	concurrency int
	logger      *zap.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// NewReconciler 创建修复器
func NewReconciler(opts ReconcilerOptions) (*Reconciler, error) {
	if opts.DB == nil || opts.Stores == nil {
		return nil, fmt.Errorf("%w: 修复器缺少数据库或向量存储", ErrInvalidInput)
	}
	if opts.Stats == nil {
		opts.Stats = NewKnowledgeBaseStats(opts.DB)
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = defaultReconcileGracePeriod
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultReconcileConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Reconciler{
		db:          opts.DB,
		stores:      opts.Stores,
		stats:       opts.Stats,
		grace:       opts.GracePeriod,
		concurrency: opts.Concurrency,
		logger:      opts.Logger,
		tracer:      otel.Tracer("kbindex/internal/rag"),
		now:         time.Now,
	}, nil
}

// Sweep 修复单个知识库；存在无法修复的缺失向量时返回 ErrConsistency
// 调用方需持有该知识库的锁
func (r *Reconciler) Sweep(ctx context.Context, kbID string) (report *ReconcileReport, err error) {
	ctx, span := r.tracer.Start(ctx, "Reconciler.Sweep", trace.WithAttributes(attribute.String("kb_id", kbID)))
	defer func() {
		status := "success"
		if err != nil {
			status = "failed"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		metrics.ReconcileRunsTotal.WithLabelValues(status).Inc()
		span.End()
	}()

	var kb KnowledgeBase
	if err := r.db.WithContext(ctx).Where("id = ? AND deleted_at IS NULL", kbID).First(&kb).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: 知识库 %s", ErrNotFound, kbID)
		}
		return nil, fmt.Errorf("查询知识库失败: %w", err)
	}
	store, err := r.stores.Get(kb.VectorBackend)
	if err != nil {
		return nil, err
	}
	collection := CollectionName(kb.ID)
	log := logger.FromContext(ctx, r.logger).With(zap.String("kb_id", kb.ID))
	report = &ReconcileReport{KnowledgeBaseID: kb.ID}

	chunkSet, err := r.chunkIDSet(ctx, kb.ID)
	if err != nil {
		return nil, err
	}

	// 1. 处理中断的入库意图；未过宽限期的意图可能仍在执行，其 id 不参与孤儿判断
	inFlight, err := r.sweepIntents(ctx, store, kb.ID, chunkSet, report)
	if err != nil {
		return report, err
	}

	// 2. 集合中没有分块行的向量是孤儿
	listed, err := store.ListIDs(ctx, collection)
	if err != nil {
		return report, fmt.Errorf("列举向量集合失败: %w", err)
	}
	listedSet := make(map[string]struct{}, len(listed))
	orphans := make([]string, 0)
	for _, id := range listed {
		listedSet[id] = struct{}{}
		if _, ok := chunkSet[id]; ok {
			continue
		}
		if _, ok := inFlight[id]; ok {
			continue
		}
		orphans = append(orphans, id)
	}
	if len(orphans) > 0 {
		if _, err := store.Delete(ctx, collection, orphans); err != nil {
			return report, fmt.Errorf("删除孤儿向量失败: %w", err)
		}
		report.OrphansDeleted = len(orphans)
		metrics.ReconcileRepairsTotal.WithLabelValues("orphan_vector").Add(float64(len(orphans)))
	}

	// 3. 有分块行却没有向量，只能重新入库才能修复
	for id := range chunkSet {
		if _, ok := listedSet[id]; !ok {
			report.MissingVectors = append(report.MissingVectors, id)
		}
	}
	slices.Sort(report.MissingVectors)

	fixed, err := r.stats.RecomputeDocumentChunkCounts(ctx, kb.ID)
	if err != nil {
		return report, err
	}
	report.ChunkCountsFixed = fixed
	if fixed > 0 {
		metrics.ReconcileRepairsTotal.WithLabelValues("chunk_count").Add(float64(fixed))
	}
	if report.Stats, err = r.stats.Recompute(ctx, kb.ID); err != nil {
		return report, err
	}

	log.Info("一致性修复完成",
		zap.Int("stale_intents", report.StaleIntents),
		zap.Int("orphans_deleted", report.OrphansDeleted),
		zap.Int("missing_vectors", len(report.MissingVectors)),
		zap.Int("chunk_counts_fixed", report.ChunkCountsFixed),
	)

	if len(report.MissingVectors) > 0 {
		metrics.ReconcileRepairsTotal.WithLabelValues("missing_vector").Add(float64(len(report.MissingVectors)))
		return report, fmt.Errorf("%w: 知识库 %s 有 %d 个分块缺少向量", ErrConsistency, kb.ID, len(report.MissingVectors))
	}
	return report, nil
}

// sweepIntents 删除过期意图对应的孤儿向量与意图本身，返回仍在宽限期内的向量 id
func (r *Reconciler) sweepIntents(ctx context.Context, store VectorStore, kbID string, chunkSet map[string]struct{}, report *ReconcileReport) (map[string]struct{}, error) {
	var intents []IngestIntent
	if err := r.db.WithContext(ctx).Where("knowledge_base_id = ?", kbID).Order("created_at ASC").Find(&intents).Error; err != nil {
		return nil, fmt.Errorf("查询入库意图失败: %w", err)
	}

	cutoff := r.now().Add(-r.grace)
	inFlight := make(map[string]struct{})
	for _, in := range intents {
		ids, err := decodeIntentIDs(in)
		if err != nil {
			return nil, err
		}
		if in.CreatedAt.After(cutoff) {
			for _, id := range ids {
				inFlight[id] = struct{}{}
			}
			continue
		}

		orphaned := make([]string, 0, len(ids))
		for _, id := range ids {
			if _, ok := chunkSet[id]; !ok {
				orphaned = append(orphaned, id)
			}
		}
		if len(orphaned) > 0 {
			if _, err := store.Delete(ctx, in.Collection, orphaned); err != nil {
				return nil, fmt.Errorf("删除意图 %s 的向量失败: %w", in.ID, err)
			}
		}
		if err := r.db.WithContext(ctx).Delete(&IngestIntent{}, "id = ?", in.ID).Error; err != nil {
			return nil, fmt.Errorf("删除入库意图失败: %w", err)
		}
		report.StaleIntents++
		metrics.ReconcileRepairsTotal.WithLabelValues("stale_intent").Inc()
	}
	return inFlight, nil
}

func (r *Reconciler) chunkIDSet(ctx context.Context, kbID string) (map[string]struct{}, error) {
	var ids []string
	if err := r.db.WithContext(ctx).Model(&KnowledgeChunk{}).Where("knowledge_base_id = ?", kbID).Pluck("chunk_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("查询分块失败: %w", err)
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// SweepAll 并发修复全部未删除的知识库，单个知识库失败不影响其他知识库
// lock 非空时每个知识库在锁内执行
func (r *Reconciler) SweepAll(ctx context.Context, lock KBLocker) ([]*ReconcileReport, error) {
	var kbIDs []string
	if err := r.db.WithContext(ctx).Model(&KnowledgeBase{}).Where("deleted_at IS NULL").Order("created_at ASC").Pluck("id", &kbIDs).Error; err != nil {
		return nil, fmt.Errorf("查询知识库列表失败: %w", err)
	}

	reports := make([]*ReconcileReport, len(kbIDs))
	errs := make([]error, len(kbIDs))

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, id := range kbIDs {
		g.Go(func() error {
			sweep := func(ctx context.Context) error {
				report, err := r.Sweep(ctx, id)
				reports[i] = report
				return err
			}
			if lock != nil {
				errs[i] = WithKBLock(ctx, lock, id, sweep)
			} else {
				errs[i] = sweep(ctx)
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]*ReconcileReport, 0, len(reports))
	for _, rep := range reports {
		if rep != nil {
			out = append(out, rep)
		}
	}
	return out, errors.Join(errs...)
}
