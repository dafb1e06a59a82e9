package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"kbindex/internal/config"
	"kbindex/internal/infra"
	"kbindex/internal/infra/queue"
	"kbindex/internal/rag"
	"kbindex/internal/rag/parsers"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AppContainer 进程内共享的依赖，server 与 kbctl 共用同一套组装逻辑
type AppContainer struct {
	Config      *config.Config
	Logger      *zap.Logger
	DB          *gorm.DB
	Redis       redis.UniversalClient // 未配置 Redis 时为 nil
	Stores      *rag.VectorStores
	Ingestor    *rag.FileIngestor
	Coordinator *rag.IndexCoordinator
	Reconciler  *rag.Reconciler
	Locker      rag.KBLocker
	Dispatcher  *rag.Dispatcher
	Queue       queue.Client    // 未配置 Redis 时为 nil
	Inspector   queue.Inspector // 未配置 Redis 时为 nil

	closers []func() error
}

// Build 按配置组装全部依赖，失败时释放已创建的资源
func Build(ctx context.Context, cfg *config.Config, log *zap.Logger) (_ *AppContainer, err error) {
	c := &AppContainer{Config: cfg, Logger: log}
	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()

	// 数据库
	c.DB, err = infra.OpenDatabase(&cfg.Database, log)
	if err != nil {
		return nil, fmt.Errorf("初始化数据库失败: %w", err)
	}
	c.closers = append(c.closers, func() error { return infra.CloseDatabase(c.DB) })
	if cfg.Database.AutoMigrate {
		if err := infra.AutoMigrate(c.DB, log, rag.Models()...); err != nil {
			return nil, err
		}
	} else {
		log.Info("跳过自动迁移（配置已禁用）")
	}

	// Redis（可选）
	if cfg.Redis.Enabled() {
		c.Redis, err = infra.OpenRedis(ctx, &cfg.Redis, log)
		if err != nil {
			return nil, fmt.Errorf("初始化 Redis 失败: %w", err)
		}
		c.closers = append(c.closers, c.Redis.Close)
		q := queue.NewClient(cfg.Redis)
		c.Queue = q
		c.closers = append(c.closers, q.Close)
		ins := queue.NewInspector(cfg.Redis)
		c.Inspector = ins
		c.closers = append(c.closers, ins.Close)
	}

	// 向量化服务与向量后端
	embedder, err := rag.NewEmbeddingProvider(ctx, cfg.RAG.Embedding)
	if err != nil {
		return nil, fmt.Errorf("初始化向量化服务失败: %w", err)
	}
	if c.Redis != nil && cfg.RAG.Embedding.CacheTTL > 0 {
		embedder = rag.NewCachedEmbeddingProvider(embedder, rag.NewEmbeddingCache(c.Redis, "", cfg.RAG.Embedding.CacheTTL))
	}
	c.Stores, err = rag.NewVectorStores(cfg.RAG.VectorStore, rag.VectorStoreDeps{
		DB:         c.DB,
		Embedder:   embedder,
		HTTPClient: &http.Client{Timeout: time.Duration(cfg.RAG.VectorStore.Qdrant.TimeoutSeconds) * time.Second},
		Logger:     log,
	})
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, c.Stores.Close)

	// 文件存储与可选的 S3 镜像
	c.Ingestor, err = rag.NewFileIngestor(cfg.RAG.KnowledgeRoot, cfg.RAG.UploadBlockSize, log)
	if err != nil {
		return nil, err
	}
	if s3cfg := cfg.RAG.Mirror.S3; s3cfg.Enabled {
		mirror, err := rag.NewS3Mirror(ctx, rag.S3MirrorOptions{
			Bucket:    s3cfg.Bucket,
			Prefix:    s3cfg.Prefix,
			Region:    s3cfg.Region,
			AccessKey: s3cfg.AccessKey,
			SecretKey: s3cfg.SecretKey,
			Endpoint:  s3cfg.Endpoint,
		})
		if err != nil {
			return nil, fmt.Errorf("初始化 S3 镜像失败: %w", err)
		}
		c.Ingestor = c.Ingestor.WithMirror(mirror)
	}

	counter, err := rag.NewTokenCounter(cfg.RAG.TokenEncoding)
	if err != nil {
		return nil, err
	}
	stats := rag.NewKnowledgeBaseStats(c.DB)
	c.Coordinator, err = rag.NewIndexCoordinator(rag.CoordinatorOptions{
		DB:       c.DB,
		Stores:   c.Stores,
		Ingestor: c.Ingestor,
		Splitter: rag.NewDocumentSplitter(rag.NewDocumentLoader(parsers.NewParserRegistry(log)), counter, log),
		Enricher: rag.NewMetadataEnricher(cfg.RAG.ExcludeFields()),
		Stats:    stats,
		Logger:   log,
	})
	if err != nil {
		return nil, err
	}

	c.Reconciler, err = rag.NewReconciler(rag.ReconcilerOptions{
		DB:          c.DB,
		Stores:      c.Stores,
		Stats:       stats,
		GracePeriod: cfg.RAG.Reconcile.GracePeriod,
		Concurrency: cfg.RAG.Reconcile.Concurrency,
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}

	// 多实例部署依赖 Redis 锁，单实例退回进程内锁
	if c.Redis != nil {
		c.Locker = rag.NewRedisKBLocker(c.Redis, cfg.RAG.Lock.TTL, cfg.RAG.Lock.WaitTime)
	} else {
		c.Locker = rag.NewLocalKBLocker(cfg.RAG.Lock.WaitTime)
	}

	c.Dispatcher, err = rag.NewDispatcher(cfg.RAG.Dispatcher.PoolSize, log)
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, func() error { c.Dispatcher.Close(); return nil })

	log.Info("依赖组装完成",
		zap.String("default_backend", string(c.Stores.Default())),
		zap.Bool("redis", c.Redis != nil),
		zap.Int("dispatcher_pool", cfg.RAG.Dispatcher.PoolSize),
	)
	return c, nil
}

// Close 按创建的逆序释放资源
func (c *AppContainer) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
