package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"kbindex/internal/config"
	"kbindex/internal/worker/tasks"

	"github.com/hibiken/asynq"
)

// Client 任务队列客户端接口
type Client interface {
	EnqueueIndexDocuments(ctx context.Context, payload tasks.IndexDocumentsPayload) (string, error)
	EnqueueReconcile(ctx context.Context, kbID string) (string, error)
	Close() error
}

type asynqClient struct {
	client *asynq.Client
}

// RedisConnOpt 按 Redis 模式生成 asynq 连接配置
func RedisConnOpt(cfg config.RedisConfig) asynq.RedisConnOpt {
	switch cfg.Mode {
	case "cluster":
		return asynq.RedisClusterClientOpt{Addrs: cfg.ClusterAddrs, Password: cfg.Password}
	case "sentinel":
		return asynq.RedisFailoverClientOpt{
			MasterName:       cfg.MasterName,
			SentinelAddrs:    cfg.SentinelAddrs,
			SentinelPassword: cfg.SentinelPassword,
			Password:         cfg.Password,
			DB:               cfg.DB,
		}
	default:
		return asynq.RedisClientOpt{Addr: cfg.Addr(), Password: cfg.Password, DB: cfg.DB}
	}
}

// NewClient 创建任务队列客户端
func NewClient(cfg config.RedisConfig) Client {
	return &asynqClient{client: asynq.NewClient(RedisConnOpt(cfg))}
}

// NewIndexDocumentsTask 构造入库任务
func NewIndexDocumentsTask(payload tasks.IndexDocumentsPayload) (*asynq.Task, error) {
	if payload.KnowledgeBaseID == "" || len(payload.Files) == 0 {
		return nil, fmt.Errorf("入库任务缺少知识库或文件")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload failed: %w", err)
	}
	return asynq.NewTask(tasks.TypeIndexDocuments, data), nil
}

// NewReconcileTask 构造一致性修复任务
func NewReconcileTask(kbID string) (*asynq.Task, error) {
	data, err := json.Marshal(tasks.ReconcilePayload{KnowledgeBaseID: kbID})
	if err != nil {
		return nil, fmt.Errorf("marshal payload failed: %w", err)
	}
	return asynq.NewTask(tasks.TypeReconcile, data), nil
}

// IndexTaskTimeout 单个入库任务的最长执行时间，知识库锁的租约需要覆盖它
const IndexTaskTimeout = 30 * time.Minute

// indexMaxRetry 只有知识库锁被占用时才会重试，其余失败都带 SkipRetry
const indexMaxRetry = 10

// IndexTaskOptions 入库任务的入队参数
func IndexTaskOptions() []asynq.Option {
	return []asynq.Option{
		asynq.MaxRetry(indexMaxRetry),
		asynq.Timeout(IndexTaskTimeout),
		asynq.Queue(tasks.QueueKnowledge),
	}
}

func (c *asynqClient) EnqueueIndexDocuments(ctx context.Context, payload tasks.IndexDocumentsPayload) (string, error) {
	task, err := NewIndexDocumentsTask(payload)
	if err != nil {
		return "", err
	}

	info, err := c.client.EnqueueContext(ctx, task, IndexTaskOptions()...)
	if err != nil {
		return "", fmt.Errorf("enqueue task failed: %w", err)
	}
	return info.ID, nil
}

func (c *asynqClient) EnqueueReconcile(ctx context.Context, kbID string) (string, error) {
	task, err := NewReconcileTask(kbID)
	if err != nil {
		return "", err
	}

	info, err := c.client.EnqueueContext(ctx, task,
		asynq.MaxRetry(3),
		asynq.Timeout(10*time.Minute),
		asynq.Queue(tasks.QueueDefault),
	)
	if err != nil {
		return "", fmt.Errorf("enqueue task failed: %w", err)
	}
	return info.ID, nil
}

func (c *asynqClient) Close() error {
	return c.client.Close()
}
