package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kbindex/internal/config"
	"kbindex/internal/worker/tasks"

	"github.com/hibiken/asynq"
)

// ErrTaskNotFound 任务不存在或已过期
var ErrTaskNotFound = errors.New("queue: task not found")

// TaskStatus 异步任务状态
type TaskStatus struct {
	ID          string     `json:"id"`
	Queue       string     `json:"queue"`
	Type        string     `json:"type"`
	State       string     `json:"state"`
	Retried     int        `json:"retried"`
	MaxRetry    int        `json:"maxRetry"`
	LastError   string     `json:"lastError,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// QueueStats 队列统计
type QueueStats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
	Completed int    `json:"completed"`
	Processed int    `json:"processed"`
	Failed    int    `json:"failed"`
}

// Inspector 查询任务与队列状态
type Inspector interface {
	GetTask(ctx context.Context, queue, taskID string) (*TaskStatus, error)
	QueueStats(ctx context.Context) ([]QueueStats, error)
	Close() error
}

type asynqInspector struct {
	inspector *asynq.Inspector
}

// NewInspector 创建任务查询器
func NewInspector(cfg config.RedisConfig) Inspector {
	return &asynqInspector{inspector: asynq.NewInspector(RedisConnOpt(cfg))}
}

func (i *asynqInspector) GetTask(ctx context.Context, queue, taskID string) (*TaskStatus, error) {
	info, err := i.inspector.GetTaskInfo(queue, taskID)
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("查询任务失败: %w", err)
	}
	return toTaskStatus(info), nil
}

func toTaskStatus(info *asynq.TaskInfo) *TaskStatus {
	s := &TaskStatus{
		ID:        info.ID,
		Queue:     info.Queue,
		Type:      info.Type,
		State:     info.State.String(),
		Retried:   info.Retried,
		MaxRetry:  info.MaxRetry,
		LastError: info.LastErr,
	}
	if !info.CompletedAt.IsZero() {
		completed := info.CompletedAt
		s.CompletedAt = &completed
	}
	return s
}

func (i *asynqInspector) QueueStats(ctx context.Context) ([]QueueStats, error) {
	names := []string{tasks.QueueKnowledge, tasks.QueueDefault}
	stats := make([]QueueStats, 0, len(names))
	for _, q := range names {
		info, err := i.inspector.GetQueueInfo(q)
		if errors.Is(err, asynq.ErrQueueNotFound) {
			// 队列还没有收到过任务
			stats = append(stats, QueueStats{Queue: q})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("查询队列 %s 失败: %w", q, err)
		}
		stats = append(stats, QueueStats{
			Queue:     q,
			Pending:   info.Pending,
			Active:    info.Active,
			Scheduled: info.Scheduled,
			Retry:     info.Retry,
			Archived:  info.Archived,
			Completed: info.Completed,
			Processed: info.Processed,
			Failed:    info.Failed,
		})
	}
	return stats, nil
}

func (i *asynqInspector) Close() error {
	return i.inspector.Close()
}
