package worker

import (
	"context"
	"fmt"

	"kbindex/internal/config"
	"kbindex/internal/infra/queue"
	"kbindex/internal/worker/handlers"
	"kbindex/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

type Server struct {
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux
	logger    *zap.Logger
}

// NewServer 创建 Worker 服务器，reconcileInterval 非空时同时注册周期修复任务
func NewServer(
	cfg config.RedisConfig,
	workerCfg config.WorkerConfig,
	reconcileInterval string,
	kbHandler *handlers.KBHandler,
	logger *zap.Logger,
) (*Server, error) {
	concurrency := workerCfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	redisOpt := queue.RedisConnOpt(cfg)

	srv := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				tasks.QueueKnowledge: 6,
				tasks.QueueDefault:   1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("任务执行失败",
					zap.String("type", task.Type()),
					zap.Error(err),
				)
			}),
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypeIndexDocuments, kbHandler.HandleIndexDocuments)
	mux.HandleFunc(tasks.TypeReconcile, kbHandler.HandleReconcile)

	s := &Server{server: srv, mux: mux, logger: logger}
	if reconcileInterval != "" {
		task, err := queue.NewReconcileTask("")
		if err != nil {
			return nil, err
		}
		s.scheduler = asynq.NewScheduler(redisOpt, nil)
		if _, err := s.scheduler.Register(reconcileInterval, task, asynq.Queue(tasks.QueueDefault)); err != nil {
			return nil, fmt.Errorf("注册周期修复任务失败: %w", err)
		}
	}
	return s, nil
}

// Run 启动 Worker 服务器
func (s *Server) Run() error {
	s.logger.Info("Worker 服务器启动中...")
	if s.scheduler != nil {
		if err := s.scheduler.Start(); err != nil {
			return err
		}
	}
	return s.server.Run(s.mux)
}

// Start 非阻塞启动
func (s *Server) Start() error {
	s.logger.Info("Worker 服务器启动中 (后台)...")
	if s.scheduler != nil {
		if err := s.scheduler.Start(); err != nil {
			return err
		}
	}
	return s.server.Start(s.mux)
}

// Shutdown 停止 Worker 服务器
func (s *Server) Shutdown() {
	s.logger.Info("Worker 服务器停止中...")
	if s.scheduler != nil {
		s.scheduler.Shutdown()
	}
	s.server.Shutdown()
}
