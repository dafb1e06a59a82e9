package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"kbindex/api"
	"kbindex/api/docs"
	"kbindex/internal/app"
	"kbindex/internal/config"
	"kbindex/internal/logger"
	"kbindex/internal/worker"
	"kbindex/internal/worker/handlers"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// @title kbindex API
// @version 1.0
// @description 知识库文档入库与索引服务 API
// @BasePath /
// @schemes http https
func main() {
	// 0. 统一加载 .env，便于集中管理 APP_* 环境变量
	loadEnvFile()

	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "dev"
	}

	// 1. 加载配置
	cfg, err := config.Load(env, os.Getenv("APP_CONFIG"))
	if err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志
	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	log.Info("应用启动中...",
		zap.String("env", env),
		zap.String("mode", cfg.Server.Mode),
	)

	docs.SwaggerInfo.Host = fmt.Sprintf("localhost:%d", cfg.Server.Port)
	docs.SwaggerInfo.BasePath = "/"

	// 3. 组装依赖
	ctx := context.Background()
	container, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal("初始化失败", zap.Error(err))
	}

	// 4. 创建路由
	router := api.SetupRouter(api.RouterDeps{
		DB:          container.DB,
		Coordinator: container.Coordinator,
		Locker:      container.Locker,
		Dispatcher:  container.Dispatcher,
		Queue:       container.Queue,
		Inspector:   container.Inspector,
		AsyncIngest: cfg.Server.AsyncIngest,
		Mode:        cfg.Server.Mode,
		Logger:      log,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		log.Info("HTTP 服务器启动", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP 服务器启动失败", zap.Error(err))
		}
	}()

	// 5. Worker 需要 Redis
	var workerServer *worker.Server
	if cfg.Worker.Enabled {
		if container.Queue == nil {
			log.Warn("未配置 Redis，Worker 不启动")
		} else {
			kbHandler := handlers.NewKBHandler(container.Coordinator, container.Reconciler, container.Locker, log)
			workerServer, err = worker.NewServer(cfg.Redis, cfg.Worker, cfg.RAG.Reconcile.Interval, kbHandler, log)
			if err != nil {
				log.Fatal("创建 Worker 服务器失败", zap.Error(err))
			}
			if err := workerServer.Start(); err != nil {
				log.Fatal("Worker 服务器启动失败", zap.Error(err))
			}
		}
	}

	// 6. 优雅关闭
	gracefulShutdown(log, server, workerServer, container)
}

// loadEnvFile 依次尝试加载当前目录及上级目录的 .env 文件
func loadEnvFile() {
	if path := resolveEnvPath(); path != "" {
		if err := godotenv.Load(path); err != nil {
			fmt.Printf("加载环境变量文件 %s 失败: %v\n", path, err)
		}
	}
}

// resolveEnvPath 从当前工作目录向上查找 .env
func resolveEnvPath() string {
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}
	dir := filepath.Clean(wd)
	for i := 0; i < 8; i++ {
		path := filepath.Join(dir, ".env")
		if _, err := os.Stat(path); err == nil {
			return path
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

// gracefulShutdown 优雅关闭
func gracefulShutdown(log *zap.Logger, server *http.Server, workerServer *worker.Server, container *app.AppContainer) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("正在关闭服务器...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("服务器关闭异常", zap.Error(err))
	}
	if workerServer != nil {
		workerServer.Shutdown()
	}
	// 调度器等待已提交的入库任务完成后再关闭数据库
	if err := container.Close(); err != nil {
		log.Error("资源释放异常", zap.Error(err))
	}

	log.Info("服务器已安全关闭")
}
