package api

import (
	_ "kbindex/api/docs"
	"kbindex/api/handlers/knowledge"
	"kbindex/api/handlers/tasks"
	"kbindex/internal/infra/queue"
	"kbindex/internal/metrics"
	middlewarepkg "kbindex/internal/middleware"
	"kbindex/internal/rag"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RouterDeps 构建路由所需的依赖，由 main 显式组装
type RouterDeps struct {
	DB          *gorm.DB
	Coordinator *rag.IndexCoordinator
	Locker      rag.KBLocker
	Dispatcher  *rag.Dispatcher
	Queue       queue.Client    // 为空时不支持异步入库
	Inspector   queue.Inspector // 为空时不注册任务查询接口
	AsyncIngest bool
	Mode        string
	Logger      *zap.Logger
}

// SetupRouter 设置并返回 Gin 路由
func SetupRouter(deps RouterDeps) *gin.Engine {
	if deps.Mode != "" {
		gin.SetMode(deps.Mode)
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	router := gin.New()
	router.MaxMultipartMemory = 32 << 20
	router.Use(
		gin.Recovery(),
		middlewarepkg.RequestIDMiddleware(log),
		RequestLogger(log),
		CORS(),
		metrics.PrometheusMiddleware(),
	)

	router.GET("/health", HealthCheck())
	router.GET("/ready", ReadinessCheck(deps.DB))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Swagger 文档
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	handlers := &Handlers{
		KnowledgeBase: knowledge.NewKBHandler(deps.Coordinator, deps.Locker, deps.Dispatcher, log),
		Document: knowledge.NewDocumentHandler(knowledge.DocumentHandlerOptions{
			Coordinator: deps.Coordinator,
			Locker:      deps.Locker,
			Dispatcher:  deps.Dispatcher,
			Queue:       deps.Queue,
			Async:       deps.AsyncIngest,
			Logger:      log,
		}),
	}
	if deps.Inspector != nil {
		handlers.Tasks = tasks.NewHandler(deps.Inspector, log)
	}
	RegisterRoutes(router, handlers)
	return router
}
