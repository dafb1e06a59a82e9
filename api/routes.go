package api

import (
	"kbindex/api/handlers/knowledge"
	"kbindex/api/handlers/tasks"

	"github.com/gin-gonic/gin"
)

// Handlers 全部 HTTP 处理器
type Handlers struct {
	KnowledgeBase *knowledge.KBHandler
	Document      *knowledge.DocumentHandler
	Tasks         *tasks.Handler // 未配置 Redis 时为 nil
}

// RegisterRoutes 注册 API 路由
func RegisterRoutes(router *gin.Engine, h *Handlers) {
	registerAPIRoutes(router.Group("/api"), h)
	registerAPIRoutes(router.Group("/api/v1"), h)
}

func registerAPIRoutes(apiGroup *gin.RouterGroup, h *Handlers) {
	kbs := apiGroup.Group("/knowledge-bases")
	{
		kbs.POST("", h.KnowledgeBase.Create)
		kbs.GET("", h.KnowledgeBase.List)
		kbs.GET("/:id", h.KnowledgeBase.Get)
		kbs.DELETE("/:id", h.KnowledgeBase.Delete)
		kbs.GET("/:id/stats", h.KnowledgeBase.Stats)
		kbs.POST("/:id/documents", h.Document.Upload)
		kbs.GET("/:id/documents", h.Document.ListDocuments)
	}

	docs := apiGroup.Group("/documents")
	{
		docs.GET("/:id", h.Document.GetDocument)
		docs.GET("/:id/chunks", h.Document.ListChunks)
		docs.GET("/:id/download", h.Document.Download)
		docs.DELETE("/:id", h.Document.DeleteDocument)
	}

	if h.Tasks != nil {
		apiGroup.GET("/tasks/:id", h.Tasks.GetTask)
		apiGroup.GET("/queues", h.Tasks.QueueStats)
	}
}
