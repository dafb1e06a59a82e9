package tasks

import (
	"errors"
	"net/http"

	response "kbindex/api/handlers/common"
	"kbindex/internal/infra/queue"
	workertasks "kbindex/internal/worker/tasks"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handler 异步任务查询处理器
type Handler struct {
	inspector queue.Inspector
	logger    *zap.Logger
}

// NewHandler 创建任务查询处理器
func NewHandler(inspector queue.Inspector, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{inspector: inspector, logger: log}
}

// GetTask 查询异步入库任务状态
// @Summary 查询异步任务
// @Tags Task
// @Produce json
// @Param id path string true "任务 ID"
// @Param queue query string false "队列名，默认 kb"
// @Success 200 {object} response.APIResponse{data=queue.TaskStatus}
// @Failure 404 {object} response.ErrorResponse
// @Failure 500 {object} response.ErrorResponse
// @Router /api/tasks/{id} [get]
func (h *Handler) GetTask(c *gin.Context) {
	queueName := c.DefaultQuery("queue", workertasks.QueueKnowledge)
	status, err := h.inspector.GetTask(c.Request.Context(), queueName, c.Param("id"))
	if errors.Is(err, queue.ErrTaskNotFound) {
		c.JSON(http.StatusNotFound, response.ErrorResponse{Success: false, Code: response.CodeNotFound, Message: err.Error()})
		return
	}
	if err != nil {
		h.logger.Error("查询任务失败", zap.Error(err))
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Code: response.CodeInternal, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: status})
}

// QueueStats 队列统计
// @Summary 队列统计
// @Tags Task
// @Produce json
// @Success 200 {object} response.APIResponse{data=response.ListResponse{items=[]queue.QueueStats}}
// @Failure 500 {object} response.ErrorResponse
// @Router /api/queues [get]
func (h *Handler) QueueStats(c *gin.Context) {
	stats, err := h.inspector.QueueStats(c.Request.Context())
	if err != nil {
		h.logger.Error("查询队列失败", zap.Error(err))
		c.JSON(http.StatusInternalServerError, response.ErrorResponse{Success: false, Code: response.CodeInternal, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: response.ListResponse{Items: stats, Total: len(stats)}})
}
