package knowledge

import (
	"context"
	"net/http"

	response "kbindex/api/handlers/common"
	"kbindex/internal/rag"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// KBHandler 知识库处理器
type KBHandler struct {
	coord  *rag.IndexCoordinator
	writer writer
	logger *zap.Logger
}

// NewKBHandler 创建知识库处理器
func NewKBHandler(coord *rag.IndexCoordinator, locker rag.KBLocker, dispatcher *rag.Dispatcher, log *zap.Logger) *KBHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &KBHandler{coord: coord, writer: writer{locker: locker, dispatcher: dispatcher}, logger: log}
}

// Create 创建知识库
// @Summary 创建知识库
// @Tags KnowledgeBase
// @Accept json
// @Produce json
// @Param request body rag.CreateKnowledgeBaseRequest true "知识库信息"
// @Success 201 {object} response.APIResponse{data=rag.KnowledgeBase}
// @Failure 400 {object} response.ErrorResponse
// @Failure 500 {object} response.ErrorResponse
// @Router /api/knowledge-bases [post]
func (h *KBHandler) Create(c *gin.Context) {
	var req rag.CreateKnowledgeBaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Code: response.CodeInvalidInput, Message: err.Error()})
		return
	}

	kb, err := h.coord.CreateKnowledgeBase(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, response.APIResponse{Success: true, Data: kb})
}

// List 列出知识库
// @Summary 知识库列表
// @Tags KnowledgeBase
// @Produce json
// @Success 200 {object} response.APIResponse{data=response.ListResponse{items=[]rag.KnowledgeBase}}
// @Failure 500 {object} response.ErrorResponse
// @Router /api/knowledge-bases [get]
func (h *KBHandler) List(c *gin.Context) {
	kbs, err := h.coord.ListKnowledgeBases(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: response.ListResponse{Items: kbs, Total: len(kbs)}})
}

// Get 获取知识库
// @Summary 知识库详情
// @Tags KnowledgeBase
// @Produce json
// @Param id path string true "知识库 ID"
// @Success 200 {object} response.APIResponse{data=rag.KnowledgeBase}
// @Failure 404 {object} response.ErrorResponse
// @Failure 500 {object} response.ErrorResponse
// @Router /api/knowledge-bases/{id} [get]
func (h *KBHandler) Get(c *gin.Context) {
	kb, err := h.coord.GetKnowledgeBase(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: kb})
}

// Stats 重新计算并返回知识库统计
// @Summary 重新计算知识库统计
// @Tags KnowledgeBase
// @Produce json
// @Param id path string true "知识库 ID"
// @Success 200 {object} response.APIResponse{data=rag.Stats}
// @Failure 404 {object} response.ErrorResponse
// @Failure 409 {object} response.ErrorResponse
// @Failure 500 {object} response.ErrorResponse
// @Router /api/knowledge-bases/{id}/stats [get]
func (h *KBHandler) Stats(c *gin.Context) {
	kbID := c.Param("id")
	var stats *rag.Stats
	err := h.writer.run(c.Request.Context(), kbID, func(ctx context.Context) error {
		var err error
		stats, err = h.coord.Stats(ctx, kbID)
		return err
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: stats})
}

// Delete 删除知识库及其全部文档、分块与向量集合
// @Summary 删除知识库
// @Tags KnowledgeBase
// @Produce json
// @Param id path string true "知识库 ID"
// @Success 200 {object} response.APIResponse
// @Failure 404 {object} response.ErrorResponse
// @Failure 409 {object} response.ErrorResponse
// @Failure 500 {object} response.ErrorResponse
// @Router /api/knowledge-bases/{id} [delete]
func (h *KBHandler) Delete(c *gin.Context) {
	kbID := c.Param("id")
	err := h.writer.run(c.Request.Context(), kbID, func(ctx context.Context) error {
		return h.coord.DeleteKnowledgeBase(ctx, kbID)
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, response.APIResponse{Success: true, Message: "知识库已删除"})
}
