package knowledge

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	response "kbindex/api/handlers/common"
	"kbindex/internal/infra/queue"
	"kbindex/internal/logger"
	"kbindex/internal/rag"
	"kbindex/internal/worker/tasks"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// DocumentHandler 文档处理器
type DocumentHandler struct {
	coord  *rag.IndexCoordinator
	writer writer
	queue  queue.Client
	async  bool
	logger *zap.Logger
}

// DocumentHandlerOptions 文档处理器依赖，Queue 为空或 Async 为 false 时同步入库
type DocumentHandlerOptions struct {
	Coordinator *rag.IndexCoordinator
	Locker      rag.KBLocker
	Dispatcher  *rag.Dispatcher
	Queue       queue.Client
	Async       bool
	Logger      *zap.Logger
}

// NewDocumentHandler 创建文档处理器
func NewDocumentHandler(opts DocumentHandlerOptions) *DocumentHandler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &DocumentHandler{
		coord:  opts.Coordinator,
		writer: writer{locker: opts.Locker, dispatcher: opts.Dispatcher},
		queue:  opts.Queue,
		async:  opts.Async && opts.Queue != nil,
		logger: opts.Logger,
	}
}

// Upload 上传文档（multipart 字段 files，可重复；tags 可选）
// @Summary 上传知识库文档
// @Tags Document
// @Accept multipart/form-data
// @Produce json
// @Param id path string true "知识库 ID"
// @Param files formData file true "文档文件，可重复"
// @Param tags formData []string false "标签，可重复"
// @Success 201 {object} response.APIResponse{data=UploadResponse}
// @Success 202 {object} response.APIResponse{data=AsyncUploadResponse}
// @Failure 400 {object} FailedUploadResponse
// @Failure 404 {object} response.ErrorResponse
// @Failure 409 {object} response.ErrorResponse
// @Failure 500 {object} response.ErrorResponse
// @Router /api/knowledge-bases/{id}/documents [post]
func (h *DocumentHandler) Upload(c *gin.Context) {
	kbID := c.Param("id")
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Code: response.CodeInvalidInput, Message: "解析上传表单失败: " + err.Error()})
		return
	}
	headers := form.File["files"]
	if len(headers) == 0 {
		c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Code: response.CodeInvalidInput, Message: "未找到上传文件"})
		return
	}
	tags := form.Value["tags"]

	files := make([]rag.UploadFile, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, response.ErrorResponse{Success: false, Code: response.CodeInvalidInput, Message: fmt.Sprintf("读取上传文件 %s 失败", fh.Filename)})
			return
		}
		defer f.Close()
		files = append(files, rag.UploadFile{Name: fh.Filename, Reader: f})
	}

	ctx := c.Request.Context()
	log := logger.FromContext(ctx, h.logger).With(zap.String("kb_id", kbID), zap.Int("files", len(files)))

	if h.async {
		saved, err := h.coord.SaveUploads(ctx, kbID, files)
		if err != nil {
			respondError(c, h.logger, err)
			return
		}
		taskID, err := h.queue.EnqueueIndexDocuments(ctx, tasks.IndexDocumentsPayload{KnowledgeBaseID: kbID, Files: saved, Tags: tags})
		if err != nil {
			h.coord.DiscardUploads(context.WithoutCancel(ctx), kbID, saved)
			respondError(c, h.logger, err)
			return
		}
		log.Info("上传文件已提交异步入库", zap.String("task_id", taskID))
		c.JSON(http.StatusAccepted, response.APIResponse{Success: true, Message: "文档已提交处理", Data: AsyncUploadResponse{TaskID: taskID, Files: saved}})
		return
	}

	var result *rag.IngestResult
	err = h.writer.run(ctx, kbID, func(ctx context.Context) error {
		var err error
		result, err = h.coord.Ingest(ctx, kbID, files, tags)
		return err
	})
	if err != nil {
		var stageErr *rag.StageError
		if result != nil && errors.As(err, &stageErr) {
			status, code := response.StatusOf(err)
			c.JSON(status, FailedUploadResponse{Success: false, Code: code, Message: err.Error(), Result: result})
			return
		}
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, response.APIResponse{Success: true, Data: UploadResponse{Result: result}})
}

// ListDocuments 列出知识库文档
// @Summary 列出知识库文档
// @Tags Document
// @Produce json
// @Param id path string true "知识库 ID"
// @Success 200 {object} response.APIResponse{data=response.ListResponse{items=[]rag.KnowledgeDocument}}
// @Failure 404 {object} response.ErrorResponse
// @Failure 500 {object} response.ErrorResponse
// @Router /api/knowledge-bases/{id}/documents [get]
func (h *DocumentHandler) ListDocuments(c *gin.Context) {
	docs, err := h.coord.ListDocuments(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: response.ListResponse{Items: docs, Total: len(docs)}})
}

// GetDocument 获取文档
// @Summary 文档详情
// @Tags Document
// @Produce json
// @Param id path string true "文档 ID"
// @Success 200 {object} response.APIResponse{data=rag.KnowledgeDocument}
// @Failure 404 {object} response.ErrorResponse
// @Failure 500 {object} response.ErrorResponse
// @Router /api/documents/{id} [get]
func (h *DocumentHandler) GetDocument(c *gin.Context) {
	doc, err := h.coord.GetDocument(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: doc})
}

// ListChunks 列出文档分块
// @Summary 文档分块列表
// @Tags Document
// @Produce json
// @Param id path string true "文档 ID"
// @Success 200 {object} response.APIResponse{data=response.ListResponse{items=[]rag.KnowledgeChunk}}
// @Failure 404 {object} response.ErrorResponse
// @Failure 500 {object} response.ErrorResponse
// @Router /api/documents/{id}/chunks [get]
func (h *DocumentHandler) ListChunks(c *gin.Context) {
	chunks, err := h.coord.ListChunks(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, response.APIResponse{Success: true, Data: response.ListResponse{Items: chunks, Total: len(chunks)}})
}

// Download 下载原始文件
// @Summary 下载原始文件
// @Tags Document
// @Produce octet-stream
// @Success 200 {file} file
// @Param id path string true "文档 ID"
// @Failure 404 {object} response.ErrorResponse
// @Failure 500 {object} response.ErrorResponse
// @Router /api/documents/{id}/download [get]
func (h *DocumentHandler) Download(c *gin.Context) {
	doc, err := h.coord.GetDocument(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.FileAttachment(doc.FilePath, doc.Name)
}

// DeleteDocument 删除文档、分块、向量与原始文件
// @Summary 删除文档
// @Tags Document
// @Produce json
// @Param id path string true "文档 ID"
// @Success 200 {object} response.APIResponse
// @Failure 404 {object} response.ErrorResponse
// @Failure 409 {object} response.ErrorResponse
// @Failure 500 {object} response.ErrorResponse
// @Router /api/documents/{id} [delete]
func (h *DocumentHandler) DeleteDocument(c *gin.Context) {
	ctx := c.Request.Context()
	doc, err := h.coord.GetDocument(ctx, c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	err = h.writer.run(ctx, doc.KnowledgeBaseID, func(ctx context.Context) error {
		return h.coord.DeleteDocument(ctx, doc.ID)
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, response.APIResponse{Success: true, Message: "文档已删除"})
}
