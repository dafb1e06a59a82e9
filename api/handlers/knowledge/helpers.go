package knowledge

import (
	"context"

	response "kbindex/api/handlers/common"
	"kbindex/internal/logger"
	"kbindex/internal/rag"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// writer 串行化同一知识库的写操作：先进入调度队列，再获取知识库锁
type writer struct {
	locker     rag.KBLocker
	dispatcher *rag.Dispatcher
}

func (w writer) run(ctx context.Context, kbID string, fn func(context.Context) error) error {
	locked := fn
	if w.locker != nil {
		locked = func(ctx context.Context) error { return rag.WithKBLock(ctx, w.locker, kbID, fn) }
	}
	if w.dispatcher == nil {
		return locked(ctx)
	}
	return w.dispatcher.Run(ctx, kbID, locked)
}

// respondError 输出统一错误响应，5xx 额外记录日志
func respondError(c *gin.Context, log *zap.Logger, err error) {
	status, body := response.NewErrorResponse(err)
	if status >= 500 {
		logger.FromContext(c.Request.Context(), log).Error("请求处理失败",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
	}
	c.JSON(status, body)
}
