package common

import (
	"context"
	"errors"
	"net/http"

	"kbindex/internal/rag"
)

// 错误码
const (
	CodeNotFound     = "not_found"
	CodeInvalidInput = "invalid_input"
	CodeBusy         = "busy"
	CodeInternal     = "internal_error"
)

// StatusOf 把领域错误映射为 HTTP 状态码与错误码
func StatusOf(err error) (int, string) {
	switch {
	case errors.Is(err, rag.ErrNotFound), errors.Is(err, rag.ErrFileNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, rag.ErrInvalidInput),
		errors.Is(err, rag.ErrSplit),
		errors.Is(err, rag.ErrUnreadableDocument),
		errors.Is(err, rag.ErrUnknownBackend):
		return http.StatusBadRequest, CodeInvalidInput
	case errors.Is(err, rag.ErrLockBusy):
		return http.StatusConflict, CodeBusy
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, CodeInternal
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// NewErrorResponse 根据错误生成响应体
func NewErrorResponse(err error) (int, ErrorResponse) {
	status, code := StatusOf(err)
	return status, ErrorResponse{Success: false, Code: code, Message: err.Error()}
}
