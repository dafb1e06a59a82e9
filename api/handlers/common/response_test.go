package common

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"kbindex/internal/rag"

	"github.com/stretchr/testify/assert"
)

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"不存在", fmt.Errorf("%w: kb", rag.ErrNotFound), http.StatusNotFound, CodeNotFound},
		{"文件不存在", rag.ErrFileNotFound, http.StatusNotFound, CodeNotFound},
		{"参数错误", rag.ErrInvalidInput, http.StatusBadRequest, CodeInvalidInput},
		{"分块错误", &rag.StageError{Stage: rag.StageSplit, Err: rag.ErrSplit}, http.StatusBadRequest, CodeInvalidInput},
		{"未知后端", rag.ErrUnknownBackend, http.StatusBadRequest, CodeInvalidInput},
		{"知识库忙", rag.ErrLockBusy, http.StatusConflict, CodeBusy},
		{"超时", context.DeadlineExceeded, http.StatusGatewayTimeout, CodeInternal},
		{"向量存储", rag.ErrVectorStore, http.StatusInternalServerError, CodeInternal},
		{"一致性", rag.ErrConsistency, http.StatusInternalServerError, CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code := StatusOf(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestNewErrorResponse(t *testing.T) {
	status, resp := NewErrorResponse(fmt.Errorf("%w: 知识库 kb-1", rag.ErrNotFound))
	assert.Equal(t, http.StatusNotFound, status)
	assert.False(t, resp.Success)
	assert.Equal(t, CodeNotFound, resp.Code)
	assert.Contains(t, resp.Message, "kb-1")
}
