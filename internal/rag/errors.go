package rag

import (
	"errors"
	"fmt"
)

// 错误分类，调用方通过 errors.Is 判断
var (
	ErrNotFound     = errors.New("rag: not found")
	ErrInvalidInput = errors.New("rag: invalid input")
	ErrStorageIO    = errors.New("rag: storage io error")
	ErrSplit        = errors.New("rag: split error")
	ErrVectorStore  = errors.New("rag: vector store error")
	ErrConsistency  = errors.New("rag: consistency error")

	// ErrFileNotFound 与 ErrUnreadableDocument 同属 ErrSplit
	ErrFileNotFound       = fmt.Errorf("%w: file not found", ErrSplit)
	ErrUnreadableDocument = fmt.Errorf("%w: unreadable document", ErrSplit)

	// ErrUnknownBackend 未知或未启用的向量后端标签，属于配置错误
	ErrUnknownBackend = errors.New("rag: unknown vector backend")
)

// Stage 文档入库状态
type Stage string

const (
	StageSaved        Stage = "saved"
	StageSplit        Stage = "split"
	StageVectorStored Stage = "vector_stored"
	StagePersisted    Stage = "persisted"
	StageFailed       Stage = "failed"
)

// StageError 记录某个文档在哪个阶段失败
type StageError struct {
	Stage      Stage
	DocumentID string
	Err        error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("文档 %s 在 %s 阶段失败: %v", e.DocumentID, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
