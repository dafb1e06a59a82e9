package tasks

import "kbindex/internal/rag"

// Task Types
const (
	TypeIndexDocuments = "kb:index_documents"
	TypeReconcile      = "kb:reconcile"
)

// 队列名
const (
	QueueKnowledge = "kb"
	QueueDefault   = "default"
)

// IndexDocumentsPayload 已落盘文件的异步入库任务载荷
type IndexDocumentsPayload struct {
	KnowledgeBaseID string          `json:"knowledge_base_id"`
	Files           []rag.SavedFile `json:"files"`
	Tags            []string        `json:"tags,omitempty"`
}

// ReconcilePayload 一致性修复任务载荷，KnowledgeBaseID 为空表示全部知识库
type ReconcilePayload struct {
	KnowledgeBaseID string `json:"knowledge_base_id,omitempty"`
}
