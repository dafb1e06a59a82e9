package knowledge

import "kbindex/internal/rag"

// UploadResponse 同步上传的返回
type UploadResponse struct {
	Result *rag.IngestResult `json:"result"`
}

// AsyncUploadResponse 异步上传的返回
type AsyncUploadResponse struct {
	TaskID string          `json:"taskId"`
	Files  []rag.SavedFile `json:"files"`
}

// FailedUploadResponse 批量入库在某个文档失败时的返回，已完成的文档保留
type FailedUploadResponse struct {
	Success bool              `json:"success"`
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Result  *rag.IngestResult `json:"result"`
}
