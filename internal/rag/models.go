package rag

import (
	"time"

	"gorm.io/datatypes"
)

// KnowledgeBase 知识库，拥有若干文档与一个向量集合
type KnowledgeBase struct {
	ID          string `json:"id" gorm:"primaryKey;type:uuid"`
	Name        string `json:"name" gorm:"size:255;not null"`
	Description string `json:"description" gorm:"type:text"`

	Tags datatypes.JSON `json:"tags" gorm:"type:jsonb" swaggertype:"array,string"`

	// 分块策略
	ChunkSize    int `json:"chunkSize" gorm:"not null;default:1024"`
	ChunkOverlap int `json:"chunkOverlap" gorm:"not null;default:20"`

	// 向量后端标签
	VectorBackend string `json:"vectorBackend" gorm:"column:vector_db_type;size:32;not null;default:embedded"`

	// 统计信息，只由 KnowledgeBaseStats 写入
	DocumentCount int `json:"documentCount" gorm:"default:0"`
	ChunkTotal    int `json:"chunkTotal" gorm:"default:0"`

	Status string `json:"status" gorm:"size:50;not null;default:active"`

	CreatedAt time.Time  `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time  `json:"updatedAt" gorm:"not null;autoUpdateTime"`
	DeletedAt *time.Time `json:"deletedAt,omitempty" gorm:"index"`
}

// KnowledgeDocument 知识库中的一个上传文件
type KnowledgeDocument struct {
	ID              string `json:"id" gorm:"primaryKey;type:uuid"`
	KnowledgeBaseID string `json:"knowledgeBaseId" gorm:"type:uuid;not null;index"`

	Name      string `json:"name" gorm:"size:500;not null"`
	FilePath  string `json:"filePath" gorm:"type:text;not null"`
	FileType  string `json:"fileType" gorm:"size:32"`
	FileSize  string `json:"fileSize" gorm:"size:32"`
	FileBytes int64  `json:"fileBytes"`

	VectorPath string `json:"vectorPath" gorm:"size:255;not null"` // 向量集合名
	ChunkCount int    `json:"chunkCount" gorm:"default:0"`

	Status       Stage  `json:"status" gorm:"size:32;not null;default:saved"`
	FailedStage  Stage  `json:"failedStage,omitempty" gorm:"size:32"`
	ErrorMessage string `json:"errorMessage,omitempty" gorm:"type:text"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

// KnowledgeChunk 文档分块在关系库中的镜像，ChunkID 与向量存储中的 id 一致
type KnowledgeChunk struct {
	ID              string `json:"id" gorm:"primaryKey;type:uuid"`
	ChunkID         string `json:"chunkId" gorm:"size:64;not null;uniqueIndex"`
	DocumentID      string `json:"documentId" gorm:"type:uuid;not null;index"`
	KnowledgeBaseID string `json:"knowledgeBaseId" gorm:"type:uuid;not null;index"`

	Content          string `json:"content" gorm:"type:text;not null"`
	PageLabel        string `json:"pageLabel" gorm:"size:64"`
	ChunkIndex       int    `json:"chunkIndex" gorm:"not null"`
	ContentHash      string `json:"contentHash" gorm:"size:64;index"`
	TokenCount       int    `json:"tokenCount" gorm:"default:0"`
	DocumentMetadata string `json:"documentMetadata" gorm:"type:text"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
}

// IngestIntent 已分配但尚未落库的向量 id
// 在写向量之前创建，与分块行在同一事务中删除；残留的记录由 Reconciler 处理
type IngestIntent struct {
	ID              string         `json:"id" gorm:"primaryKey;type:uuid"`
	KnowledgeBaseID string         `json:"knowledgeBaseId" gorm:"type:uuid;not null;index"`
	DocumentID      string         `json:"documentId" gorm:"type:uuid;not null;index"`
	Collection      string         `json:"collection" gorm:"size:255;not null"`
	VectorIDs       datatypes.JSON `json:"vectorIds" gorm:"type:jsonb"`
	CreatedAt       time.Time      `json:"createdAt" gorm:"not null;autoCreateTime;index"`
}

func (KnowledgeBase) TableName() string     { return "knowledge_bases" }
func (KnowledgeDocument) TableName() string { return "knowledge_documents" }
func (KnowledgeChunk) TableName() string    { return "knowledge_chunks" }
func (IngestIntent) TableName() string      { return "knowledge_ingest_intents" }

// Models 需要迁移的全部模型
func Models() []interface{} {
	return []interface{}{&KnowledgeBase{}, &KnowledgeDocument{}, &KnowledgeChunk{}, &IngestIntent{}}
}
