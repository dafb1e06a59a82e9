package rag

import (
	"context"
	"os"
	"strings"
	"testing"

	"kbindex/internal/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type coordinatorFixture struct {
	coord    *IndexCoordinator
	db       *gorm.DB
	store    *memoryVectorStore
	ingestor *FileIngestor
}

func newCoordinatorFixture(t *testing.T) *coordinatorFixture {
	t.Helper()
	db := setupRAGTestDB(t)
	store := newMemoryVectorStore()
	stores := NewVectorStoreRegistry(BackendEmbedded)
	stores.Register(store)
	ingestor := newTestIngestor(t, 0)
	log := zaptest.NewLogger(t)

	coord, err := NewIndexCoordinator(CoordinatorOptions{
		DB:       db,
		Stores:   stores,
		Ingestor: ingestor,
		Splitter: NewDocumentSplitter(nil, nil, log),
		Enricher: NewMetadataEnricher([]string{"file_path"}),
		Logger:   log,
	})
	require.NoError(t, err)
	return &coordinatorFixture{coord: coord, db: db, store: store, ingestor: ingestor}
}

func (f *coordinatorFixture) createKB(t *testing.T, req CreateKnowledgeBaseRequest) *KnowledgeBase {
	t.Helper()
	if req.Name == "" {
		req.Name = "测试知识库"
	}
	kb, err := f.coord.CreateKnowledgeBase(context.Background(), req)
	require.NoError(t, err)
	return kb
}

func (f *coordinatorFixture) countRows(t *testing.T, model interface{}, query string, args ...interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(model).Where(query, args...).Count(&n).Error)
	return n
}

func upload(name, content string) UploadFile {
	return UploadFile{Name: name, Reader: strings.NewReader(content)}
}

func TestIndexCoordinator_IngestAndDeleteScenario(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := logger.WithContext(context.Background(), zaptest.NewLogger(t))
	kb := f.createKB(t, CreateKnowledgeBaseRequest{Tags: []string{"合同"}})
	assert.Equal(t, DefaultChunkSize, kb.ChunkSize)
	assert.Equal(t, DefaultChunkOverlap, kb.ChunkOverlap)
	assert.Equal(t, string(BackendEmbedded), kb.VectorBackend)

	result, err := f.coord.Ingest(ctx, kb.ID, []UploadFile{upload("long.txt", strings.Repeat("a", 3000))}, []string{"合同"})
	require.NoError(t, err)
	require.Len(t, result.Documents, 1)
	assert.Nil(t, result.Failed)

	doc := result.Documents[0]
	assert.Equal(t, 3, doc.ChunkCount)
	assert.Equal(t, StagePersisted, doc.Status)
	assert.Equal(t, CollectionName(kb.ID), doc.VectorPath)
	assert.Equal(t, "long.txt", doc.Name)

	chunks, err := f.coord.ListChunks(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	ids := make([]string, 0, 3)
	for i, c := range chunks {
		assert.Equal(t, i, c.ChunkIndex)
		assert.True(t, f.store.has(doc.VectorPath, c.ChunkID))
		assert.Contains(t, c.DocumentMetadata, `"kb_uuid":"`+kb.ID+`"`)
		assert.Contains(t, c.DocumentMetadata, `"tags":"[\"合同\"]"`)
		assert.NotContains(t, c.DocumentMetadata, "file_path")
		ids = append(ids, c.ChunkID)
	}
	assert.Equal(t, 3, f.store.count(doc.VectorPath))
	assert.Zero(t, f.countRows(t, &IngestIntent{}, "document_id = ?", doc.ID))

	stats, err := f.coord.Stats(ctx, kb.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DocumentCount)
	assert.Equal(t, 3, stats.ChunkTotal)

	// 删除文档
	require.NoError(t, f.coord.DeleteDocument(ctx, doc.ID))

	_, err = f.coord.GetDocument(ctx, doc.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, f.countRows(t, &KnowledgeChunk{}, "document_id = ?", doc.ID))
	for _, id := range ids {
		assert.False(t, f.store.has(doc.VectorPath, id))
	}
	assert.NoFileExists(t, doc.FilePath)

	reloaded, err := f.coord.GetKnowledgeBase(ctx, kb.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, reloaded.ChunkTotal)
	assert.Equal(t, 0, reloaded.DocumentCount)

	assert.ErrorIs(t, f.coord.DeleteDocument(ctx, doc.ID), ErrNotFound)
}

func TestIndexCoordinator_SameNameUploads(t *testing.T) {
	f := newCoordinatorFixture(t)
	kb := f.createKB(t, CreateKnowledgeBaseRequest{})

	result, err := f.coord.Ingest(context.Background(), kb.ID, []UploadFile{
		upload("note.txt", "first"),
		upload("note.txt", "second"),
	}, nil)
	require.NoError(t, err)
	require.Len(t, result.Documents, 2)
	assert.NotEqual(t, result.Documents[0].FilePath, result.Documents[1].FilePath)
	for _, d := range result.Documents {
		assert.FileExists(t, d.FilePath)
		assert.Equal(t, "note.txt", d.Name)
	}
	assert.Equal(t, 2, result.Stats.DocumentCount)
	assert.Equal(t, 2, result.Stats.ChunkTotal)
}

func TestIndexCoordinator_FailFastBatch(t *testing.T) {
	f := newCoordinatorFixture(t)
	kb := f.createKB(t, CreateKnowledgeBaseRequest{ChunkSize: 50, ChunkOverlap: 5})

	result, err := f.coord.Ingest(context.Background(), kb.ID, []UploadFile{
		upload("good.txt", strings.Repeat("good words ", 20)),
		upload("bad.exe", "MZ"),
		upload("later.txt", "never indexed"),
	}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnreadableDocument)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageSplit, stageErr.Stage)

	require.Len(t, result.Documents, 1)
	require.NotNil(t, result.Failed)
	require.Len(t, result.Skipped, 1)
	assert.Equal(t, "later.txt", result.Skipped[0].OriginalName)

	failed, err := f.coord.GetDocument(context.Background(), result.Failed.ID)
	require.NoError(t, err)
	assert.Equal(t, StageFailed, failed.Status)
	assert.Equal(t, StageSplit, failed.FailedStage)
	assert.Equal(t, 0, failed.ChunkCount)
	assert.Zero(t, f.countRows(t, &KnowledgeChunk{}, "document_id = ?", failed.ID))

	good := result.Documents[0]
	assert.Equal(t, good.ChunkCount, f.store.count(CollectionName(kb.ID)))

	docs, err := f.coord.ListDocuments(context.Background(), kb.ID)
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	reloaded, err := f.coord.GetKnowledgeBase(context.Background(), kb.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, reloaded.DocumentCount)
	assert.Equal(t, good.ChunkCount, reloaded.ChunkTotal)
}

func TestIndexCoordinator_VectorFailureLeavesNoOrphans(t *testing.T) {
	f := newCoordinatorFixture(t)
	kb := f.createKB(t, CreateKnowledgeBaseRequest{})
	f.store.addErr = errInjected

	result, err := f.coord.Ingest(context.Background(), kb.ID, []UploadFile{upload("a.txt", "content")}, nil)
	require.ErrorIs(t, err, errInjected)
	require.NotNil(t, result.Failed)
	assert.Equal(t, StageVectorStored, result.Failed.FailedStage)

	// 补偿删除成功，意图被清理
	require.Len(t, f.store.deleteCalls, 1)
	assert.Len(t, f.store.deleteCalls[0], 1)
	assert.Zero(t, f.countRows(t, &IngestIntent{}, "1 = 1"))
	assert.Zero(t, f.countRows(t, &KnowledgeChunk{}, "1 = 1"))
}

func TestIndexCoordinator_CompensationFailureKeepsIntent(t *testing.T) {
	f := newCoordinatorFixture(t)
	kb := f.createKB(t, CreateKnowledgeBaseRequest{})
	f.store.addErr = errInjected
	f.store.deleteErr = errInjected

	result, err := f.coord.Ingest(context.Background(), kb.ID, []UploadFile{upload("a.txt", "content")}, nil)
	require.Error(t, err)
	assert.Equal(t, int64(1), f.countRows(t, &IngestIntent{}, "document_id = ?", result.Failed.ID))
}

func TestIndexCoordinator_ShortAddIsConsistencyError(t *testing.T) {
	f := newCoordinatorFixture(t)
	kb := f.createKB(t, CreateKnowledgeBaseRequest{ChunkSize: 10, ChunkOverlap: 0})
	f.store.shortAdd = true

	result, err := f.coord.Ingest(context.Background(), kb.ID, []UploadFile{upload("a.txt", strings.Repeat("abcde ", 10))}, nil)
	require.ErrorIs(t, err, ErrConsistency)
	assert.Equal(t, StageVectorStored, result.Failed.FailedStage)
	assert.Zero(t, f.store.count(CollectionName(kb.ID)))
	assert.Zero(t, f.countRows(t, &IngestIntent{}, "1 = 1"))
}

func TestIndexCoordinator_PersistFailureCompensates(t *testing.T) {
	f := newCoordinatorFixture(t)
	kb := f.createKB(t, CreateKnowledgeBaseRequest{})

	require.NoError(t, f.db.Callback().Create().Before("gorm:create").Register("test:fail_chunks", func(tx *gorm.DB) {
		if tx.Statement.Table == "knowledge_chunks" {
			_ = tx.AddError(errInjected)
		}
	}))

	result, err := f.coord.Ingest(context.Background(), kb.ID, []UploadFile{upload("a.txt", "content")}, nil)
	require.ErrorIs(t, err, errInjected)
	assert.Equal(t, StagePersisted, result.Failed.FailedStage)
	assert.Equal(t, 0, result.Failed.ChunkCount)
	assert.Zero(t, f.store.count(CollectionName(kb.ID)))
	assert.Zero(t, f.countRows(t, &IngestIntent{}, "1 = 1"))
}

func TestIndexCoordinator_DeleteDocumentVectorFailure(t *testing.T) {
	f := newCoordinatorFixture(t)
	kb := f.createKB(t, CreateKnowledgeBaseRequest{})
	result, err := f.coord.Ingest(context.Background(), kb.ID, []UploadFile{upload("a.txt", "content")}, nil)
	require.NoError(t, err)
	doc := result.Documents[0]

	f.store.deleteErr = errInjected
	require.ErrorIs(t, f.coord.DeleteDocument(context.Background(), doc.ID), errInjected)

	// 关系数据与文件都保留，可以重试
	assert.Equal(t, int64(1), f.countRows(t, &KnowledgeChunk{}, "document_id = ?", doc.ID))
	assert.FileExists(t, doc.FilePath)

	f.store.deleteErr = nil
	require.NoError(t, f.coord.DeleteDocument(context.Background(), doc.ID))
	assert.Zero(t, f.store.count(doc.VectorPath))
}

func TestIndexCoordinator_DeleteDocumentMissingFile(t *testing.T) {
	f := newCoordinatorFixture(t)
	kb := f.createKB(t, CreateKnowledgeBaseRequest{})
	result, err := f.coord.Ingest(context.Background(), kb.ID, []UploadFile{upload("a.txt", "content")}, nil)
	require.NoError(t, err)
	doc := result.Documents[0]

	require.NoError(t, os.Remove(doc.FilePath))
	require.NoError(t, f.coord.DeleteDocument(context.Background(), doc.ID))
	assert.Zero(t, f.countRows(t, &KnowledgeDocument{}, "id = ?", doc.ID))
}

func TestIndexCoordinator_DeleteKnowledgeBase(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()
	kb := f.createKB(t, CreateKnowledgeBaseRequest{})
	other := f.createKB(t, CreateKnowledgeBaseRequest{Name: "other"})

	_, err := f.coord.Ingest(ctx, kb.ID, []UploadFile{upload("a.txt", "alpha"), upload("b.md", "beta")}, nil)
	require.NoError(t, err)
	_, err = f.coord.Ingest(ctx, other.ID, []UploadFile{upload("c.txt", "gamma")}, nil)
	require.NoError(t, err)

	require.NoError(t, f.coord.DeleteKnowledgeBase(ctx, kb.ID))

	assert.NoDirExists(t, f.ingestor.KnowledgeBaseDir(kb.ID))
	assert.Zero(t, f.store.count(CollectionName(kb.ID)))
	assert.Zero(t, f.countRows(t, &KnowledgeDocument{}, "knowledge_base_id = ?", kb.ID))
	assert.Zero(t, f.countRows(t, &KnowledgeChunk{}, "knowledge_base_id = ?", kb.ID))

	_, err = f.coord.GetKnowledgeBase(ctx, kb.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	var row KnowledgeBase
	require.NoError(t, f.db.Where("id = ?", kb.ID).First(&row).Error)
	assert.NotNil(t, row.DeletedAt)
	assert.Equal(t, 0, row.ChunkTotal)

	_, err = f.coord.Stats(ctx, kb.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, f.coord.DeleteKnowledgeBase(ctx, kb.ID), ErrNotFound)

	// 其他知识库不受影响
	assert.Equal(t, 1, f.store.count(CollectionName(other.ID)))
	assert.DirExists(t, f.ingestor.KnowledgeBaseDir(other.ID))
}

func TestIndexCoordinator_CreateKnowledgeBaseValidation(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()

	_, err := f.coord.CreateKnowledgeBase(ctx, CreateKnowledgeBaseRequest{Name: "  "})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.coord.CreateKnowledgeBase(ctx, CreateKnowledgeBaseRequest{Name: "x", Tags: make([]string, 11)})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.coord.CreateKnowledgeBase(ctx, CreateKnowledgeBaseRequest{Name: "x", ChunkSize: 10, ChunkOverlap: 10})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.coord.CreateKnowledgeBase(ctx, CreateKnowledgeBaseRequest{Name: "x", VectorBackend: "faiss"})
	assert.ErrorIs(t, err, ErrUnknownBackend)

	_, err = f.coord.CreateKnowledgeBase(ctx, CreateKnowledgeBaseRequest{Name: "x", VectorBackend: "milvus"})
	assert.ErrorIs(t, err, ErrUnknownBackend)

	kb, err := f.coord.CreateKnowledgeBase(ctx, CreateKnowledgeBaseRequest{Name: "x", VectorBackend: "chroma"})
	require.NoError(t, err)
	assert.Equal(t, string(BackendEmbedded), kb.VectorBackend)
}

func TestIndexCoordinator_NotFound(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()

	_, err := f.coord.Ingest(ctx, "missing", []UploadFile{upload("a.txt", "x")}, nil)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoDirExists(t, f.ingestor.KnowledgeBaseDir("missing"))

	_, err = f.coord.ListDocuments(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.coord.ListChunks(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, f.coord.DeleteKnowledgeBase(ctx, "missing"), ErrNotFound)
}

func TestIndexCoordinator_StatsMatchDocumentSums(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()
	kb := f.createKB(t, CreateKnowledgeBaseRequest{ChunkSize: 20, ChunkOverlap: 2})

	result, err := f.coord.Ingest(ctx, kb.ID, []UploadFile{
		upload("a.txt", strings.Repeat("one two three ", 10)),
		upload("b.txt", "short"),
		upload("c.txt", strings.Repeat("x", 75)),
	}, nil)
	require.NoError(t, err)
	require.NoError(t, f.coord.DeleteDocument(ctx, result.Documents[1].ID))

	stats, err := f.coord.Stats(ctx, kb.ID)
	require.NoError(t, err)

	var sum int
	require.NoError(t, f.db.Model(&KnowledgeDocument{}).Where("knowledge_base_id = ?", kb.ID).
		Select("COALESCE(SUM(chunk_count), 0)").Scan(&sum).Error)
	assert.Equal(t, sum, stats.ChunkTotal)
	assert.Equal(t, 2, stats.DocumentCount)
	assert.Equal(t, int64(sum), f.countRows(t, &KnowledgeChunk{}, "knowledge_base_id = ?", kb.ID))
}
