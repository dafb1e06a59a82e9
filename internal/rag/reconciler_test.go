package rag

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/datatypes"
)

func newTestReconciler(t *testing.T, f *coordinatorFixture) *Reconciler {
	t.Helper()
	r, err := NewReconciler(ReconcilerOptions{
		DB:          f.db,
		Stores:      f.coord.stores,
		GracePeriod: time.Minute,
		Concurrency: 2,
		Logger:      zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return r
}

func insertIntent(t *testing.T, f *coordinatorFixture, kbID string, createdAt time.Time, ids ...string) *IngestIntent {
	t.Helper()
	raw, err := json.Marshal(ids)
	require.NoError(t, err)
	in := &IngestIntent{
		ID:              uuid.New().String(),
		KnowledgeBaseID: kbID,
		DocumentID:      uuid.New().String(),
		Collection:      CollectionName(kbID),
		VectorIDs:       datatypes.JSON(raw),
		CreatedAt:       createdAt,
	}
	require.NoError(t, f.db.Create(in).Error)
	return in
}

func TestReconciler_CleanKnowledgeBase(t *testing.T) {
	f := newCoordinatorFixture(t)
	kb := f.createKB(t, CreateKnowledgeBaseRequest{})
	_, err := f.coord.Ingest(context.Background(), kb.ID, []UploadFile{upload("a.txt", "content")}, nil)
	require.NoError(t, err)

	report, err := newTestReconciler(t, f).Sweep(context.Background(), kb.ID)
	require.NoError(t, err)
	assert.Zero(t, report.OrphansDeleted)
	assert.Zero(t, report.StaleIntents)
	assert.Empty(t, report.MissingVectors)
	assert.Equal(t, 1, report.Stats.ChunkTotal)
}

func TestReconciler_RemovesOrphansAndStaleIntents(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()
	kb := f.createKB(t, CreateKnowledgeBaseRequest{})
	result, err := f.coord.Ingest(ctx, kb.ID, []UploadFile{upload("a.txt", "content")}, nil)
	require.NoError(t, err)
	collection := CollectionName(kb.ID)
	kept := f.store.count(collection)

	// 过期意图：向量已写入但分块从未落库
	f.store.put(collection, "stale-1", "stale-2")
	stale := insertIntent(t, f, kb.ID, time.Now().Add(-time.Hour), "stale-1", "stale-2")
	// 仍在宽限期内的意图不能动
	f.store.put(collection, "fresh-1")
	fresh := insertIntent(t, f, kb.ID, time.Now(), "fresh-1")
	// 没有任何记录的孤儿
	f.store.put(collection, "orphan-1")

	report, err := newTestReconciler(t, f).Sweep(ctx, kb.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.StaleIntents)
	assert.Equal(t, 1, report.OrphansDeleted)

	assert.False(t, f.store.has(collection, "stale-1"))
	assert.False(t, f.store.has(collection, "orphan-1"))
	assert.True(t, f.store.has(collection, "fresh-1"))
	assert.Equal(t, kept+1, f.store.count(collection))

	assert.Zero(t, f.countRows(t, &IngestIntent{}, "id = ?", stale.ID))
	assert.Equal(t, int64(1), f.countRows(t, &IngestIntent{}, "id = ?", fresh.ID))

	// 已落库文档的向量保持不变
	chunks, err := f.coord.ListChunks(ctx, result.Documents[0].ID)
	require.NoError(t, err)
	for _, c := range chunks {
		assert.True(t, f.store.has(collection, c.ChunkID))
	}
}

func TestReconciler_ReportsMissingVectorsAndFixesCounts(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()
	kb := f.createKB(t, CreateKnowledgeBaseRequest{ChunkSize: 10, ChunkOverlap: 0})
	result, err := f.coord.Ingest(ctx, kb.ID, []UploadFile{upload("a.txt", "aaaa bbbb cccc dddd")}, nil)
	require.NoError(t, err)
	doc := result.Documents[0]
	require.Greater(t, doc.ChunkCount, 1)

	chunks, err := f.coord.ListChunks(ctx, doc.ID)
	require.NoError(t, err)
	_, err = f.store.Delete(ctx, doc.VectorPath, []string{chunks[0].ChunkID})
	require.NoError(t, err)
	require.NoError(t, f.db.Model(&KnowledgeDocument{}).Where("id = ?", doc.ID).Update("chunk_count", 99).Error)

	report, err := newTestReconciler(t, f).Sweep(ctx, kb.ID)
	require.ErrorIs(t, err, ErrConsistency)
	require.NotNil(t, report)
	assert.Equal(t, []string{chunks[0].ChunkID}, report.MissingVectors)
	assert.Equal(t, 1, report.ChunkCountsFixed)
	assert.Equal(t, len(chunks), report.Stats.ChunkTotal)
}

func TestReconciler_SweepAll(t *testing.T) {
	f := newCoordinatorFixture(t)
	ctx := context.Background()
	a := f.createKB(t, CreateKnowledgeBaseRequest{Name: "a"})
	b := f.createKB(t, CreateKnowledgeBaseRequest{Name: "b"})
	deleted := f.createKB(t, CreateKnowledgeBaseRequest{Name: "deleted"})
	require.NoError(t, f.coord.DeleteKnowledgeBase(ctx, deleted.ID))

	f.store.put(CollectionName(a.ID), "orphan-a")
	f.store.put(CollectionName(b.ID), "orphan-b")

	reports, err := newTestReconciler(t, f).SweepAll(ctx, NewLocalKBLocker(time.Second))
	require.NoError(t, err)
	require.Len(t, reports, 2)
	for _, r := range reports {
		assert.Equal(t, 1, r.OrphansDeleted)
	}
	assert.Zero(t, f.store.count(CollectionName(a.ID)))
	assert.Zero(t, f.store.count(CollectionName(b.ID)))

	_, err = newTestReconciler(t, f).Sweep(ctx, deleted.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
