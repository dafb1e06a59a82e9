package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"kbindex/internal/rag"
	"kbindex/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeIndexer struct {
	calls []tasks.IndexDocumentsPayload
	err   error
}

func (f *fakeIndexer) IndexSaved(ctx context.Context, kbID string, saved []rag.SavedFile, tags []string) (*rag.IngestResult, error) {
	f.calls = append(f.calls, tasks.IndexDocumentsPayload{KnowledgeBaseID: kbID, Files: saved, Tags: tags})
	if f.err != nil {
		return nil, f.err
	}
	return &rag.IngestResult{
		KnowledgeBaseID: kbID,
		Documents:       make([]rag.KnowledgeDocument, len(saved)),
		Stats:           &rag.Stats{KnowledgeBaseID: kbID, DocumentCount: len(saved), ChunkTotal: 3},
	}, nil
}

type fakeSweeper struct {
	swept    []string
	sweptAll bool
	err      error
}

func (f *fakeSweeper) Sweep(ctx context.Context, kbID string) (*rag.ReconcileReport, error) {
	f.swept = append(f.swept, kbID)
	return &rag.ReconcileReport{KnowledgeBaseID: kbID, Stats: &rag.Stats{}}, f.err
}

func (f *fakeSweeper) SweepAll(ctx context.Context, lock rag.KBLocker) ([]*rag.ReconcileReport, error) {
	f.sweptAll = true
	return []*rag.ReconcileReport{{KnowledgeBaseID: "kb-1", Stats: &rag.Stats{}}}, f.err
}

func newTask(t *testing.T, typ string, payload any) *asynq.Task {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return asynq.NewTask(typ, data)
}

func TestKBHandler_IndexDocuments(t *testing.T) {
	indexer := &fakeIndexer{}
	h := NewKBHandler(indexer, nil, rag.NewLocalKBLocker(time.Second), zaptest.NewLogger(t))

	payload := tasks.IndexDocumentsPayload{
		KnowledgeBaseID: "kb-1",
		Files:           []rag.SavedFile{{Path: "/tmp/a.txt", OriginalName: "a.txt"}},
		Tags:            []string{"x"},
	}
	require.NoError(t, h.HandleIndexDocuments(context.Background(), newTask(t, tasks.TypeIndexDocuments, payload)))
	require.Len(t, indexer.calls, 1)
	assert.Equal(t, payload, indexer.calls[0])
}

func TestKBHandler_IndexDocumentsFailureSkipsRetry(t *testing.T) {
	indexer := &fakeIndexer{err: rag.ErrVectorStore}
	h := NewKBHandler(indexer, nil, nil, zaptest.NewLogger(t))

	err := h.HandleIndexDocuments(context.Background(), newTask(t, tasks.TypeIndexDocuments, tasks.IndexDocumentsPayload{
		KnowledgeBaseID: "kb-1",
		Files:           []rag.SavedFile{{Path: "/tmp/a.txt"}},
	}))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	err = h.HandleIndexDocuments(context.Background(), asynq.NewTask(tasks.TypeIndexDocuments, []byte("{bad")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestKBHandler_IndexDocumentsEmptyPayload(t *testing.T) {
	indexer := &fakeIndexer{}
	h := NewKBHandler(indexer, nil, nil, zaptest.NewLogger(t))

	err := h.HandleIndexDocuments(context.Background(), newTask(t, tasks.TypeIndexDocuments, tasks.IndexDocumentsPayload{KnowledgeBaseID: "kb-1"}))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Empty(t, indexer.calls)
}

func TestKBHandler_IndexDocumentsWithoutStats(t *testing.T) {
	h := NewKBHandler(nilStatsIndexer{}, nil, nil, zaptest.NewLogger(t))
	err := h.HandleIndexDocuments(context.Background(), newTask(t, tasks.TypeIndexDocuments, tasks.IndexDocumentsPayload{
		KnowledgeBaseID: "kb-1",
		Files:           []rag.SavedFile{{Path: "/tmp/a.txt"}},
	}))
	assert.NoError(t, err)
}

type nilStatsIndexer struct{}

func (nilStatsIndexer) IndexSaved(ctx context.Context, kbID string, saved []rag.SavedFile, tags []string) (*rag.IngestResult, error) {
	return &rag.IngestResult{KnowledgeBaseID: kbID}, nil
}

func TestKBHandler_IndexDocumentsRetriesWhenLocked(t *testing.T) {
	locker := rag.NewLocalKBLocker(10 * time.Millisecond)
	unlock, err := locker.Lock(context.Background(), "kb-1")
	require.NoError(t, err)
	defer func() { _ = unlock(context.Background()) }()

	indexer := &fakeIndexer{}
	h := NewKBHandler(indexer, nil, locker, zaptest.NewLogger(t))
	err = h.HandleIndexDocuments(context.Background(), newTask(t, tasks.TypeIndexDocuments, tasks.IndexDocumentsPayload{
		KnowledgeBaseID: "kb-1",
		Files:           []rag.SavedFile{{Path: "/tmp/a.txt"}},
	}))
	assert.ErrorIs(t, err, rag.ErrLockBusy)
	assert.False(t, errors.Is(err, asynq.SkipRetry))
	assert.Empty(t, indexer.calls)
}

func TestKBHandler_Reconcile(t *testing.T) {
	sweeper := &fakeSweeper{}
	h := NewKBHandler(&fakeIndexer{}, sweeper, rag.NewLocalKBLocker(time.Second), zaptest.NewLogger(t))

	require.NoError(t, h.HandleReconcile(context.Background(), newTask(t, tasks.TypeReconcile, tasks.ReconcilePayload{KnowledgeBaseID: "kb-1"})))
	assert.Equal(t, []string{"kb-1"}, sweeper.swept)

	require.NoError(t, h.HandleReconcile(context.Background(), asynq.NewTask(tasks.TypeReconcile, nil)))
	assert.True(t, sweeper.sweptAll)
}

func TestKBHandler_ReconcileErrors(t *testing.T) {
	sweeper := &fakeSweeper{err: rag.ErrConsistency}
	h := NewKBHandler(&fakeIndexer{}, sweeper, nil, zaptest.NewLogger(t))
	err := h.HandleReconcile(context.Background(), newTask(t, tasks.TypeReconcile, tasks.ReconcilePayload{KnowledgeBaseID: "kb-1"}))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	sweeper.err = rag.ErrStorageIO
	err = h.HandleReconcile(context.Background(), newTask(t, tasks.TypeReconcile, tasks.ReconcilePayload{}))
	assert.ErrorIs(t, err, rag.ErrStorageIO)
	assert.False(t, errors.Is(err, asynq.SkipRetry))

	noSweeper := NewKBHandler(&fakeIndexer{}, nil, nil, zaptest.NewLogger(t))
	assert.ErrorIs(t, noSweeper.HandleReconcile(context.Background(), asynq.NewTask(tasks.TypeReconcile, nil)), asynq.SkipRetry)
}
