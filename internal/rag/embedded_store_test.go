package rag

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestEmbeddedStore(t *testing.T) *EmbeddedStore {
	t.Helper()
	store, err := NewEmbeddedStore(EmbeddedOptions{
		InMemory: true,
		Embedder: NewHashEmbeddingProvider(8),
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestEmbeddedStore_AddReturnsIDsInOrder(t *testing.T) {
	store := newTestEmbeddedStore(t)
	ctx := context.Background()

	chunks := []Chunk{
		{ID: "id-b", Content: "second", Metadata: map[string]any{"chunk_index": 0}},
		{Content: "generated"},
		{ID: "id-a", Content: "third"},
	}
	ids, err := store.Add(ctx, "kb_1", chunks)
	require.NoError(t, err)
	require.Len(t, ids, 3)
	assert.Equal(t, "id-b", ids[0])
	assert.NotEmpty(t, ids[1])
	assert.Equal(t, "id-a", ids[2])

	got, err := store.Get(ctx, "kb_1", "id-b")
	require.NoError(t, err)
	assert.Equal(t, "second", got.Content)
	assert.EqualValues(t, 0, got.Metadata["chunk_index"])

	listed, err := store.ListIDs(ctx, "kb_1")
	require.NoError(t, err)
	assert.ElementsMatch(t, ids, listed)
}

func TestEmbeddedStore_DuplicateIDRejected(t *testing.T) {
	store := newTestEmbeddedStore(t)
	_, err := store.Add(context.Background(), "kb_1", []Chunk{{ID: "x", Content: "a"}, {ID: "x", Content: "b"}})
	assert.ErrorIs(t, err, ErrInvalidInput)

	listed, err := store.ListIDs(context.Background(), "kb_1")
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestEmbeddedStore_DeleteIsIdempotent(t *testing.T) {
	store := newTestEmbeddedStore(t)
	ctx := context.Background()

	ids, err := store.Add(ctx, "kb_1", []Chunk{{Content: "a"}, {Content: "b"}})
	require.NoError(t, err)

	ok, err := store.Delete(ctx, "kb_1", []string{ids[0], "missing"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Delete(ctx, "kb_1", []string{ids[0]})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Delete(ctx, "kb_1", nil)
	require.NoError(t, err)
	assert.True(t, ok)

	listed, err := store.ListIDs(ctx, "kb_1")
	require.NoError(t, err)
	assert.Equal(t, []string{ids[1]}, listed)

	_, err = store.Get(ctx, "kb_1", ids[0])
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEmbeddedStore_DeleteCollectionKeepsOthers(t *testing.T) {
	store := newTestEmbeddedStore(t)
	ctx := context.Background()

	_, err := store.Add(ctx, "kb_1", []Chunk{{Content: "a"}, {Content: "b"}})
	require.NoError(t, err)
	other, err := store.Add(ctx, "kb_10", []Chunk{{Content: "c"}})
	require.NoError(t, err)

	require.NoError(t, store.DeleteCollection(ctx, "kb_1"))
	require.NoError(t, store.DeleteCollection(ctx, "kb_missing"))

	listed, err := store.ListIDs(ctx, "kb_1")
	require.NoError(t, err)
	assert.Empty(t, listed)

	listed, err = store.ListIDs(ctx, "kb_10")
	require.NoError(t, err)
	assert.Equal(t, other, listed)
}

func TestEmbeddedStore_OnDisk(t *testing.T) {
	dir := t.TempDir()
	store, err := NewEmbeddedStore(EmbeddedOptions{Path: dir, Embedder: NewHashEmbeddingProvider(4)})
	require.NoError(t, err)

	ids, err := store.Add(context.Background(), "kb_x", []Chunk{{Content: "persist me"}})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := NewEmbeddedStore(EmbeddedOptions{Path: dir, Embedder: NewHashEmbeddingProvider(4)})
	require.NoError(t, err)
	defer reopened.Close()

	listed, err := reopened.ListIDs(context.Background(), "kb_x")
	require.NoError(t, err)
	assert.Equal(t, ids, listed)
}

func TestEmbeddedStore_AddLargeDocument(t *testing.T) {
	store, err := NewEmbeddedStore(EmbeddedOptions{
		InMemory: true,
		Embedder: NewHashEmbeddingProvider(1536),
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	chunks := make([]Chunk, 1200)
	for i := range chunks {
		chunks[i] = Chunk{
			Content:  fmt.Sprintf("%04d ", i) + strings.Repeat("x", 1019),
			Metadata: map[string]any{"chunk_index": i},
		}
	}
	ids, err := store.Add(ctx, "kb_large", chunks)
	require.NoError(t, err)
	require.Len(t, ids, len(chunks))

	listed, err := store.ListIDs(ctx, "kb_large")
	require.NoError(t, err)
	assert.Len(t, listed, len(chunks))

	ok, err := store.Delete(ctx, "kb_large", ids)
	require.NoError(t, err)
	assert.True(t, ok)
	listed, err = store.ListIDs(ctx, "kb_large")
	require.NoError(t, err)
	assert.Empty(t, listed)
}
