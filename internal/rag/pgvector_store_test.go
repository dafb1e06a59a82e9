package rag

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPGVectorStore_OnSQLite(t *testing.T) {
	db := setupRAGTestDB(t)
	store, err := NewPGVectorStore(db, NewHashEmbeddingProvider(4), 4)
	require.NoError(t, err)
	ctx := context.Background()

	ids, err := store.Add(ctx, "kb_a", []Chunk{
		{ID: "c-2", Content: "two", Metadata: map[string]any{"page_label": "1"}},
		{ID: "c-1", Content: "one"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c-2", "c-1"}, ids)

	_, err = store.Add(ctx, "kb_b", []Chunk{{ID: "c-9", Content: "other"}})
	require.NoError(t, err)

	listed, err := store.ListIDs(ctx, "kb_a")
	require.NoError(t, err)
	assert.Equal(t, []string{"c-1", "c-2"}, listed)

	var row KnowledgeVector
	require.NoError(t, db.Where("id = ?", "c-2").First(&row).Error)
	assert.Equal(t, "kb_a", row.Collection)
	assert.JSONEq(t, `{"page_label":"1"}`, string(row.Metadata))
	assert.Len(t, row.Embedding.Slice(), 4)

	ok, err := store.Delete(ctx, "kb_a", []string{"c-1", "absent"})
	require.NoError(t, err)
	assert.True(t, ok)

	listed, err = store.ListIDs(ctx, "kb_a")
	require.NoError(t, err)
	assert.Equal(t, []string{"c-2"}, listed)

	require.NoError(t, store.DeleteCollection(ctx, "kb_a"))
	require.NoError(t, store.DeleteCollection(ctx, "kb_a"))

	listed, err = store.ListIDs(ctx, "kb_a")
	require.NoError(t, err)
	assert.Empty(t, listed)

	listed, err = store.ListIDs(ctx, "kb_b")
	require.NoError(t, err)
	assert.Equal(t, []string{"c-9"}, listed)
}

func TestPGVectorStore_DimensionMismatch(t *testing.T) {
	store, err := NewPGVectorStore(setupRAGTestDB(t), NewHashEmbeddingProvider(4), 8)
	require.NoError(t, err)

	_, err = store.Add(context.Background(), "kb_a", []Chunk{{Content: "x"}})
	assert.ErrorIs(t, err, ErrVectorStore)
}
