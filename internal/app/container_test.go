package app

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"kbindex/internal/config"
	"kbindex/internal/rag"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Database: config.DatabaseConfig{
			Driver:      "sqlite",
			SQLitePath:  fmt.Sprintf("file:app_%d?mode=memory&cache=shared", time.Now().UnixNano()),
			AutoMigrate: true,
		},
		RAG: config.RagConfig{
			KnowledgeRoot: t.TempDir(),
			ChunkSize:     1024,
			ChunkOverlap:  20,
			VectorStore: config.VectorStoreConfig{
				DefaultBackend: "embedded",
				Embedded:       config.EmbeddedConfig{InMemory: true},
			},
			Embedding: config.EmbeddingConfig{Provider: "hash", Dimension: 16},
			Reconcile: config.ReconcileConfig{GracePeriod: time.Minute, Concurrency: 2},
			Lock:      config.LockConfig{WaitTime: time.Second},
		},
	}
}

func TestBuild_EndToEnd(t *testing.T) {
	ctx := context.Background()
	c, err := Build(ctx, testConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer func() { assert.NoError(t, c.Close()) }()

	assert.Nil(t, c.Redis)
	assert.Nil(t, c.Queue)
	assert.IsType(t, &rag.LocalKBLocker{}, c.Locker)

	kb, err := c.Coordinator.CreateKnowledgeBase(ctx, rag.CreateKnowledgeBaseRequest{Name: "kb"})
	require.NoError(t, err)
	assert.Equal(t, string(rag.BackendEmbedded), kb.VectorBackend)

	result, err := c.Coordinator.Ingest(ctx, kb.ID, []rag.UploadFile{
		{Name: "a.md", Reader: strings.NewReader("# 标题\n\n正文内容")},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Stats.DocumentCount)

	report, err := c.Reconciler.Sweep(ctx, kb.ID)
	require.NoError(t, err)
	assert.Zero(t, report.OrphansDeleted)
}

func TestBuild_RejectsUnknownBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.RAG.VectorStore.DefaultBackend = "faiss"

	_, err := Build(context.Background(), cfg, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, rag.ErrUnknownBackend)
}

func TestBuild_RejectsUnknownEmbedding(t *testing.T) {
	cfg := testConfig(t)
	cfg.RAG.Embedding.Provider = "nope"

	_, err := Build(context.Background(), cfg, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, rag.ErrInvalidInput)
}
