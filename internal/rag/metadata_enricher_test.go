package rag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataEnricher_Enrich(t *testing.T) {
	enricher := NewMetadataEnricher([]string{"file_path", " file_size ", ""})
	input := []Chunk{
		{Content: "a", ContentHash: "aaaa1111bbbb", Metadata: map[string]any{
			"file_name":     "report.pdf",
			"file_path":     "/data/kb/report.pdf",
			"file_size":     int64(10),
			"page_label":    "3",
			"creation_date": "2024-01-02",
		}},
		{Content: "b", Metadata: map[string]any{"page_label": 4}},
	}

	out, err := enricher.Enrich(input, EnrichParams{
		DocumentID:      "doc-1",
		KnowledgeBaseID: "kb-1",
		Tags:            []string{"合同", "a<b"},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)

	first := out[0].Metadata
	assert.NotContains(t, first, "file_path")
	assert.NotContains(t, first, "file_size")
	assert.Equal(t, "report.pdf", first["file_name"])
	assert.Equal(t, "doc-1", first["doc_id"])
	assert.Equal(t, "kb-1", first["kb_uuid"])
	assert.Equal(t, "report.pdf", first["source_file"])
	assert.Equal(t, `["合同","a<b"]`, first["tags"])
	assert.Equal(t, "3", first["page_label"])
	assert.Equal(t, "2024-01-02", first["creation_date"])
	assert.Equal(t, 0, first["chunk_index"])

	second := out[1].Metadata
	assert.Equal(t, "4", second["page_label"])
	assert.NotContains(t, second, "creation_date")
	assert.Equal(t, 1, second["chunk_index"])
	assert.Regexp(t, `^unknown_file_[0-9a-f]{8}\.pdf$`, second["source_file"])

	// 输入保持不变
	assert.Contains(t, input[0].Metadata, "file_path")
	assert.NotContains(t, input[0].Metadata, "doc_id")
}

func TestMetadataEnricher_ExcludedFileNameStillUsedAsSource(t *testing.T) {
	enricher := NewMetadataEnricher([]string{"file_name"})
	out, err := enricher.Enrich([]Chunk{{Content: "x", Metadata: map[string]any{"file_name": "n.txt"}}},
		EnrichParams{DocumentID: "d", KnowledgeBaseID: "k"})
	require.NoError(t, err)
	assert.NotContains(t, out[0].Metadata, "file_name")
	assert.Equal(t, "n.txt", out[0].Metadata["source_file"])
	assert.Equal(t, "[]", out[0].Metadata["tags"])
}

func TestMetadataEnricher_SourceFileOverride(t *testing.T) {
	out, err := NewMetadataEnricher(nil).Enrich(
		[]Chunk{{Content: "x", Metadata: map[string]any{"file_name": "stored -1.txt"}}},
		EnrichParams{DocumentID: "d", KnowledgeBaseID: "k", SourceFile: "stored.txt"})
	require.NoError(t, err)
	assert.Equal(t, "stored.txt", out[0].Metadata["source_file"])
}

func TestMetadataEnricher_Deterministic(t *testing.T) {
	enricher := NewMetadataEnricher([]string{"x"})
	chunks := []Chunk{{Content: "same", Metadata: map[string]any{"x": 1, "y": 2}}}
	params := EnrichParams{DocumentID: "d", KnowledgeBaseID: "k", Tags: []string{"t"}}

	a, err := enricher.Enrich(chunks, params)
	require.NoError(t, err)
	b, err := enricher.Enrich(chunks, params)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	_, err = enricher.Enrich(chunks, EnrichParams{DocumentID: "d"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestEncodeMetadata(t *testing.T) {
	s, err := EncodeMetadata(map[string]any{"b": 1, "a": "中文", "c": "<x>"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"中文","b":1,"c":"<x>"}`, s)

	s, err = EncodeMetadata(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", s)

	_, err = EncodeMetadata(map[string]any{"bad": func() {}})
	assert.ErrorIs(t, err, ErrInvalidInput)
}
