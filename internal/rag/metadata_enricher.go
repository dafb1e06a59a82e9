package rag

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// EnrichParams 元数据增强所需的参数
type EnrichParams struct {
	DocumentID      string
	KnowledgeBaseID string
	// SourceFile 原始上传文件名，为空时取加载器给出的 file_name
	SourceFile string
	Tags       []string
}

// MetadataEnricher 为分块附加可追溯的元数据，不做任何 I/O
type MetadataEnricher struct {
	exclude []string
}

// NewMetadataEnricher excludeFields 中的字段会先从分块元数据中移除
func NewMetadataEnricher(excludeFields []string) *MetadataEnricher {
	exclude := make([]string, 0, len(excludeFields))
	for _, f := range excludeFields {
		if f = strings.TrimSpace(f); f != "" {
			exclude = append(exclude, f)
		}
	}
	return &MetadataEnricher{exclude: exclude}
}

// Enrich 返回新的分块切片，输入不会被修改
func (e *MetadataEnricher) Enrich(chunks []Chunk, params EnrichParams) ([]Chunk, error) {
	if params.KnowledgeBaseID == "" {
		return nil, fmt.Errorf("%w: 缺少知识库 id", ErrInvalidInput)
	}
	tags, err := encodeTags(params.Tags)
	if err != nil {
		return nil, err
	}

	out := make([]Chunk, len(chunks))
	for i, c := range chunks {
		meta := copyMetadata(c.Metadata)

		rawFileName, _ := meta["file_name"].(string)
		rawPageLabel, hasPage := meta["page_label"]
		rawCreated, hasCreated := meta["creation_date"]

		for _, f := range e.exclude {
			delete(meta, f)
		}

		meta["doc_id"] = params.DocumentID
		meta["kb_uuid"] = params.KnowledgeBaseID
		meta["source_file"] = sourceFileName(params.SourceFile, rawFileName, c, params.DocumentID)
		meta["tags"] = tags
		if hasPage && rawPageLabel != nil {
			meta["page_label"] = fmt.Sprint(rawPageLabel)
		}
		if hasCreated && rawCreated != nil {
			meta["creation_date"] = rawCreated
		}
		meta["chunk_index"] = i

		c.Metadata = meta
		out[i] = c
	}
	return out, nil
}

// sourceFileName 依次取上传名、加载器文件名，都缺失时按内容哈希合成
func sourceFileName(sourceFile, rawFileName string, c Chunk, documentID string) string {
	if sourceFile != "" {
		return sourceFile
	}
	if rawFileName != "" {
		return rawFileName
	}
	seed := c.ContentHash
	if seed == "" {
		seed = hashContent(c.Content)
	}
	if seed == "" {
		seed = documentID
	}
	if len(seed) > 8 {
		seed = seed[:8]
	}
	return fmt.Sprintf("unknown_file_%s.pdf", seed)
}

func encodeTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	return marshalNoEscape(tags)
}

// EncodeMetadata 分块元数据序列化为持久化的 JSON 字符串，键按字母序
func EncodeMetadata(meta map[string]any) (string, error) {
	if meta == nil {
		return "{}", nil
	}
	return marshalNoEscape(meta)
}

// marshalNoEscape 保留中文与 HTML 字符原样
func marshalNoEscape(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("%w: 序列化元数据失败: %v", ErrInvalidInput, err)
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

// pageLabelOf 分块行上的页码
func pageLabelOf(meta map[string]any) string {
	if v, ok := meta["page_label"]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}
