package rag

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"kbindex/internal/logger"
	"kbindex/internal/rag/parsers"

	"github.com/pkoukk/tiktoken-go"
	"github.com/tmc/langchaingo/textsplitter"
	"go.uber.org/zap"
)

const (
	DefaultChunkSize    = 1024
	DefaultChunkOverlap = 20
)

// Policy 分块策略，长度按字符（rune）计
type Policy struct {
	ChunkSize    int `json:"chunkSize"`
	ChunkOverlap int `json:"chunkOverlap"`
}

// DefaultPolicy 默认分块策略
func DefaultPolicy() Policy {
	return Policy{ChunkSize: DefaultChunkSize, ChunkOverlap: DefaultChunkOverlap}
}

// Validate 分块大小必须为正，重叠非负且小于分块大小
func (p Policy) Validate() error {
	if p.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk_size 必须大于 0", ErrInvalidInput)
	}
	if p.ChunkOverlap < 0 || p.ChunkOverlap >= p.ChunkSize {
		return fmt.Errorf("%w: chunk_overlap 必须在 [0, %d) 之间", ErrInvalidInput, p.ChunkSize)
	}
	return nil
}

// TokenCounter Token 计数，配置了 tiktoken 编码时精确计数，否则估算
type TokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTokenCounter encoding 为空时使用估算
func NewTokenCounter(encoding string) (*TokenCounter, error) {
	if strings.TrimSpace(encoding) == "" {
		return &TokenCounter{}, nil
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("%w: 加载 tiktoken 编码 %s 失败: %v", ErrInvalidInput, encoding, err)
	}
	return &TokenCounter{enc: enc}, nil
}

// Count 计算文本 Token 数
func (t *TokenCounter) Count(text string) int {
	if t == nil || t.enc == nil {
		return estimateTokenCount(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}

// DocumentLoader 读取文件并按页返回文本，附带文件级元数据
type DocumentLoader struct {
	registry *parsers.ParserRegistry
}

// NewDocumentLoader registry 为 nil 时使用默认解析器
func NewDocumentLoader(registry *parsers.ParserRegistry) *DocumentLoader {
	if registry == nil {
		registry = parsers.NewParserRegistry(nil)
	}
	return &DocumentLoader{registry: registry}
}

// Load 解析文件。文件不存在返回 ErrFileNotFound，格式不支持或内容损坏返回 ErrUnreadableDocument
func (l *DocumentLoader) Load(path string) ([]parsers.Page, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, fmt.Errorf("读取文件 %s 失败: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s 是目录", ErrUnreadableDocument, path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开文件 %s 失败: %w", path, err)
	}
	defer f.Close()

	name := filepath.Base(path)
	pages, err := l.registry.Parse(name, f)
	if err != nil {
		if errors.Is(err, parsers.ErrUnsupported) || errors.Is(err, parsers.ErrCorrupt) {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnreadableDocument, path, err)
		}
		return nil, fmt.Errorf("解析文件 %s 失败: %w", path, err)
	}

	created := info.ModTime().Format(time.DateOnly)
	for i := range pages {
		meta := make(map[string]any, len(pages[i].Metadata)+6)
		for k, v := range pages[i].Metadata {
			meta[k] = v
		}
		meta["file_path"] = path
		meta["file_name"] = name
		meta["file_type"] = FileTypeOf(name)
		meta["file_size"] = info.Size()
		if _, ok := meta["total_pages"]; !ok {
			meta["total_pages"] = len(pages)
		}
		if _, ok := meta["creation_date"]; !ok {
			meta["creation_date"] = created
		}
		pages[i].Metadata = meta
	}
	return pages, nil
}

// DocumentSplitter 把文件切成有界、带重叠的分块
type DocumentSplitter struct {
	loader  *DocumentLoader
	counter *TokenCounter
	logger  *zap.Logger
}

// NewDocumentSplitter 创建分块器
func NewDocumentSplitter(loader *DocumentLoader, counter *TokenCounter, log *zap.Logger) *DocumentSplitter {
	if loader == nil {
		loader = NewDocumentLoader(nil)
	}
	if counter == nil {
		counter = &TokenCounter{}
	}
	return &DocumentSplitter{loader: loader, counter: counter, logger: log}
}

// Split 按页递归切分，页内分块继承页的元数据；同样的输入与策略总是得到同样的结果
func (s *DocumentSplitter) Split(ctx context.Context, path string, policy Policy) ([]Chunk, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	pages, err := s.loader.Load(path)
	if err != nil {
		return nil, err
	}

	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(policy.ChunkSize),
		textsplitter.WithChunkOverlap(policy.ChunkOverlap),
		textsplitter.WithLenFunc(utf8.RuneCountInString),
	)

	chunks := make([]Chunk, 0)
	for _, page := range pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if strings.TrimSpace(page.Content) == "" {
			continue
		}

		pieces, err := splitter.SplitText(page.Content)
		if err != nil {
			return nil, fmt.Errorf("%w: 切分 %s 失败: %v", ErrSplit, path, err)
		}
		for _, piece := range pieces {
			for _, text := range boundPiece(piece, policy) {
				chunks = append(chunks, Chunk{
					Content:     text,
					Metadata:    copyMetadata(page.Metadata),
					ContentHash: hashContent(text),
					TokenCount:  s.counter.Count(text),
				})
			}
		}
	}

	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: %s: 文档没有可索引的内容", ErrUnreadableDocument, path)
	}

	logger.FromContext(ctx, s.logger).Debug("文档分块完成",
		zap.String("path", path),
		zap.Int("pages", len(pages)),
		zap.Int("chunks", len(chunks)),
	)
	return chunks, nil
}

// boundPiece 递归切分后仍超长的片段按固定长度硬切
func boundPiece(piece string, policy Policy) []string {
	if strings.TrimSpace(piece) == "" {
		return nil
	}
	if utf8.RuneCountInString(piece) <= policy.ChunkSize {
		return []string{piece}
	}
	return ChunkByFixedSize(piece, policy.ChunkSize, policy.ChunkOverlap)
}

func copyMetadata(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// estimateTokenCount 估算Token数量
// 简单规则: 英文按单词数, 中文按字符数/1.5
func estimateTokenCount(text string) int {
	wordCount := len(strings.Fields(text))

	chineseCount := 0
	for _, r := range text {
		if r >= 0x4E00 && r <= 0x9FA5 { // 基本汉字Unicode范围
			chineseCount++
		}
	}

	return wordCount + int(float64(chineseCount)/1.5)
}

// hashContent 计算内容哈希
func hashContent(content string) string {
	hash := sha256.Sum256([]byte(content))
	return fmt.Sprintf("%x", hash)
}

// ChunkByFixedSize 按固定大小分块(简单方法)
// 不考虑句子边界,直接按字符数切分，相邻分块重叠 overlap 个字符
func ChunkByFixedSize(content string, size, overlap int) []string {
	if content == "" || size <= 0 {
		return nil
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	runes := []rune(content)
	totalLen := len(runes)
	chunks := make([]string, 0, totalLen/(size-overlap)+1)

	for start := 0; start < totalLen; start += size - overlap {
		end := min(start+size, totalLen)
		chunks = append(chunks, string(runes[start:end]))

		// 如果已经到达末尾,退出
		if end >= totalLen {
			break
		}
	}

	return chunks
}
