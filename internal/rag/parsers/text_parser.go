package parsers

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

// TextParser 文本文件解析器
// 支持: .txt, .md
type TextParser struct{}

// NewTextParser 创建文本解析器
func NewTextParser() *TextParser {
	return &TextParser{}
}

// Parse 整个文件作为一页返回
func (p *TextParser) Parse(reader io.Reader) ([]Page, error) {
	content, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("读取文件失败: %w", err)
	}
	if !utf8.Valid(content) {
		return nil, fmt.Errorf("%w: 文本不是有效的 UTF-8", ErrCorrupt)
	}

	text := strings.TrimSpace(string(content))
	if text == "" {
		return []Page{}, nil
	}
	return []Page{{Content: text, Metadata: map[string]any{}}}, nil
}

// SupportedExtensions 支持的文件扩展名
func (p *TextParser) SupportedExtensions() []string {
	return []string{".txt", ".md", ".markdown"}
}
