package parsers

import (
	"errors"
	"io"
	"strings"
)

var (
	// ErrUnsupported 没有解析器能处理该扩展名
	ErrUnsupported = errors.New("unsupported document format")
	// ErrCorrupt 文件内容损坏或无法提取文本
	ErrCorrupt = errors.New("corrupt document")
)

// Page 解析出的一页（或一个逻辑段）文本，Metadata 携带格式相关的位置信息
type Page struct {
	Content  string
	Metadata map[string]any
}

// Parser 文档解析器
type Parser interface {
	// Parse 读取全部内容并按页返回文本
	Parse(reader io.Reader) ([]Page, error)

	// SupportedExtensions 支持的扩展名（含点，如 ".txt"）
	SupportedExtensions() []string
}

func canParse(p Parser, extension string) bool {
	extension = strings.ToLower(extension)
	for _, ext := range p.SupportedExtensions() {
		if ext == extension {
			return true
		}
	}
	return false
}
