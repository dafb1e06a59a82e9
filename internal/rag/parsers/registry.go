package parsers

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// ParserRegistry 按扩展名选择解析器
type ParserRegistry struct {
	parsers []Parser
}

// NewParserRegistry 创建包含默认解析器的注册表，log 为空时不输出解析日志
func NewParserRegistry(log *zap.Logger) *ParserRegistry {
	r := &ParserRegistry{
		parsers: make([]Parser, 0, 4),
	}

	r.Register(NewTextParser())
	r.Register(NewPDFParser(log))
	r.Register(NewOfficeParser())
	r.Register(NewMarkupParser())

	return r
}

// Register 注册解析器，后注册的不会覆盖先注册的同名扩展
func (r *ParserRegistry) Register(p Parser) {
	r.parsers = append(r.parsers, p)
}

// Supports 是否存在可处理该文件名的解析器
func (r *ParserRegistry) Supports(fileName string) bool {
	return r.find(fileName) != nil
}

// Parse 选择合适的解析器解析文档
func (r *ParserRegistry) Parse(fileName string, reader io.Reader) ([]Page, error) {
	p := r.find(fileName)
	if p == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, filepath.Ext(fileName))
	}
	if ea, ok := p.(extensionAware); ok {
		return ea.ParseAs(filepath.Ext(fileName), reader)
	}
	return p.Parse(reader)
}

// extensionAware 同一解析器处理多种格式时需要知道具体扩展名
type extensionAware interface {
	ParseAs(ext string, reader io.Reader) ([]Page, error)
}

func (r *ParserRegistry) find(fileName string) Parser {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return nil
	}
	for _, p := range r.parsers {
		if canParse(p, ext) {
			return p
		}
	}
	return nil
}
