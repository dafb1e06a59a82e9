package parsers

import (
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"code.sajari.com/docconv"
)

// docconvParser 基于 docconv 的解析器，按扩展名映射 MIME 类型
type docconvParser struct {
	mimeTypes map[string]string
}

// NewOfficeParser 创建 Office 文档解析器（.docx/.odt/.rtf）
func NewOfficeParser() Parser {
	return &docconvParser{mimeTypes: map[string]string{
		".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		".odt":  "application/vnd.oasis.opendocument.text",
		".rtf":  "application/rtf",
	}}
}

// NewMarkupParser 创建 HTML/XML 解析器
func NewMarkupParser() Parser {
	return &docconvParser{mimeTypes: map[string]string{
		".html": "text/html",
		".htm":  "text/html",
		".xml":  "text/xml",
	}}
}

// Parse 未指定扩展名时按第一个支持的类型解析，注册表总是通过 ParseAs 传入扩展名
func (p *docconvParser) Parse(reader io.Reader) ([]Page, error) {
	return p.ParseAs(p.SupportedExtensions()[0], reader)
}

// ParseAs 以指定扩展名对应的 MIME 类型解析
func (p *docconvParser) ParseAs(ext string, reader io.Reader) ([]Page, error) {
	mimeType, ok := p.mimeTypes[strings.ToLower(ext)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, ext)
	}

	resp, err := docconv.Convert(reader, mimeType, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	text := strings.TrimSpace(resp.Body)
	if text == "" {
		return []Page{}, nil
	}

	meta := map[string]any{}
	if created := creationDate(resp.Meta); created != "" {
		meta["creation_date"] = created
	}
	return []Page{{Content: text, Metadata: meta}}, nil
}

// SupportedExtensions 支持的扩展名，按字母序
func (p *docconvParser) SupportedExtensions() []string {
	exts := make([]string, 0, len(p.mimeTypes))
	for ext := range p.mimeTypes {
		exts = append(exts, ext)
	}
	slices.Sort(exts)
	return exts
}

// creationDate 从 docconv 元数据中取创建日期，统一为 YYYY-MM-DD
func creationDate(meta map[string]string) string {
	for _, key := range []string{"created", "creation-date"} {
		if v := strings.TrimSpace(meta[key]); v != "" {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				return t.UTC().Format(time.DateOnly)
			}
			if len(v) >= 10 {
				if t, err := time.Parse(time.DateOnly, v[:10]); err == nil {
					return t.Format(time.DateOnly)
				}
			}
		}
	}
	if v := strings.TrimSpace(meta["CreatedDate"]); v != "" {
		if sec, err := strconv.ParseInt(v, 10, 64); err == nil && sec > 0 {
			return time.Unix(sec, 0).UTC().Format(time.DateOnly)
		}
	}
	return ""
}
