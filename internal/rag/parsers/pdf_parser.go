package parsers

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dslipak/pdf"
	"go.uber.org/zap"
)

// PDFParser PDF 文件解析器，每个 PDF 页对应一个 Page
type PDFParser struct {
	logger *zap.Logger
}

// NewPDFParser 创建 PDF 解析器
func NewPDFParser(log *zap.Logger) *PDFParser {
	if log == nil {
		log = zap.NewNop()
	}
	return &PDFParser{logger: log}
}

// Parse 解析 PDF 文件，page_label 为从 1 开始的页码
func (p *PDFParser) Parse(reader io.Reader) (pages []Page, err error) {
	// pdf.NewReader 需要 ReaderAt
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("读取 PDF 内容失败: %w", err)
	}

	// 损坏的文件可能让底层库 panic
	defer func() {
		if r := recover(); r != nil {
			pages, err = nil, fmt.Errorf("%w: %v", ErrCorrupt, r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: 打开 PDF 失败: %v", ErrCorrupt, err)
	}

	return p.extractPages(r.NumPage(), func(i int) (string, bool, error) {
		page := r.Page(i)
		if page.V.IsNull() {
			return "", false, nil
		}
		text, err := page.GetPlainText(nil)
		return text, true, err
	})
}

// extractPages 逐页提取文本，单页失败跳过并记录页码，全部失败时返回 ErrCorrupt
func (p *PDFParser) extractPages(numPages int, pageText func(i int) (string, bool, error)) ([]Page, error) {
	pages := make([]Page, 0, numPages)
	failed := make([]int, 0)
	for i := 1; i <= numPages; i++ {
		text, ok, err := pageText(i)
		if err != nil {
			failed = append(failed, i)
			p.logger.Warn("PDF 页面文本提取失败，已跳过", zap.Int("page", i), zap.Int("total_pages", numPages), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		pages = append(pages, Page{
			Content: text,
			Metadata: map[string]any{
				"page_label":  strconv.Itoa(i),
				"total_pages": numPages,
			},
		})
	}

	if len(pages) == 0 && numPages > 0 {
		if len(failed) > 0 {
			return nil, fmt.Errorf("%w: PDF 共 %d 页提取失败", ErrCorrupt, len(failed))
		}
		return nil, fmt.Errorf("%w: PDF 无法提取文本", ErrCorrupt)
	}
	return pages, nil
}

// SupportedExtensions 支持的文件扩展名
func (p *PDFParser) SupportedExtensions() []string {
	return []string{".pdf"}
}
