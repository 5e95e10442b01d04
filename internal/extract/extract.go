// Package extract 从存储的原始文档中提取纯文本
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"path"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/fachebot/doc-digest/internal/store"
)

var ErrUnsupported = errors.New("不支持的文档类型")

// Document 提取后的文档
type Document struct {
	ID      string
	Name    string
	RawText string
	Length  int
}

// documentReader 读取原始文档（便于测试注入 mock）
type documentReader interface {
	Get(ctx context.Context, id string) ([]byte, store.Meta, error)
}

type Extractor struct {
	store documentReader
}

func NewExtractor(s *store.Store) *Extractor {
	return &Extractor{store: s}
}

// Extract 读取文档并按内容类型提取文本
func (e *Extractor) Extract(ctx context.Context, documentID string) (*Document, error) {
	data, meta, err := e.store.Get(ctx, documentID)
	if err != nil {
		return nil, err
	}

	text, err := Text(data, meta.ContentType, meta.Name)
	if err != nil {
		return nil, fmt.Errorf("提取文档 %s 失败: %w", documentID, err)
	}
	return &Document{ID: documentID, Name: meta.Name, RawText: text, Length: len(text)}, nil
}

var (
	blankLines = regexp.MustCompile(`\n[ \t]*\n(?:[ \t]*\n)+`)
	spaceRuns  = regexp.MustCompile(`[ \t\f\v]+`)
)

// Text 按内容类型把原始字节转换为文本，内容类型缺失时按扩展名判断
func Text(data []byte, contentType, name string) (string, error) {
	switch mediaType(contentType, name) {
	case "text/plain", "text/markdown", "text/x-markdown":
		return normalizeNewlines(string(bytes.ToValidUTF8(data, []byte("�")))), nil
	case "text/html", "application/xhtml+xml":
		return htmlText(data)
	default:
		return "", ErrUnsupported
	}
}

func mediaType(contentType, name string) string {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil && mt != "application/octet-stream" {
		return mt
	}
	switch strings.ToLower(path.Ext(name)) {
	case ".txt", ".text", ".log":
		return "text/plain"
	case ".md", ".markdown":
		return "text/markdown"
	case ".html", ".htm":
		return "text/html"
	}
	return ""
}

// 块级元素之间以空行分隔
const blockElements = "p, div, section, article, header, footer, li, h1, h2, h3, h4, h5, h6, pre, blockquote, tr, br, table"

func htmlText(data []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("解析 HTML 失败: %w", err)
	}

	doc.Find("script, style, noscript, template, head").Remove()
	doc.Find(blockElements).Each(func(_ int, s *goquery.Selection) {
		s.BeforeHtml("\n\n")
		s.AfterHtml("\n\n")
	})

	body := doc.Find("body")
	if body.Length() == 0 {
		body = doc.Selection
	}
	return collapseWhitespace(body.Text()), nil
}

// normalizeNewlines 统一换行符为 \n，保留行内空白
func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.TrimSpace(s)
}

// collapseWhitespace 折叠行内空白和多余空行
func collapseWhitespace(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(spaceRuns.ReplaceAllString(line, " "))
	}
	s = strings.Join(lines, "\n")
	s = blankLines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
