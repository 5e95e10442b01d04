package summarizer

import (
	"context"
	"fmt"
	"strings"

	"github.com/fachebot/doc-digest/internal/llm"
	"github.com/fachebot/doc-digest/internal/logger"
	"github.com/fachebot/doc-digest/internal/utils/text"
)

// Summarizer 生成文档概览和单块摘要
type Summarizer struct {
	llmClient       llm.Generator
	overviewPreview int
}

func NewSummarizer(llmClient llm.Generator, overviewPreview int) *Summarizer {
	if overviewPreview <= 0 {
		overviewPreview = 5000
	}
	return &Summarizer{llmClient: llmClient, overviewPreview: overviewPreview}
}

// GenerateOverview 根据文档开头生成 2-3 句概览，失败时返回占位文本
func (s *Summarizer) GenerateOverview(ctx context.Context, fullText, model string) string {
	preview := text.Truncate(fullText, s.overviewPreview)
	prompt := "Provide a brief overview of this document in 2-3 sentences, describing its subject, " +
		"scope and purpose.\n\nDocument beginning:\n" + preview

	overview, err := s.generate(ctx, model, prompt, overviewMaxTokens)
	if err != nil {
		logger.Warnf("[Summarizer] 生成文档概览失败, 使用占位文本, %v", err)
		return OverviewPlaceholder
	}
	return overview
}

// SummarizeChunk 生成第 index 块（从 0 开始）的摘要
func (s *Summarizer) SummarizeChunk(ctx context.Context, chunkText string, index, total int, model string) (string, error) {
	prompt := fmt.Sprintf("You are summarizing section %d of %d of a larger document. "+
		"Summarize this section while preserving its key concepts, formulas, methods, data and conclusions. "+
		"Be concise but accurate.\n\nSection %d:\n%s", index+1, total, index+1, chunkText)

	summary, err := s.generate(ctx, model, prompt, chunkMaxTokens)
	if err != nil {
		return "", fmt.Errorf("总结第 %d/%d 块失败: %w", index+1, total, err)
	}
	return summary, nil
}

// SummarizeDirect 单次调用总结整篇文档
func (s *Summarizer) SummarizeDirect(ctx context.Context, document, model string) (string, error) {
	if len(document) > largeTextWarning {
		logger.Warnf("[Summarizer] 文档较大 (%d 字节)，总结可能耗时较长", len(document))
	}

	prompt := "Summarize the content of the document in a way that retains all important concepts, " +
		"formulas, and methods. Make it concise but accurate. Use bullet points when appropriate." +
		"\n\nDocument:\n" + document
	if len(prompt) > maxPromptLength {
		return "", &llm.Error{
			Kind:    llm.KindRequestTooLarge,
			Message: fmt.Sprintf("提示词长度 %d 超过上限 %d", len(prompt), maxPromptLength),
		}
	}

	logger.Infof("[Summarizer] 开始直接总结, model: %s, length: %d", model, len(document))
	return s.generate(ctx, model, prompt, directMaxTokens)
}

func (s *Summarizer) generate(ctx context.Context, model, prompt string, maxTokens int) (string, error) {
	out, err := s.llmClient.Generate(ctx, model, prompt, maxTokens)
	if err != nil {
		return "", err
	}

	out = strings.TrimSpace(out)
	if out == "" {
		return "", &llm.Error{Kind: llm.KindUnknown, Message: "生成后端返回空内容"}
	}
	return out, nil
}
