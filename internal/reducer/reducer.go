// Package reducer 将概览和各章节摘要合并为最终摘要，并校验章节覆盖率
package reducer

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/fachebot/doc-digest/internal/llm"
	"github.com/fachebot/doc-digest/internal/logger"
	"github.com/fachebot/doc-digest/internal/metrics"
	"github.com/fachebot/doc-digest/internal/summarizer"
)

const (
	combineMaxTokens = 4096
	combineMaxWords  = 2000

	// DefaultCoverageThreshold 合并结果中章节引用数与章节总数之比的下限
	DefaultCoverageThreshold = 0.7

	// FallbackNote 存在兜底章节时附加在末尾的说明
	FallbackNote = "\n\n---\nNote: Some sections of this document used simplified summaries due to processing limits."
)

var sectionRef = regexp.MustCompile(`(?i)\bsection\s+\d+`)

type Reducer struct {
	llmClient llm.Generator
	threshold float64
	metrics   metrics.Recorder
}

func NewReducer(llmClient llm.Generator, threshold float64, rec metrics.Recorder) *Reducer {
	if threshold <= 0 {
		threshold = DefaultCoverageThreshold
	}
	if rec == nil {
		rec = metrics.Noop{}
	}
	return &Reducer{llmClient: llmClient, threshold: threshold, metrics: rec}
}

// Reduce 合并概览和按序排列的章节摘要
// 合并失败或覆盖率不足时退化为按章节拼接，不丢失任何章节
func (r *Reducer) Reduce(ctx context.Context, overview string, sections []summarizer.SectionSummary, model string) (string, error) {
	var result string
	switch len(sections) {
	case 0:
		result = "## Document Overview\n\n" + overview
	case 1:
		result = "## Document Overview\n\n" + overview + "\n\n## Summary\n\n" + sections[0].Text
	default:
		combined, err := r.combine(ctx, overview, sections, model)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			logger.Warnf("[Reducer] 合并章节摘要失败，退化为拼接, %v", err)
			r.metrics.IncReducerFallback("error")
			combined = Concatenate(overview, sections)
		} else if refs := CountSectionRefs(combined); !Covers(refs, len(sections), r.threshold) {
			logger.Warnf("[Reducer] 合并结果仅引用 %d/%d 个章节，退化为拼接", refs, len(sections))
			r.metrics.IncReducerFallback("lossy")
			combined = Concatenate(overview, sections)
		}
		result = combined
	}

	if hasFallback(sections) {
		result += FallbackNote
	}
	return result, nil
}

func (r *Reducer) combine(ctx context.Context, overview string, sections []summarizer.SectionSummary, model string) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Combine the following %d section summaries of one document into a single cohesive summary. "+
		"Reference every section explicitly by its label (for example \"Section 1\"), avoid repetition, "+
		"preserve key concepts, formulas, methods and conclusions, and keep it under %d words.\n\n",
		len(sections), combineMaxWords)
	sb.WriteString("Document overview:\n")
	sb.WriteString(overview)
	for i, s := range sections {
		fmt.Fprintf(&sb, "\n\nSection %d:\n%s", i+1, s.Text)
	}

	out, err := r.llmClient.Generate(ctx, model, sb.String(), combineMaxTokens)
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", &llm.Error{Kind: llm.KindUnknown, Message: "生成后端返回空内容"}
	}
	return out, nil
}

// Concatenate 按章节顺序拼接概览和全部章节摘要
func Concatenate(overview string, sections []summarizer.SectionSummary) string {
	var sb strings.Builder
	sb.WriteString("## Document Overview\n\n")
	sb.WriteString(overview)
	for i, s := range sections {
		fmt.Fprintf(&sb, "\n\n## Section %d\n\n%s", i+1, s.Text)
	}
	return sb.String()
}

// CountSectionRefs 统计文本中 "Section <数字>" 出现的次数，不区分大小写
func CountSectionRefs(text string) int {
	return len(sectionRef.FindAllStringIndex(text, -1))
}

// Covers 判断引用数是否达到 threshold * expected
func Covers(refs, expected int, threshold float64) bool {
	return float64(refs) >= threshold*float64(expected)
}

func hasFallback(sections []summarizer.SectionSummary) bool {
	for _, s := range sections {
		if s.IsFallback {
			return true
		}
	}
	return false
}
