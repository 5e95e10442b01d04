package summarizer

// SectionSummary 单个文本块的摘要，IsFallback 表示使用了兜底摘要
type SectionSummary struct {
	Index      int    `json:"index"`
	Text       string `json:"text"`
	IsFallback bool   `json:"is_fallback"`
}

const (
	// OverviewPlaceholder 概览生成失败时使用的占位文本
	OverviewPlaceholder = "Overview unavailable for this document."

	overviewMaxTokens = 300
	chunkMaxTokens    = 1024
	directMaxTokens   = 2048

	// 单条提示词的最大长度
	maxPromptLength = 200000
	// 超过该长度的文本记录告警
	largeTextWarning = 100000
)
