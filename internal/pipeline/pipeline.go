// Package pipeline 编排长文档摘要流程：切分、概览、分批总结、合并
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fachebot/doc-digest/internal/batch"
	"github.com/fachebot/doc-digest/internal/chunker"
	"github.com/fachebot/doc-digest/internal/config"
	"github.com/fachebot/doc-digest/internal/llm"
	"github.com/fachebot/doc-digest/internal/logger"
	"github.com/fachebot/doc-digest/internal/metrics"
	"github.com/fachebot/doc-digest/internal/reducer"
	"github.com/fachebot/doc-digest/internal/summarizer"
)

var (
	ErrEmptyText           = errors.New("文档内容为空")
	ErrSummarizationFailed = errors.New("无法生成任何章节摘要")
)

// SummarizationResult 单次摘要请求的结果
type SummarizationResult struct {
	SummaryText         string `json:"summary_text"`
	Model               string `json:"model"`
	ChunksProcessed     int    `json:"chunks_processed"`
	TotalChunks         int    `json:"total_chunks"`
	AllSectionsIncluded bool   `json:"all_sections_included"`
}

// sectionSummarizer 生成概览和章节摘要（便于测试注入 mock）
type sectionSummarizer interface {
	GenerateOverview(ctx context.Context, fullText, model string) string
	SummarizeChunk(ctx context.Context, chunkText string, index, total int, model string) (string, error)
	SummarizeDirect(ctx context.Context, document, model string) (string, error)
}

// summaryReducer 合并章节摘要（便于测试注入 mock）
type summaryReducer interface {
	Reduce(ctx context.Context, overview string, sections []summarizer.SectionSummary, model string) (string, error)
}

type Pipeline struct {
	config       config.Pipeline
	defaultModel string
	summarizer   sectionSummarizer
	reducer      summaryReducer
	metrics      metrics.Recorder
}

// NewPipeline 创建流水线，defaultModel 用于未指定模型的请求
func NewPipeline(cfg config.Pipeline, llmClient llm.Generator, defaultModel string, rec metrics.Recorder) *Pipeline {
	return newPipeline(
		cfg,
		defaultModel,
		summarizer.NewSummarizer(llmClient, cfg.OverviewPreview),
		reducer.NewReducer(llmClient, cfg.CoverageThreshold, rec),
		rec,
	)
}

func newPipeline(cfg config.Pipeline, defaultModel string, s sectionSummarizer, r summaryReducer, rec metrics.Recorder) *Pipeline {
	if rec == nil {
		rec = metrics.Noop{}
	}
	if cfg.MaxChunkSize <= 0 {
		cfg.MaxChunkSize = chunker.DefaultMaxChunkSize
	}
	return &Pipeline{
		config:       cfg,
		defaultModel: defaultModel,
		summarizer:   s,
		reducer:      r,
		metrics:      rec,
	}
}

// Summarize 生成整篇文档的摘要，model 为空时使用默认模型
// 流水线不保留任何中间状态，失败后可从头重试
func (p *Pipeline) Summarize(ctx context.Context, documentText, model string) (*SummarizationResult, error) {
	result, err := p.summarize(ctx, documentText, model)
	if err != nil {
		p.metrics.IncSummarization("failed")
		return nil, err
	}
	if result.AllSectionsIncluded {
		p.metrics.IncSummarization("ok")
	} else {
		p.metrics.IncSummarization("partial")
	}
	return result, nil
}

func (p *Pipeline) summarize(ctx context.Context, documentText, model string) (*SummarizationResult, error) {
	if strings.TrimSpace(documentText) == "" {
		return nil, ErrEmptyText
	}
	if model == "" {
		model = p.defaultModel
	}

	if len(documentText) > p.config.MaxChunkSize {
		return p.summarizeChunked(ctx, documentText, model, p.config.MaxChunkSize)
	}

	summary, err := p.summarizeDirect(ctx, documentText, model)
	if err == nil {
		return &SummarizationResult{
			SummaryText:         summary,
			Model:               model,
			ChunksProcessed:     1,
			TotalChunks:         1,
			AllSectionsIncluded: true,
		}, nil
	}

	switch {
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, llm.ErrAuthInvalid):
		return nil, err
	case errors.Is(err, llm.ErrRequestTooLarge):
		half := max(p.config.MaxChunkSize/2, 1)
		logger.Warnf("[Pipeline] 文档超出单次请求上限，改为分块处理, max chunk size: %d", half)
		return p.summarizeChunked(ctx, documentText, model, half)
	default:
		return nil, fmt.Errorf("%w: %w", ErrSummarizationFailed, err)
	}
}

// summarizeDirect 单次调用总结，按批处理的重试策略重试
func (p *Pipeline) summarizeDirect(ctx context.Context, documentText, model string) (string, error) {
	for attempt := 1; ; attempt++ {
		summary, err := p.summarizer.SummarizeDirect(ctx, documentText, model)
		if err == nil {
			return summary, nil
		}
		if ctx.Err() != nil || !llm.IsRetryable(err) || attempt > p.config.MaxRetries {
			return "", err
		}

		delay := batch.Backoff(p.config.BackoffBase(), attempt)
		logger.Debugf("[Pipeline] 直接总结失败，%s 后重试 (%d/%d), %v", delay, attempt, p.config.MaxRetries, err)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (p *Pipeline) summarizeChunked(ctx context.Context, documentText, model string, maxChunkSize int) (*SummarizationResult, error) {
	chunks := chunker.Split(documentText, maxChunkSize)
	if len(chunks) == 0 {
		return nil, ErrEmptyText
	}
	p.metrics.AddChunks(len(chunks))
	logger.Infof("[Pipeline] 文档切分为 %d 块, model: %s, max chunk size: %d", len(chunks), model, maxChunkSize)

	overview := p.summarizer.GenerateOverview(ctx, documentText, model)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 记录最后一次章节错误，全部失败时用于分类
	var (
		mu      sync.Mutex
		lastErr error
	)
	scheduler := batch.NewScheduler(batch.OptionsFromConfig(p.config),
		func(ctx context.Context, chunk string, index, total int) (string, error) {
			summary, err := p.summarizer.SummarizeChunk(ctx, chunk, index, total, model)
			if err != nil {
				mu.Lock()
				lastErr = err
				mu.Unlock()
			}
			return summary, err
		}, p.metrics)

	sections, allIncluded, err := scheduler.ProcessAll(ctx, chunks)
	if err != nil {
		return nil, err
	}

	processed := 0
	for _, s := range sections {
		if !s.IsFallback {
			processed++
		}
	}
	if processed == 0 {
		return nil, fmt.Errorf("%w: %d 个章节全部失败: %w", ErrSummarizationFailed, len(sections), lastErr)
	}

	summary, err := p.reducer.Reduce(ctx, overview, sections, model)
	if err != nil {
		return nil, err
	}

	logger.Infof("[Pipeline] 摘要完成, chunks: %d/%d, all sections included: %v", processed, len(chunks), allIncluded)
	return &SummarizationResult{
		SummaryText:         summary,
		Model:               model,
		ChunksProcessed:     processed,
		TotalChunks:         len(chunks),
		AllSectionsIncluded: allIncluded,
	}, nil
}
