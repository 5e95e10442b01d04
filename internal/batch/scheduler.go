// Package batch 以有界并发分批处理文本块，带重试、截断修复与兜底摘要
package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fachebot/doc-digest/internal/config"
	"github.com/fachebot/doc-digest/internal/llm"
	"github.com/fachebot/doc-digest/internal/logger"
	"github.com/fachebot/doc-digest/internal/metrics"
	"github.com/fachebot/doc-digest/internal/summarizer"
	"github.com/fachebot/doc-digest/internal/utils/text"
	"golang.org/x/sync/errgroup"
)

// SummarizeFunc 总结单个文本块，index 从 0 开始
type SummarizeFunc func(ctx context.Context, chunk string, index, total int) (string, error)

type Options struct {
	ConcurrencyLimit int
	MaxRetries       int
	BackoffBase      time.Duration
	BatchPause       time.Duration
	RepairTruncate   int
	FallbackPreview  int
}

// OptionsFromConfig 从流水线配置构建调度参数
func OptionsFromConfig(c config.Pipeline) Options {
	return Options{
		ConcurrencyLimit: c.ConcurrencyLimit,
		MaxRetries:       c.MaxRetries,
		BackoffBase:      c.BackoffBase(),
		BatchPause:       c.BatchPause(),
		RepairTruncate:   c.RepairTruncate,
		FallbackPreview:  c.FallbackPreview,
	}
}

type jobState int

const (
	statePending jobState = iota
	stateSucceeded
	stateFailed
)

// chunkJob 单个文本块的处理状态，仅由处理它的 goroutine 修改
type chunkJob struct {
	index    int
	text     string
	state    jobState
	attempts int
	summary  string
	err      error
}

type Scheduler struct {
	opts      Options
	summarize SummarizeFunc
	metrics   metrics.Recorder
}

func NewScheduler(opts Options, fn SummarizeFunc, rec metrics.Recorder) *Scheduler {
	if opts.ConcurrencyLimit <= 0 {
		opts.ConcurrencyLimit = 5
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RepairTruncate <= 0 {
		opts.RepairTruncate = 4000
	}
	if opts.FallbackPreview <= 0 {
		opts.FallbackPreview = 500
	}
	if rec == nil {
		rec = metrics.Noop{}
	}
	return &Scheduler{opts: opts, summarize: fn, metrics: rec}
}

// ProcessAll 处理全部文本块，返回按序排列的章节摘要
// 返回结果与输入一一对应；allIncluded 表示没有任何章节使用兜底摘要
func (s *Scheduler) ProcessAll(ctx context.Context, chunks []string) ([]summarizer.SectionSummary, bool, error) {
	total := len(chunks)
	if total == 0 {
		return nil, true, nil
	}

	jobs := make([]*chunkJob, total)
	for i, c := range chunks {
		jobs[i] = &chunkJob{index: i, text: c, state: statePending}
	}

	limit := s.opts.ConcurrencyLimit
	batches := (total + limit - 1) / limit
	for b := 0; b < batches; b++ {
		if b > 0 {
			if err := sleep(ctx, s.opts.BatchPause); err != nil {
				return nil, false, err
			}
		}

		start := b * limit
		end := min(start+limit, total)
		logger.Debugf("[Batch] 处理第 %d/%d 批, chunks: %d-%d", b+1, batches, start+1, end)

		var g errgroup.Group
		for _, job := range jobs[start:end] {
			g.Go(func() error {
				s.runJob(ctx, job, total)
				return nil
			})
		}
		_ = g.Wait()

		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		if err := fatalError(jobs[start:end]); err != nil {
			logger.Errorf("[Batch] 鉴权失败，终止处理, %v", err)
			return nil, false, err
		}
	}

	if err := s.repair(ctx, jobs, total); err != nil {
		return nil, false, err
	}

	results := make([]summarizer.SectionSummary, total)
	fallbacks := 0
	for _, job := range jobs {
		if job.state == stateSucceeded {
			results[job.index] = summarizer.SectionSummary{Index: job.index, Text: job.summary}
			continue
		}
		fallbacks++
		results[job.index] = summarizer.SectionSummary{
			Index:      job.index,
			Text:       FallbackText(job.index, job.text, s.opts.FallbackPreview),
			IsFallback: true,
		}
	}

	if fallbacks > 0 {
		s.metrics.AddFallbackSections(fallbacks)
		logger.Warnf("[Batch] %d/%d 个章节使用兜底摘要", fallbacks, total)
	}
	return results, fallbacks == 0, nil
}

// runJob 首次尝试加最多 MaxRetries 次退避重试
func (s *Scheduler) runJob(ctx context.Context, job *chunkJob, total int) {
	for {
		job.attempts++
		summary, err := s.summarize(ctx, job.text, job.index, total)
		if err == nil {
			job.state = stateSucceeded
			job.summary = summary
			job.err = nil
			return
		}

		job.err = err
		if ctx.Err() != nil || !llm.IsRetryable(err) || job.attempts > s.opts.MaxRetries {
			job.state = stateFailed
			logger.Warnf("[Batch] 第 %d 块处理失败, attempts: %d, %v", job.index+1, job.attempts, err)
			return
		}

		delay := Backoff(s.opts.BackoffBase, job.attempts)
		logger.Debugf("[Batch] 第 %d 块将在 %s 后重试 (%d/%d), %v", job.index+1, delay, job.attempts, s.opts.MaxRetries, err)
		if err := sleep(ctx, delay); err != nil {
			job.state = stateFailed
			return
		}
	}
}

// repair 逐个以截断后的文本对失败块再尝试一次
func (s *Scheduler) repair(ctx context.Context, jobs []*chunkJob, total int) error {
	for _, job := range jobs {
		if job.state != stateFailed {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		truncated := text.Truncate(job.text, s.opts.RepairTruncate)
		job.attempts++
		summary, err := s.summarize(ctx, truncated, job.index, total)
		if err == nil {
			job.state = stateSucceeded
			job.summary = summary
			job.err = nil
			logger.Infof("[Batch] 第 %d 块截断修复成功", job.index+1)
			continue
		}

		job.err = err
		if errors.Is(err, llm.ErrAuthInvalid) {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		logger.Warnf("[Batch] 第 %d 块截断修复失败, %v", job.index+1, err)
	}
	return nil
}

// FallbackText 生成兜底摘要，index 从 0 开始
func FallbackText(index int, chunk string, preview int) string {
	return fmt.Sprintf("[Section %d summary unavailable due to processing limits. Content preview: %s...]",
		index+1, text.Truncate(strings.TrimSpace(chunk), preview))
}

func fatalError(jobs []*chunkJob) error {
	for _, job := range jobs {
		if job.state == stateFailed && errors.Is(job.err, llm.ErrAuthInvalid) {
			return job.err
		}
	}
	return nil
}

// Backoff 第 retry 次重试前的等待时间: base * 2^(retry-1)
func Backoff(base time.Duration, retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	return base << (retry - 1)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

