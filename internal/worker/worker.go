// Package worker 定时处理待摘要的记录
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fachebot/doc-digest/internal/config"
	"github.com/fachebot/doc-digest/internal/extract"
	"github.com/fachebot/doc-digest/internal/llm"
	"github.com/fachebot/doc-digest/internal/logger"
	"github.com/fachebot/doc-digest/internal/model"
	"github.com/fachebot/doc-digest/internal/pipeline"
	"github.com/fachebot/doc-digest/internal/service"
	"github.com/robfig/cron/v3"
)

// recordSummarizer 为单条记录生成摘要（便于测试注入 mock）
type recordSummarizer interface {
	Summarize(ctx context.Context, recordID int64, model string) (*model.Summary, error)
}

// recordStore 查询和重置记录（便于测试注入 mock）
type recordStore interface {
	ListByStatus(ctx context.Context, status model.Status, limit int) ([]*model.Summary, error)
	ResetToPending(ctx context.Context, id int64) error
}

type Worker struct {
	cron          *cron.Cron
	summarizer    recordSummarizer
	records       recordStore
	config        *config.Worker
	retryTimes    int
	retryInterval time.Duration
	ctx           context.Context
	cancel        context.CancelFunc
	mu            sync.Mutex
	sweepMu       sync.Mutex
	wg            sync.WaitGroup
}

func NewWorker(svc *service.Service, summaries *model.SummaryModel, cfg *config.Worker) *Worker {
	return newWorker(svc, summaries, cfg)
}

func newWorker(s recordSummarizer, records recordStore, cfg *config.Worker) *Worker {
	retryTimes := cfg.RetryTimes
	if retryTimes <= 0 {
		retryTimes = 3
	}
	retryInterval := time.Duration(cfg.RetryInterval) * time.Second
	if retryInterval <= 0 {
		retryInterval = 60 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		cron:          cron.New(cron.WithLocation(time.UTC)),
		summarizer:    s,
		records:       records,
		config:        cfg,
		retryTimes:    retryTimes,
		retryInterval: retryInterval,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start 注册定时任务并在后台恢复中断的记录
func (w *Worker) Start() error {
	_, err := w.cron.AddFunc(w.config.Cron, w.runSweep)
	if err != nil {
		return fmt.Errorf("注册定时任务失败: %w", err)
	}

	w.cron.Start()
	logger.Infof("[Worker] 已启动，定时任务: %s", w.config.Cron)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.recoverProcessing(w.context())
		w.runSweep()
	}()
	return nil
}

// Stop 取消正在处理的记录并等待定时任务退出
func (w *Worker) Stop() {
	w.mu.Lock()
	w.cancel()
	w.mu.Unlock()

	// cron.Stop 等待正在执行的定时任务，启动时的恢复任务单独等待
	ctx := w.cron.Stop()
	<-ctx.Done()
	w.wg.Wait()
	logger.Infof("[Worker] 已停止")
}

func (w *Worker) context() context.Context {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ctx
}

// recoverProcessing 把上次退出时仍处于处理中的记录重置为待处理
func (w *Worker) recoverProcessing(ctx context.Context) {
	records, err := w.records.ListByStatus(ctx, model.StatusProcessing, 0)
	if err != nil {
		logger.Errorf("[Worker] 查询处理中的记录失败: %v", err)
		return
	}
	if len(records) == 0 {
		return
	}

	logger.Infof("[Worker] 找到 %d 条中断的记录，重置为待处理", len(records))
	for _, r := range records {
		if err := w.records.ResetToPending(ctx, r.ID); err != nil {
			logger.Errorf("[Worker] 重置记录状态失败 (id=%d): %v", r.ID, err)
		}
	}
}

func (w *Worker) runSweep() {
	ctx := w.context()
	select {
	case <-ctx.Done():
		return
	default:
	}

	// 上一轮尚未结束时跳过
	if !w.sweepMu.TryLock() {
		logger.Debugf("[Worker] 上一轮处理未结束，跳过")
		return
	}
	defer w.sweepMu.Unlock()

	processed, failed := w.sweep(ctx)
	if processed+failed > 0 {
		logger.Infof("[Worker] 本轮处理完成: 成功 %d 条，失败 %d 条", processed, failed)
	}
}

// sweep 按创建顺序依次处理待处理的记录
func (w *Worker) sweep(ctx context.Context) (processed, failed int) {
	records, err := w.records.ListByStatus(ctx, model.StatusPending, w.config.BatchSize)
	if err != nil {
		logger.Errorf("[Worker] 查询待处理记录失败: %v", err)
		return 0, 0
	}

	for _, r := range records {
		select {
		case <-ctx.Done():
			logger.Infof("[Worker] 任务已取消")
			return processed, failed
		default:
		}

		if err := w.process(ctx, r); err != nil {
			failed++
			continue
		}
		processed++
	}
	return processed, failed
}

// process 处理单条记录，失败时按配置间隔重试
func (w *Worker) process(ctx context.Context, r *model.Summary) error {
	logger.Infof("[Worker] 处理记录 %d: %s (%d 字节)", r.ID, r.OriginalName, r.SizeBytes)

	var err error
	for attempt := 1; attempt <= w.retryTimes; attempt++ {
		_, err = w.summarizer.Summarize(ctx, r.ID, r.Model)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !retryable(err) {
			logger.Errorf("[Worker] 记录 %d 摘要失败，不再重试: %v", r.ID, err)
			return err
		}

		logger.Warnf("[Worker] 记录 %d 摘要失败 (第 %d/%d 次): %v", r.ID, attempt, w.retryTimes, err)
		if attempt < w.retryTimes {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.retryInterval):
			}
		}
	}

	logger.Errorf("[Worker] 记录 %d 摘要失败，已重试 %d 次: %v", r.ID, w.retryTimes, err)
	return err
}

// retryable 文档本身的问题和凭证错误重试无意义
func retryable(err error) bool {
	switch {
	case errors.Is(err, extract.ErrUnsupported),
		errors.Is(err, pipeline.ErrEmptyText),
		errors.Is(err, model.ErrNotFound),
		errors.Is(err, llm.ErrAuthInvalid):
		return false
	}
	return true
}
