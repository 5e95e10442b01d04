// Package service 串联文档存储、文本提取、摘要流水线和摘要记录
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/fachebot/doc-digest/internal/extract"
	"github.com/fachebot/doc-digest/internal/llm"
	"github.com/fachebot/doc-digest/internal/logger"
	"github.com/fachebot/doc-digest/internal/model"
	"github.com/fachebot/doc-digest/internal/pipeline"
	"github.com/fachebot/doc-digest/internal/store"
)

var ErrEmptyDocument = errors.New("文档内容为空")

// documentStore 保存原始文档（便于测试注入 mock）
type documentStore interface {
	Put(ctx context.Context, data []byte, meta store.Meta) (string, error)
	Delete(ctx context.Context, id string) error
	URI(id string) string
}

// textExtractor 提取文档文本（便于测试注入 mock）
type textExtractor interface {
	Extract(ctx context.Context, documentID string) (*extract.Document, error)
}

// summaryPipeline 生成摘要（便于测试注入 mock）
type summaryPipeline interface {
	Summarize(ctx context.Context, documentText, model string) (*pipeline.SummarizationResult, error)
}

type Service struct {
	store     documentStore
	extractor textExtractor
	pipeline  summaryPipeline
	summaries *model.SummaryModel
}

func NewService(s *store.Store, e *extract.Extractor, p *pipeline.Pipeline, summaries *model.SummaryModel) *Service {
	return &Service{store: s, extractor: e, pipeline: p, summaries: summaries}
}

// Submit 保存文档并创建待处理的摘要记录
func (s *Service) Submit(ctx context.Context, name, mimeType string, data []byte) (*model.Summary, error) {
	if len(data) == 0 {
		return nil, ErrEmptyDocument
	}

	id, err := s.store.Put(ctx, data, store.Meta{Name: name, ContentType: mimeType})
	if err != nil {
		return nil, fmt.Errorf("保存文档失败: %w", err)
	}

	record, err := s.summaries.Create(ctx, model.SummaryData{
		DocumentID:   id,
		OriginalName: name,
		MimeType:     mimeType,
		SizeBytes:    int64(len(data)),
		URI:          s.store.URI(id),
	})
	if err != nil {
		// 记录创建失败时删除已保存的文档
		if delErr := s.store.Delete(context.WithoutCancel(ctx), id); delErr != nil {
			logger.Errorf("[Service] 删除文档失败 (id=%s): %v", id, delErr)
		}
		return nil, err
	}

	logger.Infof("[Service] 文档已提交: id=%d, name=%s, size=%d", record.ID, name, len(data))
	return record, nil
}

// Summarize 为记录生成摘要，已完成的记录直接返回
func (s *Service) Summarize(ctx context.Context, recordID int64, modelName string) (*model.Summary, error) {
	record, err := s.summaries.Get(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if record.Status == model.StatusCompleted {
		logger.Debugf("[Service] 记录 %d 已完成，跳过", recordID)
		return record, nil
	}

	if err := s.summaries.MarkProcessing(ctx, recordID); err != nil {
		return nil, err
	}

	result, err := s.run(ctx, record.DocumentID, modelName)
	if err != nil {
		// 取消时恢复为待处理，下次启动继续
		bg := context.WithoutCancel(ctx)
		if ctx.Err() != nil {
			logger.Warnf("[Service] 记录 %d 处理被取消: %v", recordID, err)
			if resetErr := s.summaries.ResetToPending(bg, recordID); resetErr != nil {
				logger.Errorf("[Service] 重置记录状态失败 (id=%d): %v", recordID, resetErr)
			}
			return nil, err
		}

		logger.Errorf("[Service] 记录 %d 摘要失败: %v", recordID, err)
		if markErr := s.summaries.MarkFailed(bg, recordID, llm.UserMessage(err)); markErr != nil {
			logger.Errorf("[Service] 标记记录失败状态失败 (id=%d): %v", recordID, markErr)
		}
		return nil, err
	}

	err = s.summaries.MarkCompleted(ctx, recordID, model.CompletedData{
		Model:               result.Model,
		SummaryText:         result.SummaryText,
		ChunksProcessed:     result.ChunksProcessed,
		TotalChunks:         result.TotalChunks,
		AllSectionsIncluded: result.AllSectionsIncluded,
	})
	if err != nil {
		return nil, err
	}

	logger.Infof("[Service] 记录 %d 摘要完成: model=%s, chunks=%d/%d, allSections=%v",
		recordID, result.Model, result.ChunksProcessed, result.TotalChunks, result.AllSectionsIncluded)
	return s.summaries.Get(ctx, recordID)
}

func (s *Service) run(ctx context.Context, documentID, modelName string) (*pipeline.SummarizationResult, error) {
	doc, err := s.extractor.Extract(ctx, documentID)
	if err != nil {
		return nil, err
	}
	logger.Debugf("[Service] 文档 %s 提取完成，长度 %d", documentID, doc.Length)
	return s.pipeline.Summarize(ctx, doc.RawText, modelName)
}
