package model

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
)

const summariesTableName = "summaries"

// Status 摘要记录状态
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Summary 一份文档的摘要记录
type Summary struct {
	ID                  int64      `json:"id"`
	CreateTime          time.Time  `json:"create_time"`
	UpdateTime          time.Time  `json:"update_time"`
	DocumentID          string     `json:"document_id"`
	OriginalName        string     `json:"original_name"`
	MimeType            string     `json:"mime_type"`
	SizeBytes           int64      `json:"size_bytes"`
	URI                 string     `json:"uri"`
	Status              Status     `json:"status"`
	Model               string     `json:"model"`
	SummaryText         string     `json:"summary_text"`
	ChunksProcessed     int        `json:"chunks_processed"`
	TotalChunks         int        `json:"total_chunks"`
	AllSectionsIncluded bool       `json:"all_sections_included"`
	ErrorMessage        string     `json:"error_message,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
}

// SummaryData 新建记录所需的文档信息
type SummaryData struct {
	DocumentID   string
	OriginalName string
	MimeType     string
	SizeBytes    int64
	URI          string
	Model        string
}

// CompletedData 摘要完成后写回的结果
type CompletedData struct {
	Model               string
	SummaryText         string
	ChunksProcessed     int
	TotalChunks         int
	AllSectionsIncluded bool
}

var summaryColumns = []string{
	"id", "create_time", "update_time", "document_id", "original_name", "mime_type",
	"size_bytes", "uri", "status", "model", "summary_text", "chunks_processed",
	"total_chunks", "all_sections_included", "error_message", "completed_at",
}

type SummaryModel struct {
	drv dialect.Driver
}

func NewSummaryModel(drv dialect.Driver) *SummaryModel {
	return &SummaryModel{drv: drv}
}

func builder() *entsql.DialectBuilder {
	return entsql.Dialect(dialect.SQLite)
}

// Create 创建待处理的摘要记录
func (m *SummaryModel) Create(ctx context.Context, data SummaryData) (*Summary, error) {
	now := time.Now()
	query, args := builder().Insert(summariesTableName).
		Columns("create_time", "update_time", "document_id", "original_name", "mime_type", "size_bytes", "uri", "status", "model").
		Values(now, now, data.DocumentID, data.OriginalName, data.MimeType, data.SizeBytes, data.URI, string(StatusPending), data.Model).
		Query()

	var res sql.Result
	if err := m.drv.Exec(ctx, query, args, &res); err != nil {
		return nil, fmt.Errorf("创建摘要记录失败: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("获取摘要记录ID失败: %w", err)
	}
	return m.Get(ctx, id)
}

// Get 按ID查询摘要记录
func (m *SummaryModel) Get(ctx context.Context, id int64) (*Summary, error) {
	items, err := m.query(ctx, entsql.EQ("id", id), 1)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	return items[0], nil
}

// ListByStatus 按创建顺序查询指定状态的记录，limit <= 0 表示不限制
func (m *SummaryModel) ListByStatus(ctx context.Context, status Status, limit int) ([]*Summary, error) {
	return m.query(ctx, entsql.EQ("status", string(status)), limit)
}

// MarkProcessing 标记为处理中
func (m *SummaryModel) MarkProcessing(ctx context.Context, id int64) error {
	return m.update(ctx, id, func(u *entsql.UpdateBuilder) {
		u.Set("status", string(StatusProcessing)).Set("error_message", "")
	})
}

// MarkCompleted 写回摘要结果并标记为完成
func (m *SummaryModel) MarkCompleted(ctx context.Context, id int64, data CompletedData) error {
	return m.update(ctx, id, func(u *entsql.UpdateBuilder) {
		u.Set("status", string(StatusCompleted)).
			Set("model", data.Model).
			Set("summary_text", data.SummaryText).
			Set("chunks_processed", data.ChunksProcessed).
			Set("total_chunks", data.TotalChunks).
			Set("all_sections_included", data.AllSectionsIncluded).
			Set("error_message", "").
			Set("completed_at", time.Now())
	})
}

// MarkFailed 标记为失败并记录错误信息
func (m *SummaryModel) MarkFailed(ctx context.Context, id int64, errorMsg string) error {
	return m.update(ctx, id, func(u *entsql.UpdateBuilder) {
		u.Set("status", string(StatusFailed)).Set("error_message", errorMsg)
	})
}

// ResetToPending 重置为待处理（用于恢复中断的任务）
func (m *SummaryModel) ResetToPending(ctx context.Context, id int64) error {
	return m.update(ctx, id, func(u *entsql.UpdateBuilder) {
		u.Set("status", string(StatusPending))
	})
}

func (m *SummaryModel) update(ctx context.Context, id int64, set func(u *entsql.UpdateBuilder)) error {
	u := builder().Update(summariesTableName).Set("update_time", time.Now())
	set(u)
	query, args := u.Where(entsql.EQ("id", id)).Query()

	var res sql.Result
	if err := m.drv.Exec(ctx, query, args, &res); err != nil {
		return fmt.Errorf("更新摘要记录失败 (id=%d): %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新摘要记录失败 (id=%d): %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *SummaryModel) query(ctx context.Context, where *entsql.Predicate, limit int) ([]*Summary, error) {
	selector := builder().Select(summaryColumns...).
		From(entsql.Table(summariesTableName)).
		Where(where).
		OrderBy("id")
	if limit > 0 {
		selector.Limit(limit)
	}
	query, args := selector.Query()

	rows := &entsql.Rows{}
	if err := m.drv.Query(ctx, query, args, rows); err != nil {
		return nil, fmt.Errorf("查询摘要记录失败: %w", err)
	}
	defer rows.Close()

	var items []*Summary
	for rows.Next() {
		item, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("读取摘要记录失败: %w", err)
	}
	return items, nil
}

func scanSummary(rows *entsql.Rows) (*Summary, error) {
	var (
		s           Summary
		status      string
		completedAt sql.NullTime
	)
	err := rows.Scan(
		&s.ID, &s.CreateTime, &s.UpdateTime, &s.DocumentID, &s.OriginalName, &s.MimeType,
		&s.SizeBytes, &s.URI, &status, &s.Model, &s.SummaryText, &s.ChunksProcessed,
		&s.TotalChunks, &s.AllSectionsIncluded, &s.ErrorMessage, &completedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("解析摘要记录失败: %w", err)
	}
	s.Status = Status(status)
	if completedAt.Valid {
		t := completedAt.Time
		s.CompletedAt = &t
	}
	return &s, nil
}
