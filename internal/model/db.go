package model

import (
	"context"
	"errors"
	"fmt"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"entgo.io/ent/dialect/sql/schema"
	"entgo.io/ent/schema/field"

	_ "github.com/mattn/go-sqlite3"
)

var ErrNotFound = errors.New("记录不存在")

var (
	summaryIDColumn     = &schema.Column{Name: "id", Type: field.TypeInt64, Increment: true}
	summaryStatusColumn = &schema.Column{Name: "status", Type: field.TypeEnum, Enums: []string{"pending", "processing", "completed", "failed"}, Default: "pending"}
	summaryDocColumn    = &schema.Column{Name: "document_id", Type: field.TypeString, Size: 64}

	// SummariesTable 摘要记录表
	SummariesTable = &schema.Table{
		Name: summariesTableName,
		Columns: []*schema.Column{
			summaryIDColumn,
			{Name: "create_time", Type: field.TypeTime},
			{Name: "update_time", Type: field.TypeTime},
			summaryDocColumn,
			{Name: "original_name", Type: field.TypeString},
			{Name: "mime_type", Type: field.TypeString},
			{Name: "size_bytes", Type: field.TypeInt64},
			{Name: "uri", Type: field.TypeString},
			summaryStatusColumn,
			{Name: "model", Type: field.TypeString, Default: ""},
			{Name: "summary_text", Type: field.TypeString, Size: 2147483647, Default: ""},
			{Name: "chunks_processed", Type: field.TypeInt, Default: 0},
			{Name: "total_chunks", Type: field.TypeInt, Default: 0},
			{Name: "all_sections_included", Type: field.TypeBool, Default: false},
			{Name: "error_message", Type: field.TypeString, Size: 2147483647, Default: ""},
			{Name: "completed_at", Type: field.TypeTime, Nullable: true},
		},
		PrimaryKey: []*schema.Column{summaryIDColumn},
		Indexes: []*schema.Index{
			// 用于查询待处理记录
			{Name: "summary_status", Columns: []*schema.Column{summaryStatusColumn}},
			{Name: "summary_document_id", Unique: true, Columns: []*schema.Column{summaryDocColumn}},
		},
	}
)

// Open 打开 sqlite 数据库并创建表结构
func Open(ctx context.Context, dsn string) (*entsql.Driver, error) {
	drv, err := entsql.Open(dialect.SQLite, dsn)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	if err := Migrate(ctx, drv); err != nil {
		drv.Close()
		return nil, err
	}
	return drv, nil
}

// Migrate 创建或升级表结构
func Migrate(ctx context.Context, drv dialect.Driver) error {
	m, err := schema.NewMigrate(drv)
	if err != nil {
		return fmt.Errorf("创建数据库迁移失败: %w", err)
	}
	if err := m.Create(ctx, SummariesTable); err != nil {
		return fmt.Errorf("创建数据库Schema失败: %w", err)
	}
	return nil
}
