// Package store 保存上传的原始文档，基于 gocloud blob，支持本地目录和内存存储
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/google/uuid"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// 驱动
	_ "gocloud.dev/blob/memblob"  // mem:// 驱动
	"gocloud.dev/gcerrors"
)

var ErrNotFound = errors.New("文档不存在")

const (
	keyPrefix   = "documents"
	metaNameKey = "name"
)

// Meta 文档元数据
type Meta struct {
	Name        string
	ContentType string
	Size        int64
}

// Store 原始文档存储
type Store struct {
	bucket  *blob.Bucket
	baseURI string
}

// Open 按 URL 打开存储，如 file:///data/documents?create_dir=true 或 mem://
func Open(ctx context.Context, bucketURL string) (*Store, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("打开存储失败 %s: %w", bucketURL, err)
	}
	return &Store{bucket: bucket, baseURI: baseURI(bucketURL)}, nil
}

func New(bucket *blob.Bucket) *Store {
	return &Store{bucket: bucket, baseURI: "mem://"}
}

// Put 保存文档并返回文档 ID
func (s *Store) Put(ctx context.Context, data []byte, meta Meta) (string, error) {
	id := uuid.NewString()
	key := objectKey(id)

	opts := &blob.WriterOptions{
		ContentType: meta.ContentType,
		Metadata:    map[string]string{metaNameKey: sanitizeName(meta.Name)},
	}
	w, err := s.bucket.NewWriter(ctx, key, opts)
	if err != nil {
		return "", fmt.Errorf("创建写入器失败 %s: %w", key, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return "", fmt.Errorf("写入文档失败 %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("关闭写入器失败 %s: %w", key, err)
	}
	return id, nil
}

// Get 读取文档内容和元数据
func (s *Store) Get(ctx context.Context, id string) ([]byte, Meta, error) {
	key := objectKey(id)
	attrs, err := s.bucket.Attributes(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, Meta{}, ErrNotFound
		}
		return nil, Meta{}, fmt.Errorf("读取文档属性失败 %s: %w", key, err)
	}

	r, err := s.bucket.NewReader(ctx, key, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, Meta{}, ErrNotFound
		}
		return nil, Meta{}, fmt.Errorf("读取文档失败 %s: %w", key, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, Meta{}, fmt.Errorf("读取文档失败 %s: %w", key, err)
	}

	meta := Meta{
		Name:        attrs.Metadata[metaNameKey],
		ContentType: attrs.ContentType,
		Size:        attrs.Size,
	}
	return data, meta, nil
}

// URI 返回文档的访问地址
func (s *Store) URI(id string) string {
	return s.baseURI + objectKey(id)
}

// Delete 删除文档，文档不存在时返回 ErrNotFound
func (s *Store) Delete(ctx context.Context, id string) error {
	err := s.bucket.Delete(ctx, objectKey(id))
	if gcerrors.Code(err) == gcerrors.NotFound {
		return ErrNotFound
	}
	return err
}

func (s *Store) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

func objectKey(id string) string {
	return path.Join(keyPrefix, path.Base(id))
}

// baseURI 去掉查询参数并保证以 / 结尾
func baseURI(bucketURL string) string {
	u, err := url.Parse(bucketURL)
	if err != nil {
		return bucketURL
	}
	u.RawQuery = ""
	s := u.String()
	if !strings.HasSuffix(s, "/") {
		s += "/"
	}
	return s
}

// sanitizeName 去掉路径分隔符，只保留文件名
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	if name == "." || name == "/" || name == ".." || name == "" {
		return "document"
	}
	return name
}
