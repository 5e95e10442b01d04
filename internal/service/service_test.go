package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/fachebot/doc-digest/internal/config"
	"github.com/fachebot/doc-digest/internal/extract"
	"github.com/fachebot/doc-digest/internal/llm"
	"github.com/fachebot/doc-digest/internal/model"
	"github.com/fachebot/doc-digest/internal/pipeline"
	"github.com/fachebot/doc-digest/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"
)

// stubGenerator 直接路径返回固定摘要
type stubGenerator struct {
	calls atomic.Int32
	err   error
}

func (g *stubGenerator) Generate(ctx context.Context, model, prompt string, maxOutputTokens int) (string, error) {
	g.calls.Add(1)
	if g.err != nil {
		return "", g.err
	}
	return "summary by " + model, nil
}

type mockPipeline struct {
	mock.Mock
}

func (m *mockPipeline) Summarize(ctx context.Context, documentText, model string) (*pipeline.SummarizationResult, error) {
	args := m.Called(ctx, documentText, model)
	if r := args.Get(0); r != nil {
		return r.(*pipeline.SummarizationResult), args.Error(1)
	}
	return nil, args.Error(1)
}

type fixture struct {
	store     *store.Store
	summaries *model.SummaryModel
	extractor *extract.Extractor
	closeDB   func() error
}

// recordingStore 记录被删除的文档
type recordingStore struct {
	*store.Store
	deleted []string
}

func (r *recordingStore) Delete(ctx context.Context, id string) error {
	r.deleted = append(r.deleted, id)
	return r.Store.Delete(ctx, id)
}

func newFixture(t *testing.T) *fixture {
	st := store.New(memblob.OpenBucket(nil))
	t.Cleanup(func() { st.Close() })

	name := strings.ReplaceAll(t.Name(), "/", "_")
	drv, err := model.Open(context.Background(), fmt.Sprintf("file:%s?mode=memory&cache=shared&_fk=1", name))
	require.NoError(t, err)
	t.Cleanup(func() { drv.Close() })

	return &fixture{
		store:     st,
		summaries: model.NewSummaryModel(drv),
		extractor: extract.NewExtractor(st),
		closeDB:   drv.Close,
	}
}

func (f *fixture) service(gen llm.Generator) *Service {
	cfg := config.DefaultPipeline()
	cfg.BackoffBaseMs = 0
	cfg.BatchPauseMs = 0
	return NewService(f.store, f.extractor, pipeline.NewPipeline(cfg, gen, "default-model", nil), f.summaries)
}

func TestSubmit(t *testing.T) {
	f := newFixture(t)
	svc := f.service(&stubGenerator{})
	ctx := context.Background()

	record, err := svc.Submit(ctx, "notes.md", "text/markdown", []byte("# Notes\n\nSome text."))
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, record.Status)
	assert.Equal(t, "notes.md", record.OriginalName)
	assert.Equal(t, int64(19), record.SizeBytes)
	assert.Equal(t, f.store.URI(record.DocumentID), record.URI)

	data, meta, err := f.store.Get(ctx, record.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, "# Notes\n\nSome text.", string(data))
	assert.Equal(t, "text/markdown", meta.ContentType)
}

func TestSubmit_CreateFailureRemovesDocument(t *testing.T) {
	f := newFixture(t)
	rs := &recordingStore{Store: f.store}
	svc := &Service{store: rs, extractor: f.extractor, pipeline: new(mockPipeline), summaries: f.summaries}
	require.NoError(t, f.closeDB())

	_, err := svc.Submit(context.Background(), "a.txt", "text/plain", []byte("text"))
	require.Error(t, err)
	require.Len(t, rs.deleted, 1)

	_, _, err = f.store.Get(context.Background(), rs.deleted[0])
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSubmit_Empty(t *testing.T) {
	f := newFixture(t)
	_, err := f.service(&stubGenerator{}).Submit(context.Background(), "a.txt", "text/plain", nil)
	assert.ErrorIs(t, err, ErrEmptyDocument)
}

func TestSummarize_Completes(t *testing.T) {
	f := newFixture(t)
	gen := &stubGenerator{}
	svc := f.service(gen)
	ctx := context.Background()

	record, err := svc.Submit(ctx, "notes.txt", "text/plain", []byte("A short document."))
	require.NoError(t, err)

	done, err := svc.Summarize(ctx, record.ID, "")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, done.Status)
	assert.Equal(t, "summary by default-model", done.SummaryText)
	assert.Equal(t, "default-model", done.Model)
	assert.Equal(t, 1, done.ChunksProcessed)
	assert.Equal(t, 1, done.TotalChunks)
	assert.True(t, done.AllSectionsIncluded)
	assert.NotNil(t, done.CompletedAt)

	// 已完成的记录不再调用后端
	again, err := svc.Summarize(ctx, record.ID, "other-model")
	require.NoError(t, err)
	assert.Equal(t, done.SummaryText, again.SummaryText)
	assert.Equal(t, int32(1), gen.calls.Load())
}

func TestSummarize_HTMLDocument(t *testing.T) {
	f := newFixture(t)
	svc := f.service(&stubGenerator{})
	ctx := context.Background()

	html := "<html><body><h1>Title</h1><p>Body text.</p><script>x()</script></body></html>"
	record, err := svc.Submit(ctx, "page.html", "text/html; charset=utf-8", []byte(html))
	require.NoError(t, err)

	done, err := svc.Summarize(ctx, record.ID, "custom")
	require.NoError(t, err)
	assert.Equal(t, "summary by custom", done.SummaryText)
}

func TestSummarize_UnsupportedTypeFails(t *testing.T) {
	f := newFixture(t)
	gen := &stubGenerator{}
	svc := f.service(gen)
	ctx := context.Background()

	record, err := svc.Submit(ctx, "scan.pdf", "application/pdf", []byte("%PDF-1.4"))
	require.NoError(t, err)

	_, err = svc.Summarize(ctx, record.ID, "")
	assert.ErrorIs(t, err, extract.ErrUnsupported)
	assert.Equal(t, int32(0), gen.calls.Load())

	got, err := f.summaries.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "不支持的文档类型")
}

func TestSummarize_BackendFailureMarksFailed(t *testing.T) {
	f := newFixture(t)
	svc := f.service(&stubGenerator{err: llm.ErrAuthInvalid})
	ctx := context.Background()

	record, err := svc.Submit(ctx, "a.txt", "text/plain", []byte("text"))
	require.NoError(t, err)

	_, err = svc.Summarize(ctx, record.ID, "")
	assert.ErrorIs(t, err, llm.ErrAuthInvalid)

	got, err := f.summaries.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, "AI service credentials are invalid.", got.ErrorMessage)
}

func TestSummarize_PersistentRateLimitIsServiceBusy(t *testing.T) {
	f := newFixture(t)
	gen := &stubGenerator{err: llm.ErrRateLimited}
	svc := f.service(gen)
	ctx := context.Background()

	record, err := svc.Submit(ctx, "a.txt", "text/plain", []byte("text"))
	require.NoError(t, err)

	_, err = svc.Summarize(ctx, record.ID, "")
	assert.ErrorIs(t, err, pipeline.ErrSummarizationFailed)
	assert.ErrorIs(t, err, llm.ErrRateLimited)
	// 1 次调用 + 2 次重试
	assert.Equal(t, int32(3), gen.calls.Load())

	got, err := f.summaries.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, "AI service is currently busy. Please try again in a few moments.", got.ErrorMessage)
}

func TestSummarize_CancelledResetsToPending(t *testing.T) {
	f := newFixture(t)
	p := new(mockPipeline)
	svc := &Service{store: f.store, extractor: f.extractor, pipeline: p, summaries: f.summaries}

	record, err := svc.Submit(context.Background(), "a.txt", "text/plain", []byte("text"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	p.On("Summarize", mock.Anything, "text", "").Run(func(mock.Arguments) {
		cancel()
	}).Return(nil, context.Canceled)

	_, err = svc.Summarize(ctx, record.ID, "")
	assert.ErrorIs(t, err, context.Canceled)

	got, err := f.summaries.Get(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	p.AssertExpectations(t)
}

func TestSummarize_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.service(&stubGenerator{}).Summarize(context.Background(), 99, "")
	assert.True(t, errors.Is(err, model.ErrNotFound))
}
