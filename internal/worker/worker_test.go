package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fachebot/doc-digest/internal/config"
	"github.com/fachebot/doc-digest/internal/extract"
	"github.com/fachebot/doc-digest/internal/llm"
	"github.com/fachebot/doc-digest/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockSummarizer struct {
	mock.Mock
}

func (m *mockSummarizer) Summarize(ctx context.Context, recordID int64, modelName string) (*model.Summary, error) {
	args := m.Called(ctx, recordID, modelName)
	if s := args.Get(0); s != nil {
		return s.(*model.Summary), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockRecords struct {
	mock.Mock
}

func (m *mockRecords) ListByStatus(ctx context.Context, status model.Status, limit int) ([]*model.Summary, error) {
	args := m.Called(ctx, status, limit)
	if s := args.Get(0); s != nil {
		return s.([]*model.Summary), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockRecords) ResetToPending(ctx context.Context, id int64) error {
	return m.Called(ctx, id).Error(0)
}

func testWorker(s recordSummarizer, r recordStore) *Worker {
	w := newWorker(s, r, &config.Worker{Cron: "*/5 * * * *", RetryTimes: 3, BatchSize: 10})
	w.retryInterval = time.Millisecond
	return w
}

func TestNewWorker_Defaults(t *testing.T) {
	w := newWorker(nil, nil, &config.Worker{})
	assert.Equal(t, 3, w.retryTimes)
	assert.Equal(t, 60*time.Second, w.retryInterval)
}

func TestRecoverProcessing(t *testing.T) {
	records := new(mockRecords)
	records.On("ListByStatus", mock.Anything, model.StatusProcessing, 0).
		Return([]*model.Summary{{ID: 1}, {ID: 2}}, nil)
	records.On("ResetToPending", mock.Anything, int64(1)).Return(nil)
	records.On("ResetToPending", mock.Anything, int64(2)).Return(errors.New("db locked"))

	w := testWorker(new(mockSummarizer), records)
	w.recoverProcessing(context.Background())
	records.AssertExpectations(t)
}

func TestSweep_ProcessesPendingInOrder(t *testing.T) {
	records := new(mockRecords)
	records.On("ListByStatus", mock.Anything, model.StatusPending, 10).
		Return([]*model.Summary{{ID: 1, Model: "m1"}, {ID: 2}}, nil)

	var order []int64
	s := new(mockSummarizer)
	s.On("Summarize", mock.Anything, mock.AnythingOfType("int64"), mock.Anything).
		Run(func(args mock.Arguments) { order = append(order, args.Get(1).(int64)) }).
		Return(&model.Summary{Status: model.StatusCompleted}, nil)

	w := testWorker(s, records)
	processed, failed := w.sweep(context.Background())
	assert.Equal(t, 2, processed)
	assert.Equal(t, 0, failed)
	assert.Equal(t, []int64{1, 2}, order)
	s.AssertCalled(t, "Summarize", mock.Anything, int64(1), "m1")
	s.AssertCalled(t, "Summarize", mock.Anything, int64(2), "")
}

func TestProcess_RetriesThenSucceeds(t *testing.T) {
	s := new(mockSummarizer)
	s.On("Summarize", mock.Anything, int64(7), "").Return(nil, llm.ErrRateLimited).Once()
	s.On("Summarize", mock.Anything, int64(7), "").Return(&model.Summary{ID: 7}, nil).Once()

	w := testWorker(s, new(mockRecords))
	require.NoError(t, w.process(context.Background(), &model.Summary{ID: 7}))
	s.AssertNumberOfCalls(t, "Summarize", 2)
}

func TestProcess_ExhaustsRetries(t *testing.T) {
	s := new(mockSummarizer)
	s.On("Summarize", mock.Anything, int64(7), "").Return(nil, llm.ErrTimeout)

	w := testWorker(s, new(mockRecords))
	err := w.process(context.Background(), &model.Summary{ID: 7})
	assert.ErrorIs(t, err, llm.ErrTimeout)
	s.AssertNumberOfCalls(t, "Summarize", 3)
}

func TestProcess_NonRetryable(t *testing.T) {
	for _, e := range []error{extract.ErrUnsupported, llm.ErrAuthInvalid, model.ErrNotFound} {
		s := new(mockSummarizer)
		s.On("Summarize", mock.Anything, int64(7), "").Return(nil, e)

		w := testWorker(s, new(mockRecords))
		assert.ErrorIs(t, w.process(context.Background(), &model.Summary{ID: 7}), e)
		s.AssertNumberOfCalls(t, "Summarize", 1)
	}
}

func TestProcess_CancelledDuringRetryWait(t *testing.T) {
	s := new(mockSummarizer)
	s.On("Summarize", mock.Anything, int64(7), "").Return(nil, llm.ErrRateLimited)

	w := testWorker(s, new(mockRecords))
	w.retryInterval = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := w.process(ctx, &model.Summary{ID: 7})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	s.AssertNumberOfCalls(t, "Summarize", 1)
}

func TestStart_InvalidCron(t *testing.T) {
	w := newWorker(new(mockSummarizer), new(mockRecords), &config.Worker{Cron: "not a cron"})
	assert.Error(t, w.Start())
}

func TestStartStop(t *testing.T) {
	records := new(mockRecords)
	records.On("ListByStatus", mock.Anything, model.StatusProcessing, 0).Return([]*model.Summary{}, nil)
	swept := make(chan struct{})
	var once sync.Once
	records.On("ListByStatus", mock.Anything, model.StatusPending, 10).
		Run(func(mock.Arguments) { once.Do(func() { close(swept) }) }).
		Return([]*model.Summary{}, nil)

	w := testWorker(new(mockSummarizer), records)
	require.NoError(t, w.Start())

	select {
	case <-swept:
	case <-time.After(time.Second):
		t.Fatal("启动后未执行首轮处理")
	}
	w.Stop()
	records.AssertExpectations(t)
}
