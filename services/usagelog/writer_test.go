package usagelog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/upb/llm-router/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// MockUsageRepository is a mock implementation of UsageRepository
type MockUsageRepository struct {
	mock.Mock
	mu       sync.Mutex
	inserted []models.UsageRecord
	block    chan struct{}
}

func (m *MockUsageRepository) Insert(ctx context.Context, record *models.UsageRecord) error {
	if m.block != nil {
		<-m.block
	}
	args := m.Called(ctx, record)
	if args.Error(0) == nil {
		m.mu.Lock()
		m.inserted = append(m.inserted, *record)
		m.mu.Unlock()
	}
	return args.Error(0)
}

func (m *MockUsageRepository) InsertBatch(ctx context.Context, records []models.UsageRecord) error {
	args := m.Called(ctx, records)
	return args.Error(0)
}

func (m *MockUsageRepository) ListSince(ctx context.Context, since time.Time) ([]models.UsageRecord, error) {
	args := m.Called(ctx, since)
	return nil, args.Error(1)
}

func (m *MockUsageRepository) SummarizeBetween(ctx context.Context, from, to time.Time) ([]models.UsageSummary, error) {
	args := m.Called(ctx, from, to)
	return nil, args.Error(1)
}

func (m *MockUsageRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return 0, args.Error(1)
}

func (m *MockUsageRepository) Inserted() []models.UsageRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.UsageRecord, len(m.inserted))
	copy(out, m.inserted)
	return out
}

func record(provider string) models.UsageRecord {
	return *models.NewUsageRecord(provider, "general", time.Now())
}

func TestWriter_PersistsSubmittedRecords(t *testing.T) {
	repo := &MockUsageRepository{}
	repo.On("Insert", mock.Anything, mock.Anything).Return(nil)

	w := NewWriter(repo, zap.NewNop(), Config{BufferSize: 10, WorkerCount: 3})
	require.NoError(t, w.Start())

	for i := 0; i < 5; i++ {
		w.Submit(record("groq_llama"))
	}
	require.NoError(t, w.Stop(time.Second))

	assert.Len(t, repo.Inserted(), 5)
	stats := w.GetStats()
	assert.Equal(t, int64(5), stats.Written)
	assert.Zero(t, stats.Dropped)
	assert.False(t, stats.Running)
	repo.AssertNumberOfCalls(t, "Insert", 5)
}

func TestWriter_DropsWhenFull(t *testing.T) {
	repo := &MockUsageRepository{block: make(chan struct{})}
	repo.On("Insert", mock.Anything, mock.Anything).Return(nil)

	w := NewWriter(repo, zap.NewNop(), Config{BufferSize: 1, WorkerCount: 1})
	require.NoError(t, w.Start())

	// first record is held by the blocked worker, second fills the buffer
	w.Submit(record("a"))
	require.Eventually(t, func() bool { return w.GetStats().PendingRecords == 0 }, time.Second, time.Millisecond)
	w.Submit(record("a"))
	w.Submit(record("a"))

	assert.Equal(t, int64(1), w.GetStats().Dropped)

	close(repo.block)
	require.NoError(t, w.Stop(time.Second))
	assert.Len(t, repo.Inserted(), 2)
}

func TestWriter_CountsFailures(t *testing.T) {
	repo := &MockUsageRepository{}
	repo.On("Insert", mock.Anything, mock.Anything).Return(errors.New("connection refused"))

	w := NewWriter(repo, zap.NewNop(), Config{BufferSize: 4, WorkerCount: 1})
	require.NoError(t, w.Start())
	w.Submit(record("a"))
	w.Submit(record("b"))
	require.NoError(t, w.Stop(time.Second))

	stats := w.GetStats()
	assert.Equal(t, int64(2), stats.Failed)
	assert.Zero(t, stats.Written)
}

func TestWriter_Lifecycle(t *testing.T) {
	repo := &MockUsageRepository{}
	repo.On("Insert", mock.Anything, mock.Anything).Return(nil)
	w := NewWriter(repo, nil, Config{})

	assert.Equal(t, DefaultConfig().BufferSize, w.GetStats().BufferSize)
	assert.Error(t, w.Stop(time.Second), "stop before start")

	w.Submit(record("a"))
	assert.Equal(t, int64(1), w.GetStats().Dropped, "submit before start drops")

	require.NoError(t, w.Start())
	assert.Error(t, w.Start(), "double start")
	assert.True(t, w.GetStats().Running)

	require.NoError(t, w.Stop(time.Second))
	assert.Error(t, w.Stop(time.Second), "double stop")

	assert.NotPanics(t, func() { w.Submit(record("a")) })
	assert.Equal(t, int64(2), w.GetStats().Dropped)
}
