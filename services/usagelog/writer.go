package usagelog

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/upb/llm-router/models"
	"github.com/upb/llm-router/repositories"
)

// Config holds configuration for the Writer
type Config struct {
	BufferSize   int           // Size of the record channel
	WorkerCount  int           // Number of concurrent workers
	WriteTimeout time.Duration // Bound on a single repository insert
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:   1000,
		WorkerCount:  2,
		WriteTimeout: 5 * time.Second,
	}
}

// Writer persists usage records in the background. It implements
// quota.UsageSink.
type Writer struct {
	repo    repositories.UsageRepository
	logger  *zap.Logger
	records chan models.UsageRecord
	cfg     Config
	wg      sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool

	written atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

// NewWriter creates a new Writer
func NewWriter(repo repositories.UsageRepository, logger *zap.Logger, cfg Config) *Writer {
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = def.WorkerCount
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		repo:    repo,
		logger:  logger,
		records: make(chan models.UsageRecord, cfg.BufferSize),
		cfg:     cfg,
	}
}

// Start starts the background workers
func (w *Writer) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return fmt.Errorf("usage writer already started")
	}
	for i := 0; i < w.cfg.WorkerCount; i++ {
		w.wg.Add(1)
		go w.worker(i)
	}
	w.started = true
	w.logger.Info("started usage writer",
		zap.Int("worker_count", w.cfg.WorkerCount),
		zap.Int("buffer_size", w.cfg.BufferSize))
	return nil
}

// Stop drains queued records and waits for the workers, up to timeout
func (w *Writer) Stop(timeout time.Duration) error {
	w.mu.Lock()
	if !w.started || w.stopped {
		w.mu.Unlock()
		return fmt.Errorf("usage writer not running")
	}
	w.stopped = true
	close(w.records)
	w.mu.Unlock()

	w.logger.Info("stopping usage writer", zap.Int("pending_records", len(w.records)))

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		w.logger.Info("usage writer stopped gracefully", zap.Int64("written", w.written.Load()))
		return nil
	case <-timer.C:
		return fmt.Errorf("usage writer stop timeout after %v", timeout)
	}
}

// Submit queues a record without blocking. Records are dropped with a warning
// when the buffer is full or the writer is not running.
func (w *Writer) Submit(record models.UsageRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started || w.stopped {
		w.dropped.Add(1)
		w.logger.Warn("usage writer not running, dropping record", zap.String("provider", record.Provider))
		return
	}
	select {
	case w.records <- record:
	default:
		w.dropped.Add(1)
		w.logger.Warn("usage record buffer full, dropping record",
			zap.String("provider", record.Provider),
			zap.String("id", record.ID.String()))
	}
}

func (w *Writer) worker(id int) {
	defer w.wg.Done()

	w.logger.Debug("usage worker started", zap.Int("worker_id", id))
	for record := range w.records {
		if err := w.write(record); err != nil {
			w.failed.Add(1)
			w.logger.Error("failed to persist usage record",
				zap.Int("worker_id", id),
				zap.String("provider", record.Provider),
				zap.Error(err))
			continue
		}
		w.written.Add(1)
	}
	w.logger.Debug("usage worker stopped", zap.Int("worker_id", id))
}

func (w *Writer) write(record models.UsageRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.WriteTimeout)
	defer cancel()

	if err := w.repo.Insert(ctx, &record); err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Stats represents usage writer statistics
type Stats struct {
	BufferSize     int   `json:"buffer_size"`
	PendingRecords int   `json:"pending_records"`
	WorkerCount    int   `json:"worker_count"`
	Written        int64 `json:"written"`
	Dropped        int64 `json:"dropped"`
	Failed         int64 `json:"failed"`
	Running        bool  `json:"running"`
}

// GetStats returns statistics about the writer
func (w *Writer) GetStats() Stats {
	w.mu.Lock()
	running := w.started && !w.stopped
	w.mu.Unlock()

	return Stats{
		BufferSize:     w.cfg.BufferSize,
		PendingRecords: len(w.records),
		WorkerCount:    w.cfg.WorkerCount,
		Written:        w.written.Load(),
		Dropped:        w.dropped.Load(),
		Failed:         w.failed.Load(),
		Running:        running,
	}
}
