package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/upb/llm-router/models"
)

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("not found")

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction.
	// Commits if fn succeeds, rolls back on error.
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	Commit() error
	Rollback() error
	Context() context.Context
}

// UsageRepository persists the usage log of successful provider calls
type UsageRepository interface {
	// Insert stores a single record
	Insert(ctx context.Context, record *models.UsageRecord) error

	// InsertBatch stores records atomically
	InsertBatch(ctx context.Context, records []models.UsageRecord) error

	// ListSince returns records at or after since, oldest first
	ListSince(ctx context.Context, since time.Time) ([]models.UsageRecord, error)

	// SummarizeBetween aggregates requests, tokens and cost per provider in [from, to)
	SummarizeBetween(ctx context.Context, from, to time.Time) ([]models.UsageSummary, error)

	// DeleteOlderThan removes records before cutoff and reports how many went
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// CacheRepository snapshots the response cache across restarts
type CacheRepository interface {
	// SaveCacheEntries replaces the stored snapshot
	SaveCacheEntries(ctx context.Context, entries []models.CacheEntry) error

	// LoadCacheEntries returns entries that have not expired at now
	LoadCacheEntries(ctx context.Context, now time.Time) ([]models.CacheEntry, error)
}

// Repositories holds the repositories of one backing store
type Repositories struct {
	Usage UsageRepository
	Cache CacheRepository // nil when the store cannot hold cache snapshots
}
