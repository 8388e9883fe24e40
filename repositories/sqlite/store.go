package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/upb/llm-router/models"
	"github.com/upb/llm-router/services/quota"
)

// Store keeps quota counters, the usage log and cache snapshots in a single
// SQLite file so a lone router process survives restarts.
type Store struct {
	db *sql.DB
	mu sync.Mutex // serialises read-check-write admission
}

// NewStore opens (or creates) the database at path and applies the schema.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database for readiness probes
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS quota_counters (
		provider TEXT NOT NULL,
		period TEXT NOT NULL,
		bucket_key TEXT NOT NULL,
		count INTEGER NOT NULL,
		PRIMARY KEY (provider, period)
	);

	CREATE TABLE IF NOT EXISTS usage_records (
		id TEXT PRIMARY KEY,
		provider TEXT NOT NULL,
		task_type TEXT NOT NULL,
		model TEXT,
		ts_unix_ms INTEGER NOT NULL,
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		cost REAL NOT NULL DEFAULT 0,
		latency_ms INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_usage_records_ts ON usage_records(ts_unix_ms);

	CREATE TABLE IF NOT EXISTS cache_entries (
		cache_key TEXT PRIMARY KEY,
		response TEXT NOT NULL,
		provider TEXT,
		model TEXT,
		task_type TEXT,
		created_unix_ms INTEGER NOT NULL,
		expires_unix_ms INTEGER NOT NULL
	);
	`

	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

// Admit implements quota.CounterStore. A stored counter whose bucket key no
// longer matches the current window counts as zero.
func (s *Store) Admit(ctx context.Context, provider string, buckets []quota.Bucket) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	counts, err := readCounts(ctx, tx, provider, buckets)
	if err != nil {
		return false, err
	}
	for i, b := range buckets {
		if counts[i] >= b.Limit {
			return false, nil
		}
	}

	for i, b := range buckets {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO quota_counters (provider, period, bucket_key, count)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(provider, period) DO UPDATE SET bucket_key = excluded.bucket_key, count = excluded.count
		`, provider, string(b.Period), b.Key, counts[i]+1)
		if err != nil {
			return false, fmt.Errorf("failed to update %s counter: %w", b.Period, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit admission: %w", err)
	}
	return true, nil
}

// Counts implements quota.CounterStore
func (s *Store) Counts(ctx context.Context, provider string, buckets []quota.Bucket) ([]int, error) {
	return readCounts(ctx, s.db, provider, buckets)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func readCounts(ctx context.Context, q querier, provider string, buckets []quota.Bucket) ([]int, error) {
	counts := make([]int, len(buckets))
	for i, b := range buckets {
		var key string
		var count int
		err := q.QueryRowContext(ctx,
			`SELECT bucket_key, count FROM quota_counters WHERE provider = ? AND period = ?`,
			provider, string(b.Period)).Scan(&key, &count)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s counter: %w", b.Period, err)
		}
		if key == b.Key {
			counts[i] = count
		}
	}
	return counts, nil
}

// Insert implements repositories.UsageRepository
func (s *Store) Insert(ctx context.Context, record *models.UsageRecord) error {
	return s.InsertBatch(ctx, []models.UsageRecord{*record})
}

// InsertBatch implements repositories.UsageRepository
func (s *Store) InsertBatch(ctx context.Context, records []models.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO usage_records (
			id, provider, task_type, model, ts_unix_ms,
			prompt_tokens, completion_tokens, total_tokens, cost, latency_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx,
			r.ID.String(), r.Provider, r.TaskType, r.Model, r.Timestamp.UnixMilli(),
			r.PromptTokens, r.CompletionTokens, r.TotalTokens, r.Cost, r.LatencyMs,
		); err != nil {
			return fmt.Errorf("failed to insert usage record: %w", err)
		}
	}

	return tx.Commit()
}

// ListSince implements repositories.UsageRepository
func (s *Store) ListSince(ctx context.Context, since time.Time) ([]models.UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider, task_type, model, ts_unix_ms,
		       prompt_tokens, completion_tokens, total_tokens, cost, latency_ms
		FROM usage_records
		WHERE ts_unix_ms >= ?
		ORDER BY ts_unix_ms ASC
	`, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query usage records: %w", err)
	}
	defer rows.Close()

	var records []models.UsageRecord
	for rows.Next() {
		var (
			r     models.UsageRecord
			id    string
			model sql.NullString
			ts    int64
		)
		if err := rows.Scan(&id, &r.Provider, &r.TaskType, &model, &ts,
			&r.PromptTokens, &r.CompletionTokens, &r.TotalTokens, &r.Cost, &r.LatencyMs); err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("corrupt usage record id %q: %w", id, err)
		}
		r.Model = model.String
		r.Timestamp = time.UnixMilli(ts).UTC()
		records = append(records, r)
	}
	return records, rows.Err()
}

// SummarizeBetween implements repositories.UsageRepository
func (s *Store) SummarizeBetween(ctx context.Context, from, to time.Time) ([]models.UsageSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT provider, COUNT(*), COALESCE(SUM(total_tokens), 0), COALESCE(SUM(cost), 0)
		FROM usage_records
		WHERE ts_unix_ms >= ? AND ts_unix_ms < ?
		GROUP BY provider
		ORDER BY provider
	`, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to summarize usage: %w", err)
	}
	defer rows.Close()

	var out []models.UsageSummary
	for rows.Next() {
		var sum models.UsageSummary
		if err := rows.Scan(&sum.Provider, &sum.Requests, &sum.Tokens, &sum.Cost); err != nil {
			return nil, fmt.Errorf("failed to scan usage summary: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// DeleteOlderThan implements repositories.UsageRepository
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM usage_records WHERE ts_unix_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete usage records: %w", err)
	}
	return res.RowsAffected()
}

// SaveCacheEntries implements repositories.CacheRepository
func (s *Store) SaveCacheEntries(ctx context.Context, entries []models.CacheEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		return fmt.Errorf("failed to clear cache snapshot: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO cache_entries (
			cache_key, response, provider, model, task_type, created_unix_ms, expires_unix_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare cache insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.Key, e.Response, e.Provider, e.Model, e.TaskType,
			e.CreatedAt.UnixMilli(), e.ExpiresAt.UnixMilli()); err != nil {
			return fmt.Errorf("failed to insert cache entry: %w", err)
		}
	}

	return tx.Commit()
}

// LoadCacheEntries implements repositories.CacheRepository
func (s *Store) LoadCacheEntries(ctx context.Context, now time.Time) ([]models.CacheEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cache_key, response, provider, model, task_type, created_unix_ms, expires_unix_ms
		FROM cache_entries
		WHERE expires_unix_ms > ?
		ORDER BY created_unix_ms ASC
	`, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query cache entries: %w", err)
	}
	defer rows.Close()

	var out []models.CacheEntry
	for rows.Next() {
		var (
			e                         models.CacheEntry
			provider, model, taskType sql.NullString
			created, expires          int64
		)
		if err := rows.Scan(&e.Key, &e.Response, &provider, &model, &taskType, &created, &expires); err != nil {
			return nil, fmt.Errorf("failed to scan cache entry: %w", err)
		}
		e.Provider = provider.String
		e.Model = model.String
		e.TaskType = taskType.String
		e.CreatedAt = time.UnixMilli(created)
		e.ExpiresAt = time.UnixMilli(expires)
		out = append(out, e)
	}
	return out, rows.Err()
}
