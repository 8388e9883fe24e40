package postgres

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/upb/llm-router/models"
	"github.com/upb/llm-router/repositories"
)

const insertUsageQuery = `
	INSERT INTO usage_records (
		id, provider, task_type, model, timestamp,
		prompt_tokens, completion_tokens, total_tokens, cost, latency_ms
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (id) DO NOTHING
`

// UsageRepository implements repositories.UsageRepository on PostgreSQL
type UsageRepository struct {
	db     *DB
	tm     repositories.TransactionManager
	logger *zap.Logger
}

// NewUsageRepository creates a new usage repository
func NewUsageRepository(db *DB, logger *zap.Logger) *UsageRepository {
	return &UsageRepository{
		db:     db,
		tm:     NewTransactionManager(db, logger),
		logger: logger,
	}
}

// Insert inserts a single usage record
func (r *UsageRepository) Insert(ctx context.Context, record *models.UsageRecord) error {
	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, insertUsageQuery,
		record.ID,
		record.Provider,
		record.TaskType,
		record.Model,
		record.Timestamp,
		record.PromptTokens,
		record.CompletionTokens,
		record.TotalTokens,
		record.Cost,
		record.LatencyMs,
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}

	r.logger.Debug("usage record inserted",
		zap.String("id", record.ID.String()),
		zap.String("provider", record.Provider))
	return nil
}

// InsertBatch inserts records in one transaction
func (r *UsageRepository) InsertBatch(ctx context.Context, records []models.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}
	return r.tm.InTransaction(ctx, func(ctx context.Context, _ repositories.Transaction) error {
		for i := range records {
			if err := r.Insert(ctx, &records[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListSince returns records at or after since, oldest first
func (r *UsageRepository) ListSince(ctx context.Context, since time.Time) ([]models.UsageRecord, error) {
	query := `
		SELECT id, provider, task_type, model, timestamp,
		       prompt_tokens, completion_tokens, total_tokens, cost, latency_ms
		FROM usage_records
		WHERE timestamp >= $1
		ORDER BY timestamp ASC
	`

	rows, err := GetExecutor(ctx, r.db).QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage records: %w", err)
	}
	defer rows.Close()

	var records []models.UsageRecord
	for rows.Next() {
		var rec models.UsageRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.Provider,
			&rec.TaskType,
			&rec.Model,
			&rec.Timestamp,
			&rec.PromptTokens,
			&rec.CompletionTokens,
			&rec.TotalTokens,
			&rec.Cost,
			&rec.LatencyMs,
		); err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage records: %w", err)
	}

	return records, nil
}

// SummarizeBetween aggregates usage per provider in [from, to)
func (r *UsageRepository) SummarizeBetween(ctx context.Context, from, to time.Time) ([]models.UsageSummary, error) {
	query := `
		SELECT provider, COUNT(*), COALESCE(SUM(total_tokens), 0), COALESCE(SUM(cost), 0)
		FROM usage_records
		WHERE timestamp >= $1 AND timestamp < $2
		GROUP BY provider
		ORDER BY provider
	`

	rows, err := GetExecutor(ctx, r.db).QueryContext(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize usage: %w", err)
	}
	defer rows.Close()

	var out []models.UsageSummary
	for rows.Next() {
		var s models.UsageSummary
		if err := rows.Scan(&s.Provider, &s.Requests, &s.Tokens, &s.Cost); err != nil {
			return nil, fmt.Errorf("failed to scan usage summary: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// DeleteOlderThan removes records before cutoff
func (r *UsageRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := GetExecutor(ctx, r.db).ExecContext(ctx,
		`DELETE FROM usage_records WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete usage records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n > 0 {
		r.logger.Info("deleted expired usage records", zap.Int64("count", n))
	}
	return n, nil
}
