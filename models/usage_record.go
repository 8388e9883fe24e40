package models

import (
	"time"

	"github.com/google/uuid"
)

// UsageRecord is one successful provider call. Records are append-only.
type UsageRecord struct {
	ID               uuid.UUID `json:"id" db:"id"`
	Provider         string    `json:"provider" db:"provider"`
	TaskType         string    `json:"task_type" db:"task_type"`
	Model            string    `json:"model" db:"model"`
	Timestamp        time.Time `json:"timestamp" db:"timestamp"`
	PromptTokens     int       `json:"prompt_tokens" db:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens" db:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens" db:"total_tokens"`
	Cost             float64   `json:"cost" db:"cost"`
	LatencyMs        int64     `json:"latency_ms" db:"latency_ms"`
}

// TableName returns the table name for the UsageRecord model
func (UsageRecord) TableName() string {
	return "usage_records"
}

// NewUsageRecord creates a record stamped with a fresh ID and the given time
func NewUsageRecord(provider, taskType string, at time.Time) *UsageRecord {
	return &UsageRecord{
		ID:        uuid.New(),
		Provider:  provider,
		TaskType:  taskType,
		Timestamp: at,
	}
}

// Tokens returns TotalTokens, falling back to the sum of its parts
func (r *UsageRecord) Tokens() int {
	if r.TotalTokens > 0 {
		return r.TotalTokens
	}
	return r.PromptTokens + r.CompletionTokens
}

// UsageSummary aggregates usage for one provider over a period
type UsageSummary struct {
	Provider string  `json:"provider"`
	Requests int     `json:"requests"`
	Tokens   int     `json:"tokens"`
	Cost     float64 `json:"cost"`
}

// Add folds a record into the summary
func (s *UsageSummary) Add(r *UsageRecord) {
	s.Requests++
	s.Tokens += r.Tokens()
	s.Cost += r.Cost
}
