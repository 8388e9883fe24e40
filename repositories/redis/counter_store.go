package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/upb/llm-router/services/quota"
)

// keyGrace keeps a finished window around briefly so late readers still see it
const keyGrace = time.Minute

// admitScript checks every counter against its limit, then increments all of
// them. ARGV holds (limit, ttl ms) pairs in KEYS order.
var admitScript = redis.NewScript(`
for i, key in ipairs(KEYS) do
	local current = tonumber(redis.call("GET", key) or "0")
	if current >= tonumber(ARGV[i * 2 - 1]) then
		return 0
	end
end
for i, key in ipairs(KEYS) do
	redis.call("INCR", key)
	redis.call("PEXPIRE", key, ARGV[i * 2])
end
return 1
`)

// CounterStore keeps quota counters in Redis so several router processes
// share one budget per provider.
type CounterStore struct {
	client redis.UniversalClient
	prefix string
}

// NewCounterStore wraps a connected client
func NewCounterStore(client redis.UniversalClient, prefix string) *CounterStore {
	if prefix == "" {
		prefix = "llmrouter"
	}
	return &CounterStore{client: client, prefix: prefix}
}

func (s *CounterStore) makeKey(provider string, b quota.Bucket) string {
	return fmt.Sprintf("%s:quota:%s:%s:%s", s.prefix, provider, b.Period, b.Key)
}

// Admit implements quota.CounterStore
func (s *CounterStore) Admit(ctx context.Context, provider string, buckets []quota.Bucket) (bool, error) {
	keys := make([]string, len(buckets))
	args := make([]interface{}, 0, len(buckets)*2)
	for i, b := range buckets {
		keys[i] = s.makeKey(provider, b)
		// the key names its window, so a full window length is always enough
		ttl := b.End.Sub(b.Start) + keyGrace
		args = append(args, b.Limit, ttl.Milliseconds())
	}

	res, err := admitScript.Run(ctx, s.client, keys, args...).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to execute admit script: %w", err)
	}
	return res == 1, nil
}

// Counts implements quota.CounterStore
func (s *CounterStore) Counts(ctx context.Context, provider string, buckets []quota.Bucket) ([]int, error) {
	keys := make([]string, len(buckets))
	for i, b := range buckets {
		keys[i] = s.makeKey(provider, b)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to MGET counters: %w", err)
	}

	counts := make([]int, len(buckets))
	for i, val := range values {
		str, ok := val.(string)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(str)
		if err != nil {
			return nil, fmt.Errorf("counter %s is not an integer: %w", keys[i], err)
		}
		counts[i] = n
	}
	return counts, nil
}

// Ping checks connectivity for readiness probes
func (s *CounterStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
