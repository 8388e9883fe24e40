package quota

import (
	"context"
	"sync"
)

// CounterStore holds admission counters. Admit must check every bucket and
// increment all of them as one atomic step per provider: either every counter
// is below its limit and all are incremented, or nothing changes.
type CounterStore interface {
	Admit(ctx context.Context, provider string, buckets []Bucket) (bool, error)
	Counts(ctx context.Context, provider string, buckets []Bucket) ([]int, error)
}

type counter struct {
	key   string
	count int
}

type providerCounters struct {
	mu       sync.Mutex
	counters map[Period]*counter
}

// current returns the count for b, treating a stale window as zero
func (pc *providerCounters) current(b Bucket) int {
	c, ok := pc.counters[b.Period]
	if !ok || c.key != b.Key {
		return 0
	}
	return c.count
}

// MemoryCounterStore keeps counters in process memory. State is lost on restart.
type MemoryCounterStore struct {
	mu        sync.Mutex
	providers map[string]*providerCounters
}

// NewMemoryCounterStore creates an empty in-memory store
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{providers: make(map[string]*providerCounters)}
}

func (s *MemoryCounterStore) get(provider string) *providerCounters {
	s.mu.Lock()
	defer s.mu.Unlock()

	pc, ok := s.providers[provider]
	if !ok {
		pc = &providerCounters{counters: make(map[Period]*counter)}
		s.providers[provider] = pc
	}
	return pc
}

// Admit implements CounterStore
func (s *MemoryCounterStore) Admit(_ context.Context, provider string, buckets []Bucket) (bool, error) {
	pc := s.get(provider)
	pc.mu.Lock()
	defer pc.mu.Unlock()

	for _, b := range buckets {
		if pc.current(b) >= b.Limit {
			return false, nil
		}
	}

	for _, b := range buckets {
		c, ok := pc.counters[b.Period]
		if !ok || c.key != b.Key {
			c = &counter{key: b.Key}
			pc.counters[b.Period] = c
		}
		c.count++
	}
	return true, nil
}

// Counts implements CounterStore
func (s *MemoryCounterStore) Counts(_ context.Context, provider string, buckets []Bucket) ([]int, error) {
	pc := s.get(provider)
	pc.mu.Lock()
	defer pc.mu.Unlock()

	counts := make([]int, len(buckets))
	for i, b := range buckets {
		counts[i] = pc.current(b)
	}
	return counts, nil
}
