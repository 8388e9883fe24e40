package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/upb/llm-router/models"
)

// Key derives the cache key of a completion. Prompts differing only in
// surrounding whitespace or line endings share a key.
func Key(prompt, taskType, model string, temperature float64) string {
	normalized := strings.TrimSpace(strings.ReplaceAll(prompt, "\r\n", "\n"))

	h := sha256.New()
	for _, part := range []string{
		normalized,
		taskType,
		model,
		strconv.FormatFloat(temperature, 'g', -1, 64),
	} {
		// length-prefix each field so boundaries cannot collide
		h.Write([]byte(strconv.Itoa(len(part))))
		h.Write([]byte{':'})
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Meta describes where a cached response came from
type Meta struct {
	Provider string
	Model    string
	TaskType string
}

type entry struct {
	key        string
	response   string
	meta       Meta
	insertedAt time.Time
	element    *list.Element
}

// ResponseCache is an in-memory LRU cache with TTL for completion texts
type ResponseCache struct {
	mu        sync.Mutex
	entries   map[string]*entry
	lruList   *list.List
	maxSize   int
	ttl       time.Duration
	now       func() time.Time
	hits      uint64
	misses    uint64
	evictions uint64
}

// New creates a cache holding at most maxSize entries for ttl each
func New(maxSize int, ttl time.Duration) *ResponseCache {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &ResponseCache{
		entries: make(map[string]*entry),
		lruList: list.New(),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// WithClock overrides time.Now, for tests
func (c *ResponseCache) WithClock(now func() time.Time) *ResponseCache {
	c.now = now
	return c
}

func (c *ResponseCache) expired(e *entry) bool {
	return c.ttl > 0 && c.now().Sub(e.insertedAt) > c.ttl
}

// Get returns the cached response and marks it most recently used
func (c *ResponseCache) Get(key string) (string, bool) {
	resp, _, ok := c.Lookup(key)
	return resp, ok
}

// Lookup is Get plus the metadata stored with the response
func (c *ResponseCache) Lookup(key string) (string, Meta, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || c.expired(e) {
		c.misses++
		if ok {
			c.removeEntry(key)
		}
		return "", Meta{}, false
	}

	c.lruList.MoveToFront(e.element)
	c.hits++
	return e.response, e.meta, true
}

// Put stores response under key. Empty responses are ignored.
func (c *ResponseCache) Put(key, response string) {
	c.PutWithMeta(key, response, Meta{})
}

// PutWithMeta stores response with its origin
func (c *ResponseCache) PutWithMeta(key, response string, meta Meta) {
	if strings.TrimSpace(response) == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.putLocked(key, response, meta, c.now())
}

func (c *ResponseCache) putLocked(key, response string, meta Meta, at time.Time) {
	if e, ok := c.entries[key]; ok {
		e.response = response
		e.meta = meta
		e.insertedAt = at
		c.lruList.MoveToFront(e.element)
		return
	}

	if c.lruList.Len() >= c.maxSize {
		c.removeExpiredLocked()
	}
	for c.lruList.Len() >= c.maxSize {
		c.evictLRU()
	}

	e := &entry{key: key, response: response, meta: meta, insertedAt: at}
	e.element = c.lruList.PushFront(key)
	c.entries[key] = e
}

// Len returns the number of entries, expired ones included until swept
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

// Clear removes all entries from the cache
func (c *ResponseCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*entry)
	c.lruList.Init()
}

// Stats represents cache statistics
type Stats struct {
	Size      int     `json:"size"`
	MaxSize   int     `json:"max_size"`
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}

// Stats returns cache statistics
func (c *ResponseCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Size:      c.lruList.Len(),
		MaxSize:   c.maxSize,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// must be called with lock held
func (c *ResponseCache) removeEntry(key string) {
	if e, ok := c.entries[key]; ok {
		c.lruList.Remove(e.element)
		delete(c.entries, key)
	}
}

// must be called with lock held
func (c *ResponseCache) evictLRU() {
	back := c.lruList.Back()
	if back == nil {
		return
	}
	key := back.Value.(string)
	c.lruList.Remove(back)
	delete(c.entries, key)
	c.evictions++
}

// CleanupExpired removes all expired entries and returns how many went
func (c *ResponseCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.removeExpiredLocked()
}

// must be called with lock held
func (c *ResponseCache) removeExpiredLocked() int {
	var expired []string
	for key, e := range c.entries {
		if c.expired(e) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		c.removeEntry(key)
	}
	return len(expired)
}

// StartCleanupWorker sweeps expired entries every interval until stopCh closes
func (c *ResponseCache) StartCleanupWorker(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.CleanupExpired()
		case <-stopCh:
			return
		}
	}
}

// Entries exports live entries from least to most recently used, so loading
// them back in order reproduces recency.
func (c *ResponseCache) Entries() []models.CacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]models.CacheEntry, 0, c.lruList.Len())
	for el := c.lruList.Back(); el != nil; el = el.Prev() {
		e := c.entries[el.Value.(string)]
		if c.expired(e) {
			continue
		}
		out = append(out, models.CacheEntry{
			Key:       e.key,
			Response:  e.response,
			Provider:  e.meta.Provider,
			Model:     e.meta.Model,
			TaskType:  e.meta.TaskType,
			CreatedAt: e.insertedAt,
			ExpiresAt: e.insertedAt.Add(c.ttl),
		})
	}
	return out
}

// Load inserts persisted entries, skipping expired and empty ones. Returns
// the number loaded.
func (c *ResponseCache) Load(entries []models.CacheEntry) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	loaded := 0
	for i := range entries {
		e := &entries[i]
		if e.Expired(now) || strings.TrimSpace(e.Response) == "" {
			continue
		}
		at := e.CreatedAt
		if c.ttl > 0 && now.Sub(at) > c.ttl {
			continue
		}
		c.putLocked(e.Key, e.Response, Meta{Provider: e.Provider, Model: e.Model, TaskType: e.TaskType}, at)
		loaded++
	}
	return loaded
}
