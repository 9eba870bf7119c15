// Package cache implements a byte-budgeted result cache with strict
// least-recently-used eviction and age-based sweeping. It exists to avoid
// recomputing an analysis for inputs that have already been processed.
package cache

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"github.com/keytempo/keytempo-go/internal/logging"
	"github.com/keytempo/keytempo-go/internal/observability"
)

// DefaultBudgetBytes bounds the cache at 100MB unless configured otherwise.
const DefaultBudgetBytes int64 = 100 * 1024 * 1024

// DefaultMaxAge is the idle age beyond which the sweep removes entries.
const DefaultMaxAge = 5 * time.Minute

// Entry is one cached value with its accounting metadata.
type Entry struct {
	Key          string
	Value        any
	SizeBytes    int64
	CreatedAt    time.Time
	LastAccessAt time.Time
	AccessCount  int64
}

// Stats is a snapshot of cache accounting.
type Stats struct {
	EntryCount  int
	TotalBytes  int64
	BudgetBytes int64
	Hits        int64
	Misses      int64
	Evictions   int64
}

// ResultCache maps fingerprints to previously computed results. All methods
// are safe for concurrent use.
type ResultCache struct {
	mu          sync.Mutex
	entries     map[string]*list.Element
	order       *list.List // front = most recently used
	totalBytes  int64
	budgetBytes int64
	hits        int64
	misses      int64
	evictions   int64
	logger      *slog.Logger
	metrics     *observability.Metrics
	now         func() time.Time
}

// New creates a cache with the given byte budget. A non-positive budget
// falls back to DefaultBudgetBytes.
func New(budgetBytes int64) *ResultCache {
	if budgetBytes <= 0 {
		budgetBytes = DefaultBudgetBytes
	}
	return &ResultCache{
		entries:     make(map[string]*list.Element),
		order:       list.New(),
		budgetBytes: budgetBytes,
		logger:      logging.ForService("cache").With("component", "result_cache"),
		now:         time.Now,
	}
}

// SetMetrics attaches eviction event recording. May be left unset; a nil
// metrics handle is a no-op.
func (c *ResultCache) SetMetrics(m *observability.Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = m
}

// Get returns the cached value for key. The boolean result distinguishes a
// miss from a cached nil. A hit refreshes the entry's access metadata.
func (c *ResultCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}

	entry := elem.Value.(*Entry)
	entry.LastAccessAt = c.now()
	entry.AccessCount++
	c.order.MoveToFront(elem)
	c.hits++
	return entry.Value, true
}

// Put inserts value under key, evicting least-recently-used entries until
// the budget is respected. Re-inserting an existing key replaces the old
// entry without double counting its size. Values larger than the whole
// budget are not cached.
func (c *ResultCache) Put(key string, value any, sizeBytes int64) {
	if sizeBytes < 0 {
		sizeBytes = 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem)
	}

	if sizeBytes > c.budgetBytes {
		c.logger.Warn("value exceeds cache budget, not caching",
			"key", key,
			"size_bytes", sizeBytes,
			"budget_bytes", c.budgetBytes)
		return
	}

	for c.totalBytes+sizeBytes > c.budgetBytes {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
		c.evictions++
		c.metrics.RecordCacheEvent("eviction")
	}

	now := c.now()
	entry := &Entry{
		Key:          key,
		Value:        value,
		SizeBytes:    sizeBytes,
		CreatedAt:    now,
		LastAccessAt: now,
	}
	c.entries[key] = c.order.PushFront(entry)
	c.totalBytes += sizeBytes
}

// EvictOlderThan removes entries idle longer than maxAge and returns how
// many were removed. Invoked opportunistically under memory pressure.
func (c *ResultCache) EvictOlderThan(maxAge time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-maxAge)
	removed := 0
	for elem := c.order.Back(); elem != nil; {
		prev := elem.Prev()
		if elem.Value.(*Entry).LastAccessAt.Before(cutoff) {
			c.removeLocked(elem)
			c.evictions++
			c.metrics.RecordCacheEvent("eviction")
			removed++
		}
		elem = prev
	}
	if removed > 0 {
		c.logger.Debug("age sweep evicted entries", "removed", removed, "max_age", maxAge)
	}
	return removed
}

// Clear drops all entries and resets the accounted size to zero.
func (c *ResultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
	c.totalBytes = 0
}

// Stats returns a snapshot of the cache accounting.
func (c *ResultCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		EntryCount:  len(c.entries),
		TotalBytes:  c.totalBytes,
		BudgetBytes: c.budgetBytes,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
	}
}

// removeLocked unlinks elem and adjusts accounting. Caller holds c.mu.
func (c *ResultCache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*Entry)
	c.order.Remove(elem)
	delete(c.entries, entry.Key)
	c.totalBytes -= entry.SizeBytes
	if c.totalBytes < 0 {
		c.totalBytes = 0
	}
}
