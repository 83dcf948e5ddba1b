package ranking

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sells-group/innsight/internal/model"
)

// ResultCache is a concurrent-safe LRU cache of ranked responses keyed by
// response validator, with TTL expiration.
type ResultCache struct {
	mu         sync.Mutex
	entries    map[string]*resultCacheEntry
	order      []string // oldest first
	maxEntries int
	ttl        time.Duration
	now        func() time.Time
	hits       atomic.Int64
	misses     atomic.Int64
}

type resultCacheEntry struct {
	resp      Response
	createdAt time.Time
}

// CacheStats contains result cache statistics.
type CacheStats struct {
	Entries    int     `json:"entries"`
	MaxEntries int     `json:"max_entries"`
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	HitRate    float64 `json:"hit_rate"`
}

// NewResultCache creates a ResultCache with the given capacity and TTL.
// A nil now uses the wall clock.
func NewResultCache(maxEntries int, ttl time.Duration, now func() time.Time) *ResultCache {
	if maxEntries <= 0 {
		maxEntries = DefaultResultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultResultCacheTTL
	}
	if now == nil {
		now = time.Now
	}
	return &ResultCache{
		entries:    make(map[string]*resultCacheEntry),
		maxEntries: maxEntries,
		ttl:        ttl,
		now:        now,
	}
}

// Get returns a copy of the cached response for validator.
func (c *ResultCache) Get(validator string) (Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[validator]
	if !ok {
		c.misses.Add(1)
		return Response{}, false
	}

	if c.now().Sub(entry.createdAt) > c.ttl {
		delete(c.entries, validator)
		c.removeFromOrder(validator)
		c.misses.Add(1)
		return Response{}, false
	}

	c.removeFromOrder(validator)
	c.order = append(c.order, validator)
	c.hits.Add(1)
	return entry.resp.clone(), true
}

// Put stores resp under validator, evicting the oldest entry at capacity.
func (c *ResultCache) Put(validator string, resp Response) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := &resultCacheEntry{resp: resp.clone(), createdAt: c.now()}
	if _, ok := c.entries[validator]; ok {
		c.entries[validator] = e
		c.removeFromOrder(validator)
		c.order = append(c.order, validator)
		return
	}

	for len(c.entries) >= c.maxEntries && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}

	c.entries[validator] = e
	c.order = append(c.order, validator)
}

// Purge drops every entry.
func (c *ResultCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*resultCacheEntry)
	c.order = nil
}

// Stats returns cache statistics.
func (c *ResultCache) Stats() CacheStats {
	c.mu.Lock()
	entries := len(c.entries)
	maxEntries := c.maxEntries
	c.mu.Unlock()

	hits := c.hits.Load()
	misses := c.misses.Load()

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return CacheStats{
		Entries:    entries,
		MaxEntries: maxEntries,
		Hits:       hits,
		Misses:     misses,
		HitRate:    hitRate,
	}
}

func (c *ResultCache) removeFromOrder(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// clone copies the slices so cached responses are never shared with callers.
func (r Response) clone() Response {
	out := r
	if r.Results != nil {
		out.Results = make([]model.ScoredResult, len(r.Results))
		copy(out.Results, r.Results)
	}
	if r.TierStats != nil {
		out.TierStats = make([]TierStat, len(r.TierStats))
		copy(out.TierStats, r.TierStats)
	}
	return out
}
