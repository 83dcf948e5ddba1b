package geocode

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/innsight/internal/model"
)

const (
	defaultCacheTTL    = 24 * time.Hour
	defaultNegativeTTL = 10 * time.Minute
	defaultCacheSize   = 1024
)

var folder = cases.Fold()

// NameKey normalizes a place name for cache lookup: NFKC, case folded,
// whitespace collapsed. Full-width and half-width forms share a key.
func NameKey(name string) string {
	s := norm.NFKC.String(name)
	s = folder.String(s)
	return strings.Join(strings.Fields(s), " ")
}

type cacheEntry struct {
	poi       model.POI
	notFound  bool
	expiresAt time.Time
}

// Cached memoizes a Resolver by normalized name. Misses are remembered for
// a shorter TTL so repeated unknown names do not hit the remote service.
type Cached struct {
	next        Resolver
	ttl         time.Duration
	negativeTTL time.Duration
	maxEntries  int
	now         func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
	group   singleflight.Group
}

// CacheOption configures a Cached resolver.
type CacheOption func(*Cached)

// WithTTL sets how long resolved and unresolved names are kept.
func WithTTL(ttl, negativeTTL time.Duration) CacheOption {
	return func(c *Cached) {
		if ttl > 0 {
			c.ttl = ttl
		}
		if negativeTTL > 0 {
			c.negativeTTL = negativeTTL
		}
	}
}

// WithMaxEntries bounds the cache size.
func WithMaxEntries(n int) CacheOption {
	return func(c *Cached) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// WithCacheClock replaces the wall clock.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *Cached) { c.now = now }
}

// NewCached wraps next with a TTL cache.
func NewCached(next Resolver, opts ...CacheOption) *Cached {
	c := &Cached{
		next:        next,
		ttl:         defaultCacheTTL,
		negativeTTL: defaultNegativeTTL,
		maxEntries:  defaultCacheSize,
		now:         time.Now,
		entries:     make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Resolve returns the cached POI for name, resolving it at most once per key
// across concurrent callers.
func (c *Cached) Resolve(ctx context.Context, name string) (model.POI, error) {
	key := NameKey(name)
	if key == "" {
		return model.POI{}, model.Errorf(model.KindBadRequest, "geocode: empty query")
	}

	now := c.now()
	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()
	if ok && now.Before(e.expiresAt) {
		zap.L().Debug("geocode cache hit", zap.String("key", key), zap.Bool("matched", !e.notFound))
		if e.notFound {
			return model.POI{}, model.Errorf(model.KindNotFound, "geocode: no match for %q", name)
		}
		return e.poi, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		poi, err := c.next.Resolve(ctx, name)
		switch {
		case err == nil:
			c.store(key, cacheEntry{poi: poi, expiresAt: c.now().Add(c.ttl)})
		case model.IsKind(err, model.KindNotFound):
			c.store(key, cacheEntry{notFound: true, expiresAt: c.now().Add(c.negativeTTL)})
		}
		return poi, err
	})
	if err != nil {
		return model.POI{}, err
	}
	return v.(model.POI), nil
}

func (c *Cached) store(key string, e cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok && len(c.entries) >= c.maxEntries {
		c.evictLocked()
	}
	c.entries[key] = e
}

// evictLocked drops expired entries, or the one expiring soonest when none
// have expired.
func (c *Cached) evictLocked() {
	now := c.now()
	var (
		oldestKey string
		oldest    time.Time
	)
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			continue
		}
		if oldestKey == "" || e.expiresAt.Before(oldest) {
			oldestKey, oldest = k, e.expiresAt
		}
	}
	if len(c.entries) >= c.maxEntries && oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// Len returns the number of cached names.
func (c *Cached) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
