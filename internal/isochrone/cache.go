package isochrone

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/innsight/internal/geometry"
	"github.com/sells-group/innsight/internal/model"
)

// Config tunes the isochrone cache.
type Config struct {
	// Precision is the number of decimals coordinates are rounded to for
	// keys. 4 decimals is roughly 11 m.
	Precision int
	// TTL is the freshness window of a fetched set.
	TTL time.Duration
	// MaxIdle evicts entries not accessed for this long.
	MaxIdle time.Duration
	// MaxEntries bounds the number of cached sets. Least recently used
	// entries are evicted first.
	MaxEntries int
	// FlightTimeout bounds a single coalesced fetch regardless of callers.
	FlightTimeout time.Duration
}

// DefaultConfig returns the default cache tuning.
func DefaultConfig() Config {
	return Config{
		Precision:     4,
		TTL:           24 * time.Hour,
		MaxIdle:       72 * time.Hour,
		MaxEntries:    512,
		FlightTimeout: 45 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Precision <= 0 {
		c.Precision = d.Precision
	}
	if c.TTL <= 0 {
		c.TTL = d.TTL
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = d.MaxIdle
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = d.MaxEntries
	}
	if c.FlightTimeout <= 0 {
		c.FlightTimeout = d.FlightTimeout
	}
	return c
}

// Lookup is the result of GetOrCompute. Set and Index are nil when
// NotModified is true.
type Lookup struct {
	Set         *model.IsochroneSet
	Index       *geometry.Index
	Validator   string
	Version     uint64
	NotModified bool
	// Stale is set when an expired entry was served because a refresh failed.
	Stale bool
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Entries     int   `json:"entries"`
	MaxEntries  int   `json:"max_entries"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Fetches     int64 `json:"fetches"`
	Coalesced   int64 `json:"coalesced"`
	StaleServed int64 `json:"stale_served"`
	StoreHits   int64 `json:"store_hits"`
	Evictions   int64 `json:"evictions"`
	Retired     int   `json:"retired_versions"`
}

// EntryInfo describes one cached entry without its geometry.
type EntryInfo struct {
	Key        string    `json:"key"`
	POIID      string    `json:"poi_id"`
	Version    uint64    `json:"version"`
	Validator  string    `json:"validator"`
	FetchedAt  time.Time `json:"fetched_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	LastAccess time.Time `json:"last_access"`
}

// entry is immutable apart from lastAccess. A refresh installs a new entry.
type retiredVersion struct {
	version uint64
	at      int64
}

type entry struct {
	key        string
	set        *model.IsochroneSet
	index      *geometry.Index
	version    uint64
	validator  string
	lastAccess atomic.Int64
}

func (e *entry) touch(now time.Time) { e.lastAccess.Store(now.UnixNano()) }

func (e *entry) lookup(ifNoneMatch string, stale bool) Lookup {
	if !stale && ifNoneMatch != "" && ifNoneMatch == e.validator {
		return Lookup{Validator: e.validator, Version: e.version, NotModified: true}
	}
	return Lookup{Set: e.set, Index: e.index, Validator: e.validator, Version: e.version, Stale: stale}
}

// flight tracks the callers waiting on one coalesced fetch.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// Cache stores isochrone sets per rounded coordinate and profile and
// coalesces concurrent fetches for the same key.
type Cache struct {
	provider Provider
	store    Store
	cfg      Config
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	// retired keeps the last version of evicted keys for MaxIdle so a
	// returning key continues its sequence.
	retired map[string]retiredVersion

	group     singleflight.Group
	flightsMu sync.Mutex
	flights   map[string]*flight

	hits, misses, fetches, coalesced atomic.Int64
	staleServed, storeHits, evicted  atomic.Int64
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// WithStore adds a second-level store consulted on local misses.
func WithStore(s Store) CacheOption {
	return func(c *Cache) { c.store = s }
}

// NewCache creates a Cache backed by provider.
func NewCache(provider Provider, cfg Config, opts ...CacheOption) *Cache {
	c := &Cache{
		provider: provider,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		entries:  make(map[string]*entry),
		retired:  make(map[string]retiredVersion),
		flights:  make(map[string]*flight),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key builds the cache key for a location and profile.
func (c *Cache) Key(loc model.Coordinate, profile model.TravelProfile) string {
	return CacheKey(loc, profile, c.cfg.Precision)
}

// CacheKey builds the key for loc rounded to precision decimals.
func CacheKey(loc model.Coordinate, profile model.TravelProfile, precision int) string {
	r := loc.Round(precision)
	return fmt.Sprintf("%s|%.*f,%.*f|%s", profile.ID(), precision, r.Lat, precision, r.Lon, profile.ThresholdKey())
}

// Validator derives the opaque validator token for a key and version.
func Validator(key string, version uint64) string {
	sum := sha256.Sum256([]byte(key + "|" + strconv.FormatUint(version, 10)))
	return hex.EncodeToString(sum[:16])
}

// GetOrCompute returns the isochrone set for poi and profile, fetching it at
// most once per key across concurrent callers. When ifNoneMatch equals the
// current validator of a fresh entry the lookup is NotModified. If a
// refresh fails and an expired entry exists it is served with Stale set.
func (c *Cache) GetOrCompute(ctx context.Context, poi model.POI, profile model.TravelProfile, ifNoneMatch string) (Lookup, error) {
	if err := profile.Validate(); err != nil {
		return Lookup{}, err
	}
	if !poi.Location.Valid() {
		return Lookup{}, model.Errorf(model.KindBadRequest, "isochrone: invalid coordinate %s", poi.Location)
	}

	key := c.Key(poi.Location, profile)
	now := c.now()

	c.mu.Lock()
	prior := c.entries[key]
	c.mu.Unlock()

	if prior != nil && !prior.set.Expired(now) {
		prior.touch(now)
		c.hits.Add(1)
		return prior.lookup(ifNoneMatch, false), nil
	}
	c.misses.Add(1)

	e, err := c.refresh(ctx, key, poi, profile)
	if err == nil {
		e.touch(c.now())
		return e.lookup(ifNoneMatch, false), nil
	}
	if ctx.Err() != nil {
		return Lookup{}, eris.Wrap(ctx.Err(), "isochrone: lookup cancelled")
	}
	if model.IsKind(err, model.KindBadRequest) {
		return Lookup{}, err
	}
	if prior != nil {
		c.staleServed.Add(1)
		prior.touch(now)
		zap.L().Warn("serving stale isochrones",
			zap.String("key", key),
			zap.Uint64("version", prior.version),
			zap.Time("expired_at", prior.set.ExpiresAt),
			zap.Error(err),
		)
		return prior.lookup(ifNoneMatch, true), nil
	}
	return Lookup{}, model.IsochroneUnavailable(err)
}

// refresh joins or starts the flight for key and waits for it or for ctx.
func (c *Cache) refresh(ctx context.Context, key string, poi model.POI, profile model.TravelProfile) (*entry, error) {
	c.flightsMu.Lock()
	f, ok := c.flights[key]
	if !ok {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.FlightTimeout)
		f = &flight{ctx: fctx, cancel: cancel}
		c.flights[key] = f
	}
	f.waiters++
	// DoChan runs under flightsMu so every waiter counted on f joins the
	// call that uses f.ctx.
	ch := c.group.DoChan(key, func() (any, error) {
		defer c.finish(key, f)
		return c.load(f.ctx, key, poi, profile)
	})
	c.flightsMu.Unlock()

	select {
	case res := <-ch:
		c.leave(key, f, false)
		if res.Shared {
			c.coalesced.Add(1)
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*entry), nil
	case <-ctx.Done():
		c.leave(key, f, true)
		return nil, ctx.Err()
	}
}

// finish detaches f once its fetch returns so later callers start afresh.
func (c *Cache) finish(key string, f *flight) {
	c.flightsMu.Lock()
	if c.flights[key] == f {
		delete(c.flights, key)
		c.group.Forget(key)
	}
	c.flightsMu.Unlock()
	f.cancel()
}

// leave drops a waiter. The last waiter to give up cancels the fetch.
func (c *Cache) leave(key string, f *flight, gaveUp bool) {
	c.flightsMu.Lock()
	defer c.flightsMu.Unlock()
	f.waiters--
	if f.waiters > 0 || !gaveUp {
		return
	}
	if c.flights[key] == f {
		delete(c.flights, key)
		c.group.Forget(key)
	}
	f.cancel()
	zap.L().Debug("isochrone fetch abandoned by all callers", zap.String("key", key))
}

// load resolves key from the store or the provider and installs the result.
func (c *Cache) load(ctx context.Context, key string, poi model.POI, profile model.TravelProfile) (*entry, error) {
	var storeVersion uint64
	if c.store != nil {
		stored, err := c.store.Load(ctx, key)
		switch {
		case err != nil:
			zap.L().Warn("isochrone store load failed", zap.String("key", key), zap.Error(err))
		case stored != nil && !stored.Set.Expired(c.now()):
			c.storeHits.Add(1)
			return c.install(key, stored.Set, stored.Version)
		case stored != nil:
			storeVersion = stored.Version
		}
	}

	c.fetches.Add(1)
	fetched, err := c.provider.Fetch(ctx, poi, profile)
	if err != nil {
		return nil, err
	}
	if err := geometry.ValidateNesting(fetched); err != nil {
		return nil, model.Wrap(model.KindProviderUnavailable, err, "isochrone: provider returned malformed tiers")
	}

	now := c.now()
	set := *fetched
	if set.POIID == "" {
		set.POIID = poi.ID
	}
	if set.FetchedAt.IsZero() {
		set.FetchedAt = now
	}
	set.ExpiresAt = now.Add(c.cfg.TTL)

	e, err := c.installNext(key, &set, storeVersion)
	if err != nil {
		return nil, err
	}
	if c.store != nil {
		if err := c.store.Save(ctx, key, StoredEntry{Set: e.set, Version: e.version}, c.cfg.TTL); err != nil {
			zap.L().Warn("isochrone store save failed", zap.String("key", key), zap.Error(err))
		}
	}
	return e, nil
}

// installNext installs set with a version above any known version for key.
// A key with no history starts from the clock so a pruned key never
// reissues an old validator.
func (c *Cache) installNext(key string, set *model.IsochroneSet, floor uint64) (*entry, error) {
	return c.put(key, set, func(prev uint64) uint64 {
		base := max(prev, floor)
		if base == 0 {
			base = uint64(c.now().UnixNano())
		}
		return base + 1
	})
}

// install installs set at exactly version, unless a newer one is present.
func (c *Cache) install(key string, set *model.IsochroneSet, version uint64) (*entry, error) {
	return c.put(key, set, func(prev uint64) uint64 {
		if version <= prev {
			return prev + 1
		}
		return version
	})
}

func (c *Cache) put(key string, set *model.IsochroneSet, nextVersion func(prev uint64) uint64) (*entry, error) {
	ix, err := geometry.NewIndex(set)
	if err != nil {
		return nil, model.Wrap(model.KindProviderUnavailable, err, "isochrone: index tiers")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var prev uint64
	if old := c.entries[key]; old != nil {
		prev = old.version
	} else if r, ok := c.retired[key]; ok {
		prev = r.version
		delete(c.retired, key)
	}
	v := nextVersion(prev)
	e := &entry{key: key, set: set, index: ix, version: v, validator: Validator(key, v)}
	e.touch(c.now())
	c.entries[key] = e
	c.evictOverflowLocked()
	return e, nil
}

func (c *Cache) evictOverflowLocked() {
	for len(c.entries) > c.cfg.MaxEntries {
		var oldestKey string
		var oldest int64
		for k, e := range c.entries {
			if la := e.lastAccess.Load(); oldestKey == "" || la < oldest {
				oldestKey, oldest = k, la
			}
		}
		c.retireLocked(oldestKey)
		c.evicted.Add(1)
	}
}

// retireLocked removes key, remembering its version. Retired versions are
// bounded by MaxEntries.
func (c *Cache) retireLocked(key string) {
	e, ok := c.entries[key]
	if !ok {
		return
	}
	delete(c.entries, key)
	c.retired[key] = retiredVersion{version: e.version, at: c.now().UnixNano()}
	for len(c.retired) > c.cfg.MaxEntries {
		var oldestKey string
		var oldest int64
		for k, r := range c.retired {
			if oldestKey == "" || r.at < oldest {
				oldestKey, oldest = k, r.at
			}
		}
		delete(c.retired, oldestKey)
	}
}

// Sweep evicts entries idle for longer than MaxIdle and forgets versions
// retired longer than MaxIdle ago. It returns the number of evicted entries.
func (c *Cache) Sweep() int {
	cutoff := c.now().Add(-c.cfg.MaxIdle).UnixNano()

	c.mu.Lock()
	defer c.mu.Unlock()

	for k, r := range c.retired {
		if r.at < cutoff {
			delete(c.retired, k)
		}
	}
	n := 0
	for k, e := range c.entries {
		if e.lastAccess.Load() < cutoff {
			c.retireLocked(k)
			n++
		}
	}
	c.evicted.Add(int64(n))
	return n
}

// RunJanitor sweeps idle entries every interval until ctx is done.
func (c *Cache) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				zap.L().Info("isochrone cache sweep", zap.Int("evicted", n))
			}
		}
	}
}

// Invalidate drops key locally and from the store. It reports whether a
// local entry existed.
func (c *Cache) Invalidate(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	_, ok := c.entries[key]
	c.retireLocked(key)
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Delete(ctx, key); err != nil {
			return ok, eris.Wrapf(err, "isochrone: delete %s from store", key)
		}
	}
	return ok, nil
}

// Entries lists cached entries ordered by key.
func (c *Cache) Entries() []EntryInfo {
	c.mu.Lock()
	out := make([]EntryInfo, 0, len(c.entries))
	for k, e := range c.entries {
		out = append(out, EntryInfo{
			Key:        k,
			POIID:      e.set.POIID,
			Version:    e.version,
			Validator:  e.validator,
			FetchedAt:  e.set.FetchedAt,
			ExpiresAt:  e.set.ExpiresAt,
			LastAccess: time.Unix(0, e.lastAccess.Load()),
		})
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	n, retired := len(c.entries), len(c.retired)
	c.mu.Unlock()
	return Stats{
		Entries:     n,
		Retired:     retired,
		MaxEntries:  c.cfg.MaxEntries,
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Fetches:     c.fetches.Load(),
		Coalesced:   c.coalesced.Load(),
		StaleServed: c.staleServed.Load(),
		StoreHits:   c.storeHits.Load(),
		Evictions:   c.evicted.Load(),
	}
}

// IsUnavailable reports whether err means no isochrones could be obtained.
func IsUnavailable(err error) bool {
	return errors.Is(err, model.ErrIsochroneUnavailable)
}
