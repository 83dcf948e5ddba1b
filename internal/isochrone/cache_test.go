package isochrone

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/innsight/internal/model"
)

func newTestCache(p Provider, clock *fakeClock, opts ...CacheOption) *Cache {
	opts = append([]CacheOption{WithClock(clock.Now)}, opts...)
	return NewCache(p, DefaultConfig(), opts...)
}

func TestGetOrCompute_SingleFlight(t *testing.T) {
	p := &fakeProvider{gate: make(chan struct{})}
	c := newTestCache(p, newFakeClock())
	key := c.Key(testPOI.Location, testProfile)

	const callers = 20
	var wg sync.WaitGroup
	validators := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := c.GetOrCompute(context.Background(), testPOI, testProfile, "")
			validators[i], errs[i] = l.Validator, err
		}()
	}

	require.Eventually(t, func() bool {
		c.flightsMu.Lock()
		defer c.flightsMu.Unlock()
		f := c.flights[key]
		return f != nil && f.waiters == callers
	}, 2*time.Second, time.Millisecond)
	close(p.gate)
	wg.Wait()

	assert.Equal(t, int32(1), p.calls.Load())
	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, validators[0], validators[i])
	}
	assert.Equal(t, int64(callers), c.Stats().Coalesced)
}

func TestGetOrCompute_HitAndNotModified(t *testing.T) {
	p := &fakeProvider{}
	c := newTestCache(p, newFakeClock())

	first, err := c.GetOrCompute(context.Background(), testPOI, testProfile, "")
	require.NoError(t, err)
	require.NotNil(t, first.Set)
	require.NotNil(t, first.Index)
	assert.Equal(t, 3, first.Index.TierCount())
	assert.Len(t, first.Validator, 32)

	second, err := c.GetOrCompute(context.Background(), testPOI, testProfile, "")
	require.NoError(t, err)
	assert.Equal(t, first.Validator, second.Validator)
	assert.Same(t, first.Set, second.Set)

	nm, err := c.GetOrCompute(context.Background(), testPOI, testProfile, first.Validator)
	require.NoError(t, err)
	assert.True(t, nm.NotModified)
	assert.Nil(t, nm.Set)
	assert.Equal(t, first.Validator, nm.Validator)

	assert.Equal(t, int32(1), p.calls.Load())
	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestGetOrCompute_RoundedKeyShared(t *testing.T) {
	p := &fakeProvider{}
	c := newTestCache(p, newFakeClock())

	near := testPOI
	near.ID = "eiffel-near"
	near.Location.Lat += 0.00001

	a, err := c.GetOrCompute(context.Background(), testPOI, testProfile, "")
	require.NoError(t, err)
	b, err := c.GetOrCompute(context.Background(), near, testProfile, "")
	require.NoError(t, err)
	assert.Equal(t, a.Validator, b.Validator)
	assert.Equal(t, int32(1), p.calls.Load())

	other := testProfile
	other.Mode = model.ModeWalking
	w, err := c.GetOrCompute(context.Background(), testPOI, other, "")
	require.NoError(t, err)
	assert.NotEqual(t, a.Validator, w.Validator)
	assert.Equal(t, int32(2), p.calls.Load())
}

func TestGetOrCompute_RefreshChangesValidator(t *testing.T) {
	clock := newFakeClock()
	p := &fakeProvider{}
	c := newTestCache(p, clock)

	first, err := c.GetOrCompute(context.Background(), testPOI, testProfile, "")
	require.NoError(t, err)

	clock.Advance(25 * time.Hour)
	second, err := c.GetOrCompute(context.Background(), testPOI, testProfile, first.Validator)
	require.NoError(t, err)
	assert.False(t, second.NotModified)
	assert.False(t, second.Stale)
	assert.NotEqual(t, first.Validator, second.Validator)
	assert.Equal(t, first.Version+1, second.Version)
	assert.Equal(t, int32(2), p.calls.Load())
	assert.Equal(t, clock.Now().Add(24*time.Hour), second.Set.ExpiresAt)
}

func TestGetOrCompute_StaleOnProviderFailure(t *testing.T) {
	clock := newFakeClock()
	p := &fakeProvider{}
	c := newTestCache(p, clock)

	first, err := c.GetOrCompute(context.Background(), testPOI, testProfile, "")
	require.NoError(t, err)

	clock.Advance(25 * time.Hour)
	p.fail.Store(true)
	stale, err := c.GetOrCompute(context.Background(), testPOI, testProfile, first.Validator)
	require.NoError(t, err)
	assert.True(t, stale.Stale)
	assert.False(t, stale.NotModified, "stale entries always carry a payload")
	assert.Equal(t, first.Validator, stale.Validator)
	assert.Same(t, first.Set, stale.Set)
	assert.Equal(t, int64(1), c.Stats().StaleServed)
}

func TestGetOrCompute_UnavailableWithoutPrior(t *testing.T) {
	p := &fakeProvider{}
	p.fail.Store(true)
	c := newTestCache(p, newFakeClock())

	_, err := c.GetOrCompute(context.Background(), testPOI, testProfile, "")
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
	assert.ErrorIs(t, err, model.ErrProviderUnavailable)
	assert.Equal(t, model.KindProviderUnavailable, model.KindOf(err))
	assert.Empty(t, c.Entries())
}

func TestGetOrCompute_ClientErrorPassesThrough(t *testing.T) {
	p := &fakeProvider{}
	p.rejected.Store(true)
	c := newTestCache(p, newFakeClock())

	_, err := c.GetOrCompute(context.Background(), testPOI, testProfile, "")
	require.Error(t, err)
	assert.Equal(t, model.KindBadRequest, model.KindOf(err))
	assert.ErrorIs(t, err, model.ErrBadRequest)
	assert.NotErrorIs(t, err, model.ErrProviderUnavailable)
	assert.False(t, IsUnavailable(err))
}

func TestGetOrCompute_ClientErrorNotHiddenByStaleEntry(t *testing.T) {
	clock := newFakeClock()
	p := &fakeProvider{}
	c := newTestCache(p, clock)

	_, err := c.GetOrCompute(context.Background(), testPOI, testProfile, "")
	require.NoError(t, err)

	clock.Advance(25 * time.Hour)
	p.rejected.Store(true)
	_, err = c.GetOrCompute(context.Background(), testPOI, testProfile, "")
	require.Error(t, err)
	assert.Equal(t, model.KindBadRequest, model.KindOf(err))
	assert.Zero(t, c.Stats().StaleServed)
}

func TestNewCache_ZeroPrecisionUsesDefault(t *testing.T) {
	c := NewCache(&fakeProvider{}, Config{TTL: time.Hour})
	assert.Equal(t, CacheKey(testPOI.Location, testProfile, 4), c.Key(testPOI.Location, testProfile))

	near := model.Coordinate{Lat: 48.2, Lon: 2.4}
	assert.NotEqual(t, c.Key(near, testProfile), c.Key(testPOI.Location, testProfile))
}

func TestCache_RetiredVersionsArePruned(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultConfig()
	cfg.MaxIdle = time.Hour
	cfg.MaxEntries = 2
	c := NewCache(&fakeProvider{}, cfg, WithClock(clock.Now))

	for i := 0; i < 5; i++ {
		poi := model.POI{ID: "p", Location: model.Coordinate{Lat: float64(i), Lon: 1}}
		_, err := c.GetOrCompute(context.Background(), poi, testProfile, "")
		require.NoError(t, err)
	}
	st := c.Stats()
	assert.Equal(t, 2, st.Entries)
	assert.LessOrEqual(t, st.Retired, cfg.MaxEntries)

	clock.Advance(2 * time.Hour)
	assert.Equal(t, 2, c.Sweep())
	clock.Advance(2 * time.Hour)
	c.Sweep()
	assert.Zero(t, c.Stats().Retired)
}

func TestCache_VersionContinuesAfterEviction(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultConfig()
	cfg.MaxIdle = time.Hour
	c := NewCache(&fakeProvider{}, cfg, WithClock(clock.Now))

	first, err := c.GetOrCompute(context.Background(), testPOI, testProfile, "")
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)
	require.Equal(t, 1, c.Sweep())

	second, err := c.GetOrCompute(context.Background(), testPOI, testProfile, first.Validator)
	require.NoError(t, err)
	assert.False(t, second.NotModified)
	assert.Equal(t, first.Version+1, second.Version)
}

func TestGetOrCompute_RejectsMalformedTiers(t *testing.T) {
	p := &fakeProvider{}
	p.inverted.Store(true)
	c := newTestCache(p, newFakeClock())

	_, err := c.GetOrCompute(context.Background(), testPOI, testProfile, "")
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
}

func TestGetOrCompute_InvalidInput(t *testing.T) {
	c := newTestCache(&fakeProvider{}, newFakeClock())

	_, err := c.GetOrCompute(context.Background(), testPOI, model.TravelProfile{Mode: model.ModeDriving, Thresholds: []int{30, 10}}, "")
	assert.True(t, model.IsKind(err, model.KindInvalidConfiguration))

	bad := testPOI
	bad.Location.Lat = 123
	_, err = c.GetOrCompute(context.Background(), bad, testProfile, "")
	assert.True(t, model.IsKind(err, model.KindBadRequest))
}

func TestGetOrCompute_CancelAllWaitersCancelsFetch(t *testing.T) {
	p := &fakeProvider{gate: make(chan struct{}), cancelled: make(chan struct{}, 1)}
	c := newTestCache(p, newFakeClock())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.GetOrCompute(ctx, testPOI, testProfile, "")
		done <- err
	}()

	require.Eventually(t, func() bool { return p.calls.Load() == 1 }, 2*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("caller did not return after cancel")
	}
	select {
	case <-p.cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("fetch was not cancelled after the last waiter left")
	}

	c.flightsMu.Lock()
	assert.Empty(t, c.flights)
	c.flightsMu.Unlock()
}

func TestGetOrCompute_OneWaiterCancelsOthersContinue(t *testing.T) {
	p := &fakeProvider{gate: make(chan struct{}), cancelled: make(chan struct{}, 1)}
	c := newTestCache(p, newFakeClock())
	key := c.Key(testPOI.Location, testProfile)

	ctx, cancel := context.WithCancel(context.Background())
	leaver := make(chan error, 1)
	stayer := make(chan error, 1)
	go func() {
		_, err := c.GetOrCompute(ctx, testPOI, testProfile, "")
		leaver <- err
	}()
	go func() {
		_, err := c.GetOrCompute(context.Background(), testPOI, testProfile, "")
		stayer <- err
	}()

	require.Eventually(t, func() bool {
		c.flightsMu.Lock()
		defer c.flightsMu.Unlock()
		f := c.flights[key]
		return f != nil && f.waiters == 2
	}, 2*time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-leaver, context.Canceled)
	close(p.gate)
	assert.NoError(t, <-stayer)
	assert.Empty(t, p.cancelled)
	assert.Equal(t, int32(1), p.calls.Load())
}

func TestCache_MaxEntriesEvictsLeastRecentlyUsed(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultConfig()
	cfg.MaxEntries = 2
	c := NewCache(&fakeProvider{}, cfg, WithClock(clock.Now))

	pois := []model.POI{
		{ID: "a", Location: model.Coordinate{Lat: 1, Lon: 1}},
		{ID: "b", Location: model.Coordinate{Lat: 2, Lon: 2}},
		{ID: "c", Location: model.Coordinate{Lat: 3, Lon: 3}},
	}
	for _, p := range pois[:2] {
		_, err := c.GetOrCompute(context.Background(), p, testProfile, "")
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}
	// Touch a so b becomes the least recently used.
	_, err := c.GetOrCompute(context.Background(), pois[0], testProfile, "")
	require.NoError(t, err)
	clock.Advance(time.Minute)

	_, err = c.GetOrCompute(context.Background(), pois[2], testProfile, "")
	require.NoError(t, err)

	var ids []string
	for _, e := range c.Entries() {
		ids = append(ids, e.POIID)
	}
	assert.ElementsMatch(t, []string{"a", "c"}, ids)
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestCache_SweepEvictsIdle(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultConfig()
	cfg.MaxIdle = time.Hour
	c := NewCache(&fakeProvider{}, cfg, WithClock(clock.Now))

	_, err := c.GetOrCompute(context.Background(), testPOI, testProfile, "")
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	assert.Equal(t, 0, c.Sweep())
	clock.Advance(2 * time.Hour)
	assert.Equal(t, 1, c.Sweep())
	assert.Empty(t, c.Entries())
}

func TestCache_RunJanitorStops(t *testing.T) {
	c := newTestCache(&fakeProvider{}, newFakeClock())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.RunJanitor(ctx, time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}

func TestCache_Invalidate(t *testing.T) {
	store := newMemStore()
	p := &fakeProvider{}
	c := newTestCache(p, newFakeClock(), WithStore(store))

	first, err := c.GetOrCompute(context.Background(), testPOI, testProfile, "")
	require.NoError(t, err)
	key := c.Key(testPOI.Location, testProfile)

	ok, err := c.Invalidate(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, store.entries)

	second, err := c.GetOrCompute(context.Background(), testPOI, testProfile, "")
	require.NoError(t, err)
	assert.Equal(t, int32(2), p.calls.Load())
	assert.Equal(t, first.Version+1, second.Version)
	assert.NotEqual(t, first.Validator, second.Validator)
}

func TestCache_StoreSharesEntriesAcrossInstances(t *testing.T) {
	clock := newFakeClock()
	store := newMemStore()
	p := &fakeProvider{}

	a := newTestCache(p, clock, WithStore(store))
	la, err := a.GetOrCompute(context.Background(), testPOI, testProfile, "")
	require.NoError(t, err)

	b := newTestCache(p, clock, WithStore(store))
	lb, err := b.GetOrCompute(context.Background(), testPOI, testProfile, "")
	require.NoError(t, err)

	assert.Equal(t, int32(1), p.calls.Load())
	assert.Equal(t, la.Validator, lb.Validator)
	assert.Equal(t, int64(1), b.Stats().StoreHits)

	// An expired stored version is superseded with a higher version.
	clock.Advance(25 * time.Hour)
	fresh := newTestCache(p, clock, WithStore(store))
	lf, err := fresh.GetOrCompute(context.Background(), testPOI, testProfile, "")
	require.NoError(t, err)
	assert.Equal(t, la.Version+1, lf.Version)
	assert.NotEqual(t, la.Validator, lf.Validator)
}

func TestCache_StoreFailureIgnored(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer rdb.Close() //nolint:errcheck

	p := &fakeProvider{}
	c := newTestCache(p, newFakeClock(), WithStore(NewRedisStore(rdb, "")))
	l, err := c.GetOrCompute(context.Background(), testPOI, testProfile, "")
	require.NoError(t, err)
	assert.NotNil(t, l.Set)
	assert.Equal(t, int32(1), p.calls.Load())
}

func TestValidator_Stable(t *testing.T) {
	assert.Equal(t, Validator("k", 1), Validator("k", 1))
	assert.NotEqual(t, Validator("k", 1), Validator("k", 2))
	assert.NotEqual(t, Validator("k", 1), Validator("j", 1))
}

func TestCacheKey(t *testing.T) {
	key := CacheKey(model.Coordinate{Lat: 48.858372, Lon: 2.294481}, testProfile, 4)
	assert.Equal(t, "driving|48.8584,2.2945|10-20-30", key)
}
