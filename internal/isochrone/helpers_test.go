package isochrone

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sells-group/innsight/internal/geometry"
	"github.com/sells-group/innsight/internal/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeProvider returns nested squares, one per threshold, 0.01 degrees per tier.
type fakeProvider struct {
	calls    atomic.Int32
	fail     atomic.Bool
	inverted atomic.Bool
	rejected atomic.Bool
	gate     chan struct{}
	// cancelled receives once when a gated fetch sees its context end.
	cancelled chan struct{}
}

func (p *fakeProvider) Fetch(ctx context.Context, poi model.POI, profile model.TravelProfile) (*model.IsochroneSet, error) {
	p.calls.Add(1)
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			if p.cancelled != nil {
				p.cancelled <- struct{}{}
			}
			return nil, ctx.Err()
		}
	}
	if p.rejected.Load() {
		return nil, model.Errorf(model.KindBadRequest, "fake provider: profile not supported")
	}
	if p.fail.Load() {
		return nil, model.Errorf(model.KindProviderUnavailable, "fake provider down")
	}
	return nestedSquares(poi, profile, p.inverted.Load()), nil
}

func nestedSquares(poi model.POI, profile model.TravelProfile, inverted bool) *model.IsochroneSet {
	set := &model.IsochroneSet{POIID: poi.ID, Origin: poi.Location, Profile: profile}
	n := len(profile.Thresholds)
	for i, minutes := range profile.Thresholds {
		hw := 0.01 * float64(i+1)
		if inverted {
			hw = 0.01 * float64(n-i)
		}
		lat, lon := poi.Location.Lat, poi.Location.Lon
		set.Tiers = append(set.Tiers, model.TierPolygon{
			Index:            i,
			ThresholdMinutes: minutes,
			Geometry:         geometry.Rect(lon-hw, lat-hw, lon+hw, lat+hw),
		})
	}
	return set
}

// memStore is an in-process Store.
type memStore struct {
	mu      sync.Mutex
	entries map[string]StoredEntry
	loads   int
}

func newMemStore() *memStore { return &memStore{entries: map[string]StoredEntry{}} }

func (s *memStore) Load(_ context.Context, key string) (*StoredEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	e, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *memStore) Save(_ context.Context, key string, e StoredEntry, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = e
	return nil
}

func (s *memStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

var (
	testPOI     = model.POI{ID: "eiffel", Name: "Eiffel Tower", Location: model.Coordinate{Lat: 48.85837, Lon: 2.29448}}
	testProfile = model.TravelProfile{Mode: model.ModeDriving, Thresholds: []int{10, 20, 30}}
)
