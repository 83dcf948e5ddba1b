// Package amenity resolves amenity facts for accommodations on a best-effort
// basis.
package amenity

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/innsight/internal/model"
	"github.com/sells-group/innsight/internal/osm"
)

// Source returns tagged accommodation features inside a box.
type Source interface {
	Area(ctx context.Context, b model.BBox) ([]osm.Feature, error)
}

// Config tunes an Enricher.
type Config struct {
	// TTL bounds how long resolved facts are reused.
	TTL time.Duration
	// CellSize is the grid cell edge in degrees used to batch lookups.
	CellSize float64
	// Concurrency caps parallel source calls per Enrich.
	Concurrency int
	// MatchRadius is how far a feature may sit from a listing without a
	// matching ID and still be attributed to it.
	MatchRadius float64
	// FetchTimeout bounds a shared cell fetch. The fetch outlives the
	// caller that started it so coalesced waiters still get a result.
	FetchTimeout time.Duration
}

// DefaultConfig returns the default enrichment tuning.
func DefaultConfig() Config {
	return Config{
		TTL:          7 * 24 * time.Hour,
		CellSize:     0.01,
		Concurrency:  4,
		MatchRadius:  30,
		FetchTimeout: 30 * time.Second,
	}
}

const maxAreaCells = 400

type cellKey struct{ lat, lon int64 }

func (k cellKey) String() string { return fmt.Sprintf("%d:%d", k.lat, k.lon) }

type cellEntry struct {
	features  []osm.Feature
	expiresAt time.Time
}

type factEntry struct {
	set       model.AmenitySet
	expiresAt time.Time
}

// Enricher fills Unknown amenity facts from a Source. Failures never
// abort a request; affected listings keep Unknown facts and the call
// reports degraded.
type Enricher struct {
	source Source
	cfg    Config
	now    func() time.Time

	mu    sync.Mutex
	cells map[cellKey]cellEntry
	facts map[string]factEntry

	group singleflight.Group
}

// Option configures an Enricher.
type Option func(*Enricher)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Enricher) { e.now = now }
}

// New creates an Enricher over source.
func New(source Source, cfg Config, opts ...Option) *Enricher {
	d := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = d.TTL
	}
	if cfg.CellSize <= 0 {
		cfg.CellSize = d.CellSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = d.Concurrency
	}
	if cfg.MatchRadius <= 0 {
		cfg.MatchRadius = d.MatchRadius
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = d.FetchTimeout
	}
	e := &Enricher{
		source: source,
		cfg:    cfg,
		now:    time.Now,
		cells:  make(map[cellKey]cellEntry),
		facts:  make(map[string]factEntry),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enrich returns the merged amenity facts for every accommodation, keyed by
// ID. Facts already known on an accommodation win over looked-up ones.
// degraded is true when a lookup failed and some facts stayed Unknown.
func (e *Enricher) Enrich(ctx context.Context, accs []model.Accommodation) (map[string]model.AmenitySet, bool) {
	out := make(map[string]model.AmenitySet, len(accs))
	now := e.now()

	pending := make(map[cellKey][]model.Accommodation)
	e.mu.Lock()
	for _, a := range accs {
		if a.Amenities.Complete() {
			out[a.ID] = a.Amenities.Merge(nil)
			continue
		}
		if f, ok := e.facts[a.ID]; ok && now.Before(f.expiresAt) {
			out[a.ID] = a.Amenities.Merge(f.set)
			continue
		}
		k := e.cellOf(a.Location)
		pending[k] = append(pending[k], a)
	}
	e.mu.Unlock()

	if len(pending) == 0 {
		return out, false
	}

	var (
		mu       sync.Mutex
		degraded bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for k, group := range pending {
		g.Go(func() error {
			features, err := e.cell(gctx, k)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				degraded = true
				zap.L().Warn("amenity lookup failed",
					zap.String("cell", k.String()),
					zap.Int("accommodations", len(group)),
					zap.Error(err),
				)
				for _, a := range group {
					out[a.ID] = a.Amenities.Merge(nil)
				}
				return nil
			}
			for _, a := range group {
				found := e.match(a, features)
				e.remember(a.ID, found)
				out[a.ID] = a.Amenities.Merge(found)
			}
			return nil
		})
	}
	_ = g.Wait()
	return out, degraded
}

// EnrichArea returns facts for every accommodation feature inside b.
func (e *Enricher) EnrichArea(ctx context.Context, b model.BBox) (map[string]model.AmenitySet, error) {
	if !b.Valid() {
		return nil, model.Errorf(model.KindBadRequest, "amenity: invalid bbox %+v", b)
	}
	lo := e.cellOf(model.Coordinate{Lat: b.MinLat, Lon: b.MinLon})
	hi := e.cellOf(model.Coordinate{Lat: b.MaxLat, Lon: b.MaxLon})
	if cells := (hi.lat - lo.lat + 1) * (hi.lon - lo.lon + 1); cells > maxAreaCells {
		return nil, model.Errorf(model.KindBadRequest, "amenity: bbox spans %d cells, limit %d", cells, maxAreaCells)
	}

	var (
		mu  sync.Mutex
		out = make(map[string]model.AmenitySet)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for lat := lo.lat; lat <= hi.lat; lat++ {
		for lon := lo.lon; lon <= hi.lon; lon++ {
			k := cellKey{lat: lat, lon: lon}
			g.Go(func() error {
				features, err := e.cell(gctx, k)
				if err != nil {
					return err
				}
				mu.Lock()
				defer mu.Unlock()
				for _, f := range features {
					if b.Contains(f.Location) {
						set := osm.ExtractAmenities(f.Tags)
						out[f.ID] = set
						e.remember(f.ID, set)
					}
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Enricher) cellOf(c model.Coordinate) cellKey {
	return cellKey{
		lat: int64(math.Floor(c.Lat / e.cfg.CellSize)),
		lon: int64(math.Floor(c.Lon / e.cfg.CellSize)),
	}
}

func (e *Enricher) cellBox(k cellKey) model.BBox {
	s := e.cfg.CellSize
	return model.BBox{
		MinLat: float64(k.lat) * s,
		MinLon: float64(k.lon) * s,
		MaxLat: float64(k.lat+1) * s,
		MaxLon: float64(k.lon+1) * s,
	}
}

// cell returns the features of k, from cache or the source. Concurrent
// requests for one cell share a single source call, which keeps running
// when the caller that started it goes away.
func (e *Enricher) cell(ctx context.Context, k cellKey) ([]osm.Feature, error) {
	now := e.now()
	e.mu.Lock()
	c, ok := e.cells[k]
	e.mu.Unlock()
	if ok && now.Before(c.expiresAt) {
		return c.features, nil
	}

	ch := e.group.DoChan(k.String(), func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.FetchTimeout)
		defer cancel()
		features, err := e.source.Area(fctx, e.cellBox(k))
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		e.cells[k] = cellEntry{features: features, expiresAt: e.now().Add(e.cfg.TTL)}
		e.mu.Unlock()
		return features, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]osm.Feature), nil
	}
}

// match finds the feature describing a: same ID first, else the nearest
// feature within MatchRadius. No match yields all-Unknown facts.
func (e *Enricher) match(a model.Accommodation, features []osm.Feature) model.AmenitySet {
	best := -1
	bestDist := e.cfg.MatchRadius
	for i, f := range features {
		if f.ID == a.ID {
			return osm.ExtractAmenities(f.Tags)
		}
		if d := model.DistanceMeters(a.Location, f.Location); d <= bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 {
		return model.AmenitySet{}
	}
	return osm.ExtractAmenities(features[best].Tags)
}

func (e *Enricher) remember(id string, set model.AmenitySet) {
	e.mu.Lock()
	e.facts[id] = factEntry{set: set, expiresAt: e.now().Add(e.cfg.TTL)}
	e.mu.Unlock()
}

// Purge drops every cached fact and cell.
func (e *Enricher) Purge() {
	e.mu.Lock()
	e.cells = make(map[cellKey]cellEntry)
	e.facts = make(map[string]factEntry)
	e.mu.Unlock()
}
