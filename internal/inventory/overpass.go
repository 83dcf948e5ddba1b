// Package inventory lists candidate accommodations around a point.
package inventory

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/innsight/internal/model"
	"github.com/sells-group/innsight/internal/osm"
)

// Inventory lists candidate accommodations within radiusMeters of center.
type Inventory interface {
	Candidates(ctx context.Context, center model.Coordinate, radiusMeters float64) ([]model.Accommodation, error)
}

const (
	// DefaultLimit caps how many candidates one search returns.
	DefaultLimit = 500
	// MaxRadius bounds a single search.
	MaxRadius = 50000.0
)

// AreaSource returns accommodation features inside a box.
type AreaSource interface {
	Area(ctx context.Context, b model.BBox) ([]osm.Feature, error)
}

// Overpass reads the live accommodation inventory from OpenStreetMap.
type Overpass struct {
	source AreaSource
	limit  int
}

// NewOverpass creates an inventory over source. limit <= 0 uses DefaultLimit.
func NewOverpass(source AreaSource, limit int) *Overpass {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Overpass{source: source, limit: limit}
}

// Candidates queries the enclosing box and keeps features inside the
// radius, nearest first.
func (o *Overpass) Candidates(ctx context.Context, center model.Coordinate, radiusMeters float64) ([]model.Accommodation, error) {
	if err := checkArea(center, radiusMeters); err != nil {
		return nil, err
	}
	features, err := o.source.Area(ctx, model.Around(center, radiusMeters))
	if err != nil {
		return nil, eris.Wrap(err, "inventory: overpass area")
	}

	type ranked struct {
		acc  model.Accommodation
		dist float64
	}
	in := make([]ranked, 0, len(features))
	for _, f := range features {
		d := model.DistanceMeters(center, f.Location)
		if d > radiusMeters {
			continue
		}
		in = append(in, ranked{acc: f.Accommodation(), dist: d})
	}
	sort.SliceStable(in, func(i, j int) bool {
		if in[i].dist != in[j].dist {
			return in[i].dist < in[j].dist
		}
		return in[i].acc.ID < in[j].acc.ID
	})
	if len(in) > o.limit {
		in = in[:o.limit]
	}

	out := make([]model.Accommodation, len(in))
	for i, r := range in {
		out[i] = r.acc
	}
	return out, nil
}

func checkArea(center model.Coordinate, radiusMeters float64) error {
	if !center.Valid() {
		return model.Errorf(model.KindBadRequest, "inventory: invalid center %s", center)
	}
	if radiusMeters <= 0 || radiusMeters > MaxRadius {
		return model.Errorf(model.KindBadRequest, "inventory: radius %.0fm outside (0, %.0f]", radiusMeters, MaxRadius)
	}
	return nil
}
