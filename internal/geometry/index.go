// Package geometry classifies points against nested isochrone tiers.
package geometry

import (
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy"
	"github.com/twpayne/go-geom/xy/location"

	"github.com/sells-group/innsight/internal/model"
)

// polygon is one part of a tier: an exterior ring with optional holes.
type polygon struct {
	bounds *geom.Bounds
	shell  []float64
	holes  [][]float64
}

// tier coordinates are always XY; extra ordinates are dropped on load.
type tier struct {
	index     int
	threshold int
	bounds    *geom.Bounds
	parts     []polygon
}

// Index holds prepared tier polygons for one IsochroneSet. It is immutable
// and safe for concurrent use.
type Index struct {
	poiID string
	tiers []tier
}

// NewIndex prepares set for containment queries. Tiers are kept in index
// order, innermost first.
func NewIndex(set *model.IsochroneSet) (*Index, error) {
	if set == nil {
		return nil, eris.New("geometry: nil isochrone set")
	}
	ix := &Index{poiID: set.POIID, tiers: make([]tier, 0, len(set.Tiers))}
	for i, tp := range set.Tiers {
		if tp.Index != i {
			return nil, eris.Errorf("geometry: tier %d has index %d", i, tp.Index)
		}
		if tp.Geometry == nil {
			return nil, eris.Errorf("geometry: tier %d has no geometry", i)
		}
		t := tier{
			index:     tp.Index,
			threshold: tp.ThresholdMinutes,
			bounds:    geom.NewBounds(geom.XY),
		}
		stride := tp.Geometry.Stride()
		for p := 0; p < tp.Geometry.NumPolygons(); p++ {
			poly := tp.Geometry.Polygon(p)
			if poly.NumLinearRings() == 0 {
				continue
			}
			shell := geom.NewLinearRingFlat(geom.XY, flatXY(poly.LinearRing(0).FlatCoords(), stride))
			part := polygon{bounds: shell.Bounds(), shell: shell.FlatCoords()}
			for r := 1; r < poly.NumLinearRings(); r++ {
				part.holes = append(part.holes, flatXY(poly.LinearRing(r).FlatCoords(), stride))
			}
			t.bounds.Extend(shell)
			t.parts = append(t.parts, part)
		}
		ix.tiers = append(ix.tiers, t)
	}
	return ix, nil
}

// flatXY keeps the x and y ordinates of flat coordinates laid out with stride.
func flatXY(flat []float64, stride int) []float64 {
	if stride == 2 {
		return flat
	}
	out := make([]float64, 0, len(flat)/stride*2)
	for i := 0; i+1 < len(flat); i += stride {
		out = append(out, flat[i], flat[i+1])
	}
	return out
}

// POIID returns the POI the index was built for.
func (ix *Index) POIID() string { return ix.poiID }

// TierCount returns the number of tiers.
func (ix *Index) TierCount() int {
	if ix == nil {
		return 0
	}
	return len(ix.tiers)
}

// Threshold returns the minutes bound of tier i, or 0 when out of range.
func (ix *Index) Threshold(i int) int {
	if ix == nil || i < 0 || i >= len(ix.tiers) {
		return 0
	}
	return ix.tiers[i].threshold
}

// Extent returns the bounding box of the outermost tier.
func (ix *Index) Extent() (model.BBox, bool) {
	if ix.TierCount() == 0 {
		return model.BBox{}, false
	}
	b := ix.tiers[len(ix.tiers)-1].bounds
	if b == nil || b.IsEmpty() {
		return model.BBox{}, false
	}
	return model.BBox{MinLat: b.Min(1), MinLon: b.Min(0), MaxLat: b.Max(1), MaxLon: b.Max(0)}, true
}

// AssignTier returns the innermost tier containing p, or model.Unreachable.
// Points on a ring boundary count as inside.
func AssignTier(p model.Coordinate, ix *Index) int {
	return ix.AssignTier(p)
}

// AssignTier returns the innermost tier containing p, or model.Unreachable.
func (ix *Index) AssignTier(p model.Coordinate) int {
	if ix == nil {
		return model.Unreachable
	}
	c := geom.Coord{p.Lon, p.Lat}
	for i := range ix.tiers {
		if ix.tiers[i].contains(c) {
			return ix.tiers[i].index
		}
	}
	return model.Unreachable
}

func (t *tier) contains(c geom.Coord) bool {
	if !t.bounds.OverlapsPoint(geom.XY, c) {
		return false
	}
	for i := range t.parts {
		if t.parts[i].contains(c) {
			return true
		}
	}
	return false
}

func (p *polygon) contains(c geom.Coord) bool {
	if !p.bounds.OverlapsPoint(geom.XY, c) {
		return false
	}
	if xy.LocatePointInRing(geom.XY, c, p.shell) == location.Exterior {
		return false
	}
	for _, h := range p.holes {
		// Hole boundary still belongs to the polygon.
		if xy.LocatePointInRing(geom.XY, c, h) == location.Interior {
			return false
		}
	}
	return true
}

// AssignAll classifies every accommodation. Accommodations sharing a
// coordinate are classified once. excluded counts unreachable ones.
func (ix *Index) AssignAll(accs []model.Accommodation) (out []model.TierAssignment, excluded int) {
	out = make([]model.TierAssignment, len(accs))
	seen := make(map[model.Coordinate]int, len(accs))
	for i, a := range accs {
		t, ok := seen[a.Location]
		if !ok {
			t = ix.AssignTier(a.Location)
			seen[a.Location] = t
		}
		out[i] = model.TierAssignment{AccommodationID: a.ID, Tier: t}
		if t == model.Unreachable {
			excluded++
		}
	}
	return out, excluded
}
