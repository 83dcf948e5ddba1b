package geometry

import (
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/innsight/internal/model"
)

// ValidateNesting checks the structural invariants of set: tiers ordered by
// index with increasing thresholds matching the profile, non-empty
// geometry, and each tier's bounding box inside the next tier's. Bounding
// box containment is necessary for polygon nesting, not sufficient.
func ValidateNesting(set *model.IsochroneSet) error {
	if set == nil {
		return eris.New("geometry: nil isochrone set")
	}
	if len(set.Tiers) == 0 {
		return eris.New("geometry: isochrone set has no tiers")
	}
	if want := set.Profile.TierCount(); want > 0 && want != len(set.Tiers) {
		return eris.Errorf("geometry: expected %d tiers, got %d", want, len(set.Tiers))
	}

	var prev *geom.Bounds
	for i, tp := range set.Tiers {
		if tp.Index != i {
			return eris.Errorf("geometry: tier %d has index %d", i, tp.Index)
		}
		if i < len(set.Profile.Thresholds) && tp.ThresholdMinutes != set.Profile.Thresholds[i] {
			return eris.Errorf("geometry: tier %d threshold %d does not match profile %d",
				i, tp.ThresholdMinutes, set.Profile.Thresholds[i])
		}
		if i > 0 && tp.ThresholdMinutes <= set.Tiers[i-1].ThresholdMinutes {
			return eris.Errorf("geometry: tier %d threshold not increasing", i)
		}
		if tp.Geometry == nil || tp.Geometry.Empty() {
			return eris.Errorf("geometry: tier %d geometry is empty", i)
		}
		b := tp.Geometry.Bounds()
		if prev != nil && !boundsWithin(prev, b) {
			return eris.Errorf("geometry: tier %d does not enclose tier %d", i, i-1)
		}
		prev = b
	}
	return nil
}

// boundsWithin reports whether inner lies inside outer on the x and y axes.
func boundsWithin(inner, outer *geom.Bounds) bool {
	for dim := 0; dim < 2; dim++ {
		if inner.Min(dim) < outer.Min(dim) || inner.Max(dim) > outer.Max(dim) {
			return false
		}
	}
	return true
}
