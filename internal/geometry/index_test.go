package geometry

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/innsight/internal/model"
)

func squareSet(halfWidths ...float64) *model.IsochroneSet {
	set := &model.IsochroneSet{POIID: "poi-1", Profile: model.TravelProfile{Mode: model.ModeDriving}}
	for i, hw := range halfWidths {
		minutes := (i + 1) * 10
		set.Profile.Thresholds = append(set.Profile.Thresholds, minutes)
		set.Tiers = append(set.Tiers, model.TierPolygon{
			Index:            i,
			ThresholdMinutes: minutes,
			Geometry:         Rect(-hw, -hw, hw, hw),
		})
	}
	return set
}

func TestAssignTier_NestedSquares(t *testing.T) {
	ix, err := NewIndex(squareSet(0.01, 0.02))
	require.NoError(t, err)

	tests := []struct {
		name string
		p    model.Coordinate
		want int
	}{
		{"inner", model.Coordinate{Lat: 0.005, Lon: 0.005}, 0},
		{"outer band", model.Coordinate{Lat: 0, Lon: 0.015}, 1},
		{"outside", model.Coordinate{Lat: 0, Lon: 0.05}, model.Unreachable},
		{"inner boundary", model.Coordinate{Lat: 0, Lon: 0.01}, 0},
		{"inner corner", model.Coordinate{Lat: 0.01, Lon: 0.01}, 0},
		{"outer boundary", model.Coordinate{Lat: -0.02, Lon: 0}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AssignTier(tt.p, ix))
		})
	}
}

func TestAssignTier_Monotonic(t *testing.T) {
	ix, err := NewIndex(squareSet(0.01, 0.02, 0.04))
	require.NoError(t, err)

	// Walking outward along the x axis never moves to an inner tier.
	last := 0
	for step := 0; step <= 60; step++ {
		x := float64(step) * 0.001
		got := ix.AssignTier(model.Coordinate{Lat: 0, Lon: x})
		if got == model.Unreachable {
			last = ix.TierCount()
			continue
		}
		assert.GreaterOrEqual(t, got, last, "x=%v", x)
		last = got
	}
	assert.Equal(t, ix.TierCount(), last)
}

func TestAssignTier_Hole(t *testing.T) {
	// Outer 0.02 square with a 0.005 hole in the middle.
	flat := []float64{
		-0.02, -0.02, 0.02, -0.02, 0.02, 0.02, -0.02, 0.02, -0.02, -0.02,
		-0.005, -0.005, -0.005, 0.005, 0.005, 0.005, 0.005, -0.005, -0.005, -0.005,
	}
	mp := geom.NewMultiPolygonFlat(geom.XY, flat, [][]int{{10, 20}})
	set := &model.IsochroneSet{
		POIID:   "poi-hole",
		Profile: model.TravelProfile{Mode: model.ModeWalking, Thresholds: []int{10}},
		Tiers:   []model.TierPolygon{{Index: 0, ThresholdMinutes: 10, Geometry: mp}},
	}
	ix, err := NewIndex(set)
	require.NoError(t, err)

	assert.Equal(t, model.Unreachable, ix.AssignTier(model.Coordinate{Lat: 0, Lon: 0}))
	assert.Equal(t, 0, ix.AssignTier(model.Coordinate{Lat: 0, Lon: 0.005}), "hole boundary is inside")
	assert.Equal(t, 0, ix.AssignTier(model.Coordinate{Lat: 0, Lon: 0.01}))
}

func TestAssignTier_MultiPart(t *testing.T) {
	flat := []float64{
		0, 0, 1, 0, 1, 1, 0, 1, 0, 0,
		5, 5, 6, 5, 6, 6, 5, 6, 5, 5,
	}
	mp := geom.NewMultiPolygonFlat(geom.XY, flat, [][]int{{10}, {20}})
	set := &model.IsochroneSet{
		Profile: model.TravelProfile{Mode: model.ModeDriving, Thresholds: []int{30}},
		Tiers:   []model.TierPolygon{{Index: 0, ThresholdMinutes: 30, Geometry: mp}},
	}
	ix, err := NewIndex(set)
	require.NoError(t, err)

	assert.Equal(t, 0, ix.AssignTier(model.Coordinate{Lat: 5.5, Lon: 5.5}))
	assert.Equal(t, model.Unreachable, ix.AssignTier(model.Coordinate{Lat: 3, Lon: 3}), "inside bbox, outside both parts")
}

func TestAssignTier_ElevationLayouts(t *testing.T) {
	for _, layout := range []geom.Layout{geom.XYZ, geom.XYM, geom.XYZM} {
		var flat []float64
		for _, c := range [][2]float64{{-0.01, -0.01}, {0.01, -0.01}, {0.01, 0.01}, {-0.01, 0.01}, {-0.01, -0.01}} {
			flat = append(flat, c[0], c[1])
			for extra := 2; extra < layout.Stride(); extra++ {
				flat = append(flat, 35)
			}
		}
		mp := geom.NewMultiPolygonFlat(layout, flat, [][]int{{len(flat)}})
		set := &model.IsochroneSet{
			Profile: model.TravelProfile{Mode: model.ModeDriving, Thresholds: []int{15}},
			Tiers:   []model.TierPolygon{{Index: 0, ThresholdMinutes: 15, Geometry: mp}},
		}
		ix, err := NewIndex(set)
		require.NoError(t, err, layout)

		assert.Equal(t, 0, ix.AssignTier(model.Coordinate{Lat: 0, Lon: 0}), layout)
		assert.Equal(t, 0, ix.AssignTier(model.Coordinate{Lat: 0.01, Lon: 0}), "boundary, %v", layout)
		assert.Equal(t, model.Unreachable, ix.AssignTier(model.Coordinate{Lat: 0.02, Lon: 0}), layout)

		ext, ok := ix.Extent()
		require.True(t, ok)
		assert.Equal(t, model.BBox{MinLat: -0.01, MinLon: -0.01, MaxLat: 0.01, MaxLon: 0.01}, ext)
	}
}

func TestAssignTier_NilIndex(t *testing.T) {
	var ix *Index
	assert.Equal(t, model.Unreachable, ix.AssignTier(model.Coordinate{}))
	assert.Equal(t, 0, ix.TierCount())
	_, ok := ix.Extent()
	assert.False(t, ok)
}

func TestIndex_Extent(t *testing.T) {
	ix, err := NewIndex(squareSet(0.01, 0.02))
	require.NoError(t, err)

	b, ok := ix.Extent()
	require.True(t, ok)
	assert.InDelta(t, -0.02, b.MinLat, 1e-12)
	assert.InDelta(t, -0.02, b.MinLon, 1e-12)
	assert.InDelta(t, 0.02, b.MaxLat, 1e-12)
	assert.InDelta(t, 0.02, b.MaxLon, 1e-12)
}

func TestNewIndex_RejectsBadSets(t *testing.T) {
	_, err := NewIndex(nil)
	assert.Error(t, err)

	set := squareSet(0.01)
	set.Tiers[0].Geometry = nil
	_, err = NewIndex(set)
	assert.Error(t, err)

	set = squareSet(0.01, 0.02)
	set.Tiers[1].Index = 5
	_, err = NewIndex(set)
	assert.Error(t, err)
}

func TestAssignAll_MemoizesAndCounts(t *testing.T) {
	ix, err := NewIndex(squareSet(0.01, 0.02))
	require.NoError(t, err)

	accs := []model.Accommodation{
		{ID: "a", Location: model.Coordinate{Lat: 0.005, Lon: 0.005}},
		{ID: "b", Location: model.Coordinate{Lat: 0, Lon: 0.015}},
		{ID: "c", Location: model.Coordinate{Lat: 0, Lon: 0.05}},
		{ID: "d", Location: model.Coordinate{Lat: 0.005, Lon: 0.005}},
	}
	out, excluded := ix.AssignAll(accs)
	require.Len(t, out, 4)
	assert.Equal(t, 1, excluded)
	assert.Equal(t, []int{0, 1, model.Unreachable, 0}, []int{out[0].Tier, out[1].Tier, out[2].Tier, out[3].Tier})
	assert.Equal(t, "d", out[3].AccommodationID)
	assert.False(t, out[2].Reachable())
}

func TestValidateNesting(t *testing.T) {
	assert.NoError(t, ValidateNesting(squareSet(0.01, 0.02, 0.03)))

	inverted := squareSet(0.02, 0.01)
	assert.Error(t, ValidateNesting(inverted))

	mismatch := squareSet(0.01, 0.02)
	mismatch.Profile.Thresholds = []int{10, 25}
	assert.Error(t, ValidateNesting(mismatch))

	short := squareSet(0.01)
	short.Profile.Thresholds = []int{10, 20}
	assert.Error(t, ValidateNesting(short))

	assert.Error(t, ValidateNesting(&model.IsochroneSet{}))
	assert.Error(t, ValidateNesting(nil))
}

func TestEncodeGeoJSON(t *testing.T) {
	b, err := EncodeGeoJSON(squareSet(0.01, 0.02))
	require.NoError(t, err)

	var doc struct {
		Type     string `json:"type"`
		Features []struct {
			Geometry struct {
				Type string `json:"type"`
			} `json:"geometry"`
			Properties map[string]any `json:"properties"`
		} `json:"features"`
	}
	require.NoError(t, json.Unmarshal(b, &doc))
	assert.Equal(t, "FeatureCollection", doc.Type)
	require.Len(t, doc.Features, 2)
	assert.Equal(t, "MultiPolygon", doc.Features[0].Geometry.Type)
	assert.EqualValues(t, 20, doc.Features[1].Properties["minutes"])
	assert.EqualValues(t, 1, doc.Features[1].Properties["tier"])
}
