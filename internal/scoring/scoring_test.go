package scoring

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/innsight/internal/model"
)

func ptr(v float64) *float64 { return &v }

func TestTierComponent(t *testing.T) {
	tests := []struct {
		name      string
		tier      int
		tierCount int
		want      float64
	}{
		{"innermost of three", 0, 3, 1},
		{"middle of three", 1, 3, 0.5},
		{"outermost of three", 2, 3, 0},
		{"single tier", 0, 1, 1},
		{"unreachable", model.Unreachable, 3, 0},
		{"out of range", 3, 3, 0},
		{"no tiers", 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, TierComponent(tt.tier, tt.tierCount), 1e-12)
		})
	}
}

func TestRatingComponent(t *testing.T) {
	assert.Equal(t, 1.0, RatingComponent(ptr(5), DefaultNeutralRating))
	assert.InDelta(t, 0.8, RatingComponent(ptr(4), DefaultNeutralRating), 1e-12)
	assert.Equal(t, 0.0, RatingComponent(ptr(0), DefaultNeutralRating))
	assert.Equal(t, 1.0, RatingComponent(ptr(7), DefaultNeutralRating), "clamped above")
	assert.Equal(t, 0.0, RatingComponent(ptr(-1), DefaultNeutralRating), "clamped below")
	assert.Equal(t, DefaultNeutralRating, RatingComponent(nil, DefaultNeutralRating), "absent rating is neutral, not zero")
	assert.Equal(t, DefaultNeutralRating, RatingComponent(ptr(math.NaN()), DefaultNeutralRating))
}

func TestAmenityComponent(t *testing.T) {
	assert.Equal(t, 1.0, AmenityComponent(AmenityMatch{}), "nothing requested")
	assert.Equal(t, 0.5, AmenityComponent(AmenityMatch{Requested: 2, Satisfied: 1}))
	assert.Equal(t, 0.0, AmenityComponent(AmenityMatch{Requested: 3}))
	assert.Equal(t, 1.0, AmenityComponent(AmenityMatch{Requested: 2, Satisfied: 2}))
}

func TestMatch_UnknownIsNotSatisfied(t *testing.T) {
	set := model.AmenitySet{
		model.AmenityParking:    model.Known(true),
		model.AmenityWheelchair: model.Known(false),
		// kids and pets absent: unknown
	}
	m := Match(set, []model.Amenity{model.AmenityParking, model.AmenityWheelchair, model.AmenityKids})
	assert.Equal(t, AmenityMatch{Requested: 3, Satisfied: 1}, m)

	assert.Equal(t, AmenityMatch{Requested: 1}, Match(nil, []model.Amenity{model.AmenityPets}))
}

func TestValidateWeights(t *testing.T) {
	assert.NoError(t, ValidateWeights(DefaultWeights))
	assert.NoError(t, ValidateWeights(model.WeightConfig{Tier: 1}))

	bad := []model.WeightConfig{
		{},
		{Tier: -1, Rating: 2},
		{Tier: math.NaN(), Rating: 1},
		{Tier: 1, Amenity: math.Inf(1)},
	}
	for _, w := range bad {
		err := ValidateWeights(w)
		require.Error(t, err, "%+v", w)
		assert.ErrorIs(t, err, model.ErrInvalidConfiguration)
	}
}

func TestNormalize(t *testing.T) {
	n, err := Normalize(model.WeightConfig{Tier: 4, Rating: 2, Amenity: 4})
	require.NoError(t, err)
	assert.InDelta(t, 0.4, n.Tier, 1e-12)
	assert.InDelta(t, 0.2, n.Rating, 1e-12)
	assert.InDelta(t, 0.4, n.Amenity, 1e-12)
	assert.InDelta(t, 1.0, n.Tier+n.Rating+n.Amenity, 1e-12)

	_, err = Normalize(model.WeightConfig{})
	assert.True(t, model.IsKind(err, model.KindInvalidConfiguration))
}

func TestMergeOverrides(t *testing.T) {
	o := Overrides{Rating: ptr(0)}
	assert.False(t, o.Empty())
	assert.True(t, Overrides{}.Empty())

	got := MergeOverrides(DefaultWeights, o)
	assert.Equal(t, model.WeightConfig{Tier: 4, Rating: 0, Amenity: 4}, got)
	assert.Equal(t, 2.0, DefaultWeights.Rating, "base is not mutated")
}

func TestScore_Deterministic(t *testing.T) {
	w, err := Normalize(model.WeightConfig{Tier: 0.3, Rating: 0.7, Amenity: 0.11})
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		tierCount := 1 + rng.Intn(5)
		tier := rng.Intn(tierCount+1) - 1
		rating := ptr(rng.Float64() * 5)
		m := AmenityMatch{Requested: rng.Intn(4)}
		if m.Requested > 0 {
			m.Satisfied = rng.Intn(m.Requested + 1)
		}

		a := Score(tier, tierCount, rating, m, w)
		b := Score(tier, tierCount, ptr(*rating), m, w)
		assert.Equal(t, math.Float64bits(a), math.Float64bits(b))
		assert.GreaterOrEqual(t, a, 0.0)
		assert.LessOrEqual(t, a, 1.0)
	}
}

func TestScore_TierOutranksAtEqualRating(t *testing.T) {
	e, err := NewEngine(model.WeightConfig{Tier: 1, Rating: 1, Amenity: 0})
	require.NoError(t, err)

	a := e.Result(model.Accommodation{ID: "b-hotel", Rating: ptr(5)}, 0, 2, nil, nil)
	b := e.Result(model.Accommodation{ID: "a-hotel", Rating: ptr(5)}, 1, 2, nil, nil)
	assert.InDelta(t, 1.0, a.Score, 1e-12)
	assert.InDelta(t, 0.5, b.Score, 1e-12)

	results := []model.ScoredResult{b, a}
	Sort(results)
	assert.Equal(t, "b-hotel", results[0].Accommodation.ID)
	assert.Equal(t, 1, results[0].Rank)
	assert.Equal(t, 2, results[1].Rank)
}

func TestLess_TieBreaks(t *testing.T) {
	res := func(id string, score float64, tier int, rating *float64) model.ScoredResult {
		return model.ScoredResult{Accommodation: model.Accommodation{ID: id, Rating: rating}, Score: score, Tier: tier}
	}

	// lower tier first on equal score
	assert.True(t, Less(res("z", 0.5, 0, ptr(3)), res("a", 0.5, 1, ptr(3))))
	// unreachable last
	assert.True(t, Less(res("z", 0, 2, nil), res("a", 0, model.Unreachable, nil)))
	// higher rating first on equal score and tier
	assert.True(t, Less(res("z", 0.5, 1, ptr(4)), res("a", 0.5, 1, ptr(3))))
	// absent rating counts as neutral
	assert.True(t, Less(res("z", 0.5, 1, ptr(3)), res("a", 0.5, 1, nil)))
	assert.True(t, Less(res("z", 0.5, 1, nil), res("a", 0.5, 1, ptr(2))))
	// id ascending when everything else ties
	assert.True(t, Less(res("a", 0.5, 1, ptr(3)), res("b", 0.5, 1, ptr(3))))
	assert.False(t, Less(res("b", 0.5, 1, ptr(3)), res("a", 0.5, 1, ptr(3))))
	assert.False(t, Less(res("a", 0.5, 1, ptr(3)), res("a", 0.5, 1, ptr(3))))
}

func TestSort_TotalOrderAcrossRuns(t *testing.T) {
	base := []model.ScoredResult{
		{Accommodation: model.Accommodation{ID: "h3", Rating: ptr(4)}, Score: 0.7, Tier: 1},
		{Accommodation: model.Accommodation{ID: "h1", Rating: ptr(4)}, Score: 0.7, Tier: 1},
		{Accommodation: model.Accommodation{ID: "h2", Rating: ptr(4)}, Score: 0.7, Tier: 1},
		{Accommodation: model.Accommodation{ID: "h0"}, Score: 0.9, Tier: 0},
		{Accommodation: model.Accommodation{ID: "h4"}, Score: 0.7, Tier: 0},
	}
	want := []string{"h0", "h4", "h1", "h2", "h3"}

	rng := rand.New(rand.NewSource(42))
	for run := 0; run < 20; run++ {
		shuffled := append([]model.ScoredResult(nil), base...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		Sort(shuffled)

		ids := make([]string, len(shuffled))
		for i, r := range shuffled {
			ids[i] = r.Accommodation.ID
			assert.Equal(t, i+1, r.Rank)
		}
		assert.Equal(t, want, ids)
	}
}

func TestEngine_Result(t *testing.T) {
	e, err := NewEngine(DefaultWeights)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, e.Weights().Tier, 1e-12)

	amenities := model.AmenitySet{model.AmenityParking: model.Known(true)}
	r := e.Result(model.Accommodation{ID: "node/1"}, 1, 3, amenities,
		[]model.Amenity{model.AmenityParking, model.AmenityPets})

	assert.Equal(t, model.Components{Tier: 0.5, Rating: DefaultNeutralRating, Amenity: 0.5}, r.Components)
	assert.InDelta(t, 0.4*0.5+0.2*0.5+0.4*0.5, r.Score, 1e-12)
	assert.Equal(t, amenities, r.Accommodation.Amenities)
	assert.Equal(t, 1, r.Tier)
}

func TestEngine_Override(t *testing.T) {
	base, err := NewEngine(DefaultWeights, WithNeutralRating(0.2))
	require.NoError(t, err)

	e, err := base.Override(DefaultWeights, Overrides{Amenity: ptr(0), Rating: ptr(0)})
	require.NoError(t, err)
	assert.Equal(t, model.WeightConfig{Tier: 1}, e.Weights())
	assert.Equal(t, 0.2, e.NeutralRating(), "overrides keep the neutral rating")

	_, err = base.Override(DefaultWeights, Overrides{Tier: ptr(0), Rating: ptr(0), Amenity: ptr(0)})
	assert.ErrorIs(t, err, model.ErrInvalidConfiguration)
}

func TestEngine_ConfiguredNeutralRating(t *testing.T) {
	e, err := NewEngine(model.WeightConfig{Rating: 1}, WithNeutralRating(0.9))
	require.NoError(t, err)

	unrated := e.Result(model.Accommodation{ID: "node/1"}, 0, 1, nil, nil)
	rated := e.Result(model.Accommodation{ID: "node/2", Rating: ptr(4)}, 0, 1, nil, nil)
	assert.Equal(t, 0.9, unrated.Components.Rating)
	assert.InDelta(t, 0.9, unrated.Score, 1e-12)

	results := []model.ScoredResult{rated, unrated}
	e.Sort(results)
	assert.Equal(t, "node/1", results[0].Accommodation.ID, "absent rating sorts at 4.5 stars")
	assert.Equal(t, 1, results[0].Rank)

	// Equal scores fall back to the rating key, which follows the engine too.
	tie := []model.ScoredResult{
		{Accommodation: model.Accommodation{ID: "a", Rating: ptr(4)}, Score: 0.5},
		{Accommodation: model.Accommodation{ID: "b"}, Score: 0.5},
	}
	e.Sort(tie)
	assert.Equal(t, "b", tie[0].Accommodation.ID)
	Sort(tie)
	assert.Equal(t, "a", tie[0].Accommodation.ID, "default neutral is 2.5 stars")

	for _, bad := range []float64{-0.1, 1.5, math.NaN()} {
		_, err := NewEngine(DefaultWeights, WithNeutralRating(bad))
		assert.ErrorIs(t, err, model.ErrInvalidConfiguration, "%v", bad)
	}
}
