// Package scoring computes deterministic weighted scores for accommodations.
package scoring

import (
	"math"
	"sort"

	"github.com/sells-group/innsight/internal/model"
)

const (
	// MaxRating is the top of the rating scale.
	MaxRating = 5.0
	// DefaultNeutralRating is the rating component used when no rating
	// exists and none is configured.
	DefaultNeutralRating = 0.5
)

// DefaultWeights mirror the historical 4:2:4 split between tier, rating and
// the four amenity checks.
var DefaultWeights = model.WeightConfig{Tier: 4, Rating: 2, Amenity: 4}

// ValidateWeights rejects negative, non-finite or all-zero weights.
func ValidateWeights(w model.WeightConfig) error {
	for _, v := range []struct {
		name string
		val  float64
	}{{"tier", w.Tier}, {"rating", w.Rating}, {"amenity", w.Amenity}} {
		if math.IsNaN(v.val) || math.IsInf(v.val, 0) {
			return model.Errorf(model.KindInvalidConfiguration, "weight %s must be finite", v.name)
		}
		if v.val < 0 {
			return model.Errorf(model.KindInvalidConfiguration, "weight %s must be non-negative (got %g)", v.name, v.val)
		}
	}
	if w.Tier+w.Rating+w.Amenity == 0 {
		return model.Errorf(model.KindInvalidConfiguration, "weights cannot all be zero")
	}
	return nil
}

// Normalize validates w and scales it to sum to 1.
func Normalize(w model.WeightConfig) (model.WeightConfig, error) {
	if err := ValidateWeights(w); err != nil {
		return model.WeightConfig{}, err
	}
	sum := w.Tier + w.Rating + w.Amenity
	return model.WeightConfig{Tier: w.Tier / sum, Rating: w.Rating / sum, Amenity: w.Amenity / sum}, nil
}

// Overrides replaces individual weights for one request. Nil fields keep
// the base weight.
type Overrides struct {
	Tier    *float64 `json:"tier,omitempty"`
	Rating  *float64 `json:"rating,omitempty"`
	Amenity *float64 `json:"amenity,omitempty"`
}

// Empty reports whether no weight is overridden.
func (o Overrides) Empty() bool {
	return o.Tier == nil && o.Rating == nil && o.Amenity == nil
}

// MergeOverrides applies o on top of base.
func MergeOverrides(base model.WeightConfig, o Overrides) model.WeightConfig {
	if o.Tier != nil {
		base.Tier = *o.Tier
	}
	if o.Rating != nil {
		base.Rating = *o.Rating
	}
	if o.Amenity != nil {
		base.Amenity = *o.Amenity
	}
	return base
}

// AmenityMatch counts how many requested amenities are satisfied.
type AmenityMatch struct {
	Requested int
	Satisfied int
}

// Match evaluates set against requested. Unknown facts are not satisfied.
func Match(set model.AmenitySet, requested []model.Amenity) AmenityMatch {
	m := AmenityMatch{Requested: len(requested)}
	for _, a := range requested {
		if set.Get(a).Satisfied() {
			m.Satisfied++
		}
	}
	return m
}

// TierComponent maps tier 0 to 1 and the outermost tier to 0. A single
// tier scores 1; Unreachable scores 0.
func TierComponent(tier, tierCount int) float64 {
	if tier < 0 || tierCount <= 0 || tier >= tierCount {
		return 0
	}
	if tierCount == 1 {
		return 1
	}
	return 1 - float64(tier)/float64(tierCount-1)
}

// RatingComponent maps a 0-5 rating onto [0,1]. A nil rating is neutral.
func RatingComponent(rating *float64, neutral float64) float64 {
	if rating == nil || math.IsNaN(*rating) {
		return neutral
	}
	return clamp01(*rating / MaxRating)
}

// AmenityComponent is the satisfied share of requested amenities, 1 when
// nothing was requested.
func AmenityComponent(m AmenityMatch) float64 {
	if m.Requested <= 0 {
		return 1
	}
	return clamp01(float64(m.Satisfied) / float64(m.Requested))
}

// Components computes every score component. neutral stands in for an
// absent rating.
func Components(tier, tierCount int, rating *float64, match AmenityMatch, neutral float64) model.Components {
	return model.Components{
		Tier:    TierComponent(tier, tierCount),
		Rating:  RatingComponent(rating, neutral),
		Amenity: AmenityComponent(match),
	}
}

// Combine weights c with normalized weights w. Terms are summed in a fixed
// order so equal inputs give bit-identical results.
func Combine(c model.Components, w model.WeightConfig) float64 {
	s := w.Tier * c.Tier
	s += w.Rating * c.Rating
	s += w.Amenity * c.Amenity
	return clamp01(s)
}

// Score is the final score in [0,1] for normalized weights, with absent
// ratings at DefaultNeutralRating.
func Score(tier, tierCount int, rating *float64, match AmenityMatch, weights model.WeightConfig) float64 {
	return Combine(Components(tier, tierCount, rating, match, DefaultNeutralRating), weights)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// Less orders results by score descending, then tier ascending with
// unreachable last, then rating descending with absent ratings as neutral,
// then ID ascending. It is a strict total order over distinct IDs.
func Less(a, b model.ScoredResult) bool {
	return less(a, b, DefaultNeutralRating)
}

func less(a, b model.ScoredResult, neutral float64) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if ta, tb := tierKey(a.Tier), tierKey(b.Tier); ta != tb {
		return ta < tb
	}
	if ra, rb := ratingKey(a.Accommodation.Rating, neutral), ratingKey(b.Accommodation.Rating, neutral); ra != rb {
		return ra > rb
	}
	return a.Accommodation.ID < b.Accommodation.ID
}

func tierKey(t int) int {
	if t < 0 {
		return math.MaxInt
	}
	return t
}

func ratingKey(r *float64, neutral float64) float64 {
	if r == nil || math.IsNaN(*r) {
		return neutral * MaxRating
	}
	return *r
}

// Sort orders results with Less and assigns 1-based ranks.
func Sort(results []model.ScoredResult) {
	sortWith(results, DefaultNeutralRating)
}

func sortWith(results []model.ScoredResult, neutral float64) {
	sort.SliceStable(results, func(i, j int) bool { return less(results[i], results[j], neutral) })
	for i := range results {
		results[i].Rank = i + 1
	}
}
