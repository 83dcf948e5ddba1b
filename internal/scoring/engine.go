package scoring

import (
	"math"

	"github.com/sells-group/innsight/internal/model"
)

// Engine scores accommodations with weights normalized at construction.
type Engine struct {
	weights model.WeightConfig
	neutral float64
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithNeutralRating sets the rating component used for accommodations
// without a rating.
func WithNeutralRating(v float64) EngineOption {
	return func(e *Engine) { e.neutral = v }
}

// NewEngine validates and normalizes w.
func NewEngine(w model.WeightConfig, opts ...EngineOption) (*Engine, error) {
	n, err := Normalize(w)
	if err != nil {
		return nil, err
	}
	e := &Engine{weights: n, neutral: DefaultNeutralRating}
	for _, opt := range opts {
		opt(e)
	}
	if err := ValidateNeutralRating(e.neutral); err != nil {
		return nil, err
	}
	return e, nil
}

// ValidateNeutralRating rejects values outside [0,1].
func ValidateNeutralRating(v float64) error {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return model.Errorf(model.KindInvalidConfiguration, "neutral rating must be within [0,1] (got %g)", v)
	}
	return nil
}

// Weights returns the normalized weights.
func (e *Engine) Weights() model.WeightConfig { return e.weights }

// NeutralRating returns the component used for absent ratings.
func (e *Engine) NeutralRating() float64 { return e.neutral }

// Override returns an engine with o applied to raw before normalizing. raw
// is the unnormalized base e was built from. The neutral rating is kept.
func (e *Engine) Override(raw model.WeightConfig, o Overrides) (*Engine, error) {
	return NewEngine(MergeOverrides(raw, o), WithNeutralRating(e.neutral))
}

// Result scores a with its tier and the requested amenities.
func (e *Engine) Result(a model.Accommodation, tier, tierCount int, amenities model.AmenitySet, requested []model.Amenity) model.ScoredResult {
	c := Components(tier, tierCount, a.Rating, Match(amenities, requested), e.neutral)
	a.Amenities = amenities
	return model.ScoredResult{
		Accommodation: a,
		Tier:          tier,
		Components:    c,
		Score:         Combine(c, e.weights),
	}
}

// Sort orders results like Less, ranking absent ratings at the engine's
// neutral value, and assigns 1-based ranks.
func (e *Engine) Sort(results []model.ScoredResult) {
	sortWith(results, e.neutral)
}
