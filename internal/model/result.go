package model

// WeightConfig holds the non-negative weights for each score component.
type WeightConfig struct {
	Tier    float64 `json:"tier" mapstructure:"tier"`
	Rating  float64 `json:"rating" mapstructure:"rating"`
	Amenity float64 `json:"amenity" mapstructure:"amenity"`
}

// Components are the per-accommodation score inputs, each in [0,1].
type Components struct {
	Tier    float64 `json:"tier"`
	Rating  float64 `json:"rating"`
	Amenity float64 `json:"amenity"`
}

// ScoredResult is one ranked accommodation. Transient, one per query.
type ScoredResult struct {
	Accommodation Accommodation `json:"accommodation"`
	Tier          int           `json:"tier"`
	Components    Components    `json:"components"`
	Score         float64       `json:"score"`
	Rank          int           `json:"rank"`
}
