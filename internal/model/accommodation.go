package model

// Accommodation is a candidate listing supplied by the inventory
// collaborator. Read-only to the ranking core.
type Accommodation struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Kind      string            `json:"kind,omitempty"`
	Location  Coordinate        `json:"location"`
	Rating    *float64          `json:"rating,omitempty"`
	Amenities AmenitySet        `json:"amenities,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// Rating returns a pointer to r, for building accommodations with a rating.
func Rating(r float64) *float64 {
	return &r
}
