package model

import (
	"encoding/json"
	"sort"
	"strings"
)

// Amenity is a facility an accommodation may offer.
type Amenity string

const (
	AmenityParking    Amenity = "parking"
	AmenityWheelchair Amenity = "wheelchair"
	AmenityKids       Amenity = "kids"
	AmenityPets       Amenity = "pets"
)

// Amenities lists every amenity in a fixed order.
var Amenities = []Amenity{AmenityParking, AmenityWheelchair, AmenityKids, AmenityPets}

// ParseAmenity maps user-facing filter names to an Amenity.
func ParseAmenity(s string) (Amenity, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "parking":
		return AmenityParking, true
	case "wheelchair", "accessible", "accessibility":
		return AmenityWheelchair, true
	case "kids", "kid", "kid-friendly", "family", "children":
		return AmenityKids, true
	case "pets", "pet", "pet-friendly", "dogs":
		return AmenityPets, true
	default:
		return "", false
	}
}

// Tri is a tagged tri-state amenity fact: Unknown, or Known(true|false).
// The zero value is Unknown.
type Tri struct {
	known bool
	value bool
}

// Unknown is the unresolved amenity fact.
var Unknown = Tri{}

// Known returns a resolved amenity fact.
func Known(v bool) Tri {
	return Tri{known: true, value: v}
}

// Get returns the value and whether it is known.
func (t Tri) Get() (value, known bool) {
	return t.value, t.known
}

// IsKnown reports whether the fact was resolved.
func (t Tri) IsKnown() bool { return t.known }

// Satisfied is true only for Known(true). Unknown never satisfies.
func (t Tri) Satisfied() bool { return t.known && t.value }

func (t Tri) String() string {
	switch {
	case !t.known:
		return "unknown"
	case t.value:
		return "yes"
	default:
		return "no"
	}
}

// MarshalJSON encodes Unknown as null.
func (t Tri) MarshalJSON() ([]byte, error) {
	if !t.known {
		return []byte("null"), nil
	}
	return json.Marshal(t.value)
}

// UnmarshalJSON accepts null, booleans and "yes"/"no" strings.
func (t *Tri) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case nil:
		*t = Unknown
	case bool:
		*t = Known(v)
	case string:
		*t = ParseTri(v)
	default:
		*t = Unknown
	}
	return nil
}

// ParseTri interprets an OSM-style tag value.
func ParseTri(s string) Tri {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "true", "1", "designated", "surface", "underground", "multi-storey":
		return Known(true)
	case "no", "false", "0":
		return Known(false)
	default:
		return Unknown
	}
}

// AmenitySet holds one fact per amenity. Missing keys read as Unknown.
type AmenitySet map[Amenity]Tri

// Get returns the fact for a, Unknown when absent.
func (s AmenitySet) Get(a Amenity) Tri {
	if s == nil {
		return Unknown
	}
	return s[a]
}

// HasUnknown reports whether any of the given amenities is unresolved.
func (s AmenitySet) HasUnknown(amenities []Amenity) bool {
	for _, a := range amenities {
		if !s.Get(a).IsKnown() {
			return true
		}
	}
	return false
}

// Complete reports whether every amenity is known.
func (s AmenitySet) Complete() bool {
	return !s.HasUnknown(Amenities)
}

// Merge returns a copy of s where unknown facts are filled from other.
// Known facts in s win.
func (s AmenitySet) Merge(other AmenitySet) AmenitySet {
	out := make(AmenitySet, len(Amenities))
	for _, a := range Amenities {
		if v := s.Get(a); v.IsKnown() {
			out[a] = v
		} else {
			out[a] = other.Get(a)
		}
	}
	return out
}

// AmenityFilter splits requested amenities into hard requirements, applied
// before scoring, and soft preferences that only feed the amenity score.
type AmenityFilter struct {
	Required  []Amenity `json:"required,omitempty"`
	Preferred []Amenity `json:"preferred,omitempty"`
}

// Requested returns the deduplicated union of required and preferred
// amenities in a stable order.
func (f AmenityFilter) Requested() []Amenity {
	seen := make(map[Amenity]bool, len(f.Required)+len(f.Preferred))
	var out []Amenity
	for _, a := range append(append([]Amenity(nil), f.Required...), f.Preferred...) {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Empty reports whether nothing was requested.
func (f AmenityFilter) Empty() bool {
	return len(f.Required) == 0 && len(f.Preferred) == 0
}
