package model

import (
	"time"

	"github.com/twpayne/go-geom"
)

// TierPolygon is one nested isochrone band. Index 0 is the innermost tier.
type TierPolygon struct {
	Index            int                `json:"index"`
	ThresholdMinutes int                `json:"threshold_minutes"`
	Geometry         *geom.MultiPolygon `json:"-"`
}

// IsochroneSet holds every tier polygon generated together for one POI and
// profile. Sets are never mixed across POIs and are not mutated after
// construction.
type IsochroneSet struct {
	POIID     string        `json:"poi_id"`
	Origin    Coordinate    `json:"origin"`
	Profile   TravelProfile `json:"profile"`
	Tiers     []TierPolygon `json:"tiers"`
	FetchedAt time.Time     `json:"fetched_at"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// TierCount returns the number of tiers in the set.
func (s *IsochroneSet) TierCount() int {
	if s == nil {
		return 0
	}
	return len(s.Tiers)
}

// Expired reports whether the set is past its expiry at now.
func (s *IsochroneSet) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Unreachable marks an accommodation outside the outermost tier polygon.
const Unreachable = -1

// TierAssignment maps an accommodation to a tier index or Unreachable.
// Recomputed per query, never persisted.
type TierAssignment struct {
	AccommodationID string `json:"accommodation_id"`
	Tier            int    `json:"tier"`
}

// Reachable reports whether the accommodation fell inside any tier.
func (a TierAssignment) Reachable() bool {
	return a.Tier != Unreachable
}
