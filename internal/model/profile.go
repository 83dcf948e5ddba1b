package model

import (
	"fmt"
	"strconv"
	"strings"
)

// TravelMode is the transport mode used for isochrone generation.
type TravelMode string

const (
	ModeDriving TravelMode = "driving"
	ModeWalking TravelMode = "walking"
	ModeCycling TravelMode = "cycling"
)

// ParseTravelMode accepts the short mode names as well as the ORS profile names.
func ParseTravelMode(s string) (TravelMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "driving", "driving-car", "car":
		return ModeDriving, nil
	case "walking", "foot-walking", "foot":
		return ModeWalking, nil
	case "cycling", "cycling-regular", "bike":
		return ModeCycling, nil
	default:
		return "", Errorf(KindInvalidConfiguration, "unknown travel mode %q", s)
	}
}

// ORSProfile maps the mode to its openrouteservice profile name.
func (m TravelMode) ORSProfile() string {
	switch m {
	case ModeWalking:
		return "foot-walking"
	case ModeCycling:
		return "cycling-regular"
	default:
		return "driving-car"
	}
}

// TravelProfile pairs a travel mode with strictly increasing time thresholds
// in minutes. Read-only at request time.
type TravelProfile struct {
	Mode       TravelMode `json:"mode"`
	Thresholds []int      `json:"thresholds"`
}

// DefaultThresholds are the tier bands used when none are configured.
var DefaultThresholds = []int{15, 30, 60}

// ID identifies the profile for cache keys.
func (p TravelProfile) ID() string {
	return string(p.Mode)
}

// TierCount is the number of tiers the profile produces.
func (p TravelProfile) TierCount() int {
	return len(p.Thresholds)
}

// ThresholdKey renders the thresholds as a stable key fragment, e.g. "5-10-15".
func (p TravelProfile) ThresholdKey() string {
	parts := make([]string, len(p.Thresholds))
	for i, t := range p.Thresholds {
		parts[i] = strconv.Itoa(t)
	}
	return strings.Join(parts, "-")
}

// Validate checks the mode and that thresholds are positive and strictly increasing.
func (p TravelProfile) Validate() error {
	switch p.Mode {
	case ModeDriving, ModeWalking, ModeCycling:
	default:
		return Errorf(KindInvalidConfiguration, "unknown travel mode %q", p.Mode)
	}
	if len(p.Thresholds) == 0 {
		return Errorf(KindInvalidConfiguration, "profile %s: at least one threshold is required", p.Mode)
	}
	prev := 0
	for i, t := range p.Thresholds {
		if t <= 0 {
			return Errorf(KindInvalidConfiguration, "profile %s: threshold %d must be positive (got %d)", p.Mode, i, t)
		}
		if t <= prev {
			return Errorf(KindInvalidConfiguration, "profile %s: thresholds must be strictly increasing (%d after %d)", p.Mode, t, prev)
		}
		prev = t
	}
	return nil
}

func (p TravelProfile) String() string {
	return fmt.Sprintf("%s[%s]", p.Mode, p.ThresholdKey())
}
