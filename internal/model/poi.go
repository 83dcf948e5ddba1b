// Package model defines the domain types shared by the ranking core.
package model

import (
	"fmt"
	"math"
)

// Coordinate is a WGS84 position in decimal degrees.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the coordinate lies inside WGS84 bounds.
func (c Coordinate) Valid() bool {
	return !math.IsNaN(c.Lat) && !math.IsNaN(c.Lon) &&
		c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// Round returns the coordinate rounded to the given number of decimals.
func (c Coordinate) Round(precision int) Coordinate {
	return Coordinate{Lat: RoundTo(c.Lat, precision), Lon: RoundTo(c.Lon, precision)}
}

func (c Coordinate) String() string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

// RoundTo rounds v half away from zero to precision decimal places.
func RoundTo(v float64, precision int) float64 {
	p := math.Pow10(precision)
	r := math.Round(v*p) / p
	if r == 0 {
		return 0 // normalize -0
	}
	return r
}

// POI is a resolved point of interest. Immutable once resolved.
type POI struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	DisplayName string     `json:"display_name,omitempty"`
	Location    Coordinate `json:"location"`
}

// POIAt builds an anonymous POI for raw coordinates.
func POIAt(c Coordinate) POI {
	return POI{
		ID:       fmt.Sprintf("coord:%.5f,%.5f", c.Lat, c.Lon),
		Name:     c.String(),
		Location: c,
	}
}
