package model

import (
	"fmt"
	"math"
)

const earthRadiusMeters = 6371008.8

// BBox is a WGS84 bounding box.
type BBox struct {
	MinLat float64 `json:"min_lat"`
	MinLon float64 `json:"min_lon"`
	MaxLat float64 `json:"max_lat"`
	MaxLon float64 `json:"max_lon"`
}

// Contains reports whether c lies inside b, edges included.
func (b BBox) Contains(c Coordinate) bool {
	return c.Lat >= b.MinLat && c.Lat <= b.MaxLat && c.Lon >= b.MinLon && c.Lon <= b.MaxLon
}

// Valid reports whether b is non-inverted and inside WGS84 bounds.
func (b BBox) Valid() bool {
	return Coordinate{Lat: b.MinLat, Lon: b.MinLon}.Valid() &&
		Coordinate{Lat: b.MaxLat, Lon: b.MaxLon}.Valid() &&
		b.MinLat <= b.MaxLat && b.MinLon <= b.MaxLon
}

// Overpass renders b in Overpass (south,west,north,east) order.
func (b BBox) Overpass() string {
	return fmt.Sprintf("%.6f,%.6f,%.6f,%.6f", b.MinLat, b.MinLon, b.MaxLat, b.MaxLon)
}

// Around returns the box enclosing a circle of radius meters around c.
func Around(c Coordinate, meters float64) BBox {
	dLat := meters / earthRadiusMeters * 180 / math.Pi
	cos := math.Cos(c.Lat * math.Pi / 180)
	if cos < 1e-6 {
		cos = 1e-6
	}
	dLon := dLat / cos
	return BBox{
		MinLat: math.Max(c.Lat-dLat, -90),
		MinLon: math.Max(c.Lon-dLon, -180),
		MaxLat: math.Min(c.Lat+dLat, 90),
		MaxLon: math.Min(c.Lon+dLon, 180),
	}
}

// DistanceMeters is the haversine distance between a and b.
func DistanceMeters(a, b Coordinate) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}
