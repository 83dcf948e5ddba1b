package geometry

import "github.com/twpayne/go-geom"

// Rect builds an axis-aligned box as a single-part MultiPolygon in WGS84
// lon/lat order.
func Rect(minLon, minLat, maxLon, maxLat float64) *geom.MultiPolygon {
	ring := []float64{
		minLon, minLat,
		maxLon, minLat,
		maxLon, maxLat,
		minLon, maxLat,
		minLon, minLat,
	}
	return geom.NewMultiPolygonFlat(geom.XY, ring, [][]int{{len(ring)}}).SetSRID(4326)
}
