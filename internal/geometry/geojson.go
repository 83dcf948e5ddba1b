package geometry

import (
	"encoding/json"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/sells-group/innsight/internal/model"
)

// FeatureCollection renders the tiers of set as GeoJSON features carrying
// tier and minutes properties, innermost first.
func FeatureCollection(set *model.IsochroneSet) *geojson.FeatureCollection {
	fc := &geojson.FeatureCollection{}
	if set == nil {
		return fc
	}
	for _, tp := range set.Tiers {
		if tp.Geometry == nil {
			continue
		}
		fc.Features = append(fc.Features, &geojson.Feature{
			Geometry: tp.Geometry,
			Properties: map[string]any{
				"poi_id":  set.POIID,
				"tier":    tp.Index,
				"minutes": tp.ThresholdMinutes,
			},
		})
	}
	return fc
}

// EncodeGeoJSON marshals the tiers of set as a GeoJSON FeatureCollection.
func EncodeGeoJSON(set *model.IsochroneSet) ([]byte, error) {
	b, err := json.Marshal(FeatureCollection(set))
	if err != nil {
		return nil, eris.Wrap(err, "geometry: encode geojson")
	}
	return b, nil
}
