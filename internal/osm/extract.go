package osm

import (
	"strconv"
	"strings"

	"github.com/sells-group/innsight/internal/model"
)

// ratingKeys are tried in order; the first parseable value wins.
var ratingKeys = []string{"rating", "stars", "quality"}

// ExtractRating reads a 0-5 rating from tags, or nil when none parses.
func ExtractRating(tags map[string]string) *float64 {
	for _, k := range ratingKeys {
		v, ok := tags[k]
		if !ok {
			continue
		}
		// "4S" style star classifications carry a suffix.
		v = strings.TrimRight(strings.TrimSpace(v), "Ss*")
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			continue
		}
		if f < 0 {
			f = 0
		}
		if f > 5 {
			f = 5
		}
		return model.Rating(f)
	}
	return nil
}

// ExtractAmenities maps OSM tags onto amenity facts. Absent or ambiguous
// tags leave the fact Unknown.
func ExtractAmenities(tags map[string]string) model.AmenitySet {
	set := model.AmenitySet{
		model.AmenityParking:    parking(tags),
		model.AmenityWheelchair: model.ParseTri(tags["wheelchair"]),
		model.AmenityKids:       indicator(tags, "family_friendly", "kids", "children"),
		model.AmenityPets:       indicator(tags, "pets", "pets_allowed", "dogs"),
	}
	return set
}

func parking(tags map[string]string) model.Tri {
	if v, ok := tags["parking"]; ok {
		if t := model.ParseTri(v); t.IsKnown() {
			return t
		}
		// Any parking type other than an explicit no means parking exists.
		return model.Known(true)
	}
	if tags["parking:fee"] == "no" {
		return model.Known(true)
	}
	return model.Unknown
}

// indicator is Known(true) when any key is yes/true, Known(false) when the
// first present key is no, Unknown otherwise.
func indicator(tags map[string]string, keys ...string) model.Tri {
	var seenNo bool
	for _, k := range keys {
		switch strings.ToLower(strings.TrimSpace(tags[k])) {
		case "yes", "true":
			return model.Known(true)
		case "no", "false":
			seenNo = true
		}
	}
	if seenNo {
		return model.Known(false)
	}
	return model.Unknown
}
