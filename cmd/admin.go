package main

import (
	"context"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/sells-group/innsight/internal/geometry"
	"github.com/sells-group/innsight/internal/isochrone"
	"github.com/sells-group/innsight/internal/model"
)

// isochroneCache is the part of isochrone.Cache the server exposes.
type isochroneCache interface {
	GetOrCompute(ctx context.Context, poi model.POI, profile model.TravelProfile, ifNoneMatch string) (isochrone.Lookup, error)
	Key(loc model.Coordinate, profile model.TravelProfile) string
	Entries() []isochrone.EntryInfo
	Invalidate(ctx context.Context, key string) (bool, error)
}

// areaEnricher is the part of amenity.Enricher the server exposes.
type areaEnricher interface {
	EnrichArea(ctx context.Context, b model.BBox) (map[string]model.AmenitySet, error)
	Purge()
}

// handleIsochrones serves the tier polygons around a coordinate as GeoJSON.
func (s *server) handleIsochrones(w http.ResponseWriter, r *http.Request) {
	loc, profile, err := s.parseTarget(r)
	if err != nil {
		writeError(w, err)
		return
	}

	lookup, err := s.isochrones.GetOrCompute(r.Context(), model.POIAt(loc), profile, etagValue(r.Header.Get("If-None-Match")))
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("ETag", strconv.Quote(lookup.Validator))
	if lookup.Stale {
		w.Header().Set("Warning", `110 - "Response is Stale"`)
	}
	if lookup.NotModified {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	b, err := geometry.EncodeGeoJSON(lookup.Set)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(b); err != nil {
		zap.L().Debug("write response", zap.Error(err))
	}
}

// handleAmenities returns the amenity facts of every accommodation inside
// bbox=minLon,minLat,maxLon,maxLat.
func (s *server) handleAmenities(w http.ResponseWriter, r *http.Request) {
	b, err := parseBBox(r.URL.Query()["bbox"])
	if err != nil {
		writeError(w, err)
		return
	}
	facts, err := s.amenities.EnrichArea(r.Context(), b)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bbox": b, "accommodations": facts})
}

// handlePurgeAmenities drops cached amenity facts and the rankings built
// from them.
func (s *server) handlePurgeAmenities(w http.ResponseWriter, r *http.Request) {
	s.amenities.Purge()
	s.purge()
	zap.L().Info("amenity facts purged", zap.String("request_id", requestID(r)))
	w.WriteHeader(http.StatusNoContent)
}

type cacheListing struct {
	Entries []isochrone.EntryInfo `json:"entries"`
}

func (s *server) handleCacheList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, cacheListing{Entries: s.isochrones.Entries()})
}

type invalidateResponse struct {
	Key     string `json:"key"`
	Existed bool   `json:"existed"`
}

// handleCacheInvalidate drops one isochrone key, given directly as key= or
// as lat/lon/profile/thresholds, from this process and the shared store.
func (s *server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		loc, profile, err := s.parseTarget(r)
		if err != nil {
			writeError(w, err)
			return
		}
		key = s.isochrones.Key(loc, profile)
	}

	existed, err := s.isochrones.Invalidate(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	s.purge()
	zap.L().Info("isochrones invalidated",
		zap.String("request_id", requestID(r)),
		zap.String("key", key),
		zap.Bool("existed", existed),
	)
	writeJSON(w, http.StatusOK, invalidateResponse{Key: key, Existed: existed})
}

// purge drops cached rankings, which embed isochrone and amenity state.
func (s *server) purge() {
	if s.purgeResults != nil {
		s.purgeResults()
	}
}

// parseTarget reads lat, lon and an optional profile and thresholds.
func (s *server) parseTarget(r *http.Request) (model.Coordinate, model.TravelProfile, error) {
	v := r.URL.Query()
	lat, err := optFloat(v.Get("lat"), "lat")
	if err != nil {
		return model.Coordinate{}, model.TravelProfile{}, err
	}
	lon, err := optFloat(v.Get("lon"), "lon")
	if err != nil {
		return model.Coordinate{}, model.TravelProfile{}, err
	}
	if lat == nil || lon == nil {
		return model.Coordinate{}, model.TravelProfile{}, model.Errorf(model.KindBadRequest, "isochrones: lat and lon are required")
	}
	loc := model.Coordinate{Lat: *lat, Lon: *lon}
	if !loc.Valid() {
		return model.Coordinate{}, model.TravelProfile{}, model.Errorf(model.KindBadRequest, "isochrones: invalid coordinate %s", loc)
	}

	profile := model.TravelProfile{Mode: s.defaults.Mode, Thresholds: s.defaults.Thresholds}
	if raw := v.Get("profile"); raw != "" {
		m, err := model.ParseTravelMode(raw)
		if err != nil {
			return model.Coordinate{}, model.TravelProfile{}, model.Wrap(model.KindBadRequest, err, "isochrones: profile")
		}
		profile.Mode = m
	}
	thresholds, err := parseInts(v["thresholds"])
	if err != nil {
		return model.Coordinate{}, model.TravelProfile{}, err
	}
	if len(thresholds) > 0 {
		profile.Thresholds = thresholds
	}
	if err := profile.Validate(); err != nil {
		return model.Coordinate{}, model.TravelProfile{}, model.Wrap(model.KindBadRequest, err, "isochrones: profile")
	}
	return loc, profile, nil
}

// parseBBox reads minLon,minLat,maxLon,maxLat, the GeoJSON bbox order.
func parseBBox(values []string) (model.BBox, error) {
	parts := splitList(values)
	if len(parts) != 4 {
		return model.BBox{}, model.Errorf(model.KindBadRequest, "amenities: bbox needs 4 numbers, got %d", len(parts))
	}
	var f [4]float64
	for i, p := range parts {
		n, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return model.BBox{}, model.Errorf(model.KindBadRequest, "amenities: invalid bbox value %q", p)
		}
		f[i] = n
	}
	b := model.BBox{MinLon: f[0], MinLat: f[1], MaxLon: f[2], MaxLat: f[3]}
	if !b.Valid() {
		return model.BBox{}, model.Errorf(model.KindBadRequest, "amenities: invalid bbox %s", b.Overpass())
	}
	return b, nil
}
