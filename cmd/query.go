package main

import (
	"context"
	"strconv"
	"strings"

	"github.com/sells-group/innsight/internal/model"
	"github.com/sells-group/innsight/internal/ranking"
	"github.com/sells-group/innsight/internal/scoring"
)

// ranker is the part of the orchestrator the commands drive.
type ranker interface {
	RankByName(ctx context.Context, req ranking.NameRequest) (ranking.Response, error)
	RankNearby(ctx context.Context, req ranking.NameRequest) (ranking.Response, error)
}

// rankQuery is a ranking request as given on the command line or in a URL.
type rankQuery struct {
	Place              string
	Lat, Lon           *float64
	Mode               string
	Thresholds         []int
	Prefer             []string
	Require            []string
	Weights            scoring.Overrides
	TopN               int
	IncludeUnreachable bool
	Radius             float64
	IfNoneMatch        string
}

// request resolves q against the configured default profile.
func (q rankQuery) request(defaults model.TravelProfile) (ranking.NameRequest, error) {
	profile := model.TravelProfile{Mode: defaults.Mode, Thresholds: defaults.Thresholds}
	if q.Mode != "" {
		m, err := model.ParseTravelMode(q.Mode)
		if err != nil {
			return ranking.NameRequest{}, model.Wrap(model.KindBadRequest, err, "rank: profile")
		}
		profile.Mode = m
	}
	if len(q.Thresholds) > 0 {
		profile.Thresholds = q.Thresholds
	}
	if err := profile.Validate(); err != nil {
		return ranking.NameRequest{}, model.Wrap(model.KindBadRequest, err, "rank: profile")
	}

	required, err := parseAmenities(q.Require)
	if err != nil {
		return ranking.NameRequest{}, err
	}
	preferred, err := parseAmenities(q.Prefer)
	if err != nil {
		return ranking.NameRequest{}, err
	}
	if q.TopN < 0 {
		return ranking.NameRequest{}, model.Errorf(model.KindBadRequest, "rank: top_n must be >= 0")
	}
	if q.Radius < 0 {
		return ranking.NameRequest{}, model.Errorf(model.KindBadRequest, "rank: radius must be >= 0")
	}

	req := ranking.NameRequest{
		Request: ranking.Request{
			Profile:            profile,
			Filters:            model.AmenityFilter{Required: required, Preferred: preferred},
			Weights:            q.Weights,
			IfNoneMatch:        q.IfNoneMatch,
			TopN:               q.TopN,
			IncludeUnreachable: q.IncludeUnreachable,
		},
		Query:        strings.TrimSpace(q.Place),
		RadiusMeters: q.Radius,
	}

	hasCoord := q.Lat != nil || q.Lon != nil
	switch {
	case req.Query != "" && hasCoord:
		return ranking.NameRequest{}, model.Errorf(model.KindBadRequest, "rank: poi and lat/lon are mutually exclusive")
	case req.Query != "":
	case q.Lat != nil && q.Lon != nil:
		req.POI = model.POIAt(model.Coordinate{Lat: *q.Lat, Lon: *q.Lon})
	default:
		return ranking.NameRequest{}, model.Errorf(model.KindBadRequest, "rank: poi or both lat and lon are required")
	}
	return req, nil
}

// run dispatches q to the by-name or nearby entry point.
func (q rankQuery) run(ctx context.Context, r ranker, defaults model.TravelProfile) (ranking.Response, error) {
	req, err := q.request(defaults)
	if err != nil {
		return ranking.Response{}, err
	}
	if req.Query != "" {
		return r.RankByName(ctx, req)
	}
	return r.RankNearby(ctx, req)
}

func parseAmenities(names []string) ([]model.Amenity, error) {
	var out []model.Amenity
	for _, n := range splitList(names) {
		a, ok := model.ParseAmenity(n)
		if !ok {
			return nil, model.Errorf(model.KindBadRequest, "rank: unknown amenity %q", n)
		}
		out = append(out, a)
	}
	return out, nil
}

// splitList flattens repeated and comma separated values, dropping blanks.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func parseInts(values []string) ([]int, error) {
	var out []int
	for _, s := range splitList(values) {
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, model.Errorf(model.KindBadRequest, "rank: invalid threshold %q", s)
		}
		out = append(out, n)
	}
	return out, nil
}
