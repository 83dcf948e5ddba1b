// Package ranking orders candidate accommodations around a POI by travel
// time tier, rating and amenity match.
package ranking

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/innsight/internal/geometry"
	"github.com/sells-group/innsight/internal/isochrone"
	"github.com/sells-group/innsight/internal/model"
	"github.com/sells-group/innsight/internal/scoring"
)

const (
	DefaultTopN            = 10
	MaxTopN                = 50
	DefaultSearchRadius    = 20000.0
	DefaultResultCacheSize = 20
	DefaultResultCacheTTL  = 30 * time.Minute
)

// Isochrones supplies tier polygons for a POI.
type Isochrones interface {
	GetOrCompute(ctx context.Context, poi model.POI, profile model.TravelProfile, ifNoneMatch string) (isochrone.Lookup, error)
}

// Enricher resolves amenity facts for accommodations on a best-effort basis.
type Enricher interface {
	Enrich(ctx context.Context, accs []model.Accommodation) (map[string]model.AmenitySet, bool)
}

// Geocoder resolves a place name to a POI.
type Geocoder interface {
	Resolve(ctx context.Context, name string) (model.POI, error)
}

// Inventory lists candidate accommodations around a point.
type Inventory interface {
	Candidates(ctx context.Context, center model.Coordinate, radiusMeters float64) ([]model.Accommodation, error)
}

// Config tunes an Orchestrator.
type Config struct {
	Weights         model.WeightConfig
	DefaultTopN     int
	MaxTopN         int
	SearchRadius    float64
	ResultCacheSize int
	ResultCacheTTL  time.Duration

	// NeutralRating scores accommodations without a rating. Nil uses
	// scoring.DefaultNeutralRating.
	NeutralRating *float64
}

// Request is one ranking query.
type Request struct {
	POI        model.POI
	Profile    model.TravelProfile
	Candidates []model.Accommodation
	Filters    model.AmenityFilter
	Weights    scoring.Overrides
	// IfNoneMatch is a validator from an earlier response.
	IfNoneMatch string
	TopN        int
	// IncludeUnreachable keeps candidates outside every tier with a tier
	// score of zero instead of dropping them.
	IncludeUnreachable bool
}

// NameRequest ranks the inventory around a named place.
type NameRequest struct {
	Request
	Query string
	// RadiusMeters bounds the inventory search. Zero derives it from the
	// outermost isochrone.
	RadiusMeters float64
}

// TierStat counts results inside one tier.
type TierStat struct {
	Tier             int `json:"tier"`
	ThresholdMinutes int `json:"threshold_minutes"`
	Count            int `json:"count"`
}

// Response is an ordered ranking. Results is empty when NotModified.
type Response struct {
	RequestID   string               `json:"request_id"`
	POI         model.POI            `json:"poi"`
	Profile     model.TravelProfile  `json:"profile"`
	Results     []model.ScoredResult `json:"results"`
	Validator   string               `json:"validator"`
	NotModified bool                 `json:"-"`
	// Degraded is set when stale isochrones or unresolved amenity facts
	// were used.
	Degraded bool `json:"degraded"`
	Stale    bool `json:"stale"`
	// Total counts ranked candidates before the TopN cut.
	Total     int        `json:"total"`
	Excluded  int        `json:"excluded"`
	Filtered  int        `json:"filtered"`
	TierStats []TierStat `json:"tier_stats"`
	Cached    bool       `json:"cached"`
}

// Orchestrator runs ranking queries. It is safe for concurrent use.
type Orchestrator struct {
	iso       Isochrones
	enricher  Enricher
	geocoder  Geocoder
	inventory Inventory

	cfg     Config
	engine  *scoring.Engine
	results *ResultCache
	now     func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithEnricher sets the amenity enricher. Without one only the amenity
// facts carried by candidates are used.
func WithEnricher(e Enricher) Option {
	return func(o *Orchestrator) { o.enricher = e }
}

// WithGeocoder sets the resolver used by RankByName.
func WithGeocoder(g Geocoder) Option {
	return func(o *Orchestrator) { o.geocoder = g }
}

// WithInventory sets the candidate source used by RankByName.
func WithInventory(inv Inventory) Option {
	return func(o *Orchestrator) { o.inventory = inv }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New builds an Orchestrator over iso. The configured weights are validated
// and normalized here.
func New(iso Isochrones, cfg Config, opts ...Option) (*Orchestrator, error) {
	if iso == nil {
		return nil, model.Errorf(model.KindInvalidConfiguration, "ranking: isochrone source is required")
	}
	if cfg.Weights == (model.WeightConfig{}) {
		cfg.Weights = scoring.DefaultWeights
	}
	var engineOpts []scoring.EngineOption
	if cfg.NeutralRating != nil {
		engineOpts = append(engineOpts, scoring.WithNeutralRating(*cfg.NeutralRating))
	}
	engine, err := scoring.NewEngine(cfg.Weights, engineOpts...)
	if err != nil {
		return nil, err
	}
	if cfg.DefaultTopN <= 0 {
		cfg.DefaultTopN = DefaultTopN
	}
	if cfg.MaxTopN <= 0 {
		cfg.MaxTopN = MaxTopN
	}
	if cfg.DefaultTopN > cfg.MaxTopN {
		cfg.DefaultTopN = cfg.MaxTopN
	}
	if cfg.SearchRadius <= 0 {
		cfg.SearchRadius = DefaultSearchRadius
	}

	o := &Orchestrator{iso: iso, cfg: cfg, engine: engine, now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	o.results = NewResultCache(cfg.ResultCacheSize, cfg.ResultCacheTTL, o.now)
	return o, nil
}

// ResultStats reports result cache statistics.
func (o *Orchestrator) ResultStats() CacheStats { return o.results.Stats() }

// PurgeResults drops every cached response.
func (o *Orchestrator) PurgeResults() { o.results.Purge() }

// Rank scores req.Candidates against one snapshot of the POI isochrones.
// Zero surviving candidates is an empty result, not an error.
func (o *Orchestrator) Rank(ctx context.Context, req Request) (Response, error) {
	start := o.now()
	requestID := uuid.NewString()
	log := zap.L().With(
		zap.String("request_id", requestID),
		zap.String("poi", req.POI.ID),
		zap.String("profile", req.Profile.String()),
	)

	if !req.POI.Location.Valid() {
		return Response{}, model.Errorf(model.KindBadRequest, "ranking: invalid POI coordinate %s", req.POI.Location)
	}
	engine := o.engine
	if !req.Weights.Empty() {
		var err error
		if engine, err = o.engine.Override(o.cfg.Weights, req.Weights); err != nil {
			return Response{}, err
		}
	}
	topN := o.topN(req.TopN)

	lookup, err := o.iso.GetOrCompute(ctx, req.POI, req.Profile, "")
	if err != nil {
		return Response{}, eris.Wrapf(err, "ranking: isochrones for %s", req.POI.ID)
	}
	// Everything below reads this one snapshot.
	ix := lookup.Index

	resp := Response{
		RequestID: requestID,
		POI:       req.POI,
		Profile:   req.Profile,
		Validator: responseValidator(lookup.Validator, fingerprint(req, engine.Weights(), topN)),
		Stale:     lookup.Stale,
		Degraded:  lookup.Stale,
	}

	if !lookup.Stale {
		if req.IfNoneMatch != "" && req.IfNoneMatch == resp.Validator {
			log.Debug("rank not modified", zap.String("validator", resp.Validator))
			return Response{RequestID: requestID, POI: req.POI, Profile: req.Profile, Validator: resp.Validator, NotModified: true}, nil
		}
		if cached, ok := o.results.Get(resp.Validator); ok {
			cached.RequestID = requestID
			cached.Cached = true
			log.Debug("rank served from result cache", zap.String("validator", resp.Validator))
			return cached, nil
		}
	}

	assignments, unreachable := ix.AssignAll(req.Candidates)
	inScope := make([]model.Accommodation, 0, len(req.Candidates))
	tiers := make([]int, 0, len(req.Candidates))
	for i, a := range req.Candidates {
		t := assignments[i].Tier
		if t == model.Unreachable && !req.IncludeUnreachable {
			continue
		}
		inScope = append(inScope, a)
		tiers = append(tiers, t)
	}
	if !req.IncludeUnreachable {
		resp.Excluded = unreachable
	}

	requested := req.Filters.Requested()
	facts := make(map[string]model.AmenitySet, len(inScope))
	if len(requested) > 0 && o.enricher != nil && len(inScope) > 0 {
		var degraded bool
		facts, degraded = o.enricher.Enrich(ctx, inScope)
		if degraded {
			resp.Degraded = true
			log.Warn("amenity enrichment degraded")
		}
	}
	if err := ctx.Err(); err != nil {
		return Response{}, eris.Wrap(err, "ranking: cancelled")
	}

	tierCount := ix.TierCount()
	resp.Results = make([]model.ScoredResult, 0, len(inScope))
	for i, a := range inScope {
		set, ok := facts[a.ID]
		if !ok {
			set = a.Amenities
		}
		if !satisfiesAll(set, req.Filters.Required) {
			resp.Filtered++
			continue
		}
		resp.Results = append(resp.Results, engine.Result(a, tiers[i], tierCount, set, requested))
	}
	engine.Sort(resp.Results)

	resp.Total = len(resp.Results)
	resp.TierStats = tierStats(ix, resp.Results)
	if len(resp.Results) > topN {
		resp.Results = resp.Results[:topN]
	}

	if !resp.Degraded {
		o.results.Put(resp.Validator, resp)
	}

	log.Info("rank complete",
		zap.Int("candidates", len(req.Candidates)),
		zap.Int("ranked", resp.Total),
		zap.Int("excluded", resp.Excluded),
		zap.Int("filtered", resp.Filtered),
		zap.Bool("degraded", resp.Degraded),
		zap.Duration("elapsed", o.now().Sub(start)),
	)
	return resp, nil
}

// RankByName resolves req.Query to a POI, loads candidates from the
// inventory and ranks them.
func (o *Orchestrator) RankByName(ctx context.Context, req NameRequest) (Response, error) {
	if o.geocoder == nil || o.inventory == nil {
		return Response{}, model.Errorf(model.KindInvalidConfiguration, "ranking: geocoder and inventory are required to rank by name")
	}
	poi, err := o.geocoder.Resolve(ctx, req.Query)
	if err != nil {
		if model.KindOf(err) == model.KindUnknown {
			return Response{}, model.Wrap(model.KindNotFound, err, fmt.Sprintf("ranking: resolve %q", req.Query))
		}
		return Response{}, eris.Wrapf(err, "ranking: resolve %q", req.Query)
	}

	return o.rankInventory(ctx, poi, req)
}

// RankNearby ranks the inventory around req.POI. req.Query is ignored.
func (o *Orchestrator) RankNearby(ctx context.Context, req NameRequest) (Response, error) {
	if o.inventory == nil {
		return Response{}, model.Errorf(model.KindInvalidConfiguration, "ranking: inventory is required to rank nearby")
	}
	if !req.POI.Location.Valid() {
		return Response{}, model.Errorf(model.KindBadRequest, "ranking: invalid POI coordinate %s", req.POI.Location)
	}
	return o.rankInventory(ctx, req.POI, req)
}

func (o *Orchestrator) rankInventory(ctx context.Context, poi model.POI, req NameRequest) (Response, error) {
	radius := req.RadiusMeters
	if radius <= 0 {
		var err error
		radius, err = o.searchRadius(ctx, poi, req.Profile)
		if err != nil {
			return Response{}, err
		}
	}
	candidates, err := o.inventory.Candidates(ctx, poi.Location, radius)
	if err != nil {
		return Response{}, eris.Wrapf(err, "ranking: candidates around %s", poi.ID)
	}

	r := req.Request
	r.POI = poi
	r.Candidates = candidates
	return o.Rank(ctx, r)
}

// searchRadius covers the outermost isochrone extent from the POI.
func (o *Orchestrator) searchRadius(ctx context.Context, poi model.POI, profile model.TravelProfile) (float64, error) {
	lookup, err := o.iso.GetOrCompute(ctx, poi, profile, "")
	if err != nil {
		return 0, eris.Wrapf(err, "ranking: isochrones for %s", poi.ID)
	}
	b, ok := lookup.Index.Extent()
	if !ok {
		return o.cfg.SearchRadius, nil
	}
	var radius float64
	for _, corner := range []model.Coordinate{
		{Lat: b.MinLat, Lon: b.MinLon}, {Lat: b.MinLat, Lon: b.MaxLon},
		{Lat: b.MaxLat, Lon: b.MinLon}, {Lat: b.MaxLat, Lon: b.MaxLon},
	} {
		radius = max(radius, model.DistanceMeters(poi.Location, corner))
	}
	return radius, nil
}

func (o *Orchestrator) topN(n int) int {
	switch {
	case n <= 0:
		return o.cfg.DefaultTopN
	case n > o.cfg.MaxTopN:
		return o.cfg.MaxTopN
	default:
		return n
	}
}

func satisfiesAll(set model.AmenitySet, required []model.Amenity) bool {
	for _, a := range required {
		if !set.Get(a).Satisfied() {
			return false
		}
	}
	return true
}

func tierStats(ix *geometry.Index, results []model.ScoredResult) []TierStat {
	stats := make([]TierStat, ix.TierCount())
	for i := range stats {
		stats[i] = TierStat{Tier: i, ThresholdMinutes: ix.Threshold(i)}
	}
	for _, r := range results {
		if r.Tier >= 0 && r.Tier < len(stats) {
			stats[r.Tier].Count++
		}
	}
	return stats
}

// fingerprint identifies everything besides the isochrones that shapes a
// response.
func fingerprint(req Request, w model.WeightConfig, topN int) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|top=%d|unreachable=%t|w=%g,%g,%g|", req.Profile, topN, req.IncludeUnreachable, w.Tier, w.Rating, w.Amenity)
	writeAmenities(h, "req", req.Filters.Required)
	writeAmenities(h, "pref", req.Filters.Preferred)

	accs := make([]model.Accommodation, len(req.Candidates))
	copy(accs, req.Candidates)
	sort.SliceStable(accs, func(i, j int) bool { return accs[i].ID < accs[j].ID })
	for _, a := range accs {
		fmt.Fprintf(h, "|%s@%g,%g", a.ID, a.Location.Lat, a.Location.Lon)
		if a.Rating != nil {
			fmt.Fprintf(h, "r%g", *a.Rating)
		}
		for _, am := range model.Amenities {
			fmt.Fprintf(h, ":%s", a.Amenities.Get(am))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeAmenities(w io.Writer, label string, amenities []model.Amenity) {
	sorted := append([]model.Amenity(nil), amenities...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	fmt.Fprintf(w, "%s=%v|", label, sorted)
}

func responseValidator(isoValidator, fp string) string {
	sum := sha256.Sum256([]byte(isoValidator + "|" + fp))
	return hex.EncodeToString(sum[:16])
}
