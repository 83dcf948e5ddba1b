// Package isochrone fetches travel-time polygons and caches them per POI.
package isochrone

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/innsight/internal/model"
	"github.com/sells-group/innsight/internal/resilience"
)

// Provider fetches the full IsochroneSet for a POI and profile.
type Provider interface {
	Fetch(ctx context.Context, poi model.POI, profile model.TravelProfile) (*model.IsochroneSet, error)
}

const (
	defaultORSBaseURL = "https://api.openrouteservice.org"
	orsService        = "openrouteservice"
	maxResponseBytes  = 16 << 20
)

// ORSProvider fetches isochrones from the openrouteservice API.
type ORSProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	guard      *resilience.Guard
	now        func() time.Time
}

// Option configures an ORSProvider.
type Option func(*orsOptions)

type orsOptions struct {
	baseURL    string
	httpClient *http.Client
	retry      resilience.RetryConfig
	breaker    *resilience.CircuitBreaker
	limiter    *rate.Limiter
	now        func() time.Time
}

// WithBaseURL overrides the API base URL.
func WithBaseURL(u string) Option {
	return func(o *orsOptions) { o.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *orsOptions) { o.httpClient = hc }
}

// WithRetry sets the retry policy.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(o *orsOptions) { o.retry = cfg }
}

// WithBreaker sets the circuit breaker guarding the API.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(o *orsOptions) { o.breaker = cb }
}

// WithRateLimit sets the client-side request rate.
func WithRateLimit(rps float64, burst int) Option {
	return func(o *orsOptions) {
		if burst < 1 {
			burst = 1
		}
		o.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithProviderClock sets the clock used to stamp FetchedAt.
func WithProviderClock(now func() time.Time) Option {
	return func(o *orsOptions) { o.now = now }
}

// NewORSProvider creates an openrouteservice-backed Provider.
func NewORSProvider(apiKey string, opts ...Option) *ORSProvider {
	o := orsOptions{
		baseURL:    defaultORSBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retry:      resilience.DefaultRetryConfig(),
		limiter:    rate.NewLimiter(1, 2), // free tier allows 40 req/min
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.breaker == nil {
		o.breaker = resilience.NewCircuitBreaker(resilience.FromCircuitConfig(orsService, 0, 0))
	}
	if o.retry.OnRetry == nil {
		o.retry.OnRetry = resilience.RetryLogger(orsService, "isochrones")
	}
	return &ORSProvider{
		baseURL:    o.baseURL,
		apiKey:     apiKey,
		httpClient: o.httpClient,
		limiter:    o.limiter,
		guard:      resilience.NewGuard(orsService, o.retry, o.breaker),
		now:        o.now,
	}
}

// Phase reports the retry / circuit state of the provider.
func (p *ORSProvider) Phase() resilience.PhaseState {
	return p.guard.State()
}

// Breaker exposes the circuit breaker for health reporting.
func (p *ORSProvider) Breaker() *resilience.CircuitBreaker {
	return p.guard.Breaker()
}

type orsRequest struct {
	Locations [][]float64 `json:"locations"`
	Range     []int       `json:"range"`
	RangeType string      `json:"range_type"`
}

// Fetch requests all tiers of profile in one call. Transient failures are
// retried with backoff; the breaker records one outcome per Fetch.
func (p *ORSProvider) Fetch(ctx context.Context, poi model.POI, profile model.TravelProfile) (*model.IsochroneSet, error) {
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	if !poi.Location.Valid() {
		return nil, model.Errorf(model.KindBadRequest, "isochrone: invalid coordinate %s", poi.Location)
	}

	ranges := make([]int, len(profile.Thresholds))
	for i, m := range profile.Thresholds {
		ranges[i] = m * 60
	}
	payload, err := json.Marshal(orsRequest{
		Locations: [][]float64{{poi.Location.Lon, poi.Location.Lat}},
		Range:     ranges,
		RangeType: "time",
	})
	if err != nil {
		return nil, eris.Wrap(err, "isochrone: marshal request")
	}

	start := time.Now()
	set, err := resilience.Call(ctx, p.guard, func(ctx context.Context) (*model.IsochroneSet, error) {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "isochrone: rate limiter wait")
		}
		return p.fetchOnce(ctx, poi, profile, payload)
	})
	if err != nil {
		return nil, classify(err)
	}

	zap.L().Debug("isochrone fetched",
		zap.String("poi_id", poi.ID),
		zap.String("profile", profile.String()),
		zap.Duration("elapsed", time.Since(start)),
	)
	return set, nil
}

func (p *ORSProvider) fetchOnce(ctx context.Context, poi model.POI, profile model.TravelProfile, payload []byte) (*model.IsochroneSet, error) {
	endpoint := fmt.Sprintf("%s/v2/isochrones/%s", p.baseURL, profile.Mode.ORSProfile())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "isochrone: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/geo+json, application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, resilience.NewTransientError(eris.Wrap(err, "isochrone: request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "isochrone: read response"), resp.StatusCode)
	}
	if err := resilience.CheckStatus(orsService, resp.StatusCode, body); err != nil {
		return nil, err
	}

	tiers, err := decodeTiers(body, profile.Thresholds)
	if err != nil {
		return nil, err
	}
	return &model.IsochroneSet{
		POIID:     poi.ID,
		Origin:    poi.Location,
		Profile:   profile,
		Tiers:     tiers,
		FetchedAt: p.now(),
	}, nil
}

// decodeTiers parses an ORS GeoJSON response into tiers ordered by
// threshold. Every threshold must be present.
func decodeTiers(body []byte, thresholds []int) ([]model.TierPolygon, error) {
	var fc geojson.FeatureCollection
	if err := json.Unmarshal(body, &fc); err != nil {
		return nil, eris.Wrap(err, "isochrone: decode geojson")
	}

	type band struct {
		seconds float64
		mp      *geom.MultiPolygon
	}
	bands := make([]band, 0, len(fc.Features))
	for _, f := range fc.Features {
		v, ok := f.Properties["value"].(float64)
		if !ok {
			return nil, eris.New("isochrone: feature without numeric value")
		}
		mp, err := toMultiPolygon(f.Geometry)
		if err != nil {
			return nil, err
		}
		bands = append(bands, band{seconds: v, mp: mp})
	}
	sort.Slice(bands, func(i, j int) bool { return bands[i].seconds < bands[j].seconds })

	if len(bands) != len(thresholds) {
		return nil, eris.Errorf("isochrone: expected %d features, got %d", len(thresholds), len(bands))
	}
	tiers := make([]model.TierPolygon, len(thresholds))
	for i, minutes := range thresholds {
		if math.Abs(bands[i].seconds-float64(minutes*60)) > 1 {
			return nil, eris.Errorf("isochrone: feature %d has range %.0fs, want %ds", i, bands[i].seconds, minutes*60)
		}
		tiers[i] = model.TierPolygon{Index: i, ThresholdMinutes: minutes, Geometry: bands[i].mp}
	}
	return tiers, nil
}

func toMultiPolygon(g geom.T) (*geom.MultiPolygon, error) {
	switch v := g.(type) {
	case *geom.MultiPolygon:
		return v.SetSRID(4326), nil
	case *geom.Polygon:
		mp := geom.NewMultiPolygon(v.Layout()).SetSRID(4326)
		if err := mp.Push(v); err != nil {
			return nil, eris.Wrap(err, "isochrone: convert polygon")
		}
		return mp, nil
	case nil:
		return nil, eris.New("isochrone: feature without geometry")
	default:
		return nil, eris.Errorf("isochrone: unsupported geometry %T", g)
	}
}

// classify maps a failed guarded call onto the error taxonomy.
func classify(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, resilience.ErrCircuitOpen):
		return model.Wrap(model.KindProviderUnavailable, err, "isochrone: openrouteservice circuit open")
	case resilience.IsClientError(err):
		return model.Wrap(model.KindBadRequest, err, "isochrone: request rejected")
	default:
		return model.Wrap(model.KindProviderUnavailable, err, "isochrone: fetch failed")
	}
}
