// Package geocode resolves place names to POIs via Nominatim.
package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/innsight/internal/model"
	"github.com/sells-group/innsight/internal/resilience"
)

// Resolver resolves a place name to a POI.
type Resolver interface {
	Resolve(ctx context.Context, name string) (model.POI, error)
}

const (
	defaultNominatimURL = "https://nominatim.openstreetmap.org"
	nominatimService    = "nominatim"
	defaultUserAgent    = "innsight"
)

// Nominatim geocodes POI names against a Nominatim /search endpoint.
type Nominatim struct {
	baseURL    string
	userAgent  string
	language   string
	httpClient *http.Client
	limiter    *rate.Limiter
	guard      *resilience.Guard
}

// Option configures the Nominatim client.
type Option func(*Nominatim)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(n *Nominatim) {
		n.httpClient = hc
	}
}

// WithUserAgent sets the User-Agent header Nominatim's usage policy requires.
func WithUserAgent(ua string) Option {
	return func(n *Nominatim) {
		if ua != "" {
			n.userAgent = ua
		}
	}
}

// WithLanguage sets the Accept-Language used for result names.
func WithLanguage(lang string) Option {
	return func(n *Nominatim) {
		n.language = lang
	}
}

// WithRateLimit sets the requests-per-second rate limit.
func WithRateLimit(rps float64) Option {
	return func(n *Nominatim) {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		n.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithGuard sets the retry and circuit breaker policy.
func WithGuard(retry resilience.RetryConfig, breaker *resilience.CircuitBreaker) Option {
	return func(n *Nominatim) {
		n.guard = resilience.NewGuard(nominatimService, retry, breaker)
	}
}

// NewNominatim creates a client for the Nominatim instance at baseURL. An
// empty baseURL uses the public instance.
func NewNominatim(baseURL string, opts ...Option) *Nominatim {
	if baseURL == "" {
		baseURL = defaultNominatimURL
	}
	n := &Nominatim{
		baseURL:    strings.TrimRight(baseURL, "/"),
		userAgent:  defaultUserAgent,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(1, 1), // public instance policy: 1 req/s
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.guard == nil {
		retry := resilience.DefaultRetryConfig()
		retry.OnRetry = resilience.RetryLogger(nominatimService, "search")
		n.guard = resilience.NewGuard(nominatimService, retry,
			resilience.NewCircuitBreaker(resilience.FromCircuitConfig(nominatimService, 0, 0)))
	}
	return n
}

// Breaker exposes the circuit breaker for health reporting.
func (n *Nominatim) Breaker() *resilience.CircuitBreaker { return n.guard.Breaker() }

type place struct {
	PlaceID     int64  `json:"place_id"`
	OSMType     string `json:"osm_type"`
	OSMID       int64  `json:"osm_id"`
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}

// Resolve returns the best match for name. No match is a KindNotFound error.
func (n *Nominatim) Resolve(ctx context.Context, name string) (model.POI, error) {
	q := strings.TrimSpace(name)
	if q == "" {
		return model.POI{}, model.Errorf(model.KindBadRequest, "geocode: empty query")
	}

	places, err := resilience.Call(ctx, n.guard, func(ctx context.Context) ([]place, error) {
		if err := n.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "geocode: rate limit")
		}
		return n.search(ctx, q)
	})
	if err != nil {
		return model.POI{}, classify(err, q)
	}

	for _, p := range places {
		poi, ok := p.poi(q)
		if ok {
			zap.L().Debug("geocode resolved",
				zap.String("query", q),
				zap.String("poi_id", poi.ID),
				zap.Stringer("location", poi.Location),
			)
			return poi, nil
		}
	}
	return model.POI{}, model.Errorf(model.KindNotFound, "geocode: no match for %q", q)
}

func (n *Nominatim) search(ctx context.Context, q string) ([]place, error) {
	params := url.Values{
		"q":      {q},
		"format": {"jsonv2"},
		"limit":  {"1"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.baseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: build request")
	}
	req.Header.Set("User-Agent", n.userAgent)
	req.Header.Set("Accept", "application/json")
	if n.language != "" {
		req.Header.Set("Accept-Language", n.language)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, resilience.NewTransientError(eris.Wrap(err, "geocode: request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "geocode: read body"), resp.StatusCode)
	}
	if err := resilience.CheckStatus(nominatimService, resp.StatusCode, body); err != nil {
		return nil, err
	}

	var places []place
	if err := json.Unmarshal(body, &places); err != nil {
		return nil, eris.Wrap(err, "geocode: parse response")
	}
	return places, nil
}

func (p place) poi(query string) (model.POI, bool) {
	lat, err := strconv.ParseFloat(p.Lat, 64)
	if err != nil {
		return model.POI{}, false
	}
	lon, err := strconv.ParseFloat(p.Lon, 64)
	if err != nil {
		return model.POI{}, false
	}
	loc := model.Coordinate{Lat: lat, Lon: lon}
	if !loc.Valid() {
		return model.POI{}, false
	}

	id := fmt.Sprintf("nominatim:%d", p.PlaceID)
	if p.OSMType != "" && p.OSMID != 0 {
		id = fmt.Sprintf("osm:%s/%d", p.OSMType, p.OSMID)
	}
	name := p.Name
	if name == "" {
		name = query
	}
	return model.POI{ID: id, Name: name, DisplayName: p.DisplayName, Location: loc}, true
}

func classify(err error, q string) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return eris.Wrapf(err, "geocode: resolve %q", q)
	case resilience.IsClientError(err):
		return model.Wrap(model.KindBadRequest, err, "geocode: request rejected")
	default:
		return model.Wrap(model.KindProviderUnavailable, err, "geocode: nominatim unavailable")
	}
}
