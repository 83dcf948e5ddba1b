// Package osm queries OpenStreetMap accommodation data through Overpass.
package osm

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/serjvanilla/go-overpass"
	"golang.org/x/time/rate"

	"github.com/sells-group/innsight/internal/model"
	"github.com/sells-group/innsight/internal/resilience"
)

// DefaultEndpoint is the public Overpass interpreter.
const DefaultEndpoint = "https://overpass-api.de/api/interpreter"

const service = "overpass"

// AccommodationKinds are the tourism tag values treated as accommodations.
var AccommodationKinds = []string{"hotel", "guest_house", "hostel", "motel", "apartment", "camp_site", "caravan_site"}

// Feature is a tagged OSM element reduced to a point.
type Feature struct {
	ID       string            `json:"id"`
	Location model.Coordinate  `json:"location"`
	Tags     map[string]string `json:"tags"`
}

// Accommodation converts f into a candidate listing.
func (f Feature) Accommodation() model.Accommodation {
	name := f.Tags["name"]
	if name == "" {
		name = "Unknown"
	}
	return model.Accommodation{
		ID:        f.ID,
		Name:      name,
		Kind:      f.Tags["tourism"],
		Location:  f.Location,
		Rating:    ExtractRating(f.Tags),
		Amenities: ExtractAmenities(f.Tags),
		Tags:      f.Tags,
	}
}

// Client runs accommodation queries against an Overpass endpoint.
type Client struct {
	api     overpass.Client
	limiter *rate.Limiter
	guard   *resilience.Guard
	timeout time.Duration
}

// Config configures a Client.
type Config struct {
	Endpoint    string
	Timeout     time.Duration
	MaxParallel int
	RateLimit   float64
	Burst       int
	Retry       resilience.RetryConfig
	Breaker     *resilience.CircuitBreaker
	HTTPClient  *http.Client
}

// NewClient creates an Overpass client. Zero Config fields take defaults.
func NewClient(cfg Config) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 25 * time.Second
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 2
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 2
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout + 5*time.Second}
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = resilience.DefaultRetryConfig()
		cfg.Retry.AttemptTimeout = cfg.Timeout + 5*time.Second
	}
	if cfg.Retry.OnRetry == nil {
		cfg.Retry.OnRetry = resilience.RetryLogger(service, "query")
	}
	return &Client{
		api:     overpass.NewWithSettings(cfg.Endpoint, cfg.MaxParallel, cfg.HTTPClient),
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		guard:   resilience.NewGuard(service, cfg.Retry, cfg.Breaker),
		timeout: cfg.Timeout,
	}
}

// Breaker exposes the circuit breaker for health reporting.
func (c *Client) Breaker() *resilience.CircuitBreaker { return c.guard.Breaker() }

// Area returns accommodations tagged inside b, sorted by ID.
func (c *Client) Area(ctx context.Context, b model.BBox) ([]Feature, error) {
	if !b.Valid() {
		return nil, model.Errorf(model.KindBadRequest, "osm: invalid bbox %+v", b)
	}
	q := c.areaQuery(b)
	res, err := resilience.Call(ctx, c.guard, func(ctx context.Context) (overpass.Result, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return overpass.Result{}, eris.Wrap(err, "osm: rate limiter wait")
		}
		return c.query(ctx, q)
	})
	if err != nil {
		return nil, model.Wrap(model.KindProviderUnavailable, err, "osm: area query")
	}
	return Features(res), nil
}

func (c *Client) areaQuery(b model.BBox) string {
	kinds := strings.Join(AccommodationKinds, "|")
	box := b.Overpass()
	return fmt.Sprintf(`[out:json][timeout:%d];
(
  node["tourism"~"^(%s)$"](%s);
  way["tourism"~"^(%s)$"](%s);
);
out body;
>;
out skel qt;`, int(c.timeout.Seconds()), kinds, box, kinds, box)
}

// query runs q, giving up when ctx ends. The underlying client has no
// context support, so an abandoned request runs until its HTTP timeout.
func (c *Client) query(ctx context.Context, q string) (overpass.Result, error) {
	type outcome struct {
		res overpass.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := c.api.Query(q)
		done <- outcome{res, err}
	}()
	select {
	case <-ctx.Done():
		return overpass.Result{}, ctx.Err()
	case o := <-done:
		if o.err != nil {
			return overpass.Result{}, resilience.NewTransientError(eris.Wrap(o.err, "osm: overpass query"), 0)
		}
		return o.res, nil
	}
}

// Features flattens an Overpass result into accommodation features. Ways
// are reduced to the mean of their member nodes; untagged nodes are
// skipped.
func Features(res overpass.Result) []Feature {
	var out []Feature
	for _, n := range res.Nodes {
		if n == nil || n.Tags["tourism"] == "" {
			continue
		}
		out = append(out, Feature{
			ID:       "node/" + strconv.FormatInt(n.ID, 10),
			Location: model.Coordinate{Lat: n.Lat, Lon: n.Lon},
			Tags:     n.Tags,
		})
	}
	for _, w := range res.Ways {
		if w == nil || w.Tags["tourism"] == "" {
			continue
		}
		loc, ok := wayCenter(w)
		if !ok {
			continue
		}
		out = append(out, Feature{
			ID:       "way/" + strconv.FormatInt(w.ID, 10),
			Location: loc,
			Tags:     w.Tags,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func wayCenter(w *overpass.Way) (model.Coordinate, bool) {
	var lat, lon float64
	var n int
	for _, node := range w.Nodes {
		if node == nil {
			continue
		}
		lat += node.Lat
		lon += node.Lon
		n++
	}
	if n > 0 {
		return model.Coordinate{Lat: lat / float64(n), Lon: lon / float64(n)}, true
	}
	if w.Bounds != nil {
		return model.Coordinate{
			Lat: (w.Bounds.Min.Lat + w.Bounds.Max.Lat) / 2,
			Lon: (w.Bounds.Min.Lon + w.Bounds.Max.Lon) / 2,
		}, true
	}
	return model.Coordinate{}, false
}
