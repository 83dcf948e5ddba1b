package isochrone

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/innsight/internal/geometry"
	"github.com/sells-group/innsight/internal/model"
	"github.com/sells-group/innsight/internal/resilience"
)

const orsTwoTiers = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature", "properties": {"group_index": 0, "value": 1200, "center": [2.29448, 48.85837]},
     "geometry": {"type": "Polygon", "coordinates": [[[2.27,48.83],[2.32,48.83],[2.32,48.88],[2.27,48.88],[2.27,48.83]]]}},
    {"type": "Feature", "properties": {"group_index": 0, "value": 600, "center": [2.29448, 48.85837]},
     "geometry": {"type": "Polygon", "coordinates": [[[2.28,48.84],[2.31,48.84],[2.31,48.87],[2.28,48.87],[2.28,48.84]]]}}
  ]
}`

var twoTiers = model.TravelProfile{Mode: model.ModeDriving, Thresholds: []int{10, 20}}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func testRetry(attempts int) resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: attempts, InitialBackoff: time.Millisecond, Sleep: noSleep}
}

func newTestProvider(srv *httptest.Server, opts ...Option) *ORSProvider {
	base := []Option{
		WithBaseURL(srv.URL),
		WithHTTPClient(srv.Client()),
		WithRateLimit(1000, 100),
		WithRetry(testRetry(4)),
	}
	return NewORSProvider("test-key", append(base, opts...)...)
}

func TestORSProvider_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v2/isochrones/driving-car", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("Authorization"))

		body, _ := io.ReadAll(r.Body)
		var req orsRequest
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, [][]float64{{2.29448, 48.85837}}, req.Locations)
		assert.Equal(t, []int{600, 1200}, req.Range)

		w.Header().Set("Content-Type", "application/geo+json")
		_, _ = w.Write([]byte(orsTwoTiers))
	}))
	defer srv.Close()

	fetchedAt := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	p := newTestProvider(srv, WithProviderClock(func() time.Time { return fetchedAt }))

	set, err := p.Fetch(context.Background(), testPOI, twoTiers)
	require.NoError(t, err)
	require.Len(t, set.Tiers, 2)
	assert.Equal(t, 10, set.Tiers[0].ThresholdMinutes)
	assert.Equal(t, 20, set.Tiers[1].ThresholdMinutes)
	assert.Equal(t, testPOI.ID, set.POIID)
	assert.Equal(t, fetchedAt, set.FetchedAt)
	require.NoError(t, geometry.ValidateNesting(set))

	ix, err := geometry.NewIndex(set)
	require.NoError(t, err)
	assert.Equal(t, 0, ix.AssignTier(testPOI.Location))
	assert.Equal(t, 1, ix.AssignTier(model.Coordinate{Lat: 48.875, Lon: 2.30}))
	assert.Equal(t, resilience.PhaseIdle, p.Phase().Phase)
}

func TestORSProvider_RetriesTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(orsTwoTiers))
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	set, err := p.Fetch(context.Background(), testPOI, twoTiers)
	require.NoError(t, err)
	assert.Len(t, set.Tiers, 2)
	assert.Equal(t, int32(3), calls.Load())
}

func TestORSProvider_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":3002,"message":"Parameter 'range' is out of bounds"}}`))
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	for i := 0; i < 4; i++ {
		_, err := p.Fetch(context.Background(), testPOI, twoTiers)
		require.Error(t, err)
		assert.Equal(t, model.KindBadRequest, model.KindOf(err))
	}
	assert.Equal(t, int32(4), calls.Load(), "client errors neither retry nor trip the breaker")
	assert.Equal(t, resilience.CircuitClosed, p.Breaker().State())
}

func TestORSProvider_CircuitOpensAfterThreeFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := newTestProvider(srv, WithRetry(testRetry(1)))
	for i := 0; i < 3; i++ {
		_, err := p.Fetch(context.Background(), testPOI, twoTiers)
		require.Error(t, err)
		assert.Equal(t, model.KindProviderUnavailable, model.KindOf(err))
	}
	assert.Equal(t, resilience.PhaseCircuitOpen, p.Phase().Phase)

	_, err := p.Fetch(context.Background(), testPOI, twoTiers)
	require.Error(t, err)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.ErrorIs(t, err, model.ErrProviderUnavailable)
	assert.Equal(t, int32(3), calls.Load(), "open circuit must not reach the network")
}

func TestORSProvider_MissingTier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(orsTwoTiers))
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	_, err := p.Fetch(context.Background(), testPOI, model.TravelProfile{Mode: model.ModeDriving, Thresholds: []int{10, 20, 30}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected 3 features")
}

func TestORSProvider_ValidatesInput(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	_, err := p.Fetch(context.Background(), testPOI, model.TravelProfile{Mode: "boat", Thresholds: []int{10}})
	assert.True(t, model.IsKind(err, model.KindInvalidConfiguration))
	assert.Equal(t, int32(0), calls.Load())
}

func TestORSProvider_WalkingProfilePath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/isochrones/foot-walking", r.URL.Path)
		_, _ = w.Write([]byte(orsTwoTiers))
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	_, err := p.Fetch(context.Background(), testPOI, model.TravelProfile{Mode: model.ModeWalking, Thresholds: []int{10, 20}})
	require.NoError(t, err)
}

func TestDecodeTiers_MultiPolygon(t *testing.T) {
	body := `{"type":"FeatureCollection","features":[{"type":"Feature","properties":{"value":300},
	  "geometry":{"type":"MultiPolygon","coordinates":[[[[0,0],[1,0],[1,1],[0,1],[0,0]]],[[[5,5],[6,5],[6,6],[5,6],[5,5]]]]}}]}`
	tiers, err := decodeTiers([]byte(body), []int{5})
	require.NoError(t, err)
	require.Len(t, tiers, 1)
	assert.Equal(t, 2, tiers[0].Geometry.NumPolygons())
}
