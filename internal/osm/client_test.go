package osm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/innsight/internal/model"
	"github.com/sells-group/innsight/internal/resilience"
)

const overpassBody = `{
  "version": 0.6,
  "generator": "Overpass API",
  "osm3s": {"timestamp_osm_base": "2026-03-01T00:00:00Z"},
  "elements": [
    {"type": "node", "id": 1, "lat": 25.0330, "lon": 121.5654, "tags": {"tourism": "hotel", "name": "Grand", "stars": "4", "parking": "yes"}},
    {"type": "node", "id": 10, "lat": 25.0400, "lon": 121.5600},
    {"type": "node", "id": 11, "lat": 25.0420, "lon": 121.5620},
    {"type": "way", "id": 7, "nodes": [10, 11], "tags": {"tourism": "hostel", "name": "Backpackers", "pets": "yes"}}
  ]
}`

func testClient(srv *httptest.Server) *Client {
	return NewClient(Config{
		Endpoint:   srv.URL,
		HTTPClient: srv.Client(),
		RateLimit:  1000,
		Burst:      100,
		Retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			Sleep:          func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
		},
	})
}

func TestClient_Area(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Contains(t, r.Form.Get("data"), `"tourism"~"^(hotel|guest_house`)
		assert.Contains(t, r.Form.Get("data"), "25.000000,121.500000,25.100000,121.600000")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(overpassBody))
	}))
	defer srv.Close()

	c := testClient(srv)
	features, err := c.Area(context.Background(), model.BBox{MinLat: 25, MinLon: 121.5, MaxLat: 25.1, MaxLon: 121.6})
	require.NoError(t, err)
	require.Len(t, features, 2)

	assert.Equal(t, "node/1", features[0].ID)
	assert.Equal(t, "Grand", features[0].Tags["name"])
	assert.Equal(t, "way/7", features[1].ID)
	assert.InDelta(t, 25.041, features[1].Location.Lat, 1e-9)
	assert.InDelta(t, 121.561, features[1].Location.Lon, 1e-9)
}

func TestClient_AreaRetriesThenFails(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusGatewayTimeout)
	}))
	defer srv.Close()

	c := testClient(srv)
	_, err := c.Area(context.Background(), model.BBox{MinLat: 25, MinLon: 121.5, MaxLat: 25.1, MaxLon: 121.6})
	require.Error(t, err)
	assert.Equal(t, model.KindProviderUnavailable, model.KindOf(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_AreaRejectsBadBBox(t *testing.T) {
	c := NewClient(Config{Endpoint: "http://127.0.0.1:1"})
	_, err := c.Area(context.Background(), model.BBox{MinLat: 10, MaxLat: 5})
	assert.True(t, model.IsKind(err, model.KindBadRequest))
}

func TestClient_AreaHonoursContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c := testClient(srv)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Area(ctx, model.BBox{MinLat: 25, MinLon: 121.5, MaxLat: 25.1, MaxLon: 121.6})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "deadline") || strings.Contains(err.Error(), "canceled"))
}
