package isochrone

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/sells-group/innsight/internal/model"
)

// StoredEntry is a versioned set persisted in a second-level store.
type StoredEntry struct {
	Set     *model.IsochroneSet
	Version uint64
}

// Store is an optional second-level cache shared between processes.
// Load returns nil, nil on a miss.
type Store interface {
	Load(ctx context.Context, key string) (*StoredEntry, error)
	Save(ctx context.Context, key string, e StoredEntry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// RedisStore keeps isochrone sets in Redis as JSON with GeoJSON geometry.
type RedisStore struct {
	rdb    redis.Cmdable
	prefix string
}

// NewRedisStore creates a RedisStore. Keys are namespaced by prefix.
func NewRedisStore(rdb redis.Cmdable, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "innsight:iso:"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context, key string) (*StoredEntry, error) {
	b, err := s.rdb.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "isochrone: redis get")
	}
	e, err := decodeEntry(b)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, key string, e StoredEntry, ttl time.Duration) error {
	b, err := encodeEntry(e)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, s.prefix+key, b, ttl).Err(); err != nil {
		return eris.Wrap(err, "isochrone: redis set")
	}
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.prefix+key).Err(); err != nil {
		return eris.Wrap(err, "isochrone: redis del")
	}
	return nil
}

// StoredKey is a persisted key with its remaining TTL.
type StoredKey struct {
	Key string        `json:"key"`
	TTL time.Duration `json:"ttl"`
}

// List scans every key under the prefix, sorted.
func (s *RedisStore) List(ctx context.Context) ([]StoredKey, error) {
	var out []StoredKey
	iter := s.rdb.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		full := iter.Val()
		ttl, err := s.rdb.TTL(ctx, full).Result()
		if err != nil {
			return nil, eris.Wrapf(err, "isochrone: redis ttl %s", full)
		}
		out = append(out, StoredKey{Key: strings.TrimPrefix(full, s.prefix), TTL: ttl})
	}
	if err := iter.Err(); err != nil {
		return nil, eris.Wrap(err, "isochrone: redis scan")
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

type wireTier struct {
	Index    int               `json:"index"`
	Minutes  int               `json:"minutes"`
	Geometry *geojson.Geometry `json:"geometry"`
}

type wireEntry struct {
	Version   uint64              `json:"version"`
	POIID     string              `json:"poi_id"`
	Origin    model.Coordinate    `json:"origin"`
	Profile   model.TravelProfile `json:"profile"`
	FetchedAt time.Time           `json:"fetched_at"`
	ExpiresAt time.Time           `json:"expires_at"`
	Tiers     []wireTier          `json:"tiers"`
}

func encodeEntry(e StoredEntry) ([]byte, error) {
	if e.Set == nil {
		return nil, eris.New("isochrone: encode nil set")
	}
	w := wireEntry{
		Version:   e.Version,
		POIID:     e.Set.POIID,
		Origin:    e.Set.Origin,
		Profile:   e.Set.Profile,
		FetchedAt: e.Set.FetchedAt,
		ExpiresAt: e.Set.ExpiresAt,
		Tiers:     make([]wireTier, len(e.Set.Tiers)),
	}
	for i, t := range e.Set.Tiers {
		g, err := geojson.Encode(t.Geometry)
		if err != nil {
			return nil, eris.Wrapf(err, "isochrone: encode tier %d", i)
		}
		w.Tiers[i] = wireTier{Index: t.Index, Minutes: t.ThresholdMinutes, Geometry: g}
	}
	b, err := json.Marshal(w)
	if err != nil {
		return nil, eris.Wrap(err, "isochrone: marshal entry")
	}
	return b, nil
}

func decodeEntry(b []byte) (*StoredEntry, error) {
	var w wireEntry
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, eris.Wrap(err, "isochrone: unmarshal entry")
	}
	set := &model.IsochroneSet{
		POIID:     w.POIID,
		Origin:    w.Origin,
		Profile:   w.Profile,
		FetchedAt: w.FetchedAt,
		ExpiresAt: w.ExpiresAt,
		Tiers:     make([]model.TierPolygon, len(w.Tiers)),
	}
	for i, t := range w.Tiers {
		if t.Geometry == nil {
			return nil, eris.Errorf("isochrone: stored tier %d has no geometry", i)
		}
		g, err := t.Geometry.Decode()
		if err != nil {
			return nil, eris.Wrapf(err, "isochrone: decode tier %d", i)
		}
		mp, ok := g.(*geom.MultiPolygon)
		if !ok {
			return nil, eris.Errorf("isochrone: stored tier %d is %T", i, g)
		}
		set.Tiers[i] = model.TierPolygon{Index: t.Index, ThresholdMinutes: t.Minutes, Geometry: mp.SetSRID(4326)}
	}
	return &StoredEntry{Set: set, Version: w.Version}, nil
}
