package main

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sells-group/innsight/internal/amenity"
	"github.com/sells-group/innsight/internal/config"
	"github.com/sells-group/innsight/internal/db"
	"github.com/sells-group/innsight/internal/geocode"
	"github.com/sells-group/innsight/internal/inventory"
	"github.com/sells-group/innsight/internal/isochrone"
	"github.com/sells-group/innsight/internal/model"
	"github.com/sells-group/innsight/internal/osm"
	"github.com/sells-group/innsight/internal/ranking"
	"github.com/sells-group/innsight/internal/resilience"
)

// rankEnv holds the components needed by the rank and serve commands.
type rankEnv struct {
	Orchestrator *ranking.Orchestrator
	Isochrones   *isochrone.Cache
	Provider     *isochrone.ORSProvider
	Enricher     *amenity.Enricher
	Profile      model.TravelProfile
	Breakers     *resilience.ServiceBreakers

	redis *redis.Client
	pool  *pgxpool.Pool
}

// Close releases connections held by the environment.
func (e *rankEnv) Close() {
	if e.redis != nil {
		_ = e.redis.Close()
	}
	if e.pool != nil {
		e.pool.Close()
	}
}

// initRanking validates cfg for mode and wires the provider, caches,
// enrichment, geocoding and inventory into an Orchestrator. Callers should
// defer env.Close(). Connections opened before a failure are released.
func initRanking(ctx context.Context, mode string) (_ *rankEnv, err error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	profile, err := cfg.Isochrone.Profile()
	if err != nil {
		return nil, err
	}

	env := &rankEnv{
		Profile: profile,
		Breakers: resilience.NewServiceBreakers(resilience.FromCircuitConfig("",
			cfg.Isochrone.FailureThreshold, seconds(cfg.Isochrone.CooldownSecs))),
	}
	defer func() {
		if err != nil {
			env.Close()
		}
	}()
	breaker := env.Breakers.Get

	ic := cfg.Isochrone
	env.Provider = isochrone.NewORSProvider(ic.APIKey,
		isochrone.WithBaseURL(ic.BaseURL),
		isochrone.WithRetry(isochroneRetry(ic)),
		isochrone.WithBreaker(breaker("openrouteservice")),
		isochrone.WithRateLimit(ic.RateLimit, ic.Burst),
	)

	var cacheOpts []isochrone.CacheOption
	if cfg.Redis.Addr != "" {
		env.redis = newRedisClient(cfg.Redis)
		cacheOpts = append(cacheOpts, isochrone.WithStore(isochrone.NewRedisStore(env.redis, cfg.Redis.Prefix)))
	}
	env.Isochrones = isochrone.NewCache(env.Provider, cacheConfig(cfg.Cache), cacheOpts...)

	oc := cfg.Overpass
	osmClient := osm.NewClient(osm.Config{
		Endpoint:    oc.Endpoint,
		Timeout:     seconds(oc.TimeoutSecs),
		MaxParallel: oc.MaxParallel,
		RateLimit:   oc.RateLimit,
		Burst:       oc.Burst,
		Breaker:     breaker("overpass"),
	})
	env.Enricher = amenity.New(osmClient, amenity.Config{
		TTL:          hours(cfg.Amenity.TTLHours),
		CellSize:     cfg.Amenity.CellSize,
		Concurrency:  cfg.Amenity.Concurrency,
		MatchRadius:  cfg.Amenity.MatchRadius,
		FetchTimeout: seconds(oc.TimeoutSecs),
	})

	gc := cfg.Geocode
	geoRetry := resilience.DefaultRetryConfig()
	geoRetry.OnRetry = resilience.RetryLogger("nominatim", "search")
	geocoder := geocode.NewCached(
		geocode.NewNominatim(gc.BaseURL,
			geocode.WithUserAgent(gc.UserAgent),
			geocode.WithLanguage(gc.Language),
			geocode.WithRateLimit(gc.RateLimit),
			geocode.WithGuard(geoRetry, breaker("nominatim")),
		),
		geocode.WithTTL(hours(gc.CacheTTLHours), 0),
	)

	var inv ranking.Inventory
	switch cfg.Inventory.Source {
	case "postgis":
		pool, err := db.Connect(ctx, cfg.Database.URL, db.PoolConfig{
			MaxConns: cfg.Database.MaxConns,
			MinConns: cfg.Database.MinConns,
		})
		if err != nil {
			return nil, err
		}
		env.pool = pool
		pg, err := inventory.NewPostGIS(pool, cfg.Inventory.Table, cfg.Inventory.Limit)
		if err != nil {
			return nil, err
		}
		inv = pg
	default:
		inv = inventory.NewOverpass(osmClient, cfg.Inventory.Limit)
	}

	rc := cfg.Ranking
	orch, err := ranking.New(env.Isochrones, ranking.Config{
		Weights:         cfg.Scoring.Weights,
		NeutralRating:   &cfg.Scoring.NeutralRating,
		DefaultTopN:     rc.DefaultTopN,
		MaxTopN:         rc.MaxTopN,
		SearchRadius:    rc.SearchRadius,
		ResultCacheSize: rc.ResultCacheSize,
		ResultCacheTTL:  time.Duration(rc.ResultCacheTTLMins) * time.Minute,
	},
		ranking.WithEnricher(env.Enricher),
		ranking.WithGeocoder(geocoder),
		ranking.WithInventory(inv),
	)
	if err != nil {
		return nil, err
	}
	env.Orchestrator = orch

	zap.L().Info("ranking initialized",
		zap.String("profile", profile.String()),
		zap.String("inventory", cfg.Inventory.Source),
		zap.Bool("shared_store", env.redis != nil),
	)
	return env, nil
}

func isochroneRetry(ic config.IsochroneConfig) resilience.RetryConfig {
	r := resilience.FromRetrySettings(ic.Retries, ic.InitialBackoffMs, ic.MaxBackoffMs, 0, -1,
		seconds(ic.AttemptTimeoutSecs), seconds(ic.BudgetSecs))
	r.OnRetry = resilience.RetryLogger("openrouteservice", "isochrones")
	return r
}

func cacheConfig(cc config.CacheConfig) isochrone.Config {
	return isochrone.Config{
		Precision:     cc.Precision,
		TTL:           hours(cc.TTLHours),
		MaxIdle:       hours(cc.MaxIdleHours),
		MaxEntries:    cc.MaxEntries,
		FlightTimeout: seconds(cc.FlightTimeoutSecs),
	}
}

var newRedisClient = func(rc config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func hours(n int) time.Duration { return time.Duration(n) * time.Hour }
