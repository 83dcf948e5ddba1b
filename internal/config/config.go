package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/innsight/internal/model"
	"github.com/sells-group/innsight/internal/scoring"
)

// Config holds the full application configuration.
type Config struct {
	Isochrone IsochroneConfig `yaml:"isochrone" mapstructure:"isochrone"`
	Cache     CacheConfig     `yaml:"cache" mapstructure:"cache"`
	Amenity   AmenityConfig   `yaml:"amenity" mapstructure:"amenity"`
	Overpass  OverpassConfig  `yaml:"overpass" mapstructure:"overpass"`
	Geocode   GeocodeConfig   `yaml:"geocode" mapstructure:"geocode"`
	Scoring   ScoringConfig   `yaml:"scoring" mapstructure:"scoring"`
	Ranking   RankingConfig   `yaml:"ranking" mapstructure:"ranking"`
	Inventory InventoryConfig `yaml:"inventory" mapstructure:"inventory"`
	Redis     RedisConfig     `yaml:"redis" mapstructure:"redis"`
	Database  DatabaseConfig  `yaml:"database" mapstructure:"database"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// IsochroneConfig configures the openrouteservice provider.
type IsochroneConfig struct {
	APIKey             string  `yaml:"api_key" mapstructure:"api_key"`
	BaseURL            string  `yaml:"base_url" mapstructure:"base_url"`
	Mode               string  `yaml:"mode" mapstructure:"mode"`
	Thresholds         []int   `yaml:"thresholds" mapstructure:"thresholds"`
	Retries            int     `yaml:"retries" mapstructure:"retries"`
	InitialBackoffMs   int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs       int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	AttemptTimeoutSecs int     `yaml:"attempt_timeout_secs" mapstructure:"attempt_timeout_secs"`
	BudgetSecs         int     `yaml:"budget_secs" mapstructure:"budget_secs"`
	FailureThreshold   int     `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	CooldownSecs       int     `yaml:"cooldown_secs" mapstructure:"cooldown_secs"`
	RateLimit          float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	Burst              int     `yaml:"burst" mapstructure:"burst"`
}

// CacheConfig configures the isochrone cache.
type CacheConfig struct {
	Precision           int `yaml:"precision" mapstructure:"precision"`
	TTLHours            int `yaml:"ttl_hours" mapstructure:"ttl_hours"`
	MaxIdleHours        int `yaml:"max_idle_hours" mapstructure:"max_idle_hours"`
	MaxEntries          int `yaml:"max_entries" mapstructure:"max_entries"`
	FlightTimeoutSecs   int `yaml:"flight_timeout_secs" mapstructure:"flight_timeout_secs"`
	JanitorIntervalMins int `yaml:"janitor_interval_mins" mapstructure:"janitor_interval_mins"`
}

// AmenityConfig configures amenity enrichment.
type AmenityConfig struct {
	TTLHours    int     `yaml:"ttl_hours" mapstructure:"ttl_hours"`
	CellSize    float64 `yaml:"cell_size" mapstructure:"cell_size"`
	Concurrency int     `yaml:"concurrency" mapstructure:"concurrency"`
	MatchRadius float64 `yaml:"match_radius" mapstructure:"match_radius"`
}

// OverpassConfig configures the Overpass API client.
type OverpassConfig struct {
	Endpoint    string  `yaml:"endpoint" mapstructure:"endpoint"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxParallel int     `yaml:"max_parallel" mapstructure:"max_parallel"`
	RateLimit   float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	Burst       int     `yaml:"burst" mapstructure:"burst"`
}

// GeocodeConfig configures the Nominatim resolver.
type GeocodeConfig struct {
	BaseURL       string  `yaml:"base_url" mapstructure:"base_url"`
	UserAgent     string  `yaml:"user_agent" mapstructure:"user_agent"`
	Language      string  `yaml:"language" mapstructure:"language"`
	RateLimit     float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	CacheTTLHours int     `yaml:"cache_ttl_hours" mapstructure:"cache_ttl_hours"`
}

// ScoringConfig holds the default score weights.
type ScoringConfig struct {
	Weights model.WeightConfig `yaml:"weights" mapstructure:"weights"`
	// NeutralRating is the rating component used for unrated accommodations.
	NeutralRating float64 `yaml:"neutral_rating" mapstructure:"neutral_rating"`
}

// RankingConfig configures the ranking orchestrator.
type RankingConfig struct {
	DefaultTopN        int     `yaml:"default_top_n" mapstructure:"default_top_n"`
	MaxTopN            int     `yaml:"max_top_n" mapstructure:"max_top_n"`
	SearchRadius       float64 `yaml:"search_radius" mapstructure:"search_radius"`
	ResultCacheSize    int     `yaml:"result_cache_size" mapstructure:"result_cache_size"`
	ResultCacheTTLMins int     `yaml:"result_cache_ttl_mins" mapstructure:"result_cache_ttl_mins"`
	IncludeUnreachable bool    `yaml:"include_unreachable" mapstructure:"include_unreachable"`
}

// InventoryConfig selects the candidate source.
type InventoryConfig struct {
	Source string `yaml:"source" mapstructure:"source"`
	Table  string `yaml:"table" mapstructure:"table"`
	Limit  int    `yaml:"limit" mapstructure:"limit"`
}

// RedisConfig configures the shared isochrone store. An empty Addr disables it.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
	Prefix   string `yaml:"prefix" mapstructure:"prefix"`
}

// DatabaseConfig configures the PostGIS connection.
type DatabaseConfig struct {
	URL      string `yaml:"url" mapstructure:"url"`
	MaxConns int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port               int      `yaml:"port" mapstructure:"port"`
	CORSOrigins        []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	RequestTimeoutSecs int      `yaml:"request_timeout_secs" mapstructure:"request_timeout_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from .env, config file and environment.
func Load() (*Config, error) {
	// .env only fills variables that are not already set.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: read .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("INNSIGHT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("isochrone.api_key", "")
	v.SetDefault("isochrone.base_url", "https://api.openrouteservice.org")
	v.SetDefault("isochrone.mode", "driving")
	v.SetDefault("isochrone.thresholds", model.DefaultThresholds)
	v.SetDefault("isochrone.retries", 3)
	v.SetDefault("isochrone.initial_backoff_ms", 500)
	v.SetDefault("isochrone.max_backoff_ms", 8000)
	v.SetDefault("isochrone.attempt_timeout_secs", 10)
	v.SetDefault("isochrone.budget_secs", 30)
	v.SetDefault("isochrone.failure_threshold", 3)
	v.SetDefault("isochrone.cooldown_secs", 30)
	v.SetDefault("isochrone.rate_limit", 1.0)
	v.SetDefault("isochrone.burst", 2)
	v.SetDefault("cache.precision", 4)
	v.SetDefault("cache.ttl_hours", 24)
	v.SetDefault("cache.max_idle_hours", 72)
	v.SetDefault("cache.max_entries", 512)
	v.SetDefault("cache.flight_timeout_secs", 45)
	v.SetDefault("cache.janitor_interval_mins", 10)
	v.SetDefault("amenity.ttl_hours", 7*24)
	v.SetDefault("amenity.cell_size", 0.01)
	v.SetDefault("amenity.concurrency", 4)
	v.SetDefault("amenity.match_radius", 30.0)
	v.SetDefault("overpass.endpoint", "https://overpass-api.de/api/interpreter")
	v.SetDefault("overpass.timeout_secs", 25)
	v.SetDefault("overpass.max_parallel", 2)
	v.SetDefault("overpass.rate_limit", 1.0)
	v.SetDefault("overpass.burst", 2)
	v.SetDefault("geocode.base_url", "https://nominatim.openstreetmap.org")
	v.SetDefault("geocode.user_agent", "innsight")
	v.SetDefault("geocode.language", "")
	v.SetDefault("geocode.rate_limit", 1.0)
	v.SetDefault("geocode.cache_ttl_hours", 24)
	v.SetDefault("scoring.weights.tier", 4.0)
	v.SetDefault("scoring.weights.rating", 2.0)
	v.SetDefault("scoring.weights.amenity", 4.0)
	v.SetDefault("scoring.neutral_rating", scoring.DefaultNeutralRating)
	v.SetDefault("ranking.default_top_n", 10)
	v.SetDefault("ranking.max_top_n", 50)
	v.SetDefault("ranking.search_radius", 20000.0)
	v.SetDefault("ranking.result_cache_size", 20)
	v.SetDefault("ranking.result_cache_ttl_mins", 30)
	v.SetDefault("ranking.include_unreachable", false)
	v.SetDefault("inventory.source", "overpass")
	v.SetDefault("inventory.table", "public.accommodations")
	v.SetDefault("inventory.limit", 500)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "innsight:iso:")
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.request_timeout_secs", 60)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Profile returns the configured default travel profile.
func (c IsochroneConfig) Profile() (model.TravelProfile, error) {
	mode, err := model.ParseTravelMode(c.Mode)
	if err != nil {
		return model.TravelProfile{}, err
	}
	thresholds := c.Thresholds
	if len(thresholds) == 0 {
		thresholds = model.DefaultThresholds
	}
	p := model.TravelProfile{Mode: mode, Thresholds: append([]int(nil), thresholds...)}
	return p, p.Validate()
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
