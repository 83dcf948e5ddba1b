package config

import (
	"fmt"
	"strings"

	"github.com/sells-group/innsight/internal/model"
	"github.com/sells-group/innsight/internal/scoring"
)

// Validate checks the settings the given command needs. Problems are
// collected and returned as one KindInvalidConfiguration error.
func (c *Config) Validate(mode string) error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	switch mode {
	case "rank", "serve":
		if c.Isochrone.APIKey == "" {
			add("isochrone.api_key is required")
		}
		c.validateCore(add)
		switch c.Inventory.Source {
		case "overpass":
		case "postgis":
			if c.Database.URL == "" {
				add("database.url is required for inventory.source=postgis")
			}
		default:
			add("inventory.source must be overpass or postgis (got %q)", c.Inventory.Source)
		}
		if mode == "serve" && c.Server.Port <= 0 {
			add("server.port must be > 0")
		}
	case "cache":
		if c.Redis.Addr == "" {
			add("redis.addr is required")
		}
		if c.Cache.Precision < 1 || c.Cache.Precision > 8 {
			add("cache.precision must be between 1 and 8")
		}
	default:
		add("unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return model.Errorf(model.KindInvalidConfiguration, "config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateCore(add func(string, ...any)) {
	if _, err := c.Isochrone.Profile(); err != nil {
		add("isochrone: %v", err)
	}
	if c.Isochrone.Retries < 0 || c.Isochrone.Retries > 10 {
		add("isochrone.retries must be between 0 and 10")
	}
	if c.Isochrone.FailureThreshold < 1 {
		add("isochrone.failure_threshold must be >= 1")
	}
	if c.Isochrone.RateLimit <= 0 {
		add("isochrone.rate_limit must be > 0")
	}
	if c.Cache.Precision < 1 || c.Cache.Precision > 8 {
		add("cache.precision must be between 1 and 8")
	}
	if c.Cache.TTLHours <= 0 {
		add("cache.ttl_hours must be > 0")
	}
	if c.Cache.MaxEntries <= 0 {
		add("cache.max_entries must be > 0")
	}
	if c.Amenity.Concurrency < 1 || c.Amenity.Concurrency > 32 {
		add("amenity.concurrency must be between 1 and 32")
	}
	if err := scoring.ValidateWeights(c.Scoring.Weights); err != nil {
		add("scoring.weights: %v", err)
	}
	if err := scoring.ValidateNeutralRating(c.Scoring.NeutralRating); err != nil {
		add("scoring.neutral_rating: %v", err)
	}
	if c.Ranking.MaxTopN < 1 || c.Ranking.MaxTopN > 50 {
		add("ranking.max_top_n must be between 1 and 50")
	}
	if c.Ranking.DefaultTopN < 1 || c.Ranking.DefaultTopN > c.Ranking.MaxTopN {
		add("ranking.default_top_n must be between 1 and ranking.max_top_n")
	}
}
