package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/innsight/internal/isochrone"
	"github.com/sells-group/innsight/internal/model"
	"github.com/sells-group/innsight/internal/resilience"
)

var (
	cacheLat        float64
	cacheLon        float64
	cacheProfile    string
	cacheThresholds []string
	cacheServer     string
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and invalidate the shared isochrone store",
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted isochrone keys with their remaining TTL",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("cache"); err != nil {
			return err
		}
		rdb := newRedisClient(cfg.Redis)
		defer rdb.Close()

		keys, err := isochrone.NewRedisStore(rdb, cfg.Redis.Prefix).List(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tTTL")
		for _, k := range keys {
			fmt.Fprintf(w, "%s\t%s\n", k.Key, k.TTL.Round(time.Second))
		}
		if err := w.Flush(); err != nil {
			return eris.Wrap(err, "cache list: flush")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d keys\n", len(keys))
		return nil
	},
}

var cacheInvalidateCmd = &cobra.Command{
	Use:   "invalidate",
	Short: "Drop the persisted isochrones for a coordinate and profile",
	Long: "Drop the persisted isochrones for a coordinate and profile. With --server the\n" +
		"running server drops its in-process entry and cached rankings as well.",
	RunE: func(cmd *cobra.Command, args []string) error {
		loc := model.Coordinate{Lat: cacheLat, Lon: cacheLon}
		if !loc.Valid() {
			return model.Errorf(model.KindBadRequest, "cache invalidate: invalid coordinate %s", loc)
		}
		profile, err := cacheTargetProfile()
		if err != nil {
			return err
		}
		if cacheServer != "" {
			res, err := invalidateOnServer(cmd.Context(), http.DefaultClient, cacheServer, targetQuery(loc, profile))
			if err != nil {
				return err
			}
			zap.L().Info("isochrones invalidated on server",
				zap.String("server", cacheServer),
				zap.String("key", res.Key),
				zap.Bool("existed", res.Existed),
			)
			fmt.Fprintln(cmd.OutOrStdout(), res.Key)
			return nil
		}

		if err := cfg.Validate("cache"); err != nil {
			return err
		}
		rdb := newRedisClient(cfg.Redis)
		defer rdb.Close()

		key := isochrone.CacheKey(loc, profile, cfg.Cache.Precision)
		if err := isochrone.NewRedisStore(rdb, cfg.Redis.Prefix).Delete(cmd.Context(), key); err != nil {
			return err
		}
		zap.L().Info("isochrones invalidated", zap.String("key", key))
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

// targetQuery encodes a coordinate and profile so the server derives the
// key with its own precision.
func targetQuery(loc model.Coordinate, profile model.TravelProfile) url.Values {
	thresholds := make([]string, len(profile.Thresholds))
	for i, m := range profile.Thresholds {
		thresholds[i] = strconv.Itoa(m)
	}
	return url.Values{
		"lat":        {strconv.FormatFloat(loc.Lat, 'f', -1, 64)},
		"lon":        {strconv.FormatFloat(loc.Lon, 'f', -1, 64)},
		"profile":    {string(profile.Mode)},
		"thresholds": {strings.Join(thresholds, ",")},
	}
}

// invalidateOnServer asks a running server to drop the isochrones named by q.
func invalidateOnServer(ctx context.Context, hc *http.Client, base string, q url.Values) (invalidateResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	target := strings.TrimRight(base, "/") + "/v1/cache?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target, nil)
	if err != nil {
		return invalidateResponse{}, eris.Wrap(err, "cache invalidate: build request")
	}
	resp, err := hc.Do(req)
	if err != nil {
		return invalidateResponse{}, eris.Wrap(err, "cache invalidate: request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return invalidateResponse{}, eris.Wrap(err, "cache invalidate: read response")
	}
	if err := resilience.CheckStatus("innsight", resp.StatusCode, body); err != nil {
		return invalidateResponse{}, eris.Wrap(err, "cache invalidate")
	}
	var out invalidateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return invalidateResponse{}, eris.Wrap(err, "cache invalidate: decode response")
	}
	return out, nil
}

func cacheTargetProfile() (model.TravelProfile, error) {
	ic := cfg.Isochrone
	if cacheProfile != "" {
		ic.Mode = cacheProfile
	}
	thresholds, err := parseInts(cacheThresholds)
	if err != nil {
		return model.TravelProfile{}, err
	}
	if len(thresholds) > 0 {
		ic.Thresholds = thresholds
	}
	return ic.Profile()
}

func init() {
	f := cacheInvalidateCmd.Flags()
	f.Float64Var(&cacheLat, "lat", 0, "POI latitude")
	f.Float64Var(&cacheLon, "lon", 0, "POI longitude")
	f.StringVar(&cacheProfile, "profile", "", "travel mode (default from config)")
	f.StringSliceVar(&cacheThresholds, "thresholds", nil, "tier thresholds in minutes (default from config)")
	f.StringVar(&cacheServer, "server", "", "base URL of a running server to invalidate through, e.g. http://localhost:8080")
	_ = cacheInvalidateCmd.MarkFlagRequired("lat")
	_ = cacheInvalidateCmd.MarkFlagRequired("lon")

	cacheCmd.AddCommand(cacheListCmd, cacheInvalidateCmd)
	rootCmd.AddCommand(cacheCmd)
}
