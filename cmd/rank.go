package main

import (
	"encoding/json"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/innsight/internal/scoring"
)

var (
	rankPOI                string
	rankLat                float64
	rankLon                float64
	rankProfile            string
	rankThresholds         []string
	rankPrefer             []string
	rankRequire            []string
	rankWeightTier         float64
	rankWeightRating       float64
	rankWeightAmenity      float64
	rankTopN               int
	rankRadius             float64
	rankIncludeUnreachable bool
)

var rankCmd = &cobra.Command{
	Use:   "rank",
	Short: "Rank accommodations around a place or coordinate",
	Example: `  innsight rank --poi "Louvre Museum" --filters parking
  innsight rank --lat 48.8606 --lon 2.3376 --profile walking --thresholds 10,20 --require wheelchair`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		q, err := rankQueryFromFlags(cmd)
		if err != nil {
			return err
		}

		env, err := initRanking(ctx, "rank")
		if err != nil {
			return err
		}
		defer env.Close()

		resp, err := q.run(ctx, env.Orchestrator, env.Profile)
		if err != nil {
			return eris.Wrap(err, "rank")
		}
		if resp.Degraded {
			zap.L().Warn("ranking degraded", zap.Bool("stale_isochrones", resp.Stale))
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	},
}

func rankQueryFromFlags(cmd *cobra.Command) (rankQuery, error) {
	flags := cmd.Flags()
	thresholds, err := parseInts(rankThresholds)
	if err != nil {
		return rankQuery{}, err
	}
	q := rankQuery{
		Place:              rankPOI,
		Mode:               rankProfile,
		Thresholds:         thresholds,
		Prefer:             rankPrefer,
		Require:            rankRequire,
		TopN:               rankTopN,
		IncludeUnreachable: rankIncludeUnreachable || cfg.Ranking.IncludeUnreachable,
		Radius:             rankRadius,
	}
	if flags.Changed("lat") {
		q.Lat = &rankLat
	}
	if flags.Changed("lon") {
		q.Lon = &rankLon
	}
	q.Weights = weightOverrides(flags.Changed("w-tier"), rankWeightTier,
		flags.Changed("w-rating"), rankWeightRating,
		flags.Changed("w-amenity"), rankWeightAmenity)
	return q, nil
}

func weightOverrides(setTier bool, tier float64, setRating bool, rating float64, setAmenity bool, amenity float64) scoring.Overrides {
	var o scoring.Overrides
	if setTier {
		o.Tier = &tier
	}
	if setRating {
		o.Rating = &rating
	}
	if setAmenity {
		o.Amenity = &amenity
	}
	return o
}

func init() {
	f := rankCmd.Flags()
	f.StringVar(&rankPOI, "poi", "", "place name to geocode")
	f.Float64Var(&rankLat, "lat", 0, "POI latitude")
	f.Float64Var(&rankLon, "lon", 0, "POI longitude")
	f.StringVar(&rankProfile, "profile", "", "travel mode: driving, walking or cycling (default from config)")
	f.StringSliceVar(&rankThresholds, "thresholds", nil, "tier thresholds in minutes, e.g. 15,30,60 (default from config)")
	f.StringSliceVar(&rankPrefer, "filters", nil, "preferred amenities: parking, wheelchair, kids, pets")
	f.StringSliceVar(&rankRequire, "require", nil, "required amenities; unknown facts do not satisfy a requirement")
	f.Float64Var(&rankWeightTier, "w-tier", 0, "override the tier weight")
	f.Float64Var(&rankWeightRating, "w-rating", 0, "override the rating weight")
	f.Float64Var(&rankWeightAmenity, "w-amenity", 0, "override the amenity weight")
	f.IntVar(&rankTopN, "top-n", 0, "number of results (default from config)")
	f.Float64Var(&rankRadius, "radius", 0, "inventory search radius in meters (default covers the outermost tier)")
	f.BoolVar(&rankIncludeUnreachable, "include-unreachable", false, "keep candidates outside every tier")
	rankCmd.MarkFlagsMutuallyExclusive("poi", "lat")
	rankCmd.MarkFlagsMutuallyExclusive("poi", "lon")
	rankCmd.MarkFlagsRequiredTogether("lat", "lon")
	rootCmd.AddCommand(rankCmd)
}
