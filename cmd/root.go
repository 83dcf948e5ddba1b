package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/innsight/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "innsight",
	Short: "Rank accommodations around a point of interest by travel time",
	Long:  "Fetches and caches travel-time isochrones around a POI, buckets candidate accommodations into tiers and ranks them by tier, rating and amenity match.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
