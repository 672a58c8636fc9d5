package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kliq-group/growth-engine/internal/model"
)

var (
	discoverPlatforms []string
	discoverLimit     int
)

var discoverCmd = &cobra.Command{
	Use:   "discover <query>",
	Short: "Run cross-platform discovery for a query",
	Long:  "Searches the configured platform adapters and folds the results into the prospect base, deduplicating across sources.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		platforms := make([]model.Platform, 0, len(discoverPlatforms))
		for _, p := range discoverPlatforms {
			platforms = append(platforms, model.Platform(p))
		}
		if len(platforms) == 0 {
			platforms = env.Registry.Platforms()
		}
		if len(platforms) == 0 {
			return eris.New("no platform adapters configured")
		}

		limit := discoverLimit
		if limit <= 0 {
			limit = cfg.Discovery.Limit
		}

		result, err := env.Discovery.Run(cmd.Context(), platforms, args[0], limit)
		if err != nil {
			return err
		}

		zap.L().Info("discovery complete",
			zap.Int("created", result.Created),
			zap.Int("merged", result.Merged),
			zap.Int("flagged_for_review", result.Review),
			zap.Int("errors", result.Errors),
		)
		fmt.Printf("created=%d merged=%d review=%d errors=%d\n",
			result.Created, result.Merged, result.Review, result.Errors)
		return nil
	},
}

func init() {
	discoverCmd.Flags().StringSliceVar(&discoverPlatforms, "platform", nil, "platforms to search (default: all configured)")
	discoverCmd.Flags().IntVar(&discoverLimit, "limit", 0, "max records per platform (default from config)")
	rootCmd.AddCommand(discoverCmd)
}
