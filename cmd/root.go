package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kliq-group/growth-engine/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "growth-engine",
	Short: "Creator prospect acquisition pipeline",
	Long:  "Discovers creators across platforms, dedups them into prospects, generates and provisions starter storefronts, and runs the claim outreach sequence.",
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
