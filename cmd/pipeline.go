package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kliq-group/growth-engine/internal/model"
	"github.com/kliq-group/growth-engine/internal/store"
)

var pipelineLimit int

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Run the acquisition pipeline",
}

var pipelineRunCmd = &cobra.Command{
	Use:   "run [prospect-id]",
	Short: "Advance one prospect, or every pending prospect",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		if len(args) == 1 {
			if err := env.Orchestrator.RunProspect(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("prospect %s advanced\n", args[0])
			return nil
		}

		limit := pipelineLimit
		if limit <= 0 {
			limit = cfg.Pipeline.BatchSize
		}
		processed, failed, err := env.Orchestrator.RunBatch(cmd.Context(), limit)
		if err != nil {
			return err
		}
		fmt.Printf("processed=%d failed=%d\n", processed, failed)
		return nil
	},
}

var pipelineFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List failed prospects and the stage they failed at",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		prospects, err := env.Store.ListProspects(cmd.Context(), store.ProspectFilter{
			Status: model.StatusFailed,
			Limit:  200,
		})
		if err != nil {
			return err
		}
		if len(prospects) == 0 {
			fmt.Println("no failed prospects")
			return nil
		}
		for _, p := range prospects {
			fmt.Printf("%s\t%s\t%s\n", p.ID, p.DisplayName, p.FailedStage)
		}
		return nil
	},
}

func init() {
	pipelineRunCmd.Flags().IntVar(&pipelineLimit, "limit", 0, "max prospects per status to pick up (default from config)")
	pipelineCmd.AddCommand(pipelineRunCmd)
	pipelineCmd.AddCommand(pipelineFailedCmd)
	rootCmd.AddCommand(pipelineCmd)
}
