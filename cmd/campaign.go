package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Drive the outreach scheduler",
}

var campaignSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Advance every campaign whose wake time has elapsed, once",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Scheduler.RunOnce(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("due=%d\n", n)
		return nil
	},
}

var campaignWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the scheduler loop until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Scheduler.Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		zap.L().Info("campaign scheduler stopped")
		return nil
	},
}

var campaignAbandonCmd = &cobra.Command{
	Use:   "abandon <campaign-id>",
	Short: "Cancel an active campaign so no further reminders go out",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		ended, err := env.Machine.Abandon(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !ended {
			fmt.Printf("campaign %s already finished\n", args[0])
			return nil
		}
		fmt.Printf("campaign %s abandoned\n", args[0])
		return nil
	},
}

func init() {
	campaignCmd.AddCommand(campaignSweepCmd)
	campaignCmd.AddCommand(campaignWatchCmd)
	campaignCmd.AddCommand(campaignAbandonCmd)
	rootCmd.AddCommand(campaignCmd)
}
