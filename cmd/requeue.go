package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var requeueRun bool

var requeueCmd = &cobra.Command{
	Use:   "requeue <prospect-id>",
	Short: "Reopen a failed prospect for another pipeline attempt",
	Long:  "Opens a new stage-run generation with a fresh idempotency token, resets the attempt count, and moves the prospect back to the status it failed out of.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Orchestrator.Requeue(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("prospect %s requeued\n", args[0])

		if requeueRun {
			if err := env.Orchestrator.RunProspect(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("prospect %s advanced\n", args[0])
		}
		return nil
	},
}

func init() {
	requeueCmd.Flags().BoolVar(&requeueRun, "run", false, "run the pipeline immediately after requeueing")
	rootCmd.AddCommand(requeueCmd)
}
