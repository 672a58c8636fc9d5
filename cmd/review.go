package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Manage the merge-candidate review queue",
}

var reviewPushCmd = &cobra.Command{
	Use:   "push",
	Short: "Push unreviewed merge candidates to the review database",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		if env.Review == nil {
			return eris.New("notion review queue is not configured")
		}

		pushed, err := env.Review.Push(cmd.Context(), cfg.Discovery.ReviewPushSize)
		if err != nil {
			return err
		}
		fmt.Printf("pushed=%d\n", pushed)
		return nil
	},
}

func init() {
	reviewCmd.AddCommand(reviewPushCmd)
	rootCmd.AddCommand(reviewCmd)
}
