package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var importCmd = &cobra.Command{
	Use:   "import <uri>",
	Short: "Ingest a seed list of prospect records",
	Long:  "Loads a CSV, XLSX, or JSON seed list from a local path, HTTP, or FTP URI and folds the records into the prospect base.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		records, err := env.Loader.Load(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		zap.L().Info("seed list loaded", zap.String("uri", args[0]), zap.Int("records", len(records)))

		result, err := env.Discovery.Ingest(cmd.Context(), records)
		if err != nil {
			return err
		}

		fmt.Printf("records=%d created=%d merged=%d review=%d errors=%d\n",
			len(records), result.Created, result.Merged, result.Review, result.Errors)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(importCmd)
}
