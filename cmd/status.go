package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kliq-group/growth-engine/internal/model"
	"github.com/kliq-group/growth-engine/internal/store"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status [prospect-id]",
	Short: "Show pipeline counts, or one prospect's full state",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		if len(args) == 1 {
			return showProspect(cmd, env, args[0])
		}
		return showCounts(cmd, env)
	},
}

func showCounts(cmd *cobra.Command, env *appEnv) error {
	statuses := []model.ProspectStatus{
		model.StatusDiscovered,
		model.StatusScraped,
		model.StatusContentGenerated,
		model.StatusStoreProvisioned,
		model.StatusOutreachActive,
		model.StatusClaimed,
		model.StatusAbandoned,
		model.StatusFailed,
	}
	counts := map[model.ProspectStatus]int{}
	for _, status := range statuses {
		prospects, err := env.Store.ListProspects(cmd.Context(), store.ProspectFilter{Status: status, Limit: 10000})
		if err != nil {
			return err
		}
		counts[status] = len(prospects)
	}

	if statusJSON {
		return json.NewEncoder(os.Stdout).Encode(counts)
	}
	for _, status := range statuses {
		fmt.Printf("%-20s %d\n", status, counts[status])
	}
	return nil
}

func showProspect(cmd *cobra.Command, env *appEnv, id string) error {
	p, err := env.Store.GetProspect(cmd.Context(), id)
	if err != nil {
		return err
	}

	out := map[string]any{"prospect": p}

	var runs []*model.StageRun
	for _, stage := range model.Stages {
		run, err := env.Store.LatestStageRun(cmd.Context(), id, stage)
		if err != nil {
			return err
		}
		if run != nil {
			runs = append(runs, run)
		}
	}
	out["stage_runs"] = runs

	if p.StoreRef != "" {
		c, err := env.Store.GetCampaignByStoreRef(cmd.Context(), p.StoreRef)
		if err != nil {
			return err
		}
		if c != nil {
			out["campaign"] = c
			evs, err := env.Store.ListEvents(cmd.Context(), c.ID)
			if err != nil {
				return err
			}
			out["events"] = evs
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "emit counts as json")
	rootCmd.AddCommand(statusCmd)
}
