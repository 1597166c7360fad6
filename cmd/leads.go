package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/outreach-cli/internal/config"
	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/store"
)

var leadsCmd = &cobra.Command{
	Use:   "leads",
	Short: "Inspect lead aggregates and their history",
}

// -- leads show --

var leadsShowCmd = &cobra.Command{
	Use:   "show <lead-id>",
	Short: "Show the full aggregate of a lead",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, config.ModeStore)
		if err != nil {
			return err
		}
		defer env.Close()

		agg, err := env.Store.GetLead(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "leads show")
		}
		return writeJSON(os.Stdout, agg)
	},
}

// -- leads list --

var leadsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List lead aggregates",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		stages, _ := cmd.Flags().GetStringSlice("stage")
		since, _ := cmd.Flags().GetDuration("since")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.LeadFilter{Limit: limit}
		for _, s := range stages {
			st := model.Stage(strings.ToUpper(strings.TrimSpace(s)))
			if !st.Valid() {
				return eris.Errorf("leads list: unknown stage %q", s)
			}
			filter.Stages = append(filter.Stages, st)
		}
		if since > 0 {
			filter.UpdatedAfter = time.Now().Add(-since)
		}

		env, err := initEnv(ctx, config.ModeStore)
		if err != nil {
			return err
		}
		defer env.Close()

		leads, err := env.Store.ListLeads(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "leads list")
		}
		if len(leads) == 0 {
			fmt.Fprintln(os.Stderr, "No leads found.")
			return nil
		}
		formatLeads(os.Stdout, leads)
		return nil
	},
}

// -- leads history --

var leadsHistoryCmd = &cobra.Command{
	Use:   "history <lead-id>",
	Short: "Show the interaction log of a lead",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, config.ModeStore)
		if err != nil {
			return err
		}
		defer env.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		recs, err := env.Log.QueryByLead(ctx, args[0], limit)
		if err != nil {
			return eris.Wrap(err, "leads history")
		}
		if len(recs) == 0 {
			fmt.Fprintln(os.Stderr, "No interactions recorded.")
			return nil
		}
		formatHistory(os.Stdout, recs)
		return nil
	},
}

func init() {
	leadsListCmd.Flags().StringSlice("stage", nil, "filter by stage (repeatable, e.g. FAILED,DELIVERED)")
	leadsListCmd.Flags().Duration("since", 0, "only leads updated within this window")
	leadsListCmd.Flags().Int("limit", 50, "max number of leads to display")

	leadsHistoryCmd.Flags().Int("limit", 0, "max number of records (default all, capped by the store)")

	leadsCmd.AddCommand(leadsShowCmd)
	leadsCmd.AddCommand(leadsListCmd)
	leadsCmd.AddCommand(leadsHistoryCmd)
	rootCmd.AddCommand(leadsCmd)
}
