package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/outreach-cli/internal/config"
	"github.com/sells-group/outreach-cli/internal/store"
)

var retriesCmd = &cobra.Command{
	Use:   "retries",
	Short: "Inspect and drain the delivery retry queue",
}

// -- retries drain --

var retriesDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Attempt every due retry once",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, config.ModeStore)
		if err != nil {
			return err
		}
		defer env.Close()

		sum, err := env.Queue.ProcessDue(ctx)
		if err != nil {
			return eris.Wrap(err, "retries drain")
		}
		formatDrain(os.Stdout, sum)
		return nil
	},
}

// -- retries list --

var retriesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List retry entries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, config.ModeStore)
		if err != nil {
			return err
		}
		defer env.Close()

		dead, _ := cmd.Flags().GetBool("dead")
		lead, _ := cmd.Flags().GetString("lead")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.RetryFilter{LeadID: lead, Limit: limit}
		if cmd.Flags().Changed("dead") {
			filter.DeadLetter = &dead
		}

		entries, err := env.Queue.List(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "retries list")
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "No retry entries found.")
			return nil
		}
		formatRetries(os.Stdout, entries)
		return nil
	},
}

// -- retries requeue --

var retriesRequeueCmd = &cobra.Command{
	Use:   "requeue <message-id>",
	Short: "Return a dead-lettered message to the retry queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, config.ModeStore)
		if err != nil {
			return err
		}
		defer env.Close()

		e, err := env.Queue.Requeue(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "retries requeue")
		}
		fmt.Fprintf(os.Stdout, "%s requeued for lead %s, next attempt %s\n",
			green(e.MessageID), e.LeadID, e.NextAttemptAt.Format("2006-01-02 15:04:05"))
		return nil
	},
}

func init() {
	retriesListCmd.Flags().Bool("dead", false, "only dead-lettered entries (false for only live entries)")
	retriesListCmd.Flags().String("lead", "", "filter by lead id")
	retriesListCmd.Flags().Int("limit", 50, "max number of entries to display")

	retriesCmd.AddCommand(retriesDrainCmd)
	retriesCmd.AddCommand(retriesListCmd)
	retriesCmd.AddCommand(retriesRequeueCmd)
	rootCmd.AddCommand(retriesCmd)
}
