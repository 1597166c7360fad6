package main

import (
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/outreach-cli/internal/config"
)

var trackCmd = &cobra.Command{
	Use:   "track",
	Short: "Poll delivery status and report outreach metrics",
}

var trackPollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Check every tracked delivery once",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, config.ModeStore)
		if err != nil {
			return err
		}
		defer env.Close()
		env.enableStatusSync()

		sum, err := env.Tracker.PollOnce(ctx)
		if err != nil {
			return eris.Wrap(err, "track poll")
		}
		formatPoll(os.Stdout, sum)
		return nil
	},
}

var trackMetricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Show delivery, read and response rates",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, config.ModeStore)
		if err != nil {
			return err
		}
		defer env.Close()

		window, _ := cmd.Flags().GetDuration("window")
		rep, err := env.Tracker.Metrics(ctx, window)
		if err != nil {
			return eris.Wrap(err, "track metrics")
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return writeJSON(os.Stdout, rep)
		}
		formatReport(os.Stdout, rep)
		return nil
	},
}

func init() {
	trackMetricsCmd.Flags().Duration("window", 24*time.Hour, "metrics window (e.g. 24h, 168h)")
	trackMetricsCmd.Flags().Bool("json", false, "print the report as JSON")

	trackCmd.AddCommand(trackPollCmd)
	trackCmd.AddCommand(trackMetricsCmd)
	rootCmd.AddCommand(trackCmd)
}
