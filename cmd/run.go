package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/config"
	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/pipeline"
)

var (
	runLead  string
	runRerun bool
)

// errRunFailed makes the process exit non-zero when a run settles as failed.
var errRunFailed = eris.New("outreach run failed")

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run outreach for a single lead",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, config.ModeRun)
		if err != nil {
			return err
		}
		defer env.Close()

		var opts []pipeline.RunOption
		if runRerun {
			opts = append(opts, pipeline.WithRerun())
		}

		out, err := env.Coordinator.ProcessLead(ctx, runLead, opts...)
		if err != nil {
			return eris.Wrap(err, "process lead")
		}

		zap.L().Info("outreach run finished",
			zap.String("lead_id", out.LeadID),
			zap.String("status", string(out.Status)),
			zap.String("stage", string(out.Stage)),
			zap.Bool("cached", out.Cached),
			zap.Duration("duration", out.Duration),
		)
		return writeOutcome(os.Stdout, out)
	},
}

// writeOutcome prints out as JSON and reports a failed run as an error.
func writeOutcome(w io.Writer, out *model.RunOutcome) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return eris.Wrap(err, "encode outcome")
	}
	if out.Status == model.OutcomeFailed {
		return eris.Wrapf(errRunFailed, "lead %s: %s", out.LeadID, out.Error)
	}
	return nil
}

func init() {
	runCmd.Flags().StringVar(&runLead, "lead", "", "CRM lead id (required)")
	runCmd.Flags().BoolVar(&runRerun, "rerun", false, "re-run a lead that previously failed")
	_ = runCmd.MarkFlagRequired("lead")
	rootCmd.AddCommand(runCmd)
}
