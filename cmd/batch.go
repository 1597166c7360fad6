package main

import (
	"context"
	"errors"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/outreach-cli/internal/config"
	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/pipeline"
	"github.com/sells-group/outreach-cli/pkg/notion"
)

var batchLimit int

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Run outreach for leads queued in Notion",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, config.ModeBatch)
		if err != nil {
			return err
		}
		defer env.Close()

		limit := batchLimit
		if limit <= 0 {
			limit = cfg.Batch.Limit
		}
		leads, err := notion.QueryQueuedLeads(ctx, env.Notion, cfg.Notion.QueueDB, limit)
		if err != nil {
			return eris.Wrap(err, "query queued leads")
		}

		sum, err := processBatch(ctx, leads, cfg.Batch.MaxConcurrentLeads, env.Notion, env.Coordinator.ProcessLead)
		if err != nil {
			return err
		}
		zap.L().Info("batch complete",
			zap.Int64("sent", sum.Sent.Load()),
			zap.Int64("pending_retry", sum.Pending.Load()),
			zap.Int64("failed", sum.Failed.Load()),
			zap.Int64("skipped", sum.Skipped.Load()),
		)
		return nil
	},
}

func init() {
	batchCmd.Flags().IntVar(&batchLimit, "limit", 0, "max number of queued leads to process (default from config)")
	rootCmd.AddCommand(batchCmd)
}

// processFunc is the ProcessLead signature the batch drives.
type processFunc func(ctx context.Context, leadID string, opts ...pipeline.RunOption) (*model.RunOutcome, error)

// batchSummary counts batch results by queue status.
type batchSummary struct {
	Sent    atomic.Int64
	Pending atomic.Int64
	Failed  atomic.Int64
	Skipped atomic.Int64
}

// processBatch runs every queued lead with bounded concurrency and writes
// each result back to its queue row. One lead failing never aborts the
// batch.
func processBatch(ctx context.Context, leads []notion.QueuedLead, concurrency int, nc notion.Client, process processFunc) (*batchSummary, error) {
	sum := &batchSummary{}
	if len(leads) == 0 {
		zap.L().Info("no queued leads found")
		return sum, nil
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	zap.L().Info("processing batch",
		zap.Int("leads", len(leads)),
		zap.Int("concurrency", concurrency),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, lead := range leads {
		g.Go(func() error {
			log := zap.L().With(zap.String("lead_id", lead.LeadID))
			setStatus(gctx, nc, lead.PageID, notion.StatusProcessing, "", log)

			out, err := process(gctx, lead.LeadID)
			status, note := queueStatus(out, err)
			switch status {
			case notion.StatusSent:
				sum.Sent.Add(1)
			case notion.StatusPending:
				sum.Pending.Add(1)
			case notion.StatusQueued:
				sum.Skipped.Add(1)
			default:
				sum.Failed.Add(1)
			}
			if err != nil {
				log.Warn("outreach run rejected", zap.Error(err))
			}
			setStatus(gctx, nc, lead.PageID, status, note, log)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return sum, eris.Wrap(err, "batch processing")
	}
	return sum, nil
}

// queueStatus maps a run result onto the queue row status and note.
func queueStatus(out *model.RunOutcome, err error) (string, string) {
	switch {
	case errors.Is(err, pipeline.ErrRunInProgress), errors.Is(err, pipeline.ErrSuspended):
		// Left queued so the next batch picks it up.
		return notion.StatusQueued, err.Error()
	case err != nil:
		return notion.StatusFailed, err.Error()
	}
	switch out.Status {
	case model.OutcomeDelivered, model.OutcomeCompleted:
		return notion.StatusSent, string(out.Stage)
	case model.OutcomePendingRetry:
		return notion.StatusPending, out.Error
	default:
		return notion.StatusFailed, out.Error
	}
}

func setStatus(ctx context.Context, nc notion.Client, pageID, status, note string, log *zap.Logger) {
	if nc == nil || pageID == "" {
		return
	}
	if err := notion.SetStatus(ctx, nc, pageID, status, note); err != nil {
		log.Warn("failed to update notion queue row", zap.String("status", status), zap.Error(err))
	}
}
