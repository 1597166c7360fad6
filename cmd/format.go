package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/retryqueue"
	"github.com/sells-group/outreach-cli/internal/tracker"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	faint  = color.New(color.Faint).SprintFunc()
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// stageLabel colors a stage by how settled it is.
func stageLabel(s model.Stage) string {
	switch s {
	case model.StageCompleted, model.StageDelivered:
		return green(string(s))
	case model.StageFailed:
		return red(string(s))
	default:
		return yellow(string(s))
	}
}

// formatLeads writes a tabular list of lead aggregates to out.
func formatLeads(out io.Writer, leads []model.LeadAggregate) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "LEAD\tSTAGE\tVERSION\tLOCKED\tUPDATED\tLAST_ERROR")
	_, _ = fmt.Fprintln(w, "----\t-----\t-------\t------\t-------\t----------")
	for _, l := range leads {
		locked := ""
		if l.Lock != nil {
			locked = truncateID(l.Lock.HeldBy)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			l.LeadID,
			stageLabel(l.Stage),
			l.Version,
			locked,
			l.UpdatedAt.Format("2006-01-02 15:04"),
			truncate(l.LastError, 50),
		)
	}
	_ = w.Flush()
}

// formatHistory writes a lead's interaction records to out, oldest first.
func formatHistory(out io.Writer, recs []model.InteractionRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TIME\tTYPE\tTRANSITION\tEVENT\tDETAIL")
	for _, r := range recs {
		transition := ""
		if r.StatusBefore != "" || r.StatusAfter != "" {
			transition = fmt.Sprintf("%s -> %s", r.StatusBefore, stageLabel(r.StatusAfter))
		}
		detail := r.Details.Error
		if detail == "" && r.Details.Attempt > 0 {
			detail = fmt.Sprintf("attempt %d", r.Details.Attempt)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.Timestamp.Format(time.RFC3339),
			r.Type,
			transition,
			r.Details.Event,
			truncate(detail, 60),
		)
	}
	_ = w.Flush()
}

// formatRetries writes retry entries to out.
func formatRetries(out io.Writer, entries []model.RetryEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "MESSAGE\tLEAD\tATTEMPTS\tNEXT\tSTATE\tLAST_ERROR")
	_, _ = fmt.Fprintln(w, "-------\t----\t--------\t----\t-----\t----------")
	for _, e := range entries {
		state := yellow("waiting")
		next := e.NextAttemptAt.Format("2006-01-02 15:04:05")
		if e.DeadLetter {
			state = red("dead")
			next = faint("-")
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\t%s\n",
			truncateID(e.MessageID),
			e.LeadID,
			e.AttemptCount,
			e.MaxAttempts,
			next,
			state,
			truncate(e.LastError, 50),
		)
	}
	_ = w.Flush()
}

// formatDrain writes one retry drain pass.
func formatDrain(out io.Writer, s retryqueue.Summary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Due:\t%d\n", s.Due)
	_, _ = fmt.Fprintf(w, "Delivered:\t%s\n", green(s.Delivered))
	_, _ = fmt.Fprintf(w, "Rescheduled:\t%s\n", yellow(s.Rescheduled))
	_, _ = fmt.Fprintf(w, "Dead-lettered:\t%s\n", red(s.DeadLettered))
	_, _ = fmt.Fprintf(w, "Skipped:\t%d\n", s.Skipped)
	_, _ = fmt.Fprintf(w, "Errors:\t%d\n", s.Errors)
	_ = w.Flush()
}

// formatPoll writes one tracker pass.
func formatPoll(out io.Writer, s tracker.PollSummary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Tracked:\t%d\n", s.Tracked)
	_, _ = fmt.Fprintf(w, "Updated:\t%d\n", s.Updated)
	_, _ = fmt.Fprintf(w, "Completed:\t%s\n", green(s.Completed))
	_, _ = fmt.Fprintf(w, "Window closed:\t%d\n", s.Closed)
	_, _ = fmt.Fprintf(w, "Unknown:\t%d\n", s.Unknown)
	_, _ = fmt.Fprintf(w, "Errors:\t%d\n", s.Errors)
	_ = w.Flush()
}

// formatReport writes rolling outreach metrics.
func formatReport(out io.Writer, r *tracker.Report) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Window:\t%s (since %s)\n", r.Window, r.Since.Format(time.RFC3339))
	_, _ = fmt.Fprintf(w, "Sent:\t%d\n", r.Sent)
	_, _ = fmt.Fprintf(w, "Delivered:\t%d\n", r.Delivered)
	_, _ = fmt.Fprintf(w, "Read:\t%d\n", r.Read)
	_, _ = fmt.Fprintf(w, "Replied:\t%d\n", r.Replied)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", r.Failed)
	_, _ = fmt.Fprintf(w, "Timed out:\t%d\n", r.TimedOut)
	_, _ = fmt.Fprintf(w, "Fallback messages:\t%d\n", r.Fallbacks)
	_, _ = fmt.Fprintf(w, "Delivery rate:\t%s\n", percent(r.DeliveryRate))
	_, _ = fmt.Fprintf(w, "Read rate:\t%s\n", percent(r.ReadRate))
	_, _ = fmt.Fprintf(w, "Response rate:\t%s\n", percent(r.ResponseRate))
	_ = w.Flush()
}

func percent(v float64) string {
	return fmt.Sprintf("%.1f%%", v*100)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
