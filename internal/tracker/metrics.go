package tracker

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-cli/internal/model"
)

// Report is a rolling view of outreach results over a window. It is derived
// from the interaction log and can be recomputed at any time.
type Report struct {
	Window       time.Duration `json:"window"`
	Since        time.Time     `json:"since"`
	Sent         int           `json:"sent"`
	Delivered    int           `json:"delivered"`
	Read         int           `json:"read"`
	Replied      int           `json:"replied"`
	Failed       int           `json:"failed"`
	TimedOut     int           `json:"timed_out"`
	Fallbacks    int           `json:"fallbacks"`
	DeliveryRate float64       `json:"delivery_rate"`
	ReadRate     float64       `json:"read_rate"`
	ResponseRate float64       `json:"response_rate"`
	ComputedAt   time.Time     `json:"computed_at"`
}

// Metrics computes a Report over the last window and publishes it.
func (t *Tracker) Metrics(ctx context.Context, window time.Duration) (*Report, error) {
	if window <= 0 {
		window = t.cfg.Lookback
	}
	now := t.now().UTC()
	rep := &Report{Window: window, Since: now.Add(-window), ComputedAt: now}

	recs, err := t.log.Since(ctx, rep.Since)
	if err != nil {
		return nil, eris.Wrap(err, "tracker: load interactions")
	}
	for _, r := range recs {
		rep.add(r)
	}
	rep.rates()

	t.metrics.Window(map[string]int{
		"sent":      rep.Sent,
		"delivered": rep.Delivered,
		"read":      rep.Read,
		"replied":   rep.Replied,
		"failed":    rep.Failed,
	}, map[string]float64{
		"delivery": rep.DeliveryRate,
		"read":     rep.ReadRate,
		"response": rep.ResponseRate,
	})
	return rep, nil
}

func (r *Report) add(rec model.InteractionRecord) {
	switch rec.Type {
	case model.InteractionDeliveryAttempt:
		if rec.Details.Event == model.EventSent {
			r.Sent++
		}
	case model.InteractionStatusChange:
		switch rec.Details.Event {
		case model.EventDelivered:
			r.Delivered++
		case model.EventRead:
			r.Read++
		case model.EventReplied:
			r.Replied++
		case model.EventConfirmationTimeout:
			r.TimedOut++
		}
	case model.InteractionStageTransition:
		if rec.StatusAfter == model.StageFailed {
			r.Failed++
		}
		if rec.Details.Fallback {
			r.Fallbacks++
		}
	}
}

func (r *Report) rates() {
	if r.Sent == 0 {
		return
	}
	sent := float64(r.Sent)
	r.DeliveryRate = min(float64(r.Delivered)/sent, 1)
	r.ReadRate = min(float64(r.Read)/sent, 1)
	r.ResponseRate = min(float64(r.Replied)/sent, 1)
}
