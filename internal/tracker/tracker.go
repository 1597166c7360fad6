// Package tracker polls the delivery gateway for confirmations of sent
// messages and completes leads once the configured confirmation arrives.
package tracker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/outreach-cli/internal/delivery"
	"github.com/sells-group/outreach-cli/internal/interactions"
	"github.com/sells-group/outreach-cli/internal/metrics"
	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/store"
)

// Completion modes.
const (
	CompleteOnDelivered = "delivered"
	CompleteOnRead      = "read"
)

// Config controls polling.
type Config struct {
	PollInterval time.Duration
	// Lookback is how long after sending a message is tracked.
	Lookback time.Duration
	// CompletionMode is the confirmation that completes a lead.
	CompletionMode string
	Concurrency    int
	BatchSize      int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:   30 * time.Second,
		Lookback:       24 * time.Hour,
		CompletionMode: CompleteOnRead,
		Concurrency:    8,
		BatchSize:      1000,
	}
}

// StatusSync pushes confirmation events to an external system of record.
type StatusSync interface {
	SyncStatus(ctx context.Context, leadID, event string) error
}

// Tracker owns the confirmation timestamps of delivery results.
type Tracker struct {
	store   store.LeadStore
	gateway delivery.Gateway
	log     *interactions.Log
	metrics *metrics.Metrics
	sync    StatusSync
	cfg     Config
	now     func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithMetrics publishes tracker metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// WithStatusSync writes confirmation events back to the CRM.
func WithStatusSync(s StatusSync) Option {
	return func(t *Tracker) { t.sync = s }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New creates a Tracker.
func New(st store.LeadStore, gw delivery.Gateway, log *interactions.Log, cfg Config, opts ...Option) *Tracker {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = def.Lookback
	}
	if cfg.CompletionMode == "" {
		cfg.CompletionMode = def.CompletionMode
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	t := &Tracker{store: st, gateway: gw, log: log, cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(t)
	}
	return t
}

// PollSummary counts what one PollOnce pass did.
type PollSummary struct {
	Tracked   int `json:"tracked"`
	Updated   int `json:"updated"`
	Completed int `json:"completed"`
	Closed    int `json:"closed"`
	Unknown   int `json:"unknown"`
	Errors    int `json:"errors"`
}

// PollOnce checks every tracked delivery once, a page of BatchSize leads at
// a time.
func (t *Tracker) PollOnce(ctx context.Context) (PollSummary, error) {
	var sum PollSummary
	now := t.now().UTC()

	var after string
	for {
		leads, err := t.store.ListLeads(ctx, store.LeadFilter{
			Stages:      []model.Stage{model.StageDelivering, model.StageDelivered, model.StageCompleted},
			Tracking:    true,
			AfterLeadID: after,
			Limit:       t.cfg.BatchSize,
		})
		if err != nil {
			return sum, eris.Wrap(err, "tracker: list leads")
		}
		if err := t.pollPage(ctx, leads, now, &sum); err != nil {
			return sum, err
		}
		if len(leads) < t.cfg.BatchSize {
			break
		}
		after = leads[len(leads)-1].LeadID
	}

	if sum.Tracked > 0 {
		zap.L().Info("tracker: poll complete",
			zap.Int("tracked", sum.Tracked),
			zap.Int("updated", sum.Updated),
			zap.Int("completed", sum.Completed),
			zap.Int("closed", sum.Closed),
			zap.Int("errors", sum.Errors),
		)
	}
	return sum, nil
}

func (t *Tracker) pollPage(ctx context.Context, leads []model.LeadAggregate, now time.Time, sum *PollSummary) error {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.cfg.Concurrency)
	for i := range leads {
		agg := &leads[i]
		if !agg.Delivery.Tracking() {
			continue
		}
		sum.Tracked++
		g.Go(func() error {
			res, err := t.check(gctx, agg, now)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				sum.Errors++
				zap.L().Warn("tracker: check failed",
					zap.String("lead_id", agg.LeadID),
					zap.String("gateway_message_id", agg.Delivery.GatewayMessageID),
					zap.Error(err),
				)
				return nil
			}
			switch res {
			case checkUnknown:
				sum.Unknown++
			case checkUpdated:
				sum.Updated++
			case checkCompleted:
				sum.Updated++
				sum.Completed++
			case checkClosed:
				sum.Closed++
			}
			return nil
		})
	}
	return eris.Wrap(g.Wait(), "tracker: poll")
}

type checkResult int

const (
	checkUnchanged checkResult = iota
	checkUnknown
	checkUpdated
	checkCompleted
	checkClosed
)

func (t *Tracker) check(ctx context.Context, agg *model.LeadAggregate, now time.Time) (checkResult, error) {
	if now.Sub(*agg.Delivery.SentAt) >= t.cfg.Lookback {
		return t.closeWindow(ctx, agg.LeadID, now)
	}

	st, err := t.gateway.GetStatus(ctx, agg.Delivery.GatewayMessageID)
	if errors.Is(err, delivery.ErrStatusUnknown) {
		return checkUnknown, nil
	}
	if err != nil {
		return checkUnchanged, eris.Wrap(err, "tracker: get status")
	}
	return t.apply(ctx, agg.LeadID, st, now)
}

// apply merges newly confirmed timestamps into the lead.
func (t *Tracker) apply(ctx context.Context, leadID string, st *delivery.Status, now time.Time) (checkResult, error) {
	var (
		events []string
		before model.Stage
	)
	updated, err := store.Mutate(ctx, t.store, leadID, func(cur *model.LeadAggregate) (store.LeadPatch, error) {
		events = events[:0]
		before = cur.Stage
		if !cur.Delivery.Tracking() {
			return store.LeadPatch{}, nil
		}
		d := *cur.Delivery
		if d.DeliveredAt == nil && st.DeliveredAt != nil {
			d.DeliveredAt = st.DeliveredAt
			events = append(events, model.EventDelivered)
		}
		if d.ReadAt == nil && st.ReadAt != nil {
			d.ReadAt = st.ReadAt
			events = append(events, model.EventRead)
		}
		if d.RepliedAt == nil && st.RepliedAt != nil {
			d.RepliedAt = st.RepliedAt
			events = append(events, model.EventReplied)
		}
		if len(events) == 0 {
			return store.LeadPatch{}, nil
		}
		// A reply is the last thing worth waiting for.
		if d.RepliedAt != nil {
			d.TrackingClosedAt = &now
		}

		patch := store.LeadPatch{Delivery: &d}
		if cur.Stage == model.StageDelivered && t.confirmed(&d) {
			patch.Stage = stagePtr(model.StageCompleted)
		}
		return patch, nil
	})
	if err != nil {
		return checkUnchanged, eris.Wrapf(err, "tracker: merge status for %s", leadID)
	}
	if len(events) == 0 {
		return checkUnchanged, nil
	}

	for _, ev := range events {
		t.record(ctx, updated, before, ev)
	}
	if before != model.StageCompleted && updated.Stage == model.StageCompleted {
		return checkCompleted, nil
	}
	return checkUpdated, nil
}

// closeWindow stops tracking a delivery whose lookback has elapsed. A lead
// with no confirmation at all is completed; a delivered but unread one stays
// DELIVERED.
func (t *Tracker) closeWindow(ctx context.Context, leadID string, now time.Time) (checkResult, error) {
	var (
		event  string
		before model.Stage
	)
	updated, err := store.Mutate(ctx, t.store, leadID, func(cur *model.LeadAggregate) (store.LeadPatch, error) {
		event = ""
		before = cur.Stage
		if !cur.Delivery.Tracking() {
			return store.LeadPatch{}, nil
		}
		d := *cur.Delivery
		d.TrackingClosedAt = &now
		patch := store.LeadPatch{Delivery: &d}

		event = model.EventTrackingClosed
		if d.DeliveredAt == nil && d.ReadAt == nil && cur.Stage == model.StageDelivered {
			event = model.EventConfirmationTimeout
			patch.Stage = stagePtr(model.StageCompleted)
		}
		return patch, nil
	})
	if err != nil {
		return checkUnchanged, eris.Wrapf(err, "tracker: close tracking for %s", leadID)
	}
	if event == "" {
		return checkUnchanged, nil
	}
	t.record(ctx, updated, before, event)
	return checkClosed, nil
}

func (t *Tracker) confirmed(d *model.DeliveryResult) bool {
	switch t.cfg.CompletionMode {
	case CompleteOnDelivered:
		return d.DeliveredAt != nil || d.ReadAt != nil || d.RepliedAt != nil
	default:
		return d.ReadAt != nil || d.RepliedAt != nil
	}
}

func (t *Tracker) record(ctx context.Context, agg *model.LeadAggregate, before model.Stage, event string) {
	details := model.InteractionDetails{Event: event}
	if agg.Delivery != nil {
		details.RunID = agg.Delivery.RunID
		details.MessageID = agg.Delivery.MessageID
		details.GatewayMessageID = agg.Delivery.GatewayMessageID
	}
	t.log.StatusChange(ctx, agg.LeadID, before, agg.Stage, details)
	t.metrics.StatusChange(event)

	if t.sync == nil {
		return
	}
	if err := t.sync.SyncStatus(ctx, agg.LeadID, event); err != nil {
		zap.L().Warn("tracker: crm status sync failed",
			zap.String("lead_id", agg.LeadID),
			zap.String("event", event),
			zap.Error(err),
		)
	}
}

// Run polls every PollInterval until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "tracker"))
	log.Info("starting status tracker",
		zap.Duration("interval", t.cfg.PollInterval),
		zap.Duration("lookback", t.cfg.Lookback),
		zap.String("completion_mode", t.cfg.CompletionMode),
	)

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("status tracker stopped")
			return
		case <-ticker.C:
			if _, err := t.PollOnce(ctx); err != nil && ctx.Err() == nil {
				log.Error("tracker: poll failed", zap.Error(err))
			}
		}
	}
}

func stagePtr(s model.Stage) *model.Stage { return &s }
