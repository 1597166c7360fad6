// Package pipeline is the workflow coordinator: it drives one lead through
// research, message generation and delivery against the lead aggregate.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/compose"
	"github.com/sells-group/outreach-cli/internal/crm"
	"github.com/sells-group/outreach-cli/internal/delivery"
	"github.com/sells-group/outreach-cli/internal/interactions"
	"github.com/sells-group/outreach-cli/internal/metrics"
	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/resilience"
	"github.com/sells-group/outreach-cli/internal/retryqueue"
	"github.com/sells-group/outreach-cli/internal/store"
)

// Stage names used for breakers, metrics and logs.
const (
	StageResearch   = "research"
	StageGeneration = "generation"
	StageDelivery   = "delivery"
)

// StageNames lists the breaker-guarded stages in run order.
var StageNames = []string{StageResearch, StageGeneration, StageDelivery}

var (
	// ErrInvalidInput is wrapped in a resilience.ValidationError.
	ErrInvalidInput = eris.New("pipeline: invalid input")
	// ErrRunInProgress is returned when another live run holds the lead.
	ErrRunInProgress = eris.New("pipeline: run in progress")
	// ErrSuspended is returned while a stage breaker rejects calls.
	ErrSuspended = eris.New("pipeline: automatic processing suspended")
	// ErrLockLost means the run's lock was reclaimed by another run.
	ErrLockLost = eris.New("pipeline: run lock lost")
)

// SnapshotProvider fetches the CRM record a lead aggregate is created from.
type SnapshotProvider interface {
	FetchSnapshot(ctx context.Context, leadID string) (model.CRMSnapshot, error)
}

// Researcher gathers intelligence about a contact's company.
type Researcher interface {
	Research(ctx context.Context, c model.Contact) (*model.ResearchResult, error)
}

// Generator writes the outreach message.
type Generator interface {
	Generate(ctx context.Context, in compose.Input) (*model.MessageResult, error)
}

// FallbackRenderer produces a deterministic message when generation fails.
type FallbackRenderer interface {
	Render(in compose.Input) (*model.MessageResult, error)
}

// Stages bundles the stage collaborators.
type Stages struct {
	CRM      SnapshotProvider
	Research Researcher
	Generate Generator
	Fallback FallbackRenderer
}

// Config controls run timing and failure handling.
type Config struct {
	LockTTL         time.Duration
	RunTimeout      time.Duration
	StageTimeout    time.Duration
	StageRetries    int
	StageRetryDelay time.Duration
	// AllowFallback lets a run deliver the fallback template when generation
	// fails. Off by default so operators opt in.
	AllowFallback bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		LockTTL:         10 * time.Minute,
		RunTimeout:      5 * time.Minute,
		StageTimeout:    90 * time.Second,
		StageRetries:    2,
		StageRetryDelay: 2 * time.Second,
	}
}

// Coordinator runs leads through the outreach stages.
type Coordinator struct {
	store    store.LeadStore
	stages   Stages
	gateway  delivery.Gateway
	queue    *retryqueue.Queue
	log      *interactions.Log
	breakers *resilience.ServiceBreakers
	metrics  *metrics.Metrics
	cfg      Config
	now      func() time.Time
	newID    func() string
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithBreakers shares stage breakers with the retry queue and API.
func WithBreakers(b *resilience.ServiceBreakers) Option {
	return func(c *Coordinator) { c.breakers = b }
}

// WithMetrics publishes run metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New creates a Coordinator.
func New(st store.LeadStore, stages Stages, gw delivery.Gateway, q *retryqueue.Queue, log *interactions.Log, cfg Config, opts ...Option) *Coordinator {
	def := DefaultConfig()
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = def.RunTimeout
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = def.StageTimeout
	}
	if cfg.StageRetries < 0 {
		cfg.StageRetries = 0
	}
	if cfg.StageRetryDelay <= 0 {
		cfg.StageRetryDelay = def.StageRetryDelay
	}

	c := &Coordinator{
		store:   st,
		stages:  stages,
		gateway: gw,
		queue:   q,
		log:     log,
		cfg:     cfg,
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, o := range opts {
		o(c)
	}
	if c.breakers == nil {
		c.breakers = resilience.NewServiceBreakers(resilience.DefaultCircuitBreakerConfig())
	}
	return c
}

// Breakers returns the stage breakers.
func (c *Coordinator) Breakers() *resilience.ServiceBreakers { return c.breakers }

type runOptions struct {
	rerun bool
}

// RunOption configures a single ProcessLead call.
type RunOption func(*runOptions)

// WithRerun lets an operator restart a FAILED lead from research.
func WithRerun() RunOption {
	return func(o *runOptions) { o.rerun = true }
}

// ProcessLead runs leadID through the remaining stages. A run that fails
// returns an outcome with status failed, not an error; errors are reserved
// for invalid input, contention, suspension and store failures.
func (c *Coordinator) ProcessLead(ctx context.Context, leadID string, opts ...RunOption) (*model.RunOutcome, error) {
	var ro runOptions
	for _, o := range opts {
		o(&ro)
	}

	leadID = strings.TrimSpace(leadID)
	if leadID == "" {
		return nil, resilience.NewValidationError(eris.Wrap(ErrInvalidInput, "pipeline: lead id is required"))
	}

	agg, err := c.ensureLead(ctx, leadID)
	if err != nil {
		return nil, err
	}
	if out, ok, err := c.cached(ctx, agg, ro); err != nil || ok {
		return out, err
	}
	if err := c.admit(); err != nil {
		return nil, err
	}

	runID := c.newID()
	log := zap.L().With(zap.String("lead_id", leadID), zap.String("run_id", runID))

	agg, err = store.AcquireLock(ctx, c.store, leadID, runID, c.cfg.LockTTL, c.now().UTC())
	if errors.Is(err, store.ErrLockHeld) {
		return nil, eris.Wrapf(ErrRunInProgress, "pipeline: lead %s", leadID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: acquire lock for %s", leadID)
	}
	defer func() {
		if err := store.ReleaseLock(context.WithoutCancel(ctx), c.store, leadID, runID); err != nil {
			log.Error("pipeline: release lock", zap.Error(err))
		}
	}()

	// State may have moved between the first read and the lock.
	if out, ok, err := c.cached(ctx, agg, ro); err != nil || ok {
		return out, err
	}

	start := c.now()
	log.Info("pipeline: run started", zap.String("stage", string(agg.Stage)))

	runCtx, cancel := context.WithTimeout(ctx, c.cfg.RunTimeout)
	defer cancel()

	r := &run{c: c, id: runID, leadID: leadID, rerun: ro.rerun, log: log}
	out, err := r.execute(runCtx, agg)
	if err != nil {
		if runCtx.Err() == nil {
			return nil, err
		}
		out, err = r.fail(context.WithoutCancel(ctx), "", runTimeoutError(ctx, runCtx))
		if err != nil {
			return nil, err
		}
	}

	out.Duration = c.now().Sub(start)
	c.metrics.RunFinished(string(out.Status))
	log.Info("pipeline: run finished",
		zap.String("status", string(out.Status)),
		zap.String("stage", string(out.Stage)),
		zap.Duration("duration", out.Duration),
	)
	return out, nil
}

func runTimeoutError(parent, runCtx context.Context) error {
	if parent.Err() != nil {
		return eris.Wrap(parent.Err(), "run cancelled")
	}
	return eris.Wrap(runCtx.Err(), "run timed out")
}

// admit rejects the run while any stage breaker rejects calls. It does not
// move breakers; each stage claims its own probe when the run reaches it.
func (c *Coordinator) admit() error {
	var open []string
	for _, name := range StageNames {
		if !c.breakers.Get(name).Admits() {
			open = append(open, name)
		}
	}
	if len(open) > 0 {
		return eris.Wrapf(ErrSuspended, "pipeline: breaker open for %s", strings.Join(open, ", "))
	}
	return nil
}

// ensureLead loads the aggregate, creating it from a CRM snapshot on first sight.
func (c *Coordinator) ensureLead(ctx context.Context, leadID string) (*model.LeadAggregate, error) {
	agg, err := c.store.GetLead(ctx, leadID)
	if err == nil {
		return agg, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, eris.Wrapf(err, "pipeline: load lead %s", leadID)
	}

	snap, err := c.stages.CRM.FetchSnapshot(ctx, leadID)
	if errors.Is(err, crm.ErrNotFound) {
		return nil, resilience.NewValidationError(eris.Wrapf(ErrInvalidInput, "pipeline: lead %s not found in crm", leadID))
	}
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: fetch crm snapshot for %s", leadID)
	}

	agg, err = c.store.CreateLead(ctx, &model.LeadAggregate{LeadID: leadID, CRMSnapshot: snap})
	if errors.Is(err, store.ErrAlreadyExists) {
		return c.store.GetLead(ctx, leadID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: create lead %s", leadID)
	}
	c.log.Transition(ctx, leadID, "", model.StageCreated, model.InteractionDetails{})
	return agg, nil
}

// cached returns the outcome for a lead that needs no run.
func (c *Coordinator) cached(ctx context.Context, agg *model.LeadAggregate, ro runOptions) (*model.RunOutcome, bool, error) {
	switch agg.Stage {
	case model.StageDelivered, model.StageCompleted:
	case model.StageFailed:
		if ro.rerun {
			return nil, false, nil
		}
	case model.StageDelivering:
		if agg.Message == nil {
			return nil, false, nil
		}
		pending, err := c.queue.Pending(ctx, agg.Message.MessageID)
		if err != nil {
			return nil, false, eris.Wrapf(err, "pipeline: check retry for %s", agg.LeadID)
		}
		if !pending {
			return nil, false, nil
		}
	default:
		return nil, false, nil
	}

	out := model.OutcomeFor(agg, "")
	out.Cached = true
	c.metrics.RunFinished("cached")
	return out, true, nil
}
