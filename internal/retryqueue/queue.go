// Package retryqueue is the durable recovery path for messages the gateway
// did not accept. Entries are retried with exponential backoff until they
// succeed or exhaust their budget, after which they are kept as dead letters.
package retryqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/outreach-cli/internal/delivery"
	"github.com/sells-group/outreach-cli/internal/interactions"
	"github.com/sells-group/outreach-cli/internal/metrics"
	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/resilience"
	"github.com/sells-group/outreach-cli/internal/store"
)

var (
	// ErrNotDeadLetter is returned by Requeue for an entry that is still live.
	ErrNotDeadLetter = eris.New("retryqueue: entry is not dead-lettered")
	// ErrDeadLetter is returned by RecordOutcome for an entry already dead-lettered.
	ErrDeadLetter = eris.New("retryqueue: entry is dead-lettered")
	// ErrStaleMessage means the lead has moved on to a different message.
	ErrStaleMessage = eris.New("retryqueue: lead no longer awaits this message")
)

// Result of one recorded attempt.
type Result string

const (
	ResultDelivered    Result = "delivered"
	ResultRescheduled  Result = "rescheduled"
	ResultDeadLettered Result = "dead_lettered"
	ResultSkipped      Result = "skipped"
)

// Store is the subset of the persistence layer the queue needs.
type Store interface {
	store.LeadStore
	store.RetryStore
}

// Config controls scheduling and fan-out.
type Config struct {
	InitialDelay  time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
	MaxAttempts   int
	PollInterval  time.Duration
	BatchSize     int
	Concurrency   int
	RatePerSecond float64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		InitialDelay:  30 * time.Second,
		BackoffFactor: 2.0,
		MaxDelay:      300 * time.Second,
		MaxAttempts:   5,
		PollInterval:  15 * time.Second,
		BatchSize:     100,
		Concurrency:   4,
		RatePerSecond: 5,
	}
}

// Schedule returns the backoff schedule for cfg.
func (c Config) Schedule() Schedule {
	return Schedule{Initial: c.InitialDelay, Factor: c.BackoffFactor, Max: c.MaxDelay}
}

// Schedule computes when the next attempt of an entry is due.
type Schedule struct {
	Initial time.Duration
	Factor  float64
	Max     time.Duration
}

// Next returns now + min(Max, Initial * Factor^attemptCount).
func (s Schedule) Next(now time.Time, attemptCount int) time.Time {
	return now.Add(resilience.Backoff{Initial: s.Initial, Factor: s.Factor, Max: s.Max}.Delay(attemptCount))
}

// Queue owns the RetryEntry lifecycle.
type Queue struct {
	store   Store
	gateway delivery.Gateway
	log     *interactions.Log
	breaker *resilience.CircuitBreaker
	metrics *metrics.Metrics
	cfg     Config
	limiter *rate.Limiter
	now     func() time.Time

	// drainMu keeps ProcessDue calls from overlapping, so a lead's entries
	// are never sent concurrently.
	drainMu sync.Mutex
}

// Option configures a Queue.
type Option func(*Queue)

// WithBreaker shares the delivery circuit breaker with the coordinator.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(q *Queue) { q.breaker = cb }
}

// WithMetrics publishes queue metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates a Queue.
func New(st Store, gw delivery.Gateway, log *interactions.Log, cfg Config, opts ...Option) *Queue {
	def := DefaultConfig()
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = def.BackoffFactor
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}

	q := &Queue{
		store:   st,
		gateway: gw,
		log:     log,
		cfg:     cfg,
		now:     time.Now,
	}
	if cfg.RatePerSecond > 0 {
		q.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), max(int(cfg.RatePerSecond), 1))
	}
	for _, o := range opts {
		o(q)
	}
	if q.breaker == nil {
		q.breaker = resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig())
	}
	return q
}

// Config returns the effective configuration.
func (q *Queue) Config() Config { return q.cfg }

// Enqueue stores a live entry for a first recoverable failure. An entry
// already stored under the message id is returned unchanged.
func (q *Queue) Enqueue(ctx context.Context, e *model.RetryEntry) (*model.RetryEntry, error) {
	if e.MessageID == "" || e.LeadID == "" {
		return nil, resilience.NewValidationError(eris.New("retryqueue: message id and lead id are required"))
	}
	now := q.now().UTC()
	if e.MaxAttempts <= 0 {
		e.MaxAttempts = q.cfg.MaxAttempts
	}
	if e.NextAttemptAt.IsZero() {
		e.NextAttemptAt = q.cfg.Schedule().Next(now, e.AttemptCount)
	}
	e.DeadLetter = false
	e.DeadLetteredAt = nil

	created, err := q.store.EnqueueRetry(ctx, e)
	if err != nil {
		return nil, eris.Wrapf(err, "retryqueue: enqueue %s", e.MessageID)
	}
	if !created {
		return q.store.GetRetry(ctx, e.MessageID)
	}

	q.metrics.RetryEnqueued()
	q.log.DeliveryAttempt(ctx, e.LeadID, model.StageDelivering, model.InteractionDetails{
		RunID:     e.Payload.RunID,
		MessageID: e.MessageID,
		Event:     model.EventRetryScheduled,
		Attempt:   e.AttemptCount,
		Error:     e.LastError,
	})
	zap.L().Info("retryqueue: enqueued",
		zap.String("lead_id", e.LeadID),
		zap.String("message_id", e.MessageID),
		zap.Time("next_attempt_at", e.NextAttemptAt),
	)
	return e, nil
}

// DeadLetter stores e directly as a dead letter, for failures that no
// retry can fix. A live entry for the same message is converted.
func (q *Queue) DeadLetter(ctx context.Context, e *model.RetryEntry) (*model.RetryEntry, error) {
	if e.MessageID == "" || e.LeadID == "" {
		return nil, resilience.NewValidationError(eris.New("retryqueue: message id and lead id are required"))
	}
	now := q.now().UTC()
	if e.MaxAttempts <= 0 {
		e.MaxAttempts = q.cfg.MaxAttempts
	}
	if e.NextAttemptAt.IsZero() {
		e.NextAttemptAt = now
	}
	e.DeadLetter = true
	e.DeadLetteredAt = &now

	created, err := q.store.EnqueueRetry(ctx, e)
	if err != nil {
		return nil, eris.Wrapf(err, "retryqueue: dead-letter %s", e.MessageID)
	}
	if !created {
		existing, err := q.store.GetRetry(ctx, e.MessageID)
		if err != nil {
			return nil, err
		}
		if existing.DeadLetter {
			return existing, nil
		}
		existing.LastError = e.LastError
		existing.DeadLetter = true
		existing.DeadLetteredAt = &now
		if err := q.store.UpdateRetry(ctx, existing); err != nil {
			return nil, eris.Wrapf(err, "retryqueue: dead-letter %s", e.MessageID)
		}
		e = existing
	}

	q.metrics.DeadLettered()
	q.log.DeliveryAttempt(ctx, e.LeadID, model.StageDelivering, model.InteractionDetails{
		RunID:     e.Payload.RunID,
		MessageID: e.MessageID,
		Event:     model.EventDeadLettered,
		Attempt:   e.AttemptCount,
		Error:     e.LastError,
	})
	return e, nil
}

// DrainDue returns live entries whose next attempt is due.
func (q *Queue) DrainDue(ctx context.Context) ([]model.RetryEntry, error) {
	due, err := q.store.DueRetries(ctx, q.now().UTC(), q.cfg.BatchSize)
	if err != nil {
		return nil, eris.Wrap(err, "retryqueue: drain due")
	}
	return due, nil
}

// Pending reports whether messageID has a live entry.
func (q *Queue) Pending(ctx context.Context, messageID string) (bool, error) {
	e, err := q.store.GetRetry(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !e.DeadLetter, nil
}

// Outcome describes what RecordOutcome did with an entry.
type Outcome struct {
	Result Result
	// Entry is the entry as of the recorded attempt. On success it has
	// already been removed from the store.
	Entry model.RetryEntry
}

// RecordOutcome applies the result of one retried send of messageID.
func (q *Queue) RecordOutcome(ctx context.Context, messageID string, receipt *delivery.Receipt, sendErr error) (*Outcome, error) {
	e, err := q.store.GetRetry(ctx, messageID)
	if err != nil {
		return nil, eris.Wrapf(err, "retryqueue: record outcome %s", messageID)
	}
	if e.DeadLetter {
		return nil, eris.Wrapf(ErrDeadLetter, "retryqueue: %s", messageID)
	}
	if sendErr == nil {
		return q.recordSuccess(ctx, e, receipt)
	}
	return q.recordFailure(ctx, e, sendErr)
}

func (q *Queue) recordSuccess(ctx context.Context, e *model.RetryEntry, receipt *delivery.Receipt) (*Outcome, error) {
	if receipt == nil {
		return nil, eris.Errorf("retryqueue: success for %s without a receipt", e.MessageID)
	}
	now := q.now().UTC()
	sentAt := receipt.SentAt
	if sentAt.IsZero() {
		sentAt = now
	}

	var before model.Stage
	_, err := store.Mutate(ctx, q.store, e.LeadID, func(cur *model.LeadAggregate) (store.LeadPatch, error) {
		before = cur.Stage
		if cur.Stage == model.StageDelivered || cur.Stage == model.StageCompleted {
			return store.LeadPatch{}, nil
		}
		if cur.Message == nil || cur.Message.MessageID != e.MessageID || !model.CanTransition(cur.Stage, model.StageDelivered) {
			return store.LeadPatch{}, ErrStaleMessage
		}
		d := &model.DeliveryResult{
			RunID:            e.Payload.RunID,
			MessageID:        e.MessageID,
			Recipient:        e.Payload.Recipient,
			GatewayMessageID: receipt.GatewayMessageID,
			Attempts:         e.AttemptCount + 2,
			SentAt:           &sentAt,
		}
		patch := store.PatchFor(d)
		cleared := ""
		patch.LastError = &cleared
		return patch, nil
	})
	switch {
	case errors.Is(err, ErrStaleMessage), errors.Is(err, store.ErrNotFound):
		zap.L().Warn("retryqueue: delivered a message the lead no longer awaits",
			zap.String("lead_id", e.LeadID),
			zap.String("message_id", e.MessageID),
			zap.String("stage", string(before)),
			zap.Error(err),
		)
		before = ""
	case err != nil:
		// Entry stays; the next drain resends and the gateway dedupes.
		return nil, eris.Wrapf(err, "retryqueue: merge delivery for %s", e.LeadID)
	}

	if err := q.store.DeleteRetry(ctx, e.MessageID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, eris.Wrapf(err, "retryqueue: remove %s", e.MessageID)
	}

	q.metrics.DeliveryAttempt("retry", "sent")
	q.log.DeliveryAttempt(ctx, e.LeadID, model.StageDelivering, model.InteractionDetails{
		RunID:            e.Payload.RunID,
		MessageID:        e.MessageID,
		GatewayMessageID: receipt.GatewayMessageID,
		Event:            model.EventSent,
		Attempt:          e.AttemptCount + 1,
	})
	if before == model.StageDelivering {
		q.log.Transition(ctx, e.LeadID, model.StageDelivering, model.StageDelivered, model.InteractionDetails{
			RunID:     e.Payload.RunID,
			MessageID: e.MessageID,
			Event:     model.EventSent,
		})
	}
	zap.L().Info("retryqueue: delivered",
		zap.String("lead_id", e.LeadID),
		zap.String("message_id", e.MessageID),
		zap.Int("attempt_count", e.AttemptCount),
	)
	return &Outcome{Result: ResultDelivered, Entry: *e}, nil
}

func (q *Queue) recordFailure(ctx context.Context, e *model.RetryEntry, sendErr error) (*Outcome, error) {
	now := q.now().UTC()
	kind := resilience.Classify(sendErr)
	e.LastError = sendErr.Error()
	q.metrics.DeliveryAttempt("retry", kind.String())

	q.log.DeliveryAttempt(ctx, e.LeadID, model.StageDelivering, model.InteractionDetails{
		RunID:     e.Payload.RunID,
		MessageID: e.MessageID,
		Event:     model.EventSendFailed,
		Attempt:   e.AttemptCount + 1,
		Error:     e.LastError,
		ErrorKind: kind.String(),
	})

	result := ResultRescheduled
	switch kind {
	case resilience.KindPermanent, resilience.KindValidation, resilience.KindAuth:
		// Not retried automatically; an operator requeues after fixing the cause.
		result = ResultDeadLettered
	default:
		e.AttemptCount++
		if e.Exhausted() {
			result = ResultDeadLettered
		} else {
			e.NextAttemptAt = q.cfg.Schedule().Next(now, e.AttemptCount)
		}
	}

	if result == ResultDeadLettered {
		e.DeadLetter = true
		e.DeadLetteredAt = &now
	}
	if err := q.store.UpdateRetry(ctx, e); err != nil {
		return nil, eris.Wrapf(err, "retryqueue: update %s", e.MessageID)
	}

	if result == ResultDeadLettered {
		q.metrics.DeadLettered()
		q.log.DeliveryAttempt(ctx, e.LeadID, model.StageDelivering, model.InteractionDetails{
			RunID:     e.Payload.RunID,
			MessageID: e.MessageID,
			Event:     model.EventDeadLettered,
			Attempt:   e.AttemptCount,
			Error:     e.LastError,
			ErrorKind: kind.String(),
		})
		if err := q.failLead(ctx, e); err != nil {
			return nil, err
		}
	}

	zap.L().Warn("retryqueue: attempt failed",
		zap.String("lead_id", e.LeadID),
		zap.String("message_id", e.MessageID),
		zap.String("result", string(result)),
		zap.String("kind", kind.String()),
		zap.Int("attempt_count", e.AttemptCount),
		zap.Time("next_attempt_at", e.NextAttemptAt),
		zap.Error(sendErr),
	)
	return &Outcome{Result: result, Entry: *e}, nil
}

// failLead marks the owning aggregate FAILED if it still awaits e's message.
func (q *Queue) failLead(ctx context.Context, e *model.RetryEntry) error {
	msg := "delivery dead-lettered: " + e.LastError
	var before model.Stage
	agg, err := store.Mutate(ctx, q.store, e.LeadID, func(cur *model.LeadAggregate) (store.LeadPatch, error) {
		before = cur.Stage
		if cur.Message == nil || cur.Message.MessageID != e.MessageID || !model.CanTransition(cur.Stage, model.StageFailed) {
			return store.LeadPatch{}, nil
		}
		return store.FailPatch(msg), nil
	})
	if err != nil {
		return eris.Wrapf(err, "retryqueue: fail lead %s", e.LeadID)
	}
	if before != model.StageFailed && agg.Stage == model.StageFailed {
		q.log.Transition(ctx, e.LeadID, before, model.StageFailed, model.InteractionDetails{
			RunID:     e.Payload.RunID,
			MessageID: e.MessageID,
			Event:     model.EventDeadLettered,
			Error:     msg,
		})
	}
	return nil
}

// Summary counts what one ProcessDue pass did.
type Summary struct {
	Due          int `json:"due"`
	Delivered    int `json:"delivered"`
	Rescheduled  int `json:"rescheduled"`
	DeadLettered int `json:"dead_lettered"`
	Skipped      int `json:"skipped"`
	Errors       int `json:"errors"`
}

func (s *Summary) add(r Result) {
	switch r {
	case ResultDelivered:
		s.Delivered++
	case ResultRescheduled:
		s.Rescheduled++
	case ResultDeadLettered:
		s.DeadLettered++
	case ResultSkipped:
		s.Skipped++
	}
}

// ProcessDue drains due entries and attempts each one. Leads are handled
// concurrently; entries of one lead are attempted in order, one at a time.
func (q *Queue) ProcessDue(ctx context.Context) (Summary, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	var sum Summary
	due, err := q.DrainDue(ctx)
	if err != nil {
		return sum, err
	}
	sum.Due = len(due)
	if len(due) == 0 {
		q.publishDepth(ctx)
		return sum, nil
	}

	if !q.breaker.Admits() {
		zap.L().Warn("retryqueue: delivery suspended, skipping drain", zap.Int("due", len(due)))
		sum.Skipped = len(due)
		return sum, nil
	}

	var (
		mu    sync.Mutex
		order []string
	)
	byLead := make(map[string][]model.RetryEntry)
	for _, e := range due {
		if _, ok := byLead[e.LeadID]; !ok {
			order = append(order, e.LeadID)
		}
		byLead[e.LeadID] = append(byLead[e.LeadID], e)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(q.cfg.Concurrency)
	for _, leadID := range order {
		entries := byLead[leadID]
		g.Go(func() error {
			for _, e := range entries {
				result, err := q.attempt(gctx, e)
				mu.Lock()
				if err != nil {
					sum.Errors++
				} else {
					sum.add(result)
				}
				mu.Unlock()
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					zap.L().Error("retryqueue: attempt error",
						zap.String("lead_id", e.LeadID),
						zap.String("message_id", e.MessageID),
						zap.Error(err),
					)
				}
			}
			return nil
		})
	}
	err = g.Wait()
	q.publishDepth(ctx)
	if err != nil {
		return sum, eris.Wrap(err, "retryqueue: process due")
	}

	zap.L().Info("retryqueue: drain complete",
		zap.Int("due", sum.Due),
		zap.Int("delivered", sum.Delivered),
		zap.Int("rescheduled", sum.Rescheduled),
		zap.Int("dead_lettered", sum.DeadLettered),
		zap.Int("skipped", sum.Skipped),
	)
	return sum, nil
}

func (q *Queue) attempt(ctx context.Context, e model.RetryEntry) (Result, error) {
	if q.limiter != nil {
		if err := q.limiter.Wait(ctx); err != nil {
			return "", eris.Wrap(err, "retryqueue: rate limit")
		}
	}
	// A half-open breaker lets only one send through until it resolves.
	if err := q.breaker.Allow(); err != nil {
		return ResultSkipped, nil
	}

	receipt, sendErr := q.gateway.Send(ctx, e.MessageID, e.Payload.Recipient, e.Payload.Text)
	q.breaker.Record(sendErr)

	out, err := q.RecordOutcome(ctx, e.MessageID, receipt, sendErr)
	if err != nil {
		return "", err
	}
	return out.Result, nil
}

func (q *Queue) publishDepth(ctx context.Context) {
	if q.metrics == nil {
		return
	}
	live, err := q.store.CountRetries(ctx, false)
	if err != nil {
		return
	}
	dead, err := q.store.CountRetries(ctx, true)
	if err != nil {
		return
	}
	q.metrics.RetryDepth(live, dead)
}

// Requeue revives a dead letter with a fresh budget under the same message
// id and moves its lead back to DELIVERING.
func (q *Queue) Requeue(ctx context.Context, messageID string) (*model.RetryEntry, error) {
	e, err := q.store.GetRetry(ctx, messageID)
	if err != nil {
		return nil, eris.Wrapf(err, "retryqueue: requeue %s", messageID)
	}
	if !e.DeadLetter {
		return nil, eris.Wrapf(ErrNotDeadLetter, "retryqueue: %s", messageID)
	}

	var before model.Stage
	_, err = store.Mutate(ctx, q.store, e.LeadID, func(cur *model.LeadAggregate) (store.LeadPatch, error) {
		before = cur.Stage
		if cur.Message == nil || cur.Message.MessageID != e.MessageID {
			return store.LeadPatch{}, ErrStaleMessage
		}
		switch cur.Stage {
		case model.StageDelivering:
			return store.LeadPatch{}, nil
		case model.StageFailed:
			patch := store.StagePatch(model.StageDelivering)
			cleared := ""
			patch.LastError = &cleared
			return patch, nil
		default:
			return store.LeadPatch{}, ErrStaleMessage
		}
	})
	if err != nil {
		return nil, eris.Wrapf(err, "retryqueue: requeue %s", messageID)
	}

	e.DeadLetter = false
	e.DeadLetteredAt = nil
	e.AttemptCount = 0
	e.NextAttemptAt = q.now().UTC()
	if err := q.store.UpdateRetry(ctx, e); err != nil {
		return nil, eris.Wrapf(err, "retryqueue: requeue %s", messageID)
	}

	if before == model.StageFailed {
		q.log.Transition(ctx, e.LeadID, model.StageFailed, model.StageDelivering, model.InteractionDetails{
			RunID:     e.Payload.RunID,
			MessageID: e.MessageID,
			Event:     model.EventRetryScheduled,
		})
	}
	zap.L().Info("retryqueue: requeued dead letter",
		zap.String("lead_id", e.LeadID),
		zap.String("message_id", e.MessageID),
	)
	return e, nil
}

// List returns stored entries matching filter.
func (q *Queue) List(ctx context.Context, filter store.RetryFilter) ([]model.RetryEntry, error) {
	entries, err := q.store.ListRetries(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "retryqueue: list")
	}
	return entries, nil
}

// Run drains due entries every PollInterval until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "retryqueue"))
	log.Info("starting retry drain loop",
		zap.Duration("interval", q.cfg.PollInterval),
		zap.Int("concurrency", q.cfg.Concurrency),
	)

	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("retry drain loop stopped")
			return
		case <-ticker.C:
			if _, err := q.ProcessDue(ctx); err != nil && ctx.Err() == nil {
				log.Error("retryqueue: drain failed", zap.Error(err))
			}
		}
	}
}
