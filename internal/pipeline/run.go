package pipeline

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/compose"
	"github.com/sells-group/outreach-cli/internal/delivery"
	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/resilience"
	"github.com/sells-group/outreach-cli/internal/store"
)

// run is one locked execution of the stage sequence for a lead.
type run struct {
	c      *Coordinator
	id     string
	leadID string
	rerun  bool
	log    *zap.Logger
}

// execute resumes from the first stage lacking output.
func (r *run) execute(ctx context.Context, agg *model.LeadAggregate) (*model.RunOutcome, error) {
	contact, err := agg.CRMSnapshot.Contact()
	if err != nil {
		return r.fail(ctx, "", resilience.NewValidationError(err))
	}

	switch agg.Stage {
	case model.StageCreated, model.StageResearching, model.StageFailed:
		if agg, err = r.research(ctx, contact); err != nil || agg.Stage == model.StageFailed {
			return r.finish(agg, err)
		}
		fallthrough
	case model.StageResearched, model.StageGeneratingMessage:
		if agg, err = r.generate(ctx, contact, agg.Research); err != nil || agg.Stage == model.StageFailed {
			return r.finish(agg, err)
		}
		fallthrough
	case model.StageMessageReady, model.StageDelivering:
		agg, err = r.deliver(ctx, contact, agg.Message)
		return r.finish(agg, err)
	default:
		return nil, eris.Errorf("pipeline: lead %s in unexpected stage %s", r.leadID, agg.Stage)
	}
}

func (r *run) finish(agg *model.LeadAggregate, err error) (*model.RunOutcome, error) {
	if err != nil {
		return nil, err
	}
	return model.OutcomeFor(agg, r.id), nil
}

// enter moves the lead into a working stage under this run's lock.
func (r *run) enter(ctx context.Context, to model.Stage) (*model.LeadAggregate, error) {
	var from model.Stage
	agg, err := store.Mutate(ctx, r.c.store, r.leadID, func(cur *model.LeadAggregate) (store.LeadPatch, error) {
		if err := r.owns(cur); err != nil {
			return store.LeadPatch{}, err
		}
		from = cur.Stage
		patch := store.StagePatch(to)
		if from == model.StageFailed {
			// A rerun starts over; nothing from the failed run carries forward.
			cleared := ""
			patch.LastError = &cleared
			patch.ClearResults = true
		}
		return patch, nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: enter %s", to)
	}
	if from != to {
		r.c.log.Transition(ctx, r.leadID, from, to, model.InteractionDetails{RunID: r.id})
	}
	return agg, nil
}

// merge writes a stage result, touching only the fields it owns.
func (r *run) merge(ctx context.Context, result model.StageResult, details model.InteractionDetails) (*model.LeadAggregate, error) {
	var from model.Stage
	agg, err := store.Mutate(ctx, r.c.store, r.leadID, func(cur *model.LeadAggregate) (store.LeadPatch, error) {
		if err := r.owns(cur); err != nil {
			return store.LeadPatch{}, err
		}
		from = cur.Stage
		return store.PatchFor(result), nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: merge %s", result.ResultStage())
	}
	details.RunID = r.id
	r.c.log.Transition(ctx, r.leadID, from, agg.Stage, details)
	return agg, nil
}

func (r *run) owns(cur *model.LeadAggregate) error {
	if cur.Lock == nil || cur.Lock.HeldBy != r.id {
		return eris.Wrapf(ErrLockLost, "pipeline: lead %s", r.leadID)
	}
	return nil
}

// call runs one stage call with the per-stage timeout, local retries for
// transient errors and the stage breaker.
func call[T any](ctx context.Context, r *run, stage string, retries int, fn func(ctx context.Context) (T, error)) (T, error) {
	cb := r.c.breakers.Get(stage)
	if err := cb.Allow(); err != nil {
		var zero T
		return zero, eris.Wrapf(ErrSuspended, "pipeline: breaker open for %s", stage)
	}
	start := r.c.now()

	cfg := resilience.FixedRetryConfig(retries, r.c.cfg.StageRetryDelay)
	cfg.OnRetry = resilience.RetryLogger(stage, r.leadID)
	val, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (T, error) {
		stageCtx, cancel := context.WithTimeout(ctx, r.c.cfg.StageTimeout)
		defer cancel()
		return fn(stageCtx)
	})
	cb.Record(err)

	elapsed := r.c.now().Sub(start)
	r.c.metrics.StageObserved(stage, elapsed)
	if err != nil {
		r.c.metrics.StageFailed(stage, resilience.Classify(err).String())
		r.log.Warn("pipeline: stage failed",
			zap.String("stage", stage),
			zap.String("kind", resilience.Classify(err).String()),
			zap.Duration("duration", elapsed),
			zap.Error(err),
		)
		return val, err
	}
	r.log.Info("pipeline: stage complete", zap.String("stage", stage), zap.Duration("duration", elapsed))
	return val, nil
}

func (r *run) research(ctx context.Context, contact model.Contact) (*model.LeadAggregate, error) {
	if _, err := r.enter(ctx, model.StageResearching); err != nil {
		return nil, err
	}

	res, err := call(ctx, r, StageResearch, r.c.cfg.StageRetries, func(ctx context.Context) (*model.ResearchResult, error) {
		return r.c.stages.Research.Research(ctx, contact)
	})
	if errors.Is(err, ErrSuspended) {
		return nil, err
	}
	if err != nil {
		return r.failAgg(ctx, StageResearch, err)
	}

	res.RunID = r.id
	if res.CompletedAt.IsZero() {
		res.CompletedAt = r.c.now().UTC()
	}
	return r.merge(ctx, res, model.InteractionDetails{})
}

func (r *run) generate(ctx context.Context, contact model.Contact, research *model.ResearchResult) (*model.LeadAggregate, error) {
	if _, err := r.enter(ctx, model.StageGeneratingMessage); err != nil {
		return nil, err
	}

	in := compose.Input{Contact: contact, Research: research}
	msg, err := call(ctx, r, StageGeneration, r.c.cfg.StageRetries, func(ctx context.Context) (*model.MessageResult, error) {
		return r.c.stages.Generate.Generate(ctx, in)
	})
	if errors.Is(err, ErrSuspended) {
		return nil, err
	}
	if err != nil {
		if !r.c.cfg.AllowFallback || r.c.stages.Fallback == nil || ctx.Err() != nil {
			return r.failAgg(ctx, StageGeneration, err)
		}
		fb, fbErr := r.c.stages.Fallback.Render(in)
		if fbErr != nil {
			return r.failAgg(ctx, StageGeneration, eris.Wrap(fbErr, "fallback template"))
		}
		r.log.Warn("pipeline: using fallback message", zap.Error(err))
		r.c.metrics.FallbackUsed()
		fb.Fallback = true
		msg = fb
	}

	msg.RunID = r.id
	// Minted once here; every send of this message reuses it.
	msg.MessageID = r.c.newID()
	if msg.GeneratedAt.IsZero() {
		msg.GeneratedAt = r.c.now().UTC()
	}
	details := model.InteractionDetails{MessageID: msg.MessageID, Fallback: msg.Fallback}
	if msg.Fallback {
		details.Event = model.EventFallback
	}
	return r.merge(ctx, msg, details)
}

func (r *run) deliver(ctx context.Context, contact model.Contact, msg *model.MessageResult) (*model.LeadAggregate, error) {
	if msg == nil {
		return r.failAgg(ctx, StageDelivery, resilience.NewValidationError(eris.New("no message to deliver")))
	}
	if _, err := r.enter(ctx, model.StageDelivering); err != nil {
		return nil, err
	}

	entry := &model.RetryEntry{
		MessageID: msg.MessageID,
		LeadID:    r.leadID,
		Payload:   model.RetryPayload{RunID: r.id, Recipient: contact.Recipient(), Text: msg.Text},
	}
	if entry.Payload.Recipient == "" {
		err := resilience.NewPermanentError(eris.New("contact has no phone number"), 0)
		return r.deadLetter(ctx, entry, err)
	}

	// Delivery failures are handed to the retry queue, never retried here.
	receipt, err := call(ctx, r, StageDelivery, 0, func(ctx context.Context) (*delivery.Receipt, error) {
		return r.c.gateway.Send(ctx, msg.MessageID, entry.Payload.Recipient, msg.Text)
	})
	if err == nil {
		return r.delivered(ctx, entry, receipt)
	}
	if errors.Is(err, ErrSuspended) {
		// Stays DELIVERING with no retry entry; the next trigger sends again.
		return nil, err
	}

	entry.LastError = err.Error()
	details := model.InteractionDetails{
		RunID:     r.id,
		MessageID: msg.MessageID,
		Event:     model.EventSendFailed,
		Attempt:   1,
		Error:     entry.LastError,
		ErrorKind: resilience.Classify(err).String(),
	}
	r.c.log.DeliveryAttempt(ctx, r.leadID, model.StageDelivering, details)

	switch resilience.Classify(err) {
	case resilience.KindPermanent, resilience.KindValidation:
		r.c.metrics.DeliveryAttempt("run", "permanent")
		return r.deadLetter(ctx, entry, err)
	case resilience.KindAuth:
		r.c.metrics.DeliveryAttempt("run", "auth")
		return r.failAgg(ctx, StageDelivery, err)
	}

	if ctx.Err() != nil {
		// The run deadline hit mid-send. Hand off anyway so the message is
		// not lost.
		ctx = context.WithoutCancel(ctx)
	}
	r.c.metrics.DeliveryAttempt("run", "transient")
	if _, err := r.c.queue.Enqueue(ctx, entry); err != nil {
		return r.failAgg(ctx, StageDelivery, eris.Wrap(err, "enqueue retry"))
	}
	r.log.Info("pipeline: delivery handed to retry queue", zap.String("message_id", entry.MessageID))
	return r.c.store.GetLead(ctx, r.leadID)
}

func (r *run) delivered(ctx context.Context, entry *model.RetryEntry, receipt *delivery.Receipt) (*model.LeadAggregate, error) {
	sentAt := receipt.SentAt
	if sentAt.IsZero() {
		sentAt = r.c.now().UTC()
	}
	r.c.metrics.DeliveryAttempt("run", "sent")
	r.c.log.DeliveryAttempt(ctx, r.leadID, model.StageDelivering, model.InteractionDetails{
		RunID:            r.id,
		MessageID:        entry.MessageID,
		GatewayMessageID: receipt.GatewayMessageID,
		Event:            model.EventSent,
		Attempt:          1,
	})
	return r.merge(ctx, &model.DeliveryResult{
		RunID:            r.id,
		MessageID:        entry.MessageID,
		Recipient:        entry.Payload.Recipient,
		GatewayMessageID: receipt.GatewayMessageID,
		Attempts:         1,
		SentAt:           &sentAt,
	}, model.InteractionDetails{
		MessageID:        entry.MessageID,
		GatewayMessageID: receipt.GatewayMessageID,
		Event:            model.EventSent,
	})
}

// deadLetter records a send that no retry can fix and fails the lead.
func (r *run) deadLetter(ctx context.Context, entry *model.RetryEntry, cause error) (*model.LeadAggregate, error) {
	entry.LastError = cause.Error()
	if _, err := r.c.queue.DeadLetter(ctx, entry); err != nil {
		r.log.Error("pipeline: dead-letter failed", zap.String("message_id", entry.MessageID), zap.Error(err))
	}
	return r.failAgg(ctx, StageDelivery, cause)
}

// failAgg marks the lead FAILED. The error is recorded, not returned.
func (r *run) failAgg(ctx context.Context, stage string, cause error) (*model.LeadAggregate, error) {
	msg := cause.Error()
	if stage != "" {
		msg = stage + ": " + msg
	}

	var from model.Stage
	agg, err := store.Mutate(ctx, r.c.store, r.leadID, func(cur *model.LeadAggregate) (store.LeadPatch, error) {
		if err := r.owns(cur); err != nil {
			return store.LeadPatch{}, err
		}
		from = cur.Stage
		if !model.CanTransition(cur.Stage, model.StageFailed) {
			return store.LeadPatch{}, nil
		}
		return store.FailPatch(msg), nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: fail lead %s", r.leadID)
	}
	if from != agg.Stage {
		r.c.log.Transition(ctx, r.leadID, from, agg.Stage, model.InteractionDetails{
			RunID:     r.id,
			Error:     msg,
			ErrorKind: resilience.Classify(cause).String(),
		})
	}
	r.log.Warn("pipeline: run failed", zap.String("stage", stage), zap.Error(cause))
	return agg, nil
}

// fail is failAgg returning an outcome.
func (r *run) fail(ctx context.Context, stage string, cause error) (*model.RunOutcome, error) {
	agg, err := r.failAgg(ctx, stage, cause)
	if err != nil {
		return nil, err
	}
	return model.OutcomeFor(agg, r.id), nil
}
