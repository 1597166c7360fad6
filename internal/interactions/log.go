// Package interactions is the append-only audit trail of lead state
// transitions, delivery attempts and status changes.
package interactions

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/store"
)

// Log appends and reads interaction records. It never updates or deletes.
type Log struct {
	store store.InteractionStore
	now   func() time.Time
	newID func() string
}

// New creates a Log over st.
func New(st store.InteractionStore) *Log {
	return &Log{
		store: st,
		now:   time.Now,
		newID: func() string { return uuid.New().String() },
	}
}

// Append stores rec, filling in the id and timestamp when they are unset.
func (l *Log) Append(ctx context.Context, rec *model.InteractionRecord) error {
	if rec.LeadID == "" {
		return eris.New("interactions: lead id is required")
	}
	if rec.InteractionID == "" {
		rec.InteractionID = l.newID()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now().UTC()
	}
	if err := l.store.AppendInteraction(ctx, rec); err != nil {
		return eris.Wrapf(err, "interactions: append %s for lead %s", rec.Type, rec.LeadID)
	}
	return nil
}

// QueryByLead returns the lead's audit trail, oldest first.
func (l *Log) QueryByLead(ctx context.Context, leadID string, limit int) ([]model.InteractionRecord, error) {
	recs, err := l.store.InteractionsByLead(ctx, leadID, limit)
	if err != nil {
		return nil, eris.Wrapf(err, "interactions: query lead %s", leadID)
	}
	return recs, nil
}

// Since returns every record at or after cutoff, oldest first.
func (l *Log) Since(ctx context.Context, cutoff time.Time) ([]model.InteractionRecord, error) {
	recs, err := l.store.InteractionsSince(ctx, cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "interactions: query since")
	}
	return recs, nil
}

// Transition records a stage change. Failures are logged and swallowed.
func (l *Log) Transition(ctx context.Context, leadID string, from, to model.Stage, d model.InteractionDetails) {
	l.record(ctx, &model.InteractionRecord{
		LeadID:       leadID,
		Type:         model.InteractionStageTransition,
		StatusBefore: from,
		StatusAfter:  to,
		Details:      d,
	})
}

// DeliveryAttempt records one send to the gateway. Failures are logged and swallowed.
func (l *Log) DeliveryAttempt(ctx context.Context, leadID string, stage model.Stage, d model.InteractionDetails) {
	l.record(ctx, &model.InteractionRecord{
		LeadID:       leadID,
		Type:         model.InteractionDeliveryAttempt,
		StatusBefore: stage,
		StatusAfter:  stage,
		Details:      d,
	})
}

// StatusChange records a confirmation observed by the tracker. Failures are
// logged and swallowed.
func (l *Log) StatusChange(ctx context.Context, leadID string, from, to model.Stage, d model.InteractionDetails) {
	l.record(ctx, &model.InteractionRecord{
		LeadID:       leadID,
		Type:         model.InteractionStatusChange,
		StatusBefore: from,
		StatusAfter:  to,
		Details:      d,
	})
}

func (l *Log) record(ctx context.Context, rec *model.InteractionRecord) {
	// The audit trail must survive a cancelled run context.
	if err := l.Append(context.WithoutCancel(ctx), rec); err != nil {
		zap.L().Warn("interactions: append failed",
			zap.String("lead_id", rec.LeadID),
			zap.String("type", string(rec.Type)),
			zap.String("event", rec.Details.Event),
			zap.Error(err),
		)
	}
}
