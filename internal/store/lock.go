package store

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-cli/internal/model"
)

var (
	// ErrLockHeld is returned by AcquireLock when another run holds a live lock.
	ErrLockHeld = eris.New("store: run lock held")
	// ErrInvalidTransition is returned when a patch would move the aggregate
	// along an edge the state machine does not permit.
	ErrInvalidTransition = eris.New("store: invalid stage transition")
)

// maxMutateAttempts bounds the re-read loop in Mutate.
const maxMutateAttempts = 5

// MutateFunc inspects the current aggregate and returns the patch to apply.
// An empty patch leaves the aggregate untouched.
type MutateFunc func(current *model.LeadAggregate) (LeadPatch, error)

// Mutate performs a read-modify-write of one aggregate. On a version
// conflict it re-reads and calls fn again with the fresh state.
func Mutate(ctx context.Context, s LeadStore, leadID string, fn MutateFunc) (*model.LeadAggregate, error) {
	var lastErr error
	for attempt := 0; attempt < maxMutateAttempts; attempt++ {
		current, err := s.GetLead(ctx, leadID)
		if err != nil {
			return nil, err
		}

		patch, err := fn(current)
		if err != nil {
			return current, err
		}
		if patch.Stage != nil && *patch.Stage == current.Stage && !current.Stage.Working() {
			patch.Stage = nil
		}
		if patch.Empty() {
			return current, nil
		}
		if patch.Stage != nil && !model.CanTransition(current.Stage, *patch.Stage) {
			return current, eris.Wrapf(ErrInvalidTransition, "store: lead %s %s -> %s",
				leadID, current.Stage, *patch.Stage)
		}

		updated, err := s.UpdateLead(ctx, leadID, current.Version, patch)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
		lastErr = err
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "store: mutate")
		}
	}
	return nil, eris.Wrapf(lastErr, "store: lead %s still conflicting after %d attempts", leadID, maxMutateAttempts)
}

// AcquireLock claims the run lock on leadID for runID. A lock older than
// ttl is treated as abandoned and reclaimed.
func AcquireLock(ctx context.Context, s LeadStore, leadID, runID string, ttl time.Duration, now time.Time) (*model.LeadAggregate, error) {
	return Mutate(ctx, s, leadID, func(current *model.LeadAggregate) (LeadPatch, error) {
		if current.Held(now, ttl) && current.Lock.HeldBy != runID {
			return LeadPatch{}, eris.Wrapf(ErrLockHeld, "store: lead %s held by %s since %s",
				leadID, current.Lock.HeldBy, current.Lock.AcquiredAt.Format(time.RFC3339))
		}
		return LeadPatch{Lock: &model.RunLock{HeldBy: runID, AcquiredAt: now}}, nil
	})
}

// ReleaseLock clears the lock if runID still holds it. Releasing a lock
// that was reclaimed by another run is a no-op.
func ReleaseLock(ctx context.Context, s LeadStore, leadID, runID string) error {
	_, err := Mutate(ctx, s, leadID, func(current *model.LeadAggregate) (LeadPatch, error) {
		if current.Lock == nil || current.Lock.HeldBy != runID {
			return LeadPatch{}, nil
		}
		return LeadPatch{ClearLock: true}, nil
	})
	return err
}
