package model

// Stage is the position of a lead aggregate in the outreach state machine.
type Stage string

const (
	StageCreated           Stage = "CREATED"
	StageResearching       Stage = "RESEARCHING"
	StageResearched        Stage = "RESEARCHED"
	StageGeneratingMessage Stage = "GENERATING_MESSAGE"
	StageMessageReady      Stage = "MESSAGE_READY"
	StageDelivering        Stage = "DELIVERING"
	StageDelivered         Stage = "DELIVERED"
	StageFailed            Stage = "FAILED"
	StageCompleted         Stage = "COMPLETED"
)

// AllStages lists every stage in pipeline order.
func AllStages() []Stage {
	return []Stage{
		StageCreated,
		StageResearching,
		StageResearched,
		StageGeneratingMessage,
		StageMessageReady,
		StageDelivering,
		StageDelivered,
		StageFailed,
		StageCompleted,
	}
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Settled reports whether the automatic path has nothing left to do for s.
// FAILED is settled for automatic processing but may be re-run by an operator.
func (s Stage) Settled() bool {
	switch s {
	case StageDelivered, StageCompleted, StageFailed:
		return true
	}
	return false
}

// Working reports whether s is an in-flight stage owned by a run.
func (s Stage) Working() bool {
	switch s {
	case StageResearching, StageGeneratingMessage, StageDelivering:
		return true
	}
	return false
}

// Working stages may be re-entered by a run that reclaimed a stale lock.
// FAILED -> DELIVERING is an operator requeue of a dead-lettered message.
var transitions = map[Stage][]Stage{
	StageCreated:           {StageResearching, StageFailed},
	StageResearching:       {StageResearching, StageResearched, StageFailed},
	StageResearched:        {StageGeneratingMessage, StageFailed},
	StageGeneratingMessage: {StageGeneratingMessage, StageMessageReady, StageFailed},
	StageMessageReady:      {StageDelivering, StageFailed},
	StageDelivering:        {StageDelivering, StageDelivered, StageFailed},
	StageDelivered:         {StageCompleted},
	StageFailed:            {StageResearching, StageDelivering},
	StageCompleted:         {},
}

// CanTransition reports whether the state machine permits from -> to.
func CanTransition(from, to Stage) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
