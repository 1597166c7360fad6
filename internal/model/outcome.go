package model

import "time"

// OutcomeStatus summarizes how ProcessLead ended.
type OutcomeStatus string

const (
	OutcomeDelivered    OutcomeStatus = "delivered"
	OutcomeCompleted    OutcomeStatus = "completed"
	OutcomePendingRetry OutcomeStatus = "pending_retry"
	OutcomeFailed       OutcomeStatus = "failed"
)

// RunOutcome is returned to the trigger source.
type RunOutcome struct {
	LeadID       string          `json:"lead_id"`
	RunID        string          `json:"run_id,omitempty"`
	Status       OutcomeStatus   `json:"status"`
	Stage        Stage           `json:"stage"`
	Cached       bool            `json:"cached"`
	FallbackUsed bool            `json:"fallback_used,omitempty"`
	Error        string          `json:"error,omitempty"`
	Research     *ResearchResult `json:"research_result,omitempty"`
	Message      *MessageResult  `json:"message_result,omitempty"`
	Delivery     *DeliveryResult `json:"delivery_result,omitempty"`
	Duration     time.Duration   `json:"duration_ns,omitempty"`
}

// OutcomeFor builds the outcome view of an aggregate.
func OutcomeFor(a *LeadAggregate, runID string) *RunOutcome {
	out := &RunOutcome{
		LeadID:   a.LeadID,
		RunID:    runID,
		Stage:    a.Stage,
		Error:    a.LastError,
		Research: a.Research,
		Message:  a.Message,
		Delivery: a.Delivery,
	}
	if a.Message != nil {
		out.FallbackUsed = a.Message.Fallback
	}
	switch a.Stage {
	case StageCompleted:
		out.Status = OutcomeCompleted
	case StageDelivered:
		out.Status = OutcomeDelivered
	case StageFailed:
		out.Status = OutcomeFailed
	default:
		out.Status = OutcomePendingRetry
	}
	return out
}
