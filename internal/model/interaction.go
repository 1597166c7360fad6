package model

import "time"

// InteractionType classifies an audit record.
type InteractionType string

const (
	InteractionStageTransition InteractionType = "stage_transition"
	InteractionDeliveryAttempt InteractionType = "delivery_attempt"
	InteractionStatusChange    InteractionType = "status_change"
)

// Interaction events carried in InteractionDetails.Event.
const (
	EventSent                = "sent"
	EventSendFailed          = "send_failed"
	EventRetryScheduled      = "retry_scheduled"
	EventDeadLettered        = "dead_lettered"
	EventDelivered           = "delivered"
	EventRead                = "read"
	EventReplied             = "replied"
	EventConfirmationTimeout = "confirmation_timeout"
	EventTrackingClosed      = "tracking_closed"
	EventFallback            = "fallback_message"
)

// InteractionRecord is an immutable audit entry for one lead.
type InteractionRecord struct {
	InteractionID string             `json:"interaction_id"`
	LeadID        string             `json:"lead_id"`
	Type          InteractionType    `json:"type"`
	Timestamp     time.Time          `json:"timestamp"`
	StatusBefore  Stage              `json:"status_before,omitempty"`
	StatusAfter   Stage              `json:"status_after,omitempty"`
	Details       InteractionDetails `json:"details"`
}

// InteractionDetails holds the typed context of an interaction.
type InteractionDetails struct {
	RunID            string `json:"run_id,omitempty"`
	MessageID        string `json:"message_id,omitempty"`
	GatewayMessageID string `json:"gateway_message_id,omitempty"`
	Event            string `json:"event,omitempty"`
	Attempt          int    `json:"attempt,omitempty"`
	Error            string `json:"error,omitempty"`
	ErrorKind        string `json:"error_kind,omitempty"`
	Fallback         bool   `json:"fallback,omitempty"`
}
