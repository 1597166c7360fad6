package model

import "time"

// RetryEntry is one undelivered message awaiting another delivery attempt.
// Dead-lettered entries are kept for audit and never retried automatically.
type RetryEntry struct {
	MessageID      string       `json:"message_id"`
	LeadID         string       `json:"lead_id"`
	Payload        RetryPayload `json:"payload"`
	AttemptCount   int          `json:"attempt_count"`
	MaxAttempts    int          `json:"max_attempts"`
	NextAttemptAt  time.Time    `json:"next_attempt_at"`
	LastError      string       `json:"last_error,omitempty"`
	DeadLetter     bool         `json:"dead_letter"`
	DeadLetteredAt *time.Time   `json:"dead_lettered_at,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// RetryPayload is everything needed to resend without the original run.
type RetryPayload struct {
	RunID     string `json:"run_id"`
	Recipient string `json:"recipient"`
	Text      string `json:"text"`
}

// Exhausted reports whether the entry has used its whole attempt budget.
func (e *RetryEntry) Exhausted() bool {
	return e.AttemptCount >= e.MaxAttempts
}
