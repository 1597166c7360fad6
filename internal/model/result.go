package model

import (
	"encoding/json"
	"time"
)

// StageResult is the output of one stage. The set of implementations is
// closed: ResearchResult, MessageResult and DeliveryResult.
type StageResult interface {
	// ResultStage is the stage the aggregate moves to once the result is merged.
	ResultStage() Stage
	stageResult()
}

// ResearchResult is the research stage output.
type ResearchResult struct {
	RunID           string           `json:"run_id"`
	Provider        string           `json:"provider"`
	ConfidenceScore float64          `json:"confidence_score"`
	Findings        ResearchFindings `json:"findings"`
	CompletedAt     time.Time        `json:"completed_at"`
	// Extensions carries provider-specific extras verbatim.
	Extensions json.RawMessage `json:"extensions,omitempty"`
}

// ResearchFindings is the structured part of a research result.
type ResearchFindings struct {
	Summary     string   `json:"summary"`
	KeyInsights []string `json:"key_insights,omitempty"`
	PainPoints  []string `json:"pain_points,omitempty"`
	RecentNews  []string `json:"recent_news,omitempty"`
	Sources     []string `json:"sources,omitempty"`
}

// ResultStage implements StageResult.
func (*ResearchResult) ResultStage() Stage { return StageResearched }
func (*ResearchResult) stageResult()       {}

// MessageResult is the message generation output.
type MessageResult struct {
	RunID string `json:"run_id"`
	// MessageID is minted once per generated message and reused for every
	// send of it, so the gateway can deduplicate.
	MessageID   string          `json:"message_id"`
	Text        string          `json:"text"`
	Quality     QualityScores   `json:"quality"`
	Fallback    bool            `json:"fallback"`
	Model       string          `json:"model,omitempty"`
	GeneratedAt time.Time       `json:"generated_at"`
	Extensions  json.RawMessage `json:"extensions,omitempty"`
}

// QualityScores are heuristic scores in [0,1] attached to a generated message.
type QualityScores struct {
	Personalization       float64 `json:"personalization"`
	Relevance             float64 `json:"relevance"`
	Length                float64 `json:"length"`
	PredictedResponseRate float64 `json:"predicted_response_rate"`
}

// ResultStage implements StageResult.
func (*MessageResult) ResultStage() Stage { return StageMessageReady }
func (*MessageResult) stageResult()       {}

// DeliveryResult is the delivery outcome. The coordinator and retry queue
// write it on send; the status tracker owns the confirmation timestamps.
type DeliveryResult struct {
	RunID            string     `json:"run_id,omitempty"`
	MessageID        string     `json:"message_id"`
	Recipient        string     `json:"recipient"`
	GatewayMessageID string     `json:"gateway_message_id,omitempty"`
	Attempts         int        `json:"attempts"`
	SentAt           *time.Time `json:"sent_at,omitempty"`
	DeliveredAt      *time.Time `json:"delivered_at,omitempty"`
	ReadAt           *time.Time `json:"read_at,omitempty"`
	RepliedAt        *time.Time `json:"replied_at,omitempty"`
	TrackingClosedAt *time.Time `json:"tracking_closed_at,omitempty"`
}

// ResultStage implements StageResult.
func (*DeliveryResult) ResultStage() Stage { return StageDelivered }
func (*DeliveryResult) stageResult()       {}

// Tracking reports whether the status tracker should still poll this delivery.
func (d *DeliveryResult) Tracking() bool {
	return d != nil && d.GatewayMessageID != "" && d.SentAt != nil && d.TrackingClosedAt == nil
}
