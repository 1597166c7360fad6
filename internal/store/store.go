// Package store persists lead aggregates, retry entries and interaction
// records. Lead writes are field-scoped and guarded by the aggregate version.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-cli/internal/model"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrConflict is returned when a versioned write does not match the
	// stored version. Callers must re-read and retry.
	ErrConflict = eris.New("store: version conflict")
	// ErrAlreadyExists is returned when creating a lead that is already stored.
	ErrAlreadyExists = eris.New("store: already exists")
)

// LeadFilter specifies criteria for listing lead aggregates.
type LeadFilter struct {
	Stages       []model.Stage `json:"stages,omitempty"`
	UpdatedAfter time.Time     `json:"updated_after,omitempty"`
	// Tracking keeps only leads whose delivery is sent and still awaiting
	// confirmation. Such listings are ordered by lead_id.
	Tracking bool `json:"tracking,omitempty"`
	// AfterLeadID resumes a lead_id ordered listing past the given lead.
	AfterLeadID string `json:"after_lead_id,omitempty"`
	Limit       int    `json:"limit,omitempty"`
}

// RetryFilter specifies criteria for listing retry entries.
type RetryFilter struct {
	LeadID     string `json:"lead_id,omitempty"`
	DeadLetter *bool  `json:"dead_letter,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// LeadStore is the lead aggregate store.
type LeadStore interface {
	// CreateLead inserts a new aggregate at version 1. Returns
	// ErrAlreadyExists if the lead is already stored.
	CreateLead(ctx context.Context, agg *model.LeadAggregate) (*model.LeadAggregate, error)
	GetLead(ctx context.Context, leadID string) (*model.LeadAggregate, error)
	ListLeads(ctx context.Context, filter LeadFilter) ([]model.LeadAggregate, error)
	// UpdateLead applies patch only if the stored version equals
	// expectedVersion, and returns the aggregate as written.
	UpdateLead(ctx context.Context, leadID string, expectedVersion int64, patch LeadPatch) (*model.LeadAggregate, error)
}

// RetryStore holds retry entries for undelivered messages.
type RetryStore interface {
	// EnqueueRetry inserts entry. An entry with the same message id is left
	// untouched and reported with created=false.
	EnqueueRetry(ctx context.Context, entry *model.RetryEntry) (created bool, err error)
	GetRetry(ctx context.Context, messageID string) (*model.RetryEntry, error)
	// DueRetries returns live entries with next_attempt_at <= now, oldest first.
	DueRetries(ctx context.Context, now time.Time, limit int) ([]model.RetryEntry, error)
	UpdateRetry(ctx context.Context, entry *model.RetryEntry) error
	DeleteRetry(ctx context.Context, messageID string) error
	ListRetries(ctx context.Context, filter RetryFilter) ([]model.RetryEntry, error)
	CountRetries(ctx context.Context, deadLetter bool) (int, error)
}

// InteractionStore is append-only.
type InteractionStore interface {
	AppendInteraction(ctx context.Context, rec *model.InteractionRecord) error
	// InteractionsByLead returns the lead's records oldest first.
	InteractionsByLead(ctx context.Context, leadID string, limit int) ([]model.InteractionRecord, error)
	InteractionsSince(ctx context.Context, since time.Time) ([]model.InteractionRecord, error)
}

// Store is the full persistence surface.
type Store interface {
	LeadStore
	RetryStore
	InteractionStore

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// LeadPatch is a field-scoped update of a lead aggregate. Nil fields are
// left untouched.
type LeadPatch struct {
	Stage     *model.Stage
	Research  *model.ResearchResult
	Message   *model.MessageResult
	Delivery  *model.DeliveryResult
	LastError *string
	Lock      *model.RunLock
	ClearLock bool
	// ClearResults drops research, message and delivery output. Ignored for
	// any of them also set on the patch.
	ClearResults bool
}

// PatchFor builds the patch merging a stage result and advancing the stage.
func PatchFor(result model.StageResult) LeadPatch {
	stage := result.ResultStage()
	p := LeadPatch{Stage: &stage}
	switch r := result.(type) {
	case *model.ResearchResult:
		p.Research = r
	case *model.MessageResult:
		p.Message = r
	case *model.DeliveryResult:
		p.Delivery = r
	}
	return p
}

// StagePatch moves the aggregate to stage without touching results.
func StagePatch(stage model.Stage) LeadPatch {
	return LeadPatch{Stage: &stage}
}

// FailPatch marks the aggregate FAILED with msg recorded.
func FailPatch(msg string) LeadPatch {
	stage := model.StageFailed
	return LeadPatch{Stage: &stage, LastError: &msg}
}

// Empty reports whether the patch changes nothing.
func (p LeadPatch) Empty() bool {
	return p.Stage == nil && p.Research == nil && p.Message == nil &&
		p.Delivery == nil && p.LastError == nil && p.Lock == nil && !p.ClearLock
}

// Apply returns a copy of a with the patch applied in memory.
func (p LeadPatch) Apply(a model.LeadAggregate) model.LeadAggregate {
	if p.Stage != nil {
		a.Stage = *p.Stage
	}
	if p.ClearResults {
		a.Research, a.Message, a.Delivery = nil, nil, nil
	}
	if p.Research != nil {
		a.Research = p.Research
	}
	if p.Message != nil {
		a.Message = p.Message
	}
	if p.Delivery != nil {
		a.Delivery = p.Delivery
	}
	if p.LastError != nil {
		a.LastError = *p.LastError
	}
	if p.ClearLock {
		a.Lock = nil
	}
	if p.Lock != nil {
		a.Lock = p.Lock
	}
	return a
}
