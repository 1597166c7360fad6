package model

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// LeadAggregate is the single persisted document holding all accumulated
// outreach state for one lead.
type LeadAggregate struct {
	LeadID      string          `json:"lead_id"`
	Stage       Stage           `json:"stage"`
	CRMSnapshot CRMSnapshot     `json:"crm_snapshot"`
	Research    *ResearchResult `json:"research_result,omitempty"`
	Message     *MessageResult  `json:"message_result,omitempty"`
	Delivery    *DeliveryResult `json:"delivery_result,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	Lock        *RunLock        `json:"run_lock,omitempty"`
	Version     int64           `json:"version"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// RunLock records the run currently allowed to drive a lead.
type RunLock struct {
	HeldBy     string    `json:"held_by"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Stale reports whether the lock is older than ttl at now.
func (l *RunLock) Stale(now time.Time, ttl time.Duration) bool {
	if l == nil {
		return true
	}
	return now.Sub(l.AcquiredAt) >= ttl
}

// Held reports whether an active (non-stale) lock is present.
func (a *LeadAggregate) Held(now time.Time, ttl time.Duration) bool {
	return a.Lock != nil && !a.Lock.Stale(now, ttl)
}

// CRMSnapshot is the CRM record captured once when the aggregate is created.
// Data is opaque to the store; stages read it through Contact.
type CRMSnapshot struct {
	Source     string          `json:"source"`
	CapturedAt time.Time       `json:"captured_at"`
	Data       json.RawMessage `json:"data"`
}

// Contact is the typed view of the CRM fields the stages need.
type Contact struct {
	ID        string `json:"id" yaml:"id"`
	FirstName string `json:"first_name,omitempty" yaml:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty" yaml:"last_name,omitempty"`
	Name      string `json:"name,omitempty" yaml:"name,omitempty"`
	Title     string `json:"title,omitempty" yaml:"title,omitempty"`
	Company   string `json:"company,omitempty" yaml:"company,omitempty"`
	Email     string `json:"email,omitempty" yaml:"email,omitempty"`
	Phone     string `json:"phone,omitempty" yaml:"phone,omitempty"`
	Mobile    string `json:"mobile,omitempty" yaml:"mobile,omitempty"`
	Website   string `json:"website,omitempty" yaml:"website,omitempty"`
	Industry  string `json:"industry,omitempty" yaml:"industry,omitempty"`
	City      string `json:"city,omitempty" yaml:"city,omitempty"`
	State     string `json:"state,omitempty" yaml:"state,omitempty"`
	Country   string `json:"country,omitempty" yaml:"country,omitempty"`
	Notes     string `json:"notes,omitempty" yaml:"notes,omitempty"`
}

// DisplayName returns the best available name for greeting the contact.
func (c Contact) DisplayName() string {
	if c.FirstName != "" {
		return c.FirstName
	}
	if f := strings.Fields(c.Name); len(f) > 0 {
		return f[0]
	}
	return ""
}

// Recipient returns the number messages should be sent to. Mobile wins.
func (c Contact) Recipient() string {
	if c.Mobile != "" {
		return c.Mobile
	}
	return c.Phone
}

// Contact decodes the snapshot payload.
func (s CRMSnapshot) Contact() (Contact, error) {
	var c Contact
	if len(s.Data) == 0 {
		return c, eris.New("model: crm snapshot is empty")
	}
	if err := json.Unmarshal(s.Data, &c); err != nil {
		return c, eris.Wrap(err, "model: decode crm snapshot")
	}
	return c, nil
}

// NewCRMSnapshot captures c as a snapshot from source.
func NewCRMSnapshot(source string, c Contact, capturedAt time.Time) (CRMSnapshot, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return CRMSnapshot{}, eris.Wrap(err, "model: encode crm snapshot")
	}
	return CRMSnapshot{Source: source, CapturedAt: capturedAt, Data: data}, nil
}
