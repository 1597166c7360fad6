// Package crm captures lead snapshots from the CRM and writes outreach
// status back to it.
package crm

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/outreach-cli/internal/model"
)

// ErrNotFound means the CRM has no record for the lead id.
var ErrNotFound = eris.New("crm: lead not found")

// DefaultStatusMap maps interaction events to CRM lead statuses.
var DefaultStatusMap = map[string]string{
	model.EventDelivered:           "Contacted",
	model.EventRead:                "Contacted",
	model.EventConfirmationTimeout: "Contacted",
	model.EventReplied:             "Responded",
}

// FileProvider serves snapshots from a YAML file keyed by lead id. It backs
// local runs without CRM credentials.
type FileProvider struct {
	mu       sync.Mutex
	contacts map[string]model.Contact
	statuses map[string]string
	now      func() time.Time
}

// LoadFile reads a contacts file:
//
//	00Q1:
//	  first_name: Dana
//	  company: Acme Plumbing
//	  mobile: "+15550100"
func LoadFile(path string) (*FileProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "crm: read %s", path)
	}
	contacts := make(map[string]model.Contact)
	if err := yaml.Unmarshal(data, &contacts); err != nil {
		return nil, eris.Wrapf(err, "crm: decode %s", path)
	}
	return NewFileProvider(contacts), nil
}

// NewFileProvider serves the given contacts.
func NewFileProvider(contacts map[string]model.Contact) *FileProvider {
	out := make(map[string]model.Contact, len(contacts))
	for id, c := range contacts {
		if c.ID == "" {
			c.ID = id
		}
		out[id] = c
	}
	return &FileProvider{contacts: out, statuses: make(map[string]string), now: time.Now}
}

// FetchSnapshot returns the contact for leadID.
func (f *FileProvider) FetchSnapshot(_ context.Context, leadID string) (model.CRMSnapshot, error) {
	f.mu.Lock()
	c, ok := f.contacts[strings.TrimSpace(leadID)]
	f.mu.Unlock()
	if !ok {
		return model.CRMSnapshot{}, eris.Wrapf(ErrNotFound, "crm: lead %s", leadID)
	}
	return model.NewCRMSnapshot("file", c, f.now().UTC())
}

// SyncStatus records the mapped status in memory.
func (f *FileProvider) SyncStatus(_ context.Context, leadID, event string) error {
	status, ok := DefaultStatusMap[event]
	if !ok {
		return nil
	}
	f.mu.Lock()
	f.statuses[leadID] = status
	f.mu.Unlock()
	return nil
}

// Status returns the last status synced for leadID.
func (f *FileProvider) Status(leadID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[leadID]
}
