package crm

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/resilience"
	"github.com/sells-group/outreach-cli/pkg/salesforce"
)

// Source is the snapshot source recorded for Salesforce leads.
const Source = "salesforce"

// Salesforce reads Lead records and writes Lead.Status.
type Salesforce struct {
	client    salesforce.Client
	statusMap map[string]string
	now       func() time.Time
}

// NewSalesforce creates a Salesforce provider. A nil statusMap uses
// DefaultStatusMap.
func NewSalesforce(client salesforce.Client, statusMap map[string]string) *Salesforce {
	if len(statusMap) == 0 {
		statusMap = DefaultStatusMap
	}
	return &Salesforce{client: client, statusMap: statusMap, now: time.Now}
}

// FetchSnapshot captures the Lead record for leadID.
func (s *Salesforce) FetchSnapshot(ctx context.Context, leadID string) (model.CRMSnapshot, error) {
	lead, err := salesforce.FindLeadByID(ctx, s.client, leadID)
	if err != nil {
		return model.CRMSnapshot{}, classify(err)
	}
	if lead == nil {
		return model.CRMSnapshot{}, eris.Wrapf(ErrNotFound, "crm: salesforce lead %s", leadID)
	}
	return model.NewCRMSnapshot(Source, ContactFromLead(*lead), s.now().UTC())
}

// SyncStatus maps event to a Lead.Status and writes it. Events without a
// mapping are ignored.
func (s *Salesforce) SyncStatus(ctx context.Context, leadID, event string) error {
	status, ok := s.statusMap[event]
	if !ok {
		return nil
	}
	if err := salesforce.UpdateLeadStatus(ctx, s.client, leadID, status); err != nil {
		return classify(err)
	}
	zap.L().Debug("crm: status synced",
		zap.String("lead_id", leadID),
		zap.String("event", event),
		zap.String("status", status),
	)
	return nil
}

// ContactFromLead converts a Salesforce Lead.
func ContactFromLead(l salesforce.Lead) model.Contact {
	return model.Contact{
		ID:        l.ID,
		FirstName: l.FirstName,
		LastName:  l.LastName,
		Name:      l.Name,
		Title:     l.Title,
		Company:   l.Company,
		Email:     l.Email,
		Phone:     l.Phone,
		Mobile:    l.MobilePhone,
		Website:   l.Website,
		Industry:  l.Industry,
		City:      l.City,
		State:     l.State,
		Country:   l.Country,
		Notes:     l.Description,
	}
}

// go-salesforce errors carry no status code, only the response text.
var (
	authMarkers      = []string{"INVALID_SESSION_ID", "INVALID_AUTH_HEADER", "401"}
	permanentMarkers = []string{"MALFORMED_QUERY", "INVALID_FIELD", "INVALID_TYPE", "INVALID_OR_NULL_FOR_RESTRICTED_PICKLIST", "MALFORMED_ID"}
)

func classify(err error) error {
	msg := err.Error()
	for _, m := range authMarkers {
		if strings.Contains(msg, m) {
			return resilience.NewAuthError(err, 401)
		}
	}
	for _, m := range permanentMarkers {
		if strings.Contains(msg, m) {
			return resilience.NewPermanentError(err, 400)
		}
	}
	if resilience.Classify(err) != resilience.KindUnknown {
		return err
	}
	return resilience.NewTransientError(err, 0)
}
