package salesforce

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// Lead represents a Salesforce Lead record.
type Lead struct {
	ID          string `json:"Id" salesforce:"Id"`
	FirstName   string `json:"FirstName" salesforce:"FirstName"`
	LastName    string `json:"LastName" salesforce:"LastName"`
	Name        string `json:"Name" salesforce:"Name"`
	Title       string `json:"Title" salesforce:"Title"`
	Company     string `json:"Company" salesforce:"Company"`
	Email       string `json:"Email" salesforce:"Email"`
	Phone       string `json:"Phone" salesforce:"Phone"`
	MobilePhone string `json:"MobilePhone" salesforce:"MobilePhone"`
	Website     string `json:"Website" salesforce:"Website"`
	Industry    string `json:"Industry" salesforce:"Industry"`
	City        string `json:"City" salesforce:"City"`
	State       string `json:"State" salesforce:"State"`
	Country     string `json:"Country" salesforce:"Country"`
	Description string `json:"Description" salesforce:"Description"`
	Status      string `json:"Status" salesforce:"Status"`
}

// leadFields are the SOQL fields selected for Lead queries.
var leadFields = []string{
	"Id", "FirstName", "LastName", "Name", "Title", "Company",
	"Email", "Phone", "MobilePhone", "Website", "Industry",
	"City", "State", "Country", "Description", "Status",
}

// FindLeadByID queries Salesforce for a Lead by its ID.
// Returns nil if no lead is found.
func FindLeadByID(ctx context.Context, c Client, id string) (*Lead, error) {
	soql := fmt.Sprintf(
		"SELECT %s FROM Lead WHERE Id = '%s' LIMIT 1",
		strings.Join(leadFields, ", "),
		escapeSoql(id),
	)

	var leads []Lead
	if err := c.Query(ctx, soql, &leads); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("sf: find lead %s", id))
	}
	if len(leads) == 0 {
		return nil, nil
	}
	return &leads[0], nil
}

// UpdateLeadStatus sets Lead.Status.
func UpdateLeadStatus(ctx context.Context, c Client, leadID, status string) error {
	if leadID == "" {
		return eris.New("sf: lead id is required")
	}
	if status == "" {
		return eris.New("sf: status is required")
	}
	if err := c.UpdateOne(ctx, "Lead", leadID, map[string]any{"Status": status}); err != nil {
		return eris.Wrap(err, fmt.Sprintf("sf: update lead status %s", leadID))
	}
	return nil
}

// escapeSoql escapes backslashes and single quotes in SOQL string literals.
func escapeSoql(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, "'", `\'`)
}
