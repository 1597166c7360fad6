package notion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
)

// Queue database property names.
const (
	PropStatus  = "Status"
	PropLeadID  = "Lead ID"
	PropResult  = "Outreach Result"
	PropUpdated = "Last Processed"
)

// Queue statuses.
const (
	StatusQueued     = "Queued"
	StatusProcessing = "Processing"
	StatusSent       = "Sent"
	StatusPending    = "Retrying"
	StatusFailed     = "Failed"
)

// maxResultLen bounds the text written into the result column.
const maxResultLen = 200

// QueuedLead is one row of the outreach queue.
type QueuedLead struct {
	PageID string
	LeadID string
}

// QueryAll fetches every page of a database query, following cursors.
func QueryAll(ctx context.Context, c Client, dbID string, filter *notionapi.DatabaseQueryRequest) ([]notionapi.Page, error) {
	req := &notionapi.DatabaseQueryRequest{}
	if filter != nil {
		req.Filter = filter.Filter
		req.Sorts = filter.Sorts
		req.PageSize = filter.PageSize
	}

	var all []notionapi.Page
	for {
		resp, err := c.QueryDatabase(ctx, dbID, req)
		if err != nil {
			return nil, eris.Wrap(err, "notion: query all page")
		}
		all = append(all, resp.Results...)
		if !resp.HasMore || resp.NextCursor == "" {
			return all, nil
		}
		next := *req
		next.StartCursor = resp.NextCursor
		req = &next
	}
}

// QueryQueuedLeads returns up to limit queued rows, oldest first. limit <= 0
// means all. Rows without a lead id are skipped.
func QueryQueuedLeads(ctx context.Context, c Client, dbID string, limit int) ([]QueuedLead, error) {
	filter := &notionapi.DatabaseQueryRequest{
		Filter: notionapi.PropertyFilter{
			Property: PropStatus,
			Status:   &notionapi.StatusFilterCondition{Equals: StatusQueued},
		},
		Sorts: []notionapi.SortObject{{
			Timestamp: notionapi.TimestampCreated,
			Direction: notionapi.SortOrderASC,
		}},
	}
	pages, err := QueryAll(ctx, c, dbID, filter)
	if err != nil {
		return nil, eris.Wrap(err, "notion: query queued leads")
	}

	out := make([]QueuedLead, 0, len(pages))
	for _, p := range pages {
		id := LeadID(p)
		if id == "" {
			continue
		}
		out = append(out, QueuedLead{PageID: string(p.ID), LeadID: id})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// LeadID reads the CRM lead id from a queue page. The column may be a title
// or a rich text property.
func LeadID(p notionapi.Page) string {
	prop, ok := p.Properties[PropLeadID]
	if !ok {
		return ""
	}
	switch v := prop.(type) {
	case *notionapi.RichTextProperty:
		return plainText(v.RichText)
	case *notionapi.TitleProperty:
		return plainText(v.Title)
	case notionapi.RichTextProperty:
		return plainText(v.RichText)
	case notionapi.TitleProperty:
		return plainText(v.Title)
	}
	return ""
}

// SetStatus writes a queue row's status and a short result note.
func SetStatus(ctx context.Context, c Client, pageID, status, result string) error {
	if len(result) > maxResultLen {
		result = result[:maxResultLen]
	}
	now := notionapi.Date(time.Now())
	_, err := c.UpdatePage(ctx, pageID, &notionapi.PageUpdateRequest{
		Properties: notionapi.Properties{
			PropStatus: notionapi.StatusProperty{
				Status: notionapi.Status{Name: status},
			},
			PropResult: notionapi.RichTextProperty{
				Type:     notionapi.PropertyTypeRichText,
				RichText: []notionapi.RichText{{Text: &notionapi.Text{Content: result}}},
			},
			PropUpdated: notionapi.DateProperty{
				Date: &notionapi.DateObject{Start: &now},
			},
		},
	})
	if err != nil {
		return eris.Wrap(err, fmt.Sprintf("notion: set page %s to %s", pageID, status))
	}
	return nil
}

func plainText(rt []notionapi.RichText) string {
	var b strings.Builder
	for _, r := range rt {
		b.WriteString(r.PlainText)
	}
	return strings.TrimSpace(b.String())
}
