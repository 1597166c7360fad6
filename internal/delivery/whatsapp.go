package delivery

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/outreach-cli/internal/resilience"
	"github.com/sells-group/outreach-cli/pkg/whatsapp"
)

// WhatsApp adapts the bridge client to Gateway.
type WhatsApp struct {
	client whatsapp.Client
	now    func() time.Time
}

// NewWhatsApp creates a Gateway backed by the WhatsApp bridge.
func NewWhatsApp(client whatsapp.Client) *WhatsApp {
	return &WhatsApp{client: client, now: time.Now}
}

// Send delivers text to recipient with messageID as the idempotency key.
func (w *WhatsApp) Send(ctx context.Context, messageID, recipient, text string) (*Receipt, error) {
	if messageID == "" {
		return nil, resilience.NewValidationError(eris.New("delivery: message id is required"))
	}
	phone := normalizePhone(recipient)
	if phone == "" {
		return nil, resilience.NewPermanentError(eris.Errorf("delivery: invalid recipient %q", recipient), 0)
	}

	resp, err := w.client.SendMessage(ctx, whatsapp.SendRequest{
		PhoneNumber:    phone,
		Message:        norm.NFC.String(text),
		Type:           "text",
		IdempotencyKey: messageID,
	})
	if err != nil {
		return nil, classify(err)
	}
	return &Receipt{
		GatewayMessageID: resp.MessageID,
		Duplicate:        resp.Duplicate,
		SentAt:           w.now().UTC(),
	}, nil
}

// GetStatus returns the confirmation state of a sent message.
func (w *WhatsApp) GetStatus(ctx context.Context, gatewayMessageID string) (*Status, error) {
	st, err := w.client.MessageStatus(ctx, gatewayMessageID)
	if errors.Is(err, whatsapp.ErrNotFound) {
		return nil, eris.Wrapf(ErrStatusUnknown, "delivery: %s", gatewayMessageID)
	}
	if err != nil {
		return nil, classify(err)
	}

	now := w.now().UTC()
	out := &Status{
		DeliveredAt: confirmedAt(st.Delivered, st.DeliveredAt, now),
		ReadAt:      confirmedAt(st.Read, st.ReadAt, now),
		RepliedAt:   confirmedAt(st.Replied, st.RepliedAt, now),
	}
	// A read receipt implies delivery.
	if out.ReadAt != nil && out.DeliveredAt == nil {
		out.DeliveredAt = out.ReadAt
	}
	return out, nil
}

// Health fails unless the bridge reports ok.
func (w *WhatsApp) Health(ctx context.Context) error {
	h, err := w.client.Health(ctx)
	if err != nil {
		return eris.Wrap(err, "delivery: gateway health")
	}
	if !h.OK() {
		return eris.Errorf("delivery: gateway status %q", h.Status)
	}
	return nil
}

func confirmedAt(flag bool, at *time.Time, now time.Time) *time.Time {
	if at != nil {
		t := at.UTC()
		return &t
	}
	if flag {
		return &now
	}
	return nil
}

// classify maps bridge failures onto the error taxonomy. Anything that is
// not an HTTP status is treated as a network failure.
func classify(err error) error {
	var apiErr *whatsapp.APIError
	if errors.As(err, &apiErr) {
		return resilience.FromHTTPStatus(apiErr.StatusCode, err)
	}
	return resilience.NewTransientError(err, 0)
}

// normalizePhone strips formatting, keeping a leading + and digits. Numbers
// with fewer than 7 digits are rejected.
func normalizePhone(s string) string {
	var b strings.Builder
	digits := 0
	for i, r := range strings.TrimSpace(s) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
			digits++
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return ""
		}
	}
	if digits < 7 {
		return ""
	}
	return b.String()
}
