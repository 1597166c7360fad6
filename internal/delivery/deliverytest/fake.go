// Package deliverytest provides an in-memory Gateway for tests.
package deliverytest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sells-group/outreach-cli/internal/delivery"
)

// Gateway is a fake gateway that deduplicates sends by message id, the way
// the real bridge does with the Idempotency-Key header. Scripted errors are
// returned in order before any send is accepted.
type Gateway struct {
	mu        sync.Mutex
	script    []error
	calls     map[string]int
	accepted  map[string]string // message id -> gateway id
	delivered []Delivered
	statuses  map[string]*delivery.Status
	healthErr error
	now       func() time.Time
}

// Delivered is one message that actually reached a recipient.
type Delivered struct {
	MessageID        string
	GatewayMessageID string
	Recipient        string
	Text             string
}

// New returns an empty fake gateway.
func New() *Gateway {
	return &Gateway{
		calls:    make(map[string]int),
		accepted: make(map[string]string),
		statuses: make(map[string]*delivery.Status),
		now:      time.Now,
	}
}

// FailNext queues errors returned by the next Send calls, one per call.
func (g *Gateway) FailNext(errs ...error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.script = append(g.script, errs...)
}

// SetStatus sets what GetStatus reports for a gateway message id.
func (g *Gateway) SetStatus(gatewayMessageID string, st delivery.Status) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[gatewayMessageID] = &st
}

// SetHealth makes Health return err.
func (g *Gateway) SetHealth(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.healthErr = err
}

// Send implements delivery.Gateway.
func (g *Gateway) Send(ctx context.Context, messageID, recipient, text string) (*delivery.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	g.calls[messageID]++
	if len(g.script) > 0 {
		err := g.script[0]
		g.script = g.script[1:]
		if err != nil {
			return nil, err
		}
	}

	if gwID, ok := g.accepted[messageID]; ok {
		return &delivery.Receipt{GatewayMessageID: gwID, Duplicate: true, SentAt: g.now().UTC()}, nil
	}
	gwID := fmt.Sprintf("gw-%d", len(g.accepted)+1)
	g.accepted[messageID] = gwID
	g.delivered = append(g.delivered, Delivered{
		MessageID:        messageID,
		GatewayMessageID: gwID,
		Recipient:        recipient,
		Text:             text,
	})
	return &delivery.Receipt{GatewayMessageID: gwID, SentAt: g.now().UTC()}, nil
}

// GetStatus implements delivery.Gateway.
func (g *Gateway) GetStatus(_ context.Context, gatewayMessageID string) (*delivery.Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.statuses[gatewayMessageID]
	if !ok {
		return nil, delivery.ErrStatusUnknown
	}
	cp := *st
	return &cp, nil
}

// Health implements delivery.Gateway.
func (g *Gateway) Health(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.healthErr
}

// Calls returns how many times Send was called for messageID.
func (g *Gateway) Calls(messageID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[messageID]
}

// TotalCalls returns the number of Send calls across all message ids.
func (g *Gateway) TotalCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		n += c
	}
	return n
}

// Delivered returns the messages that reached a recipient, in send order.
func (g *Gateway) Delivered() []Delivered {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Delivered, len(g.delivered))
	copy(out, g.delivered)
	return out
}

var _ delivery.Gateway = (*Gateway)(nil)
