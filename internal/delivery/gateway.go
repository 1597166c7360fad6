// Package delivery sends outreach messages through the messaging gateway and
// queries their delivery status.
package delivery

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
)

// ErrStatusUnknown is returned by GetStatus when the gateway has no record
// of the message.
var ErrStatusUnknown = eris.New("delivery: status unknown")

// Gateway is the messaging gateway contract. Send must be safe to call more
// than once with the same message id; the gateway deduplicates on it.
type Gateway interface {
	Send(ctx context.Context, messageID, recipient, text string) (*Receipt, error)
	GetStatus(ctx context.Context, gatewayMessageID string) (*Status, error)
	Health(ctx context.Context) error
}

// Receipt acknowledges an accepted send.
type Receipt struct {
	GatewayMessageID string
	// Duplicate is set when the gateway recognized the message id and did
	// not send again.
	Duplicate bool
	SentAt    time.Time
}

// Status is the confirmation state of one sent message. Nil timestamps are
// not yet confirmed.
type Status struct {
	DeliveredAt *time.Time
	ReadAt      *time.Time
	RepliedAt   *time.Time
}
