// Package payment shields the booking flow from the payment gateway:
// per-booking initiation locking, bounded retries with backoff, and a
// circuit breaker so a dead gateway fails fast instead of queueing up.
package payment

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ChargeRequest describes one charge for a booking. The amount is the
// booking total frozen at hold time.
type ChargeRequest struct {
	BookingID   string          `json:"booking_id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Description string          `json:"description,omitempty"`
	ExpiresIn   time.Duration   `json:"-"`
}

type ChargeState string

const (
	ChargePending ChargeState = "pending"
	ChargePaid    ChargeState = "paid"
	ChargeFailed  ChargeState = "failed"
)

// ChargeStatus is the gateway's view of one charge. It arrives either
// from an explicit VerifyCharge call or pushed over the gateway's
// result channel.
type ChargeStatus struct {
	Ref       string          `json:"ref"`
	BookingID string          `json:"booking_id"`
	State     ChargeState     `json:"state"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	PaidAt    time.Time       `json:"paid_at,omitempty"`
}

// Gateway is the contract a concrete payment provider implements.
type Gateway interface {
	// CreateCharge starts a charge and returns the gateway reference.
	CreateCharge(ctx context.Context, req *ChargeRequest) (string, error)

	// VerifyCharge fetches the authoritative state of a charge.
	VerifyCharge(ctx context.Context, ref string) (*ChargeStatus, error)

	// SetResultChannel sets the channel asynchronous charge results are
	// delivered on.
	SetResultChannel(ch chan *ChargeStatus)

	// Close gracefully closes any gateway connections.
	Close(ctx context.Context) error
}
