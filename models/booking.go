package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BookingStatus is the aggregate state. Confirmed, cancelled and
// expired are terminal.
type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingConfirmed BookingStatus = "confirmed"
	BookingCancelled BookingStatus = "cancelled"
	BookingExpired   BookingStatus = "expired"
)

// PaymentStatus is the payment sub-state of a booking.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentCompleted  PaymentStatus = "completed"
	PaymentFailed     PaymentStatus = "failed"
	PaymentRefunded   PaymentStatus = "refunded"
)

// Booking aggregates one or more units held by one user for one event.
// UnitPrices and TotalAmount are frozen at hold time and never re-read
// from the catalog. ExpiresAt is set iff Status is pending.
type Booking struct {
	ID            string                     `json:"id"`
	EventID       string                     `json:"event_id"`
	UserID        string                     `json:"user_id"`
	UnitIDs       []string                   `json:"unit_ids"`
	UnitPrices    map[string]decimal.Decimal `json:"unit_prices,omitempty"`
	TotalAmount   decimal.Decimal            `json:"total_amount"`
	Status        BookingStatus              `json:"status"`
	PaymentStatus PaymentStatus              `json:"payment_status"`
	PaymentRef    string                     `json:"payment_ref,omitempty"`
	CreatedAt     time.Time                  `json:"created_at"`
	ExpiresAt     *time.Time                 `json:"expires_at,omitempty"`
	ConfirmedAt   *time.Time                 `json:"confirmed_at,omitempty"`
	CancelledAt   *time.Time                 `json:"cancelled_at,omitempty"`
	CancelReason  string                     `json:"cancel_reason,omitempty"`
}

// Terminal reports whether the booking can never transition again.
func (b *Booking) Terminal() bool {
	switch b.Status {
	case BookingConfirmed, BookingCancelled, BookingExpired:
		return true
	}
	return false
}

// ExpiryTask is the payload of the delayed expiry task scheduled at
// hold time. Delivery is at-least-once; the handler must tolerate
// duplicates and late delivery.
type ExpiryTask struct {
	BookingID   string    `json:"booking_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
}
