package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// UnitKind classifies a bookable unit. Tables and booths are parent
// units whose member seats carry a ParentID pointing back at them.
type UnitKind string

const (
	UnitKindSeat  UnitKind = "seat"
	UnitKindTable UnitKind = "table"
	UnitKindBooth UnitKind = "booth"
)

// UnitStatus is the runtime status of a unit for one event.
type UnitStatus string

const (
	UnitAvailable UnitStatus = "available"
	UnitHeld      UnitStatus = "held"
	UnitBooked    UnitStatus = "booked"
	UnitBlocked   UnitStatus = "blocked"
)

// Unit is a catalog entry: identity, category and price for one
// bookable unit. Immutable while bookings are in flight.
type Unit struct {
	ID       string          `json:"id"`
	EventID  string          `json:"event_id"`
	Kind     UnitKind        `json:"kind"`
	ParentID string          `json:"parent_id,omitempty"`
	Label    string          `json:"label"`
	Row      string          `json:"row,omitempty"`
	Section  string          `json:"section,omitempty"`
	Price    decimal.Decimal `json:"price"`
}

// UnitState is the durable runtime record for one (event, unit) pair.
// It materializes what the lock store already decided; transitions are
// conditioned on the expected prior status so stale writers lose.
type UnitState struct {
	ID            string          `json:"id"`
	EventID       string          `json:"event_id"`
	UnitID        string          `json:"unit_id"`
	Status        UnitStatus      `json:"status"`
	HolderID      string          `json:"holder_id,omitempty"`
	HoldExpiresAt *time.Time      `json:"hold_expires_at,omitempty"`
	BookingID     string          `json:"booking_id,omitempty"`
	BookedBy      string          `json:"booked_by,omitempty"`
	BookedPrice   decimal.Decimal `json:"booked_price"`
	Version       int64           `json:"version"`
}
