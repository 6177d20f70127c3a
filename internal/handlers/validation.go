package handlers

import (
	"fmt"
	"regexp"

	"booking-engine/internal/status"
)

const maxUnitsPerHold = 10

// pocketbase record ids are 15-char lowercase alphanumerics; we accept
// a slightly wider range for fixture ids.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

type HoldRequest struct {
	EventID string   `json:"event_id"`
	UnitIDs []string `json:"unit_ids"`
	Kind    string   `json:"kind,omitempty"`
}

type BookingActionRequest struct {
	BookingID string `json:"booking_id"`
	Reason    string `json:"reason,omitempty"`
}

func validateHoldRequest(req *HoldRequest) error {
	if !idPattern.MatchString(req.EventID) {
		return fmt.Errorf("invalid event_id: %w", status.ErrInvalidInput)
	}
	if len(req.UnitIDs) == 0 {
		return fmt.Errorf("unit_ids is required: %w", status.ErrInvalidInput)
	}
	if len(req.UnitIDs) > maxUnitsPerHold {
		return fmt.Errorf("at most %d units per hold: %w", maxUnitsPerHold, status.ErrInvalidInput)
	}
	seen := make(map[string]bool, len(req.UnitIDs))
	for _, id := range req.UnitIDs {
		if !idPattern.MatchString(id) {
			return fmt.Errorf("invalid unit id %q: %w", id, status.ErrInvalidInput)
		}
		if seen[id] {
			return fmt.Errorf("duplicate unit id %q: %w", id, status.ErrInvalidInput)
		}
		seen[id] = true
	}
	switch req.Kind {
	case "", "seat", "table", "booth":
		return nil
	default:
		return fmt.Errorf("invalid kind %q: %w", req.Kind, status.ErrInvalidInput)
	}
}

func validateBookingAction(req *BookingActionRequest) error {
	if !idPattern.MatchString(req.BookingID) {
		return fmt.Errorf("invalid booking_id: %w", status.ErrInvalidInput)
	}
	if len(req.Reason) > 500 {
		return fmt.Errorf("reason too long: %w", status.ErrInvalidInput)
	}
	return nil
}
