package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
	"github.com/shopspring/decimal"

	"booking-engine/internal/status"
	"booking-engine/models"
)

func unitFromRecord(r *core.Record) *models.Unit {
	price, _ := decimal.NewFromString(r.GetString("price"))
	return &models.Unit{
		ID:       r.Id,
		EventID:  r.GetString("event_id"),
		Kind:     models.UnitKind(r.GetString("kind")),
		ParentID: r.GetString("parent_id"),
		Label:    r.GetString("label"),
		Row:      r.GetString("row"),
		Section:  r.GetString("section"),
		Price:    price,
	}
}

func unitStateFromRecord(r *core.Record) *models.UnitState {
	st := &models.UnitState{
		ID:        r.Id,
		EventID:   r.GetString("event_id"),
		UnitID:    r.GetString("unit_id"),
		Status:    models.UnitStatus(r.GetString("status")),
		HolderID:  r.GetString("holder_id"),
		BookingID: r.GetString("booking_id"),
		BookedBy:  r.GetString("booked_by"),
		Version:   int64(r.GetInt("version")),
	}
	if v := r.GetDateTime("hold_expires_at"); !v.IsZero() {
		t := v.Time()
		st.HoldExpiresAt = &t
	}
	if v := r.GetString("booked_price"); v != "" {
		st.BookedPrice, _ = decimal.NewFromString(v)
	}
	return st
}

// FindUnits loads the catalog entries for the given unit ids and
// verifies each belongs to the event.
func (s *Store) FindUnits(ctx context.Context, eventID string, unitIDs []string) ([]*models.Unit, error) {
	records, err := s.app.FindRecordsByIds("units", unitIDs)
	if err != nil {
		return nil, s.unavailable("FindUnits", err)
	}
	found := make(map[string]*models.Unit, len(records))
	for _, r := range records {
		found[r.Id] = unitFromRecord(r)
	}

	units := make([]*models.Unit, 0, len(unitIDs))
	for _, id := range unitIDs {
		u, ok := found[id]
		if !ok {
			return nil, fmt.Errorf("store: FindUnits: unit %s: %w", id, status.ErrUnitNotFound)
		}
		if u.EventID != eventID {
			return nil, fmt.Errorf("store: FindUnits: unit %s: %w", id, status.ErrEventMismatch)
		}
		units = append(units, u)
	}
	return units, nil
}

// MemberUnits returns the units whose parent is the given table or
// booth, in stable label order.
func (s *Store) MemberUnits(ctx context.Context, eventID, parentID string) ([]*models.Unit, error) {
	records, err := s.app.FindRecordsByFilter(
		"units",
		"event_id = {:eventId} && parent_id = {:parentId}",
		"label",
		0,
		0,
		dbx.Params{"eventId": eventID, "parentId": parentID},
	)
	if err != nil {
		return nil, s.unavailable("MemberUnits", err)
	}
	units := make([]*models.Unit, len(records))
	for i, r := range records {
		units[i] = unitFromRecord(r)
	}
	return units, nil
}

// ListUnits returns the full catalog for an event.
func (s *Store) ListUnits(ctx context.Context, eventID string) ([]*models.Unit, error) {
	records, err := s.app.FindRecordsByFilter(
		"units",
		"event_id = {:eventId}",
		"section,row,label",
		0,
		0,
		dbx.Params{"eventId": eventID},
	)
	if err != nil {
		return nil, s.unavailable("ListUnits", err)
	}
	units := make([]*models.Unit, len(records))
	for i, r := range records {
		units[i] = unitFromRecord(r)
	}
	return units, nil
}

// UnitStates loads the runtime records for the given unit ids.
func (s *Store) UnitStates(ctx context.Context, eventID string, unitIDs []string) ([]*models.UnitState, error) {
	states := make([]*models.UnitState, 0, len(unitIDs))
	for _, unitID := range unitIDs {
		r, err := s.app.FindFirstRecordByFilter(
			"unit_states",
			"event_id = {:eventId} && unit_id = {:unitId}",
			dbx.Params{"eventId": eventID, "unitId": unitID},
		)
		if err != nil {
			if isNoRows(err) {
				return nil, fmt.Errorf("store: UnitStates: unit %s: %w", unitID, status.ErrUnitNotFound)
			}
			return nil, s.unavailable("UnitStates", err)
		}
		states = append(states, unitStateFromRecord(r))
	}
	return states, nil
}

// ListUnitStates returns every runtime record of the event.
func (s *Store) ListUnitStates(ctx context.Context, eventID string) ([]*models.UnitState, error) {
	records, err := s.app.FindRecordsByFilter(
		"unit_states",
		"event_id = {:eventId}",
		"unit_id",
		0,
		0,
		dbx.Params{"eventId": eventID},
	)
	if err != nil {
		return nil, s.unavailable("ListUnitStates", err)
	}
	states := make([]*models.UnitState, len(records))
	for i, r := range records {
		states[i] = unitStateFromRecord(r)
	}
	return states, nil
}

// MarkHeld transitions every unit to held, conditioned on it being
// available. Returns ErrUnitConflict if any unit had already moved;
// the caller rolls back by releasing locks and calling ResetAvailable.
func (s *Store) MarkHeld(ctx context.Context, eventID string, unitIDs []string, holderID string, expiresAt time.Time) error {
	return s.app.RunInTransaction(func(txApp core.App) error {
		for _, unitID := range unitIDs {
			res, err := txApp.DB().NewQuery(`
				UPDATE unit_states
				SET status = 'held',
				    holder_id = {:holder},
				    hold_expires_at = {:expires},
				    booking_id = '',
				    booked_by = '',
				    booked_price = '',
				    version = version + 1
				WHERE event_id = {:event} AND unit_id = {:unit} AND status = 'available'
			`).Bind(dbx.Params{
				"holder":  holderID,
				"expires": formatTime(expiresAt),
				"event":   eventID,
				"unit":    unitID,
			}).Execute()
			if err != nil {
				return s.unavailable("MarkHeld", err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				return fmt.Errorf("store: MarkHeld: unit %s: %w", unitID, status.ErrUnitConflict)
			}
		}
		return nil
	})
}

// MarkBooked transitions units from held-by-holder to booked. The
// condition on holder defends against a stale confirm racing a newer
// hold on the same unit.
func (s *Store) MarkBooked(ctx context.Context, eventID string, unitIDs []string, holderID, bookingID string, prices map[string]decimal.Decimal) error {
	return s.app.RunInTransaction(func(txApp core.App) error {
		for _, unitID := range unitIDs {
			res, err := txApp.DB().NewQuery(`
				UPDATE unit_states
				SET status = 'booked',
				    booking_id = {:booking},
				    booked_by = {:holder},
				    booked_price = {:price},
				    holder_id = '',
				    hold_expires_at = '',
				    version = version + 1
				WHERE event_id = {:event} AND unit_id = {:unit}
				  AND status = 'held' AND holder_id = {:holder}
			`).Bind(dbx.Params{
				"booking": bookingID,
				"holder":  holderID,
				"price":   prices[unitID].String(),
				"event":   eventID,
				"unit":    unitID,
			}).Execute()
			if err != nil {
				return s.unavailable("MarkBooked", err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				return fmt.Errorf("store: MarkBooked: unit %s: %w", unitID, status.ErrUnitConflict)
			}
		}
		return nil
	})
}

// ResetAvailable returns units held by holder back to the pool. Units
// that already moved on (booked, re-held by someone else) are left
// alone; the count of rows actually reset is returned.
func (s *Store) ResetAvailable(ctx context.Context, eventID string, unitIDs []string, holderID string) (int64, error) {
	var reset int64
	err := s.app.RunInTransaction(func(txApp core.App) error {
		for _, unitID := range unitIDs {
			res, err := txApp.DB().NewQuery(`
				UPDATE unit_states
				SET status = 'available',
				    holder_id = '',
				    hold_expires_at = '',
				    booking_id = '',
				    booked_by = '',
				    booked_price = '',
				    version = version + 1
				WHERE event_id = {:event} AND unit_id = {:unit}
				  AND status = 'held' AND holder_id = {:holder}
			`).Bind(dbx.Params{
				"event":  eventID,
				"unit":   unitID,
				"holder": holderID,
			}).Execute()
			if err != nil {
				return s.unavailable("ResetAvailable", err)
			}
			n, _ := res.RowsAffected()
			reset += n
		}
		return nil
	})
	return reset, err
}

// ExtendHold pushes hold_expires_at forward for units still held by
// holder. Returns the number of units extended.
func (s *Store) ExtendHold(ctx context.Context, eventID string, unitIDs []string, holderID string, expiresAt time.Time) (int64, error) {
	var extended int64
	err := s.app.RunInTransaction(func(txApp core.App) error {
		for _, unitID := range unitIDs {
			res, err := txApp.DB().NewQuery(`
				UPDATE unit_states
				SET hold_expires_at = {:expires},
				    version = version + 1
				WHERE event_id = {:event} AND unit_id = {:unit}
				  AND status = 'held' AND holder_id = {:holder}
			`).Bind(dbx.Params{
				"expires": formatTime(expiresAt),
				"event":   eventID,
				"unit":    unitID,
				"holder":  holderID,
			}).Execute()
			if err != nil {
				return s.unavailable("ExtendHold", err)
			}
			n, _ := res.RowsAffected()
			extended += n
		}
		return nil
	})
	return extended, err
}
