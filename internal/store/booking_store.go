package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
	"github.com/shopspring/decimal"

	"booking-engine/internal/status"
	"booking-engine/models"
)

func bookingFromRecord(r *core.Record) *models.Booking {
	total, _ := decimal.NewFromString(r.GetString("total_amount"))
	b := &models.Booking{
		ID:            r.Id,
		EventID:       r.GetString("event_id"),
		UserID:        r.GetString("user_id"),
		UnitIDs:       r.GetStringSlice("unit_ids"),
		TotalAmount:   total,
		Status:        models.BookingStatus(r.GetString("status")),
		PaymentStatus: models.PaymentStatus(r.GetString("payment_status")),
		PaymentRef:    r.GetString("payment_ref"),
		CreatedAt:     r.GetDateTime("created").Time(),
		CancelReason:  r.GetString("cancel_reason"),
	}
	if raw := r.GetString("unit_prices"); raw != "" {
		_ = json.Unmarshal([]byte(raw), &b.UnitPrices)
	}
	if v := r.GetDateTime("expires_at"); !v.IsZero() {
		t := v.Time()
		b.ExpiresAt = &t
	}
	if v := r.GetDateTime("confirmed_at"); !v.IsZero() {
		t := v.Time()
		b.ConfirmedAt = &t
	}
	if v := r.GetDateTime("cancelled_at"); !v.IsZero() {
		t := v.Time()
		b.CancelledAt = &t
	}
	return b
}

// CreateBooking persists a new pending booking and returns it with the
// generated id.
func (s *Store) CreateBooking(ctx context.Context, b *models.Booking) (*models.Booking, error) {
	collection, err := s.app.FindCollectionByNameOrId("bookings")
	if err != nil {
		return nil, s.unavailable("CreateBooking", err)
	}

	record := core.NewRecord(collection)
	record.Set("event_id", b.EventID)
	record.Set("user_id", b.UserID)
	record.Set("unit_ids", b.UnitIDs)
	if len(b.UnitPrices) > 0 {
		raw, err := json.Marshal(b.UnitPrices)
		if err != nil {
			return nil, fmt.Errorf("store: CreateBooking: unit prices: %w", err)
		}
		record.Set("unit_prices", string(raw))
	}
	record.Set("total_amount", b.TotalAmount.String())
	record.Set("status", string(b.Status))
	record.Set("payment_status", string(b.PaymentStatus))
	record.Set("payment_ref", b.PaymentRef)
	if b.ExpiresAt != nil {
		record.Set("expires_at", formatTime(*b.ExpiresAt))
	}

	if err := s.app.Save(record); err != nil {
		return nil, s.unavailable("CreateBooking", err)
	}
	return bookingFromRecord(record), nil
}

func (s *Store) GetBooking(ctx context.Context, bookingID string) (*models.Booking, error) {
	record, err := s.app.FindRecordById("bookings", bookingID)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("store: GetBooking: %s: %w", bookingID, status.ErrBookingNotFound)
		}
		return nil, s.unavailable("GetBooking", err)
	}
	return bookingFromRecord(record), nil
}

// transitionBooking applies a conditional terminal transition. Returns
// false when the booking was no longer pending (someone else won).
func (s *Store) transitionBooking(op, bookingID, setClause string, params dbx.Params) (bool, error) {
	params["id"] = bookingID
	res, err := s.app.DB().NewQuery(`
		UPDATE bookings
		SET ` + setClause + `
		WHERE id = {:id} AND status = 'pending'
	`).Bind(params).Execute()
	if err != nil {
		return false, s.unavailable(op, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkConfirmed moves a pending booking to confirmed and clears
// expires_at (set iff pending). Payment is completed at this point.
func (s *Store) MarkConfirmed(ctx context.Context, bookingID string, at time.Time) (bool, error) {
	return s.transitionBooking("MarkConfirmed", bookingID,
		`status = 'confirmed',
		 payment_status = 'completed',
		 confirmed_at = {:at},
		 expires_at = ''`,
		dbx.Params{"at": formatTime(at)})
}

func (s *Store) MarkCancelled(ctx context.Context, bookingID, reason string, at time.Time) (bool, error) {
	return s.transitionBooking("MarkCancelled", bookingID,
		`status = 'cancelled',
		 cancel_reason = {:reason},
		 cancelled_at = {:at},
		 expires_at = ''`,
		dbx.Params{"reason": reason, "at": formatTime(at)})
}

func (s *Store) MarkExpired(ctx context.Context, bookingID string, at time.Time) (bool, error) {
	return s.transitionBooking("MarkExpired", bookingID,
		`status = 'expired',
		 cancel_reason = 'hold expired',
		 cancelled_at = {:at},
		 expires_at = ''`,
		dbx.Params{"at": formatTime(at)})
}

// ExtendBookingExpiry pushes expires_at forward on a pending booking.
func (s *Store) ExtendBookingExpiry(ctx context.Context, bookingID string, expiresAt time.Time) (bool, error) {
	return s.transitionBooking("ExtendBookingExpiry", bookingID,
		`expires_at = {:expires}`,
		dbx.Params{"expires": formatTime(expiresAt)})
}

// SetPaymentStatus updates the payment sub-state without touching the
// booking status.
func (s *Store) SetPaymentStatus(ctx context.Context, bookingID string, ps models.PaymentStatus, paymentRef string) error {
	params := dbx.Params{"ps": string(ps), "id": bookingID}
	query := `UPDATE bookings SET payment_status = {:ps} WHERE id = {:id}`
	if paymentRef != "" {
		query = `UPDATE bookings SET payment_status = {:ps}, payment_ref = {:ref} WHERE id = {:id}`
		params["ref"] = paymentRef
	}
	if _, err := s.app.DB().NewQuery(query).Bind(params).Execute(); err != nil {
		return s.unavailable("SetPaymentStatus", err)
	}
	return nil
}

// ListPendingBookings returns every pending booking; used at boot to
// re-schedule expiry tasks that may have been lost in a crash.
func (s *Store) ListPendingBookings(ctx context.Context) ([]*models.Booking, error) {
	records, err := s.app.FindRecordsByFilter(
		"bookings",
		"status = 'pending'",
		"-created",
		0,
		0,
	)
	if err != nil {
		return nil, s.unavailable("ListPendingBookings", err)
	}
	bookings := make([]*models.Booking, len(records))
	for i, r := range records {
		bookings[i] = bookingFromRecord(r)
	}
	return bookings, nil
}

// ListUserBookings returns the user's booking history, newest first.
func (s *Store) ListUserBookings(ctx context.Context, userID string, limit int) ([]*models.Booking, error) {
	records, err := s.app.FindRecordsByFilter(
		"bookings",
		"user_id = {:userId}",
		"-created",
		limit,
		0,
		dbx.Params{"userId": userID},
	)
	if err != nil {
		return nil, s.unavailable("ListUserBookings", err)
	}
	bookings := make([]*models.Booking, len(records))
	for i, r := range records {
		bookings[i] = bookingFromRecord(r)
	}
	return bookings, nil
}
