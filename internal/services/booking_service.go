// Package services implements the booking flow: hold units, confirm or
// cancel the pending booking, expire abandoned holds. The lock store is
// authoritative for who may touch a unit right now; the durable store
// is the system of record readers see.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"booking-engine/internal/lockmgr"
	"booking-engine/internal/status"
	"booking-engine/internal/taskqueue"
	"booking-engine/models"
	"booking-engine/monitoring"
)

type UnitStore interface {
	FindUnits(ctx context.Context, eventID string, unitIDs []string) ([]*models.Unit, error)
	MemberUnits(ctx context.Context, eventID, parentID string) ([]*models.Unit, error)
	ListUnits(ctx context.Context, eventID string) ([]*models.Unit, error)
	UnitStates(ctx context.Context, eventID string, unitIDs []string) ([]*models.UnitState, error)
	ListUnitStates(ctx context.Context, eventID string) ([]*models.UnitState, error)
	MarkHeld(ctx context.Context, eventID string, unitIDs []string, holderID string, expiresAt time.Time) error
	MarkBooked(ctx context.Context, eventID string, unitIDs []string, holderID, bookingID string, prices map[string]decimal.Decimal) error
	ResetAvailable(ctx context.Context, eventID string, unitIDs []string, holderID string) (int64, error)
	ExtendHold(ctx context.Context, eventID string, unitIDs []string, holderID string, expiresAt time.Time) (int64, error)
}

type BookingStore interface {
	CreateBooking(ctx context.Context, b *models.Booking) (*models.Booking, error)
	GetBooking(ctx context.Context, bookingID string) (*models.Booking, error)
	MarkConfirmed(ctx context.Context, bookingID string, at time.Time) (bool, error)
	MarkCancelled(ctx context.Context, bookingID, reason string, at time.Time) (bool, error)
	MarkExpired(ctx context.Context, bookingID string, at time.Time) (bool, error)
	ExtendBookingExpiry(ctx context.Context, bookingID string, expiresAt time.Time) (bool, error)
	SetPaymentStatus(ctx context.Context, bookingID string, ps models.PaymentStatus, paymentRef string) error
	ListPendingBookings(ctx context.Context) ([]*models.Booking, error)
	ListUserBookings(ctx context.Context, userID string, limit int) ([]*models.Booking, error)
}

type Locker interface {
	AcquireAll(ctx context.Context, keys []string, holder string, ttl time.Duration) (bool, error)
	ReleaseOwned(ctx context.Context, keys []string, holder string) (int64, error)
	ExtendOwned(ctx context.Context, keys []string, holder string, ttl time.Duration) (int64, error)
	CheckAvailability(ctx context.Context, keys []string) ([]bool, error)
	TransferOwnership(ctx context.Context, keys []string, holder, newValue string, newTTL time.Duration) (bool, error)
	BatchStatus(ctx context.Context, keys []string) ([]string, error)
}

// PaymentInitiator starts a charge for a freshly created booking and
// returns the gateway payment reference.
type PaymentInitiator interface {
	Initiate(ctx context.Context, booking *models.Booking) (string, error)
}

// HoldResult is what a successful hold hands back to the client.
type HoldResult struct {
	Booking    *models.Booking `json:"booking"`
	PaymentRef string          `json:"payment_ref"`
}

// UnitAvailability is one row of the availability read path: the
// catalog entry plus its effective live status.
type UnitAvailability struct {
	Unit   *models.Unit      `json:"unit"`
	Status models.UnitStatus `json:"status"`
}

type BookingService struct {
	units    UnitStore
	bookings BookingStore
	locks    Locker
	queue    taskqueue.Queue
	payment  PaymentInitiator
	notifier Notifier
	clock    Clock

	HoldTTL          time.Duration
	ConfirmedLockTTL time.Duration

	metrics *monitoring.Monitor
}

func NewBookingService(units UnitStore, bookings BookingStore, locks Locker, queue taskqueue.Queue, payment PaymentInitiator, notifier Notifier, clock Clock) *BookingService {
	return &BookingService{
		units:            units,
		bookings:         bookings,
		locks:            locks,
		queue:            queue,
		payment:          payment,
		notifier:         notifier,
		clock:            clock,
		HoldTTL:          7 * time.Minute,
		ConfirmedLockTTL: 24 * time.Hour,
	}
}

// SetMonitor attaches the metrics facade; nil disables reporting.
func (s *BookingService) SetMonitor(m *monitoring.Monitor) { s.metrics = m }

func (s *BookingService) track(operation, outcome string) {
	if s.metrics != nil {
		s.metrics.TrackBookingOperation(operation, outcome)
	}
}

func (s *BookingService) trackDone(booking *models.Booking, outcome string) {
	if s.metrics != nil {
		s.metrics.TrackBookingOperation(outcome, "ok")
		s.metrics.TrackHoldDuration(outcome, s.clock.Now().Sub(booking.CreatedAt))
	}
}

// Hold atomically reserves the given units for the user: lock store
// first, then the durable held transition, then the pending booking
// with its price frozen. Any failure after the locks are taken rolls
// the whole hold back.
func (s *BookingService) Hold(ctx context.Context, eventID, userID string, unitIDs []string) (*HoldResult, error) {
	if eventID == "" || userID == "" || len(unitIDs) == 0 {
		return nil, fmt.Errorf("Hold: %w: event, user and units are required", status.ErrInvalidInput)
	}
	seen := make(map[string]bool, len(unitIDs))
	for _, id := range unitIDs {
		if seen[id] {
			return nil, fmt.Errorf("Hold: %w: duplicate unit %s", status.ErrInvalidInput, id)
		}
		seen[id] = true
	}

	units, err := s.units.FindUnits(ctx, eventID, unitIDs)
	if err != nil {
		return nil, fmt.Errorf("Hold: %w", err)
	}

	now := s.clock.Now()
	expiresAt := now.Add(s.HoldTTL)
	keys := lockmgr.UnitKeys(eventID, unitIDs)

	ok, err := s.locks.AcquireAll(ctx, keys, userID, s.HoldTTL)
	if err != nil {
		return nil, fmt.Errorf("Hold: %w", err)
	}
	if s.metrics != nil {
		s.metrics.TrackLockAcquisition(eventID, ok)
	}
	if !ok {
		s.track("hold", "conflict")
		return nil, s.conflictDetail(ctx, keys, unitIDs)
	}

	rollback := func() {
		if _, err := s.locks.ReleaseOwned(ctx, keys, userID); err != nil {
			slog.Error("hold rollback: release locks failed", "event_id", eventID, "user_id", userID, "error", err)
		}
		if _, err := s.units.ResetAvailable(ctx, eventID, unitIDs, userID); err != nil {
			slog.Error("hold rollback: reset units failed", "event_id", eventID, "user_id", userID, "error", err)
		}
	}

	if err := s.units.MarkHeld(ctx, eventID, unitIDs, userID, expiresAt); err != nil {
		rollback()
		return nil, fmt.Errorf("Hold: %w", err)
	}

	// Freeze the per-unit prices now; confirm never re-reads the
	// catalog.
	total := decimal.Zero
	prices := make(map[string]decimal.Decimal, len(units))
	for _, u := range units {
		prices[u.ID] = u.Price
		total = total.Add(u.Price)
	}

	booking, err := s.bookings.CreateBooking(ctx, &models.Booking{
		EventID:       eventID,
		UserID:        userID,
		UnitIDs:       unitIDs,
		UnitPrices:    prices,
		TotalAmount:   total,
		Status:        models.BookingPending,
		PaymentStatus: models.PaymentPending,
		ExpiresAt:     &expiresAt,
	})
	if err != nil {
		rollback()
		return nil, fmt.Errorf("Hold: %w", err)
	}

	s.scheduleExpiry(ctx, booking.ID, s.HoldTTL)

	paymentRef, err := s.payment.Initiate(ctx, booking)
	if err != nil {
		// Gateway down or rejecting: give the units back instead of
		// keeping them hostage until expiry.
		slog.Error("hold: payment initiation failed", "booking_id", booking.ID, "error", err)
		if _, cancelErr := s.Cancel(ctx, booking.ID, booking.UserID, "payment initiation failed"); cancelErr != nil {
			slog.Error("hold: cancel after failed initiation failed", "booking_id", booking.ID, "error", cancelErr)
		}
		return nil, fmt.Errorf("Hold: %w", err)
	}
	if err := s.bookings.SetPaymentStatus(ctx, booking.ID, models.PaymentProcessing, paymentRef); err != nil {
		slog.Error("hold: set payment status failed", "booking_id", booking.ID, "error", err)
	}
	booking.PaymentStatus = models.PaymentProcessing
	booking.PaymentRef = paymentRef

	s.track("hold", "ok")
	s.notifier.BookingEvent(userID, "held", booking)
	return &HoldResult{Booking: booking, PaymentRef: paymentRef}, nil
}

// conflictDetail turns a failed acquire into a ConflictError naming the
// units that were taken.
func (s *BookingService) conflictDetail(ctx context.Context, keys, unitIDs []string) error {
	free, err := s.locks.CheckAvailability(ctx, keys)
	if err != nil {
		slog.Error("hold: availability check after conflict failed", "error", err)
		return &status.ConflictError{UnitIDs: unitIDs}
	}
	var taken []string
	for i, ok := range free {
		if !ok {
			taken = append(taken, unitIDs[i])
		}
	}
	return &status.ConflictError{UnitIDs: taken}
}

func (s *BookingService) scheduleExpiry(ctx context.Context, bookingID string, delay time.Duration) {
	payload, _ := json.Marshal(models.ExpiryTask{
		BookingID:   bookingID,
		ScheduledAt: s.clock.Now().Add(delay),
	})
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if _, err = s.queue.Submit(ctx, bookingID, payload, delay); err == nil {
			return
		}
	}
	// Still not fatal: the periodic restore sweep re-schedules tasks
	// for every still-pending booking.
	slog.Error("hold: schedule expiry failed", "booking_id", bookingID, "error", err)
}

// Confirm finalizes a pending booking after payment success. It is
// idempotent: confirming a confirmed booking returns it unchanged. The
// lock-ownership transfer is the authoritative liveness check; if the
// hold already lapsed in the lock store the booking converges to
// expired even when the durable record still says held.
func (s *BookingService) Confirm(ctx context.Context, bookingID string) (*models.Booking, error) {
	booking, err := s.bookings.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, fmt.Errorf("Confirm: %w", err)
	}

	switch booking.Status {
	case models.BookingConfirmed:
		return booking, nil
	case models.BookingCancelled:
		return nil, fmt.Errorf("Confirm: %s: %w", bookingID, status.ErrNotPending)
	case models.BookingExpired:
		return nil, fmt.Errorf("Confirm: %s: %w", bookingID, status.ErrBookingExpired)
	}

	now := s.clock.Now()
	if booking.ExpiresAt != nil && now.After(*booking.ExpiresAt) {
		if err := s.forceExpire(ctx, booking); err != nil {
			slog.Error("confirm: expire of lapsed booking failed", "booking_id", bookingID, "error", err)
		}
		return nil, fmt.Errorf("Confirm: %s: %w", bookingID, status.ErrBookingExpired)
	}

	// Durable re-validation: every unit must still be held by the
	// booking's user, or already booked by this booking when a prior
	// confirm attempt failed after MarkBooked.
	states, err := s.units.UnitStates(ctx, booking.EventID, booking.UnitIDs)
	if err != nil {
		return nil, fmt.Errorf("Confirm: %w", err)
	}
	alreadyBooked := true
	for _, st := range states {
		if st.Status == models.UnitBooked && st.BookingID == booking.ID {
			continue
		}
		alreadyBooked = false
		if st.Status != models.UnitHeld || st.HolderID != booking.UserID {
			if err := s.forceExpire(ctx, booking); err != nil {
				slog.Error("confirm: expire after durable divergence failed", "booking_id", bookingID, "error", err)
			}
			return nil, fmt.Errorf("Confirm: %s: unit %s no longer held: %w", bookingID, st.UnitID, status.ErrBookingExpired)
		}
	}

	keys := lockmgr.UnitKeys(booking.EventID, booking.UnitIDs)
	transferred, err := s.locks.TransferOwnership(ctx, keys, booking.UserID,
		lockmgr.BookingValue(booking.ID), s.ConfirmedLockTTL)
	if err != nil {
		return nil, fmt.Errorf("Confirm: %w", err)
	}
	if !transferred {
		// A prior attempt may already have rewritten the locks to this
		// booking's marker and then failed before the durable writes;
		// resume the confirm in that case instead of expiring a paid
		// booking.
		resumed, markerErr := s.confirmMarkerHeld(ctx, keys, booking.ID)
		if markerErr != nil {
			return nil, fmt.Errorf("Confirm: %w", markerErr)
		}
		if !resumed {
			// Lock gone or re-acquired by someone else: the hold is dead
			// regardless of what the durable record still says.
			if err := s.forceExpire(ctx, booking); err != nil {
				slog.Error("confirm: expire after failed transfer failed", "booking_id", bookingID, "error", err)
			}
			return nil, fmt.Errorf("Confirm: %s: hold lapsed: %w", bookingID, status.ErrBookingExpired)
		}
	}

	if !alreadyBooked {
		if err := s.units.MarkBooked(ctx, booking.EventID, booking.UnitIDs, booking.UserID, booking.ID, booking.UnitPrices); err != nil {
			return nil, fmt.Errorf("Confirm: %w", err)
		}
	}

	changed, err := s.bookings.MarkConfirmed(ctx, bookingID, now)
	if err != nil {
		return nil, fmt.Errorf("Confirm: %w", err)
	}
	if !changed {
		// Lost a race against another terminal transition; report what
		// actually happened.
		booking, err = s.bookings.GetBooking(ctx, bookingID)
		if err != nil {
			return nil, fmt.Errorf("Confirm: %w", err)
		}
		if booking.Status == models.BookingConfirmed {
			return booking, nil
		}
		return nil, fmt.Errorf("Confirm: %s: %w", bookingID, status.ErrNotPending)
	}

	booking, err = s.bookings.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, fmt.Errorf("Confirm: %w", err)
	}
	s.trackDone(booking, "confirm")
	s.notifier.BookingEvent(booking.UserID, "confirmed", booking)
	return booking, nil
}

// confirmMarkerHeld reports whether every lock key carries this
// booking's confirm marker.
func (s *BookingService) confirmMarkerHeld(ctx context.Context, keys []string, bookingID string) (bool, error) {
	values, err := s.locks.BatchStatus(ctx, keys)
	if err != nil {
		return false, err
	}
	marker := lockmgr.BookingValue(bookingID)
	for _, v := range values {
		if v != marker {
			return false, nil
		}
	}
	return true, nil
}

// Cancel voids a pending booking and returns its units to the pool.
// Cancelling a cancelled booking is a no-op success; a confirmed one is
// a conflict.
func (s *BookingService) Cancel(ctx context.Context, bookingID, userID, reason string) (*models.Booking, error) {
	booking, err := s.bookings.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, fmt.Errorf("Cancel: %w", err)
	}
	if userID != "" && booking.UserID != userID {
		return nil, fmt.Errorf("Cancel: %s: %w", bookingID, status.ErrBookingNotFound)
	}

	switch booking.Status {
	case models.BookingCancelled:
		return booking, nil
	case models.BookingConfirmed:
		return nil, fmt.Errorf("Cancel: %s: %w", bookingID, status.ErrAlreadyConfirmed)
	case models.BookingExpired:
		return nil, fmt.Errorf("Cancel: %s: %w", bookingID, status.ErrBookingExpired)
	}

	changed, err := s.bookings.MarkCancelled(ctx, bookingID, reason, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("Cancel: %w", err)
	}
	if !changed {
		booking, err = s.bookings.GetBooking(ctx, bookingID)
		if err != nil {
			return nil, fmt.Errorf("Cancel: %w", err)
		}
		if booking.Status == models.BookingCancelled {
			return booking, nil
		}
		if booking.Status == models.BookingConfirmed {
			return nil, fmt.Errorf("Cancel: %s: %w", bookingID, status.ErrAlreadyConfirmed)
		}
		return nil, fmt.Errorf("Cancel: %s: %w", bookingID, status.ErrNotPending)
	}

	s.releaseHold(ctx, booking)

	booking, err = s.bookings.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, fmt.Errorf("Cancel: %w", err)
	}
	s.trackDone(booking, "cancel")
	s.notifier.BookingEvent(booking.UserID, "cancelled", booking)
	return booking, nil
}

// Expire is the delayed-task handler and the confirm-after-deadline
// path. It tolerates duplicates, late delivery and tasks for bookings
// that already reached a terminal state.
func (s *BookingService) Expire(ctx context.Context, bookingID string) error {
	booking, err := s.bookings.GetBooking(ctx, bookingID)
	if err != nil {
		if status.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("Expire: %w", err)
	}
	if booking.Status != models.BookingPending {
		return nil
	}

	now := s.clock.Now()
	if booking.ExpiresAt != nil && booking.ExpiresAt.After(now) {
		// The hold was extended after this task was scheduled;
		// re-schedule for the new deadline.
		s.scheduleExpiry(ctx, bookingID, booking.ExpiresAt.Sub(now))
		return nil
	}

	return s.forceExpire(ctx, booking)
}

// forceExpire converges a pending booking to expired without looking
// at the durable deadline. The confirm path uses it when the lock
// transfer fails before expires_at has passed.
func (s *BookingService) forceExpire(ctx context.Context, booking *models.Booking) error {
	changed, err := s.bookings.MarkExpired(ctx, booking.ID, s.clock.Now())
	if err != nil {
		return fmt.Errorf("Expire: %w", err)
	}
	if !changed {
		return nil
	}

	s.releaseHold(ctx, booking)

	booking.Status = models.BookingExpired
	s.trackDone(booking, "expire")
	s.notifier.BookingEvent(booking.UserID, "expired", booking)
	slog.Info("booking expired", "booking_id", booking.ID, "event_id", booking.EventID)
	return nil
}

// releaseHold frees the lock keys still owned by the booking's user and
// resets the durable unit records. Zero releases are normal: the TTL
// may already have fired, or a confirm transferred the locks away.
func (s *BookingService) releaseHold(ctx context.Context, booking *models.Booking) {
	keys := lockmgr.UnitKeys(booking.EventID, booking.UnitIDs)
	if _, err := s.locks.ReleaseOwned(ctx, keys, booking.UserID); err != nil {
		slog.Error("release hold: locks", "booking_id", booking.ID, "error", err)
	}
	if _, err := s.units.ResetAvailable(ctx, booking.EventID, booking.UnitIDs, booking.UserID); err != nil {
		slog.Error("release hold: unit states", "booking_id", booking.ID, "error", err)
	}
}

// ExtendHold pushes the hold deadline of a pending booking forward by a
// full hold TTL from now, in both the lock store and the durable store.
func (s *BookingService) ExtendHold(ctx context.Context, bookingID, userID string) (*models.Booking, error) {
	booking, err := s.bookings.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, fmt.Errorf("ExtendHold: %w", err)
	}
	if userID != "" && booking.UserID != userID {
		return nil, fmt.Errorf("ExtendHold: %s: %w", bookingID, status.ErrBookingNotFound)
	}
	if booking.Status != models.BookingPending {
		return nil, fmt.Errorf("ExtendHold: %s: %w", bookingID, status.ErrNotPending)
	}

	keys := lockmgr.UnitKeys(booking.EventID, booking.UnitIDs)
	extended, err := s.locks.ExtendOwned(ctx, keys, booking.UserID, s.HoldTTL)
	if err != nil {
		return nil, fmt.Errorf("ExtendHold: %w", err)
	}
	if extended != int64(len(keys)) {
		// At least one lock already lapsed; the extend loses.
		return nil, fmt.Errorf("ExtendHold: %s: hold lapsed: %w", bookingID, status.ErrBookingExpired)
	}

	expiresAt := s.clock.Now().Add(s.HoldTTL)
	if _, err := s.units.ExtendHold(ctx, booking.EventID, booking.UnitIDs, booking.UserID, expiresAt); err != nil {
		return nil, fmt.Errorf("ExtendHold: %w", err)
	}
	if _, err := s.bookings.ExtendBookingExpiry(ctx, bookingID, expiresAt); err != nil {
		return nil, fmt.Errorf("ExtendHold: %w", err)
	}

	booking.ExpiresAt = &expiresAt
	return booking, nil
}

// GetBooking returns the booking, scoped to the requesting user when
// userID is non-empty.
func (s *BookingService) GetBooking(ctx context.Context, bookingID, userID string) (*models.Booking, error) {
	booking, err := s.bookings.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, fmt.Errorf("GetBooking: %w", err)
	}
	if userID != "" && booking.UserID != userID {
		return nil, fmt.Errorf("GetBooking: %s: %w", bookingID, status.ErrBookingNotFound)
	}
	return booking, nil
}

// BookingHistory returns the user's bookings, newest first.
func (s *BookingService) BookingHistory(ctx context.Context, userID string, limit int) ([]*models.Booking, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	bookings, err := s.bookings.ListUserBookings(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("BookingHistory: %w", err)
	}
	return bookings, nil
}

// ListAvailability is the event read path: the durable snapshot with
// live lock state overlaid. A live lock wins over a durable record that
// still says available; it never downgrades a booked record.
func (s *BookingService) ListAvailability(ctx context.Context, eventID string) ([]*UnitAvailability, error) {
	units, err := s.units.ListUnits(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("ListAvailability: %w", err)
	}
	states, err := s.units.ListUnitStates(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("ListAvailability: %w", err)
	}
	byUnit := make(map[string]*models.UnitState, len(states))
	for _, st := range states {
		byUnit[st.UnitID] = st
	}

	unitIDs := make([]string, len(units))
	for i, u := range units {
		unitIDs[i] = u.ID
	}
	lockValues, err := s.locks.BatchStatus(ctx, lockmgr.UnitKeys(eventID, unitIDs))
	if err != nil {
		// Degrade to the durable snapshot rather than failing the read.
		slog.Error("list availability: lock overlay failed", "event_id", eventID, "error", err)
		lockValues = make([]string, len(units))
	}

	held := 0
	out := make([]*UnitAvailability, len(units))
	for i, u := range units {
		st := models.UnitAvailable
		if s, ok := byUnit[u.ID]; ok {
			st = s.Status
		}
		if st == models.UnitAvailable && lockValues[i] != "" {
			st = models.UnitHeld
		}
		if st == models.UnitHeld {
			held++
		}
		out[i] = &UnitAvailability{Unit: u, Status: st}
	}
	if s.metrics != nil {
		s.metrics.SetHeldUnits(eventID, held)
	}
	return out, nil
}
