package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"booking-engine/internal/status"
	"booking-engine/internal/taskqueue"
	"booking-engine/models"
)

// ---- fakes ----

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

type fakeLocker struct {
	mu     sync.Mutex
	values map[string]string
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{values: map[string]string{}}
}

func (l *fakeLocker) AcquireAll(_ context.Context, keys []string, holder string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, k := range keys {
		if _, taken := l.values[k]; taken {
			return false, nil
		}
	}
	for _, k := range keys {
		l.values[k] = "hold:" + holder + ":1700000000"
	}
	return true, nil
}

func (l *fakeLocker) ReleaseOwned(_ context.Context, keys []string, holder string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	for _, k := range keys {
		if strings.HasPrefix(l.values[k], "hold:"+holder+":") {
			delete(l.values, k)
			n++
		}
	}
	return n, nil
}

func (l *fakeLocker) ExtendOwned(_ context.Context, keys []string, holder string, _ time.Duration) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	for _, k := range keys {
		if strings.HasPrefix(l.values[k], "hold:"+holder+":") {
			n++
		}
	}
	return n, nil
}

func (l *fakeLocker) CheckAvailability(_ context.Context, keys []string) ([]bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]bool, len(keys))
	for i, k := range keys {
		_, taken := l.values[k]
		out[i] = !taken
	}
	return out, nil
}

func (l *fakeLocker) TransferOwnership(_ context.Context, keys []string, holder, newValue string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, k := range keys {
		if !strings.HasPrefix(l.values[k], "hold:"+holder+":") {
			return false, nil
		}
	}
	for _, k := range keys {
		l.values[k] = newValue
	}
	return true, nil
}

func (l *fakeLocker) BatchStatus(_ context.Context, keys []string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = l.values[k]
	}
	return out, nil
}

func (l *fakeLocker) drop(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.values, key)
}

type fakeUnitStore struct {
	units  map[string]*models.Unit
	states map[string]*models.UnitState

	// Popped one per MarkBooked call to inject transient failures.
	markBookedErrs []error
}

func newFakeUnitStore(units ...*models.Unit) *fakeUnitStore {
	s := &fakeUnitStore{
		units:  map[string]*models.Unit{},
		states: map[string]*models.UnitState{},
	}
	for _, u := range units {
		s.units[u.ID] = u
		s.states[u.ID] = &models.UnitState{
			EventID: u.EventID,
			UnitID:  u.ID,
			Status:  models.UnitAvailable,
		}
	}
	return s
}

func (s *fakeUnitStore) FindUnits(_ context.Context, eventID string, unitIDs []string) ([]*models.Unit, error) {
	out := make([]*models.Unit, 0, len(unitIDs))
	for _, id := range unitIDs {
		u, ok := s.units[id]
		if !ok {
			return nil, fmt.Errorf("unit %s: %w", id, status.ErrUnitNotFound)
		}
		if u.EventID != eventID {
			return nil, fmt.Errorf("unit %s: %w", id, status.ErrEventMismatch)
		}
		out = append(out, u)
	}
	return out, nil
}

func (s *fakeUnitStore) MemberUnits(_ context.Context, eventID, parentID string) ([]*models.Unit, error) {
	var out []*models.Unit
	for _, u := range s.units {
		if u.EventID == eventID && u.ParentID == parentID {
			out = append(out, u)
		}
	}
	return out, nil
}

func (s *fakeUnitStore) ListUnits(_ context.Context, eventID string) ([]*models.Unit, error) {
	var out []*models.Unit
	for _, u := range s.units {
		if u.EventID == eventID {
			out = append(out, u)
		}
	}
	return out, nil
}

func (s *fakeUnitStore) UnitStates(_ context.Context, eventID string, unitIDs []string) ([]*models.UnitState, error) {
	out := make([]*models.UnitState, 0, len(unitIDs))
	for _, id := range unitIDs {
		st, ok := s.states[id]
		if !ok || st.EventID != eventID {
			return nil, fmt.Errorf("unit %s: %w", id, status.ErrUnitNotFound)
		}
		c := *st
		out = append(out, &c)
	}
	return out, nil
}

func (s *fakeUnitStore) ListUnitStates(_ context.Context, eventID string) ([]*models.UnitState, error) {
	var out []*models.UnitState
	for _, st := range s.states {
		if st.EventID == eventID {
			out = append(out, st)
		}
	}
	return out, nil
}

func (s *fakeUnitStore) MarkHeld(_ context.Context, _ string, unitIDs []string, holderID string, expiresAt time.Time) error {
	for _, id := range unitIDs {
		if st := s.states[id]; st == nil || st.Status != models.UnitAvailable {
			return fmt.Errorf("unit %s: %w", id, status.ErrUnitConflict)
		}
	}
	for _, id := range unitIDs {
		st := s.states[id]
		st.Status = models.UnitHeld
		st.HolderID = holderID
		exp := expiresAt
		st.HoldExpiresAt = &exp
		st.Version++
	}
	return nil
}

func (s *fakeUnitStore) MarkBooked(_ context.Context, _ string, unitIDs []string, holderID, bookingID string, prices map[string]decimal.Decimal) error {
	if len(s.markBookedErrs) > 0 {
		err := s.markBookedErrs[0]
		s.markBookedErrs = s.markBookedErrs[1:]
		if err != nil {
			return err
		}
	}
	for _, id := range unitIDs {
		if st := s.states[id]; st == nil || st.Status != models.UnitHeld || st.HolderID != holderID {
			return fmt.Errorf("unit %s: %w", id, status.ErrUnitConflict)
		}
	}
	for _, id := range unitIDs {
		st := s.states[id]
		st.Status = models.UnitBooked
		st.BookingID = bookingID
		st.BookedBy = holderID
		st.BookedPrice = prices[id]
		st.HolderID = ""
		st.HoldExpiresAt = nil
		st.Version++
	}
	return nil
}

func (s *fakeUnitStore) ResetAvailable(_ context.Context, _ string, unitIDs []string, holderID string) (int64, error) {
	var n int64
	for _, id := range unitIDs {
		st := s.states[id]
		if st != nil && st.Status == models.UnitHeld && st.HolderID == holderID {
			st.Status = models.UnitAvailable
			st.HolderID = ""
			st.HoldExpiresAt = nil
			st.Version++
			n++
		}
	}
	return n, nil
}

func (s *fakeUnitStore) ExtendHold(_ context.Context, _ string, unitIDs []string, holderID string, expiresAt time.Time) (int64, error) {
	var n int64
	for _, id := range unitIDs {
		st := s.states[id]
		if st != nil && st.Status == models.UnitHeld && st.HolderID == holderID {
			exp := expiresAt
			st.HoldExpiresAt = &exp
			st.Version++
			n++
		}
	}
	return n, nil
}

type fakeBookingStore struct {
	mu       sync.Mutex
	seq      int
	bookings map[string]*models.Booking
}

func newFakeBookingStore() *fakeBookingStore {
	return &fakeBookingStore{bookings: map[string]*models.Booking{}}
}

func (s *fakeBookingStore) CreateBooking(_ context.Context, b *models.Booking) (*models.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	stored := *b
	stored.ID = fmt.Sprintf("bk-%d", s.seq)
	s.bookings[stored.ID] = &stored
	out := stored
	return &out, nil
}

func (s *fakeBookingStore) GetBooking(_ context.Context, id string) (*models.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, fmt.Errorf("booking %s: %w", id, status.ErrBookingNotFound)
	}
	out := *b
	return &out, nil
}

func (s *fakeBookingStore) MarkConfirmed(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok || b.Status != models.BookingPending {
		return false, nil
	}
	b.Status = models.BookingConfirmed
	b.PaymentStatus = models.PaymentCompleted
	t := at
	b.ConfirmedAt = &t
	b.ExpiresAt = nil
	return true, nil
}

func (s *fakeBookingStore) MarkCancelled(_ context.Context, id, reason string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok || b.Status != models.BookingPending {
		return false, nil
	}
	b.Status = models.BookingCancelled
	b.CancelReason = reason
	t := at
	b.CancelledAt = &t
	b.ExpiresAt = nil
	return true, nil
}

func (s *fakeBookingStore) MarkExpired(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok || b.Status != models.BookingPending {
		return false, nil
	}
	b.Status = models.BookingExpired
	b.CancelReason = "hold expired"
	t := at
	b.CancelledAt = &t
	b.ExpiresAt = nil
	return true, nil
}

func (s *fakeBookingStore) ExtendBookingExpiry(_ context.Context, id string, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok || b.Status != models.BookingPending {
		return false, nil
	}
	t := expiresAt
	b.ExpiresAt = &t
	return true, nil
}

func (s *fakeBookingStore) SetPaymentStatus(_ context.Context, id string, ps models.PaymentStatus, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.bookings[id]; ok {
		b.PaymentStatus = ps
		if ref != "" {
			b.PaymentRef = ref
		}
	}
	return nil
}

func (s *fakeBookingStore) ListPendingBookings(context.Context) ([]*models.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Booking
	for _, b := range s.bookings {
		if b.Status == models.BookingPending {
			c := *b
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *fakeBookingStore) ListUserBookings(_ context.Context, userID string, _ int) ([]*models.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Booking
	for _, b := range s.bookings {
		if b.UserID == userID {
			c := *b
			out = append(out, &c)
		}
	}
	return out, nil
}

type submitted struct {
	taskID string
	delay  time.Duration
}

type fakeQueue struct {
	mu        sync.Mutex
	submits   []submitted
	scheduled map[string]bool

	// Popped one per Submit call to inject transient failures.
	submitErrs []error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{scheduled: map[string]bool{}}
}

func (q *fakeQueue) Submit(_ context.Context, taskID string, _ []byte, delay time.Duration) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.submitErrs) > 0 {
		err := q.submitErrs[0]
		q.submitErrs = q.submitErrs[1:]
		if err != nil {
			return false, err
		}
	}
	q.submits = append(q.submits, submitted{taskID: taskID, delay: delay})
	if q.scheduled[taskID] {
		return false, nil
	}
	q.scheduled[taskID] = true
	return true, nil
}

func (q *fakeQueue) Consume(taskqueue.Handler) {}
func (q *fakeQueue) Shutdown()                 {}

type fakePayment struct {
	ref string
	err error
}

func (p *fakePayment) Initiate(context.Context, *models.Booking) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	return p.ref, nil
}

type notification struct {
	userID string
	event  string
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []notification
}

func (n *fakeNotifier) BookingEvent(userID, event string, _ *models.Booking) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, notification{userID: userID, event: event})
}

// ---- harness ----

type env struct {
	units    *fakeUnitStore
	bookings *fakeBookingStore
	locks    *fakeLocker
	queue    *fakeQueue
	payment  *fakePayment
	notifier *fakeNotifier
	clock    *fakeClock
	svc      *BookingService
}

func seat(id, eventID, price string) *models.Unit {
	p, _ := decimal.NewFromString(price)
	return &models.Unit{ID: id, EventID: eventID, Kind: models.UnitKindSeat, Label: id, Price: p}
}

func newEnv(t *testing.T, units ...*models.Unit) *env {
	t.Helper()
	e := &env{
		units:    newFakeUnitStore(units...),
		bookings: newFakeBookingStore(),
		locks:    newFakeLocker(),
		queue:    newFakeQueue(),
		payment:  &fakePayment{ref: "pay-ref-1"},
		notifier: &fakeNotifier{},
		clock:    &fakeClock{now: time.Unix(1700000000, 0)},
	}
	e.svc = NewBookingService(e.units, e.bookings, e.locks, e.queue, e.payment, e.notifier, e.clock)
	return e
}

// ---- tests ----

func TestHoldConfirmRoundTrip(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, seat("s1", "evt-1", "50.00"), seat("s2", "evt-1", "75.50"))

	res, err := e.svc.Hold(ctx, "evt-1", "user-1", []string{"s1", "s2"})
	require.NoError(t, err)
	assert.Equal(t, "pay-ref-1", res.PaymentRef)
	assert.Equal(t, models.BookingPending, res.Booking.Status)
	assert.Equal(t, "125.5", res.Booking.TotalAmount.String())
	require.NotNil(t, res.Booking.ExpiresAt)
	assert.Equal(t, e.clock.now.Add(e.svc.HoldTTL), *res.Booking.ExpiresAt)

	// Expiry task scheduled exactly once, keyed by booking id.
	require.Len(t, e.queue.submits, 1)
	assert.Equal(t, res.Booking.ID, e.queue.submits[0].taskID)
	assert.Equal(t, e.svc.HoldTTL, e.queue.submits[0].delay)

	booking, err := e.svc.Confirm(ctx, res.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingConfirmed, booking.Status)
	assert.Equal(t, models.PaymentCompleted, booking.PaymentStatus)
	assert.Nil(t, booking.ExpiresAt)

	// Price frozen at hold time even if the catalog moves later.
	e.units.units["s1"].Price = decimal.NewFromInt(999)
	again, err := e.svc.Confirm(ctx, res.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, "125.5", again.TotalAmount.String())

	// Units booked, locks handed over to the booking marker.
	st := e.units.states["s1"]
	assert.Equal(t, models.UnitBooked, st.Status)
	assert.Equal(t, res.Booking.ID, st.BookingID)
	assert.Equal(t, "50", st.BookedPrice.String())
	assert.Equal(t, "booking:"+res.Booking.ID, e.locks.values["unitlock:evt-1:s1"])
}

func TestHoldConflictReportsIntersection(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, seat("s1", "evt-1", "10"), seat("s2", "evt-1", "10"), seat("s3", "evt-1", "10"))

	_, err := e.svc.Hold(ctx, "evt-1", "user-a", []string{"s1", "s2"})
	require.NoError(t, err)

	_, err = e.svc.Hold(ctx, "evt-1", "user-b", []string{"s2", "s3"})
	require.Error(t, err)
	assert.ErrorIs(t, err, status.ErrUnitConflict)

	var conflict *status.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, []string{"s2"}, conflict.UnitIDs)

	// The failed hold must not leave s3 locked.
	free, err := e.locks.CheckAvailability(ctx, []string{"unitlock:evt-1:s3"})
	require.NoError(t, err)
	assert.True(t, free[0])
}

func TestHoldRollsBackOnDurableConflict(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, seat("s1", "evt-1", "10"), seat("s2", "evt-1", "10"))
	e.units.states["s2"].Status = models.UnitBlocked

	_, err := e.svc.Hold(ctx, "evt-1", "user-1", []string{"s1", "s2"})
	require.Error(t, err)
	assert.ErrorIs(t, err, status.ErrUnitConflict)

	// Locks taken before the durable write must be released again.
	assert.Empty(t, e.locks.values)
	assert.Equal(t, models.UnitAvailable, e.units.states["s1"].Status)
}

func TestHoldRollsBackOnPaymentInitFailure(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, seat("s1", "evt-1", "10"))
	e.payment.err = status.ErrGatewayUnavailable

	_, err := e.svc.Hold(ctx, "evt-1", "user-1", []string{"s1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, status.ErrGatewayUnavailable)

	assert.Empty(t, e.locks.values)
	assert.Equal(t, models.UnitAvailable, e.units.states["s1"].Status)

	// The booking exists but is cancelled, not left pending.
	history, err := e.svc.BookingHistory(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.BookingCancelled, history[0].Status)
}

func TestHoldRejectsDuplicatesAndUnknownUnits(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, seat("s1", "evt-1", "10"))

	_, err := e.svc.Hold(ctx, "evt-1", "user-1", []string{"s1", "s1"})
	assert.ErrorIs(t, err, status.ErrInvalidInput)

	_, err = e.svc.Hold(ctx, "evt-1", "user-1", []string{"nope"})
	assert.ErrorIs(t, err, status.ErrUnitNotFound)

	_, err = e.svc.Hold(ctx, "evt-2", "user-1", []string{"s1"})
	assert.ErrorIs(t, err, status.ErrEventMismatch)
}

func TestExpireReleasesHoldAndBlocksLateConfirm(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, seat("s1", "evt-1", "10"))

	res, err := e.svc.Hold(ctx, "evt-1", "user-1", []string{"s1"})
	require.NoError(t, err)

	e.clock.advance(e.svc.HoldTTL + time.Second)
	require.NoError(t, e.svc.Expire(ctx, res.Booking.ID))

	booking, err := e.svc.GetBooking(ctx, res.Booking.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.BookingExpired, booking.Status)
	assert.Equal(t, models.UnitAvailable, e.units.states["s1"].Status)
	assert.Empty(t, e.locks.values)

	// Expire is idempotent.
	require.NoError(t, e.svc.Expire(ctx, res.Booking.ID))

	// A late confirm cannot resurrect the booking.
	_, err = e.svc.Confirm(ctx, res.Booking.ID)
	assert.ErrorIs(t, err, status.ErrBookingExpired)

	// And the unit is immediately holdable by someone else.
	_, err = e.svc.Hold(ctx, "evt-1", "user-2", []string{"s1"})
	require.NoError(t, err)
}

func TestExpireReschedulesExtendedHold(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, seat("s1", "evt-1", "10"))

	res, err := e.svc.Hold(ctx, "evt-1", "user-1", []string{"s1"})
	require.NoError(t, err)

	e.clock.advance(5 * time.Minute)
	extended, err := e.svc.ExtendHold(ctx, res.Booking.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, e.clock.now.Add(e.svc.HoldTTL), *extended.ExpiresAt)

	// The original task fires at the old deadline; booking must survive.
	e.clock.advance(3 * time.Minute)
	require.NoError(t, e.svc.Expire(ctx, res.Booking.ID))

	booking, err := e.svc.GetBooking(ctx, res.Booking.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.BookingPending, booking.Status)

	// A new task was scheduled for the remaining time.
	last := e.queue.submits[len(e.queue.submits)-1]
	assert.Equal(t, res.Booking.ID, last.taskID)
	assert.Equal(t, booking.ExpiresAt.Sub(e.clock.now), last.delay)
}

func TestConfirmFailsWhenLockVanished(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, seat("s1", "evt-1", "10"))

	res, err := e.svc.Hold(ctx, "evt-1", "user-1", []string{"s1"})
	require.NoError(t, err)

	// Lock store lost the key (TTL fired) while the booking still looks
	// pending and in-date in the durable store.
	e.locks.drop("unitlock:evt-1:s1")

	_, err = e.svc.Confirm(ctx, res.Booking.ID)
	assert.ErrorIs(t, err, status.ErrBookingExpired)

	booking, err := e.svc.GetBooking(ctx, res.Booking.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.BookingExpired, booking.Status)
	assert.Equal(t, models.UnitAvailable, e.units.states["s1"].Status)
}

func TestConfirmKeepsHoldTimePrices(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, seat("s1", "evt-1", "50.00"))

	res, err := e.svc.Hold(ctx, "evt-1", "user-1", []string{"s1"})
	require.NoError(t, err)
	assert.Equal(t, "50", res.Booking.UnitPrices["s1"].String())

	// Catalog price moves between hold and confirm: the user pays the
	// price shown when the hold was taken.
	e.units.units["s1"].Price = decimal.NewFromInt(999)

	booking, err := e.svc.Confirm(ctx, res.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, "50", booking.TotalAmount.String())
	assert.Equal(t, "50", e.units.states["s1"].BookedPrice.String())
}

func TestConfirmRejectsDurableDivergence(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, seat("s1", "evt-1", "10"))

	res, err := e.svc.Hold(ctx, "evt-1", "user-1", []string{"s1"})
	require.NoError(t, err)

	// The durable record says someone else holds the unit, even though
	// the lock still names user-1. Confirm must trust the store and
	// expire rather than book over a foreign hold.
	e.units.states["s1"].HolderID = "user-2"

	_, err = e.svc.Confirm(ctx, res.Booking.ID)
	assert.ErrorIs(t, err, status.ErrBookingExpired)

	booking, err := e.svc.GetBooking(ctx, res.Booking.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.BookingExpired, booking.Status)
}

func TestConfirmRetryAfterTransientStoreFailure(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, seat("s1", "evt-1", "50.00"))

	res, err := e.svc.Hold(ctx, "evt-1", "user-1", []string{"s1"})
	require.NoError(t, err)

	// First confirm transfers the locks, then the durable write fails.
	e.units.markBookedErrs = []error{status.ErrStoreUnavailable}
	_, err = e.svc.Confirm(ctx, res.Booking.ID)
	require.ErrorIs(t, err, status.ErrStoreUnavailable)

	// The locks already carry the booking marker and the booking is
	// still pending, not expired.
	assert.Equal(t, "booking:"+res.Booking.ID, e.locks.values["unitlock:evt-1:s1"])
	booking, err := e.svc.GetBooking(ctx, res.Booking.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.BookingPending, booking.Status)

	// The retry must pick up where the first attempt stopped.
	booking, err = e.svc.Confirm(ctx, res.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingConfirmed, booking.Status)
	assert.Equal(t, models.UnitBooked, e.units.states["s1"].Status)
	assert.Equal(t, "50", e.units.states["s1"].BookedPrice.String())
	assert.Equal(t, "booking:"+res.Booking.ID, e.locks.values["unitlock:evt-1:s1"])

	// And a third confirm is a plain idempotent read.
	_, err = e.svc.Confirm(ctx, res.Booking.ID)
	require.NoError(t, err)
}

func TestHoldRetriesExpiryScheduling(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, seat("s1", "evt-1", "10"))

	// Two transient queue failures, then success: the hold still ends
	// up with exactly one expiry task.
	e.queue.submitErrs = []error{status.ErrLockStoreUnavailable, status.ErrLockStoreUnavailable}

	res, err := e.svc.Hold(ctx, "evt-1", "user-1", []string{"s1"})
	require.NoError(t, err)

	require.Len(t, e.queue.submits, 1)
	assert.Equal(t, res.Booking.ID, e.queue.submits[0].taskID)

	// Even a total scheduling outage must not fail the hold; the
	// periodic restore sweep recovers the task later.
	e2 := newEnv(t, seat("s2", "evt-1", "10"))
	e2.queue.submitErrs = []error{
		status.ErrLockStoreUnavailable,
		status.ErrLockStoreUnavailable,
		status.ErrLockStoreUnavailable,
	}
	res3, err := e2.svc.Hold(ctx, "evt-1", "user-3", []string{"s2"})
	require.NoError(t, err)
	assert.Empty(t, e2.queue.submits)

	worker := NewExpiryWorker(e2.queue, e2.svc, e2.clock)
	require.NoError(t, worker.RestorePending(ctx))
	require.Len(t, e2.queue.submits, 1)
	assert.Equal(t, res3.Booking.ID, e2.queue.submits[0].taskID)
}

func TestCancelLifecycle(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, seat("s1", "evt-1", "10"))

	res, err := e.svc.Hold(ctx, "evt-1", "user-1", []string{"s1"})
	require.NoError(t, err)

	booking, err := e.svc.Cancel(ctx, res.Booking.ID, "user-1", "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, models.BookingCancelled, booking.Status)
	assert.Equal(t, "changed my mind", booking.CancelReason)
	assert.Equal(t, models.UnitAvailable, e.units.states["s1"].Status)
	assert.Empty(t, e.locks.values)

	// Cancelling again is a no-op success.
	_, err = e.svc.Cancel(ctx, res.Booking.ID, "user-1", "again")
	require.NoError(t, err)

	// Another user cannot touch the booking.
	_, err = e.svc.Cancel(ctx, res.Booking.ID, "user-2", "mine now")
	assert.ErrorIs(t, err, status.ErrBookingNotFound)
}

func TestCancelConfirmedIsConflict(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, seat("s1", "evt-1", "10"))

	res, err := e.svc.Hold(ctx, "evt-1", "user-1", []string{"s1"})
	require.NoError(t, err)
	_, err = e.svc.Confirm(ctx, res.Booking.ID)
	require.NoError(t, err)

	_, err = e.svc.Cancel(ctx, res.Booking.ID, "user-1", "too late")
	assert.ErrorIs(t, err, status.ErrAlreadyConfirmed)

	// Confirmed units stay booked.
	assert.Equal(t, models.UnitBooked, e.units.states["s1"].Status)
}

func TestExtendHoldAfterLockLapse(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, seat("s1", "evt-1", "10"))

	res, err := e.svc.Hold(ctx, "evt-1", "user-1", []string{"s1"})
	require.NoError(t, err)

	e.locks.drop("unitlock:evt-1:s1")
	_, err = e.svc.ExtendHold(ctx, res.Booking.ID, "user-1")
	assert.ErrorIs(t, err, status.ErrBookingExpired)
}

func TestListAvailabilityOverlaysLiveLocks(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, seat("s1", "evt-1", "10"), seat("s2", "evt-1", "10"))

	// s1 locked in the lock store but the durable write hasn't landed
	// yet: the read path must already show it held.
	ok, err := e.locks.AcquireAll(ctx, []string{"unitlock:evt-1:s1"}, "user-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	avail, err := e.svc.ListAvailability(ctx, "evt-1")
	require.NoError(t, err)
	byID := map[string]models.UnitStatus{}
	for _, a := range avail {
		byID[a.Unit.ID] = a.Status
	}
	assert.Equal(t, models.UnitHeld, byID["s1"])
	assert.Equal(t, models.UnitAvailable, byID["s2"])
}

func TestGroupHoldExpandsMembers(t *testing.T) {
	ctx := context.Background()
	table := &models.Unit{ID: "t1", EventID: "evt-1", Kind: models.UnitKindTable, Label: "T1", Price: decimal.NewFromInt(100)}
	m1 := &models.Unit{ID: "t1-a", EventID: "evt-1", Kind: models.UnitKindSeat, ParentID: "t1", Label: "T1-A", Price: decimal.NewFromInt(20)}
	m2 := &models.Unit{ID: "t1-b", EventID: "evt-1", Kind: models.UnitKindSeat, ParentID: "t1", Label: "T1-B", Price: decimal.NewFromInt(20)}
	e := newEnv(t, table, m1, m2)

	tables := NewTableService(e.svc)
	res, err := tables.Hold(ctx, "evt-1", "user-1", []string{"t1"})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"t1", "t1-a", "t1-b"}, res.Booking.UnitIDs)
	assert.Equal(t, "140", res.Booking.TotalAmount.String())
	for _, id := range []string{"t1", "t1-a", "t1-b"} {
		assert.Equal(t, models.UnitHeld, e.units.states[id].Status, id)
	}

	// A direct seat hold on a member must now conflict.
	seats := NewSeatService(e.svc)
	_, err = seats.Hold(ctx, "evt-1", "user-2", []string{"t1-a"})
	assert.ErrorIs(t, err, status.ErrUnitConflict)

	// And holding a seat through the table service is invalid input.
	_, err = tables.Hold(ctx, "evt-1", "user-2", []string{"t1-a"})
	assert.ErrorIs(t, err, status.ErrInvalidInput)
}

func TestExpiryWorkerRestorePending(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, seat("s1", "evt-1", "10"), seat("s2", "evt-1", "10"))

	res1, err := e.svc.Hold(ctx, "evt-1", "user-1", []string{"s1"})
	require.NoError(t, err)
	res2, err := e.svc.Hold(ctx, "evt-1", "user-2", []string{"s2"})
	require.NoError(t, err)
	_, err = e.svc.Confirm(ctx, res2.Booking.ID)
	require.NoError(t, err)

	// Simulate a restart with a fresh queue: only the pending booking
	// gets a task back.
	e.queue = newFakeQueue()
	e.svc.queue = e.queue
	worker := NewExpiryWorker(e.queue, e.svc, e.clock)
	require.NoError(t, worker.RestorePending(ctx))

	require.Len(t, e.queue.submits, 1)
	assert.Equal(t, res1.Booking.ID, e.queue.submits[0].taskID)

	// Running restore again is a dedup no-op.
	require.NoError(t, worker.RestorePending(ctx))
	assert.Len(t, e.queue.submits, 2)
	assert.False(t, e.queue.scheduled[res2.Booking.ID])
}

func TestNotificationsEmitted(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, seat("s1", "evt-1", "10"))

	res, err := e.svc.Hold(ctx, "evt-1", "user-1", []string{"s1"})
	require.NoError(t, err)
	_, err = e.svc.Confirm(ctx, res.Booking.ID)
	require.NoError(t, err)

	var events []string
	for _, n := range e.notifier.events {
		events = append(events, n.event)
	}
	assert.Equal(t, []string{"held", "confirmed"}, events)
}
