package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"

	"booking-engine/internal/status"
	"booking-engine/models"
)

// BookingFinalizer is the slice of the booking flow the adapter drives
// when charge results arrive.
type BookingFinalizer interface {
	Confirm(ctx context.Context, bookingID string) (*models.Booking, error)
	Cancel(ctx context.Context, bookingID, userID, reason string) (*models.Booking, error)
}

// Adapter sits between the booking flow and the gateway. Initiation is
// serialized per booking with a short-lived lock so a double-submitted
// hold cannot create two charges.
type Adapter struct {
	gateway  Gateway
	redis    *redis.Client
	breaker  *CircuitBreaker
	bookings BookingFinalizer

	Currency        string
	MaxAttempts     int
	BaseDelay       time.Duration
	InitiateLockTTL time.Duration

	// sleep is overridable in tests.
	sleep func(ctx context.Context, d time.Duration) error

	stopChan chan struct{}
}

func NewAdapter(gateway Gateway, redisClient *redis.Client, breaker *CircuitBreaker, bookings BookingFinalizer) *Adapter {
	return &Adapter{
		gateway:  gateway,
		redis:    redisClient,
		breaker:  breaker,
		bookings: bookings,

		Currency:        "USD",
		MaxAttempts:     3,
		BaseDelay:       200 * time.Millisecond,
		InitiateLockTTL: 30 * time.Second,

		sleep:    sleepCtx,
		stopChan: make(chan struct{}),
	}
}

// SetFinalizer attaches the booking flow the adapter finalizes into.
// The adapter and the booking service reference each other, so wiring
// sets this after both exist, before Start.
func (a *Adapter) SetFinalizer(b BookingFinalizer) { a.bookings = b }

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func initLockKey(bookingID string) string {
	return fmt.Sprintf("payment:initlock:%s", bookingID)
}

// Initiate creates the charge for a booking and returns the gateway
// reference. A second concurrent initiation for the same booking gets
// ErrPaymentInProgress.
func (a *Adapter) Initiate(ctx context.Context, booking *models.Booking) (string, error) {
	key := initLockKey(booking.ID)
	ok, err := a.redis.SetNX(ctx, key, "1", a.InitiateLockTTL).Result()
	if err != nil {
		return "", fmt.Errorf("Initiate: %w: %v", status.ErrLockStoreUnavailable, err)
	}
	if !ok {
		return "", fmt.Errorf("Initiate: %s: %w", booking.ID, status.ErrPaymentInProgress)
	}

	ref, err := a.createWithRetry(ctx, &ChargeRequest{
		BookingID:   booking.ID,
		Amount:      booking.TotalAmount,
		Currency:    a.Currency,
		Description: fmt.Sprintf("booking %s", booking.ID),
		ExpiresIn:   timeUntil(booking.ExpiresAt),
	})
	if err != nil {
		// Free the lock so the user can retry once the gateway is back.
		if delErr := a.redis.Del(ctx, key).Err(); delErr != nil {
			slog.Error("payment: release initiate lock failed", "booking_id", booking.ID, "error", delErr)
		}
		return "", err
	}
	return ref, nil
}

func timeUntil(t *time.Time) time.Duration {
	if t == nil {
		return 0
	}
	return time.Until(*t)
}

// createWithRetry retries transient gateway failures with exponential
// backoff plus jitter. Definitive rejections (4xx class) and an open
// breaker are never retried.
func (a *Adapter) createWithRetry(ctx context.Context, req *ChargeRequest) (string, error) {
	var lastErr error
	for attempt := 0; attempt < a.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := a.BaseDelay << (attempt - 1)
			delay += time.Duration(rand.Int63n(int64(a.BaseDelay)))
			if err := a.sleep(ctx, delay); err != nil {
				return "", fmt.Errorf("createWithRetry: %w", err)
			}
		}

		var ref string
		err := a.breaker.Execute(func() error {
			var callErr error
			ref, callErr = a.gateway.CreateCharge(ctx, req)
			return callErr
		})
		if err == nil {
			return ref, nil
		}
		lastErr = err

		if errors.Is(err, ErrBreakerOpen) || !errors.Is(err, status.ErrGatewayUnavailable) {
			return "", fmt.Errorf("createWithRetry: %w", err)
		}
		slog.Warn("payment: create charge failed, retrying",
			"booking_id", req.BookingID, "attempt", attempt+1, "error", err)
	}
	return "", fmt.Errorf("createWithRetry: attempts exhausted: %w", lastErr)
}

// HandleResult reconciles one charge result against the gateway and
// finalizes the booking. Safe to call more than once per charge; the
// booking transitions are idempotent.
func (a *Adapter) HandleResult(ctx context.Context, bookingID, ref string) error {
	var chargeStatus *ChargeStatus
	err := a.breaker.Execute(func() error {
		var callErr error
		chargeStatus, callErr = a.gateway.VerifyCharge(ctx, ref)
		return callErr
	})
	if err != nil {
		return fmt.Errorf("HandleResult: %w", err)
	}

	switch chargeStatus.State {
	case ChargePaid:
		if _, err := a.bookings.Confirm(ctx, bookingID); err != nil {
			if status.IsConflict(err) {
				// Hold lapsed before the payment landed; a refund flow
				// picks this up, the booking stays terminal.
				slog.Warn("payment: paid charge for non-confirmable booking",
					"booking_id", bookingID, "ref", ref, "error", err)
				return nil
			}
			return fmt.Errorf("HandleResult: confirm: %w", err)
		}
		return nil
	case ChargeFailed:
		if _, err := a.bookings.Cancel(ctx, bookingID, "", "payment failed"); err != nil {
			if status.IsConflict(err) || status.IsNotFound(err) {
				return nil
			}
			return fmt.Errorf("HandleResult: cancel: %w", err)
		}
		return nil
	default:
		// Still pending at the gateway; a later notification settles it.
		return nil
	}
}

// Start consumes asynchronous charge results from the gateway until
// Shutdown.
func (a *Adapter) Start(ctx context.Context) {
	results := make(chan *ChargeStatus, 32)
	a.gateway.SetResultChannel(results)

	go func() {
		for {
			select {
			case res := <-results:
				if res == nil {
					continue
				}
				if err := a.HandleResult(ctx, res.BookingID, res.Ref); err != nil {
					slog.Error("payment: handle result failed",
						"booking_id", res.BookingID, "ref", res.Ref, "error", err)
				}
			case <-a.stopChan:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (a *Adapter) Shutdown(ctx context.Context) {
	close(a.stopChan)
	if err := a.gateway.Close(ctx); err != nil {
		slog.Error("payment: gateway close failed", "error", err)
	}
}

// BreakerState exposes the breaker for the metrics gauge.
func (a *Adapter) BreakerState() State {
	return a.breaker.State()
}
