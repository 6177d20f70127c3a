package payment

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"booking-engine/internal/status"
)

var errGatewayDown = errors.New("gateway down")

func pinnedBreaker(maxFailures int, cooldown time.Duration) (*CircuitBreaker, *time.Time) {
	now := time.Unix(1700000000, 0)
	cb := NewCircuitBreaker("test", maxFailures, cooldown)
	cb.now = func() time.Time { return now }
	return cb, &now
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb, _ := pinnedBreaker(3, time.Minute)

	for i := 0; i < 3; i++ {
		assert.Equal(t, StateClosed, cb.State())
		err := cb.Execute(func() error { return errGatewayDown })
		assert.ErrorIs(t, err, errGatewayDown)
	}
	assert.Equal(t, StateOpen, cb.State())

	// Open breaker fails fast without invoking the request.
	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.ErrorIs(t, err, status.ErrGatewayUnavailable)
	assert.False(t, called)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb, _ := pinnedBreaker(3, time.Minute)

	require.Error(t, cb.Execute(func() error { return errGatewayDown }))
	require.Error(t, cb.Execute(func() error { return errGatewayDown }))
	require.NoError(t, cb.Execute(func() error { return nil }))

	// Two more failures are below the threshold again.
	require.Error(t, cb.Execute(func() error { return errGatewayDown }))
	require.Error(t, cb.Execute(func() error { return errGatewayDown }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenTrialCloses(t *testing.T) {
	cb, now := pinnedBreaker(1, time.Minute)

	require.Error(t, cb.Execute(func() error { return errGatewayDown }))
	require.Equal(t, StateOpen, cb.State())

	*now = now.Add(61 * time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())

	// The single trial succeeds and the breaker closes.
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenTrialFailureReopens(t *testing.T) {
	cb, now := pinnedBreaker(1, time.Minute)

	require.Error(t, cb.Execute(func() error { return errGatewayDown }))
	*now = now.Add(61 * time.Second)

	require.Error(t, cb.Execute(func() error { return errGatewayDown }))
	assert.Equal(t, StateOpen, cb.State())

	// And the fresh cooldown applies.
	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.False(t, called)
}

func TestBreakerHalfOpenAdmitsSingleTrial(t *testing.T) {
	cb, now := pinnedBreaker(1, time.Minute)

	require.Error(t, cb.Execute(func() error { return errGatewayDown }))
	*now = now.Add(61 * time.Second)

	// While the trial is in flight, a second request is rejected.
	err := cb.Execute(func() error {
		inner := cb.Execute(func() error { return nil })
		assert.ErrorIs(t, inner, ErrBreakerOpen)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}
