package payment

import (
	"fmt"
	"sync"
	"time"

	"booking-engine/internal/status"
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	default:
		return "open"
	}
}

// ErrBreakerOpen is returned without touching the gateway while the
// breaker is open. It unwraps to the gateway-unavailable class so
// callers surface it as "try later".
var ErrBreakerOpen = fmt.Errorf("payment: circuit breaker is open: %w", status.ErrGatewayUnavailable)

// CircuitBreaker trips after maxFailures consecutive failures and stays
// open for the cooldown. After the cooldown it admits exactly one trial
// request: success closes the breaker, failure re-opens it.
type CircuitBreaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration

	// now is overridable in tests.
	now func() time.Time

	mu               sync.Mutex
	state            State
	consecutiveFails int
	openedAt         time.Time
	trialInFlight    bool
}

func NewCircuitBreaker(name string, maxFailures int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:        name,
		maxFailures: maxFailures,
		cooldown:    cooldown,
		now:         time.Now,
		state:       StateClosed,
	}
}

// Execute runs req under the breaker. While open it fails fast with
// ErrBreakerOpen.
func (cb *CircuitBreaker) Execute(req func() error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}
	err := req()
	cb.afterRequest(err == nil)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cooldown {
			return ErrBreakerOpen
		}
		cb.state = StateHalfOpen
		cb.trialInFlight = true
		return nil
	default: // StateHalfOpen
		if cb.trialInFlight {
			return ErrBreakerOpen
		}
		cb.trialInFlight = true
		return nil
	}
}

func (cb *CircuitBreaker) afterRequest(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen {
		cb.trialInFlight = false
		if success {
			cb.state = StateClosed
			cb.consecutiveFails = 0
		} else {
			cb.state = StateOpen
			cb.openedAt = cb.now()
		}
		return
	}

	if success {
		cb.consecutiveFails = 0
		return
	}
	cb.consecutiveFails++
	if cb.consecutiveFails >= cb.maxFailures {
		cb.state = StateOpen
		cb.openedAt = cb.now()
	}
}

// State reports the current state, accounting for an elapsed cooldown.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cooldown {
		return StateHalfOpen
	}
	return cb.state
}
