package status

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// Conflict class. Surfaced to the caller, never retried by the engine.
	ErrUnitConflict     = errors.New("booking: unit already held or booked")
	ErrAlreadyConfirmed = errors.New("booking: booking already confirmed")
	ErrBookingExpired   = errors.New("booking: booking expired")
	ErrNotPending       = errors.New("booking: booking is not pending")

	// NotFound class.
	ErrBookingNotFound = errors.New("booking: booking not found")
	ErrUnitNotFound    = errors.New("booking: unit not found")
	ErrEventMismatch   = errors.New("booking: unit does not belong to event")

	// TransientInfra class. Retryable by the caller with backoff.
	ErrLockStoreUnavailable = errors.New("lockstore: lock store unavailable")
	ErrStoreUnavailable     = errors.New("store: durable store unavailable")

	// GatewayUnavailable class. Distinct "try later" error.
	ErrGatewayUnavailable = errors.New("payment: gateway unavailable")

	ErrPaymentInProgress = errors.New("payment: initiation already in progress")
	ErrPaymentFailed     = errors.New("payment: payment failed")
	ErrInvalidInput      = errors.New("booking: invalid input")
)

// ConflictError reports exactly which units blocked a multi-unit hold.
type ConflictError struct {
	UnitIDs []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("booking: units unavailable: %s", strings.Join(e.UnitIDs, ", "))
}

func (e *ConflictError) Unwrap() error { return ErrUnitConflict }

func IsConflict(err error) bool {
	return errors.Is(err, ErrUnitConflict) ||
		errors.Is(err, ErrAlreadyConfirmed) ||
		errors.Is(err, ErrBookingExpired) ||
		errors.Is(err, ErrNotPending)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrBookingNotFound) ||
		errors.Is(err, ErrUnitNotFound) ||
		errors.Is(err, ErrEventMismatch)
}

// IsRetryable reports whether the failure is infrastructure-level and a
// retry with backoff may succeed. Conflicts and not-found never are.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockStoreUnavailable) ||
		errors.Is(err, ErrStoreUnavailable)
}
