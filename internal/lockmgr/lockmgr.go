package lockmgr

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"booking-engine/internal/status"
)

// Manager wraps the lock store and exposes the atomic multi-key
// operations the booking flow is built on. All operations are
// all-or-nothing: they either apply to every key or to none.
//
// Lock values encode the owner plus issue time (hold:{holder}:{unix})
// so ownership survives TTL refreshes; after confirmation the value is
// rewritten to a booking-scoped marker (booking:{bookingID}) which no
// hold-time owner prefix matches, so a late expiry task releases
// nothing.
type Manager struct {
	redis *redis.Client

	// Now is overridable in tests; issue timestamps come from here.
	Now func() time.Time
}

func New(client *redis.Client) *Manager {
	return &Manager{redis: client, Now: time.Now}
}

// UnitKey is the lock key for one unit of one event.
func UnitKey(eventID, unitID string) string {
	return fmt.Sprintf("unitlock:%s:%s", eventID, unitID)
}

// UnitKeys maps unit ids to lock keys, preserving order.
func UnitKeys(eventID string, unitIDs []string) []string {
	keys := make([]string, len(unitIDs))
	for i, id := range unitIDs {
		keys[i] = UnitKey(eventID, id)
	}
	return keys
}

// BookingValue is the post-transfer marker for a confirmed booking.
func BookingValue(bookingID string) string {
	return fmt.Sprintf("booking:%s", bookingID)
}

func holdPrefix(holder string) string {
	return fmt.Sprintf("hold:%s:", holder)
}

func holdValue(holder string, issuedAt time.Time) string {
	return holdPrefix(holder) + strconv.FormatInt(issuedAt.Unix(), 10)
}

// HolderOf extracts the holder from a raw hold value, or "" if the
// value is not a hold (missing, or a booking marker).
func HolderOf(value string) string {
	rest, ok := strings.CutPrefix(value, "hold:")
	if !ok {
		return ""
	}
	holder, _, ok := strings.Cut(rest, ":")
	if !ok {
		return ""
	}
	return holder
}

func (m *Manager) unavailable(op string, err error) error {
	return fmt.Errorf("lockmgr: %s: %w: %v", op, status.ErrLockStoreUnavailable, err)
}

// AcquireAll atomically locks every key for holder with the given TTL,
// or locks nothing. Returns false when at least one key is already
// taken; use CheckAvailability to report which.
func (m *Manager) AcquireAll(ctx context.Context, keys []string, holder string, ttl time.Duration) (bool, error) {
	if len(keys) == 0 {
		return false, fmt.Errorf("lockmgr: AcquireAll: %w: empty key set", status.ErrInvalidInput)
	}
	value := holdValue(holder, m.Now())
	res, err := m.redis.Eval(ctx, acquireAllScript, keys, value, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, m.unavailable("AcquireAll", err)
	}
	return res == 1, nil
}

// ReleaseOwned deletes only keys currently owned by holder and returns
// how many were deleted. Keys owned by others are left untouched.
func (m *Manager) ReleaseOwned(ctx context.Context, keys []string, holder string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := m.redis.Eval(ctx, releaseOwnedScript, keys, holdPrefix(holder)).Int64()
	if err != nil {
		return 0, m.unavailable("ReleaseOwned", err)
	}
	return n, nil
}

// ExtendOwned resets the TTL only on keys owned by holder and returns
// how many were extended.
func (m *Manager) ExtendOwned(ctx context.Context, keys []string, holder string, ttl time.Duration) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := m.redis.Eval(ctx, extendOwnedScript, keys, holdPrefix(holder), ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, m.unavailable("ExtendOwned", err)
	}
	return n, nil
}

// CheckAvailability reports per key whether it is currently free. It
// has no side effects and is used to explain a failed AcquireAll.
func (m *Manager) CheckAvailability(ctx context.Context, keys []string) ([]bool, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	res, err := m.redis.Eval(ctx, checkAvailabilityScript, keys).Slice()
	if err != nil {
		return nil, m.unavailable("CheckAvailability", err)
	}
	out := make([]bool, len(keys))
	for i, v := range res {
		if i >= len(out) {
			break
		}
		n, _ := v.(int64)
		out[i] = n == 1
	}
	return out, nil
}

// TransferOwnership atomically verifies every key is still owned by
// holder and rewrites all of them to newValue with newTTL. Used once
// per booking at confirm time to hand the hold over to a
// booking-scoped marker.
func (m *Manager) TransferOwnership(ctx context.Context, keys []string, holder, newValue string, newTTL time.Duration) (bool, error) {
	if len(keys) == 0 {
		return false, fmt.Errorf("lockmgr: TransferOwnership: %w: empty key set", status.ErrInvalidInput)
	}
	res, err := m.redis.Eval(ctx, transferOwnershipScript, keys, holdPrefix(holder), newValue, newTTL.Milliseconds()).Int64()
	if err != nil {
		return false, m.unavailable("TransferOwnership", err)
	}
	return res == 1, nil
}

// BatchStatus returns the raw lock value per key, "" for free keys.
// The read path overlays this on the durable snapshot: a live lock
// wins over a durable record that still says available.
func (m *Manager) BatchStatus(ctx context.Context, keys []string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	res, err := m.redis.Eval(ctx, batchStatusScript, keys).Slice()
	if err != nil {
		return nil, m.unavailable("BatchStatus", err)
	}
	out := make([]string, len(keys))
	for i, v := range res {
		if i >= len(out) {
			break
		}
		if s, ok := v.(string); ok {
			out[i] = s
		}
	}
	return out, nil
}

// CleanupOrphans sweeps the event's lock keyspace for keys without a
// TTL and deletes them. Normal operation never produces such keys.
func (m *Manager) CleanupOrphans(ctx context.Context, eventID string) (int64, error) {
	pattern := UnitKey(eventID, "*")
	var (
		cursor  uint64
		deleted int64
	)
	for {
		keys, next, err := m.redis.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return deleted, m.unavailable("CleanupOrphans", err)
		}
		if len(keys) > 0 {
			n, err := m.redis.Eval(ctx, cleanupOrphansScript, keys).Int64()
			if err != nil {
				return deleted, m.unavailable("CleanupOrphans", err)
			}
			deleted += n
		}
		if next == 0 {
			return deleted, nil
		}
		cursor = next
	}
}
