// Package store is the durable system-of-record: per-unit runtime
// status and booking aggregates, persisted in pocketbase collections.
// Every state transition is a conditional UPDATE on the expected prior
// status, so a stale writer can never clobber a unit or booking that
// another flow has already moved on.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/types"

	"booking-engine/internal/status"
)

type Store struct {
	app core.App
}

func New(app core.App) *Store {
	return &Store{app: app}
}

func (s *Store) unavailable(op string, err error) error {
	return fmt.Errorf("store: %s: %w: %v", op, status.ErrStoreUnavailable, err)
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(types.DefaultDateLayout)
}
