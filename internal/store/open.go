package store

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "trigd/pkg/logx"
)

// Store is the pending-occurrence persistence API.
//
// Implementations must keep Upsert/Clear per owner atomic: the trigger
// controller relies on "replace whatever was there" semantics and never
// issues read-modify-write sequences of its own.
type Store interface {
	// Upsert replaces the owner's pending occurrence with one at executeAt.
	// Calling it twice with the same executeAt leaves identical state.
	Upsert(ctx context.Context, ownerID string, executeAt time.Time) error
	// Clear removes the owner's pending occurrence; no-op if none exists.
	Clear(ctx context.Context, ownerID string) error
	// Read returns the owner's pending occurrence, if any.
	Read(ctx context.Context, ownerID string) (PendingOccurrence, bool, error)
	// Due returns occurrences with ExecuteAt <= asOf, ordered by ExecuteAt
	// then OwnerID for deterministic scan order.
	Due(ctx context.Context, asOf time.Time) ([]PendingOccurrence, error)
	Close() error
}

// Open initializes the configured store. An empty or "none" driver falls
// back to memory: the controller always needs somewhere to keep pending
// rows, even if it does not survive restarts.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "none", "memory":
		return newMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown store driver: " + driver)
	}
}
