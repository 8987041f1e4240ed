package store

import (
	"errors"
	"time"
)

// ErrUnavailable marks persistence-layer failures. Callers treat these as
// transient: the occurrence stays due and the next scan retries it.
var ErrUnavailable = errors.New("pending store unavailable")

// Config configures the pending store.
//
// Driver values:
//   - "memory": in-process map, lost on restart (default)
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// PendingOccurrence is the persisted record of an owner's next fire.
type PendingOccurrence struct {
	OwnerID   string
	ExecuteAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}
