package trigger

import (
	"context"
	"errors"
	"sync"
	"time"

	"trigd/internal/recurrence"
)

var (
	// ErrNotFound is returned for operations on an owner ID with no
	// trigger definition.
	ErrNotFound = errors.New("trigger not found")

	// ErrActionRejected wraps the action engine's refusal to accept a
	// fire (disabled, stopped, queue full, overlap skip). The trigger is
	// still rescheduled.
	ErrActionRejected = errors.New("action not accepted")
)

// Config controls the trigger controller.
type Config struct {
	Enabled      bool
	ScanSchedule string  // cron spec or @every interval; default "@every 15s"
	Workers      int
	QueueSize    int
	FireRate     float64 // fires per second across all triggers; 0 = unlimited
	FireBurst    int
	Timezone     string // IANA TZ for the scan cron, e.g. "Asia/Jakarta"
}

// Trigger is one owner's definition. Rule == nil means one-shot: fire at
// Anchor once, then clear.
type Trigger struct {
	ID      string
	Anchor  time.Time
	Rule    *recurrence.Rule
	Enabled bool
}

// Edit is a partial update applied by Configure. Nil fields are left
// unchanged. Interval and Unit build or replace the rule; the merged rule
// is validated before any state changes.
type Edit struct {
	Anchor   *time.Time
	Interval *int
	Unit     *recurrence.Unit
	Enabled  *bool
}

// Executor accepts fires. Execute returns once the run is accepted or
// rejected; it never waits for the action body.
type Executor interface {
	Execute(ctx context.Context, ownerID string) error
}

// FireEvent is published on the bus for trigger lifecycle events.
type FireEvent struct {
	OwnerID string    `json:"owner_id"`
	At      time.Time `json:"at"`
	Next    time.Time `json:"next,omitempty"`
	Source  string    `json:"source"` // "schedule" or "manual"
}

type fireJob struct {
	ownerID   string
	executeAt time.Time
}

// Info is a read-only view of one trigger for diagnostics.
type Info struct {
	ID      string
	Anchor  time.Time
	Rule    string // e.g. "every 2 weeks"; empty for one-shot
	Enabled bool
	Next    time.Time // zero when nothing is pending
}

type Snapshot struct {
	Enabled      bool
	ScanSchedule string
	Workers      int
	QueueLen     int
	QueueCap     int
	Fired        uint64
	Triggers     []Info
}

// ownerLocks hands out one mutex per owner ID so fire, configure and clear
// for the same trigger never interleave. Locks are never reclaimed; the
// trigger population is small and operator-defined.
type ownerLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func newOwnerLocks() *ownerLocks {
	return &ownerLocks{m: map[string]*sync.Mutex{}}
}

func (l *ownerLocks) lock(id string) func() {
	l.mu.Lock()
	om := l.m[id]
	if om == nil {
		om = &sync.Mutex{}
		l.m[id] = om
	}
	l.mu.Unlock()
	om.Lock()
	return om.Unlock
}
