package actions

import (
	"context"
	"sync"
	"time"
)

// Config controls the action execution engine.
type Config struct {
	Enabled        bool
	Workers        int
	QueueSize      int
	DefaultTimeout time.Duration
	HistorySize    int
	RetryMax       int
}

type OverlapPolicy int

// OverlapSkipIfRunning is the zero value: a fire for an owner whose action
// is still in flight (or queued) is skipped, not stacked.
const (
	OverlapSkipIfRunning OverlapPolicy = iota
	OverlapAllow
)

type RunOptions struct {
	Overlap       OverlapPolicy
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%
}

func (o RunOptions) withDefaults(cfg Config) RunOptions {
	if o.RetryMax <= 0 {
		o.RetryMax = cfg.RetryMax
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Second
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	if o.Overlap != OverlapSkipIfRunning && o.Overlap != OverlapAllow {
		o.Overlap = OverlapSkipIfRunning
	}
	return o
}

// runState tracks whether an owner's action is already in-flight.
// "SkipIfRunning" means "skip if running OR already queued", which prevents
// queue blow-ups when a trigger fires faster than its action executes.
type runState struct {
	mu       sync.Mutex
	inflight int
}

func (s *runState) tryAcquire() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *runState) release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

// Handler is the action body invoked when a trigger fires.
type Handler func(ctx context.Context, ownerID string) error

// HistoryItem records one completed action run.
type HistoryItem struct {
	RunID    string
	OwnerID  string
	Started  time.Time
	Duration time.Duration
	Attempts int
	Error    string
}

// RunEvent is emitted on the event bus for action lifecycle events.
type RunEvent struct {
	RunID    string        `json:"run_id"`
	OwnerID  string        `json:"owner_id"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Attempts int           `json:"attempts"`
	Error    string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Enabled  bool
	Workers  int
	QueueLen int
	QueueCap int
	Dropped  uint64

	DefaultTimeout time.Duration
	RetryMax       int
	History        []HistoryItem
}
