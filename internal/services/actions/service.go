package actions

import (
	"context"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"trigd/internal/eventbus"
	logx "trigd/pkg/logx"
)

type queuedRun struct {
	runID   string
	ownerID string
	handler Handler
	opt     RunOptions
	state   *runState
	track   bool // release state when done
	timeout time.Duration
}

// Service executes action runs from a queue using a worker pool.
//
// It is panic-safe (worker goroutines recover), and cooperates with
// shutdown via Start/Stop.
type Service struct {
	mu sync.Mutex

	log logx.Logger
	bus eventbus.Bus
	cfg Config

	queue     chan queuedRun
	stopCh    chan struct{}
	stopDone  chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	handlerMu sync.RWMutex
	handlers  map[string]Handler
	fallback  Handler

	stateMu sync.Mutex
	states  map[string]*runState

	hmu     sync.Mutex
	history []HistoryItem

	// Lifetime counter for operator diagnostics.
	dropped uint64
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		handlers: map[string]Handler{},
		states:   map[string]*runState{},
	}
	s.fallback = func(ctx context.Context, ownerID string) error {
		s.log.Info("trigger fired (no handler registered)", logx.String("owner", ownerID))
		return nil
	}
	return s
}

// Enabled reports the current config flag. (Thread-safe; Apply() may run concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	// Note: live pool resizing is out of scope; workers pick up the new
	// retry/timeout defaults on their next run.
}

// RegisterHandler installs the action body for an owner. Passing nil removes
// the registration, falling back to the default handler.
func (s *Service) RegisterHandler(ownerID string, h Handler) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return
	}
	s.handlerMu.Lock()
	if h == nil {
		delete(s.handlers, ownerID)
	} else {
		s.handlers[ownerID] = h
	}
	s.handlerMu.Unlock()
}

// SetFallbackHandler replaces the default handler used for owners without a
// registration.
func (s *Service) SetFallbackHandler(h Handler) {
	if h == nil {
		return
	}
	s.handlerMu.Lock()
	s.fallback = h
	s.handlerMu.Unlock()
}

func (s *Service) handlerFor(ownerID string) Handler {
	s.handlerMu.RLock()
	defer s.handlerMu.RUnlock()
	if h, ok := s.handlers[ownerID]; ok {
		return h
	}
	return s.fallback
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()
	s.log.Debug("start requested", logx.Bool("enabled", cur.Enabled), logx.Int("workers", cur.Workers), logx.Int("queue_size", cur.QueueSize))

	// If a Stop() is in progress, wait for it to complete (prevents double worker pools).
	for {
		s.mu.Lock()
		if s.stopCh == nil {
			break
		}
		done := s.stopDone
		if done == nil {
			// already running
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		select {
		case <-done:
			// loop
		case <-ctx.Done():
			return
		}
	}
	defer s.mu.Unlock()

	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)

	workers := s.cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	qs := s.cfg.QueueSize
	if qs <= 0 {
		qs = 256
	}
	// Fresh queue per run to avoid executing stale items after a stop/start toggle.
	s.queue = make(chan queuedRun, qs)

	runCtx := s.runCtx
	stopCh := s.stopCh
	queue := s.queue

	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in action worker", logx.Int("worker", idx), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				}
			}()
			s.log.Debug("worker started", logx.Int("worker", idx))
			s.worker(runCtx, stopCh, queue, idx)
			s.log.Debug("worker stopped", logx.Int("worker", idx))
		}()
	}

	s.log.Info("service started", logx.Int("workers", workers), logx.Int("queue_size", qs))
}

func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}

	done := make(chan struct{})
	s.stopDone = done
	stopCh := s.stopCh
	cancel := s.runCancel
	s.runCancel = nil
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}

	go func() {
		s.workerWG.Wait()
		s.mu.Lock()
		s.stopCh = nil
		s.runCtx = nil
		s.queue = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
		s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
		// stop continues in background
		return
	}
}

func (s *Service) stateFor(key string) *runState {
	key = strings.TrimSpace(key)
	if key == "" {
		return &runState{}
	}
	s.stateMu.Lock()
	st := s.states[key]
	if st == nil {
		st = &runState{}
		s.states[key] = st
	}
	s.stateMu.Unlock()
	return st
}

// Execute submits an action run for the owner. This is the controller's
// fire path: it is non-blocking, and a non-nil error means the run was not
// accepted (disabled, stopped, queue full or overlap-skipped), never that
// the action itself failed.
func (s *Service) Execute(ctx context.Context, ownerID string) error {
	s.mu.Lock()
	cfg := s.cfg
	q := s.queue
	bus := s.bus
	log := s.log
	s.mu.Unlock()

	if !cfg.Enabled {
		return ErrDisabled
	}
	if q == nil {
		return ErrStopped
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil
	}

	opt := RunOptions{}.withDefaults(cfg)
	st := s.stateFor(ownerID)

	runID := uuid.NewString()

	track := false
	if opt.Overlap == OverlapSkipIfRunning {
		if !st.tryAcquire() {
			now := time.Now()
			log.Debug("action skipped (overlap)", logx.String("owner", ownerID))
			if bus != nil {
				bus.Publish(eventbus.Event{Type: eventbus.ActionSkipped, Time: now, Data: RunEvent{RunID: runID, OwnerID: ownerID, Started: now, Error: "overlap_skip"}})
			}
			return ErrOverlapSkip
		}
		track = true
	}

	qr := queuedRun{
		runID:   runID,
		ownerID: ownerID,
		handler: s.handlerFor(ownerID),
		opt:     opt,
		state:   st,
		track:   track,
		timeout: cfg.DefaultTimeout,
	}
	select {
	case q <- qr:
		return nil
	default:
		if track {
			st.release()
		}
		atomic.AddUint64(&s.dropped, 1)
		now := time.Now()
		log.Warn("action queue full; dropping run", logx.String("owner", ownerID), logx.Int("queue_len", len(q)), logx.Int("queue_cap", cap(q)))
		if bus != nil {
			bus.Publish(eventbus.Event{Type: eventbus.ActionDropped, Time: now, Data: RunEvent{RunID: runID, OwnerID: ownerID, Started: now, Error: "queue_full"}})
		}
		return ErrQueueFull
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	workers := s.cfg.Workers
	ql := 0
	qc := 0
	defTimeout := s.cfg.DefaultTimeout
	retryMax := s.cfg.RetryMax
	if s.queue != nil {
		ql = len(s.queue)
		qc = cap(s.queue)
	}
	s.mu.Unlock()

	dropped := atomic.LoadUint64(&s.dropped)

	if workers <= 0 {
		workers = 2
	}

	s.hmu.Lock()
	hist := make([]HistoryItem, len(s.history))
	copy(hist, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Enabled:        enabled,
		Workers:        workers,
		QueueLen:       ql,
		QueueCap:       qc,
		Dropped:        dropped,
		DefaultTimeout: defTimeout,
		RetryMax:       retryMax,
		History:        hist,
	}
}
