package trigger

import (
	"context"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"trigd/internal/eventbus"
	"trigd/internal/store"
	logx "trigd/pkg/logx"
)

// Service is the trigger controller. Definitions live in memory (rebuilt
// from config on start), pending occurrences live in the store.
type Service struct {
	mu sync.Mutex

	log logx.Logger
	bus eventbus.Bus
	cfg Config

	st   store.Store
	exec Executor

	parser cron.Parser
	c      *cron.Cron
	loc    *time.Location

	triggers map[string]*Trigger
	locks    *ownerLocks

	limiter *rate.Limiter
	queue   chan fireJob
	stopCh  chan struct{}
	// stopDone is non-nil while a Stop() is in progress; it is closed when
	// workers fully exit.
	stopDone  chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	// Lifetime counter for operator diagnostics.
	fired uint64

	// now is swappable in tests.
	now func() time.Time
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, st store.Store, exec Executor) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:  cfg,
		log:  log,
		bus:  bus,
		st:   st,
		exec: exec,
		// SecondOptional allows both 5-field and 6-field (with seconds) scan specs.
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		triggers: map[string]*Trigger{},
		locks:    newOwnerLocks(),
		limiter:  newLimiter(cfg),
		now:      time.Now,
	}
}

func newLimiter(cfg Config) *rate.Limiter {
	if cfg.FireRate <= 0 {
		return nil
	}
	burst := cfg.FireBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.FireRate), burst)
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
	defer s.mu.Unlock()

	oldSpec := s.scanSpecLocked()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	s.limiter = newLimiter(cfg)

	if s.stopCh == nil {
		return
	}
	if oldSpec != s.scanSpecLocked() || oldTZ != strings.TrimSpace(cfg.Timezone) {
		// restart cron with the new scan cadence / location
		s.restartScanLocked()
	}
	// pool resizing dynamically is out of scope; workers pick up the rest
	// of the config on their next job
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()
	s.log.Debug("start requested", logx.Bool("enabled", cur.Enabled), logx.Int("workers", cur.Workers), logx.String("scan", cur.ScanSchedule))

	// If a Stop() is in progress, wait for it to complete (prevents double worker pools).
	for {
		s.mu.Lock()
		if s.stopCh == nil {
			break
		}
		done := s.stopDone
		// already running (no stop in progress)
		if done == nil {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		select {
		case <-done:
			// loop and try again
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
	// Fresh queue per run to avoid firing stale jobs after a stop/start toggle.
	s.queue = make(chan fireJob, qs)

	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	spec := s.scanSpecLocked()
	if _, err := s.c.AddFunc(spec, s.onScanTick); err != nil {
		s.log.Error("invalid scan schedule, using default", logx.String("spec", spec), logx.Err(err))
		_, _ = s.c.AddFunc(defaultScanSpec, s.onScanTick)
	}

	// Local captures prevent races if fields are swapped/nilled during Stop().
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
					s.log.Error("panic in fire worker", logx.Int("worker", idx), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				}
			}()
			s.log.Debug("worker started", logx.Int("worker", idx))
			s.worker(runCtx, stopCh, queue, idx)
			s.log.Debug("worker stopped", logx.Int("worker", idx))
		}()
	}
	s.c.Start()
	s.log.Info("service started", logx.Int("workers", workers), logx.String("scan", spec), logx.Int("triggers", len(s.triggers)))
}

func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.log.Info("stop requested")
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
	c := s.c
	// prevent new scan enqueues quickly
	s.c = nil
	s.runCancel = nil
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}
	if c != nil {
		<-c.Stop().Done()
	}

	// finalize cleanup in background so Stop() can return on timeout safely.
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

const defaultScanSpec = "@every 15s"

// scanSpecLocked normalizes the configured scan cadence. Plain durations
// like "30s" are accepted as shorthand for "@every 30s". Call with s.mu held.
func (s *Service) scanSpecLocked() string {
	spec := strings.TrimSpace(s.cfg.ScanSchedule)
	if spec == "" {
		return defaultScanSpec
	}
	if d, err := time.ParseDuration(spec); err == nil && d > 0 {
		return "@every " + d.String()
	}
	return spec
}

func (s *Service) restartScanLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	spec := s.scanSpecLocked()
	if _, err := s.c.AddFunc(spec, s.onScanTick); err != nil {
		s.log.Error("invalid scan schedule, using default", logx.String("spec", spec), logx.Err(err))
		_, _ = s.c.AddFunc(defaultScanSpec, s.onScanTick)
	}
	s.c.Start()
	s.log.Info("service restarted", logx.String("scan", spec), logx.String("tz", loc.String()))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	spec := s.scanSpecLocked()
	workers := s.cfg.Workers
	ql, qc := 0, 0
	if s.queue != nil {
		ql = len(s.queue)
		qc = cap(s.queue)
	}
	defs := make([]*Trigger, 0, len(s.triggers))
	for _, tr := range s.triggers {
		cp := *tr
		defs = append(defs, &cp)
	}
	st := s.st
	s.mu.Unlock()

	if workers <= 0 {
		workers = 2
	}

	items := make([]Info, 0, len(defs))
	for _, tr := range defs {
		it := Info{ID: tr.ID, Anchor: tr.Anchor, Enabled: tr.Enabled}
		if tr.Rule != nil {
			it.Rule = tr.Rule.String()
		}
		if st != nil {
			if occ, ok, err := st.Read(context.Background(), tr.ID); err == nil && ok {
				it.Next = occ.ExecuteAt
			}
		}
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })

	return Snapshot{
		Enabled:      enabled,
		ScanSchedule: spec,
		Workers:      workers,
		QueueLen:     ql,
		QueueCap:     qc,
		Fired:        atomic.LoadUint64(&s.fired),
		Triggers:     items,
	}
}
