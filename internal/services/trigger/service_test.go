package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"trigd/internal/eventbus"
	"trigd/internal/recurrence"
	"trigd/internal/store"
	logx "trigd/pkg/logx"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (e *fakeExecutor) Execute(ctx context.Context, ownerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, ownerID)
	return e.err
}

func (e *fakeExecutor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

// blockingExecutor holds Execute until released so tests can overlap a
// fire with other calls.
type blockingExecutor struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingExecutor() *blockingExecutor {
	return &blockingExecutor{started: make(chan struct{}), release: make(chan struct{})}
}

func (e *blockingExecutor) Execute(ctx context.Context, ownerID string) error {
	e.once.Do(func() { close(e.started) })
	<-e.release
	return nil
}

// flakyStore fails writes while broken is set.
type flakyStore struct {
	store.Store
	mu     sync.Mutex
	broken bool
}

func (f *flakyStore) setBroken(b bool) {
	f.mu.Lock()
	f.broken = b
	f.mu.Unlock()
}

func (f *flakyStore) Upsert(ctx context.Context, ownerID string, executeAt time.Time) error {
	f.mu.Lock()
	broken := f.broken
	f.mu.Unlock()
	if broken {
		return fmt.Errorf("%w: disk on fire", store.ErrUnavailable)
	}
	return f.Store.Upsert(ctx, ownerID, executeAt)
}

func newTestService(t *testing.T) (*Service, *fakeClock, *fakeExecutor, store.Store) {
	t.Helper()
	st, err := store.Open(store.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	clk := &fakeClock{t: time.Date(2025, time.June, 2, 10, 0, 0, 0, time.UTC)}
	exec := &fakeExecutor{}
	s := New(Config{Enabled: true}, logx.Nop(), eventbus.New(), st, exec)
	s.now = clk.now
	return s, clk, exec, st
}

func mustPending(t *testing.T, st store.Store, id string) store.PendingOccurrence {
	t.Helper()
	occ, ok, err := st.Read(context.Background(), id)
	if err != nil {
		t.Fatalf("read %s: %v", id, err)
	}
	if !ok {
		t.Fatalf("no pending occurrence for %s", id)
	}
	return occ
}

func mustNotPending(t *testing.T, st store.Store, id string) {
	t.Helper()
	_, ok, err := st.Read(context.Background(), id)
	if err != nil {
		t.Fatalf("read %s: %v", id, err)
	}
	if ok {
		t.Fatalf("unexpected pending occurrence for %s", id)
	}
}

func weekly(interval int) Edit {
	unit := recurrence.UnitWeek
	return Edit{Interval: &interval, Unit: &unit}
}

func TestConfigureSchedulesFirstOccurrence(t *testing.T) {
	s, clk, _, st := newTestService(t)
	ctx := context.Background()

	anchor := time.Date(2025, time.June, 2, 9, 30, 0, 0, time.UTC)
	e := weekly(1)
	e.Anchor = &anchor
	if err := s.Configure(ctx, "digest", e); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	occ := mustPending(t, st, "digest")
	want := anchor.AddDate(0, 0, 7)
	if !occ.ExecuteAt.Equal(want) {
		t.Fatalf("ExecuteAt = %v, want %v", occ.ExecuteAt, want)
	}
	if !occ.ExecuteAt.After(clk.now()) {
		t.Fatal("occurrence must be in the future")
	}
}

func TestConfigureInvalidRuleLeavesStateUntouched(t *testing.T) {
	s, _, _, st := newTestService(t)
	ctx := context.Background()

	anchor := time.Date(2025, time.June, 2, 9, 30, 0, 0, time.UTC)
	e := weekly(1)
	e.Anchor = &anchor
	if err := s.Configure(ctx, "digest", e); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	before := mustPending(t, st, "digest")

	bad := 0
	if err := s.Configure(ctx, "digest", Edit{Interval: &bad}); !errors.Is(err, recurrence.ErrInvalidRule) {
		t.Fatalf("err = %v, want ErrInvalidRule", err)
	}
	badUnit := recurrence.Unit("fortnight")
	if err := s.Configure(ctx, "digest", Edit{Unit: &badUnit}); !errors.Is(err, recurrence.ErrInvalidRule) {
		t.Fatalf("err = %v, want ErrInvalidRule", err)
	}

	tr, ok := s.Get("digest")
	if !ok || tr.Rule == nil || tr.Rule.Interval != 1 || tr.Rule.Unit != recurrence.UnitWeek {
		t.Fatalf("definition changed after rejected edit: %+v", tr)
	}
	after := mustPending(t, st, "digest")
	if !after.ExecuteAt.Equal(before.ExecuteAt) {
		t.Fatalf("pending occurrence changed after rejected edit: %v -> %v", before.ExecuteAt, after.ExecuteAt)
	}
}

func TestUnrelatedEditDoesNotReset(t *testing.T) {
	s, clk, _, st := newTestService(t)
	ctx := context.Background()

	anchor := time.Date(2025, time.June, 2, 9, 30, 0, 0, time.UTC)
	e := weekly(1)
	e.Anchor = &anchor
	if err := s.Configure(ctx, "digest", e); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	before := mustPending(t, st, "digest")

	// Clock moves on; re-enabling an already enabled trigger must not
	// recompute from the new now.
	clk.set(clk.now().Add(48 * time.Hour))
	en := true
	if err := s.Configure(ctx, "digest", Edit{Enabled: &en}); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	after := mustPending(t, st, "digest")
	if !after.ExecuteAt.Equal(before.ExecuteAt) {
		t.Fatalf("unrelated edit moved the occurrence: %v -> %v", before.ExecuteAt, after.ExecuteAt)
	}
}

func TestRecurrenceEditResets(t *testing.T) {
	s, _, _, st := newTestService(t)
	ctx := context.Background()

	anchor := time.Date(2025, time.June, 2, 9, 30, 0, 0, time.UTC)
	e := weekly(1)
	e.Anchor = &anchor
	if err := s.Configure(ctx, "digest", e); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	iv := 2
	if err := s.Configure(ctx, "digest", Edit{Interval: &iv}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	occ := mustPending(t, st, "digest")
	want := anchor.AddDate(0, 0, 14)
	if !occ.ExecuteAt.Equal(want) {
		t.Fatalf("ExecuteAt = %v, want %v", occ.ExecuteAt, want)
	}

	// Idempotent: reapplying the same shape yields the same occurrence.
	if err := s.Configure(ctx, "digest", Edit{Interval: &iv}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	again := mustPending(t, st, "digest")
	if !again.ExecuteAt.Equal(want) {
		t.Fatalf("reset not idempotent: %v != %v", again.ExecuteAt, want)
	}
}

func TestDisableClearsEnableReschedules(t *testing.T) {
	s, _, _, st := newTestService(t)
	ctx := context.Background()

	anchor := time.Date(2025, time.June, 2, 9, 30, 0, 0, time.UTC)
	e := weekly(1)
	e.Anchor = &anchor
	if err := s.Configure(ctx, "digest", e); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	if err := s.Disable(ctx, "digest"); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	mustNotPending(t, st, "digest")

	if err := s.Enable(ctx, "digest"); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	occ := mustPending(t, st, "digest")
	if !occ.ExecuteAt.Equal(anchor.AddDate(0, 0, 7)) {
		t.Fatalf("ExecuteAt = %v", occ.ExecuteAt)
	}

	if err := s.Disable(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRemoveClearsEverything(t *testing.T) {
	s, _, _, st := newTestService(t)
	ctx := context.Background()

	anchor := time.Date(2025, time.June, 2, 9, 30, 0, 0, time.UTC)
	e := weekly(1)
	e.Anchor = &anchor
	if err := s.Configure(ctx, "digest", e); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := s.Remove(ctx, "digest"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	mustNotPending(t, st, "digest")
	if _, ok := s.Get("digest"); ok {
		t.Fatal("definition should be gone")
	}
	if err := s.Remove(ctx, "digest"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestFireOneAdvancesSchedule(t *testing.T) {
	s, clk, exec, st := newTestService(t)
	ctx := context.Background()

	anchor := time.Date(2025, time.June, 2, 9, 30, 0, 0, time.UTC)
	e := weekly(1)
	e.Anchor = &anchor
	if err := s.Configure(ctx, "digest", e); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	due := mustPending(t, st, "digest")

	clk.set(due.ExecuteAt.Add(time.Second))
	s.fireOne(ctx, fireJob{ownerID: "digest", executeAt: due.ExecuteAt})

	if exec.count() != 1 {
		t.Fatalf("executor calls = %d, want 1", exec.count())
	}
	next := mustPending(t, st, "digest")
	if !next.ExecuteAt.After(clk.now()) {
		t.Fatalf("next occurrence %v not after now %v", next.ExecuteAt, clk.now())
	}
	if !next.ExecuteAt.Equal(anchor.AddDate(0, 0, 14)) {
		t.Fatalf("next = %v, want anchor+14d", next.ExecuteAt)
	}

	rows, err := st.Due(ctx, next.ExecuteAt.Add(time.Hour))
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("pending rows = %d, want exactly 1", len(rows))
	}
}

func TestFireOneDuplicateJobIsHarmless(t *testing.T) {
	s, clk, exec, st := newTestService(t)
	ctx := context.Background()

	anchor := time.Date(2025, time.June, 2, 9, 30, 0, 0, time.UTC)
	e := weekly(1)
	e.Anchor = &anchor
	if err := s.Configure(ctx, "digest", e); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	due := mustPending(t, st, "digest")
	clk.set(due.ExecuteAt.Add(time.Second))

	job := fireJob{ownerID: "digest", executeAt: due.ExecuteAt}
	s.fireOne(ctx, job)
	s.fireOne(ctx, job) // second delivery of the same scan result

	if exec.count() != 1 {
		t.Fatalf("executor calls = %d, want 1", exec.count())
	}
}

func TestFireOneClearsStaleRow(t *testing.T) {
	s, clk, exec, st := newTestService(t)
	ctx := context.Background()

	// A row with no matching definition, e.g. left behind by a previous
	// process whose config no longer has the trigger.
	if err := st.Upsert(ctx, "ghost", clk.now().Add(-time.Hour)); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	s.fireOne(ctx, fireJob{ownerID: "ghost", executeAt: clk.now().Add(-time.Hour)})

	if exec.count() != 0 {
		t.Fatal("stale row must not fire")
	}
	mustNotPending(t, st, "ghost")
}

func TestOneShot(t *testing.T) {
	s, clk, exec, st := newTestService(t)
	ctx := context.Background()

	at := clk.now().Add(2 * time.Hour)
	if err := s.Configure(ctx, "reminder", Edit{Anchor: &at}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	occ := mustPending(t, st, "reminder")
	if !occ.ExecuteAt.Equal(at) {
		t.Fatalf("ExecuteAt = %v, want anchor %v", occ.ExecuteAt, at)
	}

	clk.set(at.Add(time.Second))
	s.fireOne(ctx, fireJob{ownerID: "reminder", executeAt: at})
	if exec.count() != 1 {
		t.Fatalf("executor calls = %d, want 1", exec.count())
	}
	mustNotPending(t, st, "reminder")

	// A past anchor with no rule has nothing left to do.
	past := clk.now().Add(-time.Hour)
	if err := s.Configure(ctx, "stale-reminder", Edit{Anchor: &past}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	mustNotPending(t, st, "stale-reminder")
}

func TestStoreOutageKeepsRowForRetry(t *testing.T) {
	st, err := store.Open(store.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	flaky := &flakyStore{Store: st}

	clk := &fakeClock{t: time.Date(2025, time.June, 2, 10, 0, 0, 0, time.UTC)}
	exec := &fakeExecutor{}
	s := New(Config{Enabled: true}, logx.Nop(), eventbus.New(), flaky, exec)
	s.now = clk.now
	ctx := context.Background()

	anchor := time.Date(2025, time.June, 2, 9, 30, 0, 0, time.UTC)
	e := weekly(1)
	e.Anchor = &anchor
	if err := s.Configure(ctx, "digest", e); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	due := mustPending(t, flaky, "digest")
	clk.set(due.ExecuteAt.Add(time.Second))

	flaky.setBroken(true)
	s.fireOne(ctx, fireJob{ownerID: "digest", executeAt: due.ExecuteAt})
	if exec.count() != 1 {
		t.Fatalf("executor calls = %d, want 1", exec.count())
	}
	// Reschedule write failed: the due row survives so the next scan
	// retries the fire.
	still := mustPending(t, flaky, "digest")
	if !still.ExecuteAt.Equal(due.ExecuteAt) {
		t.Fatalf("row moved during outage: %v -> %v", due.ExecuteAt, still.ExecuteAt)
	}

	flaky.setBroken(false)
	s.fireOne(ctx, fireJob{ownerID: "digest", executeAt: due.ExecuteAt})
	if exec.count() != 2 {
		t.Fatalf("executor calls = %d, want 2 (at-least-once)", exec.count())
	}
	next := mustPending(t, flaky, "digest")
	if !next.ExecuteAt.After(clk.now()) {
		t.Fatalf("next occurrence %v not after now", next.ExecuteAt)
	}
}

func TestManualFire(t *testing.T) {
	s, clk, exec, st := newTestService(t)
	ctx := context.Background()

	if err := s.Fire(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	anchor := time.Date(2025, time.June, 2, 9, 30, 0, 0, time.UTC)
	e := weekly(1)
	e.Anchor = &anchor
	if err := s.Configure(ctx, "digest", e); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	if err := s.Fire(ctx, "digest"); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if exec.count() != 1 {
		t.Fatalf("executor calls = %d, want 1", exec.count())
	}
	occ := mustPending(t, st, "digest")
	if !occ.ExecuteAt.After(clk.now()) {
		t.Fatal("manual fire must leave a future occurrence")
	}
}

func TestManualFireActionRejected(t *testing.T) {
	s, _, exec, st := newTestService(t)
	ctx := context.Background()
	exec.err = errors.New("queue full")

	anchor := time.Date(2025, time.June, 2, 9, 30, 0, 0, time.UTC)
	e := weekly(1)
	e.Anchor = &anchor
	if err := s.Configure(ctx, "digest", e); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	err := s.Fire(ctx, "digest")
	if !errors.Is(err, ErrActionRejected) {
		t.Fatalf("err = %v, want ErrActionRejected", err)
	}
	// Scheduling still advanced.
	mustPending(t, st, "digest")
}

func TestManualFireSerializesWithConfigure(t *testing.T) {
	st, err := store.Open(store.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	clk := &fakeClock{t: time.Date(2025, time.June, 2, 10, 0, 0, 0, time.UTC)}
	exec := newBlockingExecutor()
	s := New(Config{Enabled: true}, logx.Nop(), eventbus.New(), st, exec)
	s.now = clk.now
	ctx := context.Background()

	anchor := time.Date(2025, time.June, 2, 9, 30, 0, 0, time.UTC)
	e := weekly(1)
	e.Anchor = &anchor
	if err := s.Configure(ctx, "digest", e); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	fireDone := make(chan error, 1)
	go func() { fireDone <- s.Fire(ctx, "digest") }()
	select {
	case <-exec.started:
	case <-time.After(5 * time.Second):
		t.Fatal("fire never reached the executor")
	}

	// The fire holds the owner lock; this edit must wait for it rather
	// than slip a new rule and occurrence underneath the in-flight fire.
	cfgDone := make(chan error, 1)
	go func() {
		iv := 2
		cfgDone <- s.Configure(ctx, "digest", Edit{Interval: &iv})
	}()

	close(exec.release)
	if err := <-fireDone; err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if err := <-cfgDone; err != nil {
		t.Fatalf("Configure: %v", err)
	}

	// The edit ran last: the pending occurrence reflects the new rule, not
	// a reschedule computed from a stale copy of the old one.
	tr, ok := s.Get("digest")
	if !ok || tr.Rule == nil || tr.Rule.Interval != 2 {
		t.Fatalf("definition = %+v, want interval 2", tr)
	}
	occ := mustPending(t, st, "digest")
	if !occ.ExecuteAt.Equal(anchor.AddDate(0, 0, 14)) {
		t.Fatalf("ExecuteAt = %v, want %v (from the committed rule)", occ.ExecuteAt, anchor.AddDate(0, 0, 14))
	}
}

func TestNextFireTime(t *testing.T) {
	s, _, _, _ := newTestService(t)
	ctx := context.Background()

	if _, ok, err := s.NextFireTime(ctx, "digest"); err != nil || ok {
		t.Fatalf("NextFireTime on empty = %v, %v", ok, err)
	}

	anchor := time.Date(2025, time.June, 2, 9, 30, 0, 0, time.UTC)
	e := weekly(1)
	e.Anchor = &anchor
	if err := s.Configure(ctx, "digest", e); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	at, ok, err := s.NextFireTime(ctx, "digest")
	if err != nil || !ok {
		t.Fatalf("NextFireTime: %v, %v", ok, err)
	}
	if !at.Equal(anchor.AddDate(0, 0, 7)) {
		t.Fatalf("NextFireTime = %v", at)
	}
}

func TestScanLoopFiresDueTrigger(t *testing.T) {
	s, clk, exec, st := newTestService(t)
	s.Apply(Config{Enabled: true, ScanSchedule: "250ms", Workers: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	anchor := time.Date(2025, time.June, 2, 9, 30, 0, 0, time.UTC)
	e := weekly(1)
	e.Anchor = &anchor
	if err := s.Configure(ctx, "digest", e); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	due := mustPending(t, st, "digest")
	clk.set(due.ExecuteAt.Add(time.Second))

	s.Start(ctx)
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.Stop(stopCtx)
		stopCancel()
	}()

	deadline := time.Now().Add(5 * time.Second)
	for exec.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(25 * time.Millisecond)
	}
	if exec.count() != 1 {
		t.Fatalf("executor calls = %d, want 1", exec.count())
	}
	next := mustPending(t, st, "digest")
	if !next.ExecuteAt.After(clk.now()) {
		t.Fatalf("next occurrence %v not after now", next.ExecuteAt)
	}
}
