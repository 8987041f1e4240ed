package actions

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"trigd/internal/eventbus"
	logx "trigd/pkg/logx"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func newTestService(t *testing.T, cfg Config) *Service {
	t.Helper()
	s := New(cfg, logx.Nop(), eventbus.New())
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.Stop(stopCtx)
		stopCancel()
		cancel()
	})
	return s
}

func TestExecuteRunsHandler(t *testing.T) {
	s := newTestService(t, Config{Enabled: true, Workers: 1, RetryMax: 1})

	var runs atomic.Int64
	s.RegisterHandler("digest", func(ctx context.Context, ownerID string) error {
		if ownerID != "digest" {
			t.Errorf("ownerID = %q", ownerID)
		}
		runs.Add(1)
		return nil
	})

	if err := s.Execute(context.Background(), "digest"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	waitFor(t, func() bool { return runs.Load() == 1 })

	waitFor(t, func() bool { return len(s.Snapshot().History) == 1 })
	item := s.Snapshot().History[0]
	if item.OwnerID != "digest" || item.Error != "" || item.RunID == "" {
		t.Fatalf("unexpected history item: %+v", item)
	}
}

func TestExecuteRetriesThenRecordsFailure(t *testing.T) {
	s := newTestService(t, Config{Enabled: true, Workers: 1, RetryMax: 2})

	var runs atomic.Int64
	s.RegisterHandler("flaky", func(ctx context.Context, ownerID string) error {
		runs.Add(1)
		return errors.New("boom")
	})

	if err := s.Execute(context.Background(), "flaky"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	// 1 attempt + 2 retries
	waitFor(t, func() bool { return runs.Load() == 3 })
	waitFor(t, func() bool { return len(s.Snapshot().History) == 1 })

	item := s.Snapshot().History[0]
	if item.Error == "" || item.Attempts != 3 {
		t.Fatalf("unexpected history item: %+v", item)
	}
}

func TestExecuteOverlapSkip(t *testing.T) {
	s := newTestService(t, Config{Enabled: true, Workers: 1, RetryMax: 1})

	release := make(chan struct{})
	started := make(chan struct{})
	s.RegisterHandler("slow", func(ctx context.Context, ownerID string) error {
		close(started)
		<-release
		return nil
	})

	if err := s.Execute(context.Background(), "slow"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	<-started

	if err := s.Execute(context.Background(), "slow"); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second Execute err = %v, want ErrOverlapSkip", err)
	}
	close(release)
}

func TestExecuteDisabled(t *testing.T) {
	s := New(Config{Enabled: false}, logx.Nop(), eventbus.New())
	if err := s.Execute(context.Background(), "x"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}

func TestExecuteStopped(t *testing.T) {
	s := New(Config{Enabled: true}, logx.Nop(), eventbus.New())
	if err := s.Execute(context.Background(), "x"); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestFallbackHandler(t *testing.T) {
	s := newTestService(t, Config{Enabled: true, Workers: 1, RetryMax: 1})

	var runs atomic.Int64
	s.SetFallbackHandler(func(ctx context.Context, ownerID string) error {
		runs.Add(1)
		return nil
	})

	if err := s.Execute(context.Background(), "unregistered"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	waitFor(t, func() bool { return runs.Load() == 1 })
}
