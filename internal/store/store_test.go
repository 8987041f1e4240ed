package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "trigd/pkg/logx"
)

func openTestStores(t *testing.T) map[string]Store {
	t.Helper()
	mem, err := Open(Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	sq, err := Open(Config{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "trigd.db"),
		BusyTimeout: time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		_ = mem.Close()
		_ = sq.Close()
	})
	return map[string]Store{"memory": mem, "sqlite": sq}
}

func TestUpsertReadClear(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2021, 6, 11, 8, 0, 0, 0, time.UTC)

	for name, st := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := st.Upsert(ctx, "digest", at); err != nil {
				t.Fatalf("Upsert: %v", err)
			}
			row, ok, err := st.Read(ctx, "digest")
			if err != nil || !ok {
				t.Fatalf("Read = %v, ok=%v", err, ok)
			}
			if !row.ExecuteAt.Equal(at) {
				t.Fatalf("ExecuteAt = %s, want %s", row.ExecuteAt, at)
			}
			if row.OwnerID != "digest" {
				t.Fatalf("OwnerID = %q", row.OwnerID)
			}

			if err := st.Clear(ctx, "digest"); err != nil {
				t.Fatalf("Clear: %v", err)
			}
			if _, ok, err := st.Read(ctx, "digest"); err != nil || ok {
				t.Fatalf("Read after Clear = ok=%v err=%v, want absent", ok, err)
			}
			// Clearing an absent owner is a no-op.
			if err := st.Clear(ctx, "digest"); err != nil {
				t.Fatalf("Clear absent: %v", err)
			}
		})
	}
}

func TestUpsertReplacesExistingRow(t *testing.T) {
	ctx := context.Background()
	first := time.Date(2021, 6, 11, 8, 0, 0, 0, time.UTC)
	second := time.Date(2021, 6, 18, 8, 0, 0, 0, time.UTC)

	for name, st := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := st.Upsert(ctx, "report", first); err != nil {
				t.Fatalf("Upsert: %v", err)
			}
			if err := st.Upsert(ctx, "report", second); err != nil {
				t.Fatalf("Upsert: %v", err)
			}
			row, ok, err := st.Read(ctx, "report")
			if err != nil || !ok {
				t.Fatalf("Read = %v, ok=%v", err, ok)
			}
			if !row.ExecuteAt.Equal(second) {
				t.Fatalf("ExecuteAt = %s, want %s", row.ExecuteAt, second)
			}
			// Owner uniqueness: replacing must not leave a second due row.
			due, err := st.Due(ctx, second.Add(time.Hour))
			if err != nil {
				t.Fatalf("Due: %v", err)
			}
			if len(due) != 1 {
				t.Fatalf("Due returned %d rows, want 1", len(due))
			}
		})
	}
}

func TestUpsertIdempotent(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2021, 6, 11, 8, 0, 0, 0, time.UTC)

	for name, st := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := st.Upsert(ctx, "same", at); err != nil {
				t.Fatalf("Upsert: %v", err)
			}
			if err := st.Upsert(ctx, "same", at); err != nil {
				t.Fatalf("Upsert again: %v", err)
			}
			row, ok, err := st.Read(ctx, "same")
			if err != nil || !ok {
				t.Fatalf("Read = %v, ok=%v", err, ok)
			}
			if !row.ExecuteAt.Equal(at) {
				t.Fatalf("ExecuteAt = %s, want %s", row.ExecuteAt, at)
			}
		})
	}
}

func TestDueOrdering(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2021, 6, 4, 10, 0, 0, 0, time.UTC)

	for name, st := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			// Two owners share an execute_at to exercise the tiebreak.
			if err := st.Upsert(ctx, "bravo", base.Add(-time.Minute)); err != nil {
				t.Fatalf("Upsert: %v", err)
			}
			if err := st.Upsert(ctx, "alpha", base.Add(-time.Minute)); err != nil {
				t.Fatalf("Upsert: %v", err)
			}
			if err := st.Upsert(ctx, "zulu", base.Add(-time.Hour)); err != nil {
				t.Fatalf("Upsert: %v", err)
			}
			if err := st.Upsert(ctx, "future", base.Add(time.Hour)); err != nil {
				t.Fatalf("Upsert: %v", err)
			}

			due, err := st.Due(ctx, base)
			if err != nil {
				t.Fatalf("Due: %v", err)
			}
			got := make([]string, 0, len(due))
			for _, row := range due {
				got = append(got, row.OwnerID)
			}
			want := []string{"zulu", "alpha", "bravo"}
			if len(got) != len(want) {
				t.Fatalf("Due owners = %v, want %v", got, want)
			}
			for i := range want {
				if got[i] != want[i] {
					t.Fatalf("Due owners = %v, want %v", got, want)
				}
			}
		})
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestOpenDefaultsToMemory(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if st == nil {
		t.Fatal("Open returned nil store")
	}
	_ = st.Close()
}
