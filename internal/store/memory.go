package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memoryStore keeps pending occurrences in a map. Used by tests and by
// deployments that accept losing schedule state on restart (the controller
// recomputes rows for configured triggers on startup anyway).
type memoryStore struct {
	mu   sync.Mutex
	rows map[string]PendingOccurrence
}

func newMemory() *memoryStore {
	return &memoryStore{rows: map[string]PendingOccurrence{}}
}

func (s *memoryStore) Upsert(ctx context.Context, ownerID string, executeAt time.Time) error {
	if ownerID == "" {
		return nil
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[ownerID]
	if !ok {
		row = PendingOccurrence{OwnerID: ownerID, CreatedAt: now}
	}
	row.ExecuteAt = executeAt
	row.UpdatedAt = now
	s.rows[ownerID] = row
	return nil
}

func (s *memoryStore) Clear(ctx context.Context, ownerID string) error {
	s.mu.Lock()
	delete(s.rows, ownerID)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Read(ctx context.Context, ownerID string) (PendingOccurrence, bool, error) {
	s.mu.Lock()
	row, ok := s.rows[ownerID]
	s.mu.Unlock()
	return row, ok, nil
}

func (s *memoryStore) Due(ctx context.Context, asOf time.Time) ([]PendingOccurrence, error) {
	s.mu.Lock()
	out := make([]PendingOccurrence, 0, len(s.rows))
	for _, row := range s.rows {
		if !row.ExecuteAt.After(asOf) {
			out = append(out, row)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExecuteAt.Equal(out[j].ExecuteAt) {
			return out[i].ExecuteAt.Before(out[j].ExecuteAt)
		}
		return out[i].OwnerID < out[j].OwnerID
	})
	return out, nil
}

func (s *memoryStore) Close() error { return nil }
