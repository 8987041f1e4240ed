package trigger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"trigd/internal/eventbus"
	"trigd/internal/recurrence"
	logx "trigd/pkg/logx"
)

// Configure creates or updates the trigger for id, applying the non-nil
// fields of e. The merged rule is validated before anything changes: an
// invalid edit leaves both the definition and the pending occurrence
// exactly as they were.
//
// Only edits that change the recurrence shape (anchor, interval, unit)
// reset the pending occurrence. Enabling a trigger that has no pending row
// schedules one; disabling clears it. Everything else is a no-op on the
// schedule.
func (s *Service) Configure(ctx context.Context, id string, e Edit) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("trigger id required")
	}
	unlock := s.locks.lock(id)
	defer unlock()

	s.mu.Lock()
	cur, exists := s.triggers[id]
	var next Trigger
	if exists {
		next = *cur
		if cur.Rule != nil {
			r := *cur.Rule
			next.Rule = &r
		}
	} else {
		next = Trigger{ID: id, Enabled: true}
	}
	s.mu.Unlock()

	if e.Anchor != nil {
		next.Anchor = *e.Anchor
	}
	if e.Interval != nil || e.Unit != nil {
		var r recurrence.Rule
		if next.Rule != nil {
			r = *next.Rule
		}
		if e.Interval != nil {
			r.Interval = *e.Interval
		}
		if e.Unit != nil {
			r.Unit = *e.Unit
		}
		if err := r.Validate(); err != nil {
			return fmt.Errorf("trigger %s: %w", id, err)
		}
		next.Rule = &r
	}
	if e.Enabled != nil {
		next.Enabled = *e.Enabled
	}
	if next.Anchor.IsZero() {
		return fmt.Errorf("trigger %s: anchor required", id)
	}

	reset := !exists ||
		!next.Anchor.Equal(cur.Anchor) ||
		!ruleEqual(next.Rule, cur.Rule)
	wasEnabled := exists && cur.Enabled

	s.mu.Lock()
	s.triggers[id] = &next
	s.mu.Unlock()

	switch {
	case !next.Enabled:
		if wasEnabled || !exists {
			return s.clearLocked(ctx, id)
		}
		return nil
	case reset || !wasEnabled:
		if err := s.scheduleLocked(ctx, &next); err != nil {
			return err
		}
		if exists && reset && s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TriggerReset, Data: FireEvent{OwnerID: id}})
		}
		return nil
	default:
		// unrelated edit: pending occurrence stays put
		return nil
	}
}

func ruleEqual(a, b *recurrence.Rule) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Enable turns the trigger on, scheduling its next occurrence.
func (s *Service) Enable(ctx context.Context, id string) error {
	en := true
	return s.edit(ctx, id, Edit{Enabled: &en})
}

// Disable turns the trigger off and clears its pending occurrence. The
// definition is kept so a later Enable resumes from the same rule.
func (s *Service) Disable(ctx context.Context, id string) error {
	en := false
	return s.edit(ctx, id, Edit{Enabled: &en})
}

func (s *Service) edit(ctx context.Context, id string, e Edit) error {
	s.mu.Lock()
	_, ok := s.triggers[strings.TrimSpace(id)]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.Configure(ctx, id, e)
}

// Remove deletes the trigger definition and its pending occurrence.
func (s *Service) Remove(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("trigger id required")
	}
	unlock := s.locks.lock(id)
	defer unlock()

	s.mu.Lock()
	_, ok := s.triggers[id]
	delete(s.triggers, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.clearLocked(ctx, id)
}

// Fire runs the trigger now, regardless of its pending occurrence. The
// fire goes through the action engine like a scheduled one, and an enabled
// recurring trigger is rescheduled from the current time. A returned
// ErrActionRejected means the engine refused the run; scheduling state is
// still advanced.
func (s *Service) Fire(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	unlock := s.locks.lock(id)
	defer unlock()

	// Copy the definition under the owner lock so a concurrent Configure
	// cannot commit a new rule between the read and the fire.
	s.mu.Lock()
	tr, ok := s.triggers[id]
	var cp Trigger
	if ok {
		cp = *tr
		if tr.Rule != nil {
			r := *tr.Rule
			cp.Rule = &r
		}
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	return s.fireLocked(ctx, &cp, "manual")
}

// NextFireTime reports the pending occurrence for id, if any.
func (s *Service) NextFireTime(ctx context.Context, id string) (time.Time, bool, error) {
	occ, ok, err := s.st.Read(ctx, strings.TrimSpace(id))
	if err != nil {
		return time.Time{}, false, err
	}
	if !ok {
		return time.Time{}, false, nil
	}
	return occ.ExecuteAt, true, nil
}

// Get returns a copy of the trigger definition.
func (s *Service) Get(id string) (Trigger, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.triggers[strings.TrimSpace(id)]
	if !ok {
		return Trigger{}, false
	}
	cp := *tr
	if tr.Rule != nil {
		r := *tr.Rule
		cp.Rule = &r
	}
	return cp, true
}

// scheduleLocked computes and persists the next occurrence for tr. Call
// with the owner lock held.
func (s *Service) scheduleLocked(ctx context.Context, tr *Trigger) error {
	now := s.now()

	if tr.Rule == nil {
		// One-shot: a future anchor is the occurrence; a spent or past
		// anchor means nothing to schedule.
		if tr.Anchor.After(now) {
			return s.upsertLocked(ctx, tr.ID, tr.Anchor)
		}
		return s.clearLocked(ctx, tr.ID)
	}

	next, err := recurrence.Next(tr.Anchor, *tr.Rule, now)
	if err != nil {
		return fmt.Errorf("trigger %s: %w", tr.ID, err)
	}
	return s.upsertLocked(ctx, tr.ID, next)
}

func (s *Service) upsertLocked(ctx context.Context, id string, at time.Time) error {
	err := s.st.Upsert(ctx, id, at)
	if err != nil {
		s.log.Warn("pending occurrence write failed", logx.String("trigger", id), logx.Err(err))
		return err
	}
	s.log.Debug("occurrence scheduled", logx.String("trigger", id), logx.Time("at", at))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TriggerScheduled, Data: FireEvent{OwnerID: id, Next: at}})
	}
	return nil
}

func (s *Service) clearLocked(ctx context.Context, id string) error {
	if err := s.st.Clear(ctx, id); err != nil {
		s.log.Warn("pending occurrence clear failed", logx.String("trigger", id), logx.Err(err))
		return err
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TriggerCleared, Data: FireEvent{OwnerID: id}})
	}
	return nil
}

// fireLocked executes the trigger's action and advances the schedule. Call
// with the owner lock held.
func (s *Service) fireLocked(ctx context.Context, tr *Trigger, source string) error {
	now := s.now()
	atomic.AddUint64(&s.fired, 1)
	s.log.Info("trigger fired", logx.String("trigger", tr.ID), logx.String("source", source))

	execErr := s.exec.Execute(ctx, tr.ID)
	if execErr != nil {
		s.log.Warn("fire not accepted by action engine", logx.String("trigger", tr.ID), logx.Err(execErr))
		execErr = fmt.Errorf("%w: %v", ErrActionRejected, execErr)
	}

	ev := FireEvent{OwnerID: tr.ID, At: now, Source: source}

	// Advance the schedule regardless of how the action run goes. On a
	// store failure the old row stays behind and the next scan retries.
	if tr.Rule == nil {
		if err := s.clearLocked(ctx, tr.ID); err != nil {
			return err
		}
	} else if tr.Enabled {
		next, err := recurrence.Next(tr.Anchor, *tr.Rule, now)
		if err != nil {
			return fmt.Errorf("trigger %s: %w", tr.ID, err)
		}
		ev.Next = next
		if err := s.upsertLocked(ctx, tr.ID, next); err != nil {
			return err
		}
	}

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TriggerFired, Time: now, Data: ev})
	}
	return execErr
}
