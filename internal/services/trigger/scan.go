package trigger

import (
	"context"
	"time"

	logx "trigd/pkg/logx"
)

// onScanTick runs on the cron cadence: read due rows and hand them to the
// worker pool. The scan itself never blocks on actions or owner locks.
func (s *Service) onScanTick() {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	q := s.queue
	ctx := s.runCtx
	s.mu.Unlock()
	if !enabled || q == nil || ctx == nil {
		return
	}

	now := s.now()
	rows, err := s.st.Due(ctx, now)
	if err != nil {
		// Leave everything in place; due rows survive an outage and the
		// next scan picks them up.
		s.log.Warn("due scan failed", logx.Err(err))
		return
	}
	if len(rows) == 0 {
		return
	}
	s.log.Debug("due scan", logx.Int("due", len(rows)))

	for _, row := range rows {
		job := fireJob{ownerID: row.OwnerID, executeAt: row.ExecuteAt}
		select {
		case q <- job:
		default:
			// Queue full: the row stays due and the next scan retries.
			s.log.Warn("fire queue full, deferring", logx.String("trigger", row.OwnerID), logx.Int("queue_len", len(q)), logx.Int("queue_cap", cap(q)))
			return
		}
	}
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan fireJob, idx int) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case job := <-queue:
			s.fireOne(ctx, job)
		}
	}
}

// fireOne takes the owner lock, re-validates the job against the registry
// and the store, and fires. Re-reading under the lock makes duplicate jobs
// from overlapping scans harmless.
func (s *Service) fireOne(ctx context.Context, job fireJob) {
	unlock := s.locks.lock(job.ownerID)
	defer unlock()

	s.mu.Lock()
	tr, ok := s.triggers[job.ownerID]
	var cp Trigger
	if ok {
		cp = *tr
		if tr.Rule != nil {
			r := *tr.Rule
			cp.Rule = &r
		}
	}
	limiter := s.limiter
	s.mu.Unlock()

	if !ok || !cp.Enabled {
		// Stale row: the trigger was removed or disabled after the row
		// was written (possibly by a previous process).
		s.log.Debug("clearing stale occurrence", logx.String("trigger", job.ownerID))
		_ = s.clearLocked(ctx, job.ownerID)
		return
	}

	occ, found, err := s.st.Read(ctx, job.ownerID)
	if err != nil {
		s.log.Warn("occurrence read failed", logx.String("trigger", job.ownerID), logx.Err(err))
		return
	}
	if !found || occ.ExecuteAt.After(s.now()) {
		// Already handled by a concurrent fire or reconfigured since the
		// scan saw it.
		return
	}

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
	}

	if err := s.fireLocked(ctx, &cp, "schedule"); err != nil {
		s.log.Warn("fire incomplete", logx.String("trigger", job.ownerID), logx.Err(err))
	}

	delay := s.now().Sub(job.executeAt)
	if delay > time.Minute {
		s.log.Debug("late fire", logx.String("trigger", job.ownerID), logx.Duration("late", delay))
	}
}
