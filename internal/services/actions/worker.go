package actions

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"trigd/internal/eventbus"
	logx "trigd/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan queuedRun, idx int) {
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
		case qr := <-queue:
			s.execOne(ctx, stopCh, qr)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qr queuedRun) {
	start := time.Now()
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.ActionStarted, Time: start, Data: RunEvent{RunID: qr.runID, OwnerID: qr.ownerID, Started: start}})
	}

	if qr.track {
		defer qr.state.release()
	}

	// Copy config to avoid data races with Apply().
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	opt := qr.opt.withDefaults(cfg)
	retries := opt.RetryMax
	if retries < 0 {
		retries = 0
	}

	var err error
	attempts := 0
	maxAttempts := 1 + retries
attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		// Per-attempt timeout (so a timed-out first attempt doesn't poison retries).
		runCtx := ctx
		var cancel func()
		if qr.timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, qr.timeout)
		}
		err = qr.handler(runCtx, qr.ownerID)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			break
		}
		if attempt >= maxAttempts {
			break
		}

		delay := backoffDelay(opt, attempt) // attempt=1 => first retry
		if delay > 0 {
			s.log.Debug("action retry scheduled", logx.String("owner", qr.ownerID), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
			tmr := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				if !tmr.Stop() {
					<-tmr.C
				}
				err = ctx.Err()
				break attemptLoop
			case <-stopCh:
				if !tmr.Stop() {
					<-tmr.C
				}
				err = errors.New("action engine stopped")
				break attemptLoop
			case <-tmr.C:
			}
		}
	}

	dur := time.Since(start)
	item := HistoryItem{
		RunID:    qr.runID,
		OwnerID:  qr.ownerID,
		Started:  start,
		Duration: dur,
		Attempts: attempts,
	}
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("action failed", logx.String("owner", qr.ownerID), logx.Err(err), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.ActionFailed, Time: time.Now(), Data: RunEvent{RunID: qr.runID, OwnerID: qr.ownerID, Started: start, Duration: dur, Attempts: attempts, Error: item.Error}})
		}
	} else {
		// Avoid noisy logs for very frequent actions: only elevate to INFO when it took noticeable time.
		if dur >= 750*time.Millisecond {
			s.log.Info("action completed", logx.String("owner", qr.ownerID), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		} else {
			s.log.Debug("action completed", logx.String("owner", qr.ownerID), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		}
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.ActionFinished, Time: time.Now(), Data: RunEvent{RunID: qr.runID, OwnerID: qr.ownerID, Started: start, Duration: dur, Attempts: attempts}})
		}
	}

	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, item)
	historySize := cfg.HistorySize
	// A zero/negative history_size would mean unbounded growth on a
	// long-running daemon, so default to a sensible cap.
	if historySize <= 0 {
		historySize = 200
	}
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
}

func backoffDelay(opt RunOptions, retry int) time.Duration {
	// retry starts at 1 (first retry)
	base := opt.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := opt.RetryMaxDelay
	if maxD <= 0 {
		maxD = 15 * time.Second
	}
	j := opt.RetryJitter
	if j <= 0 {
		j = 0.2
	}
	// exp growth
	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d > maxD {
			d = maxD
			break
		}
	}
	// jitter [1-j, 1+j]
	if j > 0 {
		r := (randFloat64()*2 - 1) * j
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > maxD {
		d = maxD
	}
	return d
}

var rngMu sync.Mutex

func randFloat64() float64 {
	rngMu.Lock()
	defer rngMu.Unlock()
	return rand.Float64()
}
