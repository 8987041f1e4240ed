package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"trigd/internal/config"
	"trigd/internal/eventbus"
	"trigd/internal/runtime/supervisor"
	"trigd/internal/services/actions"
	pprofsvc "trigd/internal/services/pprof"
	"trigd/internal/services/trigger"
	"trigd/internal/store"
	logx "trigd/pkg/logx"
)

// App wires config, logging, storage and the trigger/action services into
// one daemon lifecycle.
type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	st   store.Store

	acts *actions.Service
	trig *trigger.Service
	prof *pprofsvc.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStoreConfig(cfg)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	st, err := store.Open(sc, log.With(logx.String("comp", "store")))
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	log.Info("store opened", logx.String("driver", sc.Driver))

	actsCfg, err := mapActionsConfig(cfg)
	if err != nil {
		_ = st.Close()
		logSvc.Close()
		return nil, err
	}
	actsSvc := actions.New(actsCfg, log.With(logx.String("comp", "actions")), bus)

	trigCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		_ = st.Close()
		logSvc.Close()
		return nil, err
	}
	trigSvc := trigger.New(trigCfg, log.With(logx.String("comp", "trigger")), bus, st, actsSvc)

	profSvc := pprofsvc.New(mapPprofConfig(cfg), log)

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		st:      st,
		acts:    actsSvc,
		trig:    trigSvc,
		prof:    profSvc,
	}, nil
}

// Actions exposes the action engine so callers can register handlers
// before Start.
func (a *App) Actions() *actions.Service { return a.acts }

// Triggers exposes the controller for operational use (manual fire,
// inspection).
func (a *App) Triggers() *trigger.Service { return a.trig }

// Done is closed when the app supervisor context is canceled (fatal error
// or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	cfg := a.cfgm.Get()

	if a.acts.Enabled() {
		a.acts.Start(a.sup.Context())
	}
	if a.trig.Enabled() {
		a.trig.Start(a.sup.Context())
	}
	if a.prof.Enabled() {
		a.prof.Start(a.sup.Context())
	}

	// Seed the trigger set before the first scan can fire anything stale.
	if cfg != nil {
		a.applyTriggers(a.sup.Context(), nil, cfg.Triggers)
	}

	// Debug-level event tap; components can also subscribe themselves.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// hot reload fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := cfg
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyReload(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	// Watch runs one watcher lifetime; the supervisor restarts it with
	// backoff if the watcher breaks.
	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.startSystemd()

	a.log.Info("app started")
	return nil
}

func (a *App) applyReload(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, triggersChanged := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		if s == "storage" {
			a.log.Warn("storage config changed; restart required for changes to take effect")
			break
		}
	}

	// logging first so subsequent apply errors surface at the new level
	a.logs.Apply(logx.Config{
		Level:   newCfg.Logging.Level,
		Console: newCfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: newCfg.Logging.File.Enabled,
			Path:    newCfg.Logging.File.Path,
		},
	})

	// actions engine (live)
	prevActsEnabled := a.acts.Enabled()
	actsCfg, err := mapActionsConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid actions config; keeping previous", logx.Err(err))
	} else {
		a.acts.Apply(actsCfg)
		if prevActsEnabled && !actsCfg.Enabled {
			a.log.Info("action engine disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.acts.Stop(stopCtx)
			cancel()
		} else if !prevActsEnabled && actsCfg.Enabled {
			a.log.Info("action engine enabled via config")
			a.acts.Start(ctx)
		}
	}

	// trigger controller (live)
	prevTrigEnabled := a.trig.Enabled()
	trigCfg, err := mapSchedulerConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.trig.Apply(trigCfg)
		if prevTrigEnabled && !trigCfg.Enabled {
			a.log.Info("scheduler disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.trig.Stop(stopCtx)
			cancel()
		} else if !prevTrigEnabled && trigCfg.Enabled {
			a.log.Info("scheduler enabled via config")
			a.trig.Start(ctx)
		}
	}

	a.prof.Apply(ctx, mapPprofConfig(newCfg))

	// per-trigger edits (the controller decides whether each edit resets
	// its pending occurrence)
	if len(triggersChanged) > 0 {
		var oldTriggers map[string]config.TriggerConfig
		if oldCfg != nil {
			oldTriggers = oldCfg.Triggers
		}
		a.applyTriggers(ctx, oldTriggers, newCfg.Triggers)
	}

	a.log.Info("config reloaded", fields...)
}

// applyTriggers reconciles the controller's trigger set with the config.
func (a *App) applyTriggers(ctx context.Context, oldM, newM map[string]config.TriggerConfig) {
	for _, id := range config.DiffTriggers(oldM, newM) {
		tc, ok := newM[id]
		if !ok {
			if err := a.trig.Remove(ctx, id); err != nil && !errors.Is(err, trigger.ErrNotFound) {
				a.log.Warn("trigger remove failed", logx.String("trigger", id), logx.Err(err))
			} else {
				a.log.Info("trigger removed", logx.String("trigger", id))
			}
			continue
		}

		e, hasRule, err := mapTriggerEdit(id, tc)
		if err != nil {
			a.log.Warn("invalid trigger config; skipping", logx.String("trigger", id), logx.Err(err))
			continue
		}
		// Dropping the rule (recurring -> one-shot) can't be expressed as
		// a partial edit; recreate the trigger instead.
		if !hasRule {
			if cur, ok := a.trig.Get(id); ok && cur.Rule != nil {
				if err := a.trig.Remove(ctx, id); err != nil && !errors.Is(err, trigger.ErrNotFound) {
					a.log.Warn("trigger recreate failed", logx.String("trigger", id), logx.Err(err))
					continue
				}
			}
		}
		if err := a.trig.Configure(ctx, id, e); err != nil {
			a.log.Warn("trigger configure failed", logx.String("trigger", id), logx.Err(err))
			continue
		}
		a.log.Info("trigger configured", logx.String("trigger", id), logx.Bool("recurring", hasRule), logx.Bool("enabled", tc.IsEnabled()))
	}
}

func validateConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Scheduler.Workers < 0 {
		return fmt.Errorf("scheduler.workers must be >= 0")
	}
	if cfg.Scheduler.QueueSize < 0 {
		return fmt.Errorf("scheduler.queue_size must be >= 0")
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapActionsConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStoreConfig(cfg); err != nil {
		return err
	}
	for id, tc := range cfg.Triggers {
		if _, _, err := mapTriggerEdit(id, tc); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.notifyStopping()

	// Cancel the run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Run each shutdown step with an upper bound so one component can't
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Controller first so nothing new is handed to the engine mid-stop.
	step("trigger", 2*time.Second, func(c context.Context) error { a.trig.Stop(c); return nil })
	step("actions", 2*time.Second, func(c context.Context) error { a.acts.Stop(c); return nil })
	step("store", 1*time.Second, func(c context.Context) error { return a.st.Close() })
	step("pprof", 1*time.Second, func(c context.Context) error { a.prof.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
