package app

import (
	"fmt"
	"strings"
	"time"

	"trigd/internal/config"
	"trigd/internal/recurrence"
	"trigd/internal/services/actions"
	pprofsvc "trigd/internal/services/pprof"
	"trigd/internal/services/trigger"
	"trigd/internal/store"
)

func mapStoreConfig(cfg *config.Config) (store.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return store.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "none", "memory":
		return store.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return store.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return store.Config{}, err
		}
		return store.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	default:
		return store.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapActionsConfig(cfg *config.Config) (actions.Config, error) {
	if cfg == nil {
		return actions.Config{}, nil
	}

	enabled := cfg.Scheduler.Enabled
	workers := 0
	queueSize := 0
	historySize := 0
	retryMax := 0
	defTimeoutStr := ""

	if cfg.Actions != nil {
		a := cfg.Actions
		if a.Enabled != nil {
			enabled = *a.Enabled
		}
		workers = a.Workers
		queueSize = a.QueueSize
		historySize = a.HistorySize
		retryMax = a.RetryMax
		defTimeoutStr = a.DefaultTimeout

		// Avoid a config where triggers fire but the engine is explicitly off.
		if cfg.Scheduler.Enabled && a.Enabled != nil && !*a.Enabled {
			return actions.Config{}, fmt.Errorf("actions.enabled cannot be false while scheduler.enabled is true")
		}
	}

	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if historySize <= 0 {
		historySize = 200
	}
	if retryMax < 0 {
		retryMax = 0
	} else if retryMax == 0 {
		retryMax = 3
	}

	defTimeout, err := config.ParseDurationField("actions.default_timeout", defTimeoutStr)
	if err != nil {
		return actions.Config{}, err
	}

	return actions.Config{
		Enabled:        enabled,
		Workers:        workers,
		QueueSize:      queueSize,
		DefaultTimeout: defTimeout,
		HistorySize:    historySize,
		RetryMax:       retryMax,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (trigger.Config, error) {
	if cfg == nil {
		return trigger.Config{}, nil
	}
	sc := cfg.Scheduler
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return trigger.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	if sc.FireRate < 0 {
		return trigger.Config{}, fmt.Errorf("scheduler.fire_rate must be >= 0")
	}
	return trigger.Config{
		Enabled:      sc.Enabled,
		ScanSchedule: strings.TrimSpace(sc.ScanSchedule),
		Workers:      sc.Workers,
		QueueSize:    sc.QueueSize,
		FireRate:     sc.FireRate,
		FireBurst:    sc.FireBurst,
		Timezone:     sc.Timezone,
	}, nil
}

func mapPprofConfig(cfg *config.Config) pprofsvc.Config {
	if cfg == nil || cfg.Pprof == nil {
		return pprofsvc.Config{}
	}
	return pprofsvc.Config{
		Enabled: cfg.Pprof.Enabled,
		Addr:    strings.TrimSpace(cfg.Pprof.Addr),
		Token:   strings.TrimSpace(cfg.Pprof.Token),
	}
}

// mapTriggerEdit converts one config trigger to a full Edit for the
// controller. hasRule reports whether the config carries a recurrence
// (false means one-shot).
func mapTriggerEdit(id string, tc config.TriggerConfig) (e trigger.Edit, hasRule bool, err error) {
	anchorStr := strings.TrimSpace(tc.Anchor)
	if anchorStr == "" {
		return trigger.Edit{}, false, fmt.Errorf("triggers.%s.anchor is required", id)
	}
	at, err := time.Parse(time.RFC3339, anchorStr)
	if err != nil {
		return trigger.Edit{}, false, fmt.Errorf("triggers.%s.anchor: invalid RFC 3339 time %q: %w", id, anchorStr, err)
	}
	e = trigger.Edit{Anchor: &at}

	unitStr := strings.TrimSpace(tc.Unit)
	if tc.Every != 0 || unitStr != "" {
		unit, err := recurrence.ParseUnit(unitStr)
		if err != nil {
			return trigger.Edit{}, false, fmt.Errorf("triggers.%s: %w", id, err)
		}
		every := tc.Every
		if _, err := recurrence.NewRule(every, unit); err != nil {
			return trigger.Edit{}, false, fmt.Errorf("triggers.%s: %w", id, err)
		}
		e.Interval = &every
		e.Unit = &unit
		hasRule = true
	}

	en := tc.IsEnabled()
	e.Enabled = &en
	return e, hasRule, nil
}
