package config

import (
	"reflect"
	"sort"
	"strings"

	logx "trigd/pkg/logx"
)

// SummarizeChange returns (1) a compact list of changed sections, (2) safe
// structured attrs for logging, and (3) the trigger IDs whose definition
// changed (added, edited or removed).
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	// Logging
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage. Nil means the in-memory store. The path itself stays out of
	// the attrs; only whether it changed.
	var oDriver, nDriver, oBusy, nBusy, oPath, nPath string
	if oldCfg.Storage != nil {
		oDriver = strings.TrimSpace(oldCfg.Storage.Driver)
		oBusy = strings.TrimSpace(oldCfg.Storage.BusyTimeout)
		oPath = strings.TrimSpace(oldCfg.Storage.Path)
	}
	if newCfg.Storage != nil {
		nDriver = strings.TrimSpace(newCfg.Storage.Driver)
		nBusy = strings.TrimSpace(newCfg.Storage.BusyTimeout)
		nPath = strings.TrimSpace(newCfg.Storage.Path)
	}
	if oDriver != nDriver || oBusy != nBusy || oPath != nPath {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPath != ""),
			logx.Bool("storage.path_changed", oPath != nPath),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	// Scheduler (controller settings, not the trigger set)
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.scan_schedule", strings.TrimSpace(newCfg.Scheduler.ScanSchedule)),
			logx.Int("scheduler.workers", newCfg.Scheduler.Workers),
			logx.Float64("scheduler.fire_rate", newCfg.Scheduler.FireRate),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	// Actions engine
	oA := derefActions(oldCfg.Actions)
	nA := derefActions(newCfg.Actions)
	oPresent := oldCfg.Actions != nil
	nPresent := newCfg.Actions != nil
	if oPresent != nPresent || !reflect.DeepEqual(oA, nA) {
		changed = append(changed, "actions")

		enabledEffective := newCfg.Scheduler.Enabled
		enabledSet := false
		if newCfg.Actions != nil && newCfg.Actions.Enabled != nil {
			enabledSet = true
			enabledEffective = *newCfg.Actions.Enabled
		}
		attrs = append(attrs,
			logx.Bool("actions.present", nPresent),
			logx.Bool("actions.enabled", enabledEffective),
			logx.Bool("actions.enabled_set", enabledSet),
			logx.Int("actions.workers", nA.Workers),
			logx.Int("actions.queue_size", nA.QueueSize),
			logx.String("actions.default_timeout", strings.TrimSpace(nA.DefaultTimeout)),
			logx.Int("actions.retry_max", nA.RetryMax),
		)
	}

	// Pprof
	oP := derefPprof(oldCfg.Pprof)
	nP := derefPprof(newCfg.Pprof)
	if oP != nP {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", nP.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(nP.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(nP.Token) != ""),
		)
	}

	// Triggers (summarize only; the controller applies per-trigger edits)
	triggerChanged := DiffTriggers(oldCfg.Triggers, newCfg.Triggers)
	if len(triggerChanged) > 0 {
		changed = append(changed, "triggers")
		attrs = append(attrs,
			logx.Int("triggers.changed_count", len(triggerChanged)),
			logx.Int("triggers.total", len(newCfg.Triggers)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, triggerChanged
}

// derefActions returns the full struct so DeepEqual compares through the
// Enabled pointer; a reload that only flips enabled must still register.
func derefActions(a *ActionsConfig) ActionsConfig {
	if a == nil {
		return ActionsConfig{}
	}
	return *a
}

func derefPprof(p *PprofConfig) PprofConfig {
	if p == nil {
		return PprofConfig{}
	}
	return *p
}

// DiffTriggers returns the IDs whose definition differs between the two
// trigger sets, sorted. Removed triggers are included so the caller can
// drop them.
func DiffTriggers(oldM, newM map[string]TriggerConfig) []string {
	if oldM == nil {
		oldM = map[string]TriggerConfig{}
	}
	if newM == nil {
		newM = map[string]TriggerConfig{}
	}

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for id := range set {
		o, oOK := oldM[id]
		n, nOK := newM[id]
		if oOK != nOK {
			out = append(out, id)
			continue
		}
		if !triggerEqual(o, n) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func triggerEqual(a, b TriggerConfig) bool {
	return strings.TrimSpace(a.Anchor) == strings.TrimSpace(b.Anchor) &&
		a.Every == b.Every &&
		strings.TrimSpace(a.Unit) == strings.TrimSpace(b.Unit) &&
		a.IsEnabled() == b.IsEnabled()
}
