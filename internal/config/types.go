package config

// Config is the full daemon configuration. JSON and YAML files are both
// accepted; YAML is coerced to JSON before strict decoding so unknown keys
// are rejected in either format.
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Storage controls the pending-occurrence store. If omitted the
	// daemon runs on the in-memory store and loses schedule state on
	// restart.
	Storage *StorageConfig `json:"storage,omitempty"`

	// Scheduler controls the trigger controller (scan cadence, fire
	// workers, rate limiting).
	Scheduler SchedulerConfig `json:"scheduler"`

	// Actions controls the execution engine for fired triggers.
	// If omitted, execution settings fall back to defaults with
	// enabled = scheduler.enabled.
	Actions *ActionsConfig `json:"actions,omitempty"`

	// Triggers is the operator-defined trigger set, keyed by owner ID.
	Triggers map[string]TriggerConfig `json:"triggers"`

	// Pprof controls the optional profiling HTTP server (off by default).
	Pprof *PprofConfig `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./trigd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// SchedulerConfig controls the trigger controller.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - scan_schedule: "@every 15s"
//   - workers: 2
//   - queue_size: 256
//   - fire_rate: 0 (unlimited)
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// ScanSchedule is how often due occurrences are picked up: a cron
	// spec ("*/1 * * * *", "@every 15s") or a plain duration ("15s").
	ScanSchedule string `json:"scan_schedule,omitempty"`

	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	// FireRate caps fires per second across all triggers. 0 disables
	// the limiter.
	FireRate  float64 `json:"fire_rate,omitempty"`
	FireBurst int     `json:"fire_burst,omitempty"`

	// Timezone for the scan cron (IANA name, e.g. "Asia/Jakarta").
	Timezone string `json:"timezone,omitempty"`
}

// ActionsConfig controls the action execution engine.
//
// Enabled is a pointer so we can distinguish "omitted" (default to
// scheduler.enabled) from an explicit false.
type ActionsConfig struct {
	Enabled   *bool `json:"enabled,omitempty"`
	Workers   int   `json:"workers,omitempty"`
	QueueSize int   `json:"queue_size,omitempty"`

	// DefaultTimeout is a Go duration string (e.g. "10s", "1m").
	// Use "0s" to disable a global default timeout.
	DefaultTimeout string `json:"default_timeout,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
	RetryMax    int `json:"retry_max,omitempty"`
}

// PprofConfig controls the profiling HTTP server. A non-loopback addr
// requires a token.
type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default 127.0.0.1:6060
	Token   string `json:"token,omitempty"`
}

// TriggerConfig is one trigger definition.
//
// Anchor is RFC 3339 ("2025-06-02T09:30:00Z" or with offset). Every and
// Unit form the recurrence rule; omitting both makes the trigger a
// one-shot that fires once at its anchor.
//
// Enabled is a pointer: omitted means enabled.
type TriggerConfig struct {
	Anchor  string `json:"anchor"`
	Every   int    `json:"every,omitempty"`
	Unit    string `json:"unit,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"`
}

// IsEnabled resolves the Enabled pointer (omitted means enabled).
func (t TriggerConfig) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}
