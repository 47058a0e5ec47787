package config

// Config is the daemon configuration file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	HTTP      HTTPConfig      `json:"http"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Catalog   CatalogConfig   `json:"catalog"`
	Estimator EstimatorConfig `json:"estimator"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Chain     ChainConfig     `json:"chain"`
	Triggers  TriggersConfig  `json:"triggers"`
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

// HTTPConfig controls the command API server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:7070").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:7070"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// AllowedOrigins limits websocket upgrades on /v1/events. Empty allows
	// same-host origins only; "*" allows any.
	AllowedOrigins []string `json:"allowed_origins,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Pprof mounts /debug/pprof/ on the same listener.
	Pprof bool `json:"pprof,omitempty"`
}

// StorageConfig controls the optional audit trail.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./fxloop_audit" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type CatalogConfig struct {
	Path string `json:"path"`
	// Watch reloads the catalog file when it changes.
	Watch bool `json:"watch,omitempty"`
}

// EstimatorConfig tunes effect lifetime estimation.
//
// Defaults (when fields are omitted/zero):
//   - frame_rate: 60
//   - fallback: "0s" (unknown effects have no estimate)
//   - default_interval: "1s"
//   - auto_overlap: 0.1
//   - overlap_warn_fraction: 0.25
//   - overlap_warn_cooldown: "10s"
type EstimatorConfig struct {
	FrameRate           float64           `json:"frame_rate,omitempty"`
	Fallback            string            `json:"fallback,omitempty"`
	DefaultInterval     string            `json:"default_interval,omitempty"`
	AutoOverlap         float64           `json:"auto_overlap,omitempty"`
	OverlapWarnFraction float64           `json:"overlap_warn_fraction,omitempty"`
	OverlapWarnCooldown string            `json:"overlap_warn_cooldown,omitempty"`
	Overrides           map[string]string `json:"overrides,omitempty"` // effect key -> duration
}

type SchedulerConfig struct {
	// MinCycleDelay floors delays of infinite loops (default "16ms").
	MinCycleDelay string `json:"min_cycle_delay,omitempty"`
}

// ChainConfig tunes chain reactions.
//
// Defaults: idle_expiry "5s", delay_min "100ms", delay_max "300ms",
// placeholder "$actor".
type ChainConfig struct {
	IdleExpiry    string `json:"idle_expiry,omitempty"`
	DelayMin      string `json:"delay_min,omitempty"`
	DelayMax      string `json:"delay_max,omitempty"`
	DefaultAction string `json:"default_action,omitempty"`
	Placeholder   string `json:"placeholder,omitempty"`
}

// TriggersConfig declares commands dispatched on a schedule.
type TriggersConfig struct {
	Enabled  bool           `json:"enabled"`
	Timezone string         `json:"timezone,omitempty"` // IANA TZ, e.g. "Asia/Jakarta"
	Entries  []TriggerEntry `json:"entries,omitempty"`
}

// TriggerEntry is one scheduled command.
//
// Schedule accepts cron ("*/5 * * * *", "@hourly", "@every 30s"), a Go
// duration ("90s") or HH:MM ("00:30").
//
// Command is spawn arguments ("FX=spark SOURCE=hero") or one of
// "STOP_ALL" and "CHAIN ORIGIN=<id> TAG=<tag> RADIUS=<r> [ACTION=...]".
type TriggerEntry struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	Command  string `json:"command"`
	Disabled bool   `json:"disabled,omitempty"`
}
