package config

// Config is the on-disk configuration (JSON or YAML). Unknown keys are
// rejected so typos surface at load time.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Executor  ExecutorConfig  `json:"executor"`
	Storage   StorageConfig   `json:"storage"`
	Notifier  *NotifierConfig `json:"notifier,omitempty"`
	Telegram  TelegramConfig  `json:"telegram"`
	Debug     DebugConfig     `json:"debug,omitempty"`
	Memory    MemoryConfig    `json:"memory,omitempty"`

	// SystemJobs are bundled, pre-reviewed jobs registered as active at startup.
	SystemJobs []SystemJobConfig `json:"system_jobs,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards records at or above min_level to the notifier.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the tick loop.
//
// Defaults:
//   - tick_interval: "60s"
//   - timezone: "UTC" (display only; schedules are always evaluated in UTC)
//   - max_concurrent: 0 (no global bound; runs are still serialized per job)
//   - stop_timeout: "30s"
type SchedulerConfig struct {
	Enabled       bool   `json:"enabled"`
	TickInterval  string `json:"tick_interval,omitempty"`
	Timezone      string `json:"timezone,omitempty"`
	MaxConcurrent int    `json:"max_concurrent,omitempty"`
	StopTimeout   string `json:"stop_timeout,omitempty"`
}

// ExecutorConfig sets default and maximum resource limits for job runs.
type ExecutorConfig struct {
	Defaults LimitsConfig `json:"defaults"`
	Maxima   LimitsConfig `json:"maxima"`
	// MemorySampleInterval is how often live heap is sampled during a run.
	MemorySampleInterval string `json:"memory_sample_interval,omitempty"`
	// AllowNetwork=false forbids every job from using http_get.
	AllowNetwork *bool `json:"allow_network,omitempty"`
	// HTTPMaxBodyBytes caps http_get response bodies.
	HTTPMaxBodyBytes int `json:"http_max_body_bytes,omitempty"`
}

type LimitsConfig struct {
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
	MaxMemoryMB    int `json:"max_memory_mb,omitempty"`
	MaxOutputLines int `json:"max_output_lines,omitempty"`
	MaxOutputBytes int `json:"max_output_bytes,omitempty"`
}

// StorageConfig selects the JobStore driver.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/cronbot" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// NotifierConfig controls the async notification pipeline.
// If the whole section is omitted, the notifier defaults to enabled=true.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Driver          string `json:"driver,omitempty"` // "log" (default) | "telegram"
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
}

type TelegramConfig struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// DebugConfig controls the optional debug HTTP server (/healthz, /metrics, pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	Metrics       bool   `json:"metrics,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// MemoryConfig controls the shared note store exposed to jobs as ctx.memory.
type MemoryConfig struct {
	Enabled  bool `json:"enabled"`
	MaxNotes int  `json:"max_notes,omitempty"`
}

type SystemJobConfig struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Cron        string       `json:"cron"`
	Code        string       `json:"code,omitempty"`
	CodeFile    string       `json:"code_file,omitempty"`
	Limits      LimitsConfig `json:"limits,omitempty"`
	Network     bool         `json:"allow_network,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Scheduler: SchedulerConfig{
			Enabled:      true,
			TickInterval: "60s",
			Timezone:     "UTC",
			StopTimeout:  "30s",
		},
		Storage: StorageConfig{Driver: "file", Path: "./data/cronbot"},
		Memory:  MemoryConfig{Enabled: true, MaxNotes: 1000},
	}
}
