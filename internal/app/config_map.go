package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cronbot/internal/config"
	"cronbot/internal/executor"
	"cronbot/internal/jobs"
	"cronbot/internal/notifier"
	"cronbot/internal/observability"
	"cronbot/internal/storage"
	"cronbot/internal/task/scheduler"
	"cronbot/internal/transport"
	logx "cronbot/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Alert.Enabled,
			MinLevel:   cfg.Logging.Alert.MinLevel,
			RatePerSec: cfg.Logging.Alert.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "file":
		if path == "" {
			path = "./data/cronbot"
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	tick, err := config.ParseDurationOrDefault("scheduler.tick_interval", cfg.Scheduler.TickInterval, 60*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:       cfg.Scheduler.Enabled,
		TickInterval:  tick,
		Timezone:      cfg.Scheduler.Timezone,
		MaxConcurrent: cfg.Scheduler.MaxConcurrent,
	}, nil
}

func stopTimeout(cfg *config.Config) time.Duration {
	d, err := config.ParseDurationOrDefault("scheduler.stop_timeout", cfg.Scheduler.StopTimeout, 30*time.Second)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

func limitsFrom(l config.LimitsConfig) jobs.ResourceLimits {
	return jobs.ResourceLimits{
		TimeoutSeconds: l.TimeoutSeconds,
		MaxMemoryMB:    l.MaxMemoryMB,
		MaxOutputLines: l.MaxOutputLines,
		MaxOutputBytes: l.MaxOutputBytes,
	}
}

// mapLimits returns the defaults and maxima with unset fields filled from
// the built-in values. Defaults above the maxima are rejected.
func mapLimits(cfg *config.Config) (jobs.ResourceLimits, jobs.Maxima, error) {
	def := limitsFrom(cfg.Executor.Defaults).Normalize(jobs.DefaultLimits())

	mx := jobs.DefaultMaxima()
	m := cfg.Executor.Maxima
	if m.TimeoutSeconds > 0 {
		mx.TimeoutSeconds = m.TimeoutSeconds
	}
	if m.MaxMemoryMB > 0 {
		mx.MaxMemoryMB = m.MaxMemoryMB
	}
	if m.MaxOutputLines > 0 {
		mx.MaxOutputLines = m.MaxOutputLines
	}
	if m.MaxOutputBytes > 0 {
		mx.MaxOutputBytes = m.MaxOutputBytes
	}
	if cfg.Executor.AllowNetwork != nil {
		mx.AllowNetwork = *cfg.Executor.AllowNetwork
	}
	if err := def.Validate(mx); err != nil {
		return jobs.ResourceLimits{}, jobs.Maxima{}, fmt.Errorf("executor.defaults: %w", err)
	}
	return def, mx, nil
}

func mapExecutorConfig(cfg *config.Config) (executor.Config, error) {
	def, mx, err := mapLimits(cfg)
	if err != nil {
		return executor.Config{}, err
	}
	sample, err := config.ParseDurationField("executor.memory_sample_interval", cfg.Executor.MemorySampleInterval)
	if err != nil {
		return executor.Config{}, err
	}
	if cfg.Executor.HTTPMaxBodyBytes < 0 {
		return executor.Config{}, fmt.Errorf("executor.http_max_body_bytes must be >= 0")
	}
	return executor.Config{
		Defaults:             def,
		Maxima:               mx,
		MemorySampleInterval: sample,
		HTTPMaxBodyBytes:     int64(cfg.Executor.HTTPMaxBodyBytes),
	}, nil
}

// mapNotifierConfig returns the pipeline config and the delivery driver.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, string, error) {
	nc := config.DefaultNotifier()
	if cfg.Notifier != nil {
		nc = *cfg.Notifier
	}
	if nc.Workers < 0 || nc.QueueSize < 0 || nc.RatePerSec < 0 || nc.RetryMax < 0 || nc.DedupMaxEntries < 0 {
		return notifier.Config{}, "", fmt.Errorf("notifier: numeric fields must be >= 0")
	}
	retryBase, err := config.ParseDurationOrDefault("notifier.retry_base", nc.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notifier.Config{}, "", err
	}
	retryMaxDelay, err := config.ParseDurationOrDefault("notifier.retry_max_delay", nc.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notifier.Config{}, "", err
	}
	dedupWindow, err := config.ParseDurationOrDefault("notifier.dedup_window", nc.DedupWindow, time.Minute)
	if err != nil {
		return notifier.Config{}, "", err
	}
	driver := strings.ToLower(strings.TrimSpace(nc.Driver))
	if driver == "" {
		driver = "log"
	}
	if driver != "log" && driver != "telegram" {
		return notifier.Config{}, "", fmt.Errorf("notifier.driver: unknown driver %q", nc.Driver)
	}
	return notifier.Config{
		Enabled:         nc.Enabled,
		Workers:         nc.Workers,
		QueueSize:       nc.QueueSize,
		RatePerSec:      nc.RatePerSec,
		RetryMax:        nc.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMaxDelay,
		DedupWindow:     dedupWindow,
		DedupMaxEntries: nc.DedupMaxEntries,
		PersistDedup:    true,
	}, driver, nil
}

func chatTarget(cfg *config.Config) transport.ChatTarget {
	return transport.ChatTarget{ChatID: cfg.Telegram.ChatID, ThreadID: cfg.Telegram.ThreadID}
}

func mapDebugConfig(cfg *config.Config) (observability.DebugConfig, error) {
	d := cfg.Debug
	read, err := config.ParseDurationOrDefault("debug.read_timeout", d.ReadTimeout, 10*time.Second)
	if err != nil {
		return observability.DebugConfig{}, err
	}
	write, err := config.ParseDurationOrDefault("debug.write_timeout", d.WriteTimeout, 60*time.Second)
	if err != nil {
		return observability.DebugConfig{}, err
	}
	idle, err := config.ParseDurationOrDefault("debug.idle_timeout", d.IdleTimeout, 60*time.Second)
	if err != nil {
		return observability.DebugConfig{}, err
	}
	out := observability.DebugConfig{
		Enabled:              d.Enabled,
		Addr:                 strings.TrimSpace(d.Addr),
		Token:                strings.TrimSpace(d.Token),
		AllowInsecure:        d.AllowInsecure,
		Pprof:                d.Pprof,
		Metrics:              d.Metrics,
		ReadTimeout:          read,
		WriteTimeout:         write,
		IdleTimeout:          idle,
		MutexProfileFraction: -1,
		BlockProfileRate:     -1,
	}
	return out, nil
}

// systemJobs resolves the configured bundled jobs. code_file paths are
// relative to the config file's directory.
func systemJobs(cfg *config.Config, cfgPath string) ([]jobs.Job, error) {
	base := "."
	if strings.TrimSpace(cfgPath) != "" {
		base = filepath.Dir(cfgPath)
	}
	out := make([]jobs.Job, 0, len(cfg.SystemJobs))
	for i, sj := range cfg.SystemJobs {
		code := sj.Code
		if f := strings.TrimSpace(sj.CodeFile); f != "" {
			if !filepath.IsAbs(f) {
				f = filepath.Join(base, f)
			}
			b, err := os.ReadFile(f)
			if err != nil {
				return nil, fmt.Errorf("system_jobs[%d].code_file: %w", i, err)
			}
			code = string(b)
		}
		lim := limitsFrom(sj.Limits)
		lim.AllowNetwork = sj.Network
		name := strings.TrimSpace(sj.Name)
		if name == "" {
			name = sj.ID
		}
		out = append(out, jobs.Job{
			ID:          strings.TrimSpace(sj.ID),
			Name:        name,
			Description: sj.Description,
			Schedule:    strings.TrimSpace(sj.Cron),
			Code:        code,
			Limits:      lim,
		})
	}
	return out, nil
}
