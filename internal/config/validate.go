package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks fields that can be checked without building services.
// It is installed as the ConfigManager validator so a bad edit never
// replaces a running config.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	for _, f := range []struct{ path, raw string }{
		{"scheduler.tick_interval", cfg.Scheduler.TickInterval},
		{"scheduler.stop_timeout", cfg.Scheduler.StopTimeout},
		{"executor.memory_sample_interval", cfg.Executor.MemorySampleInterval},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"debug.read_timeout", cfg.Debug.ReadTimeout},
		{"debug.write_timeout", cfg.Debug.WriteTimeout},
		{"debug.idle_timeout", cfg.Debug.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			errs = append(errs, err)
		}
	}
	if n := cfg.Notifier; n != nil {
		for _, f := range []struct{ path, raw string }{
			{"notifier.retry_base", n.RetryBase},
			{"notifier.retry_max_delay", n.RetryMaxDelay},
			{"notifier.dedup_window", n.DedupWindow},
		} {
			if _, err := ParseDurationField(f.path, f.raw); err != nil {
				errs = append(errs, err)
			}
		}
		switch strings.ToLower(strings.TrimSpace(n.Driver)) {
		case "", "log":
		case "telegram":
			if strings.TrimSpace(cfg.Telegram.Token) == "" || cfg.Telegram.ChatID == 0 {
				errs = append(errs, errors.New("notifier.driver=telegram requires telegram.token and telegram.chat_id"))
			}
		default:
			errs = append(errs, fmt.Errorf("notifier.driver: unknown driver %q", n.Driver))
		}
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	if cfg.Memory.MaxNotes < 0 {
		errs = append(errs, errors.New("memory.max_notes must be >= 0"))
	}
	if cfg.Scheduler.MaxConcurrent < 0 {
		errs = append(errs, errors.New("scheduler.max_concurrent must be >= 0"))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "file", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}

	seen := map[string]bool{}
	for i, sj := range cfg.SystemJobs {
		id := strings.TrimSpace(sj.ID)
		if id == "" {
			errs = append(errs, fmt.Errorf("system_jobs[%d].id required", i))
			continue
		}
		if seen[id] {
			errs = append(errs, fmt.Errorf("system_jobs[%d].id %q duplicated", i, id))
		}
		seen[id] = true
		if (sj.Code == "") == (sj.CodeFile == "") {
			errs = append(errs, fmt.Errorf("system_jobs[%d]: exactly one of code or code_file is required", i))
		}
	}
	return errors.Join(errs...)
}
