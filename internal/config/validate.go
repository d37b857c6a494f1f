package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	logx "scriptsched/pkg/logx"
)

// Validate checks the fields that would otherwise only fail at use time.
// All problems are reported together.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if lvl := strings.TrimSpace(c.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		add(fmt.Errorf("logging.level: unknown level %q", lvl))
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	if c.Engine.Workers < 0 {
		add(errors.New("engine.workers must be >= 0"))
	}
	if c.Engine.QueueSize < 0 {
		add(errors.New("engine.queue_size must be >= 0"))
	}
	if c.Engine.HistorySize < 0 {
		add(errors.New("engine.history_size must be >= 0"))
	}

	for path, raw := range map[string]string{
		"executor.timeout":     c.Executor.Timeout,
		"executor.wait_delay":  c.Executor.WaitDelay,
		"validator.timeout":    c.Validator.Timeout,
		"storage.busy_timeout": c.Storage.BusyTimeout,
		"http.read_timeout":    c.HTTP.ReadTimeout,
		"http.write_timeout":   c.HTTP.WriteTimeout,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "memory":
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if c.HTTP.MaxUploadBytes < 0 {
		add(errors.New("http.max_upload_bytes must be >= 0"))
	}
	if c.HTTP.Burst < 0 {
		add(errors.New("http.burst must be >= 0"))
	}
	if c.Pprof.MutexProfileFraction < 0 || c.Pprof.BlockProfileRate < 0 {
		add(errors.New("pprof profile rates must be >= 0"))
	}

	return errors.Join(errs...)
}
