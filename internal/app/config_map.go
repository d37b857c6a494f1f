package app

import (
	"strings"
	"time"

	"scriptsched/internal/api"
	"scriptsched/internal/config"
	"scriptsched/internal/executor"
	"scriptsched/internal/observability/pprof"
	"scriptsched/internal/storage"
	"scriptsched/internal/task/engine"
	"scriptsched/internal/task/scheduler"
	"scriptsched/internal/validate"
	logx "scriptsched/pkg/logx"
)

const (
	defaultHTTPAddr     = "127.0.0.1:8080"
	defaultScriptDir    = "./uploads"
	defaultDBPath       = "./data/scriptsched.db"
	defaultReadTimeout  = 30 * time.Second
	defaultWriteTimeout = 60 * time.Second
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapScheduler(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:  cfg.Scheduler.IsEnabled(),
		Timezone: strings.TrimSpace(cfg.Scheduler.Timezone),
	}
}

// mapEngine leaves DefaultTimeout at zero: the executor owns the per-run
// deadline and must tell a timeout apart from shutdown.
func mapEngine(cfg *config.Config) engine.Config {
	return engine.Config{
		Enabled:     true,
		Workers:     cfg.Engine.Workers,
		QueueSize:   cfg.Engine.QueueSize,
		HistorySize: cfg.Engine.HistorySize,
	}
}

func mapExecutor(cfg *config.Config) (executor.Config, error) {
	timeout, err := config.ParseDurationOrDefault("executor.timeout", cfg.Executor.Timeout, executor.DefaultTimeout)
	if err != nil {
		return executor.Config{}, err
	}
	waitDelay, err := config.ParseDurationOrDefault("executor.wait_delay", cfg.Executor.WaitDelay, executor.DefaultWaitDelay)
	if err != nil {
		return executor.Config{}, err
	}
	return executor.Config{
		Interpreter:    strings.TrimSpace(cfg.Executor.Interpreter),
		Timeout:        timeout,
		WaitDelay:      waitDelay,
		MaxOutputBytes: cfg.Executor.MaxOutputBytes,
	}, nil
}

func scriptDir(cfg *config.Config) string {
	if d := strings.TrimSpace(cfg.Executor.ScriptDir); d != "" {
		return d
	}
	return defaultScriptDir
}

func mapValidator(cfg *config.Config) (validate.Config, error) {
	timeout, err := config.ParseDurationOrDefault("validator.timeout", cfg.Validator.Timeout, validate.DefaultTimeout)
	if err != nil {
		return validate.Config{}, err
	}
	interp := strings.TrimSpace(cfg.Validator.Interpreter)
	if interp == "" {
		interp = strings.TrimSpace(cfg.Executor.Interpreter)
	}
	return validate.Config{Interpreter: interp, Timeout: timeout}, nil
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	sc := storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: busy,
	}
	if sc.Driver == "" {
		sc.Driver = "sqlite"
	}
	if sc.Driver == "sqlite" && sc.Path == "" {
		sc.Path = defaultDBPath
	}
	return sc, nil
}

type httpSettings struct {
	addr         string
	readTimeout  time.Duration
	writeTimeout time.Duration
	api          api.Config
}

func mapHTTP(cfg *config.Config) (httpSettings, error) {
	rt, err := config.ParseDurationOrDefault("http.read_timeout", cfg.HTTP.ReadTimeout, defaultReadTimeout)
	if err != nil {
		return httpSettings{}, err
	}
	wt, err := config.ParseDurationOrDefault("http.write_timeout", cfg.HTTP.WriteTimeout, defaultWriteTimeout)
	if err != nil {
		return httpSettings{}, err
	}
	addr := strings.TrimSpace(cfg.HTTP.Addr)
	if addr == "" {
		addr = defaultHTTPAddr
	}
	return httpSettings{
		addr:         addr,
		readTimeout:  rt,
		writeTimeout: wt,
		api: api.Config{
			MaxUploadBytes: cfg.HTTP.MaxUploadBytes,
			RatePerSec:     cfg.HTTP.RatePerSec,
			Burst:          cfg.HTTP.Burst,
		},
	}, nil
}

func mapPprof(cfg *config.Config) pprof.Config {
	return pprof.Config{
		Enabled:              cfg.Pprof.Enabled,
		Addr:                 strings.TrimSpace(cfg.Pprof.Addr),
		Token:                cfg.Pprof.Token,
		AllowInsecure:        cfg.Pprof.AllowInsecure,
		MutexProfileFraction: cfg.Pprof.MutexProfileFraction,
		BlockProfileRate:     cfg.Pprof.BlockProfileRate,
	}
}
