package config

// Config is the on-disk configuration (JSON, or YAML coerced to JSON).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "5m").
// Omitted fields fall back to the defaults of the component they configure.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Engine    EngineConfig    `json:"engine"`
	Executor  ExecutorConfig  `json:"executor"`
	Validator ValidatorConfig `json:"validator"`
	Storage   StorageConfig   `json:"storage"`
	HTTP      HTTPConfig      `json:"http"`
	Pprof     PprofConfig     `json:"pprof"`
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

// SchedulerConfig controls the trigger service.
//
// Enabled is a pointer so an omitted key means enabled.
type SchedulerConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	// Timezone is an IANA name ("Europe/Berlin"). Empty means the host's
	// local zone.
	Timezone string `json:"timezone,omitempty"`
}

func (s SchedulerConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// EngineConfig sizes the worker pool that runs dispatched jobs.
//
// Defaults: workers 10, queue_size 256, history_size 200.
type EngineConfig struct {
	Workers     int `json:"workers,omitempty"`
	QueueSize   int `json:"queue_size,omitempty"`
	HistorySize int `json:"history_size,omitempty"`
}

// ExecutorConfig controls script subprocesses.
//
// Defaults: interpreter "python3", script_dir "./uploads", timeout "300s",
// wait_delay "5s", max_output_bytes 1 MiB (-1 for unlimited).
type ExecutorConfig struct {
	Interpreter    string `json:"interpreter,omitempty"`
	ScriptDir      string `json:"script_dir,omitempty"`
	Timeout        string `json:"timeout,omitempty"`
	WaitDelay      string `json:"wait_delay,omitempty"`
	MaxOutputBytes int    `json:"max_output_bytes,omitempty"`
}

// ValidatorConfig controls syntax checking of uploads. Interpreter defaults
// to the executor's.
type ValidatorConfig struct {
	Interpreter string `json:"interpreter,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/jobs.db" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // sqlite (default) | memory
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// HTTPConfig controls the JSON API listener.
//
// Defaults: addr "127.0.0.1:8080", max_upload_bytes 16 MiB, rate_per_sec 5,
// burst 20. A negative rate_per_sec disables rate limiting.
type HTTPConfig struct {
	Addr           string  `json:"addr,omitempty"`
	MaxUploadBytes int64   `json:"max_upload_bytes,omitempty"`
	RatePerSec     float64 `json:"rate_per_sec,omitempty"`
	Burst          int     `json:"burst,omitempty"`
	ReadTimeout    string  `json:"read_timeout,omitempty"`
	WriteTimeout   string  `json:"write_timeout,omitempty"`
}

// PprofConfig controls the optional profiling listener (default addr
// "127.0.0.1:6060"). A non-loopback addr needs a token or allow_insecure.
type PprofConfig struct {
	Enabled              bool   `json:"enabled"`
	Addr                 string `json:"addr,omitempty"`
	Token                string `json:"token,omitempty"`
	AllowInsecure        bool   `json:"allow_insecure,omitempty"`
	MutexProfileFraction int    `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int    `json:"block_profile_rate,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Storage: StorageConfig{Driver: "sqlite"},
	}
}
