package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "scriptsched/pkg/logx"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  timezone: UTC
engine:
  workers: 4
executor:
  interpreter: /usr/bin/python3
  timeout: 2m
storage:
  driver: sqlite
  path: ./jobs.db
http:
  addr: 127.0.0.1:9000
  rate_per_sec: 2.5
`

func TestDecodeYAMLAndJSON(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode yaml: %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.Engine.Workers != 4 || cfg.Executor.Timeout != "2m" || cfg.HTTP.RatePerSec != 2.5 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if !cfg.Scheduler.IsEnabled() {
		t.Fatal("omitted scheduler.enabled should mean enabled")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	cfg, err = Decode("config.json", []byte(`{"scheduler":{"enabled":false},"storage":{"driver":"memory"}}`))
	if err != nil {
		t.Fatalf("Decode json: %v", err)
	}
	if cfg.Scheduler.IsEnabled() || cfg.Storage.Driver != "memory" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestDecodeIsStrict(t *testing.T) {
	t.Parallel()
	tests := map[string]struct {
		name string
		data string
	}{
		"unknown json key":   {"c.json", `{"telegram":{}}`},
		"unknown nested key": {"c.yaml", "executor:\n  retries: 3\n"},
		"trailing data":      {"c.json", `{} {}`},
		"bad yaml":           {"c.yml", "logging: [\n"},
	}
	for name, tc := range tests {
		if _, err := Decode(tc.name, []byte(tc.data)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	cfg := Default()
	cfg.Logging.Level = "loud"
	cfg.Scheduler.Timezone = "Mars/Olympus"
	cfg.Executor.Timeout = "soon"
	cfg.Validator.Timeout = "-1s"
	cfg.Storage.Driver = "postgres"
	cfg.Engine.Workers = -1

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"logging.level", "scheduler.timezone", "executor.timeout", "validator.timeout", "storage.driver", "engine.workers"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error does not mention %s: %v", want, err)
		}
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 5 * time.Second, false},
		{"0s", 5 * time.Second, false},
		{"90s", 90 * time.Second, false},
		{"-2s", 0, true},
		{"abc", 0, true},
	}
	for _, tc := range tests {
		got, err := ParseDurationOrDefault("x", tc.raw, 5*time.Second)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Errorf("ParseDurationOrDefault(%q) = %v, %v", tc.raw, got, err)
		}
	}
}

func TestDiff(t *testing.T) {
	t.Parallel()
	a := Default()
	b := Default()
	if ch := Diff(a, b); !ch.Empty() {
		t.Fatalf("identical configs differ: %v", ch.Sections)
	}

	b.Logging.Level = "debug"
	b.Scheduler.Timezone = "Europe/Berlin"
	b.HTTP.Addr = ":9999"
	b.Pprof.Enabled = true
	ch := Diff(a, b)
	if !ch.Has("logging") || !ch.Has("scheduler") || !ch.Has("http") || !ch.Has("pprof") || ch.Has("engine") {
		t.Fatalf("sections = %v", ch.Sections)
	}
	if cold := ch.ColdSections(); len(cold) != 1 || cold[0] != "http" {
		t.Fatalf("cold = %v", cold)
	}
}

func TestManagerLoadAndWatch(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "scriptsched.yaml")
	write := func(body string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	write("logging:\n  level: info\n")

	m := NewConfigManager(path, logx.Nop())
	m.debounce = 20 * time.Millisecond
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "info" || m.Get() != cfg {
		t.Fatalf("loaded = %+v", cfg)
	}

	updates := m.Subscribe(1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	write("logging:\n  level: [\n") // invalid; must not be published
	time.Sleep(100 * time.Millisecond)
	write("logging:\n  level: debug\n")

	select {
	case got := <-updates:
		if got.Logging.Level != "debug" {
			t.Fatalf("published level = %q", got.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload published")
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatalf("committed level = %q", m.Get().Logging.Level)
	}
}

func TestManagerLoadRejectsInvalid(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "c.json")
	if err := os.WriteFile(path, []byte(`{"storage":{"driver":"mongo"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	m := NewConfigManager(path, logx.Nop())
	if _, err := m.Load(); err == nil {
		t.Fatal("expected validation error")
	}
	if m.Get() != nil {
		t.Fatal("invalid config committed")
	}
}
