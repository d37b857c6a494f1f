package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero Logger should report IsZero")
	}
	// Must not panic.
	l.Info("hello", String("k", "v"))
	l.With(Int("n", 1)).Error("boom", Err(errors.New("x")))
}

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").With(String("comp", "test"))
	next := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)
	l.Info("job scheduled", String("job", "abc"), TimePtr("next", &next), TimePtr("none", nil))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal: %v (%q)", err, buf.String())
	}
	if m["comp"] != "test" || m["job"] != "abc" {
		t.Fatalf("missing fields: %v", m)
	}
	if m["none"] != "" {
		t.Fatalf("nil time should render empty, got %v", m["none"])
	}
	if !strings.HasPrefix(m["caller"].(string), "logging_test.go:") {
		t.Fatalf("caller = %v", m["caller"])
	}
}

func TestLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewWriter(&buf, "warn")
	l.Debug("hidden")
	l.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected nothing below warn, got %q", buf.String())
	}
	if l.Enabled(LevelDebug) {
		t.Fatal("debug should be disabled")
	}
	l.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("warn not written: %q", buf.String())
	}
}

// NewConsole sets zerolog globals, so this one is not parallel.
func TestConsoleLevel(t *testing.T) {
	l := NewConsole("warn")
	if l.IsZero() {
		t.Fatal("console logger is zero")
	}
	if l.Enabled(LevelInfo) || !l.Enabled(LevelError) {
		t.Fatal("console logger ignores its level")
	}
	if !NewConsole("bogus").Enabled(LevelInfo) {
		t.Fatal("unknown level should fall back to info")
	}
}

func TestValidLevel(t *testing.T) {
	t.Parallel()
	for _, s := range []string{"", "debug", "INFO", "warning", "Error"} {
		if !ValidLevel(s) {
			t.Fatalf("ValidLevel(%q) = false", s)
		}
	}
	if ValidLevel("loud") {
		t.Fatal("ValidLevel(loud) = true")
	}
}
