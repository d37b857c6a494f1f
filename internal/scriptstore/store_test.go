package scriptstore

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSanitize(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"report.py":           "report.py",
		"my report.py":        "my_report.py",
		"../../etc/passwd.py": "passwd.py",
		`C:\Users\x\daily.py`: "daily.py",
		"..hidden.py":         "hidden.py",
		"résumé.py":           "rsum.py",
		".py":                 "script.py",
		"weird;$(rm -rf).py":  "weirdrm_-rf.py",
	}
	for in, want := range tests {
		if got := Sanitize(in); got != want {
			t.Errorf("Sanitize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSaveReadRemove(t *testing.T) {
	t.Parallel()
	s, err := New(filepath.Join(t.TempDir(), "uploads"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ref, err := s.Save("hello world.py", []byte("print('hi')\n"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !strings.HasSuffix(ref, "_hello_world.py") {
		t.Fatalf("ref = %q", ref)
	}
	other, err := s.Save("hello world.py", []byte("print('again')\n"))
	if err != nil || other == ref {
		t.Fatalf("second Save = %q, %v", other, err)
	}

	got, err := s.Read(ref)
	if err != nil || string(got) != "print('hi')\n" {
		t.Fatalf("Read = %q, %v", got, err)
	}
	path, _ := s.Path(ref)
	if filepath.Dir(path) != s.Dir() {
		t.Fatalf("path %q escapes %q", path, s.Dir())
	}

	if err := s.Remove(ref); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("file still present: %v", err)
	}
	if err := s.Remove(ref); err != nil {
		t.Fatalf("second Remove: %v", err)
	}
}

func TestSaveRejectsExtension(t *testing.T) {
	t.Parallel()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, name := range []string{"run.sh", "script", "x.py.txt"} {
		if _, err := s.Save(name, []byte("x")); !errors.Is(err, ErrExtension) {
			t.Errorf("Save(%q) err = %v", name, err)
		}
	}
	if _, err := s.Save("UPPER.PY", []byte("x")); err != nil {
		t.Errorf("Save(UPPER.PY) err = %v", err)
	}
}

func TestPathRejectsEscape(t *testing.T) {
	t.Parallel()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, ref := range []string{"", "..", "../x.py", "a/b.py", `a\b.py`, "/etc/passwd"} {
		if _, err := s.Path(ref); !errors.Is(err, ErrBadRef) {
			t.Errorf("Path(%q) err = %v", ref, err)
		}
	}
}
