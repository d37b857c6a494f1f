package validate

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	logx "scriptsched/pkg/logx"
)

func newPython(t *testing.T) *Python {
	t.Helper()
	py, err := exec.LookPath("python3")
	if err != nil {
		t.Skip("python3 not available")
	}
	return NewPython(Config{Interpreter: py}, logx.Nop())
}

func TestValidatePython(t *testing.T) {
	t.Parallel()
	v := newPython(t)

	tests := []struct {
		name   string
		src    string
		ok     bool
		prefix string
	}{
		{"valid", "import os\nprint(os.getcwd())\n", true, "Script is valid"},
		{"never executed", "import sys\nsys.exit(3)\nraise SystemExit(1)\n", true, "Script is valid"},
		{"syntax error", "def broken(:\n    pass\n", false, "Syntax error: "},
		{"bad indent", "if True:\nprint('x')\n", false, "Syntax error: "},
		{"empty", "   \n", false, "Validation error: "},
		{"null byte", "print('a')\x00\n", false, "Validation error: "},
		{"invalid utf8", "print('\xff')\n", false, "Validation error: "},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := v.Validate(context.Background(), []byte(tt.src))
			if res.OK != tt.ok || !strings.HasPrefix(res.Message, tt.prefix) {
				t.Fatalf("Validate = %+v, want ok=%v prefix %q", res, tt.ok, tt.prefix)
			}
		})
	}
}

func TestSyntaxErrorLocation(t *testing.T) {
	t.Parallel()
	v := newPython(t)
	res := v.Validate(context.Background(), []byte("x = 1\ndef f(:\n    pass\n"))
	if res.OK || !strings.Contains(res.Message, "(line 2") {
		t.Fatalf("Validate = %+v", res)
	}
}

func TestValidateMissingInterpreter(t *testing.T) {
	t.Parallel()
	v := NewPython(Config{Interpreter: filepath.Join(t.TempDir(), "python-missing")}, logx.Nop())
	res := v.Validate(context.Background(), []byte("print(1)\n"))
	if res.OK || !strings.HasPrefix(res.Message, "Validation error: ") {
		t.Fatalf("Validate = %+v", res)
	}
}

func TestResultErr(t *testing.T) {
	t.Parallel()
	if err := (Result{OK: true, Message: validMessage}).Err(); err != nil {
		t.Fatalf("Err() = %v", err)
	}
	err := Result{Message: "Syntax error: x"}.Err()
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Message != "Syntax error: x" {
		t.Fatalf("Err() = %v", err)
	}
}
