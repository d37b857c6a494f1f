// Package validate checks uploaded Python scripts for syntax errors before
// any job is created from them. Scripts are parsed, never executed.
package validate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	logx "scriptsched/pkg/logx"
)

const (
	DefaultInterpreter = "python3"
	DefaultTimeout     = 10 * time.Second

	validMessage = "Script is valid"
)

// Result is the outcome of a validation.
type Result struct {
	OK      bool
	Message string
}

// Validator checks script source text.
type Validator interface {
	Validate(ctx context.Context, source []byte) Result
}

// ValidationError carries a rejected Result as an error value.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Err returns nil for a valid result and a *ValidationError otherwise.
func (r Result) Err() error {
	if r.OK {
		return nil
	}
	return &ValidationError{Message: r.Message}
}

type Config struct {
	Interpreter string
	Timeout     time.Duration
}

// parseProgram reads source from stdin and reports the outcome of
// ast.parse as one JSON line. Nothing in the source is executed.
const parseProgram = `import ast, json, sys
src = sys.stdin.buffer.read()
try:
    ast.parse(src, filename="<script>")
except SyntaxError as e:
    print(json.dumps({"ok": False, "msg": e.msg, "line": e.lineno, "col": e.offset}))
except (ValueError, MemoryError, RecursionError) as e:
    print(json.dumps({"ok": False, "error": str(e)}))
else:
    print(json.dumps({"ok": True}))
`

type parseReport struct {
	OK    bool   `json:"ok"`
	Msg   string `json:"msg"`
	Line  *int   `json:"line"`
	Col   *int   `json:"col"`
	Error string `json:"error"`
}

// Python validates scripts with the configured Python interpreter.
type Python struct {
	cfg Config
	log logx.Logger
}

func NewPython(cfg Config, log logx.Logger) *Python {
	if strings.TrimSpace(cfg.Interpreter) == "" {
		cfg.Interpreter = DefaultInterpreter
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Python{cfg: cfg, log: log}
}

func (p *Python) Validate(ctx context.Context, source []byte) Result {
	if len(bytes.TrimSpace(source)) == 0 {
		return Result{Message: "Validation error: script is empty"}
	}
	if bytes.IndexByte(source, 0) >= 0 {
		return Result{Message: "Validation error: script contains null bytes"}
	}
	if !utf8.Valid(source) {
		return Result{Message: "Validation error: script is not valid UTF-8"}
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.cfg.Interpreter, "-I", "-c", parseProgram)
	cmd.Stdin = bytes.NewReader(source)
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("parser timed out after %s", p.cfg.Timeout)
		} else if msg := strings.TrimSpace(stderr.String()); msg != "" {
			err = fmt.Errorf("%w: %s", err, lastLine(msg))
		}
		p.log.Warn("validator failed to run", logx.String("interpreter", p.cfg.Interpreter), logx.Err(err))
		return Result{Message: "Validation error: " + err.Error()}
	}

	var rep parseReport
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &rep); err != nil {
		return Result{Message: fmt.Sprintf("Validation error: unreadable parser output: %v", err)}
	}
	switch {
	case rep.OK:
		return Result{OK: true, Message: validMessage}
	case rep.Error != "":
		return Result{Message: "Validation error: " + rep.Error}
	default:
		return Result{Message: syntaxMessage(rep)}
	}
}

func syntaxMessage(rep parseReport) string {
	msg := "Syntax error: " + rep.Msg
	switch {
	case rep.Line != nil && rep.Col != nil:
		msg += fmt.Sprintf(" (line %d, column %d)", *rep.Line, *rep.Col)
	case rep.Line != nil:
		msg += fmt.Sprintf(" (line %d)", *rep.Line)
	}
	return msg
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
