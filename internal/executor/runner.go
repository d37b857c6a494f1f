// Package executor runs one attempt of a job's script as an isolated,
// time-bounded subprocess and records the outcome.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"scriptsched/internal/job"
	"scriptsched/internal/storage"
	"scriptsched/internal/task/scheduler"
	logx "scriptsched/pkg/logx"
)

const (
	DefaultInterpreter    = "python3"
	DefaultTimeout        = 300 * time.Second
	DefaultWaitDelay      = 5 * time.Second
	DefaultMaxOutputBytes = 1 << 20

	// finishTimeout bounds the final write when the run context is already
	// canceled (daemon shutdown).
	finishTimeout = 10 * time.Second
)

// Config controls subprocess execution.
type Config struct {
	Interpreter string
	Timeout     time.Duration
	// WaitDelay bounds how long Wait blocks on the output pipes after the
	// process was killed.
	WaitDelay time.Duration
	// MaxOutputBytes caps each of stdout and stderr. <0 means unlimited.
	MaxOutputBytes int
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Interpreter) == "" {
		c.Interpreter = DefaultInterpreter
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.WaitDelay <= 0 {
		c.WaitDelay = DefaultWaitDelay
	}
	if c.MaxOutputBytes == 0 {
		c.MaxOutputBytes = DefaultMaxOutputBytes
	}
	return c
}

// ScriptResolver maps a job's stored script reference to a file path.
type ScriptResolver interface {
	Path(ref string) (string, error)
}

type Option func(*Runner)

// WithLocation sets the timezone source used to recompute next executions.
func WithLocation(loc func() *time.Location) Option {
	return func(r *Runner) {
		if loc != nil {
			r.loc = loc
		}
	}
}

// WithOnCompleted registers a hook called after a run leaves its job
// COMPLETED.
func WithOnCompleted(fn func(jobID string)) Option {
	return func(r *Runner) { r.onCompleted = fn }
}

func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

type Runner struct {
	cfg     Config
	store   storage.Store
	scripts ScriptResolver
	log     logx.Logger

	loc         func() *time.Location
	now         func() time.Time
	onCompleted func(jobID string)
}

func New(cfg Config, store storage.Store, scripts ScriptResolver, log logx.Logger, opts ...Option) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Runner{
		cfg:     cfg.withDefaults(),
		store:   store,
		scripts: scripts,
		log:     log,
		loc:     func() *time.Location { return time.Local },
		now:     time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Runner) Config() Config { return r.cfg }

// outcome is the classified result of one subprocess run.
type outcome struct {
	status   job.ExecutionStatus
	stdout   string
	stderr   string
	duration time.Duration
}

// Execute performs one run attempt of jobID. Script failures are recorded,
// never returned; only storage failures surface as errors. A job that no
// longer exists, or is paused or completed, is ignored.
func (r *Runner) Execute(ctx context.Context, jobID string) error {
	log := r.log.With(logx.String("job", jobID))

	startedAt := r.now()
	j, e, err := r.store.StartRun(ctx, jobID, startedAt)
	if errors.Is(err, storage.ErrNotFound) {
		log.Debug("run skipped: job no longer exists")
		return nil
	}
	if errors.Is(err, storage.ErrNotRunnable) {
		log.Info("run skipped", logx.Err(err))
		return nil
	}
	if err != nil {
		return fmt.Errorf("start run of %s: %w", jobID, err)
	}
	log = log.With(logx.Int64("execution", e.ID))
	log.Info("run started", logx.String("script", j.Script))

	res := r.run(ctx, j, e)

	e.Status = res.status
	e.Output = res.stdout
	e.ErrorOutput = res.stderr
	e.Duration = res.duration
	e.CompletedAt = job.TimePtr(startedAt.Add(res.duration))

	finishCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		finishCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
		defer cancel()
	}

	final, err := r.store.FinishRun(finishCtx, e, func(cur *job.Job) error {
		r.settle(cur, res.status)
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		log.Info("run finished after job was deleted", logx.String("status", string(res.status)))
		return nil
	}
	if err != nil {
		return fmt.Errorf("finish run of %s: %w", jobID, err)
	}

	fields := []logx.Field{
		logx.String("status", string(res.status)),
		logx.Duration("dur", res.duration),
		logx.String("job_status", string(final.Status)),
		logx.TimePtr("next", final.NextExecution),
	}
	if res.status == job.ExecSuccess {
		log.Info("run finished", fields...)
	} else {
		log.Warn("run failed", append(fields, logx.String("error_output", firstLine(res.stderr)))...)
	}

	if final.Status == job.StatusCompleted && r.onCompleted != nil {
		r.onCompleted(jobID)
	}
	return nil
}

// settle applies the post-run bookkeeping to the job as currently stored.
func (r *Runner) settle(cur *job.Job, status job.ExecutionStatus) {
	cur.ExecutionCount++
	cur.NextExecution = scheduler.NextExecution(cur, r.now(), r.loc())
	switch {
	case cur.NextExecution == nil:
		cur.Status = job.StatusCompleted
	case cur.Status == job.StatusPaused:
		// Paused while the script ran; the pause wins.
	case status == job.ExecSuccess:
		cur.Status = job.StatusScheduled
	default:
		cur.Status = job.StatusFailed
	}
}

func (r *Runner) run(ctx context.Context, j *job.Job, e *job.Execution) outcome {
	start := time.Now()
	fail := func(msg string) outcome {
		return outcome{status: job.ExecError, stderr: msg, duration: time.Since(start)}
	}

	if r.scripts == nil {
		return fail("no script resolver configured")
	}
	path, err := r.scripts.Path(j.Script)
	if err != nil {
		return fail(fmt.Sprintf("resolve script: %v", err))
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fail("Script file not found: " + path)
		}
		return fail(fmt.Sprintf("stat script: %v", err))
	}

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.cfg.Interpreter, path)
	cmd.Dir = filepath.Dir(path)
	cmd.Env = append(os.Environ(),
		"PYTHONUNBUFFERED=1",
		"SCRIPTSCHED_JOB_ID="+j.ID,
		"SCRIPTSCHED_EXECUTION_ID="+strconv.FormatInt(e.ID, 10),
	)
	cmd.WaitDelay = r.cfg.WaitDelay
	isolate(cmd)

	stdout := &cappedBuffer{max: r.cfg.MaxOutputBytes}
	stderr := &cappedBuffer{max: r.cfg.MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err = cmd.Run()
	dur := time.Since(start)

	switch {
	case ctx.Err() != nil:
		return outcome{status: job.ExecError, stdout: stdout.String(), stderr: "execution interrupted: shutting down", duration: dur}
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return outcome{
			status:   job.ExecTimeout,
			stdout:   stdout.String(),
			stderr:   fmt.Sprintf("Script execution timed out after %s", r.cfg.Timeout),
			duration: r.cfg.Timeout,
		}
	case err == nil:
		return outcome{status: job.ExecSuccess, stdout: stdout.String(), stderr: stderr.String(), duration: dur}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		msg := stderr.String()
		if strings.TrimSpace(msg) == "" {
			msg = fmt.Sprintf("Script exited with code %d", exitErr.ExitCode())
		}
		return outcome{status: job.ExecError, stdout: stdout.String(), stderr: msg, duration: dur}
	}
	return outcome{status: job.ExecError, stdout: stdout.String(), stderr: fmt.Sprintf("launch %s: %v", r.cfg.Interpreter, err), duration: dur}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
