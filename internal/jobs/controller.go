// Package jobs is the lifecycle controller: it creates, pauses, resumes,
// deletes and manually runs jobs, and reloads them after a restart.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"scriptsched/internal/job"
	"scriptsched/internal/storage"
	"scriptsched/internal/task/engine"
	"scriptsched/internal/task/scheduler"
	"scriptsched/internal/validate"
	logx "scriptsched/pkg/logx"
)

// Scripts stores uploaded script content.
type Scripts interface {
	Save(uploadName string, src []byte) (string, error)
	Remove(ref string) error
}

// NewJob is the input of Schedule.
type NewJob struct {
	Name        string
	Description string
	Script      string // stored script reference; set by Submit
	Frequency   job.Frequency
	At          job.TimeOfDay
	StartDate   time.Time
	EndDate     *time.Time
}

type Controller struct {
	store     storage.Store
	sched     *scheduler.Service
	validator validate.Validator
	scripts   Scripts
	log       logx.Logger
	now       func() time.Time
}

type Option func(*Controller)

func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

func New(store storage.Store, sched *scheduler.Service, validator validate.Validator, scripts Scripts, log logx.Logger, opts ...Option) *Controller {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Controller{
		store:     store,
		sched:     sched,
		validator: validator,
		scripts:   scripts,
		log:       log,
		now:       time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Location is the timezone dates and times of day are interpreted in.
func (c *Controller) Location() *time.Location { return c.sched.Location() }

func (c *Controller) ValidateScript(ctx context.Context, src []byte) validate.Result {
	return c.validator.Validate(ctx, src)
}

// Submit validates src, stores it and schedules a job running it. Nothing is
// persisted when validation fails.
func (c *Controller) Submit(ctx context.Context, nj NewJob, uploadName string, src []byte) (*job.Job, error) {
	if err := c.checkNewJob(nj, false); err != nil {
		return nil, err
	}
	if err := c.ValidateScript(ctx, src).Err(); err != nil {
		return nil, err
	}
	ref, err := c.scripts.Save(uploadName, src)
	if err != nil {
		return nil, err
	}
	nj.Script = ref
	j, err := c.Schedule(ctx, nj)
	if err != nil {
		if rmErr := c.scripts.Remove(ref); rmErr != nil {
			c.log.Warn("orphaned script not removed", logx.String("script", ref), logx.Err(rmErr))
		}
		return nil, err
	}
	return j, nil
}

// Schedule creates a SCHEDULED job and registers its trigger. A trigger that
// cannot be registered is logged; the job is kept with no next execution.
func (c *Controller) Schedule(ctx context.Context, nj NewJob) (*job.Job, error) {
	if err := c.checkNewJob(nj, true); err != nil {
		return nil, err
	}
	now := c.now()
	j := &job.Job{
		ID:          uuid.NewString(),
		Name:        strings.TrimSpace(nj.Name),
		Description: strings.TrimSpace(nj.Description),
		Script:      nj.Script,
		Frequency:   nj.Frequency,
		At:          nj.At,
		StartDate:   nj.StartDate,
		EndDate:     nj.EndDate,
		Status:      job.StatusScheduled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.store.CreateJob(ctx, j); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	log := c.log.With(logx.String("job", j.ID))

	if err := c.sched.Register(j); err != nil {
		log.Error("job created without trigger", logx.Err(err))
		return j, nil
	}
	next := c.CalculateNextExecution(j)
	updated, err := c.store.UpdateJob(ctx, j.ID, func(cur *job.Job) error {
		cur.NextExecution = next
		return nil
	})
	if err != nil {
		c.sched.Unregister(j.ID)
		return nil, fmt.Errorf("set next execution: %w", err)
	}
	log.Info("job scheduled",
		logx.String("name", updated.Name),
		logx.String("frequency", string(updated.Frequency)),
		logx.String("at", updated.At.String()),
		logx.TimePtr("next", updated.NextExecution),
	)
	return updated, nil
}

func (c *Controller) checkNewJob(nj NewJob, needScript bool) error {
	invalid := func(msg string) error { return fmt.Errorf("%w: %s", ErrInvalidJob, msg) }
	switch {
	case strings.TrimSpace(nj.Name) == "":
		return invalid("name is required")
	case !nj.Frequency.Valid():
		return invalid(fmt.Sprintf("unknown frequency %q", string(nj.Frequency)))
	case !nj.At.Valid():
		return invalid("execution time must be HH:MM")
	case nj.StartDate.IsZero():
		return invalid("start date is required")
	case needScript && strings.TrimSpace(nj.Script) == "":
		return invalid("script is required")
	}
	if nj.EndDate != nil {
		loc := c.Location()
		end := job.Midnight(*nj.EndDate, loc)
		if end.Before(job.Midnight(nj.StartDate, loc)) {
			return invalid("end date is before start date")
		}
		if !job.Midnight(c.now(), loc).Before(end) {
			return invalid("end date has already passed")
		}
	}
	return nil
}

// Pause suspends a SCHEDULED, RUNNING or FAILED job. A run in flight
// finishes; its job stays PAUSED.
func (c *Controller) Pause(ctx context.Context, id string) (*job.Job, error) {
	j, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !pausable(j.Status) {
		return nil, fmt.Errorf("%w: cannot pause a %s job", ErrInvalidTransition, j.Status)
	}
	pending, err := c.sched.Pause(id)
	if err != nil {
		return nil, err
	}
	updated, err := c.store.UpdateJob(ctx, id, func(cur *job.Job) error {
		if !pausable(cur.Status) {
			return fmt.Errorf("%w: cannot pause a %s job", ErrInvalidTransition, cur.Status)
		}
		cur.Status = job.StatusPaused
		cur.NextExecution = timeOrNil(pending)
		return nil
	})
	if err != nil {
		// The job changed underneath; put the trigger back.
		if _, rerr := c.sched.Resume(id); rerr != nil {
			c.log.Warn("trigger not restored after failed pause", logx.String("job", id), logx.Err(rerr))
		}
		return nil, c.mapStoreErr(err)
	}
	c.log.Info("job paused", logx.String("job", id), logx.TimePtr("pending", updated.NextExecution))
	return updated, nil
}

func pausable(s job.Status) bool {
	return s == job.StatusScheduled || s == job.StatusRunning || s == job.StatusFailed
}

// Resume re-arms a PAUSED job. Its pending fire time is kept when it is still
// ahead.
func (c *Controller) Resume(ctx context.Context, id string) (*job.Job, error) {
	j, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Status != job.StatusPaused {
		return nil, fmt.Errorf("%w: cannot resume a %s job", ErrInvalidTransition, j.Status)
	}
	next, err := c.sched.Resume(id)
	if err != nil {
		return nil, err
	}
	updated, err := c.store.UpdateJob(ctx, id, func(cur *job.Job) error {
		if cur.Status != job.StatusPaused {
			return fmt.Errorf("%w: cannot resume a %s job", ErrInvalidTransition, cur.Status)
		}
		cur.NextExecution = timeOrNil(next)
		if cur.NextExecution == nil {
			cur.Status = job.StatusCompleted
		} else {
			cur.Status = job.StatusScheduled
		}
		return nil
	})
	if err != nil {
		if _, perr := c.sched.Pause(id); perr != nil {
			c.log.Warn("trigger not re-paused after failed resume", logx.String("job", id), logx.Err(perr))
		}
		return nil, c.mapStoreErr(err)
	}
	if updated.Status == job.StatusCompleted {
		c.sched.Unregister(id)
	}
	c.log.Info("job resumed", logx.String("job", id), logx.String("status", string(updated.Status)), logx.TimePtr("next", updated.NextExecution))
	return updated, nil
}

// Delete removes the job's trigger, its execution history, the job and its
// stored script.
func (c *Controller) Delete(ctx context.Context, id string) error {
	j, err := c.Get(ctx, id)
	if err != nil {
		return err
	}
	c.sched.Unregister(id)
	if err := c.store.DeleteJob(ctx, id); err != nil {
		return c.mapStoreErr(err)
	}
	if j.Script != "" && c.scripts != nil {
		if err := c.scripts.Remove(j.Script); err != nil {
			c.log.Warn("script not removed", logx.String("job", id), logx.String("script", j.Script), logx.Err(err))
		}
	}
	c.log.Info("job deleted", logx.String("job", id))
	return nil
}

// RunNow dispatches one run of the job immediately. The run is asynchronous;
// its outcome shows up in the execution history. Paused and completed jobs
// are refused.
func (c *Controller) RunNow(ctx context.Context, id string) error {
	j, err := c.Get(ctx, id)
	if err != nil {
		return err
	}
	if j.Status == job.StatusPaused || j.Status == job.StatusCompleted {
		return fmt.Errorf("%w: cannot run a %s job", ErrInvalidTransition, j.Status)
	}
	err = c.sched.DispatchWait(ctx, id)
	switch {
	case err == nil:
		c.log.Info("manual run dispatched", logx.String("job", id))
		return nil
	case errors.Is(err, engine.ErrOverlapSkip):
		return ErrRunInProgress
	default:
		return fmt.Errorf("dispatch run: %w", err)
	}
}

// CalculateNextExecution returns when j would fire next from now.
func (c *Controller) CalculateNextExecution(j *job.Job) *time.Time {
	return scheduler.NextExecution(j, c.now(), c.Location())
}

func (c *Controller) Get(ctx context.Context, id string) (*job.Job, error) {
	j, err := c.store.GetJob(ctx, id)
	if err != nil {
		return nil, c.mapStoreErr(err)
	}
	return j, nil
}

func (c *Controller) List(ctx context.Context) ([]*job.Job, error) {
	return c.store.ListJobs(ctx)
}

// Executions returns the job's run history, newest first.
func (c *Controller) Executions(ctx context.Context, id string, limit int) ([]*job.Execution, error) {
	if _, err := c.Get(ctx, id); err != nil {
		return nil, err
	}
	return c.store.ListExecutions(ctx, id, limit)
}

func (c *Controller) Execution(ctx context.Context, execID int64) (*job.Execution, error) {
	e, err := c.store.GetExecution(ctx, execID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrExecutionNotFound
	}
	return e, err
}

// RunCompleted unregisters the trigger of a job that has no future runs.
func (c *Controller) RunCompleted(jobID string) {
	if c.sched.Unregister(jobID) {
		c.log.Info("job completed; trigger removed", logx.String("job", jobID))
	}
}

func (c *Controller) mapStoreErr(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return ErrJobNotFound
	}
	return err
}

func timeOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
