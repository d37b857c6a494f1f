package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"scriptsched/internal/job"
	"scriptsched/internal/task/engine"
	logx "scriptsched/pkg/logx"
)

// Register creates or replaces the trigger of j. Registering the same job
// twice never produces duplicate firings.
func (s *Service) Register(j *job.Job) error {
	return s.register(j, false, nil)
}

// RegisterPaused registers j's trigger in paused state. resumeAt, when set
// and still ahead at resume time, becomes the first fire after Resume.
func (s *Service) RegisterPaused(j *job.Job, resumeAt *time.Time) error {
	return s.register(j, true, resumeAt)
}

func (s *Service) register(j *job.Job, paused bool, resumeAt *time.Time) error {
	if j == nil || strings.TrimSpace(j.ID) == "" {
		return &SchedulingError{Err: errors.New("job id required")}
	}
	d := &trigger{
		jobID:  j.ID,
		name:   j.Name,
		freq:   j.Frequency,
		at:     j.At,
		start:  j.StartDate,
		end:    j.EndDate,
		paused: paused,
	}
	if paused && resumeAt != nil {
		d.resumeAt = *resumeAt
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.buildLocked(d); err != nil {
		s.log.Error("trigger register failed", logx.String("job", j.ID), logx.Err(err))
		return &SchedulingError{JobID: j.ID, Err: err}
	}
	s.removeLocked(j.ID)
	s.defs[j.ID] = d
	s.armLocked(d)

	s.log.Debug("trigger registered",
		logx.String("job", j.ID),
		logx.String("frequency", string(j.Frequency)),
		logx.String("at", j.At.String()),
		logx.Bool("paused", paused),
		logx.String("next", s.previewLocked(d, 3)),
	)
	return nil
}

// Unregister removes the trigger of jobID. It reports whether one existed.
func (s *Service) Unregister(jobID string) bool {
	s.mu.Lock()
	removed := s.removeLocked(jobID)
	s.mu.Unlock()

	s.enqMu.Lock()
	delete(s.lastEnqWarn, jobID)
	s.enqMu.Unlock()

	if removed {
		s.log.Debug("trigger removed", logx.String("job", jobID))
	}
	return removed
}

// Pause suspends the trigger of jobID and returns the fire time it was
// waiting for (zero if the window is exhausted).
func (s *Service) Pause(jobID string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defs[jobID]
	if !ok {
		return time.Time{}, ErrTriggerNotFound
	}
	if d.paused {
		return d.resumeAt, nil
	}
	d.resumeAt = d.sched.Next(time.Now())
	d.paused = true
	s.disarmLocked(d)
	s.log.Debug("trigger paused", logx.String("job", jobID), logx.Time("pending", d.resumeAt))
	return d.resumeAt, nil
}

// Resume re-arms a paused trigger and returns its next fire time (zero if
// none). The fire time captured on Pause is kept when it is still ahead.
func (s *Service) Resume(jobID string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defs[jobID]
	if !ok {
		return time.Time{}, ErrTriggerNotFound
	}
	now := time.Now()
	if !d.paused {
		return d.sched.Next(now), nil
	}
	d.paused = false
	if !d.resumeAt.After(now) {
		d.resumeAt = time.Time{}
	}
	if err := s.buildLocked(d); err != nil {
		// The definition was valid when registered; keep the trigger paused.
		d.paused = true
		return time.Time{}, &SchedulingError{JobID: jobID, Err: err}
	}
	d.resumeAt = time.Time{}
	s.armLocked(d)
	next := d.sched.Next(now)
	s.log.Debug("trigger resumed", logx.String("job", jobID), logx.Time("next", next))
	return next, nil
}

// Next returns the upcoming fire time of jobID. ok is false when the job has
// no trigger, is paused, or will never fire again.
func (s *Service) Next(jobID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defs[jobID]
	if !ok || d.paused {
		return time.Time{}, false
	}
	n := d.sched.Next(time.Now())
	return n, !n.IsZero()
}

// Has reports whether jobID has a registered trigger.
func (s *Service) Has(jobID string) bool {
	s.mu.Lock()
	_, ok := s.defs[jobID]
	s.mu.Unlock()
	return ok
}

// Dispatch enqueues one run of jobID on the engine. At most one run per job
// is queued or running at a time; a second one fails with
// engine.ErrOverlapSkip.
func (s *Service) Dispatch(jobID string) error {
	if s.engine == nil || s.run == nil {
		return engine.ErrStopped
	}
	return s.engine.Enqueue(s.runTask(jobID))
}

// DispatchWait is Dispatch for manual runs: when the queue is full it waits
// for room until ctx is done instead of dropping the run.
func (s *Service) DispatchWait(ctx context.Context, jobID string) error {
	if s.engine == nil || s.run == nil {
		return engine.ErrStopped
	}
	return s.engine.Submit(ctx, s.runTask(jobID))
}

func (s *Service) runTask(jobID string) engine.Task {
	run := s.run
	return engine.Task{
		Name:    "job:" + jobID,
		Key:     jobID,
		Overlap: engine.OverlapSkipIfRunning,
		Run:     func(ctx context.Context) error { return run(ctx, jobID) },
	}
}

func (s *Service) fire(jobID string) {
	s.log.Debug("trigger fired", logx.String("job", jobID))
	s.reportEnqueueError(jobID, s.Dispatch(jobID))
}

// buildLocked (re)creates d's schedule in the current location. Call with
// s.mu held.
func (s *Service) buildLocked(d *trigger) error {
	sched, err := s.buildSchedule(d, s.loc)
	if err != nil {
		return err
	}
	if !d.resumeAt.IsZero() {
		sched = &resumeSchedule{base: sched, first: d.resumeAt}
	}
	d.sched = sched
	return nil
}

// armLocked adds d to the running cron loop. Call with s.mu held.
func (s *Service) armLocked(d *trigger) {
	if s.c == nil || d.paused || d.entryID != 0 {
		return
	}
	jobID := d.jobID
	d.entryID = s.c.Schedule(d.sched, cron.FuncJob(func() { s.fire(jobID) }))
}

func (s *Service) disarmLocked(d *trigger) {
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	d.entryID = 0
}

func (s *Service) removeLocked(jobID string) bool {
	d, ok := s.defs[jobID]
	if !ok {
		return false
	}
	s.disarmLocked(d)
	delete(s.defs, jobID)
	return true
}

// previewLocked returns a short list of upcoming fire times for debug logs.
func (s *Service) previewLocked(d *trigger, n int) string {
	if d.paused || !s.log.Enabled(logx.LevelDebug) {
		return ""
	}
	var b strings.Builder
	t := time.Now()
	for i := 0; i < n; i++ {
		t = d.sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04 MST"))
	}
	return b.String()
}
