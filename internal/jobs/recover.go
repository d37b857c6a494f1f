package jobs

import (
	"context"
	"fmt"

	"scriptsched/internal/job"
	logx "scriptsched/pkg/logx"
)

const interruptedReason = "Execution interrupted by restart"

// RecoveryReport summarizes a Recover pass.
type RecoveryReport struct {
	Abandoned  int // running executions closed as errors
	Registered int
	Paused     int
	Completed  int
	Skipped    int // jobs whose trigger could not be registered
}

// Recover restores the trigger registry from storage after a restart. Runs
// left "running" by a crash are closed as errors and their jobs rescheduled.
// A job that cannot be re-registered is logged and skipped.
func (c *Controller) Recover(ctx context.Context) (RecoveryReport, error) {
	var rep RecoveryReport
	now := c.now()

	n, err := c.store.AbandonRunningExecutions(ctx, now, interruptedReason)
	if err != nil {
		return rep, fmt.Errorf("abandon running executions: %w", err)
	}
	rep.Abandoned = n

	list, err := c.store.ListJobsByStatus(ctx, job.StatusScheduled, job.StatusRunning, job.StatusFailed, job.StatusPaused)
	if err != nil {
		return rep, fmt.Errorf("load jobs: %w", err)
	}

	for _, j := range list {
		log := c.log.With(logx.String("job", j.ID))
		if j.Status == job.StatusPaused {
			if err := c.sched.RegisterPaused(j, j.NextExecution); err != nil {
				rep.Skipped++
				log.Error("paused job not restored", logx.Err(err))
				continue
			}
			rep.Paused++
			continue
		}

		if err := c.sched.Register(j); err != nil {
			rep.Skipped++
			log.Error("job not restored", logx.Err(err))
			if _, uerr := c.store.UpdateJob(ctx, j.ID, func(cur *job.Job) error {
				if cur.Status == job.StatusRunning {
					cur.Status = job.StatusScheduled
				}
				cur.NextExecution = nil
				return nil
			}); uerr != nil {
				log.Warn("job state not reset", logx.Err(uerr))
			}
			continue
		}

		next := c.CalculateNextExecution(j)
		updated, err := c.store.UpdateJob(ctx, j.ID, func(cur *job.Job) error {
			if cur.Status == job.StatusRunning {
				cur.Status = job.StatusScheduled
			}
			cur.NextExecution = next
			if next == nil {
				cur.Status = job.StatusCompleted
			}
			return nil
		})
		if err != nil {
			rep.Skipped++
			c.sched.Unregister(j.ID)
			log.Error("job state not restored", logx.Err(err))
			continue
		}
		if updated.Status == job.StatusCompleted {
			c.sched.Unregister(j.ID)
			rep.Completed++
			continue
		}
		rep.Registered++
	}

	c.log.Info("jobs recovered",
		logx.Int("registered", rep.Registered),
		logx.Int("paused", rep.Paused),
		logx.Int("completed", rep.Completed),
		logx.Int("skipped", rep.Skipped),
		logx.Int("abandoned_runs", rep.Abandoned),
	)
	return rep, nil
}
