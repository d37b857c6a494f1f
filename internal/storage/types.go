package storage

import (
	"context"
	"errors"
	"time"

	"scriptsched/internal/job"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrExecutionFinished is returned when a terminal execution would be
	// written a second time.
	ErrExecutionFinished = errors.New("storage: execution already finished")
	ErrClosed            = errors.New("storage: closed")
	// ErrNotRunnable is returned by StartRun for a paused or completed job.
	ErrNotRunnable = errors.New("storage: job not runnable")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "memory": in-process maps (nothing survives a restart)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// runnable reports whether StartRun may move a job in status s to running.
func runnable(s job.Status) bool {
	return s != job.StatusPaused && s != job.StatusCompleted
}

// JobMutator edits a job inside a read-modify-write transaction.
// Returning an error aborts the transaction.
type JobMutator func(j *job.Job) error

// Store is the persistence API used by the scheduling core.
type Store interface {
	CreateJob(ctx context.Context, j *job.Job) error
	GetJob(ctx context.Context, id string) (*job.Job, error)
	// ListJobs returns all jobs, newest first.
	ListJobs(ctx context.Context) ([]*job.Job, error)
	ListJobsByStatus(ctx context.Context, statuses ...job.Status) ([]*job.Job, error)
	UpdateJob(ctx context.Context, id string, fn JobMutator) (*job.Job, error)
	// DeleteJob removes the job and all of its executions.
	DeleteJob(ctx context.Context, id string) error

	// StartRun marks the job running and creates its "running" execution
	// row, atomically. A paused or completed job is left alone and
	// ErrNotRunnable returned.
	StartRun(ctx context.Context, jobID string, at time.Time) (*job.Job, *job.Execution, error)
	// FinishRun writes the terminal execution state and applies fn to the
	// owning job, atomically.
	FinishRun(ctx context.Context, e *job.Execution, fn JobMutator) (*job.Job, error)

	GetExecution(ctx context.Context, id int64) (*job.Execution, error)
	// ListExecutions returns a job's executions ordered by start time,
	// newest first. limit <= 0 means no limit.
	ListExecutions(ctx context.Context, jobID string, limit int) ([]*job.Execution, error)
	// AbandonRunningExecutions closes every execution still marked running
	// (left over by a crash) as an error.
	AbandonRunningExecutions(ctx context.Context, at time.Time, reason string) (int, error)

	Close() error
}

func statusSet(statuses []job.Status) map[job.Status]bool {
	m := make(map[job.Status]bool, len(statuses))
	for _, s := range statuses {
		m[s] = true
	}
	return m
}
