package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"scriptsched/internal/job"
	"scriptsched/internal/task/engine"
	logx "scriptsched/pkg/logx"
)

// ErrTriggerNotFound is returned when pausing or resuming a job that has no
// registered trigger.
var ErrTriggerNotFound = errors.New("trigger not found")

// SchedulingError reports a job whose trigger could not be registered.
type SchedulingError struct {
	JobID string
	Err   error
}

func (e *SchedulingError) Error() string {
	return fmt.Sprintf("schedule job %s: %v", e.JobID, e.Err)
}

func (e *SchedulingError) Unwrap() error { return e.Err }

// Config controls the trigger service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/Berlin"; empty means Local
}

// RunFunc executes one run attempt of a job. It is invoked on an engine
// worker.
type RunFunc func(ctx context.Context, jobID string) error

type trigger struct {
	jobID string
	name  string
	freq  job.Frequency
	at    job.TimeOfDay
	start time.Time
	end   *time.Time

	sched   cron.Schedule
	entryID cron.EntryID

	paused   bool
	resumeAt time.Time // pending fire time captured on pause
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	engine *engine.Service
	run    RunFunc

	parser cron.Parser
	c      *cron.Cron
	defs   map[string]*trigger

	// Enqueue error throttling, keyed by job id.
	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type TriggerInfo struct {
	JobID  string
	Name   string
	Spec   string
	Paused bool
	Next   time.Time
	Prev   time.Time
}

type Snapshot struct {
	Enabled  bool
	Running  bool
	Timezone string
	Triggers []TriggerInfo
	Engine   engine.Snapshot
}
