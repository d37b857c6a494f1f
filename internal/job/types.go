// Package job holds the scheduler's data model: recurring Jobs and the
// Execution records of their run attempts.
package job

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Frequency is the recurrence class of a job.
type Frequency string

const (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"  // every Monday
	Monthly Frequency = "monthly" // the 1st of every month
)

func ParseFrequency(raw string) (Frequency, error) {
	f := Frequency(strings.ToLower(strings.TrimSpace(raw)))
	if !f.Valid() {
		return "", fmt.Errorf("invalid frequency %q (use daily, weekly or monthly)", raw)
	}
	return f, nil
}

func (f Frequency) Valid() bool {
	switch f {
	case Daily, Weekly, Monthly:
		return true
	}
	return false
}

// Status is the lifecycle state of a job.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPaused    Status = "paused"
)

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusRunning, StatusCompleted, StatusFailed, StatusPaused:
		return true
	}
	return false
}

// ExecutionStatus is the outcome of one run attempt.
type ExecutionStatus string

const (
	ExecRunning ExecutionStatus = "running"
	ExecSuccess ExecutionStatus = "success"
	ExecError   ExecutionStatus = "error"
	ExecTimeout ExecutionStatus = "timeout"
)

// Terminal reports whether no further update to the execution is expected.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecSuccess, ExecError, ExecTimeout:
		return true
	}
	return false
}

func (s ExecutionStatus) Valid() bool { return s == ExecRunning || s.Terminal() }

// TimeOfDay is a wall-clock HH:MM in the scheduler timezone.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func ParseTimeOfDay(raw string) (TimeOfDay, error) {
	s := strings.TrimSpace(raw)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return TimeOfDay{}, fmt.Errorf("invalid time %q, expected HH:MM", raw)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return TimeOfDay{}, fmt.Errorf("invalid hour in %q", raw)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return TimeOfDay{}, fmt.Errorf("invalid minute in %q", raw)
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

func (t TimeOfDay) Valid() bool {
	return t.Hour >= 0 && t.Hour <= 23 && t.Minute >= 0 && t.Minute <= 59
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

// On returns the instant at this time of day on the calendar date of d (in loc).
func (t TimeOfDay) On(d time.Time, loc *time.Location) time.Time {
	d = d.In(loc)
	return time.Date(d.Year(), d.Month(), d.Day(), t.Hour, t.Minute, 0, 0, loc)
}

// DateLayout is the layout of StartDate/EndDate on the wire.
const DateLayout = "2006-01-02"

// ParseDate parses YYYY-MM-DD as midnight in loc.
func ParseDate(raw string, loc *time.Location) (time.Time, error) {
	d, err := time.ParseInLocation(DateLayout, strings.TrimSpace(raw), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", raw)
	}
	return d, nil
}

// Midnight truncates t to the start of its calendar day in loc.
func Midnight(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// Job is a recurring task definition wrapping one script.
type Job struct {
	ID          string
	Name        string
	Description string
	// Script references the stored script content (a file name inside the
	// script directory).
	Script    string
	Frequency Frequency
	At        TimeOfDay
	StartDate time.Time
	EndDate   *time.Time

	Status         Status
	ExecutionCount int
	LastExecution  *time.Time
	NextExecution  *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy; stores hand out clones so callers never share
// pointers with persisted state.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	cp.EndDate = cloneTime(j.EndDate)
	cp.LastExecution = cloneTime(j.LastExecution)
	cp.NextExecution = cloneTime(j.NextExecution)
	return &cp
}

// Execution is one run attempt of a job's script.
type Execution struct {
	ID          int64
	JobID       string
	StartedAt   time.Time
	CompletedAt *time.Time
	Status      ExecutionStatus
	Output      string
	ErrorOutput string
	Duration    time.Duration
}

func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	cp := *e
	cp.CompletedAt = cloneTime(e.CompletedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr is a small helper for optional timestamps.
func TimePtr(t time.Time) *time.Time { return &t }
