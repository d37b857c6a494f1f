package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"scriptsched/internal/job"
)

// cronSpec maps a job's recurrence to a standard 5-field cron expression.
func cronSpec(freq job.Frequency, at job.TimeOfDay) (string, error) {
	if !at.Valid() {
		return "", fmt.Errorf("invalid execution time %s", at)
	}
	switch freq {
	case job.Daily:
		return fmt.Sprintf("%d %d * * *", at.Minute, at.Hour), nil
	case job.Weekly:
		return fmt.Sprintf("%d %d * * 1", at.Minute, at.Hour), nil
	case job.Monthly:
		return fmt.Sprintf("%d %d 1 * *", at.Minute, at.Hour), nil
	default:
		return "", fmt.Errorf("invalid frequency %q", string(freq))
	}
}

// windowSchedule confines a cron schedule to [start, end). A zero time from
// Next tells cron the entry will never fire again.
type windowSchedule struct {
	base  cron.Schedule
	loc   *time.Location
	start time.Time
	end   time.Time // zero: unbounded
}

func (w *windowSchedule) Next(t time.Time) time.Time {
	t = t.In(w.loc)
	if !w.start.IsZero() && t.Before(w.start) {
		t = w.start.Add(-time.Nanosecond)
	}
	n := w.base.Next(t)
	if n.IsZero() || (!w.end.IsZero() && !n.Before(w.end)) {
		return time.Time{}
	}
	return n
}

// resumeSchedule fires first at a preserved instant, then delegates to base.
type resumeSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *resumeSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

func (s *Service) buildSchedule(d *trigger, loc *time.Location) (cron.Schedule, error) {
	spec, err := cronSpec(d.freq, d.at)
	if err != nil {
		return nil, err
	}
	base, err := s.parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", spec, err)
	}
	w := &windowSchedule{base: base, loc: loc}
	if !d.start.IsZero() {
		w.start = job.Midnight(d.start, loc)
	}
	if d.end != nil {
		w.end = job.Midnight(*d.end, loc)
	}
	return w, nil
}
