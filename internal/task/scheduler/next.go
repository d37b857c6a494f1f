package scheduler

import (
	"time"

	"scriptsched/internal/job"
)

// NextExecution returns the next instant a job's trigger fires strictly after
// now, or nil when the job has no future run within its validity window.
//
// Dates are evaluated in loc. A StartDate in the future moves the reference
// point to just before StartDate midnight, so the first slot on StartDate
// itself is eligible.
func NextExecution(j *job.Job, now time.Time, loc *time.Location) *time.Time {
	if j == nil || !j.Frequency.Valid() || !j.At.Valid() {
		return nil
	}
	if loc == nil {
		loc = time.Local
	}
	now = now.In(loc)

	var end time.Time
	if j.EndDate != nil {
		end = job.Midnight(*j.EndDate, loc)
		if !job.Midnight(now, loc).Before(end) {
			return nil
		}
	}

	ref := now
	if !j.StartDate.IsZero() {
		start := job.Midnight(j.StartDate, loc)
		if start.After(now) {
			ref = start.Add(-time.Nanosecond)
		}
	}

	next := slotAfter(j.Frequency, j.At, ref, loc)
	if !end.IsZero() && !next.Before(end) {
		return nil
	}
	return &next
}

// slotAfter returns the first slot of freq at tod strictly after ref.
func slotAfter(freq job.Frequency, tod job.TimeOfDay, ref time.Time, loc *time.Location) time.Time {
	switch freq {
	case job.Weekly:
		offset := (int(time.Monday) - int(ref.Weekday()) + 7) % 7
		cand := tod.On(ref.AddDate(0, 0, offset), loc)
		if !cand.After(ref) {
			cand = tod.On(ref.AddDate(0, 0, offset+7), loc)
		}
		return cand
	case job.Monthly:
		first := time.Date(ref.Year(), ref.Month(), 1, 0, 0, 0, 0, loc)
		cand := tod.On(first, loc)
		if !cand.After(ref) {
			// time.Date normalizes month 13 to January of the next year.
			cand = tod.On(time.Date(ref.Year(), ref.Month()+1, 1, 0, 0, 0, 0, loc), loc)
		}
		return cand
	default:
		cand := tod.On(ref, loc)
		if !cand.After(ref) {
			cand = tod.On(ref.AddDate(0, 0, 1), loc)
		}
		return cand
	}
}
