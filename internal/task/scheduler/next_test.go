package scheduler

import (
	"testing"
	"time"

	"scriptsched/internal/job"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Skipf("timezone %s unavailable: %v", name, err)
	}
	return loc
}

func at(loc *time.Location, y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, loc)
}

func date(loc *time.Location, y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

func TestNextExecution(t *testing.T) {
	t.Parallel()
	loc := time.UTC
	nine := job.TimeOfDay{Hour: 9}
	// 2026-03-04 is a Wednesday.
	today := date(loc, 2026, 3, 4)
	endPast := date(loc, 2026, 3, 1)
	endToday := today
	endSoon := date(loc, 2026, 3, 5)

	tests := []struct {
		name string
		job  job.Job
		now  time.Time
		want *time.Time
	}{
		{"daily before slot", job.Job{Frequency: job.Daily, At: nine, StartDate: today}, at(loc, 2026, 3, 4, 8, 0), ptr(at(loc, 2026, 3, 4, 9, 0))},
		{"daily after slot", job.Job{Frequency: job.Daily, At: nine, StartDate: today}, at(loc, 2026, 3, 4, 10, 0), ptr(at(loc, 2026, 3, 5, 9, 0))},
		{"daily exactly at slot", job.Job{Frequency: job.Daily, At: nine, StartDate: today}, at(loc, 2026, 3, 4, 9, 0), ptr(at(loc, 2026, 3, 5, 9, 0))},
		{"weekly from wednesday", job.Job{Frequency: job.Weekly, At: nine, StartDate: today}, at(loc, 2026, 3, 4, 8, 0), ptr(at(loc, 2026, 3, 9, 9, 0))},
		{"weekly monday before slot", job.Job{Frequency: job.Weekly, At: nine}, at(loc, 2026, 3, 9, 7, 0), ptr(at(loc, 2026, 3, 9, 9, 0))},
		{"weekly monday after slot", job.Job{Frequency: job.Weekly, At: nine}, at(loc, 2026, 3, 9, 9, 30), ptr(at(loc, 2026, 3, 16, 9, 0))},
		{"weekly sunday", job.Job{Frequency: job.Weekly, At: nine}, at(loc, 2026, 3, 8, 23, 0), ptr(at(loc, 2026, 3, 9, 9, 0))},
		{"monthly mid month", job.Job{Frequency: job.Monthly, At: nine}, at(loc, 2026, 3, 4, 8, 0), ptr(at(loc, 2026, 4, 1, 9, 0))},
		{"monthly on the first before slot", job.Job{Frequency: job.Monthly, At: nine}, at(loc, 2026, 4, 1, 8, 0), ptr(at(loc, 2026, 4, 1, 9, 0))},
		{"monthly december rolls over", job.Job{Frequency: job.Monthly, At: nine}, at(loc, 2026, 12, 15, 8, 0), ptr(at(loc, 2027, 1, 1, 9, 0))},
		{"end date passed", job.Job{Frequency: job.Daily, At: nine, EndDate: &endPast}, at(loc, 2026, 3, 4, 8, 0), nil},
		{"end date is today", job.Job{Frequency: job.Daily, At: nine, EndDate: &endToday}, at(loc, 2026, 3, 4, 8, 0), nil},
		{"candidate beyond end date", job.Job{Frequency: job.Daily, At: nine, EndDate: &endSoon}, at(loc, 2026, 3, 4, 10, 0), nil},
		{"candidate before end date", job.Job{Frequency: job.Daily, At: nine, EndDate: &endSoon}, at(loc, 2026, 3, 4, 8, 0), ptr(at(loc, 2026, 3, 4, 9, 0))},
		{"future start date", job.Job{Frequency: job.Daily, At: nine, StartDate: date(loc, 2026, 3, 10)}, at(loc, 2026, 3, 4, 10, 0), ptr(at(loc, 2026, 3, 10, 9, 0))},
		{"future start midnight slot", job.Job{Frequency: job.Daily, At: job.TimeOfDay{}, StartDate: date(loc, 2026, 3, 10)}, at(loc, 2026, 3, 4, 10, 0), ptr(at(loc, 2026, 3, 10, 0, 0))},
		{"future start weekly", job.Job{Frequency: job.Weekly, At: nine, StartDate: date(loc, 2026, 3, 10)}, at(loc, 2026, 3, 4, 10, 0), ptr(at(loc, 2026, 3, 16, 9, 0))},
		{"invalid frequency", job.Job{Frequency: "hourly", At: nine}, at(loc, 2026, 3, 4, 8, 0), nil},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := NextExecution(&tt.job, tt.now, loc)
			switch {
			case tt.want == nil && got != nil:
				t.Fatalf("got %v, want nil", *got)
			case tt.want != nil && got == nil:
				t.Fatalf("got nil, want %v", *tt.want)
			case tt.want != nil && !got.Equal(*tt.want):
				t.Fatalf("got %v, want %v", *got, *tt.want)
			}
		})
	}
}

func TestNextExecutionProperties(t *testing.T) {
	t.Parallel()
	loc := mustLoc(t, "America/New_York")
	start := date(loc, 2025, 1, 1)
	tods := []job.TimeOfDay{{Hour: 0}, {Hour: 2, Minute: 30}, {Hour: 9}, {Hour: 23, Minute: 59}}

	// Hourly steps across a year, including both DST transitions.
	for now := start; now.Before(date(loc, 2026, 1, 10)); now = now.Add(7*time.Hour + 13*time.Minute) {
		for _, tod := range tods {
			for _, freq := range []job.Frequency{job.Daily, job.Weekly, job.Monthly} {
				j := &job.Job{Frequency: freq, At: tod, StartDate: start}
				got := NextExecution(j, now, loc)
				if got == nil {
					t.Fatalf("%s %s at %v: nil", freq, tod, now)
				}
				if !got.After(now) {
					t.Fatalf("%s %s at %v: %v is not after now", freq, tod, now, *got)
				}
				again := NextExecution(j, now, loc)
				if again == nil || !again.Equal(*got) {
					t.Fatalf("%s %s at %v: not idempotent", freq, tod, now)
				}
				local := got.In(loc)
				switch freq {
				case job.Weekly:
					if local.Weekday() != time.Monday {
						t.Fatalf("weekly resolved to %v (%s)", local, local.Weekday())
					}
					if got.Sub(now) > 8*24*time.Hour {
						t.Fatalf("weekly skipped a week: now %v next %v", now, local)
					}
				case job.Monthly:
					if local.Day() != 1 {
						t.Fatalf("monthly resolved to %v", local)
					}
				case job.Daily:
					if got.Sub(now) > 26*time.Hour {
						t.Fatalf("daily skipped a day: now %v next %v", now, local)
					}
				}
			}
		}
	}
}

func TestNextExecutionUsesLocation(t *testing.T) {
	t.Parallel()
	tokyo := mustLoc(t, "Asia/Tokyo")
	j := &job.Job{Frequency: job.Daily, At: job.TimeOfDay{Hour: 9}}
	// 2026-03-04 01:00 UTC is 10:00 in Tokyo: today's 09:00 slot has passed.
	now := time.Date(2026, 3, 4, 1, 0, 0, 0, time.UTC)
	got := NextExecution(j, now, tokyo)
	want := time.Date(2026, 3, 5, 9, 0, 0, 0, tokyo)
	if got == nil || !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func ptr(t time.Time) *time.Time { return &t }
