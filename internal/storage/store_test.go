package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"scriptsched/internal/job"
	logx "scriptsched/pkg/logx"
)

func drivers(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"sqlite": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "jobs.db")}, logx.Nop())
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			return st
		},
	}
}

func sampleJob(id string, created time.Time) *job.Job {
	return &job.Job{
		ID:        id,
		Name:      "report " + id,
		Script:    id + ".py",
		Frequency: job.Daily,
		At:        job.TimeOfDay{Hour: 9},
		StartDate: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Status:    job.StatusScheduled,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestStoreJobCRUD(t *testing.T) {
	t.Parallel()
	for name, open := range drivers(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := open(t)
			defer st.Close()

			base := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
			a := sampleJob("a", base)
			end := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
			a.EndDate = &end
			if err := st.CreateJob(ctx, a); err != nil {
				t.Fatalf("CreateJob: %v", err)
			}
			b := sampleJob("b", base.Add(time.Minute))
			b.Status = job.StatusPaused
			if err := st.CreateJob(ctx, b); err != nil {
				t.Fatalf("CreateJob: %v", err)
			}

			got, err := st.GetJob(ctx, "a")
			if err != nil {
				t.Fatalf("GetJob: %v", err)
			}
			if got.At != a.At || got.EndDate == nil || !got.EndDate.Equal(end) || got.NextExecution != nil {
				t.Fatalf("round trip mismatch: %+v", got)
			}

			all, err := st.ListJobs(ctx)
			if err != nil || len(all) != 2 || all[0].ID != "b" {
				t.Fatalf("ListJobs = %v, %v; want newest first", ids(all), err)
			}

			sched, err := st.ListJobsByStatus(ctx, job.StatusScheduled, job.StatusRunning)
			if err != nil || len(sched) != 1 || sched[0].ID != "a" {
				t.Fatalf("ListJobsByStatus = %v, %v", ids(sched), err)
			}

			next := base.Add(time.Hour)
			upd, err := st.UpdateJob(ctx, "a", func(j *job.Job) error {
				j.NextExecution = &next
				j.Status = job.StatusPaused
				return nil
			})
			if err != nil {
				t.Fatalf("UpdateJob: %v", err)
			}
			if upd.Status != job.StatusPaused || !upd.NextExecution.Equal(next) {
				t.Fatalf("UpdateJob result %+v", upd)
			}

			boom := errors.New("boom")
			if _, err := st.UpdateJob(ctx, "a", func(j *job.Job) error {
				j.Status = job.StatusFailed
				return boom
			}); !errors.Is(err, boom) {
				t.Fatalf("UpdateJob err = %v, want boom", err)
			}
			got, _ = st.GetJob(ctx, "a")
			if got.Status != job.StatusPaused {
				t.Fatalf("aborted update leaked: %s", got.Status)
			}

			if _, err := st.GetJob(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("GetJob(missing) err = %v", err)
			}
			if _, err := st.UpdateJob(ctx, "missing", nil); !errors.Is(err, ErrNotFound) {
				t.Fatalf("UpdateJob(missing) err = %v", err)
			}
		})
	}
}

func TestStoreRunLifecycle(t *testing.T) {
	t.Parallel()
	for name, open := range drivers(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := open(t)
			defer st.Close()

			base := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
			if err := st.CreateJob(ctx, sampleJob("a", base)); err != nil {
				t.Fatalf("CreateJob: %v", err)
			}

			started := base.Add(time.Hour)
			j, e, err := st.StartRun(ctx, "a", started)
			if err != nil {
				t.Fatalf("StartRun: %v", err)
			}
			if j.Status != job.StatusRunning || j.LastExecution == nil || !j.LastExecution.Equal(started) {
				t.Fatalf("job after StartRun: %+v", j)
			}
			if e.Status != job.ExecRunning || e.ID == 0 {
				t.Fatalf("execution after StartRun: %+v", e)
			}

			done := started.Add(2 * time.Second)
			e.Status = job.ExecSuccess
			e.CompletedAt = &done
			e.Duration = 2 * time.Second
			e.Output = "hello\n"
			j, err = st.FinishRun(ctx, e, func(j *job.Job) error {
				j.ExecutionCount++
				j.Status = job.StatusScheduled
				return nil
			})
			if err != nil {
				t.Fatalf("FinishRun: %v", err)
			}
			if j.ExecutionCount != 1 || j.Status != job.StatusScheduled {
				t.Fatalf("job after FinishRun: %+v", j)
			}
			if _, err := st.FinishRun(ctx, e, nil); !errors.Is(err, ErrExecutionFinished) {
				t.Fatalf("second FinishRun err = %v", err)
			}

			got, err := st.GetExecution(ctx, e.ID)
			if err != nil {
				t.Fatalf("GetExecution: %v", err)
			}
			if got.Status != job.ExecSuccess || got.Output != "hello\n" || got.Duration != 2*time.Second || got.JobID != "a" {
				t.Fatalf("execution round trip: %+v", got)
			}

			// Second run, left running to simulate a crash.
			if _, _, err := st.StartRun(ctx, "a", started.Add(time.Hour)); err != nil {
				t.Fatalf("StartRun: %v", err)
			}
			list, err := st.ListExecutions(ctx, "a", 0)
			if err != nil || len(list) != 2 || list[0].Status != job.ExecRunning {
				t.Fatalf("ListExecutions = %+v, %v; want newest first", list, err)
			}
			if one, _ := st.ListExecutions(ctx, "a", 1); len(one) != 1 {
				t.Fatalf("limit ignored: %d", len(one))
			}

			n, err := st.AbandonRunningExecutions(ctx, started.Add(3*time.Hour), "interrupted")
			if err != nil || n != 1 {
				t.Fatalf("AbandonRunningExecutions = %d, %v", n, err)
			}
			list, _ = st.ListExecutions(ctx, "a", 0)
			if list[0].Status != job.ExecError || list[0].ErrorOutput != "interrupted" || list[0].CompletedAt == nil {
				t.Fatalf("abandoned execution: %+v", list[0])
			}

			if err := st.DeleteJob(ctx, "a"); err != nil {
				t.Fatalf("DeleteJob: %v", err)
			}
			list, err = st.ListExecutions(ctx, "a", 0)
			if err != nil || len(list) != 0 {
				t.Fatalf("executions survived cascade: %d, %v", len(list), err)
			}
			if err := st.DeleteJob(ctx, "a"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("second DeleteJob err = %v", err)
			}
		})
	}
}

func TestStoreFinishRunAfterDelete(t *testing.T) {
	t.Parallel()
	for name, open := range drivers(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := open(t)
			defer st.Close()

			if err := st.CreateJob(ctx, sampleJob("a", time.Now())); err != nil {
				t.Fatalf("CreateJob: %v", err)
			}
			_, e, err := st.StartRun(ctx, "a", time.Now())
			if err != nil {
				t.Fatalf("StartRun: %v", err)
			}
			if err := st.DeleteJob(ctx, "a"); err != nil {
				t.Fatalf("DeleteJob: %v", err)
			}
			e.Status = job.ExecError
			if _, err := st.FinishRun(ctx, e, nil); !errors.Is(err, ErrNotFound) {
				t.Fatalf("FinishRun after delete err = %v", err)
			}
		})
	}
}

func TestStoreStartRunRefusesStoppedJob(t *testing.T) {
	t.Parallel()
	for name, open := range drivers(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := open(t)
			defer st.Close()

			for _, status := range []job.Status{job.StatusPaused, job.StatusCompleted} {
				j := sampleJob(string(status), time.Now())
				j.Status = status
				if err := st.CreateJob(ctx, j); err != nil {
					t.Fatalf("CreateJob: %v", err)
				}
				if _, _, err := st.StartRun(ctx, j.ID, time.Now()); !errors.Is(err, ErrNotRunnable) {
					t.Fatalf("StartRun(%s) err = %v, want ErrNotRunnable", status, err)
				}
				got, err := st.GetJob(ctx, j.ID)
				if err != nil {
					t.Fatalf("GetJob: %v", err)
				}
				if got.Status != status || got.LastExecution != nil {
					t.Fatalf("job changed: %+v", got)
				}
				if list, _ := st.ListExecutions(ctx, j.ID, 0); len(list) != 0 {
					t.Fatalf("executions created: %d", len(list))
				}
			}
		})
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func ids(js []*job.Job) []string {
	out := make([]string, 0, len(js))
	for _, j := range js {
		out = append(out, j.ID)
	}
	return out
}
