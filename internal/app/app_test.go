package app

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"scriptsched/internal/config"
	"scriptsched/internal/job"
	"scriptsched/internal/storage"
	logx "scriptsched/pkg/logx"
)

func testConfig(t *testing.T, driver string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Logging.Level = "error"
	cfg.Scheduler.Timezone = "UTC"
	cfg.Executor.ScriptDir = filepath.Join(dir, "uploads")
	cfg.Storage.Driver = driver
	if driver == "sqlite" {
		cfg.Storage.Path = filepath.Join(dir, "data", "jobs.db")
	}
	cfg.HTTP.Addr = "127.0.0.1:0"
	return cfg
}

func startApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := NewWithConfig(cfg)
	if err != nil {
		t.Fatalf("NewWithConfig: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	})
	return a
}

func seedJob(id string, status job.Status) *job.Job {
	now := time.Now().UTC()
	return &job.Job{
		ID:        id,
		Name:      id,
		Script:    id + ".py",
		Frequency: job.Daily,
		At:        job.TimeOfDay{Hour: 6, Minute: 15},
		StartDate: job.Midnight(now, time.UTC).AddDate(0, 0, -1),
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestStartServesAndStops(t *testing.T) {
	t.Parallel()
	a, err := NewWithConfig(testConfig(t, "memory"))
	if err != nil {
		t.Fatalf("NewWithConfig: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if a.Addr() == "" {
		t.Fatal("Addr is empty after Start")
	}

	resp, err := http.Get("http://" + a.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after Stop")
	}
	if err := a.Err(); err != nil {
		t.Fatalf("Err = %v, want nil", err)
	}
	// Second Stop is a no-op.
	if err := a.Stop(ctx, StopAppStop); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestStartFailsOnBusyAddr(t *testing.T) {
	t.Parallel()
	first := startApp(t, testConfig(t, "memory"))

	cfg := testConfig(t, "memory")
	cfg.HTTP.Addr = first.Addr()
	a, err := NewWithConfig(cfg)
	if err != nil {
		t.Fatalf("NewWithConfig: %v", err)
	}
	defer a.Stop(context.Background(), StopAppStop)
	if err := a.Start(context.Background()); err == nil {
		t.Fatal("Start on a busy address succeeded")
	}
}

func TestStartRecoversInterruptedRun(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, "sqlite")
	ctx := context.Background()

	sc, err := mapStorage(cfg)
	if err != nil {
		t.Fatalf("mapStorage: %v", err)
	}
	st, err := storage.Open(sc, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	if err := st.CreateJob(ctx, seedJob("crashed", job.StatusScheduled)); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, _, err := st.StartRun(ctx, "crashed", time.Now()); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	a := startApp(t, cfg)
	j, err := a.Controller().Get(ctx, "crashed")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if j.Status != job.StatusScheduled {
		t.Fatalf("status = %s, want %s", j.Status, job.StatusScheduled)
	}
	if j.NextExecution == nil || !j.NextExecution.After(time.Now()) {
		t.Fatalf("next execution = %v, want a future time", j.NextExecution)
	}

	execs, err := a.Controller().Executions(ctx, "crashed", 0)
	if err != nil {
		t.Fatalf("Executions: %v", err)
	}
	if len(execs) != 1 || execs[0].Status != job.ExecError || execs[0].CompletedAt == nil {
		t.Fatalf("executions = %+v, want one closed error run", execs)
	}
}

func TestApplyConfigTimezone(t *testing.T) {
	t.Parallel()
	oldCfg := testConfig(t, "memory")
	a, err := NewWithConfig(oldCfg)
	if err != nil {
		t.Fatalf("NewWithConfig: %v", err)
	}
	t.Cleanup(func() { _ = a.Stop(context.Background(), StopAppStop) })

	ctx := context.Background()
	j := seedJob("tz", job.StatusScheduled)
	if err := a.store.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	paused := seedJob("paused", job.StatusPaused)
	if err := a.store.CreateJob(ctx, paused); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	newCfg := *oldCfg
	newCfg.Scheduler.Timezone = "Asia/Tokyo"
	newCfg.Logging.Level = "warn"
	newCfg.Pprof = config.PprofConfig{Enabled: true, Addr: "127.0.0.1:0"}
	a.applyConfig(ctx, oldCfg, &newCfg)

	if a.pprof.Addr() == "" {
		t.Fatal("pprof not started by reload")
	}

	if got := a.sched.Location().String(); got != "Asia/Tokyo" {
		t.Fatalf("location = %s, want Asia/Tokyo", got)
	}
	got, err := a.store.GetJob(ctx, "tz")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	want := a.ctrl.CalculateNextExecution(got)
	if got.NextExecution == nil || want == nil || !got.NextExecution.Equal(*want) {
		t.Fatalf("next execution = %v, want %v", got.NextExecution, want)
	}
	if h := got.NextExecution.In(a.sched.Location()).Hour(); h != 6 {
		t.Fatalf("next execution hour = %d in Asia/Tokyo, want 6", h)
	}

	p, err := a.store.GetJob(ctx, "paused")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if p.NextExecution != nil {
		t.Fatalf("paused job next execution = %v, want nil", p.NextExecution)
	}
}
