// Package app wires the scheduler daemon together and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"scriptsched/internal/api"
	"scriptsched/internal/config"
	"scriptsched/internal/executor"
	"scriptsched/internal/job"
	"scriptsched/internal/jobs"
	"scriptsched/internal/observability/pprof"
	"scriptsched/internal/runtime/supervisor"
	"scriptsched/internal/scriptstore"
	"scriptsched/internal/storage"
	"scriptsched/internal/task/engine"
	"scriptsched/internal/task/scheduler"
	"scriptsched/internal/validate"
	logx "scriptsched/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager // nil when running on built-in defaults

	log  logx.Logger
	logs *logx.Service
	sup  *supervisor.Supervisor

	store   storage.Store
	scripts *scriptstore.Store
	engine  *engine.Service
	sched   *scheduler.Service
	runner  *executor.Runner
	ctrl    *jobs.Controller
	pprof   *pprof.Server
	cfg     *config.Config

	httpCfg  httpSettings
	server   *http.Server
	listener net.Listener

	stopOnce sync.Once
}

// New loads the config at cfgPath (built-in defaults when empty) and builds
// every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	if strings.TrimSpace(cfgPath) == "" {
		return NewWithConfig(config.Default())
	}
	cfgm := config.NewConfigManager(cfgPath, logx.Nop())
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	a, err := NewWithConfig(cfg)
	if err != nil {
		return nil, err
	}
	cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm = cfgm
	return a, nil
}

// NewWithConfig builds the app from an already loaded config. Config file
// watching is disabled.
func NewWithConfig(cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logSvc, root := logx.New(mapLogging(cfg))
	log := root.With(logx.String("comp", "app"))

	a := &App{log: log, logs: logSvc, cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.closeAll()
		}
	}()

	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	a.store, err = storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	a.scripts, err = scriptstore.New(scriptDir(cfg))
	if err != nil {
		return nil, fmt.Errorf("script dir: %w", err)
	}

	execCfg, err := mapExecutor(cfg)
	if err != nil {
		return nil, err
	}
	valCfg, err := mapValidator(cfg)
	if err != nil {
		return nil, err
	}
	a.httpCfg, err = mapHTTP(cfg)
	if err != nil {
		return nil, err
	}

	a.engine = engine.New(mapEngine(cfg), root.With(logx.String("comp", "engine")))
	// The runner and the scheduler refer to each other; the closures resolve
	// once both exist.
	a.runner = executor.New(execCfg, a.store, a.scripts, root.With(logx.String("comp", "executor")),
		executor.WithLocation(func() *time.Location { return a.sched.Location() }),
		executor.WithOnCompleted(func(jobID string) { a.ctrl.RunCompleted(jobID) }),
	)
	a.sched = scheduler.New(mapScheduler(cfg), a.engine, a.runner.Execute, root.With(logx.String("comp", "scheduler")))
	a.ctrl = jobs.New(a.store, a.sched,
		validate.NewPython(valCfg, root.With(logx.String("comp", "validator"))),
		a.scripts,
		root.With(logx.String("comp", "jobs")),
	)

	a.pprof = pprof.New(root.With(logx.String("comp", "pprof")))

	a.server = &http.Server{
		Handler:           api.NewRouter(a.httpCfg.api, a.ctrl, root.With(logx.String("comp", "api")), api.WithStatus(a.status)),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       a.httpCfg.readTimeout,
		WriteTimeout:      a.httpCfg.writeTimeout,
	}

	ok = true
	return a, nil
}

// Logger returns the root logger tagged for the app.
func (a *App) Logger() logx.Logger { return a.log }

// Controller exposes the job lifecycle API.
func (a *App) Controller() *jobs.Controller { return a.ctrl }

// Addr is the address the HTTP API listens on, once started.
func (a *App) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Done is closed when the app supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) status() api.Status {
	st := api.Status{Scheduler: a.sched.Snapshot()}
	if a.sup != nil {
		st.Goroutines = a.sup.Counters()
	}
	return st
}

// Start recovers persisted jobs, then starts dispatching, firing triggers
// and serving the API.
func (a *App) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.httpCfg.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.httpCfg.addr, err)
	}
	a.listener = ln

	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	sctx := a.sup.Context()

	a.engine.Start(sctx)
	if _, err := a.ctrl.Recover(ctx); err != nil {
		_ = ln.Close()
		a.engine.Stop(context.Background())
		a.sup.Cancel()
		return fmt.Errorf("recover jobs: %w", err)
	}
	a.sched.Start(sctx)
	// Profiling is optional; a bad pprof section never blocks startup.
	_ = a.pprof.Apply(ctx, mapPprof(a.cfg))

	a.sup.Go("http", func(c context.Context) error {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if a.cfgm != nil {
		sub := a.cfgm.Subscribe(4)
		a.sup.Go("config.reload", func(c context.Context) error {
			defer a.cfgm.Unsubscribe(sub)
			a.reloadLoop(c, sub)
			return nil
		})
		a.sup.GoRestart("config.watch", a.cfgm.Watch, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	}

	a.log.Info("app started", logx.String("addr", a.Addr()), logx.String("tz", a.sched.Location().String()))
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	applied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce a burst of saves into the newest.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, applied, cfg)
			applied = cfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	ch := config.Diff(oldCfg, newCfg)
	if ch.Empty() {
		a.log.Debug("config reload received, but no effective changes")
		return
	}
	if ch.Has("logging") {
		a.logs.Apply(mapLogging(newCfg))
	}
	if ch.Has("scheduler") {
		prev := a.sched.Enabled()
		next := mapScheduler(newCfg)
		a.sched.Apply(next)
		switch {
		case prev && !next.Enabled:
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.sched.Stop(stopCtx)
			cancel()
			a.log.Info("scheduler disabled via config")
		case !prev && next.Enabled:
			a.sched.Start(ctx)
			a.log.Info("scheduler enabled via config")
		}
		a.resyncNextExecutions(ctx)
	}
	if ch.Has("pprof") {
		_ = a.pprof.Apply(ctx, mapPprof(newCfg))
	}
	if cold := ch.ColdSections(); len(cold) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(cold, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Fields...)
	a.log.Info("config applied", fields...)
}

// resyncNextExecutions rewrites stored next fire times after the timezone
// changed.
func (a *App) resyncNextExecutions(ctx context.Context) {
	list, err := a.ctrl.List(ctx)
	if err != nil {
		a.log.Warn("next execution resync failed", logx.Err(err))
		return
	}
	for _, j := range list {
		if j.Status != job.StatusScheduled && j.Status != job.StatusFailed {
			continue
		}
		next := a.ctrl.CalculateNextExecution(j)
		if _, err := a.store.UpdateJob(ctx, j.ID, func(cur *job.Job) error {
			if cur.Status != job.StatusScheduled && cur.Status != job.StatusFailed {
				return nil
			}
			cur.NextExecution = next
			return nil
		}); err != nil && !errors.Is(err, storage.ErrNotFound) {
			a.log.Warn("next execution not updated", logx.String("job", j.ID), logx.Err(err))
		}
	}
}

// Stop shuts everything down in dependency order. Each step is bounded; a
// step that overruns is logged and left to finish in the background.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.pprof.Stop(ctx)
		a.closeAll()
		return nil
	}
	a.stopOnce.Do(func() {
		a.log.Info("stopping", logx.String("reason", string(reason)))

		a.step(ctx, "http", 5*time.Second, func(c context.Context) error { return a.server.Shutdown(c) })
		a.step(ctx, "pprof", 2*time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
		a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
		// Runs in flight are canceled here and record their interruption.
		a.step(ctx, "engine", 15*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })

		a.step(ctx, "supervisor", 2*time.Second, a.sup.Stop)

		a.log.Info("stopped")
		a.closeAll()
	})
	return nil
}

func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}

func (a *App) closeAll() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
