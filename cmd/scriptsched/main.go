package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"scriptsched/internal/app"
	logx "scriptsched/pkg/logx"
	"scriptsched/pkg/systemd"
)

const stopTimeout = 30 * time.Second

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to config yaml/json (built-in defaults when empty)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	boot := logx.NewConsole("info")

	a, err := app.New(cfgPath)
	if err != nil {
		boot.Error("startup failed", logx.String("config", cfgPath), logx.Err(err))
		os.Exit(1)
	}
	log := a.Logger()

	if err := a.Start(ctx); err != nil {
		log.Error("start failed", logx.Err(err))
		_ = a.Stop(context.Background(), app.StopFatalError)
		os.Exit(1)
	}

	sd := systemd.NewNotifier(log.With(logx.String("comp", "systemd")))
	sd.Ready()
	sd.Status("serving on %s", a.Addr())
	go func() {
		if err := sd.Watchdog(ctx); err != nil {
			log.Warn("watchdog disabled", logx.Err(err))
		}
	}()

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}

	sd.Stopping()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if err := a.Err(); err != nil {
		boot.Error("stopped on fatal error", logx.Err(err))
		os.Exit(1)
	}
}
