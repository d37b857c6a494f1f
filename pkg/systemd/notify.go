// Package systemd reports daemon state to the service manager over the
// sd_notify protocol. Every call is a no-op when the process was not started
// by systemd (NOTIFY_SOCKET unset).
package systemd

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	logx "scriptsched/pkg/logx"
)

type Notifier struct {
	log logx.Logger
}

func NewNotifier(log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{log: log}
}

// Ready tells systemd startup finished (Type=notify units).
func (n *Notifier) Ready() bool { return n.send("ready", daemon.SdNotifyReady) }

func (n *Notifier) Stopping() bool { return n.send("stopping", daemon.SdNotifyStopping) }

// Status sets the free-form line shown by `systemctl status`.
func (n *Notifier) Status(format string, args ...any) bool {
	return n.send("status", "STATUS="+fmt.Sprintf(format, args...))
}

func (n *Notifier) send(what, state string) bool {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", what), logx.Err(err))
		return false
	}
	if sent {
		n.log.Debug("sd_notify sent", logx.String("state", what))
	}
	return sent
}

// Watchdog pings the systemd watchdog at half of WatchdogSec until ctx is
// done. It returns immediately when the unit has no watchdog configured.
func (n *Notifier) Watchdog(ctx context.Context) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return fmt.Errorf("watchdog: %w", err)
	}
	if interval <= 0 {
		return nil
	}
	every := interval / 2
	n.log.Info("watchdog enabled", logx.Duration("interval", interval))

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n.send("watchdog", daemon.SdNotifyWatchdog)
		}
	}
}
