// Package systemd reports service state to systemd over the notify socket.
// Every call is a no-op when the process is not started by systemd.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "wasched/pkg/logx"
)

func notify(state string) bool {
	ok, err := daemon.SdNotify(false, state)
	return ok && err == nil
}

// Ready signals that startup finished.
func Ready() bool { return notify(daemon.SdNotifyReady) }

// Stopping signals that shutdown began.
func Stopping() bool { return notify(daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func Status(msg string) bool { return notify("STATUS=" + msg) }

// WatchdogInterval returns the configured watchdog timeout, or zero when
// the unit has no WatchdogSec.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return 0
	}
	return d
}

// Watchdog pings systemd at half the watchdog interval until ctx is done.
// alive is consulted before every ping; a false result skips the ping so a
// wedged process gets restarted.
func Watchdog(ctx context.Context, alive func() bool, log logx.Logger) error {
	interval := WatchdogInterval()
	if interval <= 0 {
		return nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log.Info("systemd watchdog enabled", logx.Duration("interval", interval))

	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if alive != nil && !alive() {
				log.Warn("watchdog ping skipped: not healthy")
				continue
			}
			notify(daemon.SdNotifyWatchdog)
		}
	}
}
