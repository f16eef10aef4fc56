// Package systemd speaks the sd_notify protocol for Type=notify units.
// Every call is a no-op when NOTIFY_SOCKET is unset.
package systemd

import (
	"context"
	"time"

	logx "radiorec/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Ready reports that startup finished.
func Ready(log logx.Logger) { send(log, daemon.SdNotifyReady) }

// Stopping reports that shutdown began.
func Stopping(log logx.Logger) { send(log, daemon.SdNotifyStopping) }

// Reloading reports a configuration reload; call Ready when it is applied.
func Reloading(log logx.Logger) { send(log, daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func Status(log logx.Logger, msg string) { send(log, "STATUS="+msg) }

// Watchdog pings the service manager at half of WATCHDOG_USEC until ctx is
// done. It returns immediately when the unit has no watchdog.
func Watchdog(ctx context.Context, log logx.Logger) error {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return err
	}
	if every <= 0 {
		return nil
	}
	t := time.NewTicker(every / 2)
	defer t.Stop()
	log.Debug("systemd watchdog enabled", logx.Duration("interval", every))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			send(log, daemon.SdNotifyWatchdog)
		}
	}
}

func send(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify", logx.String("state", state))
	}
}
