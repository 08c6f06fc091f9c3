package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "wablast/pkg/logx"
)

// sdNotify reports state to systemd. Outside a Type=notify unit
// (NOTIFY_SOCKET unset) it does nothing.
func (a *App) sdNotify(state string) {
	if !a.cfgm.Get().Systemd.Notify {
		return
	}
	sent, err := daemon.SdNotify(false, state)
	switch {
	case err != nil:
		a.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	case sent:
		a.log.Debug("sd_notify sent", logx.String("state", state))
	}
}

// watchdogLoop pings systemd at half of WatchdogSec while ctx is alive.
func (a *App) watchdogLoop(ctx context.Context) {
	if !a.cfgm.Get().Systemd.Watchdog {
		return
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		a.log.Warn("systemd watchdog check failed", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	every := interval / 2
	a.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				a.log.Warn("watchdog ping failed", logx.Err(err))
			}
		}
	}
}
