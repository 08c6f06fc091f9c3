package app

import (
	"context"
	"slices"
	"strings"

	"wablast/internal/config"
	logx "wablast/pkg/logx"
)

// reloadLoop applies configs published by the watcher. Runs already
// executing keep the parameters they started with.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)

	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.apply(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) apply(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := func(name string) bool { return slices.Contains(sections, name) }

	if changed("logging") {
		a.logs.Apply(mapLoggingConfig(newCfg))
	}
	if changed("dispatch") || changed("gateway") {
		a.camp.Apply(mapDefaults(newCfg))
	}
	if changed("gateway") {
		a.gw.SetRate(newCfg.Gateway.RatePerSec)
		if strings.TrimSpace(oldCfg.Gateway.BaseURL) != strings.TrimSpace(newCfg.Gateway.BaseURL) ||
			oldCfg.Gateway.Timeout != newCfg.Gateway.Timeout {
			a.log.Warn("gateway base_url/timeout changed; restart required for changes to take effect")
		}
	}
	// job delays default to the dispatch pacing
	if changed("scheduler") || changed("dispatch") {
		a.sched.Apply(mapSchedulerConfig(newCfg))
	}
	if changed("telegram") {
		n, err := mapNotifier(newCfg, a.logs.Logger().With(logx.String("comp", "notify")))
		if err != nil {
			a.log.Warn("invalid telegram config; keeping previous notifier", logx.Err(err))
		} else {
			a.notifier.Set(n)
		}
	}
	for _, s := range []string{"http", "storage", "systemd"} {
		if changed(s) {
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
