package config

import (
	"reflect"
	"strings"

	logx "wablast/pkg/logx"
)

// SummarizeConfigChange returns the sections that differ and safe attrs for
// logging. Credentials (gateway.api_key, telegram.token) are never included;
// only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		// addr changes need a restart; report them anyway
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}

	if oldCfg.Gateway != newCfg.Gateway {
		changed = append(changed, "gateway")
		attrs = append(attrs,
			logx.String("gateway.base_url", strings.TrimSpace(newCfg.Gateway.BaseURL)),
			logx.Float64("gateway.rate_per_sec", newCfg.Gateway.RatePerSec),
			logx.Bool("gateway.api_key_set", strings.TrimSpace(newCfg.Gateway.APIKey) != ""),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		p := newCfg.Pacing()
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Duration("dispatch.min_delay", p.MinDelay),
			logx.Duration("dispatch.max_delay", p.MaxDelay),
			logx.Duration("dispatch.tick", p.Tick),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.Int("scheduler.jobs", len(newCfg.Scheduler.Jobs)),
		)
	}

	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if newCfg.Storage != nil {
			attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
		}
	}

	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		enabled := newCfg.Telegram != nil && newCfg.Telegram.Enabled
		attrs = append(attrs, logx.Bool("telegram.enabled", enabled))
		if enabled {
			attrs = append(attrs,
				logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
				logx.Int64("telegram.chat_id", newCfg.Telegram.ChatID),
			)
		}
	}

	return changed, attrs
}
