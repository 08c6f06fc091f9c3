package app

import (
	"fmt"
	"strings"
	"time"

	"wablast/internal/campaign"
	"wablast/internal/config"
	"wablast/internal/httpapi"
	"wablast/internal/notify"
	"wablast/internal/scheduler"
	"wablast/internal/storage"
	logx "wablast/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		if path == "" {
			path = "./data/wablast"
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapDefaults(cfg *config.Config) campaign.Defaults {
	p := cfg.Pacing()
	return campaign.Defaults{
		Credential: strings.TrimSpace(cfg.Gateway.APIKey),
		MinDelay:   p.MinDelay,
		MaxDelay:   p.MaxDelay,
		Tick:       p.Tick,
	}
}

func mapHTTPConfig(cfg *config.Config) httpapi.Config {
	return httpapi.Config{
		Addr:              strings.TrimSpace(cfg.HTTP.Addr),
		Token:             strings.TrimSpace(cfg.HTTP.Token),
		ReadHeaderTimeout: config.DurationOr(cfg.HTTP.ReadHeaderTimeout, 10*time.Second),
		ShutdownTimeout:   config.DurationOr(cfg.HTTP.ShutdownTimeout, 10*time.Second),
		MaxUploadBytes:    cfg.HTTP.MaxUploadBytes,
		Pprof:             cfg.HTTP.Pprof,
	}
}

// mapSchedulerConfig resolves job delays against the dispatch defaults.
func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	p := cfg.Pacing()
	out := scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: strings.TrimSpace(cfg.Scheduler.Timezone),
		Jobs:     make([]scheduler.Job, 0, len(cfg.Scheduler.Jobs)),
	}
	for _, j := range cfg.Scheduler.Jobs {
		out.Jobs = append(out.Jobs, scheduler.Job{
			Name:        strings.TrimSpace(j.Name),
			Schedule:    j.Schedule,
			Roster:      j.Roster,
			Message:     j.Message,
			Attachment:  j.Attachment,
			MinDelay:    config.DurationOr(j.MinDelay, p.MinDelay),
			MaxDelay:    config.DurationOr(j.MaxDelay, p.MaxDelay),
			RetryFailed: j.Retry(),
		})
	}
	return out
}

// mapNotifier builds the Telegram notifier, or nil when disabled.
func mapNotifier(cfg *config.Config, log logx.Logger) (notify.Notifier, error) {
	tg := cfg.Telegram
	if tg == nil || !tg.Enabled {
		return nil, nil
	}
	return notify.NewTelegram(notify.TelegramConfig{
		Token:    tg.Token,
		ChatID:   tg.ChatID,
		ThreadID: tg.ThreadID,
		APIURL:   tg.APIURL,
	}, log)
}

// validateConfig rejects what config.Validate cannot see: schedule syntax
// and driver-specific storage rules.
func validateConfig(cfg *config.Config) error {
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	for i, j := range cfg.Scheduler.Jobs {
		if _, err := scheduler.ParseSchedule(j.Schedule); err != nil {
			return fmt.Errorf("scheduler.jobs[%d].schedule: %w", i, err)
		}
	}
	return nil
}
