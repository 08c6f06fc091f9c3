package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	HTTP      HTTPConfig      `json:"http"`
	Gateway   GatewayConfig   `json:"gateway"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Systemd   SystemdConfig   `json:"systemd"`

	Storage  *StorageConfig  `json:"storage,omitempty"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// HTTPConfig controls the operator API.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type HTTPConfig struct {
	Addr string `json:"addr"`
	// Token, when set, is required as "Authorization: Bearer <token>" or
	// ?token= on every endpoint except /health. Never logged.
	Token             string `json:"token,omitempty"`
	ReadHeaderTimeout string `json:"read_header_timeout,omitempty"`
	ShutdownTimeout   string `json:"shutdown_timeout,omitempty"`
	// MaxUploadBytes bounds the multipart body of /submit. 0 means 32 MiB.
	MaxUploadBytes int64 `json:"max_upload_bytes,omitempty"`
	// Pprof mounts net/http/pprof under /debug/pprof/ (token protected).
	Pprof bool `json:"pprof,omitempty"`
}

// GatewayConfig points at the messaging provider.
type GatewayConfig struct {
	BaseURL string `json:"base_url,omitempty"`
	// APIKey is used when a request does not carry its own key. Never logged.
	APIKey     string  `json:"api_key,omitempty"`
	Timeout    string  `json:"timeout,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
}

// DispatchConfig holds the default pacing.
//
// Defaults: min_delay 10s, max_delay 16s, tick 1s. An explicit "0s" delay
// disables pacing.
type DispatchConfig struct {
	MinDelay string `json:"min_delay,omitempty"`
	MaxDelay string `json:"max_delay,omitempty"`
	Tick     string `json:"tick,omitempty"`
}

// StorageConfig controls the run audit log.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/wablast.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// TelegramConfig enables run summaries in a Telegram chat.
type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	APIURL   string `json:"api_url,omitempty"`
}

type SchedulerConfig struct {
	Enabled  bool          `json:"enabled"`
	Timezone string        `json:"timezone,omitempty"`
	Jobs     []ScheduleJob `json:"jobs,omitempty"`
}

// ScheduleJob starts a run from a roster file on a schedule.
//
// Schedule accepts a cron spec ("0 9 * * 1-5", "@daily"), an interval
// ("30m", "every:2h", "02:30") or a daily time ("at:09:30").
type ScheduleJob struct {
	Name       string `json:"name"`
	Schedule   string `json:"schedule"`
	Roster     string `json:"roster"`
	Message    string `json:"message"`
	Attachment string `json:"attachment,omitempty"`
	MinDelay   string `json:"min_delay,omitempty"`
	MaxDelay   string `json:"max_delay,omitempty"`
	// RetryFailed sends rows marked success=0 again. Default true.
	RetryFailed *bool `json:"retry_failed,omitempty"`
}

func (j ScheduleJob) Retry() bool { return j.RetryFailed == nil || *j.RetryFailed }

type SystemdConfig struct {
	// Notify sends READY/STOPPING to systemd when NOTIFY_SOCKET is set.
	Notify bool `json:"notify"`
	// Watchdog pings systemd at half of WatchdogSec when enabled by the unit.
	Watchdog bool `json:"watchdog"`
}

// Default returns the configuration used for fields a file leaves out.
func Default() Config {
	return Config{
		Logging:  LoggingConfig{Level: "info", Console: true},
		HTTP:     HTTPConfig{Addr: "127.0.0.1:5000"},
		Gateway:  GatewayConfig{Timeout: "30s"},
		Dispatch: DispatchConfig{MinDelay: "10s", MaxDelay: "16s", Tick: "1s"},
		Systemd:  SystemdConfig{Notify: true, Watchdog: true},
	}
}

// Pacing is the resolved form of DispatchConfig.
type Pacing struct {
	MinDelay time.Duration
	MaxDelay time.Duration
	Tick     time.Duration
}

func (c *Config) Pacing() Pacing {
	p := Pacing{
		MinDelay: DurationOr(c.Dispatch.MinDelay, 10*time.Second),
		MaxDelay: DurationOr(c.Dispatch.MaxDelay, 16*time.Second),
		Tick:     DurationOr(c.Dispatch.Tick, time.Second),
	}
	if p.MinDelay > p.MaxDelay {
		p.MinDelay, p.MaxDelay = p.MaxDelay, p.MinDelay
	}
	if p.Tick <= 0 {
		p.Tick = time.Second
	}
	return p
}

// Validate checks every field that is interpreted later, so a hot reload is
// either applied whole or rejected.
func (c *Config) Validate() error {
	var errs []error
	check := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	check("http.read_header_timeout", c.HTTP.ReadHeaderTimeout)
	check("http.shutdown_timeout", c.HTTP.ShutdownTimeout)
	check("gateway.timeout", c.Gateway.Timeout)
	check("dispatch.min_delay", c.Dispatch.MinDelay)
	check("dispatch.max_delay", c.Dispatch.MaxDelay)
	check("dispatch.tick", c.Dispatch.Tick)

	if strings.TrimSpace(c.HTTP.Addr) == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.Gateway.RatePerSec < 0 {
		errs = append(errs, errors.New("gateway.rate_per_sec must be >= 0"))
	}
	if c.Storage != nil {
		check("storage.busy_timeout", c.Storage.BusyTimeout)
		switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
		}
	}
	if t := c.Telegram; t != nil && t.Enabled {
		if strings.TrimSpace(t.Token) == "" {
			errs = append(errs, errors.New("telegram.token is required when telegram is enabled"))
		}
		if t.ChatID == 0 {
			errs = append(errs, errors.New("telegram.chat_id is required when telegram is enabled"))
		}
	}
	if c.Scheduler.Timezone != "" {
		if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	names := map[string]struct{}{}
	for i, j := range c.Scheduler.Jobs {
		p := fmt.Sprintf("scheduler.jobs[%d]", i)
		if strings.TrimSpace(j.Name) == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", p))
		} else if _, dup := names[j.Name]; dup {
			errs = append(errs, fmt.Errorf("%s.name %q is duplicated", p, j.Name))
		}
		names[j.Name] = struct{}{}
		if strings.TrimSpace(j.Schedule) == "" {
			errs = append(errs, fmt.Errorf("%s.schedule is required", p))
		}
		if strings.TrimSpace(j.Roster) == "" {
			errs = append(errs, fmt.Errorf("%s.roster is required", p))
		}
		check(p+".min_delay", j.MinDelay)
		check(p+".max_delay", j.MaxDelay)
	}
	return errors.Join(errs...)
}
