// Package app wires configuration, logging, storage, the gateway client, the
// campaign manager, the scheduler and the HTTP surface into one process.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"wablast/internal/campaign"
	"wablast/internal/config"
	"wablast/internal/dispatch"
	"wablast/internal/gateway"
	"wablast/internal/httpapi"
	"wablast/internal/runtime/supervisor"
	"wablast/internal/scheduler"
	"wablast/internal/storage"
	logx "wablast/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	store storage.Store

	gw       *gateway.TextMeBot
	notifier *liveNotifier
	camp     *campaign.Manager
	sched    *scheduler.Service
	http     *httpapi.Server
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, logSvc.Logger())
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	gw := gateway.NewTextMeBot(
		cfg.Gateway.BaseURL,
		config.DurationOr(cfg.Gateway.Timeout, 30*time.Second),
		cfg.Gateway.RatePerSec,
	)

	n, err := mapNotifier(cfg, logSvc.Logger().With(logx.String("comp", "notify")))
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, err
	}
	live := newLiveNotifier(n)

	camp := campaign.New(campaign.Config{
		Gateway:  gw,
		Store:    store,
		Notifier: live,
		Pacer:    dispatch.NewRandomPacer(time.Now().UnixNano()),
		Defaults: mapDefaults(cfg),
		Logger:   logSvc.Logger(),
	})
	sched := scheduler.New(mapSchedulerConfig(cfg), camp, logSvc.Logger())

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		store:    store,
		gw:       gw,
		notifier: live,
		camp:     camp,
		sched:    sched,
	}
	a.http = httpapi.New(mapHTTPConfig(cfg), httpapi.Deps{
		Campaigns: camp,
		Runs:      store,
		Schedules: sched,
		Health:    a.health,
	}, logSvc.Logger())

	log.Info("app initialized",
		logx.String("config", cfgPath),
		logx.String("http.addr", cfg.HTTP.Addr),
		logx.Bool("api_key_set", strings.TrimSpace(cfg.Gateway.APIKey) != ""),
		logx.Bool("scheduler", cfg.Scheduler.Enabled),
	)
	return a, nil
}

// Done closes when the app context ends: a fatal component error or Stop.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	a.sched.Start(a.sup.Context())

	a.sup.Go("http.serve", a.http.Run)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", a.watchdogLoop)

	a.sdNotify(daemon.SdNotifyReady)
	a.log.Info("app started")
	return nil
}

func (a *App) health() any {
	return map[string]any{
		"supervisor": a.sup.Stats(),
		"campaign":   a.camp.Status(),
		"scheduler":  a.sched.Snapshot(),
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sdNotify(daemon.SdNotifyStopping)

	// Cancel the app context first so background loops start unwinding.
	a.sup.Cancel()

	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	// The manager writes the run record on the way out, so it goes before storage.
	a.step(ctx, "campaign", 5*time.Second, a.camp.Close)
	a.step(ctx, "supervisor", 12*time.Second, a.sup.Wait)
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so a single component
// cannot stall the whole stop.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, max(time.Until(dl), 0))
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
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
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
		}()
	}
}
