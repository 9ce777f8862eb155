package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"classbell/internal/cache"
	"classbell/internal/config"
	"classbell/internal/eventbus"
	"classbell/internal/fetcher"
	"classbell/internal/notifier"
	"classbell/internal/observability/httpd"
	"classbell/internal/observability/metrics"
	rtsup "classbell/internal/runtime/supervisor"
	"classbell/internal/schedule"
	"classbell/internal/storage"
	"classbell/internal/subscription"
	telegram "classbell/internal/transport/telegram/adapter"
	"classbell/internal/upstream"
	logx "classbell/pkg/logx"
	"classbell/pkg/systemd"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	root logx.Logger
	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store     storage.Store // nil when storage.driver is none
	front     *cache.Memory
	subs      subscription.Store
	retention time.Duration

	tg      *telegram.Adapter
	fetch   *fetcher.Fetcher
	sched   *schedule.Service
	notif   *notifier.Service
	metrics *metrics.Metrics
	http    *httpd.Server
}

// New loads the config and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return build(ctx, cfgm, cfg)
}

func build(ctx context.Context, cfgm *config.ConfigManager, cfg *config.Config) (_ *App, err error) {
	logs, root := logx.New(mapLogging(cfg), nil)
	a := &App{cfgm: cfgm, root: root, log: root.With(logx.String("comp", "app")), logs: logs, bus: eventbus.New()}
	defer func() {
		if err != nil {
			a.closeStore()
			_ = logs.Close()
		}
	}()

	loc, err := cfg.LoadLocation()
	if err != nil {
		return nil, err
	}

	tgCfg, err := mapTelegram(cfg)
	if err != nil {
		return nil, err
	}
	if a.tg, err = telegram.New(tgCfg, root); err != nil {
		return nil, err
	}
	logs.SetSender(a.tg)

	sc, enabled, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	if a.retention, err = mapRetention(cfg); err != nil {
		return nil, err
	}
	a.front = cache.NewMemory(a.retention)
	var cacheStore cache.Store = a.front
	a.subs = subscription.NewMemory()
	if enabled {
		if a.store, err = storage.Open(ctx, sc, root); err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		cacheStore = cache.NewTiered(a.front, a.store.Cache())
		a.subs = a.store.Subscriptions()
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	} else {
		a.log.Warn("storage disabled; subscriptions and reminder state are kept in memory only")
	}

	upCfg, err := mapUpstream(cfg)
	if err != nil {
		return nil, err
	}
	api, err := upstream.New(upCfg, root)
	if err != nil {
		return nil, err
	}
	fCfg, err := mapFetcher(cfg)
	if err != nil {
		return nil, err
	}
	a.fetch = fetcher.New(cacheStore, fCfg, root, a.bus)

	sCfg, err := mapSchedule(cfg, loc)
	if err != nil {
		return nil, err
	}
	a.sched = schedule.New(api, a.fetch, sCfg)

	nCfg, err := mapNotifier(cfg, loc)
	if err != nil {
		return nil, err
	}
	a.notif = notifier.New(nCfg, a.subs, a.sched, a.tg, root, a.bus)

	a.metrics = metrics.New(a.bus)
	hCfg, err := mapHTTP(cfg)
	if err != nil {
		return nil, err
	}
	a.http = httpd.New(hCfg, a.metrics.Handler(), a.Health, root)

	return a, nil
}

func (a *App) Logger() logx.Logger               { return a.log }
func (a *App) Schedules() *schedule.Service      { return a.sched }
func (a *App) Subscriptions() subscription.Store { return a.subs }

// Tick runs one reminder pass outside the cron schedule.
func (a *App) Tick(ctx context.Context) notifier.TickReport {
	return a.notif.Tick(ctx)
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
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

// Health backs /healthz. The subscription store must answer.
func (a *App) Health(ctx context.Context) (map[string]any, error) {
	out := map[string]any{
		"eventbus_dropped": a.bus.Dropped(),
		"cache_entries":    a.front.Len(),
	}
	if a.sup != nil {
		out["goroutines"] = a.sup.Active()
	}
	sent, failed := a.tg.Stats()
	out["telegram_sent"], out["telegram_failed"] = sent, failed

	subs, err := a.subs.ListSubscribed(ctx)
	if err != nil {
		return out, fmt.Errorf("subscriptions: %w", err)
	}
	out["chats"] = len(subs)
	return out, nil
}

// validate is the hot-reload gate: a config the components would reject is
// never committed.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	loc, err := cfg.LoadLocation()
	if err != nil {
		return err
	}
	nCfg, err := mapNotifier(cfg, loc)
	if err != nil {
		return err
	}
	if nCfg.Schedule != "" {
		if err := a.notif.ValidateSchedule(nCfg.Schedule); err != nil {
			return err
		}
	}
	if _, err := mapFetcher(cfg); err != nil {
		return err
	}
	if _, err := mapHTTP(cfg); err != nil {
		return err
	}
	_, _, err = mapStorage(cfg)
	return err
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.root)
	a.cfgm.SetValidator(a.validate)

	if err := a.notif.Start(a.sup.Context()); err != nil {
		return err
	}
	a.http.Start(a.sup.Context())

	a.sup.GoRestart("metrics", func(c context.Context) error {
		return a.metrics.Run(c, a.bus)
	}, rtsup.Backoff{})

	// Keep event traffic visible at debug level.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	if a.retention > 0 {
		a.sup.Go("cache.reclaim", func(c context.Context) error {
			t := time.NewTicker(max(a.retention/4, time.Minute))
			defer t.Stop()
			for {
				select {
				case <-c.Done():
					return nil
				case now := <-t.C:
					if n := a.front.Reclaim(now); n > 0 {
						a.log.Debug("cache entries reclaimed", logx.Int("count", n))
					}
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		return a.reloadLoop(c, sub)
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch, rtsup.Backoff{Min: time.Second})

	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return systemd.Watchdog(c, func() bool { return a.sup.Err() == nil })
	})
	if sent, err := systemd.Ready(); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("systemd notified ready")
	}

	a.log.Info("app started")
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) error {
	last := a.cfgm.Get()
	for {
		var next *config.Config
		select {
		case <-ctx.Done():
			return nil
		case cfg, ok := <-sub:
			if !ok {
				return nil
			}
			next = cfg
		}
		// Coalesce bursts: keep only the latest config.
	drain:
		for {
			select {
			case newer := <-sub:
				if newer != nil {
					next = newer
				}
			default:
				break drain
			}
		}
		a.apply(ctx, last, next)
		last = next
	}
}

// apply pushes the live-reloadable sections to running components.
func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready() }()

	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RequiresRestart(prev, next); len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogging(next))

	var errs []error
	if fCfg, err := mapFetcher(next); err != nil {
		errs = append(errs, err)
	} else {
		a.fetch.Apply(fCfg)
	}

	// The timetable zone is fixed until restart; ticks keep using it.
	if nCfg, err := mapNotifier(next, a.sched.Location()); err != nil {
		errs = append(errs, err)
	} else if err := a.notif.Apply(nCfg); err != nil {
		errs = append(errs, err)
	}

	if hCfg, err := mapHTTP(next); err != nil {
		errs = append(errs, err)
	} else {
		a.http.Reconfigure(ctx, hCfg)
	}

	if err := errors.Join(errs...); err != nil {
		a.log.Warn("config partly applied", logx.Err(err))
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeStore()
		return a.logs.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	// Let a running tick finish before its context goes away.
	a.step(ctx, "notifier", 5*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.sup.Cancel()
	a.step(ctx, "http", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.closeStoreErr() })

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs one shutdown step bounded by max and the caller's deadline.
// A step that overruns is logged and left behind.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
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
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}

func (a *App) closeStore() { _ = a.closeStoreErr() }

func (a *App) closeStoreErr() error {
	if a.store == nil {
		return nil
	}
	st := a.store
	a.store = nil
	return st.Close()
}
