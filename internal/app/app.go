// Package app wires configuration, storage, the Telegram adapter and the
// dispatch pipeline into one process and owns its start/stop order.
package app

import (
	"context"
	"fmt"
	"time"

	"timerbot/internal/commands"
	"timerbot/internal/config"
	"timerbot/internal/dispatch"
	"timerbot/internal/eventbus"
	"timerbot/internal/httpapi"
	"timerbot/internal/notifier"
	rtsup "timerbot/internal/runtime/supervisor"
	"timerbot/internal/scheduler"
	"timerbot/internal/storage"
	kit "timerbot/internal/transport"
	telegram "timerbot/internal/transport/telegram/adapter"
	logx "timerbot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter *telegram.Adapter
	queue   *dispatch.Service
	notif   *notifier.Service
	sched   *scheduler.Service
	router  *commands.Router
	http    *httpapi.Service

	schedEnabled bool
	startedAt    time.Time

	updates chan kit.Update
}

// NewApp loads the config, opens storage and builds every component.
// Nothing runs until Start.
func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	tcfg, _ := mapTelegramConfig(cfg)
	ad, err := telegram.New(tcfg, logx.NewConsole("INFO").With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	lcfg, _ := mapLoggingConfig(cfg)
	logSvc, log := logx.New(lcfg, ad)
	ad.SetLogger(log.With(logx.String("comp", "telegram")))

	bus := eventbus.New()

	scfg, _ := mapStorageConfig(cfg)
	octx, cancel := context.WithTimeout(ctx, 15*time.Second)
	store, err := storage.Open(octx, scfg, log.With(logx.String("comp", "storage")))
	cancel()
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage opened", logx.String("driver", scfg.Driver))

	dcfg, _ := mapDispatchConfig(cfg)
	queue := dispatch.New(dcfg, log, bus)

	ncfg, _ := mapNotifierConfig(cfg)
	notif := notifier.New(ncfg, ad, log, bus)

	proc := scheduler.NewProcessor(store, notif, cfg.Scheduler.MaxAttempts, log, bus)
	schedCfg, _ := mapSchedulerConfig(cfg)
	sched, err := scheduler.New(schedCfg, store, queue, proc, log, bus)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	ccfg, _ := mapCommandsConfig(cfg)
	router := commands.New(ccfg, store, ad, log.With(logx.String("comp", "commands")))

	a := &App{
		cfgm:         cfgm,
		log:          log.With(logx.String("comp", "app")),
		logs:         logSvc,
		bus:          bus,
		store:        store,
		adapter:      ad,
		queue:        queue,
		notif:        notif,
		sched:        sched,
		router:       router,
		schedEnabled: cfg.Scheduler.Enabled,
		updates:      make(chan kit.Update, 256),
	}
	a.http = httpapi.New(mapHTTPConfig(cfg), httpapi.Deps{
		Status: func() any { return a.Status() },
		Ping:   store.Ping,
	}, log)
	return a, nil
}

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.startedAt = time.Now()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error { return validate(cfg) })

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	a.queue.Start(a.sup.Context())
	if a.schedEnabled {
		if err := a.sched.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	} else {
		a.log.Warn("scheduler disabled; timers will not be delivered")
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})
	a.sup.Go0("commands.menu", func(c context.Context) {
		mctx, cancel := context.WithTimeout(c, 15*time.Second)
		defer cancel()
		if err := a.router.PublishMenu(mctx); err != nil {
			a.log.Warn("publish command menu failed", logx.Err(err))
		}
	})

	a.http.Start(a.sup.Context())

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Bool("scheduler", a.schedEnabled))
	return nil
}

// Stop shuts components down in dependency order. Every step is bounded so
// one stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

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
				fields := []logx.Field{logx.String("name", name), logx.Duration("took", time.Since(start))}
				if err != nil {
					fields = append(fields, logx.Err(err))
				}
				a.log.Warn("stop step finished after deadline", fields...)
			}()
		}
	}

	// Scheduler first: no new cycles, running cycles finish, the queue drains.
	step("scheduler", 10*time.Second, a.sched.Stop)
	step("dispatch", 5*time.Second, a.queue.Stop)
	step("http", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("adapter", 3*time.Second, a.adapter.Stop)
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// Status is the JSON snapshot served at /status.
func (a *App) Status() map[string]any {
	out := map[string]any{
		"uptime":    time.Since(a.startedAt).Round(time.Second).String(),
		"scheduler": a.sched.Snapshot(),
		"dispatch":  a.queue.Snapshot(),
	}
	if h := a.notif.History(); len(h) > 0 {
		if len(h) > 20 {
			h = h[len(h)-20:]
		}
		out["deliveries"] = h
	}
	sups := map[string]rtsup.Snapshot{}
	if a.sup != nil {
		sups["app"] = a.sup.Snapshot()
	}
	if s := a.adapter.Supervisor(); s != nil {
		sups["telegram"] = s.Snapshot()
	}
	if s := a.router.Supervisor(); s != nil {
		sups["commands"] = s.Snapshot()
	}
	out["supervisors"] = sups
	return out
}
