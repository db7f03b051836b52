package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cronbot/internal/config"
	"cronbot/internal/eventbus"
	"cronbot/internal/executor"
	"cronbot/internal/jobs"
	"cronbot/internal/lifecycle"
	"cronbot/internal/memory"
	"cronbot/internal/notifier"
	"cronbot/internal/observability"
	rtsup "cronbot/internal/runtime/supervisor"
	"cronbot/internal/storage"
	"cronbot/internal/task/scheduler"
	"cronbot/internal/transport"
	"cronbot/internal/transport/telegram"
	logx "cronbot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	notif   *notifier.Service
	metrics *observability.Metrics
	exec    *executor.Executor
	life    *lifecycle.Service
	sched   *scheduler.Service
	debug   *observability.DebugServer

	// sender identity, so a reload only rebuilds the transport when it changed
	senderKey string

	started time.Time
}

// New loads the config and wires every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// Map every section before opening anything so a bad config leaves no
	// files behind.
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	execCfg, err := mapExecutorConfig(cfg)
	if err != nil {
		return nil, err
	}
	ncfg, driver, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	dcfg, err := mapDebugConfig(cfg)
	if err != nil {
		return nil, err
	}

	// The notifier doesn't exist yet; it becomes the alert sender below.
	logSvc, log := logx.New(mapLogConfig(cfg), nil)
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	sender, err := newSender(driver, cfg, log)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	notif := notifier.New(ncfg, sender, chatTarget(cfg), log, bus, store)
	logSvc.SetAlertSender(notif)

	metrics := observability.NewMetrics()
	sink := observability.NewMulti(log,
		observability.NewLogSink(log),
		observability.NewBusSink(bus),
		metrics,
	)

	deps := executor.Deps{Notifier: notif, KV: store, Log: log}
	if cfg.Memory.Enabled {
		deps.Memory = memory.New(store, memory.Options{MaxNotes: cfg.Memory.MaxNotes, Log: log})
	}
	exec := executor.New(execCfg, deps)

	life := lifecycle.New(store, lifecycle.Options{
		Defaults: execCfg.Defaults,
		Maxima:   execCfg.Maxima,
		Checker:  exec,
		Bus:      bus,
		Log:      log,
	})

	sched := scheduler.New(schedCfg, scheduler.Deps{
		Store:     store,
		Executor:  exec,
		Lifecycle: life,
		Sink:      sink,
		Notifier:  notif,
		Bus:       bus,
		Log:       log,
	})

	a := &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		notif:     notif,
		metrics:   metrics,
		exec:      exec,
		life:      life,
		sched:     sched,
		senderKey: senderKey(driver, cfg),
	}
	a.debug = observability.NewDebugServer(dcfg, metrics, a.health, log)
	return a, nil
}

func newSender(driver string, cfg *config.Config, log logx.Logger) (transport.Sender, error) {
	if driver == "telegram" {
		return telegram.New(telegram.Config{Token: cfg.Telegram.Token}, log)
	}
	return transport.NewLogSender(log), nil
}

func senderKey(driver string, cfg *config.Config) string {
	if driver == "telegram" {
		return driver + ":" + cfg.Telegram.Token
	}
	return driver
}

// Lifecycle is the approval surface; only user actors may approve.
func (a *App) Lifecycle() *lifecycle.Service { return a.life }

func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
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

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.started = time.Now()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		if _, err := mapSchedulerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapExecutorConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapNotifierConfig(cfg); err != nil {
			return err
		}
		if _, err := mapDebugConfig(cfg); err != nil {
			return err
		}
		_, err := mapStorageConfig(cfg)
		return err
	})

	cfg := a.cfgm.Get()
	defs, err := systemJobs(cfg, a.cfgPath)
	if err != nil {
		return err
	}

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}

	// One bad system job must not keep the others (or user jobs) from running.
	if err := a.sched.Bootstrap(a.sup.Context(), defs); err != nil {
		a.log.Error("system job bootstrap incomplete", logx.Err(err))
	}
	a.sched.Start(a.sup.Context())

	if dcfg, err := mapDebugConfig(cfg); err == nil {
		a.debug.Reconfigure(a.sup.Context(), dcfg)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.observe", func(c context.Context) error {
		defer unsub()
		a.observeEvents(c, events)
		return nil
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		a.watchdog(c)
		return nil
	})
	sdNotify(a.log, sdReady)

	a.log.Info("app started", logx.Int("system_jobs", len(defs)), logx.Bool("scheduler", a.sched.Enabled()))
	return nil
}

// observeEvents reacts to bus events the core publishes for side channels.
func (a *App) observeEvents(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			switch e.Type {
			case eventbus.TypeJobTransition:
				if t, ok := e.Data.(storage.AuditEntry); ok && t.To == string(jobs.StatusRetired) {
					a.metrics.Forget(t.JobID)
				}
			case eventbus.TypeStoreError:
				// already logged at error level by the scheduler
			default:
				// Keep this debug-level to avoid noise for frequent jobs.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	}
}

func (a *App) reloadLoop(c context.Context, sub <-chan *config.Config) {
	// Track last applied config to generate a safe diff summary.
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
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
			sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
			lastApplied = newCfg
			a.applyConfig(c, newCfg, sections)

			if len(sections) > 0 {
				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Info("config reloaded", fields...)
			} else {
				a.log.Info("config reloaded (no changes)")
			}
		}
	}
}

func (a *App) applyConfig(c context.Context, cfg *config.Config, sections []string) {
	for _, s := range sections {
		if s == "storage" || s == "memory" {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLogConfig(cfg))

	if ec, err := mapExecutorConfig(cfg); err != nil {
		a.log.Warn("invalid executor config; keeping previous", logx.Err(err))
	} else {
		a.exec.Apply(ec)
	}

	if sc, err := mapSchedulerConfig(cfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		prev := a.sched.Enabled()
		a.sched.Apply(sc)
		switch {
		case prev && !sc.Enabled:
			a.log.Info("scheduler disabled via config")
			stopCtx, cancel := context.WithTimeout(c, stopTimeout(cfg))
			if err := a.sched.Stop(stopCtx); err != nil {
				a.log.Warn("scheduler stop", logx.Err(err))
			}
			cancel()
		case !prev && sc.Enabled:
			a.log.Info("scheduler enabled via config")
			a.sched.Start(c)
		}
	}

	if nc, driver, err := mapNotifierConfig(cfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		if key := senderKey(driver, cfg); key != a.senderKey {
			if snd, err := newSender(driver, cfg, a.log); err != nil {
				a.log.Warn("notifier transport unchanged", logx.Err(err))
			} else {
				a.notif.SetSender(snd, chatTarget(cfg))
				a.senderKey = key
			}
		} else {
			a.notif.SetTarget(chatTarget(cfg))
		}
		prev := a.notif.Enabled()
		a.notif.Apply(nc)
		switch {
		case prev && !nc.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !prev && nc.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(c)
		}
	}

	if dc, err := mapDebugConfig(cfg); err != nil {
		a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
	} else {
		a.debug.Reconfigure(c, dc)
	}
}

// health backs /healthz and the systemd watchdog.
func (a *App) health(context.Context) (any, error) {
	snap := a.sched.Snapshot()
	doc := map[string]any{
		"uptime":         time.Since(a.started).Round(time.Second).String(),
		"scheduler":      snap.Running,
		"ticks":          snap.Ticks,
		"last_tick":      snap.LastTick,
		"jobs":           len(snap.Jobs),
		"in_flight":      snap.Queue.InFlight,
		"runs_started":   snap.Queue.Started,
		"runs_coalesced": snap.Queue.Coalesced,
		"runner_panics":  snap.Queue.Panics,
		"notifier":       a.notif.Enabled(),
	}
	if a.sup != nil {
		doc["goroutines"] = a.sup.Snapshot().Counters
	}
	if snap.Enabled && !snap.Running {
		return doc, errors.New("scheduler not running")
	}
	if snap.LastTickErr != "" {
		return doc, fmt.Errorf("last tick failed: %s", snap.LastTickErr)
	}
	return doc, nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, sdStopping)

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
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
			// fn must honor stepCtx; if it doesn't, log a leak signal.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Scheduler first: in-flight runs may still notify and write history.
	step("scheduler", stopTimeout(a.cfgm.Get()), func(c context.Context) error { return a.sched.Stop(c) })
	step("debug", 1*time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, event observer).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
