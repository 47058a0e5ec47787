// Package app wires the fx services into the fxd daemon: config loading and
// hot reload, the scheduler, chain propagation, triggers, storage and the
// HTTP command surface, all under one supervisor.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"fxloop/internal/config"
	"fxloop/internal/eventbus"
	"fxloop/internal/fx/catalog"
	"fxloop/internal/fx/chain"
	"fxloop/internal/fx/clock"
	"fxloop/internal/fx/control"
	"fxloop/internal/fx/estimate"
	"fxloop/internal/fx/scheduler"
	"fxloop/internal/fx/world"
	rtsup "fxloop/internal/runtime/supervisor"
	"fxloop/internal/server"
	"fxloop/internal/storage"
	"fxloop/internal/triggers"
	logx "fxloop/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	base logx.Logger
	bus  eventbus.Bus

	storeMu sync.Mutex
	store   storage.Store

	catalog *catalog.Catalog
	world   *world.Memory
	emitter *traceEmitter
	policy  *estimate.Policy
	sched   *scheduler.Service
	chain   *chain.Propagator
	ctl     *control.Controller
	http    *server.Service
	trig    *triggers.Service
}

func NewApp(cfgPath string, env config.Overrides) (*App, error) {
	cfgm := config.NewManager(cfgPath, env)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logSvc, base := logx.New(mapLoggingConfig(cfg))
	log := base.With(logx.String("comp", "app"))

	// Mappings were validated above; errors below cannot happen.
	estCfg, _ := mapEstimatorConfig(cfg)
	schedCfg, _ := mapSchedulerConfig(cfg)
	chainCfg, _ := mapChainConfig(cfg)
	httpCfg, _ := mapHTTPConfig(cfg)
	trigCfg, _ := mapTriggersConfig(cfg)

	cat := catalog.New(nil, nil)
	if p := strings.TrimSpace(cfg.Catalog.Path); p != "" {
		loaded, err := catalog.Load(p)
		if err != nil {
			logSvc.Close()
			return nil, err
		}
		cat = loaded
		log.Info("catalog loaded", logx.String("path", p), logx.Int("effects", len(cat.Names())))
	}

	var store storage.Store
	if sc, enabled, _ := mapStorageConfig(cfg); enabled {
		st, err := storage.Open(sc, base)
		if err != nil {
			logSvc.Close()
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	clk := clock.NewReal()
	bus := eventbus.New()
	w := world.NewMemory()
	emitter := newTraceEmitter(base)

	policy := estimate.NewPolicy(estimate.NewEstimator(cat, estCfg), clk, base)
	sched := scheduler.New(schedCfg, scheduler.Deps{
		Clock:   clk,
		World:   w,
		Emitter: emitter,
		Policy:  policy,
		Bus:     bus,
		Log:     base,
	})
	prop := chain.New(chainCfg, chain.Deps{
		Clock: clk,
		World: w,
		Bus:   bus,
		Log:   base,
	})
	ctl := control.New(control.Deps{
		Scheduler: sched,
		Chain:     prop,
		Catalog:   cat,
		Store:     store,
		Log:       base,
	})
	prop.SetRunner(ctl)

	httpSvc := server.New(httpCfg, server.Deps{
		Control: ctl,
		World:   w,
		Bus:     bus,
		Log:     base,
	})
	trig := triggers.New(trigCfg, ctl, base)

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		base:    base,
		bus:     bus,
		store:   store,
		catalog: cat,
		world:   w,
		emitter: emitter,
		policy:  policy,
		sched:   sched,
		chain:   prop,
		ctl:     ctl,
		http:    httpSvc,
		trig:    trig,
	}, nil
}

// Controller exposes the shared command surface.
func (a *App) Controller() *control.Controller { return a.ctl }

// World exposes the actor registry fed by the HTTP API.
func (a *App) World() *world.Memory { return a.world }

// HTTPAddr returns the bound HTTP address, or "" when the server is off.
func (a *App) HTTPAddr() string { return a.http.Addr() }

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
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.base.With(logx.String("comp", "supervisor"))), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.base.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	cfg := a.cfgm.Get()
	if cfg.Catalog.Watch && strings.TrimSpace(cfg.Catalog.Path) != "" {
		path := cfg.Catalog.Path
		a.sup.GoRestart("catalog.watch", func(c context.Context) error {
			return a.catalog.Watch(c, path, a.base.With(logx.String("comp", "catalog")))
		}, rtsup.RestartOptions{MinBackoff: time.Second, MaxBackoff: 30 * time.Second})
	}

	a.http.Start(a.sup.Context())
	a.trig.Start(a.sup.Context())

	// Lifecycle events only; emissions are too frequent for the log.
	events, unsub := a.bus.Subscribe(128, "fx.loop.", "fx.chain.", "config.")
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

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
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
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyConfig pushes a validated config into every live service.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	a.logs.Apply(mapLoggingConfig(next))

	if ec, err := mapEstimatorConfig(next); err != nil {
		a.log.Warn("invalid estimator config; keeping previous", logx.Err(err))
	} else {
		a.policy.Apply(ec)
	}
	if sc, err := mapSchedulerConfig(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(sc)
	}
	if cc, err := mapChainConfig(next); err != nil {
		a.log.Warn("invalid chain config; keeping previous", logx.Err(err))
	} else {
		a.chain.Apply(cc)
	}
	if hc, err := mapHTTPConfig(next); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(ctx, hc)
	}
	if tc, err := mapTriggersConfig(next); err != nil {
		a.log.Warn("invalid triggers config; keeping previous", logx.Err(err))
	} else {
		a.trig.Apply(tc)
	}

	for _, s := range sections {
		switch s {
		case "storage":
			a.reopenStorage(next)
		case "catalog":
			a.reloadCatalog(prev, next)
		}
	}

	a.bus.Publish(eventbus.Event{
		Type: eventbus.TypeConfigReload,
		Time: time.Now(),
		Data: sections,
	})
	a.log.Info("config reloaded", fields...)
}

// reopenStorage swaps the audit store. An append racing the swap may fail
// against the closed store; the controller logs it.
func (a *App) reopenStorage(cfg *config.Config) {
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		a.log.Warn("invalid storage config; keeping previous", logx.Err(err))
		return
	}
	var next storage.Store
	if enabled {
		next, err = storage.Open(sc, a.base)
		if err != nil {
			a.log.Warn("storage reopen failed; keeping previous", logx.Err(err))
			return
		}
	}
	a.storeMu.Lock()
	old := a.store
	a.store = next
	a.storeMu.Unlock()
	a.ctl.SetStore(next)
	if old != nil {
		if err := old.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
	if enabled {
		a.log.Info("storage reopened", logx.String("driver", sc.Driver))
	} else {
		a.log.Info("storage disabled via config")
	}
}

func (a *App) reloadCatalog(prev, next *config.Config) {
	path := strings.TrimSpace(next.Catalog.Path)
	if prev != nil && strings.TrimSpace(prev.Catalog.Path) == path {
		if prev.Catalog.Watch != next.Catalog.Watch {
			a.log.Warn("catalog.watch changed; restart required for changes to take effect")
		}
		return
	}
	if path == "" {
		a.catalog.Replace(catalog.New(nil, nil))
		a.log.Info("catalog cleared via config")
		return
	}
	loaded, err := catalog.Load(path)
	if err != nil {
		a.log.Warn("catalog reload failed; keeping previous", logx.String("path", path), logx.Err(err))
		return
	}
	a.catalog.Replace(loaded)
	a.log.Info("catalog reloaded", logx.String("path", path), logx.Int("effects", len(a.catalog.Names())))
	if next.Catalog.Watch {
		a.log.Warn("catalog path changed; restart required to watch the new file")
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component can't stall the whole stop.
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
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
				}
			}()
		}
	}

	// Command sources first, so nothing spawns while loops are torn down.
	step("triggers", 2*time.Second, func(c context.Context) error { a.trig.Stop(c); return nil })
	step("http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("loops", time.Second, func(c context.Context) error {
		stopped := a.sched.StopAll()
		a.chain.Reset("shutdown")
		if len(stopped) > 0 {
			a.log.Info("loops cancelled", logx.Int("count", len(stopped)))
		}
		return nil
	})
	step("storage", time.Second, func(c context.Context) error {
		a.storeMu.Lock()
		st := a.store
		a.store = nil
		a.storeMu.Unlock()
		a.ctl.SetStore(nil)
		if st != nil {
			return st.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, event log, catalog watch).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	counts := a.logs.Counts()
	a.log.Info("stopped",
		logx.Uint64("emitted", a.emitter.Emitted()),
		logx.Uint64("bus_dropped", a.bus.Dropped()),
		logx.Uint64("warnings", counts.Warn),
		logx.Uint64("errors", counts.Error),
	)
	_ = a.logs.Close()
	return nil
}
