// Package agent wires the callback dispatcher, its admin endpoints and the
// supporting services into one process.
package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"jobsagent/internal/admin"
	"jobsagent/internal/callback"
	"jobsagent/internal/config"
	"jobsagent/internal/eventbus"
	"jobsagent/internal/runtime/supervisor"
	"jobsagent/internal/status"
	"jobsagent/internal/storage"
	"jobsagent/internal/telemetry"
	"jobsagent/pkg/logx"
	"jobsagent/pkg/systemd"
)

type Agent struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	disp          *callback.Dispatcher
	status        *status.Service
	statusEnabled bool
	traceShutdown telemetry.ShutdownFunc

	stopOnce sync.Once
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(cfgPath string) (*Agent, error) {
	return newAgent(config.NewConfigManager(cfgPath))
}

func newAgent(cfgm *config.ConfigManager) (*Agent, error) {
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	a := &Agent{
		cfgm: cfgm,
		log:  log.With(logx.String("comp", "agent")),
		logs: logSvc,
		bus:  eventbus.New(),
	}

	traceShutdown, err := telemetry.Init(mapTracingConfig(cfg), log.With(logx.String("comp", "telemetry")))
	if err != nil {
		return nil, err
	}
	a.traceShutdown = traceShutdown

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			_ = traceShutdown(context.Background())
			return nil, err
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	acfgs, err := mapAdmins(cfg)
	if err != nil {
		a.closeEarly()
		return nil, err
	}
	endpoints, err := admin.Build(acfgs, log.With(logx.String("comp", "admin")))
	if err != nil {
		a.closeEarly()
		return nil, err
	}

	ccfg, err := mapCallbackConfig(cfg)
	if err != nil {
		a.closeEarly()
		return nil, err
	}
	opts := []callback.Option{
		callback.WithLogger(log.With(logx.String("comp", "callback"))),
		callback.WithEventBus(a.bus),
	}
	if a.store != nil {
		opts = append(opts, callback.WithStore(a.store))
	}
	disp, err := callback.New(ccfg, endpoints, opts...)
	if err != nil {
		a.closeEarly()
		return nil, err
	}
	a.disp = disp

	a.statusEnabled = cfg.Status.Enabled
	a.status = status.New(mapStatusConfig(cfg), disp, log.With(logx.String("comp", "status")),
		status.WithEventBus(a.bus),
		status.WithLoops(a.loops),
	)
	return a, nil
}

func (a *Agent) closeEarly() {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.traceShutdown != nil {
		_ = a.traceShutdown(context.Background())
	}
}

// Dispatcher is the process-wide callback dispatcher. Producers call Push on it.
func (a *Agent) Dispatcher() *callback.Dispatcher { return a.disp }

// Status exposes the status server (bound only when status.enabled is set).
func (a *Agent) Status() *status.Service { return a.status }

// Done is closed when the agent supervisor is canceled (fatal error or Stop).
func (a *Agent) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *Agent) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *Agent) loops() map[string]supervisor.Snapshot {
	out := map[string]supervisor.Snapshot{}
	if a.sup != nil {
		out["agent"] = a.sup.Snapshot()
	}
	if sup := a.disp.Supervisor(); sup != nil {
		out["callback"] = sup.Snapshot()
	}
	if sup := a.status.Supervisor(); sup != nil {
		out["status"] = sup.Snapshot()
	}
	return out
}

func (a *Agent) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("agent already started")
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	if err := a.disp.Start(a.sup.Context()); err != nil {
		a.sup.Cancel()
		return err
	}
	if a.statusEnabled {
		if err := a.status.Start(a.sup.Context()); err != nil {
			a.sup.Cancel()
			stopCtx, cancel := context.WithTimeout(context.Background(), a.disp.ShutdownBudget()+2*time.Second)
			_ = a.disp.Stop(stopCtx)
			cancel()
			return err
		}
	}

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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				// coalesce bursts
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
				a.applyConfig(last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if iv := systemd.WatchdogInterval(); iv > 0 {
		a.sup.Go("systemd.watchdog", func(c context.Context) error { return systemd.RunWatchdog(c, iv) })
	}
	if _, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	}

	a.log.Info("agent started",
		logx.String("dispatcher", a.disp.State().String()),
		logx.Int("endpoints", len(a.disp.Endpoints())),
		logx.Bool("storage", a.store != nil),
		logx.Bool("status", a.statusEnabled),
	)
	return nil
}

// applyConfig applies what can change at runtime (logging) and warns about
// sections that need a restart.
func (a *Agent) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	a.logs.Apply(mapLoggingConfig(next))

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config change requires restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config applied", fields...)
}

// Stop shuts components down in order: status server, dispatcher (final
// flush), tracing, storage, supervised loops, logs. Each step is bounded so
// one component cannot stall the rest. Stop is idempotent.
func (a *Agent) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.stopOnce.Do(func() { a.stop(ctx, reason) })
	return nil
}

func (a *Agent) stop(ctx context.Context, reason StopReason) {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	a.sup.Cancel()

	a.step(ctx, "status", 2*time.Second, func(c context.Context) error {
		if !a.statusEnabled {
			return nil
		}
		return a.status.Stop(c)
	})
	a.step(ctx, "dispatcher", a.disp.ShutdownBudget()+2*time.Second, func(c context.Context) error {
		err := a.disp.Stop(c)
		if errors.Is(err, callback.ErrNotRunning) {
			return nil
		}
		return err
	})
	a.step(ctx, "tracing", 2*time.Second, func(c context.Context) error { return a.traceShutdown(c) })
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store == nil {
			return nil
		}
		if a.disp.State() == callback.StateStopping {
			// The final flush may still record failures.
			a.log.Warn("callback flush still running; storage closes when it finishes")
			go func() {
				<-a.disp.Stopped()
				if err := a.store.Close(); err != nil {
					a.log.Warn("storage close failed", logx.Err(err))
				}
			}()
			return nil
		}
		return a.store.Close()
	})
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped", logx.Uint64("dropped_events", a.bus.Dropped()))
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
