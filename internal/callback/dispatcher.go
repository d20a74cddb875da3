package callback

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"jobsagent/internal/eventbus"
	"jobsagent/internal/runtime/supervisor"
	"jobsagent/internal/storage"
	"jobsagent/pkg/logx"
)

// Dispatcher owns the callback queue, the dispatch loop and the retry loop.
//
// A process should construct exactly one Dispatcher in its composition root
// and hand it to every producer. It is safe for concurrent use.
type Dispatcher struct {
	cfg       Config
	endpoints []Endpoint
	byName    map[string]Endpoint
	queue     *Queue

	log    logx.Logger
	bus    eventbus.Bus
	store  storage.Store
	tracer trace.Tracer

	retry    *retryLog
	limiter  *rate.Limiter
	schedule cron.Schedule

	// mu serializes Start/Stop; state is read lock-free.
	mu    sync.Mutex
	state atomic.Int32
	sup   *supervisor.Supervisor
	// stopped is closed once both loops have exited after Stop.
	stopped chan struct{}

	stats counters
}

type counters struct {
	pushed, rejected            atomic.Uint64
	batches, records            atomic.Uint64
	delivered, failed           atomic.Uint64
	retried, abandoned, evicted atomic.Uint64
}

type Option func(*Dispatcher)

func WithLogger(log logx.Logger) Option { return func(d *Dispatcher) { d.log = log } }

// WithEventBus publishes callback.* lifecycle events on bus.
func WithEventBus(bus eventbus.Bus) Option { return func(d *Dispatcher) { d.bus = bus } }

// WithStore mirrors the retry log to st so it survives restarts.
func WithStore(st storage.Store) Option { return func(d *Dispatcher) { d.store = st } }

func WithTracer(t trace.Tracer) Option { return func(d *Dispatcher) { d.tracer = t } }

// New builds a dispatcher for the given endpoints. Nil endpoints are ignored;
// duplicate names are rejected because the retry log is keyed by name.
func New(cfg Config, endpoints []Endpoint, opts ...Option) (*Dispatcher, error) {
	cfg = cfg.withDefaults()

	sched, err := parseRetrySchedule(cfg.RetrySchedule, cfg.BeatInterval)
	if err != nil {
		return nil, err
	}

	d := &Dispatcher{
		cfg:      cfg,
		byName:   map[string]Endpoint{},
		queue:    NewQueue(cfg.QueueCapacity, cfg.Overflow),
		retry:    newRetryLog(cfg.Retry.MaxEntries),
		limiter:  rate.NewLimiter(rate.Limit(cfg.Retry.RatePerSec), cfg.Retry.RatePerSec),
		schedule: sched,
		stopped:  make(chan struct{}),
	}
	for _, ep := range endpoints {
		if ep == nil {
			continue
		}
		name := ep.Name()
		if _, dup := d.byName[name]; dup {
			return nil, fmt.Errorf("duplicate callback endpoint name %q", name)
		}
		d.byName[name] = ep
		d.endpoints = append(d.endpoints, ep)
	}
	for _, o := range opts {
		o(d)
	}
	if d.log.IsZero() {
		d.log = logx.Nop()
	}
	if d.tracer == nil {
		d.tracer = otel.Tracer("jobsagent/internal/callback")
	}
	return d, nil
}

// Push enqueues r for delivery. It never blocks and may be called in any
// state, including before Start; records simply accumulate until a dispatch
// loop runs. The only error is ErrQueueFull from a bounded, rejecting queue.
func (d *Dispatcher) Push(r Record) error {
	if err := d.queue.Push(r); err != nil {
		d.stats.rejected.Add(1)
		d.log.Warn("callback rejected", logx.Int64("log_id", r.LogID), logx.Int("capacity", d.cfg.QueueCapacity), logx.Err(err))
		return err
	}
	d.stats.pushed.Add(1)
	if d.State() == StateStopped {
		d.log.Warn("callback queued after dispatcher stopped; it will not be delivered", logx.Int64("log_id", r.LogID))
		return nil
	}
	d.log.Debug("callback queued", logx.Int64("log_id", r.LogID))
	return nil
}

// Start launches the dispatch and retry loops.
//
// Without endpoints Start only logs a warning and the dispatcher stays
// NotStarted: pushed records accumulate with no consumer. ctx supplies values
// only; the loops run until Stop.
func (d *Dispatcher) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.State() != StateNotStarted {
		return ErrAlreadyStarted
	}
	if len(d.endpoints) == 0 {
		d.log.Warn("callback dispatcher not started: no admin endpoints configured; callbacks will accumulate in memory")
		return nil
	}

	d.restore(ctx)

	d.sup = supervisor.New(context.WithoutCancel(ctx), supervisor.WithLogger(d.log))
	d.state.Store(int32(StateRunning))
	d.sup.GoRestart("callback.dispatch", d.dispatchLoop, supervisor.WithPublishFirstError(true))
	d.sup.GoRestart("callback.retry", d.retryLoop, supervisor.WithPublishFirstError(true))

	d.log.Info("callback dispatcher started",
		logx.Int("endpoints", len(d.endpoints)),
		logx.Int("queued", d.queue.Len()),
		logx.Int("pending", d.retry.len()),
		logx.Bool("retry", d.cfg.Retry.Enabled),
	)
	return nil
}

// Stop cancels both loops and waits for them to exit. The dispatch loop
// delivers whatever is still queued before it returns.
//
// If ctx expires first Stop returns ctx.Err(); the loops keep finishing in
// the background and the state moves to Stopped once they have. Calling Stop in any
// state other than Running returns ErrNotRunning.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	if d.State() != StateRunning {
		d.mu.Unlock()
		return ErrNotRunning
	}
	d.state.Store(int32(StateStopping))
	sup := d.sup
	d.mu.Unlock()

	sup.Cancel()
	err := sup.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		d.log.Warn("callback dispatcher stop deadline reached; flush continues in background", logx.Int("queued", d.queue.Len()), logx.Err(err))
		go func() {
			_ = sup.Wait(context.Background())
			d.finishStop()
		}()
		return err
	}
	if err != nil {
		d.log.Debug("callback loop error during run", logx.Err(err))
	}
	d.finishStop()
	return nil
}

func (d *Dispatcher) finishStop() {
	d.state.Store(int32(StateStopped))
	close(d.stopped)
	pending := d.retry.len()
	switch {
	case pending > 0 && d.store == nil:
		d.log.Warn("callback dispatcher stopped with undelivered batches; no store configured, they are lost", logx.Int("pending", pending))
	case pending > 0:
		d.log.Info("callback dispatcher stopped; pending batches kept in store", logx.Int("pending", pending))
	default:
		d.log.Info("callback dispatcher stopped")
	}
}

func (d *Dispatcher) State() State { return State(d.state.Load()) }

// Stopped is closed when the dispatcher reaches StateStopped, including after
// a Stop that returned early on its deadline. It never closes for a
// dispatcher that was not started.
func (d *Dispatcher) Stopped() <-chan struct{} { return d.stopped }

// ShutdownBudget is the longest Stop needs: one in-flight call followed by
// the final flush.
func (d *Dispatcher) ShutdownBudget() time.Duration {
	return d.cfg.CallTimeout + d.cfg.FlushTimeout
}

// Endpoints returns the configured endpoint names in order.
func (d *Dispatcher) Endpoints() []string {
	out := make([]string, 0, len(d.endpoints))
	for _, ep := range d.endpoints {
		out = append(out, ep.Name())
	}
	return out
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		State:      d.State().String(),
		Endpoints:  len(d.endpoints),
		Pushed:     d.stats.pushed.Load(),
		Rejected:   d.stats.rejected.Load(),
		Dropped:    d.queue.Dropped(),
		QueueDepth: d.queue.Len(),
		Batches:    d.stats.batches.Load(),
		Records:    d.stats.records.Load(),
		Delivered:  d.stats.delivered.Load(),
		Failed:     d.stats.failed.Load(),
		Retried:    d.stats.retried.Load(),
		Abandoned:  d.stats.abandoned.Load(),
		Evicted:    d.stats.evicted.Load(),
		Pending:    d.retry.len(),
	}
}

// Supervisor exposes loop stats for the status server (nil before Start).
func (d *Dispatcher) Supervisor() *supervisor.Supervisor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sup
}

func (d *Dispatcher) dispatchLoop(ctx context.Context) error {
	// Records still queued once Stop cancels ctx go out in the single final batch.
	for ctx.Err() == nil {
		first, err := d.queue.Take(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			d.log.Error("callback queue wait failed", logx.Err(err))
			continue
		}
		batch, _ := d.queue.DrainTo([]Record{first})
		// An in-flight batch is finished even if Stop arrives meanwhile.
		d.deliver(context.WithoutCancel(ctx), batch, false)
	}

	final, n := d.queue.DrainTo(nil)
	if n > 0 {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.FlushTimeout)
		d.deliver(fctx, final, true)
		cancel()
	}
	d.log.Info("callback dispatch loop stopped", logx.Int("final_batch", n))
	return nil
}
