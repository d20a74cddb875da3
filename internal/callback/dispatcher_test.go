package callback_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"jobsagent/internal/callback"
	"jobsagent/internal/eventbus"
	"jobsagent/internal/mocks"
	"jobsagent/pkg/logx"
)

// sink is an endpoint that records every batch it accepts.
type sink struct {
	mu      sync.Mutex
	batches [][]int64
}

func (s *sink) endpoint(name string) callback.EndpointFunc {
	return callback.EndpointFunc{ID: name, Fn: func(_ context.Context, batch []callback.Record) (callback.Ack, error) {
		ids := make([]int64, len(batch))
		for i, r := range batch {
			ids[i] = r.LogID
		}
		s.mu.Lock()
		s.batches = append(s.batches, ids)
		s.mu.Unlock()
		return callback.Ack{Success: true}, nil
	}}
}

func (s *sink) snapshot() [][]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]int64(nil), s.batches...)
}

func (s *sink) all() []int64 {
	var out []int64
	for _, b := range s.snapshot() {
		out = append(out, b...)
	}
	return out
}

func seq(from, to int64) []int64 {
	var out []int64
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}

func push(t *testing.T, d *callback.Dispatcher, ids ...int64) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, d.Push(callback.NewRecord(id, callback.CodeSuccess, "")))
	}
}

func newDispatcher(t *testing.T, cfg callback.Config, eps []callback.Endpoint, opts ...callback.Option) *callback.Dispatcher {
	t.Helper()
	d, err := callback.New(cfg, eps, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		if d.State() == callback.StateRunning {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = d.Stop(ctx)
		}
	})
	return d
}

func stop(t *testing.T, d *callback.Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))
	require.Equal(t, callback.StateStopped, d.State())
}

func TestDispatcher_PendingBeforeStartFormOneBatch(t *testing.T) {
	s := &sink{}
	d := newDispatcher(t, callback.Config{}, []callback.Endpoint{s.endpoint("admin")})

	push(t, d, seq(1, 5)...)
	require.NoError(t, d.Start(context.Background()))

	require.Eventually(t, func() bool { return len(s.all()) == 5 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, [][]int64{seq(1, 5)}, s.snapshot())
	stop(t, d)

	st := d.Stats()
	assert.Equal(t, uint64(1), st.Batches)
	assert.Equal(t, uint64(5), st.Records)
	assert.Equal(t, uint64(1), st.Delivered)
}

func TestDispatcher_EveryRecordDeliveredInOrderBeforeStop(t *testing.T) {
	a, b := &sink{}, &sink{}
	d := newDispatcher(t, callback.Config{}, []callback.Endpoint{a.endpoint("a"), b.endpoint("b")})
	require.NoError(t, d.Start(context.Background()))

	for i := int64(1); i <= 500; i++ {
		push(t, d, i)
		if i%50 == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	stop(t, d)

	assert.Equal(t, seq(1, 500), a.all())
	assert.Equal(t, seq(1, 500), b.all())
	assert.Zero(t, d.Stats().QueueDepth)
}

func TestDispatcher_FailingEndpointIsIsolated(t *testing.T) {
	ctrl := gomock.NewController(t)
	bad := mocks.NewMockEndpoint(ctrl)
	bad.EXPECT().Name().Return("bad").AnyTimes()
	bad.EXPECT().Callback(gomock.Any(), gomock.Any()).Return(callback.Ack{}, errors.New("connection refused")).Times(1)

	panicky := callback.EndpointFunc{ID: "panicky", Fn: func(context.Context, []callback.Record) (callback.Ack, error) {
		panic("nil map")
	}}
	good := &sink{}

	d := newDispatcher(t, callback.Config{}, []callback.Endpoint{bad, panicky, good.endpoint("good")})
	push(t, d, 1, 2, 3)
	require.NoError(t, d.Start(context.Background()))

	require.Eventually(t, func() bool { return len(good.all()) == 3 }, 2*time.Second, 5*time.Millisecond)
	stop(t, d)

	st := d.Stats()
	assert.Equal(t, uint64(2), st.Failed)
	assert.Equal(t, uint64(1), st.Delivered)
	assert.Zero(t, st.Pending, "retry disabled keeps no log")
}

func TestDispatcher_PushDoesNotBlockOnSlowEndpoint(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	var total atomic.Int64
	slow := callback.EndpointFunc{ID: "slow", Fn: func(_ context.Context, batch []callback.Record) (callback.Ack, error) {
		if calls.Add(1) == 1 {
			<-release
		}
		total.Add(int64(len(batch)))
		return callback.Ack{Success: true}, nil
	}}

	d := newDispatcher(t, callback.Config{CallTimeout: 10 * time.Second}, []callback.Endpoint{slow})
	require.NoError(t, d.Start(context.Background()))
	push(t, d, 1)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	start := time.Now()
	push(t, d, seq(2, 1001)...)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1000, d.Stats().QueueDepth)

	close(release)
	stop(t, d)
	assert.Equal(t, int64(1001), total.Load())
}

func TestDispatcher_StopFlushesQueuedRecords(t *testing.T) {
	const m = 10
	release := make(chan struct{})
	var calls atomic.Int32
	s := &sink{}
	rec := s.endpoint("admin")
	blocking := callback.EndpointFunc{ID: "admin", Fn: func(ctx context.Context, batch []callback.Record) (callback.Ack, error) {
		if calls.Add(1) == 1 {
			<-release
		}
		return rec.Fn(ctx, batch)
	}}

	d := newDispatcher(t, callback.Config{CallTimeout: 10 * time.Second}, []callback.Endpoint{blocking})
	require.NoError(t, d.Start(context.Background()))
	push(t, d, 0)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	push(t, d, seq(1, m)...)

	stopped := make(chan error, 1)
	go func() { stopped <- d.Stop(context.Background()) }()
	require.Eventually(t, func() bool { return d.State() == callback.StateStopping }, 2*time.Second, time.Millisecond)
	close(release)

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.Equal(t, [][]int64{{0}, seq(1, m)}, s.snapshot())
	assert.Equal(t, callback.StateStopped, d.State())
}

func TestDispatcher_RecordsQueuedAtStopFormOneFinalBatch(t *testing.T) {
	const m = 10
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16, callback.EventBatchDelivered)
	defer unsub()

	release := make(chan struct{})
	var calls atomic.Int32
	blocking := callback.EndpointFunc{ID: "admin", Fn: func(context.Context, []callback.Record) (callback.Ack, error) {
		if calls.Add(1) == 1 {
			<-release
		}
		return callback.Ack{Success: true}, nil
	}}

	d := newDispatcher(t, callback.Config{CallTimeout: 10 * time.Second}, []callback.Endpoint{blocking}, callback.WithEventBus(bus))
	require.NoError(t, d.Start(context.Background()))
	push(t, d, 0)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	push(t, d, seq(1, m)...)

	stopped := make(chan error, 1)
	go func() { stopped <- d.Stop(context.Background()) }()
	require.Eventually(t, func() bool { return d.State() == callback.StateStopping }, 2*time.Second, time.Millisecond)
	close(release)
	require.NoError(t, <-stopped)

	var got []callback.BatchEvent
	for len(got) < 2 {
		select {
		case ev := <-events:
			got = append(got, ev.Data.(callback.BatchEvent))
		case <-time.After(2 * time.Second):
			t.Fatalf("delivered events: %+v", got)
		}
	}
	assert.False(t, got[0].Final)
	assert.Equal(t, 1, got[0].Size)
	assert.True(t, got[1].Final)
	assert.Equal(t, m, got[1].Size)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDispatcher_StopReturnsUnderSteadyLoad(t *testing.T) {
	slow := callback.EndpointFunc{ID: "slow", Fn: func(context.Context, []callback.Record) (callback.Ack, error) {
		time.Sleep(5 * time.Millisecond)
		return callback.Ack{Success: true}, nil
	}}
	d := newDispatcher(t, callback.Config{}, []callback.Endpoint{slow})
	require.NoError(t, d.Start(context.Background()))

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for id := int64(0); ; id++ {
			select {
			case <-done:
				return
			default:
			}
			_ = d.Push(callback.NewRecord(id, callback.CodeSuccess, ""))
			time.Sleep(50 * time.Microsecond)
		}
	}()
	defer func() {
		close(done)
		wg.Wait()
	}()
	require.Eventually(t, func() bool { return d.Stats().Batches >= 3 }, 2*time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))
	assert.Equal(t, callback.StateStopped, d.State())

	select {
	case <-d.Stopped():
	default:
		t.Fatal("Stopped channel not closed")
	}
}

func TestDispatcher_StopDeadline(t *testing.T) {
	stuck := callback.EndpointFunc{ID: "stuck", Fn: func(ctx context.Context, _ []callback.Record) (callback.Ack, error) {
		<-ctx.Done()
		return callback.Ack{}, ctx.Err()
	}}
	d := newDispatcher(t, callback.Config{CallTimeout: 300 * time.Millisecond}, []callback.Endpoint{stuck})
	require.NoError(t, d.Start(context.Background()))
	push(t, d, 1)
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Stop(ctx), context.DeadlineExceeded)
	assert.ErrorIs(t, d.Stop(context.Background()), callback.ErrNotRunning)

	require.Eventually(t, func() bool { return d.State() == callback.StateStopped }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), d.Stats().Failed)
}

func TestDispatcher_NoEndpoints(t *testing.T) {
	var buf bytes.Buffer
	d := newDispatcher(t, callback.Config{}, nil, callback.WithLogger(logx.NewWriter(&buf, "info")))

	require.NoError(t, d.Start(context.Background()))
	assert.Equal(t, callback.StateNotStarted, d.State())
	assert.Contains(t, buf.String(), "no admin endpoints configured")

	push(t, d, 1, 2)
	assert.Equal(t, 2, d.Stats().QueueDepth)
	assert.ErrorIs(t, d.Stop(context.Background()), callback.ErrNotRunning)
}

func TestDispatcher_Lifecycle(t *testing.T) {
	s := &sink{}
	d := newDispatcher(t, callback.Config{}, []callback.Endpoint{s.endpoint("admin")})

	assert.ErrorIs(t, d.Stop(context.Background()), callback.ErrNotRunning)
	require.NoError(t, d.Start(context.Background()))
	assert.Equal(t, callback.StateRunning, d.State())
	assert.ErrorIs(t, d.Start(context.Background()), callback.ErrAlreadyStarted)

	stop(t, d)
	assert.ErrorIs(t, d.Start(context.Background()), callback.ErrAlreadyStarted)
	assert.ErrorIs(t, d.Stop(context.Background()), callback.ErrNotRunning)

	// Accepted, never delivered.
	push(t, d, 9)
	assert.Equal(t, 1, d.Stats().QueueDepth)
	assert.Empty(t, s.all())
}

func TestDispatcher_BoundedQueueRejects(t *testing.T) {
	s := &sink{}
	d := newDispatcher(t, callback.Config{QueueCapacity: 2}, []callback.Endpoint{s.endpoint("admin")})

	push(t, d, 1, 2)
	err := d.Push(callback.NewRecord(3, callback.CodeFail, "boom"))
	assert.ErrorIs(t, err, callback.ErrQueueFull)
	assert.Equal(t, uint64(1), d.Stats().Rejected)
	assert.Equal(t, uint64(2), d.Stats().Pushed)
}

func TestDispatcher_PublishesEvents(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16, "callback.batch.")
	defer unsub()

	nack := callback.EndpointFunc{ID: "nack", Fn: func(context.Context, []callback.Record) (callback.Ack, error) {
		return callback.Ack{Msg: "invalid token"}, nil
	}}
	s := &sink{}
	d := newDispatcher(t, callback.Config{}, []callback.Endpoint{nack, s.endpoint("ok")}, callback.WithEventBus(bus))
	push(t, d, 1)
	require.NoError(t, d.Start(context.Background()))

	got := map[string]callback.BatchEvent{}
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-events:
			be, ok := ev.Data.(callback.BatchEvent)
			require.True(t, ok)
			got[ev.Type] = be
		case <-timeout:
			t.Fatalf("events so far: %v", got)
		}
	}
	stop(t, d)

	failed := got[callback.EventBatchFailed]
	assert.Equal(t, "nack", failed.Endpoint)
	assert.Contains(t, failed.Error, "invalid token")
	assert.Equal(t, "ok", got[callback.EventBatchDelivered].Endpoint)
	assert.Equal(t, failed.BatchID, got[callback.EventBatchDelivered].BatchID)
}

func TestNew_RejectsBadConfig(t *testing.T) {
	s := &sink{}
	_, err := callback.New(callback.Config{}, []callback.Endpoint{s.endpoint("x"), s.endpoint("x")})
	assert.ErrorContains(t, err, "duplicate")

	_, err = callback.New(callback.Config{RetrySchedule: "not a cron"}, []callback.Endpoint{s.endpoint("x")})
	assert.ErrorContains(t, err, "retry schedule")
}
