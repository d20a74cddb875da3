package callback

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(id int64) Record { return Record{LogID: id, HandleCode: CodeSuccess} }

func logIDs(rs []Record) []int64 {
	out := make([]int64, len(rs))
	for i, r := range rs {
		out[i] = r.LogID
	}
	return out
}

func TestQueue_TakeThenDrainKeepsOrder(t *testing.T) {
	q := NewQueue(0, "")
	for i := int64(1); i <= 5; i++ {
		require.NoError(t, q.Push(rec(i)))
	}

	first, err := q.Take(context.Background())
	require.NoError(t, err)
	batch, n := q.DrainTo([]Record{first})

	assert.Equal(t, 4, n)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, logIDs(batch))
	assert.Zero(t, q.Len())
}

func TestQueue_TakeBlocksUntilPush(t *testing.T) {
	q := NewQueue(0, "")
	got := make(chan Record, 1)
	go func() {
		r, err := q.Take(context.Background())
		if err == nil {
			got <- r
		}
	}()

	select {
	case <-got:
		t.Fatal("Take returned on an empty queue")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, q.Push(rec(7)))
	select {
	case r := <-got:
		assert.Equal(t, int64(7), r.LogID)
	case <-time.After(time.Second):
		t.Fatal("Take did not wake after Push")
	}
}

func TestQueue_TakeCanceled(t *testing.T) {
	q := NewQueue(0, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Take(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	// Queued records win over a done context.
	require.NoError(t, q.Push(rec(1)))
	r, err := q.Take(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.LogID)
}

func TestQueue_BoundedReject(t *testing.T) {
	q := NewQueue(2, OverflowReject)
	require.NoError(t, q.Push(rec(1)))
	require.NoError(t, q.Push(rec(2)))
	assert.ErrorIs(t, q.Push(rec(3)), ErrQueueFull)

	all, _ := q.DrainTo(nil)
	assert.Equal(t, []int64{1, 2}, logIDs(all))
}

func TestQueue_BoundedDropOldest(t *testing.T) {
	q := NewQueue(2, OverflowDropOldest)
	for i := int64(1); i <= 4; i++ {
		require.NoError(t, q.Push(rec(i)))
	}
	all, _ := q.DrainTo(nil)
	assert.Equal(t, []int64{3, 4}, logIDs(all))
	assert.Equal(t, uint64(2), q.Dropped())
}

func TestQueue_ConcurrentProducers(t *testing.T) {
	q := NewQueue(0, "")
	const producers, each = 8, 250

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(base int64) {
			defer wg.Done()
			for i := int64(0); i < each; i++ {
				_ = q.Push(rec(base + i))
			}
		}(int64(p) * 1000)
	}
	wg.Wait()

	all, n := q.DrainTo(nil)
	require.Equal(t, producers*each, n)

	// Per-producer order survives interleaving.
	last := map[int64]int64{}
	for _, r := range all {
		p := r.LogID / 1000
		if prev, ok := last[p]; ok {
			assert.Greater(t, r.LogID, prev)
		}
		last[p] = r.LogID
	}
}

func TestParseOverflowPolicy(t *testing.T) {
	cases := map[string]OverflowPolicy{
		"":            OverflowReject,
		"reject":      OverflowReject,
		"DROP_OLDEST": OverflowDropOldest,
		"drop-oldest": OverflowDropOldest,
	}
	for in, want := range cases {
		got, err := ParseOverflowPolicy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseOverflowPolicy("block")
	assert.Error(t, err)
}

func TestCall_FoldsOutcomes(t *testing.T) {
	ctx := context.Background()
	ok := EndpointFunc{ID: "ok", Fn: func(context.Context, []Record) (Ack, error) { return Ack{Success: true}, nil }}
	nack := EndpointFunc{ID: "nack", Fn: func(context.Context, []Record) (Ack, error) { return Ack{Msg: "bad token"}, nil }}
	boom := EndpointFunc{ID: "boom", Fn: func(context.Context, []Record) (Ack, error) { panic("boom") }}

	assert.NoError(t, call(ctx, ok, nil))

	err := call(ctx, nack, nil)
	assert.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "bad token")

	err = call(ctx, boom, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

func TestRetryLog_EvictsOldest(t *testing.T) {
	l := newRetryLog(2)
	assert.Nil(t, l.add(&pendingBatch{id: "a"}))
	assert.Nil(t, l.add(&pendingBatch{id: "b"}))
	ev := l.add(&pendingBatch{id: "c"})
	require.NotNil(t, ev)
	assert.Equal(t, "a", ev.id)

	assert.True(t, l.replace(&pendingBatch{id: "b", attempts: 3}))
	assert.False(t, l.replace(&pendingBatch{id: "a"}))
	assert.True(t, l.remove("c"))
	assert.False(t, l.remove("c"))

	snap := l.snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 3, snap[0].attempts)
}

func TestParseRetrySchedule(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	s, err := parseRetrySchedule("", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, now.Add(30*time.Second), s.Next(now))

	s, err = parseRetrySchedule("*/5 * * * *", time.Second)
	require.NoError(t, err)
	assert.WithinDuration(t, now.Add(5*time.Minute), s.Next(now), 0)

	_, err = parseRetrySchedule("every so often", time.Second)
	assert.Error(t, err)
}
