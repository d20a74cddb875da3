package status

import (
	"context"
	"sync"

	"jobsagent/internal/eventbus"
)

const defaultRingSize = 200

// ring keeps the most recent events in arrival order.
type ring struct {
	mu   sync.Mutex
	buf  []eventbus.Event
	next int
	full bool
}

func newRing(n int) *ring {
	if n <= 0 {
		n = defaultRingSize
	}
	return &ring{buf: make([]eventbus.Event, n)}
}

func (r *ring) add(e eventbus.Event) {
	r.mu.Lock()
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// last returns up to n events, oldest first.
func (r *ring) last(n int) []eventbus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	size := r.next
	if r.full {
		size = len(r.buf)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]eventbus.Event, 0, n)
	start := (r.next - n + len(r.buf)) % len(r.buf)
	for i := 0; i < n; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// collect copies events from the bus into r until ctx is done.
func (r *ring) collect(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			r.add(e)
		}
	}
}
