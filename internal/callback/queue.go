package callback

import (
	"context"
	"errors"
	"strings"
	"sync"
)

var ErrQueueFull = errors.New("callback queue full")

// OverflowPolicy decides what a bounded Queue does when Push finds it full.
// An unbounded queue (capacity 0) never overflows.
type OverflowPolicy string

const (
	OverflowReject     OverflowPolicy = "reject"      // Push returns ErrQueueFull
	OverflowDropOldest OverflowPolicy = "drop_oldest" // oldest queued record is discarded
)

// ParseOverflowPolicy accepts the config spelling; empty means reject.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(OverflowReject):
		return OverflowReject, nil
	case string(OverflowDropOldest), "drop-oldest":
		return OverflowDropOldest, nil
	default:
		return "", errors.New("unknown overflow policy: " + s)
	}
}

// Queue is a FIFO buffer of records shared by any number of producers and the
// dispatch loop.
//
// Push never blocks. Take blocks until a record is available or ctx is done.
// DrainTo removes everything queued at the moment of the call, in order.
type Queue struct {
	mu       sync.Mutex
	items    []Record
	capacity int
	policy   OverflowPolicy
	dropped  uint64

	// ready holds at most one wake-up token; Push deposits, Take consumes.
	ready chan struct{}
}

// NewQueue returns a queue holding at most capacity records; capacity <= 0 is unbounded.
func NewQueue(capacity int, policy OverflowPolicy) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	if policy == "" {
		policy = OverflowReject
	}
	return &Queue{capacity: capacity, policy: policy, ready: make(chan struct{}, 1)}
}

func (q *Queue) Push(r Record) error {
	q.mu.Lock()
	if q.capacity > 0 && len(q.items) >= q.capacity {
		if q.policy != OverflowDropOldest {
			q.mu.Unlock()
			return ErrQueueFull
		}
		q.items[0] = Record{}
		q.items = q.items[1:]
		q.dropped++
	}
	q.items = append(q.items, r)
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Take removes and returns the head record, waiting while the queue is empty.
// It returns ctx.Err() once ctx is done and nothing is queued.
func (q *Queue) Take(ctx context.Context) (Record, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			r := q.items[0]
			q.items[0] = Record{}
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				// Hand the token on so another waiter does not sleep on a non-empty queue.
				q.signal()
			}
			return r, nil
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-ctx.Done():
			return Record{}, ctx.Err()
		}
	}
}

// DrainTo appends every currently queued record to dst and returns the grown
// slice and the number of records moved.
func (q *Queue) DrainTo(dst []Record) ([]Record, int) {
	q.mu.Lock()
	n := len(q.items)
	dst = append(dst, q.items...)
	q.items = nil
	q.mu.Unlock()
	return dst, n
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped counts records discarded by OverflowDropOldest.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
