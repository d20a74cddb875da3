package callback

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"jobsagent/internal/storage"
	"jobsagent/pkg/logx"
)

// pendingBatch is one failed (endpoint, batch) delivery. Values are never
// mutated after insertion; updates replace the pointer.
type pendingBatch struct {
	id       string
	endpoint string
	records  []Record
	attempts int
	lastErr  string
	failedAt time.Time
}

func (p *pendingBatch) info() PendingInfo {
	ids := make([]int64, len(p.records))
	for i, r := range p.records {
		ids[i] = r.LogID
	}
	return PendingInfo{
		ID:        p.id,
		Endpoint:  p.endpoint,
		Size:      len(p.records),
		LogIDs:    ids,
		Attempts:  p.attempts,
		LastError: p.lastErr,
		FailedAt:  p.failedAt,
	}
}

// retryLog is a bounded FIFO of pending batches.
type retryLog struct {
	mu      sync.Mutex
	entries []*pendingBatch
	max     int
}

func newRetryLog(max int) *retryLog { return &retryLog{max: max} }

// add appends p and returns the entry evicted to make room, if any.
func (l *retryLog) add(p *pendingBatch) (evicted *pendingBatch) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.max > 0 && len(l.entries) >= l.max {
		evicted = l.entries[0]
		l.entries[0] = nil
		l.entries = l.entries[1:]
	}
	l.entries = append(l.entries, p)
	return evicted
}

func (l *retryLog) index(id string) int {
	for i, e := range l.entries {
		if e.id == id {
			return i
		}
	}
	return -1
}

func (l *retryLog) remove(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.index(id)
	if i < 0 {
		return false
	}
	l.entries = append(l.entries[:i], l.entries[i+1:]...)
	return true
}

// replace swaps in p for the entry with the same id. It reports false when the
// entry is gone (evicted meanwhile).
func (l *retryLog) replace(p *pendingBatch) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.index(p.id)
	if i < 0 {
		return false
	}
	l.entries[i] = p
	return true
}

func (l *retryLog) snapshot() []*pendingBatch {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*pendingBatch(nil), l.entries...)
}

func (l *retryLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Pending lists the retry log, oldest first.
func (d *Dispatcher) Pending() []PendingInfo {
	snap := d.retry.snapshot()
	out := make([]PendingInfo, 0, len(snap))
	for _, p := range snap {
		out = append(out, p.info())
	}
	return out
}

type intervalSchedule time.Duration

func (s intervalSchedule) Next(t time.Time) time.Time { return t.Add(time.Duration(s)) }

// parseRetrySchedule returns a fixed-interval schedule unless expr is a cron
// expression.
func parseRetrySchedule(expr string, every time.Duration) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return intervalSchedule(every), nil
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, errors.New("invalid retry schedule " + expr + ": " + err.Error())
	}
	return sched, nil
}

// retryLoop wakes on the retry schedule until ctx is canceled. With retry
// disabled it is only a heartbeat.
func (d *Dispatcher) retryLoop(ctx context.Context) error {
	for {
		next := d.schedule.Next(time.Now())
		if next.IsZero() {
			<-ctx.Done()
			return nil
		}
		t := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			t.Stop()
			d.log.Debug("callback retry loop stopped")
			return nil
		case <-t.C:
		}
		if d.cfg.Retry.Enabled {
			d.retryPending(ctx)
		}
	}
}

func (d *Dispatcher) retryPending(ctx context.Context) {
	snap := d.retry.snapshot()
	if len(snap) == 0 {
		return
	}
	d.log.Debug("callback retry pass", logx.Int("pending", len(snap)))

	for _, p := range snap {
		if ctx.Err() != nil {
			return
		}
		ep := d.byName[p.endpoint]
		if ep == nil {
			d.retry.remove(p.id)
			d.storeDelete(p.id)
			continue
		}
		if err := d.limiter.Wait(ctx); err != nil {
			return
		}

		attempt := p.attempts + 1
		err := d.callOnce(ctx, ep, p.records)
		if ctx.Err() != nil {
			// Interrupted by Stop; not counted as an attempt.
			return
		}
		ev := BatchEvent{BatchID: p.id, Endpoint: p.endpoint, Size: len(p.records), Attempt: attempt}

		if err == nil {
			if d.retry.remove(p.id) {
				d.storeDelete(p.id)
			}
			d.stats.retried.Add(1)
			d.log.Info("callback re-delivered", logx.String("endpoint", p.endpoint), logx.String("batch_id", p.id), logx.Int("size", len(p.records)), logx.Int("attempt", attempt))
			d.publish(EventRetrySucceeded, ev)
			continue
		}

		ev.Error = err.Error()
		if d.cfg.Retry.MaxAttempts > 0 && attempt >= d.cfg.Retry.MaxAttempts {
			if d.retry.remove(p.id) {
				d.storeDelete(p.id)
			}
			d.stats.abandoned.Add(1)
			d.log.Error("callback retry abandoned", logx.String("endpoint", p.endpoint), logx.String("batch_id", p.id), logx.Int("size", len(p.records)), logx.Int("attempts", attempt), logx.Err(err))
			d.publish(EventRetryAbandoned, ev)
			continue
		}

		np := *p
		np.attempts = attempt
		np.lastErr = err.Error()
		if d.retry.replace(&np) {
			d.storePut(&np)
		}
		d.log.Warn("callback retry failed", logx.String("endpoint", p.endpoint), logx.String("batch_id", p.id), logx.Int("attempt", attempt), logx.Err(err))
		d.publish(EventRetryFailed, ev)
	}
}

// recordFailure adds a failed delivery to the retry log.
func (d *Dispatcher) recordFailure(endpoint string, batch []Record, err error) {
	if !d.cfg.Retry.Enabled {
		return
	}
	p := &pendingBatch{
		id:       uuid.NewString(),
		endpoint: endpoint,
		records:  batch,
		lastErr:  err.Error(),
		failedAt: time.Now(),
	}
	if ev := d.retry.add(p); ev != nil {
		d.evict(ev)
	}
	d.storePut(p)
}

func (d *Dispatcher) evict(p *pendingBatch) {
	d.stats.evicted.Add(1)
	d.log.Warn("callback retry log full; oldest entry evicted",
		logx.String("endpoint", p.endpoint),
		logx.String("batch_id", p.id),
		logx.Int("size", len(p.records)),
		logx.Int("max_entries", d.cfg.Retry.MaxEntries),
	)
	d.publish(EventRetryEvicted, BatchEvent{BatchID: p.id, Endpoint: p.endpoint, Size: len(p.records), Attempt: p.attempts, Error: p.lastErr})
	d.storeDelete(p.id)
}

const storeTimeout = 5 * time.Second

func (d *Dispatcher) storePut(p *pendingBatch) {
	if d.store == nil {
		return
	}
	payload, err := json.Marshal(p.records)
	if err != nil {
		d.log.Warn("encode pending batch failed", logx.String("batch_id", p.id), logx.Err(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	err = d.store.PutPending(ctx, storage.Entry{
		ID:        p.id,
		Endpoint:  p.endpoint,
		Payload:   payload,
		Attempts:  p.attempts,
		LastError: p.lastErr,
		FailedAt:  p.failedAt,
		UpdatedAt: time.Now(),
	})
	if err != nil {
		d.log.Warn("persist pending batch failed", logx.String("batch_id", p.id), logx.Err(err))
	}
}

func (d *Dispatcher) storeDelete(id string) {
	if d.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := d.store.DeletePending(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		d.log.Warn("delete pending batch failed", logx.String("batch_id", id), logx.Err(err))
	}
}

// restore loads persisted entries into the retry log. Entries for endpoints
// that are no longer configured, or that cannot be decoded, are discarded.
func (d *Dispatcher) restore(ctx context.Context) {
	if d.store == nil || !d.cfg.Retry.Enabled {
		return
	}
	lctx, cancel := context.WithTimeout(ctx, storeTimeout)
	entries, err := d.store.ListPending(lctx, 0)
	cancel()
	if err != nil {
		d.log.Warn("load pending batches failed", logx.Err(err))
		return
	}

	restored := 0
	for _, e := range entries {
		if _, ok := d.byName[e.Endpoint]; !ok {
			d.log.Warn("discarding pending batch for unknown endpoint", logx.String("endpoint", e.Endpoint), logx.String("batch_id", e.ID))
			d.storeDelete(e.ID)
			continue
		}
		recs, err := DecodeBatch(e.Payload)
		if err != nil {
			d.log.Warn("discarding undecodable pending batch", logx.String("batch_id", e.ID), logx.Err(err))
			d.storeDelete(e.ID)
			continue
		}
		p := &pendingBatch{
			id:       e.ID,
			endpoint: e.Endpoint,
			records:  recs,
			attempts: e.Attempts,
			lastErr:  e.LastError,
			failedAt: e.FailedAt,
		}
		if ev := d.retry.add(p); ev != nil {
			d.evict(ev)
		}
		restored++
	}
	if restored > 0 {
		d.log.Info("restored pending callback batches", logx.Int("count", restored))
	}
}

// DecodeBatch parses a persisted retry-log payload. An empty batch is an error.
func DecodeBatch(payload []byte) ([]Record, error) {
	var recs []Record
	if err := json.Unmarshal(payload, &recs); err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, errors.New("empty batch")
	}
	return recs, nil
}
