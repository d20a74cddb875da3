package callback

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"jobsagent/internal/eventbus"
	"jobsagent/pkg/logx"
)

// deliver fans batch out to every endpoint concurrently and returns once all
// calls have finished. Failures stay local to their endpoint.
func (d *Dispatcher) deliver(ctx context.Context, batch []Record, final bool) {
	batchID := uuid.NewString()
	ctx, span := d.tracer.Start(ctx, "callback.deliver", trace.WithAttributes(
		attribute.String("callback.batch_id", batchID),
		attribute.Int("callback.batch_size", len(batch)),
		attribute.Bool("callback.final", final),
	))
	defer span.End()

	d.stats.batches.Add(1)
	d.stats.records.Add(uint64(len(batch)))

	var (
		g      errgroup.Group
		failed atomic.Int32
	)
	for _, ep := range d.endpoints {
		g.Go(func() error {
			name := ep.Name()
			start := time.Now()
			err := d.callOnce(ctx, ep, batch)
			took := time.Since(start)
			if err != nil {
				failed.Add(1)
				d.stats.failed.Add(1)
				d.log.Error("callback delivery failed",
					logx.String("endpoint", name),
					logx.String("batch_id", batchID),
					logx.Int("size", len(batch)),
					logx.Bool("final", final),
					logx.Duration("took", took),
					logx.Err(err),
				)
				d.publish(EventBatchFailed, BatchEvent{BatchID: batchID, Endpoint: name, Size: len(batch), Final: final, Error: err.Error()})
				d.recordFailure(name, batch, err)
				return nil
			}
			d.stats.delivered.Add(1)
			d.log.Debug("callback delivered",
				logx.String("endpoint", name),
				logx.String("batch_id", batchID),
				logx.Int("size", len(batch)),
				logx.Duration("took", took),
			)
			d.publish(EventBatchDelivered, BatchEvent{BatchID: batchID, Endpoint: name, Size: len(batch), Final: final})
			return nil
		})
	}
	_ = g.Wait()

	if n := failed.Load(); n > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d of %d endpoints failed", n, len(d.endpoints)))
	}
}

func (d *Dispatcher) callOnce(ctx context.Context, ep Endpoint, batch []Record) error {
	cctx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()
	return call(cctx, ep, batch)
}

func (d *Dispatcher) publish(typ string, ev BatchEvent) {
	if d.bus == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	d.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}
