package callback

import (
	"context"
	"errors"
	"fmt"
)

// ErrRejected marks a delivery the endpoint answered without a positive ack.
var ErrRejected = errors.New("callback rejected by endpoint")

// Ack is an endpoint's answer to one batch.
type Ack struct {
	Success bool
	Msg     string
}

// Endpoint is one coordinator service able to accept a batch of records.
//
// Implementations must be safe for concurrent use: the dispatch loop and the
// retry loop may call the same endpoint at the same time. Callback must honor
// ctx; the dispatcher bounds every call with its own timeout.
type Endpoint interface {
	// Name identifies the endpoint in logs, events and the retry log. It must be
	// stable across restarts and unique within one dispatcher.
	Name() string
	Callback(ctx context.Context, batch []Record) (Ack, error)
}

// EndpointFunc adapts a function to Endpoint.
type EndpointFunc struct {
	ID string
	Fn func(ctx context.Context, batch []Record) (Ack, error)
}

func (f EndpointFunc) Name() string { return f.ID }

func (f EndpointFunc) Callback(ctx context.Context, batch []Record) (Ack, error) {
	return f.Fn(ctx, batch)
}

// call invokes ep and folds every non-success outcome (error, negative ack,
// panic) into a single error.
func call(ctx context.Context, ep Endpoint, batch []Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("endpoint %s panicked: %v", ep.Name(), r)
		}
	}()
	ack, err := ep.Callback(ctx, batch)
	if err != nil {
		return err
	}
	if !ack.Success {
		if ack.Msg != "" {
			return fmt.Errorf("%w: %s", ErrRejected, ack.Msg)
		}
		return ErrRejected
	}
	return nil
}
