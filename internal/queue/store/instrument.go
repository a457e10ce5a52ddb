package store

import (
	"context"
	"time"

	"github.com/aridsondez/leaseq/internal/metrics"
	"github.com/aridsondez/leaseq/internal/queue"
)

// Instrument wraps s so every operation is reflected in the process metrics.
func Instrument(s Store) Store {
	return &instrumented{Store: s}
}

type instrumented struct {
	Store
}

func (i *instrumented) Enqueue(ctx context.Context, body []byte) (string, error) {
	id, err := i.Store.Enqueue(ctx, body)
	if err != nil {
		metrics.StoreErrors.WithLabelValues(i.Name(), "enqueue").Inc()
		return id, err
	}
	metrics.MessagesEnqueued.WithLabelValues(i.Name()).Inc()
	return id, nil
}

func (i *instrumented) DequeueBatch(ctx context.Context, opts queue.ClaimOptions) ([]queue.Delivery, error) {
	out, err := i.Store.DequeueBatch(ctx, opts)
	if err != nil {
		if ctx.Err() == nil {
			metrics.StoreErrors.WithLabelValues(i.Name(), "dequeue").Inc()
		}
		return out, err
	}
	if len(out) == 0 {
		metrics.EmptyReceives.WithLabelValues(i.Name()).Inc()
	} else {
		metrics.MessagesReceived.WithLabelValues(i.Name()).Add(float64(len(out)))
	}
	return out, nil
}

func (i *instrumented) Delete(ctx context.Context, id, leaseToken string) (queue.Result, error) {
	res, err := i.Store.Delete(ctx, id, leaseToken)
	i.observe("delete", res, err)
	if err == nil && res == queue.Success {
		metrics.MessagesDeleted.WithLabelValues(i.Name()).Inc()
	}
	return res, err
}

func (i *instrumented) ExtendLease(ctx context.Context, id, leaseToken string, timeout time.Duration) (queue.Result, error) {
	res, err := i.Store.ExtendLease(ctx, id, leaseToken, timeout)
	i.observe("extend", res, err)
	return res, err
}

func (i *instrumented) observe(op string, res queue.Result, err error) {
	switch {
	case err != nil:
		metrics.StoreErrors.WithLabelValues(i.Name(), op).Inc()
	case res == queue.Stale:
		metrics.StaleLeases.WithLabelValues(i.Name(), op).Inc()
	}
}
