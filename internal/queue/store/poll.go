package store

import (
	"context"
	"time"

	"github.com/aridsondez/leaseq/internal/queue"
)

// DefaultPollInterval is how often Poll retries an empty receive while long polling.
const DefaultPollInterval = 100 * time.Millisecond

// Poll calls receive once and, if it came back empty and wait > 0, keeps
// retrying every interval until messages arrive, wait elapses, or ctx is done.
// A cancelled poll has granted no leases.
func Poll(ctx context.Context, wait, interval time.Duration, receive func(context.Context) ([]queue.Delivery, error)) ([]queue.Delivery, error) {
	out, err := receive(ctx)
	if err != nil || len(out) > 0 || wait <= 0 {
		return out, err
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-ticker.C:
			out, err := receive(ctx)
			if err != nil || len(out) > 0 {
				return out, err
			}
		}
	}
}
