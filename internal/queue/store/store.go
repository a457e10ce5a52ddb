package store

import (
	"context"
	"time"

	"github.com/aridsondez/leaseq/internal/queue"
)

// Store is the backend-agnostic interface the rest of the app uses. One Store
// serves one named queue; a dead-letter queue is just another Store.
type Store interface {
	// Name returns the queue name.
	Name() string

	// Settings returns the configuration the queue was created with.
	Settings() queue.Settings

	// Enqueue appends a message and returns its id.
	Enqueue(ctx context.Context, body []byte) (string, error)

	// DequeueBatch atomically leases up to opts.Limit visible messages.
	// Messages whose receive count exceeds the redrive threshold are moved to
	// the dead-letter queue in the same step and are not returned.
	DequeueBatch(ctx context.Context, opts queue.ClaimOptions) ([]queue.Delivery, error)

	// Delete removes the message if leaseToken is its current valid lease.
	Delete(ctx context.Context, id, leaseToken string) (queue.Result, error)

	// ExtendLease pushes the visibility deadline to now+timeout without
	// counting a new receive.
	ExtendLease(ctx context.Context, id, leaseToken string, timeout time.Duration) (queue.Result, error)

	// Stats reports queue depth.
	Stats(ctx context.Context) (queue.Stats, error)
}

// Pair is a source queue and the dead-letter queue its redrive policy targets.
type Pair struct {
	Queue      Store
	DeadLetter Store
	close      func() error
}

// NewPair bundles a queue, its dead-letter queue and the function releasing
// their shared resources.
func NewPair(q, dl Store, closeFn func() error) *Pair {
	return &Pair{Queue: q, DeadLetter: dl, close: closeFn}
}

// Lookup returns the store serving the named queue.
func (p *Pair) Lookup(name string) (Store, bool) {
	switch {
	case p.Queue != nil && p.Queue.Name() == name:
		return p.Queue, true
	case p.DeadLetter != nil && p.DeadLetter.Name() == name:
		return p.DeadLetter, true
	}
	return nil, false
}

// Close releases the backend.
func (p *Pair) Close() error {
	if p.close == nil {
		return nil
	}
	return p.close()
}
