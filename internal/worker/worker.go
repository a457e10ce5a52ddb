// Package worker runs a consumption loop against a queue: lease a batch,
// run the handler on each message, delete what succeeded and let the rest
// expire back onto the queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"github.com/aridsondez/leaseq/internal/metrics"
	"github.com/aridsondez/leaseq/internal/queue"
)

// HandlerFunc processes a message and returns an error if processing failed.
// Returning nil means success (message will be deleted).
// Returning an error means failure (message is redelivered once its lease expires).
// Delivery is at-least-once, so handlers must tolerate duplicates.
type HandlerFunc func(ctx context.Context, msg queue.Message) error

// Source is the part of a queue a worker needs. store.Store satisfies it, and
// NewHTTPSource adapts a remote server.
type Source interface {
	Name() string
	DequeueBatch(ctx context.Context, opts queue.ClaimOptions) ([]queue.Delivery, error)
	Delete(ctx context.Context, id, leaseToken string) (queue.Result, error)
	ExtendLease(ctx context.Context, id, leaseToken string, timeout time.Duration) (queue.Result, error)
}

// Config for creating a new worker
type Config struct {
	BatchSize   int           // Max messages to lease per poll (default: 10)
	Visibility  time.Duration // Lease length requested per poll (default: the queue's visibility timeout)
	WaitTime    time.Duration // Long poll per receive (default: none)
	PollDelay   time.Duration // Back-off after an empty or failed poll (default: 1s)
	Concurrency int           // Handlers running at once (default: BatchSize)
	// Heartbeat extends each lease every half lease while its handler runs.
	// Without it the handler's context ends when the lease does.
	Heartbeat bool
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = queue.DefaultBatchSize
	}
	if c.PollDelay <= 0 {
		c.PollDelay = 1 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = c.BatchSize
	}
	return c
}

// Worker manages message processing from one queue
type Worker struct {
	src     Source
	handler HandlerFunc
	cfg     Config
	logger  hclog.Logger
}

// New creates a new Worker with the given configuration
func New(src Source, handler HandlerFunc, cfg Config, logger hclog.Logger) *Worker {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Worker{
		src:     src,
		handler: handler,
		cfg:     cfg.withDefaults(),
		logger:  logger.Named("worker").With("queue", src.Name()),
	}
}

// Run polls until ctx is cancelled. A cancelled poll has leased nothing; an
// in-flight batch is finished before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	if w.handler == nil {
		return errors.New("worker: no handler")
	}
	w.logger.Info("worker starting", "batch_size", w.cfg.BatchSize, "concurrency", w.cfg.Concurrency, "visibility", w.cfg.Visibility)

	for {
		if ctx.Err() != nil {
			w.logger.Info("worker shutting down")
			return nil
		}

		batch, err := w.src.DequeueBatch(ctx, queue.ClaimOptions{
			Limit:      w.cfg.BatchSize,
			Visibility: w.cfg.Visibility,
			WaitTime:   w.cfg.WaitTime,
		})
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.logger.Error("receive failed", "error", err)
			w.sleep(ctx)
			continue
		}
		if len(batch) == 0 {
			w.sleep(ctx)
			continue
		}

		w.logger.Debug("received batch", "count", len(batch))
		w.processBatch(ctx, batch)
	}
}

// processBatch runs the batch with bounded concurrency. Handler errors stay
// local to their message.
func (w *Worker) processBatch(ctx context.Context, batch []queue.Delivery) {
	var g errgroup.Group
	g.SetLimit(w.cfg.Concurrency)
	for _, d := range batch {
		d := d
		g.Go(func() error {
			w.processMessage(ctx, d)
			return nil
		})
	}
	_ = g.Wait()
}

// processMessage handles a single message with error recovery
func (w *Worker) processMessage(ctx context.Context, d queue.Delivery) {
	start := time.Now()
	log := w.logger.With("id", d.ID, "receive_count", d.ReceiveCount)

	var (
		handlerCtx context.Context
		cancel     context.CancelFunc
	)
	switch {
	case w.cfg.Heartbeat:
		handlerCtx, cancel = context.WithCancel(ctx)
		go w.heartbeat(handlerCtx, cancel, d, w.leaseFor(d), log)
	case d.VisibleAt.IsZero():
		handlerCtx, cancel = context.WithCancel(ctx)
	default:
		// Past VisibleAt the message may be leased to another consumer.
		handlerCtx, cancel = context.WithDeadline(ctx, d.VisibleAt)
	}
	defer cancel()

	err := w.call(handlerCtx, d.Message)
	metrics.WorkerDuration.WithLabelValues(w.src.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		// No delete: the lease expires and the queue redelivers or redrives.
		log.Warn("handler failed, leaving message for redelivery", "error", err)
		metrics.WorkerMessages.WithLabelValues(w.src.Name(), "failure").Inc()
		return
	}
	cancel()

	// Completed work is acknowledged even while shutting down.
	delCtx, delCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer delCancel()
	res, err := w.src.Delete(delCtx, d.ID, d.LeaseToken)
	switch {
	case err != nil:
		log.Error("delete failed", "error", err)
		metrics.WorkerMessages.WithLabelValues(w.src.Name(), "delete_error").Inc()
	case res == queue.Stale:
		log.Warn("lease expired before delete; message will be redelivered")
		metrics.WorkerMessages.WithLabelValues(w.src.Name(), "stale").Inc()
	default:
		log.Debug("processed message", "elapsed", time.Since(start))
		metrics.WorkerMessages.WithLabelValues(w.src.Name(), "success").Inc()
	}
}

// call runs the handler, turning a panic into an error.
func (w *Worker) call(ctx context.Context, msg queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.handler(ctx, msg)
}

// leaseFor is the lease length a heartbeat renews: the requested visibility,
// or what the queue granted when none was requested.
func (w *Worker) leaseFor(d queue.Delivery) time.Duration {
	if w.cfg.Visibility > 0 {
		return w.cfg.Visibility
	}
	return time.Until(d.VisibleAt)
}

// heartbeat extends the lease until ctx ends. Losing the lease cancels the
// handler, since the message now belongs to another consumer.
func (w *Worker) heartbeat(ctx context.Context, cancel context.CancelFunc, d queue.Delivery, lease time.Duration, log hclog.Logger) {
	if lease/2 <= 0 {
		log.Warn("lease already expired, not extending")
		return
	}
	ticker := time.NewTicker(lease / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := w.src.ExtendLease(ctx, d.ID, d.LeaseToken, lease)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn("extend lease failed", "error", err)
				}
				continue
			}
			if res == queue.Stale {
				log.Warn("lease lost, cancelling handler")
				cancel()
				return
			}
		}
	}
}

func (w *Worker) sleep(ctx context.Context) {
	t := time.NewTimer(w.cfg.PollDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
