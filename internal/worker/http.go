package worker

import (
	"context"
	"time"

	"github.com/aridsondez/leaseq/internal/queue"
	"github.com/aridsondez/leaseq/pkg/client"
)

type httpSource struct {
	c     *client.Client
	queue string
}

// NewHTTPSource consumes a queue served by a remote leaseq server.
func NewHTTPSource(c *client.Client, queueName string) Source {
	return &httpSource{c: c, queue: queueName}
}

func (s *httpSource) Name() string { return s.queue }

func (s *httpSource) DequeueBatch(ctx context.Context, opts queue.ClaimOptions) ([]queue.Delivery, error) {
	wait := opts.WaitTime
	msgs, err := s.c.Receive(ctx, s.queue, client.ReceiveOptions{
		Max:        opts.Limit,
		Visibility: opts.Visibility,
		Wait:       &wait,
	})
	if err != nil {
		return nil, err
	}
	out := make([]queue.Delivery, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, queue.Delivery{
			Message: queue.Message{
				ID:           m.ID,
				Queue:        m.Queue,
				Body:         m.Body,
				EnqueuedAt:   m.EnqueuedAt,
				VisibleAt:    m.VisibleAt,
				ReceiveCount: m.ReceiveCount,
			},
			LeaseToken: m.LeaseToken,
		})
	}
	return out, nil
}

func (s *httpSource) Delete(ctx context.Context, id, leaseToken string) (queue.Result, error) {
	res, err := s.c.Delete(ctx, s.queue, id, leaseToken)
	return toResult(res), err
}

func (s *httpSource) ExtendLease(ctx context.Context, id, leaseToken string, timeout time.Duration) (queue.Result, error) {
	res, err := s.c.ExtendLease(ctx, s.queue, id, leaseToken, timeout)
	return toResult(res), err
}

func toResult(s string) queue.Result {
	if s == client.ResultSuccess {
		return queue.Success
	}
	return queue.Stale
}
