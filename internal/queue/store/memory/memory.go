// Package memory is an in-process Store: a lease table keyed by message id,
// guarded by one mutex per queue.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/aridsondez/leaseq/internal/metrics"
	"github.com/aridsondez/leaseq/internal/queue"
	"github.com/aridsondez/leaseq/internal/queue/store"
)

// Ensure *Store implements store.Store at compile time.
var _ store.Store = (*Store)(nil)

type record struct {
	msg   queue.Message
	token string
}

// Store holds one queue in memory.
type Store struct {
	settings queue.Settings
	now      func() time.Time
	logger   hclog.Logger
	pollIntv time.Duration
	dl       *Store

	mu      sync.Mutex
	records map[string]*record
	closed  bool
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger; the default discards.
func WithLogger(l hclog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithDeadLetter sets the queue that receives redriven messages.
func WithDeadLetter(dl *Store) Option {
	return func(s *Store) { s.dl = dl }
}

// WithPollInterval sets how often a long poll re-checks for messages.
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) { s.pollIntv = d }
}

// New creates an empty queue.
func New(settings queue.Settings, opts ...Option) (*Store, error) {
	settings = settings.WithDefaults()
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	s := &Store{
		settings: settings,
		now:      time.Now,
		logger:   hclog.NewNullLogger(),
		records:  make(map[string]*record),
	}
	for _, o := range opts {
		o(s)
	}
	if settings.Redrive.Enabled() {
		if s.dl == nil {
			return nil, fmt.Errorf("memory: queue %q has a redrive policy but no dead-letter store", settings.Name)
		}
		if s.dl.Name() != settings.Redrive.DeadLetterQueue {
			return nil, fmt.Errorf("memory: dead-letter store is %q, redrive policy names %q", s.dl.Name(), settings.Redrive.DeadLetterQueue)
		}
		if s.dl.settings.Redrive.Enabled() {
			return nil, fmt.Errorf("memory: dead-letter queue %q must not have its own redrive policy", s.dl.Name())
		}
	}
	s.logger = s.logger.Named("store.memory").With("queue", settings.Name)
	return s, nil
}

// NewPair creates a queue and its dead-letter queue. Without a dead-letter
// name the pair has no sink.
func NewPair(settings queue.Settings, opts ...Option) (*store.Pair, error) {
	if !settings.HasDeadLetter() {
		q, err := New(settings, opts...)
		if err != nil {
			return nil, err
		}
		return store.NewPair(q, nil, func() error {
			q.Close()
			return nil
		}), nil
	}
	dl, err := New(settings.DeadLetterSettings(), opts...)
	if err != nil {
		return nil, err
	}
	q, err := New(settings, append(opts, WithDeadLetter(dl))...)
	if err != nil {
		return nil, err
	}
	return store.NewPair(q, dl, func() error {
		q.Close()
		dl.Close()
		return nil
	}), nil
}

func (s *Store) Name() string { return s.settings.Name }

func (s *Store) Settings() queue.Settings { return s.settings }

// Close makes every further call fail with queue.ErrClosed.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Enqueue appends a message visible immediately.
func (s *Store) Enqueue(ctx context.Context, body []byte) (string, error) {
	if err := s.settings.CheckBody(body); err != nil {
		return "", err
	}
	now := s.now()
	msg := queue.Message{
		ID:         uuid.NewString(),
		Queue:      s.settings.Name,
		Body:       append([]byte(nil), body...),
		EnqueuedAt: now,
		VisibleAt:  now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", queue.ErrClosed
	}
	s.records[msg.ID] = &record{msg: msg}
	return msg.ID, nil
}

// DequeueBatch leases up to opts.Limit visible messages, long polling when
// opts.WaitTime is set.
func (s *Store) DequeueBatch(ctx context.Context, opts queue.ClaimOptions) ([]queue.Delivery, error) {
	opts, err := s.settings.Normalize(opts)
	if err != nil {
		return nil, err
	}
	return store.Poll(ctx, opts.WaitTime, s.pollIntv, func(context.Context) ([]queue.Delivery, error) {
		return s.claim(opts)
	})
}

func (s *Store) claim(opts queue.ClaimOptions) ([]queue.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, queue.ErrClosed
	}

	now := s.now()
	out := make([]queue.Delivery, 0, opts.Limit)
	selected := 0
	for id, rec := range s.records {
		if selected >= opts.Limit {
			break
		}
		if now.Before(rec.msg.VisibleAt) {
			continue
		}
		selected++

		count := rec.msg.ReceiveCount + 1
		if s.settings.Redrive.ShouldRedrive(count) {
			delete(s.records, id)
			s.dl.accept(rec.msg, now)
			metrics.MessagesRedriven.WithLabelValues(s.Name(), s.dl.Name()).Inc()
			s.logger.Info("redrove message", "id", id, "receive_count", count, "dlq", s.dl.Name())
			continue
		}

		rec.msg.ReceiveCount = count
		rec.msg.VisibleAt = now.Add(opts.Visibility)
		rec.token = uuid.NewString()
		out = append(out, queue.Delivery{Message: copyMessage(rec.msg), LeaseToken: rec.token})
	}
	return out, nil
}

// accept appends a redriven message. Called with the source queue's lock
// held, so the message is never observable in both queues or in neither.
func (s *Store) accept(msg queue.Message, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg.Queue = s.settings.Name
	msg.ReceiveCount = 0
	msg.VisibleAt = now
	s.records[msg.ID] = &record{msg: msg}
}

// Delete removes the message when leaseToken is still its valid lease.
func (s *Store) Delete(ctx context.Context, id, leaseToken string) (queue.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return queue.Stale, queue.ErrClosed
	}
	rec, ok := s.leased(id, leaseToken)
	if !ok {
		return queue.Stale, nil
	}
	delete(s.records, rec.msg.ID)
	return queue.Success, nil
}

// ExtendLease moves the visibility deadline to now+timeout.
func (s *Store) ExtendLease(ctx context.Context, id, leaseToken string, timeout time.Duration) (queue.Result, error) {
	if timeout < 0 {
		return queue.Stale, queue.ErrInvalidBatch
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return queue.Stale, queue.ErrClosed
	}
	rec, ok := s.leased(id, leaseToken)
	if !ok {
		return queue.Stale, nil
	}
	rec.msg.VisibleAt = s.now().Add(timeout)
	return queue.Success, nil
}

// leased returns the record if token is its current, unexpired lease.
// Caller holds s.mu.
func (s *Store) leased(id, token string) (*record, bool) {
	rec, ok := s.records[id]
	if !ok || token == "" || rec.token != token {
		return nil, false
	}
	if !s.now().Before(rec.msg.VisibleAt) {
		return nil, false
	}
	return rec, true
}

// Stats counts visible and leased messages.
func (s *Store) Stats(ctx context.Context) (queue.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return queue.Stats{}, queue.ErrClosed
	}
	now := s.now()
	var st queue.Stats
	for _, rec := range s.records {
		if now.Before(rec.msg.VisibleAt) {
			st.InFlight++
		} else {
			st.Visible++
		}
	}
	return st, nil
}

func copyMessage(m queue.Message) queue.Message {
	m.Body = append([]byte(nil), m.Body...)
	return m
}
