// Package pebblestore keeps queues in an embedded Pebble database so messages
// and their leases survive a restart.
package pebblestore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/aridsondez/leaseq/internal/metrics"
	"github.com/aridsondez/leaseq/internal/queue"
	"github.com/aridsondez/leaseq/internal/queue/store"
	"github.com/aridsondez/leaseq/internal/storage/pebbledb"
)

var _ store.Store = (*Store)(nil)

// Store is one queue inside a shared database. The mutex serializes every
// read-modify-write on this queue's keys.
type Store struct {
	db       *pebbledb.DB
	settings queue.Settings
	now      func() time.Time
	logger   hclog.Logger
	pollIntv time.Duration
	dl       *Store

	mu     sync.Mutex
	closed bool
}

// Option configures a Store.
type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLogger(l hclog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithDeadLetter sets the queue that receives redriven messages. It must
// share the database.
func WithDeadLetter(dl *Store) Option {
	return func(s *Store) { s.dl = dl }
}

func WithPollInterval(d time.Duration) Option {
	return func(s *Store) { s.pollIntv = d }
}

// New serves the named queue from db. Existing records are picked up as-is.
func New(db *pebbledb.DB, settings queue.Settings, opts ...Option) (*Store, error) {
	settings = settings.WithDefaults()
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	s := &Store{
		db:       db,
		settings: settings,
		now:      time.Now,
		logger:   hclog.NewNullLogger(),
	}
	for _, o := range opts {
		o(s)
	}
	if settings.Redrive.Enabled() {
		switch {
		case s.dl == nil:
			return nil, fmt.Errorf("pebblestore: queue %q has a redrive policy but no dead-letter store", settings.Name)
		case s.dl.Name() != settings.Redrive.DeadLetterQueue:
			return nil, fmt.Errorf("pebblestore: dead-letter store is %q, redrive policy names %q", s.dl.Name(), settings.Redrive.DeadLetterQueue)
		case s.dl.db != db:
			return nil, fmt.Errorf("pebblestore: dead-letter queue %q must share the database", s.dl.Name())
		case s.dl.settings.Redrive.Enabled():
			return nil, fmt.Errorf("pebblestore: dead-letter queue %q must not have its own redrive policy", s.dl.Name())
		}
	}
	s.logger = s.logger.Named("store.pebble").With("queue", settings.Name)
	return s, nil
}

// OpenPair opens the database at dbOpts.DataDir and serves the queue and its
// dead-letter queue from it. Closing the pair closes the database.
func OpenPair(dbOpts pebbledb.Options, settings queue.Settings, opts ...Option) (*store.Pair, error) {
	if dbOpts.Metrics == nil {
		dbOpts.Metrics = promHook{}
	}
	db, err := pebbledb.Open(dbOpts)
	if err != nil {
		return nil, err
	}
	p, err := NewPair(db, settings, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

// NewPair serves a queue and its dead-letter queue from an open database.
// Without a dead-letter name the pair has no sink.
func NewPair(db *pebbledb.DB, settings queue.Settings, opts ...Option) (*store.Pair, error) {
	if !settings.HasDeadLetter() {
		q, err := New(db, settings, opts...)
		if err != nil {
			return nil, err
		}
		return store.NewPair(q, nil, func() error {
			q.Close()
			return db.Close()
		}), nil
	}
	dl, err := New(db, settings.DeadLetterSettings(), opts...)
	if err != nil {
		return nil, err
	}
	q, err := New(db, settings, append(opts, WithDeadLetter(dl))...)
	if err != nil {
		return nil, err
	}
	return store.NewPair(q, dl, func() error {
		q.Close()
		dl.Close()
		return db.Close()
	}), nil
}

func (s *Store) Name() string { return s.settings.Name }

func (s *Store) Settings() queue.Settings { return s.settings }

// Close stops the store from touching the database. It does not close it.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Enqueue writes the record and its index entry in one batch.
func (s *Store) Enqueue(ctx context.Context, body []byte) (string, error) {
	if err := s.settings.CheckBody(body); err != nil {
		return "", err
	}
	now := s.now()
	r := record{msg: queue.Message{
		ID:         uuid.NewString(),
		Queue:      s.settings.Name,
		Body:       body,
		EnqueuedAt: now,
		VisibleAt:  now,
	}}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", queue.ErrClosed
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := s.put(b, r); err != nil {
		return "", err
	}
	if err := s.db.CommitBatch(b); err != nil {
		return "", fmt.Errorf("pebblestore: enqueue: %w", err)
	}
	return r.msg.ID, nil
}

// DequeueBatch leases up to opts.Limit visible messages.
func (s *Store) DequeueBatch(ctx context.Context, opts queue.ClaimOptions) ([]queue.Delivery, error) {
	opts, err := s.settings.Normalize(opts)
	if err != nil {
		return nil, err
	}
	return store.Poll(ctx, opts.WaitTime, s.pollIntv, func(context.Context) ([]queue.Delivery, error) {
		return s.claim(opts)
	})
}

type indexEntry struct {
	key []byte
	id  string
}

func (s *Store) claim(opts queue.ClaimOptions) ([]queue.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, queue.ErrClosed
	}

	now := s.now()
	entries, err := s.visible(now, opts.Limit)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	b := s.db.NewBatch()
	defer b.Close()
	out := make([]queue.Delivery, 0, len(entries))
	var redriven []queue.Message
	for _, e := range entries {
		r, err := s.load(e.id)
		if errors.Is(err, pebbledb.ErrNotFound) {
			// Index entry without a record: drop it.
			if err := b.Delete(e.key, nil); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := b.Delete(e.key, nil); err != nil {
			return nil, err
		}

		count := r.msg.ReceiveCount + 1
		if s.settings.Redrive.ShouldRedrive(count) {
			if err := b.Delete(msgKey(s.Name(), e.id), nil); err != nil {
				return nil, err
			}
			moved := record{msg: r.msg}
			moved.msg.Queue = s.dl.Name()
			moved.msg.ReceiveCount = 0
			moved.msg.VisibleAt = now
			if err := s.dl.put(b, moved); err != nil {
				return nil, err
			}
			redriven = append(redriven, r.msg)
			continue
		}

		r.msg.ReceiveCount = count
		r.msg.VisibleAt = now.Add(opts.Visibility)
		r.token = uuid.NewString()
		if err := s.put(b, r); err != nil {
			return nil, err
		}
		out = append(out, queue.Delivery{Message: r.msg, LeaseToken: r.token})
	}

	if len(redriven) > 0 {
		s.dl.mu.Lock()
		defer s.dl.mu.Unlock()
	}
	if err := s.db.CommitBatch(b); err != nil {
		return nil, fmt.Errorf("pebblestore: dequeue: %w", err)
	}
	for _, m := range redriven {
		metrics.MessagesRedriven.WithLabelValues(s.Name(), s.dl.Name()).Inc()
		s.logger.Info("redrove message", "id", m.ID, "receive_count", m.ReceiveCount+1, "dlq", s.dl.Name())
	}
	return out, nil
}

// visible returns up to limit index entries whose deadline has passed, oldest first.
func (s *Store) visible(now time.Time, limit int) ([]indexEntry, error) {
	prefix := visPrefix(s.Name())
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: visBound(s.Name(), now)})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []indexEntry
	for it.First(); it.Valid() && len(out) < limit; it.Next() {
		_, id, ok := parseVisKey(prefix, it.Key())
		if !ok {
			continue
		}
		out = append(out, indexEntry{key: append([]byte(nil), it.Key()...), id: id})
	}
	return out, it.Error()
}

func (s *Store) load(id string) (record, error) {
	raw, err := s.db.Get(msgKey(s.Name(), id))
	if err != nil {
		return record{}, err
	}
	return decodeRecord(raw, s.Name(), id)
}

// put stages the record and its index entry.
func (s *Store) put(b *pebble.Batch, r record) error {
	if err := b.Set(msgKey(s.Name(), r.msg.ID), encodeRecord(r), nil); err != nil {
		return err
	}
	return b.Set(visKey(s.Name(), r.msg.VisibleAt, r.msg.ID), nil, nil)
}

// Delete removes the message when leaseToken is still its valid lease.
func (s *Store) Delete(ctx context.Context, id, leaseToken string) (queue.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return queue.Stale, queue.ErrClosed
	}
	r, ok, err := s.leased(id, leaseToken)
	if err != nil || !ok {
		return queue.Stale, err
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(msgKey(s.Name(), id), nil); err != nil {
		return queue.Stale, err
	}
	if err := b.Delete(visKey(s.Name(), r.msg.VisibleAt, id), nil); err != nil {
		return queue.Stale, err
	}
	if err := s.db.CommitBatch(b); err != nil {
		return queue.Stale, fmt.Errorf("pebblestore: delete: %w", err)
	}
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
	r, ok, err := s.leased(id, leaseToken)
	if err != nil || !ok {
		return queue.Stale, err
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(visKey(s.Name(), r.msg.VisibleAt, id), nil); err != nil {
		return queue.Stale, err
	}
	r.msg.VisibleAt = s.now().Add(timeout)
	if err := s.put(b, r); err != nil {
		return queue.Stale, err
	}
	if err := s.db.CommitBatch(b); err != nil {
		return queue.Stale, fmt.Errorf("pebblestore: extend: %w", err)
	}
	return queue.Success, nil
}

// leased loads the record if token is its current, unexpired lease.
// Caller holds s.mu.
func (s *Store) leased(id, token string) (record, bool, error) {
	if id == "" || token == "" {
		return record{}, false, nil
	}
	r, err := s.load(id)
	if errors.Is(err, pebbledb.ErrNotFound) {
		return record{}, false, nil
	}
	if err != nil {
		return record{}, false, err
	}
	if r.token != token || !s.now().Before(r.msg.VisibleAt) {
		return record{}, false, nil
	}
	return r, true, nil
}

// Stats walks the visibility index.
func (s *Store) Stats(ctx context.Context) (queue.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return queue.Stats{}, queue.ErrClosed
	}
	prefix := visPrefix(s.Name())
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: pebbledb.PrefixUpperBound(prefix)})
	if err != nil {
		return queue.Stats{}, err
	}
	defer it.Close()

	now := s.now().UnixNano()
	var st queue.Stats
	for it.First(); it.Valid(); it.Next() {
		at, _, ok := parseVisKey(prefix, it.Key())
		if !ok {
			continue
		}
		if at > now {
			st.InFlight++
		} else {
			st.Visible++
		}
	}
	return st, it.Error()
}

// promHook feeds storage latencies into the process metrics.
type promHook struct{}

func (promHook) ObserveRead(d time.Duration, n int) {
	metrics.StorageDuration.WithLabelValues("read").Observe(d.Seconds())
	metrics.StorageBytes.WithLabelValues("read").Add(float64(n))
}

func (promHook) ObserveBatchCommit(d time.Duration, n int) {
	metrics.StorageDuration.WithLabelValues("commit").Observe(d.Seconds())
	metrics.StorageBytes.WithLabelValues("commit").Add(float64(n))
}
