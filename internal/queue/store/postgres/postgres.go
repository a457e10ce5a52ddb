// Package postgres stores queues in a single messages table. A dead-letter
// move rewrites the row's queue column, so it is atomic with the claim that
// triggers it.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aridsondez/leaseq/internal/metrics"
	"github.com/aridsondez/leaseq/internal/queue"
	"github.com/aridsondez/leaseq/internal/queue/store"
)

// Ensure *PostgresStore implements store.Store at compile time.
var _ store.Store = (*PostgresStore)(nil)

type PostgresStore struct {
	pool     *pgxpool.Pool
	settings queue.Settings
	logger   hclog.Logger
	pollIntv time.Duration
}

// Option configures a PostgresStore.
type Option func(*PostgresStore)

func WithLogger(l hclog.Logger) Option {
	return func(p *PostgresStore) { p.logger = l }
}

func WithPollInterval(d time.Duration) Option {
	return func(p *PostgresStore) { p.pollIntv = d }
}

// New serves the named queue from pool. The schema must already exist; see Migrate.
func New(pool *pgxpool.Pool, settings queue.Settings, opts ...Option) (*PostgresStore, error) {
	settings = settings.WithDefaults()
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	p := &PostgresStore{pool: pool, settings: settings, logger: hclog.NewNullLogger()}
	for _, o := range opts {
		o(p)
	}
	p.logger = p.logger.Named("store.postgres").With("queue", settings.Name)
	return p, nil
}

// Connect opens a pool, checks it answers within timeout and applies the schema.
func Connect(ctx context.Context, url string, timeout time.Duration) (*pgxpool.Pool, error) {
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pool, err := pgxpool.New(connectCtx, url)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: pgx ping: %v", queue.ErrUnavailable, err)
	}
	if err := Migrate(connectCtx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// OpenPair connects to url and serves the queue and its dead-letter queue.
// Closing the pair closes the pool.
func OpenPair(ctx context.Context, url string, timeout time.Duration, settings queue.Settings, opts ...Option) (*store.Pair, error) {
	pool, err := Connect(ctx, url, timeout)
	if err != nil {
		return nil, err
	}
	p, err := NewPair(pool, settings, opts...)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// NewPair serves a queue and its dead-letter queue from pool.
func NewPair(pool *pgxpool.Pool, settings queue.Settings, opts ...Option) (*store.Pair, error) {
	q, err := New(pool, settings, opts...)
	if err != nil {
		return nil, err
	}
	closeFn := func() error {
		pool.Close()
		return nil
	}
	if !settings.HasDeadLetter() {
		return store.NewPair(q, nil, closeFn), nil
	}
	dl, err := New(pool, settings.DeadLetterSettings(), opts...)
	if err != nil {
		return nil, err
	}
	return store.NewPair(q, dl, closeFn), nil
}

// helper: convert a Go duration to a Postgres interval literal like "12.500000s".
func toInterval(d time.Duration) string {
	return fmt.Sprintf("%fs", d.Seconds())
}

// SQL templates
const (
	sqlSchema = `
CREATE TABLE IF NOT EXISTS messages (
  id            text PRIMARY KEY,
  queue         text NOT NULL,
  body          bytea NOT NULL,
  enqueued_at   timestamptz NOT NULL DEFAULT now(),
  visible_at    timestamptz NOT NULL DEFAULT now(),
  receive_count integer NOT NULL DEFAULT 0,
  lease_token   text
);
CREATE INDEX IF NOT EXISTS messages_queue_visible_at_idx ON messages (queue, visible_at);`

	sqlEnqueue = `
INSERT INTO messages (id, queue, body)
VALUES ($1, $2, $3);`

	// Single CTE pattern: pick -> update -> return rows. A picked row whose
	// next receive would cross the threshold is moved to the dead-letter
	// queue instead of leased; RETURNING shows it under its new queue.
	sqlClaim = `
WITH picked AS (
  SELECT id
  FROM messages
  WHERE queue = $1
    AND visible_at <= now()
  ORDER BY visible_at, enqueued_at
  FOR UPDATE SKIP LOCKED
  LIMIT $2
)
UPDATE messages m
SET queue         = CASE WHEN $4::int > 0 AND m.receive_count + 1 > $4::int THEN $5::text ELSE m.queue END,
    receive_count = CASE WHEN $4::int > 0 AND m.receive_count + 1 > $4::int THEN 0 ELSE m.receive_count + 1 END,
    visible_at    = CASE WHEN $4::int > 0 AND m.receive_count + 1 > $4::int THEN now() ELSE now() + $3::interval END,
    lease_token   = CASE WHEN $4::int > 0 AND m.receive_count + 1 > $4::int THEN NULL ELSE gen_random_uuid()::text END
FROM picked
WHERE m.id = picked.id
RETURNING m.id, m.queue, m.body, m.enqueued_at, m.visible_at, m.receive_count, COALESCE(m.lease_token, '');`

	sqlDelete = `
DELETE FROM messages
WHERE id = $1 AND queue = $2 AND lease_token = $3 AND visible_at > now();`

	sqlExtend = `
UPDATE messages
SET visible_at = now() + $4::interval
WHERE id = $1 AND queue = $2 AND lease_token = $3 AND visible_at > now();`

	sqlStats = `
SELECT count(*) FILTER (WHERE visible_at <= now()),
       count(*) FILTER (WHERE visible_at > now())
FROM messages
WHERE queue = $1;`
)

// Migrate creates the messages table and its index if missing.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, sqlSchema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (p *PostgresStore) Name() string { return p.settings.Name }

func (p *PostgresStore) Settings() queue.Settings { return p.settings }

// Enqueue inserts a message visible immediately.
func (p *PostgresStore) Enqueue(ctx context.Context, body []byte) (string, error) {
	if err := p.settings.CheckBody(body); err != nil {
		return "", err
	}
	id := uuid.NewString()
	if _, err := p.pool.Exec(ctx, sqlEnqueue, id, p.Name(), body); err != nil {
		return "", wrap("enqueue", err)
	}
	return id, nil
}

// DequeueBatch leases up to opts.Limit messages for opts.Visibility.
func (p *PostgresStore) DequeueBatch(ctx context.Context, opts queue.ClaimOptions) ([]queue.Delivery, error) {
	opts, err := p.settings.Normalize(opts)
	if err != nil {
		return nil, err
	}
	return store.Poll(ctx, opts.WaitTime, p.pollIntv, func(ctx context.Context) ([]queue.Delivery, error) {
		return p.claim(ctx, opts)
	})
}

func (p *PostgresStore) claim(ctx context.Context, opts queue.ClaimOptions) ([]queue.Delivery, error) {
	threshold := 0
	if p.settings.Redrive.Enabled() {
		threshold = p.settings.Redrive.MaxReceiveCount
	}
	rows, err := p.pool.Query(ctx, sqlClaim,
		p.Name(),
		opts.Limit,
		toInterval(opts.Visibility),
		threshold,
		p.settings.Redrive.DeadLetterQueue,
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, wrap("claim", err)
	}
	defer rows.Close()

	var out []queue.Delivery
	for rows.Next() {
		var d queue.Delivery
		// NOTE: Column order must match the RETURNING list.
		err = rows.Scan(
			&d.ID,
			&d.Queue,
			&d.Body,
			&d.EnqueuedAt,
			&d.VisibleAt,
			&d.ReceiveCount,
			&d.LeaseToken,
		)
		if err != nil {
			return nil, wrap("claim", err)
		}
		if d.Queue != p.Name() {
			metrics.MessagesRedriven.WithLabelValues(p.Name(), d.Queue).Inc()
			p.logger.Info("redrove message", "id", d.ID, "dlq", d.Queue)
			continue
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("claim", err)
	}
	return out, nil
}

// Delete removes the message if leaseToken is still its valid lease.
func (p *PostgresStore) Delete(ctx context.Context, id, leaseToken string) (queue.Result, error) {
	if id == "" || leaseToken == "" {
		return queue.Stale, nil
	}
	ct, err := p.pool.Exec(ctx, sqlDelete, id, p.Name(), leaseToken)
	if err != nil {
		return queue.Stale, wrap("delete", err)
	}
	return result(ct), nil
}

// ExtendLease moves the visibility deadline to now+timeout.
func (p *PostgresStore) ExtendLease(ctx context.Context, id, leaseToken string, timeout time.Duration) (queue.Result, error) {
	if timeout < 0 {
		return queue.Stale, queue.ErrInvalidBatch
	}
	if id == "" || leaseToken == "" {
		return queue.Stale, nil
	}
	ct, err := p.pool.Exec(ctx, sqlExtend, id, p.Name(), leaseToken, toInterval(timeout))
	if err != nil {
		return queue.Stale, wrap("extend", err)
	}
	return result(ct), nil
}

// Stats counts visible and leased rows.
func (p *PostgresStore) Stats(ctx context.Context) (queue.Stats, error) {
	var visible, inFlight int64
	if err := p.pool.QueryRow(ctx, sqlStats, p.Name()).Scan(&visible, &inFlight); err != nil {
		return queue.Stats{}, wrap("stats", err)
	}
	return queue.Stats{Visible: int(visible), InFlight: int(inFlight)}, nil
}

func result(ct pgconn.CommandTag) queue.Result {
	if ct.RowsAffected() > 0 {
		return queue.Success
	}
	return queue.Stale
}

// wrap marks connection-level failures as queue.ErrUnavailable.
func wrap(op string, err error) error {
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %s: %v", queue.ErrUnavailable, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
