// Package backend opens the configured queue pair.
package backend

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/hashicorp/go-hclog"

	"github.com/aridsondez/leaseq/internal/config"
	"github.com/aridsondez/leaseq/internal/queue/store"
	"github.com/aridsondez/leaseq/internal/queue/store/memory"
	pebblestore "github.com/aridsondez/leaseq/internal/queue/store/pebble"
	pgstore "github.com/aridsondez/leaseq/internal/queue/store/postgres"
	sqsstore "github.com/aridsondez/leaseq/internal/queue/store/sqs"
	"github.com/aridsondez/leaseq/internal/storage/pebbledb"
)

// Open connects to cfg.Backend and returns the queue and dead-letter queue,
// both instrumented. DeadLetter is nil when DLQ_NAME is empty.
func Open(ctx context.Context, cfg *config.Config, logger hclog.Logger) (*store.Pair, error) {
	settings := cfg.Settings()
	logger.Info("opening queue",
		"backend", cfg.Backend,
		"queue", settings.Name,
		"dlq", settings.Redrive.DeadLetterQueue,
		"max_receive_count", settings.Redrive.MaxReceiveCount,
		"visibility_timeout", settings.VisibilityTimeout,
	)

	var (
		p   *store.Pair
		err error
	)
	switch cfg.Backend {
	case config.BackendMemory:
		p, err = memory.NewPair(settings, memory.WithLogger(logger))
	case config.BackendPebble:
		var mode pebbledb.FsyncMode
		mode, err = pebbledb.ParseFsyncMode(cfg.PebbleFsync)
		if err != nil {
			return nil, err
		}
		p, err = pebblestore.OpenPair(
			pebbledb.Options{DataDir: filepath.Join(cfg.DataDir, "queues"), Fsync: mode},
			settings,
			pebblestore.WithLogger(logger),
		)
	case config.BackendPostgres:
		p, err = pgstore.OpenPair(ctx, cfg.DatabaseURL, cfg.DBConnectionTimeout, settings, pgstore.WithLogger(logger))
	case config.BackendSQS:
		p, err = sqsstore.OpenPair(ctx, sqsstore.Config{
			Region:    cfg.SQSRegion,
			Endpoint:  cfg.SQSEndpoint,
			Provision: cfg.SQSProvision,
		}, settings, sqsstore.WithLogger(logger))
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", cfg.Backend, err)
	}
	var dl store.Store
	if p.DeadLetter != nil {
		dl = store.Instrument(p.DeadLetter)
	}
	return store.NewPair(store.Instrument(p.Queue), dl, p.Close), nil
}
