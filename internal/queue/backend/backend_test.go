package backend

import (
	"context"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aridsondez/leaseq/internal/config"
	"github.com/aridsondez/leaseq/internal/queue"
)

func TestOpenLocalBackends(t *testing.T) {
	for _, name := range []string{config.BackendMemory, config.BackendPebble} {
		t.Run(name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Backend = name
			cfg.DataDir = t.TempDir()
			cfg.PebbleFsync = "never"

			p, err := Open(context.Background(), cfg, hclog.NewNullLogger())
			require.NoError(t, err)
			defer p.Close()

			assert.Equal(t, "SimpleQueue", p.Queue.Name())
			assert.Equal(t, "DLQQueue", p.DeadLetter.Name())

			ctx := context.Background()
			_, err = p.Queue.Enqueue(ctx, []byte("x"))
			require.NoError(t, err)
			st, err := p.Queue.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, queue.Stats{Visible: 1}, st)
		})
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Backend = "redis"
	_, err := Open(context.Background(), cfg, hclog.NewNullLogger())
	assert.Error(t, err)
}

func TestOpenWithoutDeadLetter(t *testing.T) {
	cfg := config.Default()
	cfg.RedriveThreshold = 0
	cfg.DeadLetterQueueName = ""

	p, err := Open(context.Background(), cfg, hclog.NewNullLogger())
	require.NoError(t, err)
	defer p.Close()
	assert.Nil(t, p.DeadLetter)
}
