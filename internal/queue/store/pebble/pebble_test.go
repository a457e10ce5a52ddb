package pebblestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aridsondez/leaseq/internal/queue"
	"github.com/aridsondez/leaseq/internal/queue/store"
	"github.com/aridsondez/leaseq/internal/queue/store/storetest"
	"github.com/aridsondez/leaseq/internal/storage/pebbledb"
)

func openPair(t *testing.T, dir string, settings queue.Settings, clock *storetest.Clock) *store.Pair {
	t.Helper()
	p, err := OpenPair(
		pebbledb.Options{DataDir: dir, Fsync: pebbledb.FsyncModeNever},
		settings,
		WithClock(clock.Now),
		WithPollInterval(10*time.Millisecond),
	)
	require.NoError(t, err)
	return p
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T, settings queue.Settings, clock *storetest.Clock) *store.Pair {
		return openPair(t, t.TempDir(), settings, clock)
	})
}

func TestLeasesSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	clock := storetest.NewClock()
	ctx := context.Background()

	p := openPair(t, dir, storetest.Settings(), clock)
	_, err := p.Queue.Enqueue(ctx, []byte("a"))
	require.NoError(t, err)
	_, err = p.Queue.Enqueue(ctx, []byte("b"))
	require.NoError(t, err)
	leased, err := p.Queue.DequeueBatch(ctx, queue.ClaimOptions{Limit: 1, Visibility: time.Minute})
	require.NoError(t, err)
	require.Len(t, leased, 1)
	require.NoError(t, p.Close())

	p = openPair(t, dir, storetest.Settings(), clock)
	defer p.Close()

	st, err := p.Queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Visible: 1, InFlight: 1}, st)

	res, err := p.Queue.Delete(ctx, leased[0].ID, leased[0].LeaseToken)
	require.NoError(t, err)
	assert.Equal(t, queue.Success, res, "lease granted before the restart is still valid")
}

func TestClosedStore(t *testing.T) {
	p := openPair(t, t.TempDir(), storetest.Settings(), storetest.NewClock())
	require.NoError(t, p.Close())

	_, err := p.Queue.Enqueue(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, queue.ErrClosed)
	_, err = p.DeadLetter.Stats(context.Background())
	assert.ErrorIs(t, err, queue.ErrClosed)
}

func TestNewRejectsForeignDeadLetter(t *testing.T) {
	a, err := pebbledb.Open(pebbledb.Options{DataDir: t.TempDir(), Fsync: pebbledb.FsyncModeNever})
	require.NoError(t, err)
	defer a.Close()
	b, err := pebbledb.Open(pebbledb.Options{DataDir: t.TempDir(), Fsync: pebbledb.FsyncModeNever})
	require.NoError(t, err)
	defer b.Close()

	settings := storetest.Settings()
	dl, err := New(b, settings.DeadLetterSettings())
	require.NoError(t, err)
	_, err = New(a, settings, WithDeadLetter(dl))
	assert.Error(t, err)
}

func TestQueuesShareDatabaseWithoutOverlap(t *testing.T) {
	db, err := pebbledb.Open(pebbledb.Options{DataDir: t.TempDir(), Fsync: pebbledb.FsyncModeNever})
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	a, err := New(db, queue.Settings{Name: "a"})
	require.NoError(t, err)
	ab, err := New(db, queue.Settings{Name: "a_b"})
	require.NoError(t, err)

	_, err = a.Enqueue(ctx, []byte("1"))
	require.NoError(t, err)

	st, err := ab.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{}, st)
}

func TestPairWithoutDeadLetter(t *testing.T) {
	p := openPair(t, t.TempDir(), queue.Settings{Name: "jobs"}, storetest.NewClock())
	defer p.Close()
	assert.Nil(t, p.DeadLetter)

	_, err := p.Queue.Enqueue(context.Background(), []byte("x"))
	require.NoError(t, err)
}
