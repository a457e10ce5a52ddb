package pebbledb

import (
	"errors"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testMetrics struct {
	read         int
	batchCommits int
	batchBytes   int
}

func (m *testMetrics) ObserveRead(d time.Duration, bytes int) { m.read += bytes }
func (m *testMetrics) ObserveBatchCommit(d time.Duration, bytes int) {
	m.batchCommits++
	m.batchBytes += bytes
}

func newTestDB(t *testing.T, mode FsyncMode) (*DB, *testMetrics) {
	t.Helper()
	m := &testMetrics{}
	db, err := Open(Options{
		DataDir:       t.TempDir(),
		Fsync:         mode,
		FsyncInterval: 2 * time.Millisecond,
		Metrics:       m,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, m
}

func TestOpenRequiresDir(t *testing.T) {
	_, err := Open(Options{})
	assert.Error(t, err)
}

func TestBatchCommitAndGet(t *testing.T) {
	for _, mode := range []FsyncMode{FsyncModeAlways, FsyncModeInterval, FsyncModeNever} {
		db, m := newTestDB(t, mode)

		b := db.NewBatch()
		require.NoError(t, b.Set([]byte("a"), []byte("1"), nil))
		require.NoError(t, b.Set([]byte("b"), []byte("2"), nil))
		require.NoError(t, db.CommitBatch(b))
		require.NoError(t, b.Close())

		got, err := db.Get([]byte("b"))
		require.NoError(t, err)
		assert.Equal(t, []byte("2"), got)
		assert.Equal(t, 1, m.batchCommits)
		assert.Positive(t, m.batchBytes)
		assert.Equal(t, 1, m.read)

		_, err = db.Get([]byte("missing"))
		assert.True(t, errors.Is(err, ErrNotFound))
	}
}

func TestIterBounds(t *testing.T) {
	db, _ := newTestDB(t, FsyncModeNever)
	b := db.NewBatch()
	for _, k := range []string{"p/1", "p/2", "q/1"} {
		require.NoError(t, b.Set([]byte(k), nil, nil))
	}
	require.NoError(t, db.CommitBatch(b))

	it, err := db.NewIter(&pebble.IterOptions{LowerBound: []byte("p/"), UpperBound: PrefixUpperBound([]byte("p/"))})
	require.NoError(t, err)
	defer it.Close()

	var keys []string
	for it.First(); it.Valid(); it.Next() {
		keys = append(keys, string(it.Key()))
	}
	assert.Equal(t, []string{"p/1", "p/2"}, keys)
}

func TestPrefixUpperBound(t *testing.T) {
	assert.Equal(t, []byte("p0"), PrefixUpperBound([]byte("p/")))
	assert.Equal(t, []byte{0x02}, PrefixUpperBound([]byte{0x01, 0xff}))
	assert.Nil(t, PrefixUpperBound([]byte{0xff, 0xff}))
}

func TestParseFsyncMode(t *testing.T) {
	for in, want := range map[string]FsyncMode{"": FsyncModeAlways, "always": FsyncModeAlways, "interval": FsyncModeInterval, "never": FsyncModeNever} {
		got, err := ParseFsyncMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseFsyncMode("sometimes")
	assert.Error(t, err)
}
