package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aridsondez/leaseq/internal/metrics"
	"github.com/aridsondez/leaseq/internal/queue"
	"github.com/aridsondez/leaseq/internal/queue/store"
	"github.com/aridsondez/leaseq/internal/queue/store/memory"
)

type failingStore struct {
	store.Store
}

func (failingStore) Name() string { return "broken" }
func (failingStore) Stats(context.Context) (queue.Stats, error) {
	return queue.Stats{}, errors.New("boom")
}

func TestCollectSetsDepthGauges(t *testing.T) {
	s, err := memory.New(queue.Settings{Name: "monitored"})
	require.NoError(t, err)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := s.Enqueue(ctx, []byte("x"))
		require.NoError(t, err)
	}
	_, err = s.DequeueBatch(ctx, queue.ClaimOptions{Limit: 1, Visibility: time.Minute})
	require.NoError(t, err)

	New(time.Minute, nil, s).Collect(ctx)

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.QueueDepth.WithLabelValues("monitored", "visible")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.QueueDepth.WithLabelValues("monitored", "in_flight")))
}

func TestCollectCountsErrors(t *testing.T) {
	before := testutil.ToFloat64(metrics.MonitorErrors)
	New(time.Minute, nil, failingStore{}).Collect(context.Background())
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.MonitorErrors))
}

func TestStartStops(t *testing.T) {
	s, err := memory.New(queue.Settings{Name: "stopper"})
	require.NoError(t, err)
	m := New(10*time.Millisecond, nil, s)

	done := make(chan struct{})
	go func() {
		m.Start(context.Background())
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	m.Stop()
	m.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestNewSkipsMissingStores(t *testing.T) {
	s, err := memory.New(queue.Settings{Name: "only"})
	require.NoError(t, err)
	m := New(time.Minute, nil, s, nil)
	assert.Len(t, m.stores, 1)
	m.Collect(context.Background())
}
