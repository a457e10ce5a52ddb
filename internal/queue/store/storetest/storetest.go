// Package storetest holds the behaviour every store.Store backend must share.
// Backends call Run from their own tests with a factory for a fresh queue pair.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aridsondez/leaseq/internal/queue"
	"github.com/aridsondez/leaseq/internal/queue/store"
)

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Unix(1_700_000_000, 0).UTC()}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Factory opens a fresh, empty queue pair whose stores read time from clock.
type Factory func(t *testing.T, settings queue.Settings, clock *Clock) *store.Pair

// Settings returns the queue settings the suite uses unless a test overrides them.
func Settings() queue.Settings {
	return queue.Settings{
		Name:              "SimpleQueue",
		VisibilityTimeout: 30 * time.Second,
		MaxBatch:          10,
		MaxBodyBytes:      1024,
		Redrive:           queue.RedrivePolicy{MaxReceiveCount: 3, DeadLetterQueue: "DLQQueue"},
	}
}

// Run executes the suite.
func Run(t *testing.T, factory Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, factory Factory)
	}{
		{"EnqueueDequeueDelete", testEnqueueDequeueDelete},
		{"EnqueueValidatesBody", testEnqueueValidatesBody},
		{"LeaseHidesMessage", testLeaseHidesMessage},
		{"LeaseExpiryRedelivers", testLeaseExpiryRedelivers},
		{"DeleteIsIdempotent", testDeleteIsIdempotent},
		{"ExpiredTokenIsStale", testExpiredTokenIsStale},
		{"ExtendLease", testExtendLease},
		{"RedriveAfterThreshold", testRedriveAfterThreshold},
		{"DeadLetterHasNoRedrive", testDeadLetterHasNoRedrive},
		{"BatchLimit", testBatchLimit},
		{"ConcurrentSingleMessage", testConcurrentSingleMessage},
		{"ConcurrentNoDoubleLease", testConcurrentNoDoubleLease},
		{"Stats", testStats},
		{"LongPollWakesOnEnqueue", testLongPollWakesOnEnqueue},
		{"LongPollCancel", testLongPollCancel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) { tt.fn(t, factory) })
	}
}

func open(t *testing.T, factory Factory) (*store.Pair, *Clock) {
	t.Helper()
	clock := NewClock()
	p := factory(t, Settings(), clock)
	t.Cleanup(func() { _ = p.Close() })
	return p, clock
}

func receive(t *testing.T, s store.Store, limit int, vis time.Duration) []queue.Delivery {
	t.Helper()
	out, err := s.DequeueBatch(context.Background(), queue.ClaimOptions{Limit: limit, Visibility: vis})
	require.NoError(t, err)
	return out
}

func testEnqueueDequeueDelete(t *testing.T, factory Factory) {
	p, clock := open(t, factory)
	ctx := context.Background()

	id, err := p.Queue.Enqueue(ctx, []byte("A"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got := receive(t, p.Queue, 1, 30*time.Second)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)
	assert.Equal(t, []byte("A"), got[0].Body)
	assert.Equal(t, 1, got[0].ReceiveCount)
	assert.NotEmpty(t, got[0].LeaseToken)
	assert.Equal(t, clock.Now(), got[0].EnqueuedAt.UTC())
	assert.Equal(t, clock.Now().Add(30*time.Second), got[0].VisibleAt.UTC())

	res, err := p.Queue.Delete(ctx, id, got[0].LeaseToken)
	require.NoError(t, err)
	assert.Equal(t, queue.Success, res)

	clock.Advance(time.Minute)
	assert.Empty(t, receive(t, p.Queue, 10, time.Second))
}

func testEnqueueValidatesBody(t *testing.T, factory Factory) {
	p, _ := open(t, factory)
	ctx := context.Background()

	_, err := p.Queue.Enqueue(ctx, nil)
	assert.ErrorIs(t, err, queue.ErrEmptyBody)

	_, err = p.Queue.Enqueue(ctx, make([]byte, 2048))
	assert.ErrorIs(t, err, queue.ErrBodyTooLarge)
}

func testLeaseHidesMessage(t *testing.T, factory Factory) {
	p, clock := open(t, factory)
	_, err := p.Queue.Enqueue(context.Background(), []byte("A"))
	require.NoError(t, err)

	require.Len(t, receive(t, p.Queue, 1, 5*time.Second), 1)
	clock.Advance(4 * time.Second)
	assert.Empty(t, receive(t, p.Queue, 1, 5*time.Second))
}

func testLeaseExpiryRedelivers(t *testing.T, factory Factory) {
	p, clock := open(t, factory)
	id, err := p.Queue.Enqueue(context.Background(), []byte("A"))
	require.NoError(t, err)

	first := receive(t, p.Queue, 1, 5*time.Second)
	require.Len(t, first, 1)

	clock.Advance(5 * time.Second)
	second := receive(t, p.Queue, 1, 5*time.Second)
	require.Len(t, second, 1)
	assert.Equal(t, id, second[0].ID)
	assert.Equal(t, []byte("A"), second[0].Body)
	assert.Equal(t, 2, second[0].ReceiveCount)
	assert.NotEqual(t, first[0].LeaseToken, second[0].LeaseToken)
}

func testDeleteIsIdempotent(t *testing.T, factory Factory) {
	p, _ := open(t, factory)
	ctx := context.Background()
	id, err := p.Queue.Enqueue(ctx, []byte("A"))
	require.NoError(t, err)
	got := receive(t, p.Queue, 1, 30*time.Second)
	require.Len(t, got, 1)

	res, err := p.Queue.Delete(ctx, id, got[0].LeaseToken)
	require.NoError(t, err)
	assert.Equal(t, queue.Success, res)

	res, err = p.Queue.Delete(ctx, id, got[0].LeaseToken)
	require.NoError(t, err)
	assert.Equal(t, queue.Stale, res)
}

func testExpiredTokenIsStale(t *testing.T, factory Factory) {
	p, clock := open(t, factory)
	ctx := context.Background()
	id, err := p.Queue.Enqueue(ctx, []byte("A"))
	require.NoError(t, err)

	first := receive(t, p.Queue, 1, 5*time.Second)
	require.Len(t, first, 1)
	clock.Advance(5 * time.Second)

	// Expired but not yet re-leased.
	res, err := p.Queue.Delete(ctx, id, first[0].LeaseToken)
	require.NoError(t, err)
	assert.Equal(t, queue.Stale, res)

	second := receive(t, p.Queue, 1, 5*time.Second)
	require.Len(t, second, 1)

	// Superseded by a newer lease.
	res, err = p.Queue.Delete(ctx, id, first[0].LeaseToken)
	require.NoError(t, err)
	assert.Equal(t, queue.Stale, res)
	res, err = p.Queue.ExtendLease(ctx, id, first[0].LeaseToken, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, queue.Stale, res)

	res, err = p.Queue.Delete(ctx, id, second[0].LeaseToken)
	require.NoError(t, err)
	assert.Equal(t, queue.Success, res)

	res, err = p.Queue.Delete(ctx, "no-such-id", "no-such-token")
	require.NoError(t, err)
	assert.Equal(t, queue.Stale, res)
}

func testExtendLease(t *testing.T, factory Factory) {
	p, clock := open(t, factory)
	ctx := context.Background()
	id, err := p.Queue.Enqueue(ctx, []byte("A"))
	require.NoError(t, err)
	got := receive(t, p.Queue, 1, 5*time.Second)
	require.Len(t, got, 1)

	clock.Advance(4 * time.Second)
	res, err := p.Queue.ExtendLease(ctx, id, got[0].LeaseToken, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, queue.Success, res)

	clock.Advance(9 * time.Second)
	assert.Empty(t, receive(t, p.Queue, 1, 5*time.Second), "extended lease must keep the message hidden")

	clock.Advance(time.Second)
	again := receive(t, p.Queue, 1, 5*time.Second)
	require.Len(t, again, 1)
	assert.Equal(t, 2, again[0].ReceiveCount, "extending must not count as a receive")
}

func testRedriveAfterThreshold(t *testing.T, factory Factory) {
	p, clock := open(t, factory)
	ctx := context.Background()
	id, err := p.Queue.Enqueue(ctx, []byte("poison"))
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		got := receive(t, p.Queue, 1, 5*time.Second)
		require.Len(t, got, 1, "receive %d", i)
		assert.Equal(t, i, got[0].ReceiveCount)
		clock.Advance(5 * time.Second)
	}

	assert.Empty(t, receive(t, p.Queue, 1, 5*time.Second), "4th receive must redrive instead of delivering")
	clock.Advance(time.Hour)
	assert.Empty(t, receive(t, p.Queue, 10, 5*time.Second))

	st, err := p.DeadLetter.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Visible: 1}, st)

	dead := receive(t, p.DeadLetter, 10, 5*time.Second)
	require.Len(t, dead, 1)
	assert.Equal(t, []byte("poison"), dead[0].Body)
	assert.Equal(t, id, dead[0].ID)
	assert.Equal(t, p.DeadLetter.Name(), dead[0].Queue)
	assert.Equal(t, 1, dead[0].ReceiveCount, "receive count restarts in the dead-letter queue")
}

func testDeadLetterHasNoRedrive(t *testing.T, factory Factory) {
	p, clock := open(t, factory)
	_, err := p.DeadLetter.Enqueue(context.Background(), []byte("x"))
	require.NoError(t, err)

	for i := 1; i <= 10; i++ {
		got := receive(t, p.DeadLetter, 1, time.Second)
		require.Len(t, got, 1)
		assert.Equal(t, i, got[0].ReceiveCount)
		clock.Advance(time.Second)
	}
}

func testBatchLimit(t *testing.T, factory Factory) {
	p, _ := open(t, factory)
	ctx := context.Background()
	for i := 0; i < 15; i++ {
		_, err := p.Queue.Enqueue(ctx, []byte(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}

	first := receive(t, p.Queue, 32, time.Minute)
	assert.Len(t, first, 10, "batch is capped at the queue's MaxBatch")
	second := receive(t, p.Queue, 32, time.Minute)
	assert.Len(t, second, 5)
	assert.Empty(t, receive(t, p.Queue, 32, time.Minute))

	seen := map[string]bool{}
	for _, d := range append(first, second...) {
		assert.False(t, seen[d.ID], "duplicate id %s", d.ID)
		seen[d.ID] = true
	}
}

func testConcurrentSingleMessage(t *testing.T, factory Factory) {
	p, _ := open(t, factory)
	_, err := p.Queue.Enqueue(context.Background(), []byte("A"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([][]queue.Delivery, 2)
	start := make(chan struct{})
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			out, err := p.Queue.DequeueBatch(context.Background(), queue.ClaimOptions{Limit: 1, Visibility: time.Minute})
			assert.NoError(t, err)
			results[i] = out
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, len(results[0])+len(results[1]), "exactly one caller gets the message")
}

func testConcurrentNoDoubleLease(t *testing.T, factory Factory) {
	p, _ := open(t, factory)
	ctx := context.Background()
	const n = 200
	for i := 0; i < n; i++ {
		_, err := p.Queue.Enqueue(ctx, []byte(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				out, err := p.Queue.DequeueBatch(ctx, queue.ClaimOptions{Limit: 3, Visibility: time.Hour})
				if !assert.NoError(t, err) || len(out) == 0 {
					return
				}
				mu.Lock()
				for _, d := range out {
					seen[d.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	for id, c := range seen {
		assert.Equal(t, 1, c, "message %s leased %d times", id, c)
	}
}

func testStats(t *testing.T, factory Factory) {
	p, clock := open(t, factory)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := p.Queue.Enqueue(ctx, []byte("x"))
		require.NoError(t, err)
	}
	require.Len(t, receive(t, p.Queue, 2, 5*time.Second), 2)

	st, err := p.Queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Visible: 1, InFlight: 2}, st)

	clock.Advance(5 * time.Second)
	st, err = p.Queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Visible: 3}, st)
}

func testLongPollWakesOnEnqueue(t *testing.T, factory Factory) {
	p, _ := open(t, factory)
	ctx := context.Background()

	done := make(chan []queue.Delivery, 1)
	go func() {
		out, err := p.Queue.DequeueBatch(ctx, queue.ClaimOptions{Limit: 1, Visibility: time.Minute, WaitTime: 5 * time.Second})
		assert.NoError(t, err)
		done <- out
	}()

	time.Sleep(50 * time.Millisecond)
	_, err := p.Queue.Enqueue(ctx, []byte("late"))
	require.NoError(t, err)

	select {
	case out := <-done:
		require.Len(t, out, 1)
		assert.Equal(t, []byte("late"), out[0].Body)
	case <-time.After(3 * time.Second):
		t.Fatal("long poll did not return after enqueue")
	}
}

func testLongPollCancel(t *testing.T, factory Factory) {
	p, _ := open(t, factory)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := p.Queue.DequeueBatch(ctx, queue.ClaimOptions{Limit: 1, WaitTime: 10 * time.Second})
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled long poll did not return")
	}
}
