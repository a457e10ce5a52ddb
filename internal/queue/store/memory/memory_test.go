package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aridsondez/leaseq/internal/queue"
	"github.com/aridsondez/leaseq/internal/queue/store"
	"github.com/aridsondez/leaseq/internal/queue/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T, settings queue.Settings, clock *storetest.Clock) *store.Pair {
		p, err := NewPair(settings, WithClock(clock.Now), WithPollInterval(10*time.Millisecond))
		require.NoError(t, err)
		return p
	})
}

func TestNewRequiresDeadLetterForRedrive(t *testing.T) {
	_, err := New(storetest.Settings())
	assert.Error(t, err)

	other, err := New(queue.Settings{Name: "other"})
	require.NoError(t, err)
	_, err = New(storetest.Settings(), WithDeadLetter(other))
	assert.Error(t, err, "dead-letter store name must match the redrive policy")
}

func TestClosedStore(t *testing.T) {
	s, err := New(queue.Settings{Name: "q"})
	require.NoError(t, err)
	s.Close()

	_, err = s.Enqueue(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, queue.ErrClosed)
	_, err = s.DequeueBatch(context.Background(), queue.ClaimOptions{Limit: 1})
	assert.ErrorIs(t, err, queue.ErrClosed)
}

func TestDeliveryBodyIsACopy(t *testing.T) {
	s, err := New(queue.Settings{Name: "q"})
	require.NoError(t, err)
	ctx := context.Background()
	body := []byte("abc")
	_, err = s.Enqueue(ctx, body)
	require.NoError(t, err)
	body[0] = 'z'

	out, err := s.DequeueBatch(ctx, queue.ClaimOptions{Limit: 1, Visibility: time.Nanosecond})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, []byte("abc"), out[0].Body)
	out[0].Body[0] = 'y'

	time.Sleep(time.Millisecond)
	out, err = s.DequeueBatch(ctx, queue.ClaimOptions{Limit: 1, Visibility: time.Minute})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, []byte("abc"), out[0].Body)
}

func TestPairWithoutDeadLetter(t *testing.T) {
	p, err := NewPair(queue.Settings{Name: "jobs"})
	require.NoError(t, err)
	defer p.Close()
	assert.Nil(t, p.DeadLetter)

	_, ok := p.Lookup("jobs")
	assert.True(t, ok)
	_, ok = p.Lookup("")
	assert.False(t, ok)
}
