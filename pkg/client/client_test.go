package client_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aridsondez/leaseq/internal/api"
	"github.com/aridsondez/leaseq/internal/queue"
	"github.com/aridsondez/leaseq/internal/queue/store/memory"
	"github.com/aridsondez/leaseq/pkg/client"
)

func newClient(t *testing.T) *client.Client {
	t.Helper()
	p, err := memory.NewPair(queue.Settings{
		Name:    "SimpleQueue",
		Redrive: queue.RedrivePolicy{MaxReceiveCount: 3, DeadLetterQueue: "DLQQueue"},
	})
	require.NoError(t, err)
	ts := httptest.NewServer(api.NewHandler(p, nil, api.Options{}))
	t.Cleanup(ts.Close)
	return client.NewClient(ts.URL)
}

func TestRoundTrip(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	id, err := c.Send(ctx, []byte("from ingress"))
	require.NoError(t, err)
	_, err = c.Enqueue(ctx, "SimpleQueue", []byte("from api"))
	require.NoError(t, err)

	st, err := c.Stats(ctx, "SimpleQueue")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Visible)

	msgs, err := c.Receive(ctx, "SimpleQueue", client.ReceiveOptions{Max: 10, Visibility: time.Minute})
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	for _, m := range msgs {
		res, err := c.ExtendLease(ctx, "SimpleQueue", m.ID, m.LeaseToken, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, client.ResultSuccess, res)

		res, err = c.Delete(ctx, "SimpleQueue", m.ID, m.LeaseToken)
		require.NoError(t, err)
		assert.Equal(t, client.ResultSuccess, res)
	}

	res, err := c.Delete(ctx, "SimpleQueue", id, "not-a-token")
	require.NoError(t, err)
	assert.Equal(t, client.ResultStale, res)
}

func TestStatusError(t *testing.T) {
	c := newClient(t)
	_, err := c.Enqueue(context.Background(), "missing", []byte("x"))
	var se *client.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.Code)
}
