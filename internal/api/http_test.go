package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aridsondez/leaseq/internal/queue"
	"github.com/aridsondez/leaseq/internal/queue/store"
	"github.com/aridsondez/leaseq/internal/queue/store/memory"
)

func newTestServer(t *testing.T) (*httptest.Server, *store.Pair) {
	t.Helper()
	p, err := memory.NewPair(queue.Settings{
		Name:         "SimpleQueue",
		MaxBodyBytes: 16,
		Redrive:      queue.RedrivePolicy{MaxReceiveCount: 3, DeadLetterQueue: "DLQQueue"},
	}, memory.WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)
	ts := httptest.NewServer(NewHandler(p, nil, Options{}))
	t.Cleanup(ts.Close)
	return ts, p
}

func post(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	resp, err := http.Post(url, "application/json", &buf)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// unavailableStore fails every enqueue the way a down backend does.
type unavailableStore struct {
	store.Store
}

func (unavailableStore) Enqueue(context.Context, []byte) (string, error) {
	return "", fmt.Errorf("%w: connection refused", queue.ErrUnavailable)
}

func TestIngress(t *testing.T) {
	ts, p := newTestServer(t)

	resp, err := http.Post(ts.URL+"/", "application/octet-stream", strings.NewReader("order-42"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, decode[ingressResponse](t, resp).ID)

	st, err := p.Queue.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Visible: 1}, st)
}

func TestIngressRejectsBadBodies(t *testing.T) {
	ts, _ := newTestServer(t)

	for name, body := range map[string]string{
		"empty":     "",
		"too large": strings.Repeat("x", 17),
	} {
		t.Run(name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/", "text/plain", strings.NewReader(body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestIngressStoreFailure(t *testing.T) {
	p, err := memory.NewPair(queue.Settings{Name: "SimpleQueue", Redrive: queue.RedrivePolicy{DeadLetterQueue: "DLQQueue"}})
	require.NoError(t, err)
	broken := store.NewPair(unavailableStore{p.Queue}, p.DeadLetter, nil)
	ts := httptest.NewServer(NewHandler(broken, nil, Options{}))
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/", "text/plain", strings.NewReader("x"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestWorkerAPIFlow(t *testing.T) {
	ts, _ := newTestServer(t)
	base := ts.URL + "/v1/queues/SimpleQueue"

	resp := post(t, base+"/messages", enqueueRequest{Body: []byte("hello")})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := decode[enqueueResponse](t, resp).ID

	resp = post(t, base+":receive", map[string]any{"max": 5, "visibility_ms": 60000})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	msgs := decode[[]receivedMessage](t, resp)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
	assert.Equal(t, []byte("hello"), msgs[0].Body)
	assert.Equal(t, 1, msgs[0].ReceiveCount)

	resp, err := http.Get(base)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, statsResponse{Queue: "SimpleQueue", InFlight: 1}, decode[statsResponse](t, resp))

	resp = post(t, base+"/messages/"+id+":extend", leaseRequest{LeaseToken: msgs[0].LeaseToken, VisibilityMS: 60000})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "success", decode[resultResponse](t, resp).Result)

	resp = post(t, base+"/messages/"+id+":delete", leaseRequest{LeaseToken: msgs[0].LeaseToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "success", decode[resultResponse](t, resp).Result)

	resp = post(t, base+"/messages/"+id+":delete", leaseRequest{LeaseToken: msgs[0].LeaseToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "stale", decode[resultResponse](t, resp).Result)
}

func TestBinaryBodiesSurvive(t *testing.T) {
	ts, p := newTestServer(t)
	base := ts.URL + "/v1/queues/SimpleQueue"
	raw := []byte{0xff, 0x00, 0xfe, 0x41}

	resp, err := http.Post(ts.URL+"/", "application/octet-stream", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = post(t, base+"/messages", enqueueRequest{Body: []byte{0xc3, 0x28}})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = post(t, base+":receive", map[string]any{"max": 10})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	msgs := decode[[]receivedMessage](t, resp)
	require.Len(t, msgs, 2)

	got := [][]byte{msgs[0].Body, msgs[1].Body}
	assert.ElementsMatch(t, [][]byte{raw, {0xc3, 0x28}}, got)

	st, err := p.Queue.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{InFlight: 2}, st)
}

func TestReceiveLongPoll(t *testing.T) {
	ts, p := newTestServer(t)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = p.Queue.Enqueue(context.Background(), []byte("late"))
	}()

	resp := post(t, ts.URL+"/v1/queues/SimpleQueue:receive", map[string]any{"max": 1, "wait_ms": 2000})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	msgs := decode[[]receivedMessage](t, resp)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("late"), msgs[0].Body)
}

func TestDeadLetterQueueIsAddressable(t *testing.T) {
	ts, p := newTestServer(t)
	_, err := p.DeadLetter.Enqueue(context.Background(), []byte("dead"))
	require.NoError(t, err)

	resp := post(t, ts.URL+"/v1/queues/DLQQueue:receive", map[string]any{"max": 10})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]receivedMessage](t, resp), 1)
}

func TestUnknownQueue(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := post(t, ts.URL+"/v1/queues/nope/messages", enqueueRequest{Body: []byte("x")})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInvalidReceive(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := post(t, ts.URL+"/v1/queues/SimpleQueue:receive", map[string]any{"max": -1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	ts, _ := newTestServer(t)
	for _, path := range []string{"/healthz", "/metrics"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}
