package pebblestore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aridsondez/leaseq/internal/queue"
)

func TestRecordRoundTrip(t *testing.T) {
	now := time.Unix(1_700_000_000, 123).UTC()
	in := record{
		msg: queue.Message{
			ID:           "id-1",
			Queue:        "q",
			Body:         []byte("hello"),
			EnqueuedAt:   now,
			VisibleAt:    now.Add(time.Minute),
			ReceiveCount: 2,
		},
		token: "tok",
	}
	out, err := decodeRecord(encodeRecord(in), "q", "id-1")
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestRecordCorruption(t *testing.T) {
	raw := encodeRecord(record{msg: queue.Message{Body: []byte("hello")}})

	flipped := append([]byte(nil), raw...)
	flipped[len(flipped)-6] ^= 0xff
	_, err := decodeRecord(flipped, "q", "id")
	assert.ErrorIs(t, err, errCorrupt)

	_, err = decodeRecord(raw[:6], "q", "id")
	assert.ErrorIs(t, err, errCorrupt)
}

func TestVisKeyOrdering(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	early := visKey("q", base, "zzz")
	late := visKey("q", base.Add(time.Nanosecond), "aaa")
	assert.Less(t, string(early), string(late))
	assert.Less(t, string(early), string(visBound("q", base)))
	assert.GreaterOrEqual(t, string(late), string(visBound("q", base)))

	at, id, ok := parseVisKey(visPrefix("q"), early)
	require.True(t, ok)
	assert.Equal(t, base.UnixNano(), at)
	assert.Equal(t, "zzz", id)
}
