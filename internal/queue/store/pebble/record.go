package pebblestore

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"time"

	"github.com/aridsondez/leaseq/internal/queue"
)

// Record: headerLen(4B BE) | header | body | crc32c(header|body)
// Header: enqueuedAt(8B) | visibleAt(8B) | receiveCount(4B) | leaseToken

const fixedHeader = 8 + 8 + 4

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

var errCorrupt = errors.New("pebblestore: corrupt message record")

type record struct {
	msg   queue.Message
	token string
}

func encodeRecord(r record) []byte {
	hlen := fixedHeader + len(r.token)
	out := make([]byte, 4+hlen+len(r.msg.Body)+4)
	binary.BigEndian.PutUint32(out[0:4], uint32(hlen))
	h := out[4 : 4+hlen]
	binary.BigEndian.PutUint64(h[0:8], uint64(r.msg.EnqueuedAt.UnixNano()))
	binary.BigEndian.PutUint64(h[8:16], uint64(r.msg.VisibleAt.UnixNano()))
	binary.BigEndian.PutUint32(h[16:20], uint32(r.msg.ReceiveCount))
	copy(h[fixedHeader:], r.token)
	copy(out[4+hlen:], r.msg.Body)

	crc := crc32.Checksum(out[4:len(out)-4], castagnoli)
	binary.BigEndian.PutUint32(out[len(out)-4:], crc)
	return out
}

// decodeRecord restores a record; id and queue come from the key.
func decodeRecord(b []byte, queueName, id string) (record, error) {
	if len(b) < 8 {
		return record{}, errCorrupt
	}
	hlen := int(binary.BigEndian.Uint32(b[:4]))
	if hlen < fixedHeader || 4+hlen+4 > len(b) {
		return record{}, errCorrupt
	}
	if crc32.Checksum(b[4:len(b)-4], castagnoli) != binary.BigEndian.Uint32(b[len(b)-4:]) {
		return record{}, errCorrupt
	}
	h := b[4 : 4+hlen]
	return record{
		msg: queue.Message{
			ID:           id,
			Queue:        queueName,
			Body:         append([]byte(nil), b[4+hlen:len(b)-4]...),
			EnqueuedAt:   time.Unix(0, int64(binary.BigEndian.Uint64(h[0:8]))).UTC(),
			VisibleAt:    time.Unix(0, int64(binary.BigEndian.Uint64(h[8:16]))).UTC(),
			ReceiveCount: int(binary.BigEndian.Uint32(h[16:20])),
		},
		token: string(h[fixedHeader:]),
	}, nil
}
