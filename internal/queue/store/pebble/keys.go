package pebblestore

import (
	"encoding/binary"
	"time"
)

// Key layout, per queue:
//
//	q/{queue}/m/{id}                   message record
//	q/{queue}/v/{visibleAt BE8}{id}    visibility index, empty value
//
// Index keys sort by visibility deadline, so every key below
// q/{queue}/v/{now+1} is deliverable.

func msgKey(queueName, id string) []byte {
	return []byte("q/" + queueName + "/m/" + id)
}

func visPrefix(queueName string) []byte {
	return []byte("q/" + queueName + "/v/")
}

func visKey(queueName string, at time.Time, id string) []byte {
	p := visPrefix(queueName)
	k := make([]byte, len(p)+8+len(id))
	copy(k, p)
	binary.BigEndian.PutUint64(k[len(p):], uint64(at.UnixNano()))
	copy(k[len(p)+8:], id)
	return k
}

// visBound is the exclusive upper bound of index keys visible at now.
func visBound(queueName string, now time.Time) []byte {
	p := visPrefix(queueName)
	k := make([]byte, len(p)+8)
	copy(k, p)
	binary.BigEndian.PutUint64(k[len(p):], uint64(now.UnixNano()+1))
	return k
}

// parseVisKey splits an index key into its deadline and message id.
func parseVisKey(prefix, key []byte) (int64, string, bool) {
	if len(key) <= len(prefix)+8 {
		return 0, "", false
	}
	rest := key[len(prefix):]
	return int64(binary.BigEndian.Uint64(rest[:8])), string(rest[8:]), true
}
