// Package pebbledb wraps a Pebble database with an fsync policy, batches and
// latency hooks. Queue state built on it lives in internal/queue/store/pebble.
//
// Usage:
//
//	db, err := pebbledb.Open(pebbledb.Options{
//	    DataDir: "./data",
//	    Fsync:   pebbledb.FsyncModeAlways,
//	})
//	if err != nil { /* handle */ }
//	defer db.Close()
//
//	b := db.NewBatch()
//	_ = b.Set([]byte("k"), []byte("v"), nil)
//	_ = db.CommitBatch(b)
//	b.Close()
package pebbledb
