// Package kv abstracts the transactional key-value store the engine runs
// on. Keys are opaque byte sequences built by the key helpers; the engine
// assumes only that they sort lexicographically and share a stable prefix
// per table.
package kv

import (
	"context"

	"github.com/opal-lang/vela/core/fault"
)

// Pair is one key/value entry.
type Pair struct {
	Key   []byte
	Value []byte
}

// KeyRange is a half-open key interval [Beg, End).
type KeyRange struct {
	Beg []byte
	End []byte
}

// Direction selects scan order.
type Direction uint8

// Scan directions.
const (
	Forward Direction = iota
	Backward
)

// ScanOptions tune a range scan.
type ScanOptions struct {
	// Version pins an MVCC snapshot; zero means latest.
	Version uint64
	// Limit caps the number of pairs produced; zero means unlimited.
	Limit int
	// Direction orders the scan.
	Direction Direction
	// PreSkip drops this many pairs at the storage layer before producing
	// any. Only safe when the consumer performs no cardinality-changing
	// post-processing.
	PreSkip int
}

// Stream yields scan results in batches. Next returns a nil slice once the
// scan is exhausted; a non-nil error ends the stream.
type Stream interface {
	Next(ctx context.Context) ([]Pair, error)
}

// Transaction is one unit of work against the store. Commit and Cancel are
// idempotent and single-use: the second call returns ErrTxFinished.
type Transaction interface {
	// Get reads one key. The boolean reports presence.
	Get(ctx context.Context, key []byte, version uint64) ([]byte, bool, error)
	// Set writes one key.
	Set(ctx context.Context, key, value []byte, version uint64) error
	// Del removes one key.
	Del(ctx context.Context, key []byte) error
	// GetR reads a whole range eagerly.
	GetR(ctx context.Context, rng KeyRange, version uint64) ([]Pair, error)
	// Keys reads up to limit keys of a range.
	Keys(ctx context.Context, rng KeyRange, limit int, version uint64) ([][]byte, error)
	// Count counts the keys of a range without decoding values.
	Count(ctx context.Context, rng KeyRange) (int, error)
	// Scan streams a range.
	Scan(rng KeyRange, opts ScanOptions) Stream
	// Commit applies buffered writes.
	Commit(ctx context.Context) error
	// Cancel discards buffered writes.
	Cancel(ctx context.Context) error
	// Writable reports whether the transaction accepts writes.
	Writable() bool
	// ClearCache drops any transaction-local read caches.
	ClearCache()
}

// ErrTxConflict is returned by Commit when an optimistic transaction lost a
// race. Callers retry with backoff; only the sequence allocator does so
// automatically.
var ErrTxConflict = fault.New(fault.KindStorage, "transaction conflict: a concurrent commit modified the same keys")
