// Package seq implements the batched sequence allocator: monotonically
// increasing int64 ids, reserved in batches per node, crash-safe through
// persisted state, and tolerant of commit contention between nodes.
package seq

import (
	"context"
	"encoding/binary"
	"math/rand"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opal-lang/vela/core/catalog"
	"github.com/opal-lang/vela/core/fault"
	"github.com/opal-lang/vela/kv"
)

// TransactionFactory opens a fresh optimistic write transaction. Batch
// reservations run in their own transactions, never the user's.
type TransactionFactory func() (kv.Transaction, error)

// Backoff tuning for contended batch reservation: exponential with full
// jitter, starting at 4ms and capped at 32768ms.
const (
	backoffStartMs = 4
	backoffCapMs   = 32768
)

// batchValue is one node's reserved batch, stored under the sequence's
// batch range so peers can observe it.
type batchValue struct {
	To    int64
	Owner uuid.UUID
}

func encodeBatch(b batchValue) []byte {
	out := make([]byte, 8+16)
	binary.BigEndian.PutUint64(out, uint64(b.To))
	copy(out[8:], b.Owner[:])
	return out
}

func decodeBatch(b []byte) (batchValue, error) {
	if len(b) != 24 {
		return batchValue{}, fault.New(fault.KindStorage, "corrupted sequence batch record")
	}
	var out batchValue
	out.To = int64(binary.BigEndian.Uint64(b))
	copy(out.Owner[:], b[8:])
	return out, nil
}

// sequenceState is the persisted hand-out counter for one (sequence, node).
type sequenceState struct {
	Next int64
}

func encodeState(s sequenceState) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, uint64(s.Next))
	return out
}

func decodeState(b []byte) (sequenceState, error) {
	if len(b) != 8 {
		return sequenceState{}, fault.New(fault.KindStorage, "corrupted sequence state record")
	}
	return sequenceState{Next: int64(binary.BigEndian.Uint64(b))}, nil
}

// Domain identifies one sequence.
type Domain struct {
	NS   catalog.NamespaceId
	DB   catalog.DatabaseId
	Name string
}

// Allocator hands out ids for any number of sequences on one node.
type Allocator struct {
	tf   TransactionFactory
	node uuid.UUID
	log  *zap.Logger

	mu        sync.Mutex
	sequences map[Domain]*sequence
}

// NewAllocator creates an allocator for this node. The node id must be
// stable for the process lifetime; batch ownership is keyed on it.
func NewAllocator(tf TransactionFactory, node uuid.UUID, log *zap.Logger) *Allocator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Allocator{tf: tf, node: node, log: log, sequences: map[Domain]*sequence{}}
}

// Next returns the next id for a sequence, reserving a new batch when the
// current one is exhausted. start and batch come from the sequence
// definition; timeout, when positive, bounds the time spent fighting for a
// reservation on top of the context deadline.
func (a *Allocator) Next(ctx context.Context, dom Domain, start int64, batch uint32, timeout time.Duration) (int64, error) {
	a.mu.Lock()
	s, ok := a.sequences[dom]
	if !ok {
		s = &sequence{}
		a.sequences[dom] = s
	}
	a.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		if err := s.load(ctx, a, dom, start, batch, timeout); err != nil {
			return 0, err
		}
	}
	return s.next(ctx, a, dom, batch, timeout)
}

// Remove forgets the in-memory state of a sequence, e.g. when its
// definition is dropped.
func (a *Allocator) Remove(dom Domain) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sequences, dom)
}

type sequence struct {
	mu      sync.Mutex
	loaded  bool
	state   sequenceState
	to      int64
	timeout time.Duration
}

// load restores the persisted hand-out counter and ensures a valid batch.
// After a crash the node resumes from the persisted next within its
// still-valid batch, so no id is ever handed out twice.
func (s *sequence) load(ctx context.Context, a *Allocator, dom Domain, start int64, batch uint32, timeout time.Duration) error {
	tx, err := a.tf()
	if err != nil {
		return err
	}
	defer tx.Cancel(ctx) //nolint:errcheck

	stateKey := kv.SequenceStateKey(dom.NS, dom.DB, dom.Name, a.node)
	raw, found, err := tx.Get(ctx, stateKey, 0)
	if err != nil {
		return err
	}
	st := sequenceState{Next: start}
	if found {
		if st, err = decodeState(raw); err != nil {
			return err
		}
	}
	from, to, err := findBatch(ctx, a, dom, st.Next, batch, timeout)
	if err != nil {
		return err
	}
	s.state = sequenceState{Next: from}
	s.to = to
	s.timeout = timeout
	s.loaded = true
	return nil
}

// next hands out one id, topping the batch up when exhausted, and persists
// the counter.
func (s *sequence) next(ctx context.Context, a *Allocator, dom Domain, batch uint32, timeout time.Duration) (int64, error) {
	if s.state.Next >= s.to {
		from, to, err := findBatch(ctx, a, dom, s.state.Next, batch, timeout)
		if err != nil {
			return 0, err
		}
		s.state.Next = from
		s.to = to
	}
	v := s.state.Next
	s.state.Next++
	tx, err := a.tf()
	if err != nil {
		return 0, err
	}
	stateKey := kv.SequenceStateKey(dom.NS, dom.DB, dom.Name, a.node)
	if err := tx.Set(ctx, stateKey, encodeState(s.state), 0); err != nil {
		_ = tx.Cancel(ctx)
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return v, nil
}

// findBatch loops on tryReserve until a reservation commits. Contention
// shows up as commit conflicts; the loop retries with exponential backoff
// plus full jitter until success, context cancellation, or the sequence's
// own timeout.
func findBatch(ctx context.Context, a *Allocator, dom Domain, next int64, batch uint32, timeout time.Duration) (int64, int64, error) {
	tempo := int64(backoffStartMs)
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if err := ctx.Err(); err != nil {
			return 0, 0, fault.ErrQueryTimedout
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return 0, 0, fault.ErrQueryTimedout
		}
		from, to, err := tryReserve(ctx, a, dom, next, batch)
		if err == nil {
			return from, to, nil
		}
		if !errors.Is(err, kv.ErrTxConflict) {
			return 0, 0, err
		}
		a.log.Debug("sequence batch reservation conflict, backing off",
			zap.String("sequence", dom.Name), zap.Int64("tempo_ms", tempo))
		sleep := time.Duration(rand.Int63n(tempo)+1) * time.Millisecond
		select {
		case <-ctx.Done():
			return 0, 0, fault.ErrQueryTimedout
		case <-time.After(sleep):
		}
		if tempo < backoffCapMs {
			tempo *= 2
		}
	}
}

// tryReserve scans every peer node's batch record, takes the max endpoint,
// proposes [max, max+batch), writes its own record, and commits
// optimistically. A previous batch owned by this node that still covers
// next is reused; stale own batches are deleted.
func tryReserve(ctx context.Context, a *Allocator, dom Domain, next int64, batch uint32) (int64, int64, error) {
	tx, err := a.tf()
	if err != nil {
		return 0, 0, err
	}
	rng := kv.SequenceBatchRange(dom.NS, dom.DB, dom.Name)
	pairs, err := tx.GetR(ctx, rng, 0)
	if err != nil {
		_ = tx.Cancel(ctx)
		return 0, 0, err
	}
	nextStart := next
	for _, pair := range pairs {
		bv, err := decodeBatch(pair.Value)
		if err != nil {
			_ = tx.Cancel(ctx)
			return 0, 0, err
		}
		if bv.To > nextStart {
			nextStart = bv.To
		}
		if bv.Owner == a.node {
			if next < bv.To {
				// The current value is still inside our batch.
				_ = tx.Cancel(ctx)
				return next, bv.To, nil
			}
			// Stale own batch: replaced by the one we are about to write.
			if err := tx.Del(ctx, pair.Key); err != nil {
				_ = tx.Cancel(ctx)
				return 0, 0, err
			}
		}
	}
	nextTo := nextStart + int64(batch)
	key := kv.SequenceBatchKey(dom.NS, dom.DB, dom.Name, nextStart)
	if err := tx.Set(ctx, key, encodeBatch(batchValue{To: nextTo, Owner: a.node}), 0); err != nil {
		_ = tx.Cancel(ctx)
		return 0, 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, 0, err
	}
	a.log.Debug("sequence batch reserved",
		zap.String("sequence", dom.Name), zap.Int64("from", nextStart), zap.Int64("to", nextTo))
	return nextStart, nextTo, nil
}
