package kv

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opal-lang/vela/core/fault"
	"github.com/opal-lang/vela/core/val"
)

func intVal(n int64) val.Value { return val.Int(n) }

func TestMemStoreBasicOps(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore(MemOptions{})

	tx, err := store.Begin(true)
	require.NoError(t, err)
	require.NoError(t, tx.Set(ctx, []byte("/ta"), []byte("1"), 0))
	require.NoError(t, tx.Set(ctx, []byte("/tb"), []byte("2"), 0))
	require.NoError(t, tx.Commit(ctx))

	read, err := store.Begin(false)
	require.NoError(t, err)
	v, found, err := read.Get(ctx, []byte("/ta"), 0)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("1"), v)

	pairs, err := read.GetR(ctx, KeyRange{Beg: []byte("/t"), End: []byte("/u")}, 0)
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	assert.Equal(t, []byte("/ta"), pairs[0].Key)
	assert.Equal(t, []byte("/tb"), pairs[1].Key)
}

func TestMemTxnFinishedIsTerminal(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore(MemOptions{})
	tx, err := store.Begin(true)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	// Commit and cancel are single-use.
	assert.ErrorIs(t, tx.Commit(ctx), fault.ErrTxFinished)
	assert.ErrorIs(t, tx.Cancel(ctx), fault.ErrTxFinished)
	_, _, err = tx.Get(ctx, []byte("x"), 0)
	assert.ErrorIs(t, err, fault.ErrTxFinished)
}

func TestMemScanDirectionAndWindow(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore(MemOptions{})
	tx, err := store.Begin(true)
	require.NoError(t, err)
	for _, k := range []string{"/ka", "/kb", "/kc", "/kd"} {
		require.NoError(t, tx.Set(ctx, []byte(k), []byte(k), 0))
	}
	require.NoError(t, tx.Commit(ctx))

	read, err := store.Begin(false)
	require.NoError(t, err)
	rng := KeyRange{Beg: []byte("/k"), End: []byte("/l")}

	collect := func(opts ScanOptions) []string {
		stream := read.Scan(rng, opts)
		var keys []string
		for {
			batch, err := stream.Next(ctx)
			require.NoError(t, err)
			if batch == nil {
				return keys
			}
			for _, p := range batch {
				keys = append(keys, string(p.Key))
			}
		}
	}

	assert.Equal(t, []string{"/ka", "/kb", "/kc", "/kd"}, collect(ScanOptions{}))
	assert.Equal(t, []string{"/kd", "/kc", "/kb", "/ka"}, collect(ScanOptions{Direction: Backward}))
	assert.Equal(t, []string{"/kc", "/kd"}, collect(ScanOptions{PreSkip: 2}))
	assert.Equal(t, []string{"/ka", "/kb"}, collect(ScanOptions{Limit: 2}))
}

func TestMemVersionedReads(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore(MemOptions{})

	tx, err := store.Begin(true)
	require.NoError(t, err)
	require.NoError(t, tx.Set(ctx, []byte("/va"), []byte("old"), 0))
	require.NoError(t, tx.Commit(ctx))

	// A read transaction opened now keeps its snapshot even after a later
	// overwrite.
	read, err := store.Begin(false)
	require.NoError(t, err)

	tx, err = store.Begin(true)
	require.NoError(t, err)
	require.NoError(t, tx.Set(ctx, []byte("/va"), []byte("new"), 0))
	require.NoError(t, tx.Commit(ctx))

	v, found, err := read.Get(ctx, []byte("/va"), 0)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("old"), v)
}

func TestMemCommitConflict(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore(MemOptions{})

	a, err := store.Begin(true)
	require.NoError(t, err)
	b, err := store.Begin(true)
	require.NoError(t, err)

	require.NoError(t, a.Set(ctx, []byte("/c"), []byte("a"), 0))
	require.NoError(t, b.Set(ctx, []byte("/c"), []byte("b"), 0))
	require.NoError(t, a.Commit(ctx))
	assert.ErrorIs(t, b.Commit(ctx), ErrTxConflict)
}

func TestOpenMemStoreVersionGate(t *testing.T) {
	store := NewMemStore(MemOptions{})
	require.NoError(t, OpenMemStore(store))

	// An incompatible major version refuses to open.
	store.applyWrite(MetaKey("version"), []byte("v2.0.0"))
	require.Error(t, OpenMemStore(store))
}

func TestSpaceGuardTransitions(t *testing.T) {
	var usage atomic.Uint64
	guard := NewSpaceGuard(SpaceGuardOptions{
		Limit: 100,
		Usage: func() uint64 { return usage.Load() },
	})
	assert.Equal(t, SpaceNormal, guard.Evaluate())

	// Restricted at >= 80% of the limit.
	usage.Store(80)
	assert.Equal(t, SpaceRestricted, guard.Evaluate())
	assert.Equal(t, SpaceRestricted, guard.State())

	// Back to normal below the threshold.
	usage.Store(50)
	assert.Equal(t, SpaceNormal, guard.Evaluate())
}

func TestSpaceGuardDisabled(t *testing.T) {
	// A zero limit or nil usage reporter disables the guard entirely.
	assert.Equal(t, SpaceNormal, NewSpaceGuard(SpaceGuardOptions{Limit: 0}).Evaluate())
	assert.Equal(t, SpaceNormal, NewSpaceGuard(SpaceGuardOptions{Limit: 10}).Evaluate())
}

func TestSpaceGuardBlocksWritesAtTransactionBoundary(t *testing.T) {
	ctx := context.Background()
	var usage atomic.Uint64
	guard := NewSpaceGuard(SpaceGuardOptions{Limit: 100, Usage: func() uint64 { return usage.Load() }})
	store := NewMemStore(MemOptions{Guard: guard})

	usage.Store(90)
	guard.Evaluate()

	_, err := store.Begin(true)
	assert.ErrorIs(t, err, fault.ErrReadOnlySpace)

	// Reads still begin fine.
	read, err := store.Begin(false)
	require.NoError(t, err)
	_, _, err = read.Get(ctx, []byte("x"), 0)
	require.NoError(t, err)
}

func TestValueOrderBytesPreservesOrder(t *testing.T) {
	// Int encodings must sort like the integers, including negatives.
	prev, ok := ValueOrderBytes(intVal(-100))
	require.True(t, ok)
	for _, n := range []int64{-1, 0, 1, 100} {
		cur, ok := ValueOrderBytes(intVal(n))
		require.True(t, ok)
		assert.Negative(t, compareBytes(prev, cur), "order bytes for %d", n)
		prev = cur
	}
}

func compareBytes(a, b []byte) int {
	switch {
	case string(a) < string(b):
		return -1
	case string(a) > string(b):
		return 1
	default:
		return 0
	}
}
