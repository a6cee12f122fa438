package kv

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/mod/semver"

	"github.com/opal-lang/vela/core/fault"
)

// StorageVersion is the on-disk format version written to new datastores
// and checked when an existing one is opened. Bump the major only on
// incompatible layout changes.
const StorageVersion = "v1.0.0"

// versioned is one committed value with its commit sequence, kept newest
// first so MVCC reads can pick the right snapshot.
type versioned struct {
	seq   uint64
	value []byte // nil marks a tombstone
}

type memEntry struct {
	key      []byte
	versions []versioned
}

// MemStore is an ordered, versioned, in-memory store with optimistic
// transactions. It backs tests and the CLI; production engines plug in
// their own Transaction implementation.
type MemStore struct {
	mu      sync.Mutex
	entries []memEntry // sorted by key
	seq     uint64
	guard   *SpaceGuard
	log     *zap.Logger
}

// MemOptions configure a MemStore.
type MemOptions struct {
	// Guard enables the disk-space guard; nil disables it.
	Guard *SpaceGuard
	// Logger defaults to zap.NewNop().
	Logger *zap.Logger
}

// NewMemStore creates an empty store and stamps the storage-format version.
func NewMemStore(opts MemOptions) *MemStore {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &MemStore{guard: opts.Guard, log: log}
	s.applyWrite(MetaKey("version"), []byte(StorageVersion))
	return s
}

// OpenMemStore validates the storage-format version of an existing store.
// A store written by a different major version refuses to open.
func OpenMemStore(s *MemStore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.find(MetaKey("version"))
	if !ok {
		return fault.New(fault.KindStorage, "datastore has no version record")
	}
	stored := string(s.entries[i].versions[0].value)
	if !semver.IsValid(stored) {
		return fault.New(fault.KindStorage, "datastore version '%s' is not valid", stored)
	}
	if semver.Major(stored) != semver.Major(StorageVersion) {
		return fault.New(fault.KindStorage,
			"datastore version %s is incompatible with engine storage version %s", stored, StorageVersion)
	}
	return nil
}

// find locates key, returning its index and presence. Callers hold mu.
func (s *MemStore) find(key []byte) (int, bool) {
	i := sort.Search(len(s.entries), func(i int) bool {
		return bytes.Compare(s.entries[i].key, key) >= 0
	})
	return i, i < len(s.entries) && bytes.Equal(s.entries[i].key, key)
}

func (s *MemStore) applyWrite(key, value []byte) {
	s.seq++
	i, ok := s.find(key)
	v := versioned{seq: s.seq, value: value}
	if ok {
		s.entries[i].versions = append([]versioned{v}, s.entries[i].versions...)
		return
	}
	s.entries = append(s.entries, memEntry{})
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = memEntry{key: append([]byte{}, key...), versions: []versioned{v}}
}

// readAt returns the value of entry e visible at snapshot seq (0 = latest).
func (e *memEntry) readAt(seq uint64) ([]byte, bool) {
	for _, v := range e.versions {
		if seq == 0 || v.seq <= seq {
			if v.value == nil {
				return nil, false
			}
			return v.value, true
		}
	}
	return nil, false
}

// Size reports the approximate byte footprint of live data, used by the
// disk-space guard in tests.
func (s *MemStore) Size() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total uint64
	for _, e := range s.entries {
		if v, ok := e.readAt(0); ok {
			total += uint64(len(e.key) + len(v))
		}
	}
	return total
}

// Begin opens a transaction. Write transactions are rejected while the
// guard reports read-and-deletion-only mode. Begin reads the mode the guard
// last evaluated (at the end of each commit, or through an explicit
// Evaluate); it does not measure usage itself, and the mode never changes
// mid-operation.
func (s *MemStore) Begin(write bool) (Transaction, error) {
	if write && s.guard != nil && s.guard.State() == SpaceRestricted {
		return nil, fault.ErrReadOnlySpace
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return &memTxn{
		store:    s,
		snapshot: s.seq,
		write:    write,
		writes:   map[string][]byte{},
		deletes:  map[string]bool{},
	}, nil
}

type memTxn struct {
	store    *MemStore
	snapshot uint64
	write    bool
	finished bool
	mu       sync.Mutex
	writes   map[string][]byte
	deletes  map[string]bool
}

func (t *memTxn) Writable() bool { return t.write }

func (t *memTxn) ClearCache() {}

func (t *memTxn) checkOpen() error {
	if t.finished {
		return fault.ErrTxFinished
	}
	return nil
}

func (t *memTxn) Get(ctx context.Context, key []byte, version uint64) ([]byte, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkOpen(); err != nil {
		return nil, false, err
	}
	if version == 0 {
		if t.deletes[string(key)] {
			return nil, false, nil
		}
		if v, ok := t.writes[string(key)]; ok {
			return v, true, nil
		}
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	i, ok := t.store.find(key)
	if !ok {
		return nil, false, nil
	}
	at := t.snapshot
	if version != 0 {
		at = version
	}
	v, ok := t.store.entries[i].readAt(at)
	if !ok {
		return nil, false, nil
	}
	return append([]byte{}, v...), true, nil
}

func (t *memTxn) Set(ctx context.Context, key, value []byte, version uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkOpen(); err != nil {
		return err
	}
	if !t.write {
		return fault.New(fault.KindStorage, "cannot write in a read-only transaction")
	}
	delete(t.deletes, string(key))
	t.writes[string(key)] = append([]byte{}, value...)
	return nil
}

func (t *memTxn) Del(ctx context.Context, key []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkOpen(); err != nil {
		return err
	}
	if !t.write {
		return fault.New(fault.KindStorage, "cannot delete in a read-only transaction")
	}
	delete(t.writes, string(key))
	t.deletes[string(key)] = true
	return nil
}

// visible merges committed entries at the snapshot with this transaction's
// buffered writes, in key order, within rng.
func (t *memTxn) visible(rng KeyRange, version uint64) []Pair {
	at := t.snapshot
	if version != 0 {
		at = version
	}
	t.store.mu.Lock()
	merged := map[string][]byte{}
	for _, e := range t.store.entries {
		if bytes.Compare(e.key, rng.Beg) < 0 || bytes.Compare(e.key, rng.End) >= 0 {
			continue
		}
		if v, ok := e.readAt(at); ok {
			merged[string(e.key)] = v
		}
	}
	t.store.mu.Unlock()
	if version == 0 {
		for k, v := range t.writes {
			if k >= string(rng.Beg) && k < string(rng.End) {
				merged[k] = v
			}
		}
		for k := range t.deletes {
			delete(merged, k)
		}
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Pair, len(keys))
	for i, k := range keys {
		out[i] = Pair{Key: []byte(k), Value: append([]byte{}, merged[k]...)}
	}
	return out
}

func (t *memTxn) GetR(ctx context.Context, rng KeyRange, version uint64) ([]Pair, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	return t.visible(rng, version), nil
}

func (t *memTxn) Keys(ctx context.Context, rng KeyRange, limit int, version uint64) ([][]byte, error) {
	pairs, err := t.GetR(ctx, rng, version)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(pairs) > limit {
		pairs = pairs[:limit]
	}
	out := make([][]byte, len(pairs))
	for i, p := range pairs {
		out[i] = p.Key
	}
	return out, nil
}

func (t *memTxn) Count(ctx context.Context, rng KeyRange) (int, error) {
	pairs, err := t.GetR(ctx, rng, 0)
	if err != nil {
		return 0, err
	}
	return len(pairs), nil
}

const scanBatchSize = 64

type memScan struct {
	pairs []Pair
	pos   int
	err   error
}

func (t *memTxn) Scan(rng KeyRange, opts ScanOptions) Stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkOpen(); err != nil {
		return &memScan{err: err}
	}
	pairs := t.visible(rng, opts.Version)
	if opts.Direction == Backward {
		for i, j := 0, len(pairs)-1; i < j; i, j = i+1, j-1 {
			pairs[i], pairs[j] = pairs[j], pairs[i]
		}
	}
	if opts.PreSkip > 0 {
		if opts.PreSkip >= len(pairs) {
			pairs = nil
		} else {
			pairs = pairs[opts.PreSkip:]
		}
	}
	if opts.Limit > 0 && len(pairs) > opts.Limit {
		pairs = pairs[:opts.Limit]
	}
	return &memScan{pairs: pairs}
}

func (m *memScan) Next(ctx context.Context) ([]Pair, error) {
	if m.err != nil {
		return nil, m.err
	}
	if err := ctx.Err(); err != nil {
		return nil, fault.ErrQueryCancelled
	}
	if m.pos >= len(m.pairs) {
		return nil, nil
	}
	end := m.pos + scanBatchSize
	if end > len(m.pairs) {
		end = len(m.pairs)
	}
	batch := m.pairs[m.pos:end]
	m.pos = end
	return batch, nil
}

func (t *memTxn) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkOpen(); err != nil {
		return err
	}
	t.finished = true
	if !t.write || (len(t.writes) == 0 && len(t.deletes) == 0) {
		return nil
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	// Optimistic check: fail if any written or deleted key changed after
	// our snapshot.
	for _, k := range t.touchedKeys() {
		if i, ok := t.store.find([]byte(k)); ok {
			if t.store.entries[i].versions[0].seq > t.snapshot {
				return ErrTxConflict
			}
		}
	}
	for k, v := range t.writes {
		t.store.applyWrite([]byte(k), v)
	}
	for k := range t.deletes {
		t.store.applyWrite([]byte(k), nil)
	}
	if t.store.guard != nil {
		t.store.guard.Evaluate()
	}
	return nil
}

func (t *memTxn) touchedKeys() []string {
	keys := make([]string, 0, len(t.writes)+len(t.deletes))
	for k := range t.writes {
		keys = append(keys, k)
	}
	for k := range t.deletes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (t *memTxn) Cancel(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkOpen(); err != nil {
		return err
	}
	t.finished = true
	t.writes = nil
	t.deletes = nil
	return nil
}
