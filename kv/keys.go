package kv

import (
	"encoding/binary"

	"github.com/opal-lang/vela/core/catalog"
	"github.com/opal-lang/vela/core/fault"
	"github.com/opal-lang/vela/core/val"
)

// Key layout. Every key starts with '/' and a one-byte family tag, then the
// namespace and database ids big-endian, then family-specific parts
// separated by 0x00. Big-endian ids and the terminator byte keep the
// lexicographic order aligned with the logical order.
const (
	famRecord   = 'r'
	famEdge     = 'e'
	famRef      = 'f'
	famIndex    = 'x'
	famSequence = 'q'
	famMeta     = 'm'
)

func base(fam byte, ns catalog.NamespaceId, db catalog.DatabaseId) []byte {
	buf := make([]byte, 0, 16)
	buf = append(buf, '/', fam)
	buf = binary.BigEndian.AppendUint32(buf, uint32(ns))
	buf = binary.BigEndian.AppendUint32(buf, uint32(db))
	return buf
}

// RecordPrefix returns the key range covering every record of a table.
func RecordPrefix(ns catalog.NamespaceId, db catalog.DatabaseId, table string) KeyRange {
	beg := append(base(famRecord, ns, db), table...)
	beg = append(beg, 0x00)
	end := append(base(famRecord, ns, db), table...)
	end = append(end, 0x01)
	return KeyRange{Beg: beg, End: end}
}

// RecordKey returns the storage key for one record id.
func RecordKey(ns catalog.NamespaceId, db catalog.DatabaseId, rid val.RecordId) ([]byte, error) {
	if _, ok := rid.Key.(val.KeyGenerate); ok {
		return nil, fault.New(fault.KindInternal, "record key must be generated before encoding")
	}
	rng := RecordPrefix(ns, db, rid.Table)
	return append(rng.Beg, encodeRecordKey(rid.Key)...), nil
}

// encodeRecordKey reuses the record id's own ordering form so the stored
// order matches val.CompareRecordIds.
func encodeRecordKey(key val.RecordIdKey) []byte {
	return append([]byte{val.KeyTag(key)}, val.KeyOrderBytes(key)...)
}

// EdgePrefix returns the key range covering the edges of one record in one
// direction. dir is 'o' for outgoing, 'i' for incoming.
func EdgePrefix(ns catalog.NamespaceId, db catalog.DatabaseId, from val.RecordId, dir byte, edge string) (KeyRange, error) {
	fromKey, err := RecordKey(ns, db, from)
	if err != nil {
		return KeyRange{}, err
	}
	beg := base(famEdge, ns, db)
	beg = append(beg, dir)
	beg = append(beg, fromKey...)
	beg = append(beg, 0x00)
	beg = append(beg, edge...)
	end := append([]byte{}, beg...)
	beg = append(beg, 0x00)
	end = append(end, 0x01)
	return KeyRange{Beg: beg, End: end}, nil
}

// EdgeKey returns the storage key for one edge record, from -> edge -> to.
func EdgeKey(ns catalog.NamespaceId, db catalog.DatabaseId, from val.RecordId, dir byte, edge string, to val.RecordId) ([]byte, error) {
	rng, err := EdgePrefix(ns, db, from, dir, edge)
	if err != nil {
		return nil, err
	}
	toKey, err := RecordKey(ns, db, to)
	if err != nil {
		return nil, err
	}
	return append(rng.Beg, toKey...), nil
}

// RefPrefix returns the key range covering back-references to one record.
func RefPrefix(ns catalog.NamespaceId, db catalog.DatabaseId, to val.RecordId) (KeyRange, error) {
	toKey, err := RecordKey(ns, db, to)
	if err != nil {
		return KeyRange{}, err
	}
	beg := base(famRef, ns, db)
	beg = append(beg, toKey...)
	end := append([]byte{}, beg...)
	beg = append(beg, 0x00)
	end = append(end, 0x01)
	return KeyRange{Beg: beg, End: end}, nil
}

// RefKey returns the storage key for one back-reference entry.
func RefKey(ns catalog.NamespaceId, db catalog.DatabaseId, to, from val.RecordId) ([]byte, error) {
	rng, err := RefPrefix(ns, db, to)
	if err != nil {
		return nil, err
	}
	fromKey, err := RecordKey(ns, db, from)
	if err != nil {
		return nil, err
	}
	return append(rng.Beg, fromKey...), nil
}

// SequenceBatchRange returns the key range holding every node's batch record
// for a sequence.
func SequenceBatchRange(ns catalog.NamespaceId, db catalog.DatabaseId, seq string) KeyRange {
	beg := append(base(famSequence, ns, db), seq...)
	beg = append(beg, 0x00, 'b')
	end := append([]byte{}, beg...)
	beg = append(beg, 0x00)
	end = append(end, 0x01)
	return KeyRange{Beg: beg, End: end}
}

// SequenceBatchKey returns the key of one batch reservation record.
func SequenceBatchKey(ns catalog.NamespaceId, db catalog.DatabaseId, seq string, start int64) []byte {
	rng := SequenceBatchRange(ns, db, seq)
	return binary.BigEndian.AppendUint64(rng.Beg, uint64(start)^(1<<63))
}

// SequenceStateKey returns the key of one node's hand-out counter.
func SequenceStateKey(ns catalog.NamespaceId, db catalog.DatabaseId, seq string, node [16]byte) []byte {
	beg := append(base(famSequence, ns, db), seq...)
	beg = append(beg, 0x00, 's', 0x00)
	return append(beg, node[:]...)
}

// IndexPrefix returns the key range covering every entry of one index.
func IndexPrefix(ns catalog.NamespaceId, db catalog.DatabaseId, table, index string) KeyRange {
	beg := append(base(famIndex, ns, db), table...)
	beg = append(beg, 0x00)
	beg = append(beg, index...)
	end := append([]byte{}, beg...)
	beg = append(beg, 0x00)
	end = append(end, 0x01)
	return KeyRange{Beg: beg, End: end}
}

// IndexValueRange narrows an index to entries whose encoded field value lies
// in [lo, hi). Nil bounds leave that side open within the index.
func IndexValueRange(ns catalog.NamespaceId, db catalog.DatabaseId, table, index string, lo, hi []byte) KeyRange {
	full := IndexPrefix(ns, db, table, index)
	rng := KeyRange{Beg: full.Beg, End: full.End}
	if lo != nil {
		rng.Beg = append(append([]byte{}, full.Beg...), lo...)
	}
	if hi != nil {
		rng.End = append(append([]byte{}, full.Beg...), hi...)
	}
	return rng
}

// IndexKey returns the storage key of one index entry.
func IndexKey(ns catalog.NamespaceId, db catalog.DatabaseId, table, index string, fieldBytes []byte, rid val.RecordId) ([]byte, error) {
	rng := IndexPrefix(ns, db, table, index)
	key := append(rng.Beg, fieldBytes...)
	key = append(key, 0x00)
	ridKey, err := RecordKey(ns, db, rid)
	if err != nil {
		return nil, err
	}
	return append(key, ridKey...), nil
}

// ValueOrderBytes encodes a value in an order-preserving byte form for index
// keys. Only types with a total byte-comparable encoding qualify; the
// planner falls back to a table scan for anything else.
func ValueOrderBytes(v val.Value) ([]byte, bool) {
	switch x := v.(type) {
	case val.Int:
		buf := []byte{1}
		buf = binary.BigEndian.AppendUint64(buf, uint64(x)^(1<<63))
		return buf, true
	case val.String:
		return append([]byte{2}, x...), true
	case val.Datetime:
		buf := []byte{3}
		buf = binary.BigEndian.AppendUint64(buf, uint64(x.Time.UnixNano())^(1<<63))
		return buf, true
	case val.Uuid:
		return append([]byte{4}, x.ID[:]...), true
	case val.Bool:
		if x {
			return []byte{0, 1}, true
		}
		return []byte{0, 0}, true
	default:
		return nil, false
	}
}

// MetaKey returns the key of a datastore-wide metadata record.
func MetaKey(name string) []byte {
	return append([]byte{'/', famMeta}, name...)
}
