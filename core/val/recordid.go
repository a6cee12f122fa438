package val

import (
	"bytes"
	"encoding/binary"

	"github.com/google/uuid"
)

// RecordId identifies a record as a (table, key) pair. Record ids are
// totally ordered lexicographically by table, then key-kind tag, then key
// bytes, so they sort the same way the KV layer stores them.
type RecordId struct {
	Table string
	Key   RecordIdKey
}

func (RecordId) isValue() {}

// RecordIdKey is the key half of a record id.
type RecordIdKey interface {
	isRecordIdKey()
	// tag orders key kinds relative to each other.
	tag() uint8
	// orderBytes produces the byte form used for lexicographic ordering.
	orderBytes() []byte
}

// KeyString is a string record key.
type KeyString string

// KeyInt is an integer record key.
type KeyInt int64

// KeyUuid is a UUID record key.
type KeyUuid struct {
	ID uuid.UUID
}

// KeyArray is a composite array record key.
type KeyArray []Value

// KeyObject is a composite object record key.
type KeyObject Object

// GenerateKind selects how a key is generated for a record without an
// explicit id.
type GenerateKind uint8

const (
	// GenerateRand produces a random 20-character alphanumeric key.
	GenerateRand GenerateKind = iota
	// GenerateUlid produces a time-sortable unique key.
	GenerateUlid
	// GenerateUuid produces a UUID v7 key.
	GenerateUuid
)

// KeyGenerate is a placeholder key resolved at write time.
type KeyGenerate struct {
	Kind GenerateKind
}

func (KeyString) isRecordIdKey()   {}
func (KeyInt) isRecordIdKey()      {}
func (KeyUuid) isRecordIdKey()     {}
func (KeyArray) isRecordIdKey()    {}
func (KeyObject) isRecordIdKey()   {}
func (KeyGenerate) isRecordIdKey() {}

func (KeyInt) tag() uint8      { return 1 }
func (KeyString) tag() uint8   { return 2 }
func (KeyUuid) tag() uint8     { return 3 }
func (KeyArray) tag() uint8    { return 4 }
func (KeyObject) tag() uint8   { return 5 }
func (KeyGenerate) tag() uint8 { return 6 }

func (k KeyInt) orderBytes() []byte {
	// Flip the sign bit so negative keys sort before positive ones.
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(k)^(1<<63))
	return buf[:]
}

func (k KeyString) orderBytes() []byte { return []byte(k) }

func (k KeyUuid) orderBytes() []byte { return k.ID[:] }

func (k KeyArray) orderBytes() []byte {
	var buf bytes.Buffer
	for _, v := range k {
		b, err := EncodeRow(v)
		if err != nil {
			continue
		}
		buf.Write(b)
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func (k KeyObject) orderBytes() []byte {
	var buf bytes.Buffer
	for _, field := range Object(k).Keys() {
		buf.WriteString(field)
		buf.WriteByte(0)
		b, err := EncodeRow(Object(k)[field])
		if err != nil {
			continue
		}
		buf.Write(b)
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func (KeyGenerate) orderBytes() []byte { return nil }

// KeyTag exposes the ordering tag of a record key for key encoders.
func KeyTag(key RecordIdKey) uint8 {
	if key == nil {
		return 0
	}
	return key.tag()
}

// KeyOrderBytes exposes the ordering byte form of a record key for key
// encoders. The KV key layout embeds these bytes so the stored order matches
// CompareRecordIds.
func KeyOrderBytes(key RecordIdKey) []byte {
	if key == nil {
		return nil
	}
	return key.orderBytes()
}

// CompareRecordIds orders two record ids by (table, key tag, key bytes).
func CompareRecordIds(a, b RecordId) int {
	if c := bytes.Compare([]byte(a.Table), []byte(b.Table)); c != 0 {
		return c
	}
	if a.Key == nil || b.Key == nil {
		switch {
		case a.Key == nil && b.Key == nil:
			return 0
		case a.Key == nil:
			return -1
		default:
			return 1
		}
	}
	if c := int(a.Key.tag()) - int(b.Key.tag()); c != 0 {
		if c < 0 {
			return -1
		}
		return 1
	}
	return bytes.Compare(a.Key.orderBytes(), b.Key.orderBytes())
}
