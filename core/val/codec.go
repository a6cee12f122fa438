package val

import (
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/opal-lang/vela/core/fault"
)

// Row payloads are stored as CBOR. Each value serialises to a small envelope
// (type tag + body) so that decoding is unambiguous without schema context.
// Canonical encoding options keep the byte form deterministic, which the key
// helpers rely on for composite record keys.

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{DefaultMapType: nil}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Wire tags for the value envelope. Append-only: decoding depends on the
// stability of these numbers.
const (
	wireNone uint8 = iota
	wireNull
	wireBool
	wireInt
	wireFloat
	wireDecimal
	wireString
	wireBytes
	wireDatetime
	wireDuration
	wireUuid
	wireRecordId
	wireArray
	wireObject
	wireRange
	wireGeometry
	wireFile
)

type wireValue struct {
	T uint8           `cbor:"t"`
	V cbor.RawMessage `cbor:"v,omitempty"`
}

type wireRecord struct {
	Table string          `cbor:"tb"`
	Tag   uint8           `cbor:"k"`
	Key   cbor.RawMessage `cbor:"v"`
}

type wireBound struct {
	Value     cbor.RawMessage `cbor:"v"`
	Inclusive bool            `cbor:"i"`
}

type wireRangeBody struct {
	Start *wireBound `cbor:"s,omitempty"`
	End   *wireBound `cbor:"e,omitempty"`
}

type wireGeom struct {
	Format      string          `cbor:"f"`
	Coordinates cbor.RawMessage `cbor:"c"`
}

type wireFileRef struct {
	Bucket string `cbor:"b"`
	Key    string `cbor:"k"`
}

// EncodeRow serialises a storable value to its canonical CBOR form.
// Closures are not storable.
func EncodeRow(v Value) ([]byte, error) {
	w, err := toWire(v)
	if err != nil {
		return nil, err
	}
	b, err := encMode.Marshal(w)
	if err != nil {
		return nil, fault.Wrap(fault.New(fault.KindStorage, "failed to serialise row"), "%v", err)
	}
	return b, nil
}

// DecodeRow deserialises a row payload previously produced by EncodeRow.
func DecodeRow(b []byte) (Value, error) {
	var w wireValue
	if err := decMode.Unmarshal(b, &w); err != nil {
		return nil, fault.New(fault.KindStorage, "corrupted row payload: %v", err)
	}
	return fromWire(w)
}

func toWire(v Value) (wireValue, error) {
	marshal := func(t uint8, body any) (wireValue, error) {
		raw, err := encMode.Marshal(body)
		if err != nil {
			return wireValue{}, fault.New(fault.KindStorage, "failed to serialise value: %v", err)
		}
		return wireValue{T: t, V: raw}, nil
	}
	switch x := v.(type) {
	case nil, None:
		return wireValue{T: wireNone}, nil
	case Null:
		return wireValue{T: wireNull}, nil
	case Bool:
		return marshal(wireBool, bool(x))
	case Int:
		return marshal(wireInt, int64(x))
	case Float:
		return marshal(wireFloat, float64(x))
	case Decimal:
		return marshal(wireDecimal, x.String())
	case String:
		return marshal(wireString, string(x))
	case Bytes:
		return marshal(wireBytes, []byte(x))
	case Datetime:
		return marshal(wireDatetime, x.Time.Format(time.RFC3339Nano))
	case Duration:
		return marshal(wireDuration, int64(x.Dur))
	case Uuid:
		return marshal(wireUuid, x.ID[:])
	case RecordId:
		keyWire, err := recordKeyToWire(x.Key)
		if err != nil {
			return wireValue{}, err
		}
		return marshal(wireRecordId, keyWire(x.Table))
	case Array:
		items := make([]wireValue, len(x))
		for i, e := range x {
			w, err := toWire(e)
			if err != nil {
				return wireValue{}, err
			}
			items[i] = w
		}
		return marshal(wireArray, items)
	case Object:
		fields := make(map[string]wireValue, len(x))
		for k, e := range x {
			w, err := toWire(e)
			if err != nil {
				return wireValue{}, err
			}
			fields[k] = w
		}
		return marshal(wireObject, fields)
	case Range:
		wr := wireRangeBody{}
		var err error
		if wr.Start, err = boundToWire(x.Start); err != nil {
			return wireValue{}, err
		}
		if wr.End, err = boundToWire(x.End); err != nil {
			return wireValue{}, err
		}
		return marshal(wireRange, wr)
	case Geometry:
		coords, err := toWire(x.Coordinates)
		if err != nil {
			return wireValue{}, err
		}
		raw, err := encMode.Marshal(coords)
		if err != nil {
			return wireValue{}, fault.New(fault.KindStorage, "failed to serialise geometry: %v", err)
		}
		return marshal(wireGeometry, wireGeom{Format: x.Format, Coordinates: raw})
	case File:
		return marshal(wireFile, wireFileRef{Bucket: x.Bucket, Key: x.Key})
	case Closure:
		return wireValue{}, fault.New(fault.KindConversion, "closures cannot be stored")
	default:
		return wireValue{}, fault.New(fault.KindStorage, "unsupported value type %T", v)
	}
}

func recordKeyToWire(key RecordIdKey) (func(table string) wireRecord, error) {
	var tag uint8
	var body any
	switch k := key.(type) {
	case KeyString:
		tag, body = 0, string(k)
	case KeyInt:
		tag, body = 1, int64(k)
	case KeyUuid:
		tag, body = 2, k.ID[:]
	case KeyArray:
		w, err := toWire(Array(k))
		if err != nil {
			return nil, err
		}
		tag, body = 3, w
	case KeyObject:
		w, err := toWire(Object(k))
		if err != nil {
			return nil, err
		}
		tag, body = 4, w
	default:
		return nil, fault.New(fault.KindConversion, "record key of type %T cannot be stored", key)
	}
	raw, err := encMode.Marshal(body)
	if err != nil {
		return nil, fault.New(fault.KindStorage, "failed to serialise record key: %v", err)
	}
	return func(table string) wireRecord {
		return wireRecord{Table: table, Tag: tag, Key: raw}
	}, nil
}

func boundToWire(b *Bound) (*wireBound, error) {
	if b == nil {
		return nil, nil
	}
	w, err := toWire(b.Value)
	if err != nil {
		return nil, err
	}
	raw, err := encMode.Marshal(w)
	if err != nil {
		return nil, fault.New(fault.KindStorage, "failed to serialise range bound: %v", err)
	}
	return &wireBound{Value: raw, Inclusive: b.Inclusive}, nil
}

func fromWire(w wireValue) (Value, error) {
	switch w.T {
	case wireNone:
		return None{}, nil
	case wireNull:
		return Null{}, nil
	case wireBool:
		var b bool
		if err := decMode.Unmarshal(w.V, &b); err != nil {
			return nil, corrupted(err)
		}
		return Bool(b), nil
	case wireInt:
		var i int64
		if err := decMode.Unmarshal(w.V, &i); err != nil {
			return nil, corrupted(err)
		}
		return Int(i), nil
	case wireFloat:
		var f float64
		if err := decMode.Unmarshal(w.V, &f); err != nil {
			return nil, corrupted(err)
		}
		return Float(f), nil
	case wireDecimal:
		var s string
		if err := decMode.Unmarshal(w.V, &s); err != nil {
			return nil, corrupted(err)
		}
		return ParseDecimal(s)
	case wireString:
		var s string
		if err := decMode.Unmarshal(w.V, &s); err != nil {
			return nil, corrupted(err)
		}
		return String(s), nil
	case wireBytes:
		var b []byte
		if err := decMode.Unmarshal(w.V, &b); err != nil {
			return nil, corrupted(err)
		}
		return Bytes(b), nil
	case wireDatetime:
		var s string
		if err := decMode.Unmarshal(w.V, &s); err != nil {
			return nil, corrupted(err)
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, corrupted(err)
		}
		return NewDatetime(t), nil
	case wireDuration:
		var d int64
		if err := decMode.Unmarshal(w.V, &d); err != nil {
			return nil, corrupted(err)
		}
		return Duration{Dur: time.Duration(d)}, nil
	case wireUuid:
		var b []byte
		if err := decMode.Unmarshal(w.V, &b); err != nil {
			return nil, corrupted(err)
		}
		id, err := uuid.FromBytes(b)
		if err != nil {
			return nil, corrupted(err)
		}
		return Uuid{ID: id}, nil
	case wireRecordId:
		var wr wireRecord
		if err := decMode.Unmarshal(w.V, &wr); err != nil {
			return nil, corrupted(err)
		}
		return recordFromWire(wr)
	case wireArray:
		var items []wireValue
		if err := decMode.Unmarshal(w.V, &items); err != nil {
			return nil, corrupted(err)
		}
		out := make(Array, len(items))
		for i, item := range items {
			v, err := fromWire(item)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case wireObject:
		var fields map[string]wireValue
		if err := decMode.Unmarshal(w.V, &fields); err != nil {
			return nil, corrupted(err)
		}
		out := make(Object, len(fields))
		for k, item := range fields {
			v, err := fromWire(item)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	case wireRange:
		var wr wireRangeBody
		if err := decMode.Unmarshal(w.V, &wr); err != nil {
			return nil, corrupted(err)
		}
		r := Range{}
		var err error
		if r.Start, err = boundFromWire(wr.Start); err != nil {
			return nil, err
		}
		if r.End, err = boundFromWire(wr.End); err != nil {
			return nil, err
		}
		return r, nil
	case wireGeometry:
		var wg wireGeom
		if err := decMode.Unmarshal(w.V, &wg); err != nil {
			return nil, corrupted(err)
		}
		var inner wireValue
		if err := decMode.Unmarshal(wg.Coordinates, &inner); err != nil {
			return nil, corrupted(err)
		}
		coords, err := fromWire(inner)
		if err != nil {
			return nil, err
		}
		return Geometry{Format: wg.Format, Coordinates: coords}, nil
	case wireFile:
		var wf wireFileRef
		if err := decMode.Unmarshal(w.V, &wf); err != nil {
			return nil, corrupted(err)
		}
		return File{Bucket: wf.Bucket, Key: wf.Key}, nil
	default:
		return nil, fault.New(fault.KindStorage, "unknown wire tag %d in row payload", w.T)
	}
}

func recordFromWire(wr wireRecord) (Value, error) {
	switch wr.Tag {
	case 0:
		var s string
		if err := decMode.Unmarshal(wr.Key, &s); err != nil {
			return nil, corrupted(err)
		}
		return RecordId{Table: wr.Table, Key: KeyString(s)}, nil
	case 1:
		var i int64
		if err := decMode.Unmarshal(wr.Key, &i); err != nil {
			return nil, corrupted(err)
		}
		return RecordId{Table: wr.Table, Key: KeyInt(i)}, nil
	case 2:
		var b []byte
		if err := decMode.Unmarshal(wr.Key, &b); err != nil {
			return nil, corrupted(err)
		}
		id, err := uuid.FromBytes(b)
		if err != nil {
			return nil, corrupted(err)
		}
		return RecordId{Table: wr.Table, Key: KeyUuid{ID: id}}, nil
	case 3:
		var inner wireValue
		if err := decMode.Unmarshal(wr.Key, &inner); err != nil {
			return nil, corrupted(err)
		}
		v, err := fromWire(inner)
		if err != nil {
			return nil, err
		}
		arr, ok := v.(Array)
		if !ok {
			return nil, fault.New(fault.KindStorage, "corrupted composite record key")
		}
		return RecordId{Table: wr.Table, Key: KeyArray(arr)}, nil
	case 4:
		var inner wireValue
		if err := decMode.Unmarshal(wr.Key, &inner); err != nil {
			return nil, corrupted(err)
		}
		v, err := fromWire(inner)
		if err != nil {
			return nil, err
		}
		obj, ok := v.(Object)
		if !ok {
			return nil, fault.New(fault.KindStorage, "corrupted composite record key")
		}
		return RecordId{Table: wr.Table, Key: KeyObject(obj)}, nil
	default:
		return nil, fault.New(fault.KindStorage, "unknown record key tag %d", wr.Tag)
	}
}

func boundFromWire(wb *wireBound) (*Bound, error) {
	if wb == nil {
		return nil, nil
	}
	var inner wireValue
	if err := decMode.Unmarshal(wb.Value, &inner); err != nil {
		return nil, corrupted(err)
	}
	v, err := fromWire(inner)
	if err != nil {
		return nil, err
	}
	return &Bound{Value: v, Inclusive: wb.Inclusive}, nil
}

func corrupted(err error) error {
	return fault.New(fault.KindStorage, "corrupted row payload: %v", err)
}
