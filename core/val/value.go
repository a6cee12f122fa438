// Package val defines the runtime value model: a tagged union over every
// type the engine can store or compute, the structural Kind schema used for
// coercion, total ordering across values, and the CBOR row codec.
package val

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Value is the runtime tagged union. Every variant is a small concrete type;
// the marker method keeps the set closed within this package.
type Value interface {
	isValue()
}

// None is the absence of a value. Field projections that fail ignorably
// produce None.
type None struct{}

// Null is an explicit SQL-style null, distinct from None.
type Null struct{}

// Bool is a boolean value.
type Bool bool

// String is a UTF-8 string value.
type String string

// Bytes is an opaque byte string value.
type Bytes []byte

// Datetime is an instant in time, stored in UTC.
type Datetime struct {
	Time time.Time
}

// Duration is a span of time.
type Duration struct {
	Dur time.Duration
}

// Uuid is a universally unique identifier value.
type Uuid struct {
	ID uuid.UUID
}

// Array is an ordered sequence of values.
type Array []Value

// Object is a keyed map of values. Iteration order is stable: Keys returns
// the field names sorted.
type Object map[string]Value

// Geometry is a GeoJSON-shaped geometry value. Only the parts the engine
// stores and compares; spatial operations live elsewhere.
type Geometry struct {
	Format      string
	Coordinates Value
}

// File references content in an external bucket.
type File struct {
	Bucket string
	Key    string
}

// Closure is an opaque callable captured from the surface language. The
// engine stores and moves closures; invoking them is the function layer's
// concern.
type Closure struct {
	Params []string
	Body   any
}

func (None) isValue()     {}
func (Null) isValue()     {}
func (Bool) isValue()     {}
func (String) isValue()   {}
func (Bytes) isValue()    {}
func (Datetime) isValue() {}
func (Duration) isValue() {}
func (Uuid) isValue()     {}
func (Array) isValue()    {}
func (Object) isValue()   {}
func (Geometry) isValue() {}
func (File) isValue()     {}
func (Closure) isValue()  {}

// Keys returns the object's field names in sorted order. All object
// iteration in the engine goes through this to stay deterministic.
func (o Object) Keys() []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns the field value, or None when absent.
func (o Object) Get(key string) Value {
	if v, ok := o[key]; ok {
		return v
	}
	return None{}
}

// Copy returns a shallow copy of the object.
func (o Object) Copy() Object {
	out := make(Object, len(o))
	for k, v := range o {
		out[k] = v
	}
	return out
}

// NewDatetime builds a Datetime value normalised to UTC.
func NewDatetime(t time.Time) Datetime {
	return Datetime{Time: t.UTC()}
}

// Truthy reports whether a value counts as true in predicate position.
// None, Null, false, zero numbers, and empty strings/collections are falsy.
func Truthy(v Value) bool {
	switch x := v.(type) {
	case None, Null:
		return false
	case Bool:
		return bool(x)
	case Int:
		return x != 0
	case Float:
		return x != 0
	case Decimal:
		return !x.IsZero()
	case String:
		return x != ""
	case Array:
		return len(x) > 0
	case Object:
		return len(x) > 0
	case Bytes:
		return len(x) > 0
	default:
		return true
	}
}

// IsNoneOrNull reports whether v is None or Null.
func IsNoneOrNull(v Value) bool {
	switch v.(type) {
	case None, Null:
		return true
	default:
		return false
	}
}

// Clone returns a deep copy of v. Scalars are value types already; only
// containers allocate.
func Clone(v Value) Value {
	switch x := v.(type) {
	case Array:
		out := make(Array, len(x))
		for i, e := range x {
			out[i] = Clone(e)
		}
		return out
	case Object:
		out := make(Object, len(x))
		for k, e := range x {
			out[k] = Clone(e)
		}
		return out
	case Bytes:
		out := make(Bytes, len(x))
		copy(out, x)
		return out
	case Range:
		return Range{Start: cloneBound(x.Start), End: cloneBound(x.End)}
	default:
		return v
	}
}

func cloneBound(b *Bound) *Bound {
	if b == nil {
		return nil
	}
	return &Bound{Value: Clone(b.Value), Inclusive: b.Inclusive}
}
