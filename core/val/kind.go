package val

import (
	"fmt"
	"strings"
)

// Kind is a structural type schema. A kind either names a base type, wraps
// another kind (option, array, set), constrains record tables, describes an
// object literal, or unions several kinds.
type Kind interface {
	isKind()
	String() string
}

// BaseKind names one of the scalar base types.
type BaseKind uint8

// Base kinds, in declaration order.
const (
	KindAny BaseKind = iota
	KindNone
	KindNull
	KindBool
	KindInt
	KindFloat
	KindDecimal
	KindNumber
	KindString
	KindBytes
	KindDatetime
	KindDuration
	KindUuid
	KindRange
	KindGeometry
	KindFile
	KindClosure
	KindObjectAny
)

// OptionKind admits None in addition to the inner kind.
type OptionKind struct {
	Inner Kind
}

// ArrayKind is an array of Elem, optionally of fixed length.
type ArrayKind struct {
	Elem Kind
	Len  *int
}

// SetKind is an array with unique elements.
type SetKind struct {
	Elem Kind
	Len  *int
}

// RecordKind admits record ids, optionally restricted to given tables.
type RecordKind struct {
	Tables []string
}

// ObjectKind is an object literal with named, typed fields.
type ObjectKind struct {
	Fields map[string]Kind
}

// EitherKind is a union of kinds; a value conforms if any member admits it.
type EitherKind struct {
	Kinds []Kind
}

// LiteralKind admits exactly one value.
type LiteralKind struct {
	Value Value
}

func (BaseKind) isKind()    {}
func (OptionKind) isKind()  {}
func (ArrayKind) isKind()   {}
func (SetKind) isKind()     {}
func (RecordKind) isKind()  {}
func (ObjectKind) isKind()  {}
func (EitherKind) isKind()  {}
func (LiteralKind) isKind() {}

func (k BaseKind) String() string {
	switch k {
	case KindAny:
		return "any"
	case KindNone:
		return "none"
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindDecimal:
		return "decimal"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindDatetime:
		return "datetime"
	case KindDuration:
		return "duration"
	case KindUuid:
		return "uuid"
	case KindRange:
		return "range"
	case KindGeometry:
		return "geometry"
	case KindFile:
		return "file"
	case KindClosure:
		return "function"
	case KindObjectAny:
		return "object"
	default:
		return "unknown"
	}
}

func (k OptionKind) String() string { return fmt.Sprintf("option<%s>", k.Inner) }

func (k ArrayKind) String() string {
	if k.Len != nil {
		return fmt.Sprintf("array<%s, %d>", k.Elem, *k.Len)
	}
	return fmt.Sprintf("array<%s>", k.Elem)
}

func (k SetKind) String() string {
	if k.Len != nil {
		return fmt.Sprintf("set<%s, %d>", k.Elem, *k.Len)
	}
	return fmt.Sprintf("set<%s>", k.Elem)
}

func (k RecordKind) String() string {
	if len(k.Tables) == 0 {
		return "record"
	}
	return fmt.Sprintf("record<%s>", strings.Join(k.Tables, " | "))
}

func (k ObjectKind) String() string { return "object" }

func (k EitherKind) String() string {
	parts := make([]string, len(k.Kinds))
	for i, m := range k.Kinds {
		parts[i] = m.String()
	}
	return strings.Join(parts, " | ")
}

func (k LiteralKind) String() string { return fmt.Sprintf("%v", k.Value) }

// KindOf returns the most specific base-level kind of v.
func KindOf(v Value) Kind {
	switch x := v.(type) {
	case None:
		return KindNone
	case Null:
		return KindNull
	case Bool:
		return KindBool
	case Int:
		return KindInt
	case Float:
		return KindFloat
	case Decimal:
		return KindDecimal
	case String:
		return KindString
	case Bytes:
		return KindBytes
	case Datetime:
		return KindDatetime
	case Duration:
		return KindDuration
	case Uuid:
		return KindUuid
	case Range:
		return KindRange
	case Geometry:
		return KindGeometry
	case File:
		return KindFile
	case Closure:
		return KindClosure
	case RecordId:
		return RecordKind{Tables: []string{x.Table}}
	case Array:
		return ArrayKind{Elem: KindAny}
	case Object:
		return KindObjectAny
	default:
		return KindAny
	}
}

// Is reports whether v conforms to kind without conversion.
func Is(v Value, kind Kind) bool {
	switch k := kind.(type) {
	case BaseKind:
		return baseIs(v, k)
	case OptionKind:
		if _, ok := v.(None); ok {
			return true
		}
		return Is(v, k.Inner)
	case ArrayKind:
		arr, ok := v.(Array)
		if !ok {
			return false
		}
		if k.Len != nil && len(arr) != *k.Len {
			return false
		}
		for _, e := range arr {
			if !Is(e, k.Elem) {
				return false
			}
		}
		return true
	case SetKind:
		arr, ok := v.(Array)
		if !ok {
			return false
		}
		if k.Len != nil && len(arr) != *k.Len {
			return false
		}
		for i, e := range arr {
			if !Is(e, k.Elem) {
				return false
			}
			for j := 0; j < i; j++ {
				if Equal(arr[j], e) {
					return false
				}
			}
		}
		return true
	case RecordKind:
		rid, ok := v.(RecordId)
		if !ok {
			return false
		}
		if len(k.Tables) == 0 {
			return true
		}
		for _, t := range k.Tables {
			if t == rid.Table {
				return true
			}
		}
		return false
	case ObjectKind:
		obj, ok := v.(Object)
		if !ok {
			return false
		}
		for name, fk := range k.Fields {
			if !Is(obj.Get(name), fk) {
				return false
			}
		}
		return true
	case EitherKind:
		for _, m := range k.Kinds {
			if Is(v, m) {
				return true
			}
		}
		return false
	case LiteralKind:
		return Equal(v, k.Value)
	default:
		return false
	}
}

func baseIs(v Value, k BaseKind) bool {
	switch k {
	case KindAny:
		return true
	case KindNone:
		_, ok := v.(None)
		return ok
	case KindNull:
		_, ok := v.(Null)
		return ok
	case KindBool:
		_, ok := v.(Bool)
		return ok
	case KindInt:
		_, ok := v.(Int)
		return ok
	case KindFloat:
		_, ok := v.(Float)
		return ok
	case KindDecimal:
		_, ok := v.(Decimal)
		return ok
	case KindNumber:
		_, ok := v.(Number)
		return ok
	case KindString:
		_, ok := v.(String)
		return ok
	case KindBytes:
		_, ok := v.(Bytes)
		return ok
	case KindDatetime:
		_, ok := v.(Datetime)
		return ok
	case KindDuration:
		_, ok := v.(Duration)
		return ok
	case KindUuid:
		_, ok := v.(Uuid)
		return ok
	case KindRange:
		_, ok := v.(Range)
		return ok
	case KindGeometry:
		_, ok := v.(Geometry)
		return ok
	case KindFile:
		_, ok := v.(File)
		return ok
	case KindClosure:
		_, ok := v.(Closure)
		return ok
	case KindObjectAny:
		_, ok := v.(Object)
		return ok
	default:
		return false
	}
}
