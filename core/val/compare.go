package val

import (
	"bytes"
	"strings"
)

// typeTag fixes the cross-type ordering of the value union. Values of
// different types order by tag; values of the same type order by their own
// rules below.
func typeTag(v Value) int {
	switch v.(type) {
	case None:
		return 0
	case Null:
		return 1
	case Bool:
		return 2
	case Int, Float, Decimal:
		return 3
	case String:
		return 4
	case Duration:
		return 5
	case Datetime:
		return 6
	case Uuid:
		return 7
	case Array:
		return 8
	case Object:
		return 9
	case Geometry:
		return 10
	case Bytes:
		return 11
	case RecordId:
		return 12
	case Range:
		return 13
	case File:
		return 14
	case Closure:
		return 15
	default:
		return 16
	}
}

// Compare totally orders two values: by type tag first, then per-type.
// Numbers compare numerically across sub-variants. Float comparison is
// exact; epsilon tolerance belongs in tests only.
func Compare(a, b Value) int {
	at, bt := typeTag(a), typeTag(b)
	if at != bt {
		if at < bt {
			return -1
		}
		return 1
	}
	switch x := a.(type) {
	case None, Null:
		return 0
	case Bool:
		y := b.(Bool)
		switch {
		case !bool(x) && bool(y):
			return -1
		case bool(x) && !bool(y):
			return 1
		default:
			return 0
		}
	case Int:
		return CompareNumbers(x, b.(Number))
	case Float:
		return CompareNumbers(x, b.(Number))
	case Decimal:
		return CompareNumbers(x, b.(Number))
	case String:
		return strings.Compare(string(x), string(b.(String)))
	case Duration:
		y := b.(Duration)
		switch {
		case x.Dur < y.Dur:
			return -1
		case x.Dur > y.Dur:
			return 1
		default:
			return 0
		}
	case Datetime:
		y := b.(Datetime)
		switch {
		case x.Time.Before(y.Time):
			return -1
		case x.Time.After(y.Time):
			return 1
		default:
			return 0
		}
	case Uuid:
		y := b.(Uuid)
		return bytes.Compare(x.ID[:], y.ID[:])
	case Bytes:
		return bytes.Compare(x, b.(Bytes))
	case RecordId:
		return CompareRecordIds(x, b.(RecordId))
	case Array:
		y := b.(Array)
		for i := 0; i < len(x) && i < len(y); i++ {
			if c := Compare(x[i], y[i]); c != 0 {
				return c
			}
		}
		return len(x) - len(y)
	case Object:
		y := b.(Object)
		xk, yk := x.Keys(), y.Keys()
		for i := 0; i < len(xk) && i < len(yk); i++ {
			if c := strings.Compare(xk[i], yk[i]); c != 0 {
				return c
			}
			if c := Compare(x[xk[i]], y[yk[i]]); c != 0 {
				return c
			}
		}
		return len(xk) - len(yk)
	case Range:
		y := b.(Range)
		if c := compareBound(x.Start, y.Start); c != 0 {
			return c
		}
		return compareBound(x.End, y.End)
	case Geometry:
		y := b.(Geometry)
		if c := strings.Compare(x.Format, y.Format); c != 0 {
			return c
		}
		return Compare(x.Coordinates, y.Coordinates)
	case File:
		y := b.(File)
		if c := strings.Compare(x.Bucket, y.Bucket); c != 0 {
			return c
		}
		return strings.Compare(x.Key, y.Key)
	default:
		return 0
	}
}

func compareBound(a, b *Bound) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if c := Compare(a.Value, b.Value); c != 0 {
		return c
	}
	switch {
	case a.Inclusive == b.Inclusive:
		return 0
	case a.Inclusive:
		return -1
	default:
		return 1
	}
}

// Equal reports exact equality under Compare.
func Equal(a, b Value) bool {
	return Compare(a, b) == 0
}
