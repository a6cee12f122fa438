package val

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opal-lang/vela/core/fault"
)

// Coerce converts v to conform to kind. Conversions that cannot succeed
// return an ignorable conversion error (fault.KindConversion); fixed-length
// violations return fault.KindLengthMismatch. Coerce never converts between
// unrelated types implicitly beyond the language's documented rules.
func Coerce(v Value, kind Kind) (Value, error) {
	if Is(v, kind) {
		return v, nil
	}
	switch k := kind.(type) {
	case BaseKind:
		return coerceBase(v, k)
	case OptionKind:
		if IsNoneOrNull(v) {
			return None{}, nil
		}
		return Coerce(v, k.Inner)
	case ArrayKind:
		arr, ok := v.(Array)
		if !ok {
			return nil, conversionError(v, kind)
		}
		if k.Len != nil && len(arr) != *k.Len {
			return nil, fault.New(fault.KindLengthMismatch,
				"expected an array of length %d, got length %d", *k.Len, len(arr))
		}
		out := make(Array, len(arr))
		for i, e := range arr {
			c, err := Coerce(e, k.Elem)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	case SetKind:
		arr, ok := v.(Array)
		if !ok {
			return nil, conversionError(v, kind)
		}
		out := make(Array, 0, len(arr))
		for _, e := range arr {
			c, err := Coerce(e, k.Elem)
			if err != nil {
				return nil, err
			}
			dup := false
			for _, seen := range out {
				if Equal(seen, c) {
					dup = true
					break
				}
			}
			if !dup {
				out = append(out, c)
			}
		}
		if k.Len != nil && len(out) != *k.Len {
			return nil, fault.New(fault.KindLengthMismatch,
				"expected a set of length %d, got length %d", *k.Len, len(out))
		}
		return out, nil
	case RecordKind:
		rid, ok := v.(RecordId)
		if !ok {
			return nil, conversionError(v, kind)
		}
		for _, t := range k.Tables {
			if t == rid.Table {
				return rid, nil
			}
		}
		return nil, conversionError(v, kind)
	case ObjectKind:
		obj, ok := v.(Object)
		if !ok {
			return nil, conversionError(v, kind)
		}
		out := obj.Copy()
		for name, fk := range k.Fields {
			c, err := Coerce(obj.Get(name), fk)
			if err != nil {
				return nil, err
			}
			out[name] = c
		}
		return out, nil
	case EitherKind:
		for _, m := range k.Kinds {
			if c, err := Coerce(v, m); err == nil {
				return c, nil
			}
		}
		return nil, conversionError(v, kind)
	case LiteralKind:
		if Equal(v, k.Value) {
			return v, nil
		}
		return nil, conversionError(v, kind)
	default:
		return nil, conversionError(v, kind)
	}
}

func coerceBase(v Value, k BaseKind) (Value, error) {
	switch k {
	case KindAny:
		return v, nil
	case KindBool:
		if s, ok := v.(String); ok {
			switch strings.ToLower(string(s)) {
			case "true":
				return Bool(true), nil
			case "false":
				return Bool(false), nil
			}
		}
	case KindInt:
		switch x := v.(type) {
		case Number:
			i, err := AsInt64(x)
			if err != nil {
				return nil, err
			}
			return Int(i), nil
		case String:
			i, err := strconv.ParseInt(string(x), 10, 64)
			if err != nil {
				return nil, conversionError(v, k)
			}
			return Int(i), nil
		}
	case KindFloat:
		switch x := v.(type) {
		case Number:
			return Float(AsFloat64(x)), nil
		case String:
			f, err := strconv.ParseFloat(string(x), 64)
			if err != nil {
				return nil, conversionError(v, k)
			}
			return Float(f), nil
		}
	case KindDecimal:
		switch x := v.(type) {
		case Number:
			return NewDecimal(AsFloat64(x)), nil
		case String:
			return ParseDecimal(string(x))
		}
	case KindNumber:
		if s, ok := v.(String); ok {
			if i, err := strconv.ParseInt(string(s), 10, 64); err == nil {
				return Int(i), nil
			}
			if f, err := strconv.ParseFloat(string(s), 64); err == nil {
				return Float(f), nil
			}
		}
	case KindString:
		switch x := v.(type) {
		case Int:
			return String(strconv.FormatInt(int64(x), 10)), nil
		case Float:
			return String(strconv.FormatFloat(float64(x), 'g', -1, 64)), nil
		case Decimal:
			return String(x.String()), nil
		case Bool:
			return String(strconv.FormatBool(bool(x))), nil
		case Uuid:
			return String(x.ID.String()), nil
		case Datetime:
			return String(x.Time.Format(time.RFC3339Nano)), nil
		}
	case KindDatetime:
		if s, ok := v.(String); ok {
			if t, err := time.Parse(time.RFC3339Nano, string(s)); err == nil {
				return NewDatetime(t), nil
			}
			if t, err := time.Parse("2006-01-02", string(s)); err == nil {
				return NewDatetime(t), nil
			}
		}
	case KindDuration:
		if s, ok := v.(String); ok {
			if d, err := time.ParseDuration(string(s)); err == nil {
				return Duration{Dur: d}, nil
			}
		}
	case KindUuid:
		if s, ok := v.(String); ok {
			if id, err := uuid.Parse(string(s)); err == nil {
				return Uuid{ID: id}, nil
			}
		}
	}
	return nil, conversionError(v, k)
}

func conversionError(v Value, kind Kind) error {
	return fault.New(fault.KindConversion, "expected %s but found %s", kind, KindOf(v))
}
