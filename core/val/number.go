package val

import (
	"math"
	"math/big"

	"github.com/opal-lang/vela/core/fault"
)

// Number is the numeric subset of the value union: Int, Float, or Decimal.
// Arithmetic across sub-variants promotes Int -> Float -> Decimal.
type Number interface {
	Value
	isNumber()
}

// Int is a 64-bit signed integer value.
type Int int64

// Float is a 64-bit IEEE-754 value.
type Float float64

// Decimal is an arbitrary-precision numeric value.
type Decimal struct {
	f *big.Float
}

func (Int) isValue()      {}
func (Float) isValue()    {}
func (Decimal) isValue()  {}
func (Int) isNumber()     {}
func (Float) isNumber()   {}
func (Decimal) isNumber() {}

// NewDecimal builds a Decimal from a float64.
func NewDecimal(f float64) Decimal {
	return Decimal{f: big.NewFloat(f)}
}

// ParseDecimal builds a Decimal from its string form.
func ParseDecimal(s string) (Decimal, error) {
	f, _, err := big.ParseFloat(s, 10, 128, big.ToNearestEven)
	if err != nil {
		return Decimal{}, fault.New(fault.KindConversion, "cannot parse '%s' as a decimal", s)
	}
	return Decimal{f: f}, nil
}

// IsZero reports whether the decimal equals zero. The zero Decimal value is
// treated as zero.
func (d Decimal) IsZero() bool {
	return d.f == nil || d.f.Sign() == 0
}

// Float64 returns the nearest float64.
func (d Decimal) Float64() float64 {
	if d.f == nil {
		return 0
	}
	f, _ := d.f.Float64()
	return f
}

// String renders the decimal in shortest form.
func (d Decimal) String() string {
	if d.f == nil {
		return "0"
	}
	return d.f.Text('g', -1)
}

// AsFloat64 returns the float64 form of any number.
func AsFloat64(n Number) float64 {
	switch x := n.(type) {
	case Int:
		return float64(x)
	case Float:
		return float64(x)
	case Decimal:
		return x.Float64()
	default:
		return 0
	}
}

// AsInt64 converts a number to int64, detecting overflow and fractional
// loss. Failures are ignorable conversion errors.
func AsInt64(n Number) (int64, error) {
	switch x := n.(type) {
	case Int:
		return int64(x), nil
	case Float:
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) || f < math.MinInt64 || f >= math.MaxInt64 {
			return 0, fault.New(fault.KindConversion, "cannot convert %v to an integer: out of range", f)
		}
		if f != math.Trunc(f) {
			return 0, fault.New(fault.KindConversion, "cannot convert %v to an integer: not a whole number", f)
		}
		return int64(f), nil
	case Decimal:
		if x.f == nil {
			return 0, nil
		}
		i, acc := x.f.Int64()
		if acc != big.Exact {
			return 0, fault.New(fault.KindConversion, "cannot convert decimal %s to an integer exactly", x.String())
		}
		return i, nil
	default:
		return 0, fault.New(fault.KindConversion, "not a number")
	}
}

// CompareNumbers orders two numbers numerically, promoting across
// sub-variants.
func CompareNumbers(a, b Number) int {
	ai, aok := a.(Int)
	bi, bok := b.(Int)
	if aok && bok {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		default:
			return 0
		}
	}
	ad, aok := a.(Decimal)
	bd, bok := b.(Decimal)
	if aok || bok {
		var af, bf *big.Float
		if aok && ad.f != nil {
			af = ad.f
		} else {
			af = big.NewFloat(AsFloat64(a))
		}
		if bok && bd.f != nil {
			bf = bd.f
		} else {
			bf = big.NewFloat(AsFloat64(b))
		}
		return af.Cmp(bf)
	}
	af, bf := AsFloat64(a), AsFloat64(b)
	switch {
	case af < bf:
		return -1
	case af > bf:
		return 1
	default:
		return 0
	}
}

// AddNumbers adds two numbers, promoting to the wider sub-variant and
// detecting integer overflow.
func AddNumbers(a, b Number) (Number, error) {
	if ai, ok := a.(Int); ok {
		if bi, ok := b.(Int); ok {
			sum := int64(ai) + int64(bi)
			if (sum > int64(ai)) != (bi > 0) {
				return nil, fault.New(fault.KindConversion, "integer overflow in addition")
			}
			return Int(sum), nil
		}
	}
	if _, ok := a.(Decimal); ok {
		return decimalOp(a, b, func(x, y *big.Float) *big.Float { return new(big.Float).Add(x, y) }), nil
	}
	if _, ok := b.(Decimal); ok {
		return decimalOp(a, b, func(x, y *big.Float) *big.Float { return new(big.Float).Add(x, y) }), nil
	}
	return Float(AsFloat64(a) + AsFloat64(b)), nil
}

// SubNumbers subtracts b from a with the same promotion rules as AddNumbers.
func SubNumbers(a, b Number) (Number, error) {
	if ai, ok := a.(Int); ok {
		if bi, ok := b.(Int); ok {
			diff := int64(ai) - int64(bi)
			if (diff < int64(ai)) != (bi > 0) {
				return nil, fault.New(fault.KindConversion, "integer overflow in subtraction")
			}
			return Int(diff), nil
		}
	}
	if _, ok := a.(Decimal); ok {
		return decimalOp(a, b, func(x, y *big.Float) *big.Float { return new(big.Float).Sub(x, y) }), nil
	}
	if _, ok := b.(Decimal); ok {
		return decimalOp(a, b, func(x, y *big.Float) *big.Float { return new(big.Float).Sub(x, y) }), nil
	}
	return Float(AsFloat64(a) - AsFloat64(b)), nil
}

// MulNumbers multiplies two numbers with overflow detection on the integer
// path.
func MulNumbers(a, b Number) (Number, error) {
	if ai, ok := a.(Int); ok {
		if bi, ok := b.(Int); ok {
			if ai == 0 || bi == 0 {
				return Int(0), nil
			}
			prod := int64(ai) * int64(bi)
			if prod/int64(bi) != int64(ai) {
				return nil, fault.New(fault.KindConversion, "integer overflow in multiplication")
			}
			return Int(prod), nil
		}
	}
	if _, ok := a.(Decimal); ok {
		return decimalOp(a, b, func(x, y *big.Float) *big.Float { return new(big.Float).Mul(x, y) }), nil
	}
	if _, ok := b.(Decimal); ok {
		return decimalOp(a, b, func(x, y *big.Float) *big.Float { return new(big.Float).Mul(x, y) }), nil
	}
	return Float(AsFloat64(a) * AsFloat64(b)), nil
}

// DivNumbers divides a by b. Division always produces a Float or Decimal;
// dividing by zero yields NaN to match language semantics.
func DivNumbers(a, b Number) (Number, error) {
	if _, ok := a.(Decimal); ok {
		if !isZeroNumber(b) {
			return decimalOp(a, b, func(x, y *big.Float) *big.Float { return new(big.Float).Quo(x, y) }), nil
		}
	}
	bf := AsFloat64(b)
	if bf == 0 {
		return Float(math.NaN()), nil
	}
	return Float(AsFloat64(a) / bf), nil
}

func isZeroNumber(n Number) bool {
	switch x := n.(type) {
	case Int:
		return x == 0
	case Float:
		return x == 0
	case Decimal:
		return x.IsZero()
	default:
		return false
	}
}

func decimalOp(a, b Number, op func(x, y *big.Float) *big.Float) Decimal {
	return Decimal{f: op(toBig(a), toBig(b))}
}

func toBig(n Number) *big.Float {
	if d, ok := n.(Decimal); ok && d.f != nil {
		return d.f
	}
	return big.NewFloat(AsFloat64(n))
}
