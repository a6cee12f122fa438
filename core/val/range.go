package val

import (
	"github.com/opal-lang/vela/core/fault"
)

// Bound is one end of a range. A nil *Bound means the range is open on that
// side.
type Bound struct {
	Value     Value
	Inclusive bool
}

// Range is a pair of bounds over arbitrary values.
type Range struct {
	Start *Bound
	End   *Bound
}

func (Range) isValue() {}

// IntRange is a range coerced to integers, ready for iteration.
type IntRange struct {
	Start int64
	End   int64 // exclusive
}

// CoerceIntRange converts a range value to an iterable integer range.
// Inclusive bounds are normalised to the half-open form. An open bound is a
// conversion error: the engine never iterates unbounded ranges.
func (r Range) CoerceIntRange() (IntRange, error) {
	if r.Start == nil || r.End == nil {
		return IntRange{}, fault.New(fault.KindConversion, "cannot iterate an open range")
	}
	start, err := boundInt(r.Start)
	if err != nil {
		return IntRange{}, err
	}
	end, err := boundInt(r.End)
	if err != nil {
		return IntRange{}, err
	}
	if !r.Start.Inclusive {
		start++
	}
	if r.End.Inclusive {
		end++
	}
	return IntRange{Start: start, End: end}, nil
}

func boundInt(b *Bound) (int64, error) {
	n, ok := b.Value.(Number)
	if !ok {
		return 0, fault.New(fault.KindConversion, "range bound is not a number")
	}
	return AsInt64(n)
}

// Each calls fn for every integer in the range in ascending order, stopping
// early when fn returns false.
func (r IntRange) Each(fn func(i int64) bool) {
	for i := r.Start; i < r.End; i++ {
		if !fn(i) {
			return
		}
	}
}
