// Package fnc implements the engine's built-in function layer: vector
// distance metrics for KNN, and the capability gate that decides which
// functions a deployment allows.
package fnc

import (
	"math"
	"strings"

	"github.com/opal-lang/vela/core/fault"
	"github.com/opal-lang/vela/core/val"
)

// Distance is a vector distance metric.
type Distance uint8

// Distance metrics.
const (
	Euclidean Distance = iota
	Manhattan
	Cosine
	Hamming
	Chebyshev
	Minkowski
)

// ParseDistance resolves a metric name as written in queries.
func ParseDistance(name string) (Distance, error) {
	switch strings.ToUpper(name) {
	case "EUCLIDEAN":
		return Euclidean, nil
	case "MANHATTAN":
		return Manhattan, nil
	case "COSINE":
		return Cosine, nil
	case "HAMMING":
		return Hamming, nil
	case "CHEBYSHEV":
		return Chebyshev, nil
	case "MINKOWSKI":
		return Minkowski, nil
	default:
		return 0, fault.New(fault.KindConversion, "unknown distance metric '%s'", name)
	}
}

func (d Distance) String() string {
	switch d {
	case Euclidean:
		return "EUCLIDEAN"
	case Manhattan:
		return "MANHATTAN"
	case Cosine:
		return "COSINE"
	case Hamming:
		return "HAMMING"
	case Chebyshev:
		return "CHEBYSHEV"
	default:
		return "MINKOWSKI"
	}
}

// Compute evaluates the metric over two vectors of equal dimension. The
// Minkowski order p defaults to 3 when not supplied.
func (d Distance) Compute(a, b []float64) (float64, error) {
	return d.ComputeP(a, b, 3)
}

// ComputeP is Compute with an explicit Minkowski order.
func (d Distance) ComputeP(a, b []float64, p float64) (float64, error) {
	if len(a) != len(b) {
		return 0, fault.New(fault.KindConversion,
			"the two vectors must be of the same dimension (%d vs %d)", len(a), len(b))
	}
	switch d {
	case Euclidean:
		var sum float64
		for i := range a {
			diff := a[i] - b[i]
			sum += diff * diff
		}
		return math.Sqrt(sum), nil
	case Manhattan:
		var sum float64
		for i := range a {
			sum += math.Abs(a[i] - b[i])
		}
		return sum, nil
	case Cosine:
		var dot, ma, mb float64
		for i := range a {
			dot += a[i] * b[i]
			ma += a[i] * a[i]
			mb += b[i] * b[i]
		}
		if ma == 0 || mb == 0 {
			return math.NaN(), nil
		}
		return 1 - dot/(math.Sqrt(ma)*math.Sqrt(mb)), nil
	case Hamming:
		var count float64
		for i := range a {
			if a[i] != b[i] {
				count++
			}
		}
		return count, nil
	case Chebyshev:
		var best float64
		for i := range a {
			if diff := math.Abs(a[i] - b[i]); diff > best {
				best = diff
			}
		}
		return best, nil
	case Minkowski:
		var sum float64
		for i := range a {
			sum += math.Pow(math.Abs(a[i]-b[i]), p)
		}
		return math.Pow(sum, 1/p), nil
	default:
		return 0, fault.New(fault.KindInternal, "unhandled distance metric")
	}
}

// ExtractVector reads a numeric vector out of a value. Returns false when
// the value is missing, not an array, empty, or holds non-numeric elements;
// KNN skips such rows rather than erroring.
func ExtractVector(v val.Value) ([]float64, bool) {
	arr, ok := v.(val.Array)
	if !ok || len(arr) == 0 {
		return nil, false
	}
	out := make([]float64, len(arr))
	for i, e := range arr {
		n, ok := e.(val.Number)
		if !ok {
			return nil, false
		}
		out[i] = val.AsFloat64(n)
	}
	return out, true
}
