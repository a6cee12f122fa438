package fnc

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opal-lang/vela/core/fault"
	"github.com/opal-lang/vela/core/val"
)

func TestDistanceMetrics(t *testing.T) {
	a := []float64{1, 0, 0}
	b := []float64{0, 1, 0}
	tests := []struct {
		name string
		d    Distance
		want float64
	}{
		{"euclidean", Euclidean, math.Sqrt2},
		{"manhattan", Manhattan, 2},
		{"cosine", Cosine, 1},
		{"hamming", Hamming, 2},
		{"chebyshev", Chebyshev, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.d.Compute(a, b)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestDistanceDimensionMismatch(t *testing.T) {
	_, err := Euclidean.Compute([]float64{1}, []float64{1, 2})
	require.Error(t, err)
	assert.Equal(t, fault.KindConversion, fault.KindOf(err))
}

func TestParseDistance(t *testing.T) {
	d, err := ParseDistance("euclidean")
	require.NoError(t, err)
	assert.Equal(t, Euclidean, d)
	_, err = ParseDistance("nope")
	require.Error(t, err)
}

func TestExtractVector(t *testing.T) {
	v, ok := ExtractVector(val.Array{val.Int(1), val.Float(2.5)})
	require.True(t, ok)
	assert.Equal(t, []float64{1, 2.5}, v)

	_, ok = ExtractVector(val.Array{val.Int(1), val.String("x")})
	assert.False(t, ok)
	_, ok = ExtractVector(val.String("nope"))
	assert.False(t, ok)
	_, ok = ExtractVector(val.Array{})
	assert.False(t, ok)
}

func TestCapabilityLists(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.CheckAllowedFunction("count"))

	// Deny wins over allow, and namespace prefixes match.
	r.SetCapabilities(nil, []string{"vector::"})
	require.NoError(t, r.CheckAllowedFunction("count"))
	err := r.CheckAllowedFunction("vector::distance::euclidean")
	require.Error(t, err)
	assert.Equal(t, fault.KindPermission, fault.KindOf(err))

	// A non-empty allow list permits only its entries.
	r.SetCapabilities([]string{"count"}, nil)
	require.NoError(t, r.CheckAllowedFunction("count"))
	require.Error(t, r.CheckAllowedFunction("vector::distance::euclidean"))
}

func TestUnknownFunctionSuggestion(t *testing.T) {
	r := NewRegistry()
	err := r.CheckAllowedFunction("coutn")
	require.Error(t, err)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
	assert.Contains(t, err.Error(), "did you mean")
}

func TestKnnDistanceFunction(t *testing.T) {
	r := NewRegistry()
	rid := val.RecordId{Table: "t", Key: val.KeyInt(1)}

	// Without a KNN context the function yields NONE.
	v, err := r.Call(nil, "vector::distance::knn", []val.Value{rid})
	require.NoError(t, err)
	assert.True(t, val.Equal(val.None{}, v))

	s := &Services{Knn: stubKnn{rid: rid, d: val.Float(0.25)}}
	v, err = r.Call(s, "vector::distance::knn", []val.Value{rid})
	require.NoError(t, err)
	assert.True(t, val.Equal(val.Float(0.25), v))

	// Objects resolve through their id field.
	v, err = r.Call(s, "vector::distance::knn", []val.Value{val.Object{"id": rid}})
	require.NoError(t, err)
	assert.True(t, val.Equal(val.Float(0.25), v))
}

type stubKnn struct {
	rid val.RecordId
	d   val.Number
}

func (s stubKnn) Get(rid val.RecordId) (val.Number, bool) {
	if val.CompareRecordIds(s.rid, rid) == 0 {
		return s.d, true
	}
	return nil, false
}
