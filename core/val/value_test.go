package val

import (
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opal-lang/vela/core/fault"
)

func TestCompareOrdersAcrossTypes(t *testing.T) {
	// Values of different types order by type tag.
	ordered := []Value{
		None{},
		Null{},
		Bool(false),
		Int(1),
		String("a"),
		Duration{Dur: time.Second},
		NewDatetime(time.Unix(0, 0)),
		Array{Int(1)},
		Object{"a": Int(1)},
		Bytes{0x01},
		RecordId{Table: "user", Key: KeyInt(1)},
	}
	for i := 0; i < len(ordered)-1; i++ {
		assert.Negative(t, Compare(ordered[i], ordered[i+1]),
			"%T should order before %T", ordered[i], ordered[i+1])
	}
}

func TestCompareNumbersAcrossVariants(t *testing.T) {
	tests := []struct {
		name string
		a, b Number
		want int
	}{
		{"int vs int", Int(1), Int(2), -1},
		{"int vs float", Int(2), Float(1.5), 1},
		{"float vs float equal", Float(1.5), Float(1.5), 0},
		{"int vs decimal", Int(3), NewDecimal(2.5), 1},
		{"decimal vs float", NewDecimal(0.5), Float(1), -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CompareNumbers(tt.a, tt.b)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRecordIdOrdering(t *testing.T) {
	// Total order is (table, key tag, key bytes); integer keys order before
	// string keys.
	a := RecordId{Table: "user", Key: KeyInt(-5)}
	b := RecordId{Table: "user", Key: KeyInt(10)}
	c := RecordId{Table: "user", Key: KeyString("alpha")}
	d := RecordId{Table: "zoo", Key: KeyInt(1)}
	assert.Negative(t, CompareRecordIds(a, b))
	assert.Negative(t, CompareRecordIds(b, c))
	assert.Negative(t, CompareRecordIds(c, d))
	assert.Zero(t, CompareRecordIds(a, a))
}

func TestIntOverflowDetection(t *testing.T) {
	_, err := AddNumbers(Int(1<<62), Int(1<<62))
	require.Error(t, err)
	assert.Equal(t, fault.KindConversion, fault.KindOf(err))
	assert.True(t, fault.Ignorable(err))

	_, err = MulNumbers(Int(1<<32), Int(1<<32))
	require.Error(t, err)
	assert.Equal(t, fault.KindConversion, fault.KindOf(err))
}

func TestCoerce(t *testing.T) {
	tests := []struct {
		name    string
		in      Value
		kind    Kind
		want    Value
		wantErr bool
	}{
		{"string to int", String("42"), KindInt, Int(42), false},
		{"bad string to int", String("abc"), KindInt, nil, true},
		{"float to int exact", Float(3), KindInt, Int(3), false},
		{"float to int lossy", Float(3.5), KindInt, nil, true},
		{"int to string", Int(7), KindString, String("7"), false},
		{"option admits none", None{}, OptionKind{Inner: KindInt}, None{}, false},
		{"array elem coercion", Array{String("1"), String("2")}, ArrayKind{Elem: KindInt}, Array{Int(1), Int(2)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Coerce(tt.in, tt.kind)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, fault.Ignorable(err), "coercion failures must be ignorable")
				return
			}
			require.NoError(t, err)
			assert.True(t, Equal(tt.want, got), "want %v, got %v", tt.want, got)
		})
	}
}

func TestCoerceLengthMismatch(t *testing.T) {
	length := 2
	_, err := Coerce(Array{Int(1)}, ArrayKind{Elem: KindInt, Len: &length})
	require.Error(t, err)
	assert.Equal(t, fault.KindLengthMismatch, fault.KindOf(err))
	assert.True(t, fault.Ignorable(err))
}

func TestKindOfRoundTrip(t *testing.T) {
	// For every storable value: Is(v, KindOf(v)) holds, and the CBOR codec
	// round-trips it exactly.
	values := []Value{
		None{},
		Null{},
		Bool(true),
		Int(-12345),
		Float(3.25),
		String("hello"),
		Bytes{0x00, 0xff},
		NewDatetime(time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)),
		Duration{Dur: 90 * time.Second},
		Uuid{ID: uuid.MustParse("018f4d2e-0000-7000-8000-000000000000")},
		RecordId{Table: "user", Key: KeyInt(1)},
		RecordId{Table: "user", Key: KeyString("tobie")},
		Array{Int(1), String("two"), Array{Bool(false)}},
		Object{"a": Int(1), "nested": Object{"b": Null{}}},
		Range{
			Start: &Bound{Value: Int(0), Inclusive: true},
			End:   &Bound{Value: Int(10)},
		},
		Geometry{Format: "Point", Coordinates: Array{Float(1), Float(2)}},
		File{Bucket: "b", Key: "k"},
	}
	for _, v := range values {
		assert.True(t, Is(v, KindOf(v)), "Is(v, KindOf(v)) for %T", v)
		encoded, err := EncodeRow(v)
		require.NoError(t, err, "encode %T", v)
		decoded, err := DecodeRow(encoded)
		require.NoError(t, err, "decode %T", v)
		assert.True(t, Equal(v, decoded), "round-trip %T: %v != %v", v, v, decoded)
	}
}

func TestCodecRejectsClosures(t *testing.T) {
	_, err := EncodeRow(Closure{Params: []string{"x"}})
	require.Error(t, err)
}

func TestPick(t *testing.T) {
	doc := Object{
		"name": String("tobie"),
		"tags": Array{String("a"), String("b")},
		"addr": Object{"city": String("london")},
	}
	assert.True(t, Equal(String("tobie"), Pick(doc, FieldPath("name"))))
	assert.True(t, Equal(String("london"), Pick(doc, FieldPath("addr", "city"))))
	assert.True(t, Equal(String("b"), Pick(doc, Path{FieldPart{Name: "tags"}, LastPart{}})))
	assert.True(t, Equal(None{}, Pick(doc, FieldPath("missing", "deeper"))))

	all := Pick(doc, Path{FieldPart{Name: "tags"}, AllPart{}})
	assert.True(t, Equal(Array{String("a"), String("b")}, all))
}

func TestPutBuildsIntermediateObjects(t *testing.T) {
	out := Put(Object{}, FieldPath("a", "b"), Int(1))
	assert.True(t, Equal(Object{"a": Object{"b": Int(1)}}, out))
}

func TestIntRangeIteration(t *testing.T) {
	r := Range{
		Start: &Bound{Value: Int(1), Inclusive: true},
		End:   &Bound{Value: Int(4)},
	}
	ir, err := r.CoerceIntRange()
	require.NoError(t, err)
	var got []int64
	ir.Each(func(i int64) bool {
		got = append(got, i)
		return true
	})
	assert.Equal(t, []int64{1, 2, 3}, got)

	_, err = Range{}.CoerceIntRange()
	require.Error(t, err)
}

func TestCompareIsTotalOrder(t *testing.T) {
	// Property: Compare is antisymmetric and transitive over random
	// scalars.
	rng := rand.New(rand.NewSource(42))
	pool := make([]Value, 0, 64)
	for i := 0; i < 64; i++ {
		switch rng.Intn(4) {
		case 0:
			pool = append(pool, Int(rng.Int63n(100)-50))
		case 1:
			pool = append(pool, Float(rng.Float64()*10))
		case 2:
			pool = append(pool, String(string(rune('a'+rng.Intn(26)))))
		default:
			pool = append(pool, Bool(rng.Intn(2) == 0))
		}
	}
	for i := 0; i < 500; i++ {
		a := pool[rng.Intn(len(pool))]
		b := pool[rng.Intn(len(pool))]
		c := pool[rng.Intn(len(pool))]
		assert.Equal(t, -sign(Compare(b, a)), sign(Compare(a, b)))
		if Compare(a, b) <= 0 && Compare(b, c) <= 0 {
			assert.LessOrEqual(t, Compare(a, c), 0)
		}
	}
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}
