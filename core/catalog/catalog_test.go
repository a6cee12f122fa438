package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opal-lang/vela/core/expr"
	"github.com/opal-lang/vela/core/fault"
)

func TestComputedOrderFollowsDependencies(t *testing.T) {
	def := &TableDefinition{
		Name: "item",
		Fields: []FieldDefinition{
			{Name: "total", Value: expr.Literal{}, ComputedDeps: []string{"price", "qty"}},
			{Name: "price", Value: expr.Literal{}},
			{Name: "qty", Default: expr.Literal{}},
		},
	}
	order, err := def.ComputedOrder()
	require.NoError(t, err)
	names := make([]string, len(order))
	for i, idx := range order {
		names[i] = def.Fields[idx].Name
	}
	// Dependencies come before their dependents.
	assert.Equal(t, []string{"price", "qty", "total"}, names)
}

func TestComputedOrderRejectsCycles(t *testing.T) {
	def := &TableDefinition{
		Name: "cyc",
		Fields: []FieldDefinition{
			{Name: "a", Value: expr.Literal{}, ComputedDeps: []string{"b"}},
			{Name: "b", Value: expr.Literal{}, ComputedDeps: []string{"a"}},
		},
	}
	_, err := def.ComputedOrder()
	require.Error(t, err)
	assert.Equal(t, fault.KindSchema, fault.KindOf(err))
}

func TestModelDigestVerification(t *testing.T) {
	model := NewModelDefinition("classify", "1.0.0", []byte{0x01, 0x02, 0x03})
	require.NoError(t, model.Verify())

	// A tampered blob no longer matches its digest.
	model.Blob[0] ^= 0xff
	err := model.Verify()
	require.Error(t, err)
	assert.Equal(t, fault.KindStorage, fault.KindOf(err))
}

func TestMemProviderModelVerifiesOnRead(t *testing.T) {
	m := NewMemProvider()
	model := NewModelDefinition("classify", "1.0.0", []byte("weights"))
	m.Models["classify@1.0.0"] = &model

	got, err := m.Model(1, 1, "classify", "1.0.0")
	require.NoError(t, err)
	require.NotNil(t, got)

	model.Blob[0] ^= 0xff
	_, err = m.Model(1, 1, "classify", "1.0.0")
	require.Error(t, err)
}

func TestIndexSpecificity(t *testing.T) {
	regular := &IndexDefinition{Kind: IndexRegular, Fields: make([]expr.Idiom, 2)}
	unique := &IndexDefinition{Kind: IndexUnique, Fields: make([]expr.Idiom, 1)}
	assert.Greater(t, unique.Specificity(), regular.Specificity())
}
