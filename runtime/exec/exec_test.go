package exec

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opal-lang/vela/core/catalog"
	"github.com/opal-lang/vela/core/fault"
	"github.com/opal-lang/vela/core/flow"
	"github.com/opal-lang/vela/core/val"
)

func TestContextLevels(t *testing.T) {
	root := NewRootContext(&RootContext{})
	assert.Equal(t, LevelRoot, root.Level())
	_, err := root.Namespace()
	assert.ErrorIs(t, err, fault.ErrNsEmpty)
	_, err = root.Database()
	assert.ErrorIs(t, err, fault.ErrDbEmpty)
	_, err = root.Txn()
	require.Error(t, err)

	db := NewDatabaseContext(&RootContext{},
		&catalog.NamespaceDefinition{ID: 1, Name: "ns"},
		&catalog.DatabaseDefinition{ID: 1, Name: "db"}, nil)
	assert.Equal(t, LevelDatabase, db.Level())
	nsCtx, err := db.Namespace()
	require.NoError(t, err)
	assert.Equal(t, "ns", nsCtx.NS.Name)
	dbCtx, err := db.Database()
	require.NoError(t, err)
	assert.Equal(t, "db", dbCtx.DB.Name)
}

func TestWithParamIsImmutablePerContext(t *testing.T) {
	ctx := NewRootContext(&RootContext{Params: map[string]val.Value{"a": val.Int(1)}})
	child := ctx.WithParam("b", val.Int(2))

	// The parent never observes the child's binding.
	assert.True(t, val.Equal(val.None{}, ctx.Param("b")))
	assert.True(t, val.Equal(val.Int(2), child.Param("b")))
	assert.True(t, val.Equal(val.Int(1), child.Param("a")))

	// The cancellation token is shared by reference.
	assert.Same(t, ctx.Cancellation(), child.Cancellation())
}

func TestCancellationIsSharedAndIdempotent(t *testing.T) {
	ctx := NewRootContext(&RootContext{})
	child := ctx.WithCurrentValue(val.Int(1))
	assert.False(t, ctx.Cancellation().IsCancelled())
	child.Cancellation().Cancel()
	child.Cancellation().Cancel() // idempotent
	assert.True(t, ctx.Cancellation().IsCancelled())
	select {
	case <-ctx.Cancellation().Done():
	default:
		t.Fatal("done channel should be closed")
	}
}

func TestAccessModeCombine(t *testing.T) {
	assert.Equal(t, ReadOnly, ReadOnly.Combine(ReadOnly))
	assert.Equal(t, ReadWrite, ReadOnly.Combine(ReadWrite))
	assert.Equal(t, ReadWrite, ReadWrite.Combine(ReadOnly))
}

func TestMonitorStreamCounts(t *testing.T) {
	var metrics OperatorMetrics
	stream := MonitorStream(OnceStream(ValueBatch{val.Int(1), val.Int(2)}), &metrics)
	values, err := CollectAll(context.Background(), stream)
	require.NoError(t, err)
	assert.Len(t, values, 2)
	assert.Equal(t, int64(2), metrics.Rows())
	assert.Equal(t, int64(1), metrics.Batches())
}

func TestBufferStreamPreservesOrderAndErrors(t *testing.T) {
	batches := []ValueBatch{{val.Int(1)}, {val.Int(2)}, {val.Int(3)}}
	i := 0
	inner := FuncStream(func(ctx context.Context) (ValueBatch, error) {
		if i >= len(batches) {
			return nil, nil
		}
		b := batches[i]
		i++
		return b, nil
	})
	stream := BufferStream(inner, ReadOnly, Bounded(3))
	values, err := CollectAll(context.Background(), stream)
	require.NoError(t, err)
	assert.True(t, val.Equal(val.Array{val.Int(1), val.Int(2), val.Int(3)}, val.Array(values)))
}

// doubler doubles the current value; used to exercise batch evaluation.
type doubler struct {
	mode AccessMode
}

func (d *doubler) Name() string                  { return "doubler" }
func (d *doubler) AccessMode() AccessMode        { return d.mode }
func (d *doubler) RequiredContext() ContextLevel { return LevelRoot }
func (d *doubler) EmbeddedOperators() []Operator { return nil }

func (d *doubler) Evaluate(ec EvalContext) (val.Value, error) {
	n, ok := ec.Current().(val.Int)
	if !ok {
		return nil, fault.New(fault.KindConversion, "not an int")
	}
	return val.Int(n * 2), nil
}

func (d *doubler) EvaluateBatch(ec EvalContext, values []val.Value) ([]val.Value, error) {
	return EvaluateBatchAuto(d, ec, values)
}

func TestEvaluateBatchAutoPreservesInputOrder(t *testing.T) {
	ctx := NewRootContext(&RootContext{})
	ec := EvalContext{Ctx: context.Background(), Exec: ctx}
	input := make([]val.Value, 100)
	for i := range input {
		input[i] = val.Int(int64(i))
	}
	for _, mode := range []AccessMode{ReadOnly, ReadWrite} {
		d := &doubler{mode: mode}
		out, err := d.EvaluateBatch(ec, input)
		require.NoError(t, err)
		require.Len(t, out, 100)
		for i, v := range out {
			assert.True(t, val.Equal(val.Int(int64(i*2)), v), "row %d", i)
		}
	}
}

func TestPermissionCheck(t *testing.T) {
	ctx := NewRootContext(&RootContext{})
	ec := EvalContext{Ctx: context.Background(), Exec: ctx}

	ok, err := AllowPermission().Check(ec, val.Object{})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = DenyPermission().Check(ec, val.Object{})
	require.NoError(t, err)
	assert.False(t, ok)

	cond := &truthyField{name: "public"}
	ok, err = WherePermission(cond).Check(ec, val.Object{"public": val.Bool(true)})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = WherePermission(cond).Check(ec, val.Object{"public": val.Bool(false)})
	require.NoError(t, err)
	assert.False(t, ok)
}

type truthyField struct {
	name string
}

func (f *truthyField) Name() string                  { return "field" }
func (f *truthyField) AccessMode() AccessMode        { return ReadOnly }
func (f *truthyField) RequiredContext() ContextLevel { return LevelRoot }
func (f *truthyField) EmbeddedOperators() []Operator { return nil }

func (f *truthyField) Evaluate(ec EvalContext) (val.Value, error) {
	obj, ok := ec.Current().(val.Object)
	if !ok {
		return val.Bool(false), nil
	}
	return obj.Get(f.name), nil
}

func (f *truthyField) EvaluateBatch(ec EvalContext, values []val.Value) ([]val.Value, error) {
	return EvaluateBatchSeq(f, ec, values)
}

func TestKnnContext(t *testing.T) {
	knn := NewKnnContext()
	ridA := val.RecordId{Table: "t", Key: val.KeyInt(1)}
	ridB := val.RecordId{Table: "t", Key: val.KeyInt(2)}
	knn.Insert(ridA, val.Float(0.5))

	d, ok := knn.Get(ridA)
	require.True(t, ok)
	assert.True(t, val.Equal(val.Float(0.5), d))

	// Rows that never reached the top-K report absence, not zero.
	_, ok = knn.Get(ridB)
	assert.False(t, ok)
}

func TestOrNoneNeverSwallowsSignals(t *testing.T) {
	_, err := flow.OrNone(nil, flow.Return(val.Int(1)))
	assert.True(t, flow.IsSignal(err))
}
