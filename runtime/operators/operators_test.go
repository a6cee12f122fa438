package operators

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opal-lang/vela/core/expr"
	"github.com/opal-lang/vela/core/fault"
	"github.com/opal-lang/vela/core/val"
	"github.com/opal-lang/vela/runtime/exec"
)

func rootCtx() *exec.ExecutionContext {
	return exec.NewRootContext(&exec.RootContext{Auth: exec.Auth{Root: true}})
}

func collect(t *testing.T, op exec.Operator, ctx *exec.ExecutionContext) []val.Value {
	t.Helper()
	stream, err := op.Execute(ctx)
	require.NoError(t, err)
	values, err := exec.CollectAll(context.Background(), stream)
	require.NoError(t, err)
	return values
}

func ints(ns ...int64) []val.Value {
	out := make([]val.Value, len(ns))
	for i, n := range ns {
		out[i] = val.Int(n)
	}
	return out
}

type litExpr struct {
	v val.Value
}

func (l *litExpr) Name() string                       { return "lit" }
func (l *litExpr) AccessMode() exec.AccessMode        { return exec.ReadOnly }
func (l *litExpr) RequiredContext() exec.ContextLevel { return exec.LevelRoot }
func (l *litExpr) EmbeddedOperators() []exec.Operator { return nil }
func (l *litExpr) Evaluate(ec exec.EvalContext) (val.Value, error) {
	return l.v, nil
}
func (l *litExpr) EvaluateBatch(ec exec.EvalContext, values []val.Value) ([]val.Value, error) {
	return exec.EvaluateBatchSeq(l, ec, values)
}

func TestLimitAppliesStartThenCap(t *testing.T) {
	op := &Limit{
		Input:     &ValuesSource{Values: ints(1, 2, 3, 4, 5)},
		LimitExpr: &litExpr{v: val.Int(2)},
		StartExpr: &litExpr{v: val.Int(1)},
	}
	got := collect(t, op, rootCtx())
	assert.True(t, val.Equal(val.Array{val.Int(2), val.Int(3)}, val.Array(got)))
}

func TestLimitRejectsNegative(t *testing.T) {
	op := &Limit{
		Input:     &ValuesSource{Values: ints(1)},
		LimitExpr: &litExpr{v: val.Int(-1)},
	}
	stream, err := op.Execute(rootCtx())
	require.NoError(t, err)
	_, err = exec.CollectAll(context.Background(), stream)
	require.Error(t, err)
}

func TestOnlyScalarises(t *testing.T) {
	one := &Only{Input: &ValuesSource{Values: ints(7)}}
	got := collect(t, one, rootCtx())
	require.Len(t, got, 1)

	empty := &Only{Input: &ValuesSource{Values: nil}}
	assert.Empty(t, collect(t, empty, rootCtx()))

	many := &Only{Input: &ValuesSource{Values: ints(1, 2)}}
	stream, err := many.Execute(rootCtx())
	require.NoError(t, err)
	_, err = exec.CollectAll(context.Background(), stream)
	require.Error(t, err, "more than one row under ONLY is an error")
}

func TestSortOrdersAndAdvertises(t *testing.T) {
	rows := []val.Value{
		val.Object{"n": val.Int(3)},
		val.Object{"n": val.Int(1)},
		val.Object{"n": val.Int(2)},
	}
	op := &Sort{
		Input: &ValuesSource{Values: rows},
		Keys:  []exec.SortProperty{{Path: val.FieldPath("n")}},
	}
	got := collect(t, op, rootCtx())
	want := val.Array{
		val.Object{"n": val.Int(1)},
		val.Object{"n": val.Int(2)},
		val.Object{"n": val.Int(3)},
	}
	assert.True(t, val.Equal(want, val.Array(got)))
	assert.True(t, OrderingSatisfies(op.OutputOrdering(), op.Keys))
}

func TestSplitDuplicatesRows(t *testing.T) {
	rows := []val.Value{
		val.Object{"id": val.Int(1), "tags": val.Array{val.String("a"), val.String("b")}},
		val.Object{"id": val.Int(2), "tags": val.String("solo")},
	}
	op := &Split{
		Input: &ValuesSource{Values: rows},
		Paths: []val.Path{val.FieldPath("tags")},
	}
	got := collect(t, op, rootCtx())
	require.Len(t, got, 3)
	assert.True(t, val.Equal(val.String("a"), got[0].(val.Object).Get("tags")))
	assert.True(t, val.Equal(val.String("b"), got[1].(val.Object).Get("tags")))
	// A non-array value passes through unchanged.
	assert.True(t, val.Equal(val.String("solo"), got[2].(val.Object).Get("tags")))
}

func TestGroupCollectsRows(t *testing.T) {
	rows := []val.Value{
		val.Object{"dept": val.String("eng"), "n": val.Int(1)},
		val.Object{"dept": val.String("ops"), "n": val.Int(2)},
		val.Object{"dept": val.String("eng"), "n": val.Int(3)},
	}
	op := &Group{
		Input: &ValuesSource{Values: rows},
		Keys:  []val.Path{val.FieldPath("dept")},
	}
	got := collect(t, op, rootCtx())
	require.Len(t, got, 2)
	for _, g := range got {
		obj := g.(val.Object)
		group := obj.Get("group").(val.Array)
		if val.Equal(val.String("eng"), obj.Get("dept")) {
			assert.Len(t, group, 2)
		} else {
			assert.Len(t, group, 1)
		}
	}
}

func TestGroupAllProducesSingleGroup(t *testing.T) {
	op := &Group{
		Input: &ValuesSource{Values: ints(1, 2, 3)},
		All:   true,
	}
	got := collect(t, op, rootCtx())
	require.Len(t, got, 1)
	group := got[0].(val.Object).Get("group").(val.Array)
	assert.Len(t, group, 3)
}

func TestForeachRejectsInvalidRangeType(t *testing.T) {
	op := &Foreach{
		Param: "x",
		Range: expr.Literal{Value: val.Int(5)},
		Body:  expr.Block{},
		Eval:  evalLiteral,
	}
	stream, err := op.Execute(rootCtx())
	require.NoError(t, err)
	_, err = exec.CollectAll(context.Background(), stream)
	require.Error(t, err)
	assert.Equal(t, fault.KindThrown, fault.KindOf(err))
}

func TestKnnTopKBound(t *testing.T) {
	rows := make([]val.Value, 10)
	for i := range rows {
		rows[i] = val.Object{
			"id": val.RecordId{Table: "t", Key: val.KeyInt(int64(i))},
			"v":  val.Array{val.Int(int64(i)), val.Int(0)},
		}
	}
	knnCtx := exec.NewKnnContext()
	op := &KnnTopK{
		Input:       &ValuesSource{Values: rows},
		Field:       val.FieldPath("v"),
		QueryVector: []float64{0, 0},
		K:           3,
		KnnCtx:      knnCtx,
	}
	got := collect(t, op, rootCtx())
	require.Len(t, got, 3, "output bounded at k")
	// Nearest first: ids 0, 1, 2; and every emitted distance was recorded
	// for downstream projection.
	for i, row := range got {
		id := row.(val.Object).Get("id").(val.RecordId)
		assert.Equal(t, int64(i), int64(id.Key.(val.KeyInt)))
		d, ok := knnCtx.Get(id)
		require.True(t, ok)
		assert.True(t, val.Equal(val.Float(float64(i)), d))
	}
}

func TestCancelledScanStopsOnce(t *testing.T) {
	ctx := rootCtx()
	ctx.Cancellation().Cancel()
	op := &Filter{
		Input:     &ValuesSource{Values: ints(1, 2, 3)},
		Predicate: &litExpr{v: val.Bool(true)},
	}
	stream, err := op.Execute(ctx)
	require.NoError(t, err)
	_, err = stream.Next(context.Background())
	require.ErrorIs(t, err, fault.ErrQueryCancelled)
}

// evalLiteral is a minimal deferred evaluator for tests whose expressions
// are all literals.
func evalLiteral(gctx context.Context, ctx *exec.ExecutionContext, e expr.Expr) (val.Value, error) {
	lit, ok := e.(expr.Literal)
	if !ok {
		return nil, fault.New(fault.KindInternal, "test evaluator only handles literals")
	}
	return lit.Value, nil
}
