package planner

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opal-lang/vela/core/catalog"
	"github.com/opal-lang/vela/core/expr"
	"github.com/opal-lang/vela/core/fault"
	"github.com/opal-lang/vela/core/val"
	"github.com/opal-lang/vela/runtime/exec"
	"github.com/opal-lang/vela/runtime/fnc"
	"github.com/opal-lang/vela/runtime/operators"
)

func testContext(cat catalog.Provider, root bool) *exec.ExecutionContext {
	return exec.NewDatabaseContext(
		&exec.RootContext{Auth: exec.Auth{Root: root}, Catalog: cat},
		&catalog.NamespaceDefinition{ID: 1, Name: "ns"},
		&catalog.DatabaseDefinition{ID: 1, Name: "db"},
		nil,
	)
}

func testCatalog(t *testing.T, defs ...*catalog.TableDefinition) *catalog.MemProvider {
	t.Helper()
	cat := catalog.NewMemProvider()
	for _, def := range defs {
		require.NoError(t, cat.DefineTable(def))
	}
	return cat
}

func fieldExpr(name string) expr.Expr {
	return expr.IdiomExpr{Idiom: expr.Fields(name)}
}

func selectFrom(table string) expr.Select {
	return expr.Select{What: []expr.Expr{expr.Literal{Value: val.String(table)}}}
}

// unwrap strips single-child wrapper operators down to the source.
func sourceOf(t *testing.T, op exec.Operator) exec.Operator {
	t.Helper()
	for {
		children := op.Children()
		if len(children) == 0 {
			return op
		}
		require.Len(t, children, 1)
		op = children[0]
	}
}

func TestPredicatePushdownSplitsResidual(t *testing.T) {
	cat := testCatalog(t, &catalog.TableDefinition{Name: "user", Permissions: catalog.FullPermissions()})
	ctx := testContext(cat, true)
	p := New(fnc.NewRegistry())

	s := selectFrom("user")
	// age >= 18 is record-local and pushes; the lookup leaf stays above.
	s.Cond = expr.Binary{
		Left: expr.Binary{Left: fieldExpr("age"), Op: expr.OpGte, Right: expr.Literal{Value: val.Int(18)}},
		Op:   expr.OpAnd,
		Right: expr.Binary{
			Left: expr.IdiomExpr{Idiom: expr.Idiom{
				expr.LookupPart{Dir: expr.LookupOut, What: []string{"knows"}},
			}},
			Op:    expr.OpNeq,
			Right: expr.Literal{Value: val.Array{}},
		},
	}
	plan, err := p.planSelect(s, ctx)
	require.NoError(t, err)

	filter, ok := plan.(*operators.Filter)
	require.True(t, ok, "residual leaf requires a Filter above the scan, got %T", plan)
	scan, ok := filter.Input.(*operators.TableScan)
	require.True(t, ok, "source should be a table scan, got %T", filter.Input)
	assert.NotNil(t, scan.Predicate, "record-local leaf pushed into the scan")
}

func TestFullyPushableCondHasNoFilter(t *testing.T) {
	cat := testCatalog(t, &catalog.TableDefinition{Name: "user", Permissions: catalog.FullPermissions()})
	ctx := testContext(cat, true)
	p := New(fnc.NewRegistry())

	s := selectFrom("user")
	s.Cond = expr.Binary{Left: fieldExpr("age"), Op: expr.OpGte, Right: expr.Literal{Value: val.Int(18)}}
	plan, err := p.planSelect(s, ctx)
	require.NoError(t, err)

	scan, ok := plan.(*operators.TableScan)
	require.True(t, ok, "got %T", plan)
	assert.NotNil(t, scan.Predicate)
}

func TestIndexChosenForEqualityOnIndexedColumn(t *testing.T) {
	cat := testCatalog(t, &catalog.TableDefinition{Name: "user", Permissions: catalog.FullPermissions()})
	cat.DefineIndex(&catalog.IndexDefinition{
		Name: "age_idx", Table: "user", Fields: []expr.Idiom{expr.Fields("age")},
	})
	ctx := testContext(cat, true)
	p := New(fnc.NewRegistry())

	s := selectFrom("user")
	s.Cond = expr.Binary{Left: fieldExpr("age"), Op: expr.OpEq, Right: expr.Literal{Value: val.Int(42)}}
	plan, err := p.planSelect(s, ctx)
	require.NoError(t, err)

	scan := sourceOf(t, plan)
	idx, ok := scan.(*operators.IndexScan)
	require.True(t, ok, "equality on an indexed column selects the index, got %T", scan)
	require.NotNil(t, idx.Lo)
	require.NotNil(t, idx.Hi)
	assert.True(t, val.Equal(val.Int(42), idx.Lo.Value))
}

func TestIndexTieBrokenBySpecificity(t *testing.T) {
	cat := testCatalog(t, &catalog.TableDefinition{Name: "user", Permissions: catalog.FullPermissions()})
	cat.DefineIndex(&catalog.IndexDefinition{
		Name: "age_idx", Table: "user", Fields: []expr.Idiom{expr.Fields("age")},
	})
	cat.DefineIndex(&catalog.IndexDefinition{
		Name: "age_unique", Table: "user", Kind: catalog.IndexUnique, Fields: []expr.Idiom{expr.Fields("age")},
	})
	ctx := testContext(cat, true)
	p := New(fnc.NewRegistry())

	s := selectFrom("user")
	s.Cond = expr.Binary{Left: fieldExpr("age"), Op: expr.OpEq, Right: expr.Literal{Value: val.Int(42)}}
	plan, err := p.planSelect(s, ctx)
	require.NoError(t, err)
	idx := sourceOf(t, plan).(*operators.IndexScan)
	assert.Equal(t, "age_unique", idx.Index.Name)
}

func TestOrderByPrefixSelectsIndex(t *testing.T) {
	cat := testCatalog(t, &catalog.TableDefinition{Name: "user", Permissions: catalog.FullPermissions()})
	cat.DefineIndex(&catalog.IndexDefinition{
		Name: "age_idx", Table: "user", Fields: []expr.Idiom{expr.Fields("age")},
	})
	ctx := testContext(cat, true)
	p := New(fnc.NewRegistry())

	s := selectFrom("user")
	s.Order = []expr.SortKey{{Path: expr.Fields("age")}}
	plan, err := p.planSelect(s, ctx)
	require.NoError(t, err)

	// The index delivers the requested order, so no Sort is inserted.
	_, isSort := plan.(*operators.Sort)
	assert.False(t, isSort, "sort should be elided when the index delivers the order")
	_, ok := sourceOf(t, plan).(*operators.IndexScan)
	assert.True(t, ok)
}

func TestKnnInsertsTopKOperator(t *testing.T) {
	cat := testCatalog(t, &catalog.TableDefinition{Name: "t", Permissions: catalog.FullPermissions()})
	ctx := testContext(cat, true)
	p := New(fnc.NewRegistry())

	s := selectFrom("t")
	s.Cond = expr.Knn{
		Field:    expr.Fields("v"),
		K:        3,
		Distance: "COSINE",
		Query:    expr.Literal{Value: val.Array{val.Int(1), val.Int(0)}},
	}
	plan, err := p.planSelect(s, ctx)
	require.NoError(t, err)

	knn, ok := plan.(*operators.KnnTopK)
	require.True(t, ok, "got %T", plan)
	assert.Equal(t, 3, knn.K)
	n, bounded := knn.CardinalityHint().Bound()
	require.True(t, bounded)
	assert.Equal(t, 3, n)
	_, ok = knn.Input.(*operators.TableScan)
	assert.True(t, ok, "brute-force KNN sits on a table scan")
}

func TestCountFastPathConditions(t *testing.T) {
	plain := &catalog.TableDefinition{Name: "plain", Permissions: catalog.FullPermissions()}
	guarded := &catalog.TableDefinition{
		Name: "guarded",
		Permissions: catalog.Permissions{
			Select: catalog.Where(expr.Literal{Value: val.Bool(true)}),
			Create: catalog.Allow(), Update: catalog.Allow(), Delete: catalog.Allow(),
		},
	}
	computed := &catalog.TableDefinition{
		Name:        "computed",
		Permissions: catalog.FullPermissions(),
		Fields: []catalog.FieldDefinition{
			{Name: "x", Value: expr.Literal{Value: val.Int(1)}},
		},
	}
	cat := testCatalog(t, plain, guarded, computed)
	p := New(fnc.NewRegistry())

	countAll := func(table string) expr.Select {
		s := selectFrom(table)
		s.GroupAll = true
		s.Fields = []expr.SelectField{{Expr: expr.FunctionCall{Name: "count"}}}
		return s
	}

	// Root actor, plain table: the KV count fast path applies.
	plan, err := p.planSelect(countAll("plain"), testContext(cat, true))
	require.NoError(t, err)
	_, ok := plan.(*operators.CountScan)
	assert.True(t, ok, "got %T", plan)

	// Computed fields disqualify the fast path even for root.
	plan, err = p.planSelect(countAll("computed"), testContext(cat, true))
	require.NoError(t, err)
	_, ok = plan.(*operators.CountScan)
	assert.False(t, ok)

	// A conditional select permission disqualifies it for non-root actors.
	plan, err = p.planSelect(countAll("guarded"), testContext(cat, false))
	require.NoError(t, err)
	_, ok = plan.(*operators.CountScan)
	assert.False(t, ok)
}

func TestTryPlanExprUnimplementedTriggersFallback(t *testing.T) {
	cat := testCatalog(t)
	ctx := testContext(cat, true)
	p := New(fnc.NewRegistry())

	// Method parts have no physical lowering.
	methodIdiom := expr.IdiomExpr{Idiom: expr.Idiom{expr.MethodPart{Name: "len"}}}
	_, err := p.CompileExpr(methodIdiom, ctx)
	require.True(t, errors.Is(err, fault.ErrUnimplemented))

	// The deferred evaluator transparently falls back to compute and still
	// produces a result.
	v, err := p.DeferredEval()(context.Background(), ctx, methodIdiom)
	require.NoError(t, err)
	assert.True(t, val.Equal(val.Int(0), v), "len of an unbound current value counts nothing")
}

func TestPlanValidatesLevelMonotonicity(t *testing.T) {
	cat := testCatalog(t, &catalog.TableDefinition{Name: "user", Permissions: catalog.FullPermissions()})
	p := New(fnc.NewRegistry())

	// A database-level plan evaluated against a root-only context is
	// rejected before execution.
	rootCtx := exec.NewRootContext(&exec.RootContext{Catalog: cat, Auth: exec.Auth{Root: true}})
	_, err := p.DeferredEval()(context.Background(), rootCtx, selectFrom("user"))
	require.Error(t, err)
}

func TestAccessModeDerivedFromChildren(t *testing.T) {
	cat := testCatalog(t, &catalog.TableDefinition{Name: "user", Permissions: catalog.FullPermissions()})
	ctx := testContext(cat, true)
	p := New(fnc.NewRegistry())

	sel, err := p.planSelect(selectFrom("user"), ctx)
	require.NoError(t, err)
	assert.Equal(t, exec.ReadOnly, sel.AccessMode())

	loop := expr.Foreach{
		Param: "x",
		Range: expr.Literal{Value: val.Array{val.Int(1)}},
		Body: expr.Block{Body: []expr.Expr{
			expr.Create{What: []expr.Expr{expr.Literal{Value: val.String("user")}}},
		}},
	}
	plan, err := p.TryPlanExpr(loop, ctx)
	require.NoError(t, err)
	assert.Equal(t, exec.ReadWrite, plan.AccessMode(), "writes in the body taint the loop")
}
