package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opal-lang/vela/core/catalog"
	"github.com/opal-lang/vela/core/expr"
	"github.com/opal-lang/vela/core/fault"
	"github.com/opal-lang/vela/core/val"
	"github.com/opal-lang/vela/kv"
	"github.com/opal-lang/vela/runtime/exec"
	"github.com/opal-lang/vela/runtime/fnc"
)

type harness struct {
	store *kv.MemStore
	cat   *catalog.MemProvider
	ex    *Executor
	opts  Options
}

func newHarness(t *testing.T, tables ...*catalog.TableDefinition) *harness {
	t.Helper()
	store := kv.NewMemStore(kv.MemOptions{})
	cat := catalog.NewMemProvider()
	for _, def := range tables {
		require.NoError(t, cat.DefineTable(def))
	}
	ex := New(cat, fnc.NewRegistry(), store.Begin, nil, nil)
	return &harness{
		store: store,
		cat:   cat,
		ex:    ex,
		opts: Options{
			NS:   &catalog.NamespaceDefinition{ID: 1, Name: "test"},
			DB:   &catalog.DatabaseDefinition{ID: 1, Name: "test"},
			Auth: exec.Auth{Root: true},
		},
	}
}

func (h *harness) run(t *testing.T, statements ...expr.Expr) []QueryResult {
	t.Helper()
	return h.ex.Execute(context.Background(), statements, h.opts)
}

func (h *harness) mustRun(t *testing.T, statements ...expr.Expr) []QueryResult {
	t.Helper()
	results := h.run(t, statements...)
	for i, r := range results {
		require.NoError(t, r.Err, "statement %d", i)
	}
	return results
}

func table(name string) expr.Expr  { return expr.Literal{Value: val.String(name)} }
func intLit(n int64) expr.Expr     { return expr.Literal{Value: val.Int(n)} }
func field(name string) expr.Expr  { return expr.IdiomExpr{Idiom: expr.Fields(name)} }
func rid(tb string, k int64) val.RecordId {
	return val.RecordId{Table: tb, Key: val.KeyInt(k)}
}

func create(tb string, key int64, content val.Object) expr.Expr {
	return expr.Create{
		What:    []expr.Expr{expr.Literal{Value: rid(tb, key)}},
		Content: expr.Literal{Value: content},
	}
}

func simpleTable(name string) *catalog.TableDefinition {
	return &catalog.TableDefinition{Name: name, Permissions: catalog.FullPermissions()}
}

func TestTableScanFilterProjection(t *testing.T) {
	h := newHarness(t, simpleTable("user"))
	h.mustRun(t,
		create("user", 1, val.Object{"age": val.Int(18)}),
		create("user", 2, val.Object{"age": val.Int(42)}),
		create("user", 3, val.Object{"age": val.Int(7)}),
	)

	results := h.mustRun(t, expr.Select{
		Fields: []expr.SelectField{{Expr: field("age")}},
		What:   []expr.Expr{table("user")},
		Cond:   expr.Binary{Left: field("age"), Op: expr.OpGte, Right: intLit(18)},
	})
	want := val.Array{
		val.Object{"age": val.Int(18)},
		val.Object{"age": val.Int(42)},
	}
	assert.True(t, val.Equal(want, results[0].Result), "got %v", results[0].Result)
}

func TestScanOrderingFollowsDirection(t *testing.T) {
	h := newHarness(t, simpleTable("user"))
	h.mustRun(t,
		create("user", 3, val.Object{}),
		create("user", 1, val.Object{}),
		create("user", 2, val.Object{}),
	)

	ids := func(result val.Value) []int64 {
		arr, ok := result.(val.Array)
		require.True(t, ok)
		out := make([]int64, 0, len(arr))
		for _, row := range arr {
			id, ok := row.(val.Object).Get("id").(val.RecordId)
			require.True(t, ok)
			out = append(out, int64(id.Key.(val.KeyInt)))
		}
		return out
	}

	forward := h.mustRun(t, expr.Select{What: []expr.Expr{table("user")}})
	assert.Equal(t, []int64{1, 2, 3}, ids(forward[0].Result))

	backward := h.mustRun(t, expr.Select{
		What:  []expr.Expr{table("user")},
		Order: []expr.SortKey{{Path: expr.Fields("id"), Desc: true}},
	})
	assert.Equal(t, []int64{3, 2, 1}, ids(backward[0].Result))
}

func TestLimitAndStart(t *testing.T) {
	h := newHarness(t, simpleTable("user"))
	for i := int64(1); i <= 5; i++ {
		h.mustRun(t, create("user", i, val.Object{"n": val.Int(i)}))
	}
	results := h.mustRun(t, expr.Select{
		Fields: []expr.SelectField{{Expr: field("n")}},
		What:   []expr.Expr{table("user")},
		Limit:  intLit(2),
		Start:  intLit(1),
	})
	want := val.Array{
		val.Object{"n": val.Int(2)},
		val.Object{"n": val.Int(3)},
	}
	assert.True(t, val.Equal(want, results[0].Result), "got %v", results[0].Result)
}

func TestKnnTopKFallback(t *testing.T) {
	h := newHarness(t, simpleTable("t"))
	h.mustRun(t,
		create("t", 1, val.Object{"v": val.Array{val.Int(1), val.Int(0), val.Int(0)}}),
		create("t", 2, val.Object{"v": val.Array{val.Int(0), val.Int(1), val.Int(0)}}),
		create("t", 3, val.Object{"v": val.Array{val.Int(0), val.Int(0), val.Int(1)}}),
	)

	results := h.mustRun(t, expr.Select{
		What: []expr.Expr{table("t")},
		Cond: expr.Knn{
			Field:    expr.Fields("v"),
			K:        2,
			Distance: "EUCLIDEAN",
			Query:    expr.Literal{Value: val.Array{val.Int(1), val.Int(0), val.Int(0)}},
		},
	})
	arr, ok := results[0].Result.(val.Array)
	require.True(t, ok)
	require.Len(t, arr, 2, "limit k=2")
	first, _ := arr[0].(val.Object).Get("id").(val.RecordId)
	second, _ := arr[1].(val.Object).Get("id").(val.RecordId)
	assert.Equal(t, int64(1), int64(first.Key.(val.KeyInt)), "nearest record first")
	// Equidistant records tie-break by insertion order.
	assert.Equal(t, int64(2), int64(second.Key.(val.KeyInt)))
}

func TestKnnSkipsRecordsWithoutVectors(t *testing.T) {
	h := newHarness(t, simpleTable("t"))
	h.mustRun(t,
		create("t", 1, val.Object{"v": val.Array{val.Int(1), val.Int(0)}}),
		create("t", 2, val.Object{"v": val.String("not a vector")}),
		create("t", 3, val.Object{}),
		create("t", 4, val.Object{"v": val.Array{val.Int(0), val.Int(1), val.Int(0)}}),
	)
	results := h.mustRun(t, expr.Select{
		What: []expr.Expr{table("t")},
		Cond: expr.Knn{
			Field:    expr.Fields("v"),
			K:        10,
			Distance: "EUCLIDEAN",
			Query:    expr.Literal{Value: val.Array{val.Int(1), val.Int(0)}},
		},
	})
	arr := results[0].Result.(val.Array)
	// Only t:1 has a usable vector of the right dimension.
	require.Len(t, arr, 1)
}

func TestGraphLookupFlattens(t *testing.T) {
	h := newHarness(t, simpleTable("a"), simpleTable("knows"))
	h.mustRun(t,
		create("a", 1, val.Object{}),
		create("a", 2, val.Object{}),
		expr.Relate{
			From: expr.Literal{Value: rid("a", 1)},
			Edge: "knows",
			To:   expr.Literal{Value: rid("a", 2)},
		},
		expr.Relate{
			From: expr.Literal{Value: rid("a", 1)},
			Edge: "knows",
			To:   expr.Literal{Value: rid("a", 3)},
		},
	)

	results := h.mustRun(t, expr.Select{
		Fields: []expr.SelectField{{
			Expr: expr.IdiomExpr{Idiom: expr.Idiom{
				expr.LookupPart{Dir: expr.LookupOut, What: []string{"knows"}, Target: "a"},
			}},
			Alias: "->knows->a",
		}},
		What: []expr.Expr{expr.Literal{Value: rid("a", 1)}},
	})
	want := val.Array{val.Object{
		"->knows->a": val.Array{rid("a", 2), rid("a", 3)},
	}}
	assert.True(t, val.Equal(want, results[0].Result), "got %v", results[0].Result)
}

func TestLookupOverArrayFlattensOneLevel(t *testing.T) {
	h := newHarness(t, simpleTable("a"), simpleTable("holder"), simpleTable("knows"))
	h.mustRun(t,
		create("a", 1, val.Object{}),
		create("a", 2, val.Object{}),
		create("holder", 1, val.Object{"friends": val.Array{rid("a", 1), rid("a", 2)}}),
		expr.Relate{From: expr.Literal{Value: rid("a", 1)}, Edge: "knows", To: expr.Literal{Value: rid("a", 3)}},
		expr.Relate{From: expr.Literal{Value: rid("a", 2)}, Edge: "knows", To: expr.Literal{Value: rid("a", 4)}},
		expr.Relate{From: expr.Literal{Value: rid("a", 2)}, Edge: "knows", To: expr.Literal{Value: rid("a", 5)}},
	)
	// `friends->knows` over an array of records yields one flat array of
	// all targets, never nested arrays.
	results := h.mustRun(t, expr.Select{
		Fields: []expr.SelectField{{
			Expr: expr.IdiomExpr{Idiom: expr.Idiom{
				expr.FieldPart{Name: "friends"},
				expr.LookupPart{Dir: expr.LookupOut, What: []string{"knows"}},
			}},
			Alias: "out",
		}},
		What: []expr.Expr{expr.Literal{Value: rid("holder", 1)}},
		Only: true,
	})
	row := results[0].Result.(val.Object)
	want := val.Array{rid("a", 3), rid("a", 4), rid("a", 5)}
	assert.True(t, val.Equal(want, row.Get("out")), "got %v", row.Get("out"))
}

func TestForeachContinueAndBreak(t *testing.T) {
	h := newHarness(t, simpleTable("n"))

	loop := expr.Foreach{
		Param: "x",
		Range: expr.Literal{Value: val.Array{val.Int(1), val.Int(2), val.Int(3), val.Int(4), val.Int(5)}},
		Body: expr.Block{Body: []expr.Expr{
			expr.IfElse{
				Conds: []expr.Expr{
					expr.Binary{Left: expr.Param{Name: "x"}, Op: expr.OpEq, Right: intLit(3)},
					expr.Binary{Left: expr.Param{Name: "x"}, Op: expr.OpEq, Right: intLit(5)},
				},
				Then: []expr.Expr{
					expr.Block{Body: []expr.Expr{expr.ContinueStmt{}}},
					expr.Block{Body: []expr.Expr{expr.BreakStmt{}}},
				},
				Else: expr.Create{
					What:    []expr.Expr{table("n")},
					Content: expr.Literal{Value: val.Object{}},
				},
			},
		}},
	}
	// The loop itself yields NONE.
	results := h.mustRun(t, loop)
	assert.True(t, val.Equal(val.None{}, results[0].Result))

	// Iterations 1, 2, and 4 created records; 3 continued, 5 broke.
	count := h.mustRun(t, expr.Select{
		Fields:   []expr.SelectField{{Expr: expr.FunctionCall{Name: "count"}}},
		What:     []expr.Expr{table("n")},
		GroupAll: true,
	})
	want := val.Array{val.Object{"count": val.Int(3)}}
	assert.True(t, val.Equal(want, count[0].Result), "got %v", count[0].Result)
}

func TestForeachOverIntegerRange(t *testing.T) {
	h := newHarness(t, simpleTable("n"))
	loop := expr.Foreach{
		Param: "i",
		Range: expr.Literal{Value: val.Range{
			Start: &val.Bound{Value: val.Int(0), Inclusive: true},
			End:   &val.Bound{Value: val.Int(4)},
		}},
		Body: expr.Block{Body: []expr.Expr{
			expr.Create{
				What:    []expr.Expr{table("n")},
				Content: expr.Literal{Value: val.Object{}},
			},
		}},
	}
	h.mustRun(t, loop)
	count := h.mustRun(t, expr.Select{
		Fields:   []expr.SelectField{{Expr: expr.FunctionCall{Name: "count"}}},
		What:     []expr.Expr{table("n")},
		GroupAll: true,
	})
	want := val.Array{val.Object{"count": val.Int(4)}}
	assert.True(t, val.Equal(want, count[0].Result))
}

func TestBreakOutsideLoopIsInvalid(t *testing.T) {
	h := newHarness(t)
	results := h.run(t, expr.BreakStmt{})
	require.Error(t, results[0].Err)
	assert.Equal(t, fault.KindControlFlow, fault.KindOf(results[0].Err))

	results = h.run(t, expr.ContinueStmt{})
	require.Error(t, results[0].Err)
	assert.Equal(t, fault.KindControlFlow, fault.KindOf(results[0].Err))
}

func TestReadonlyFieldRejectsUpdate(t *testing.T) {
	def := &catalog.TableDefinition{
		Name:        "person",
		Permissions: catalog.FullPermissions(),
		Fields: []catalog.FieldDefinition{
			{Name: "birthdate", Readonly: true},
		},
	}
	h := newHarness(t, def)

	born := val.NewDatetime(time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC))
	h.mustRun(t, create("person", 1, val.Object{"birthdate": born}))

	later := val.NewDatetime(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	results := h.run(t, expr.Update{
		What: []expr.Expr{expr.Literal{Value: rid("person", 1)}},
		Set: []expr.Assignment{{
			Place: expr.Fields("birthdate"),
			Value: expr.Literal{Value: later},
		}},
	})
	require.Error(t, results[0].Err)
	assert.Equal(t, fault.KindPermission, fault.KindOf(results[0].Err))

	// The stored value is unchanged.
	check := h.mustRun(t, expr.Select{
		What: []expr.Expr{expr.Literal{Value: rid("person", 1)}},
		Only: true,
	})
	stored := check[0].Result.(val.Object).Get("birthdate")
	assert.True(t, val.Equal(born, stored))
}

func TestIgnorableCastBecomesNone(t *testing.T) {
	h := newHarness(t)
	results := h.mustRun(t, expr.Select{
		Fields: []expr.SelectField{{
			Expr:  expr.Cast{Kind: val.KindInt, Operand: expr.Literal{Value: val.String("abc")}},
			Alias: "cast",
		}},
		What: []expr.Expr{expr.Literal{Value: val.Array{val.Int(1)}}},
	})
	want := val.Array{val.Object{"cast": val.None{}}}
	assert.True(t, val.Equal(want, results[0].Result), "got %v", results[0].Result)
}

func TestStrictTypedWriteIsFatal(t *testing.T) {
	def := &catalog.TableDefinition{
		Name:        "tb",
		SchemaFull:  true,
		Permissions: catalog.FullPermissions(),
		Fields: []catalog.FieldDefinition{
			{Name: "age", Kind: val.KindInt},
		},
	}
	h := newHarness(t, def)
	results := h.run(t, create("tb", 1, val.Object{"age": val.String("x")}))
	require.Error(t, results[0].Err, "type violation at write time is fatal, not a silent drop")
	assert.Equal(t, fault.KindConversion, fault.KindOf(results[0].Err))
}

func TestComputedFieldsAndDefaults(t *testing.T) {
	def := &catalog.TableDefinition{
		Name:        "item",
		Permissions: catalog.FullPermissions(),
		Fields: []catalog.FieldDefinition{
			{Name: "price", Kind: val.KindInt},
			{Name: "qty", Default: expr.Literal{Value: val.Int(1)}},
			{
				Name:         "total",
				Value:        expr.Binary{Left: field("price"), Op: expr.OpMul, Right: field("qty")},
				ComputedDeps: []string{"price", "qty"},
			},
		},
	}
	h := newHarness(t, def)
	h.mustRun(t, create("item", 1, val.Object{"price": val.Int(5)}))

	results := h.mustRun(t, expr.Select{
		What: []expr.Expr{expr.Literal{Value: rid("item", 1)}},
		Only: true,
	})
	row := results[0].Result.(val.Object)
	assert.True(t, val.Equal(val.Int(1), row.Get("qty")), "default applied")
	assert.True(t, val.Equal(val.Int(5), row.Get("total")), "computed in dependency order")
}

func TestComputedFieldCycleIsSchemaError(t *testing.T) {
	def := &catalog.TableDefinition{
		Name:        "cyc",
		Permissions: catalog.FullPermissions(),
		Fields: []catalog.FieldDefinition{
			{Name: "a", Value: field("b"), ComputedDeps: []string{"b"}},
			{Name: "b", Value: field("a"), ComputedDeps: []string{"a"}},
		},
	}
	cat := catalog.NewMemProvider()
	err := cat.DefineTable(def)
	require.Error(t, err)
	assert.Equal(t, fault.KindSchema, fault.KindOf(err))
}

func TestRowPermissionFiltersForNonRoot(t *testing.T) {
	def := &catalog.TableDefinition{
		Name: "doc",
		Permissions: catalog.Permissions{
			// Only public rows are selectable for non-root actors.
			Select: catalog.Where(expr.Binary{Left: field("public"), Op: expr.OpEq, Right: expr.Literal{Value: val.Bool(true)}}),
			Create: catalog.Allow(),
			Update: catalog.Allow(),
			Delete: catalog.Allow(),
		},
	}
	h := newHarness(t, def)
	h.mustRun(t,
		create("doc", 1, val.Object{"public": val.Bool(true)}),
		create("doc", 2, val.Object{"public": val.Bool(false)}),
	)

	h.opts.Auth = exec.Auth{Root: false}
	results := h.mustRun(t, expr.Select{What: []expr.Expr{table("doc")}})
	arr := results[0].Result.(val.Array)
	require.Len(t, arr, 1)
	id := arr[0].(val.Object).Get("id").(val.RecordId)
	assert.Equal(t, int64(1), int64(id.Key.(val.KeyInt)))
}

func TestFieldPermissionStripsToNone(t *testing.T) {
	def := &catalog.TableDefinition{
		Name:        "acct",
		Permissions: catalog.FullPermissions(),
		Fields: []catalog.FieldDefinition{
			{Name: "secret", ReadPermission: catalog.Deny()},
		},
	}
	h := newHarness(t, def)
	h.mustRun(t, create("acct", 1, val.Object{"secret": val.String("hunter2"), "name": val.String("x")}))

	h.opts.Auth = exec.Auth{Root: false}
	results := h.mustRun(t, expr.Select{What: []expr.Expr{table("acct")}})
	arr := results[0].Result.(val.Array)
	require.Len(t, arr, 1, "the row itself survives field denial")
	row := arr[0].(val.Object)
	assert.True(t, val.Equal(val.None{}, row.Get("secret")))
	assert.True(t, val.Equal(val.String("x"), row.Get("name")))
}

func TestLetBindsAcrossStatements(t *testing.T) {
	h := newHarness(t)
	results := h.mustRun(t,
		expr.Let{Name: "x", Value: intLit(40)},
		expr.Binary{Left: expr.Param{Name: "x"}, Op: expr.OpAdd, Right: intLit(2)},
	)
	assert.True(t, val.Equal(val.None{}, results[0].Result))
	assert.True(t, val.Equal(val.Int(42), results[1].Result))
}

func TestReturnCaughtByBlockAndFatalAtTopLevel(t *testing.T) {
	h := newHarness(t)
	block := expr.Block{Body: []expr.Expr{
		expr.Return{Value: intLit(7)},
		expr.Let{Name: "unreached", Value: intLit(0)},
	}}
	results := h.mustRun(t, block)
	assert.True(t, val.Equal(val.Int(7), results[0].Result))

	bare := h.run(t, expr.Return{Value: intLit(7)})
	require.Error(t, bare[0].Err)
	assert.Equal(t, fault.KindControlFlow, fault.KindOf(bare[0].Err))
}

func TestStatementErrorDoesNotAbortQuerySet(t *testing.T) {
	h := newHarness(t, simpleTable("user"))
	results := h.run(t,
		expr.Select{What: []expr.Expr{table("missing")}},
		create("user", 1, val.Object{}),
	)
	require.Error(t, results[0].Err)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(results[0].Err))
	require.NoError(t, results[1].Err)
}

func TestCancellationSurfacesPromptly(t *testing.T) {
	h := newHarness(t, simpleTable("user"))
	for i := int64(0); i < 50; i++ {
		h.mustRun(t, create("user", i, val.Object{}))
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results := h.ex.Execute(ctx, []expr.Expr{
		expr.Select{What: []expr.Expr{table("user")}},
	}, h.opts)
	require.Error(t, results[0].Err)
	assert.Equal(t, fault.KindCancelled, fault.KindOf(results[0].Err))
}

func TestQueryTimeout(t *testing.T) {
	h := newHarness(t, simpleTable("user"))
	h.mustRun(t, create("user", 1, val.Object{}))
	h.opts.Timeout = time.Nanosecond
	time.Sleep(time.Millisecond)
	results := h.run(t, expr.Select{What: []expr.Expr{table("user")}})
	if results[0].Err != nil {
		assert.Equal(t, fault.KindTimeout, fault.KindOf(results[0].Err))
	}
}

func TestLiveAndKillTagging(t *testing.T) {
	h := newHarness(t, simpleTable("user"))
	live := h.mustRun(t, expr.Live{Inner: &expr.Select{What: []expr.Expr{table("user")}}})
	assert.Equal(t, QueryLive, live[0].Type)
	id, ok := live[0].Result.(val.Uuid)
	require.True(t, ok)

	kill := h.mustRun(t, expr.Kill{ID: id})
	assert.Equal(t, QueryKill, kill[0].Type)

	again := h.run(t, expr.Kill{ID: id})
	require.Error(t, again[0].Err)
}

func TestWireEnvelopeShape(t *testing.T) {
	ok := QueryResult{Time: 1200 * time.Microsecond, Result: val.Int(1), Type: QueryOther}
	wire := ok.Wire()
	assert.True(t, val.Equal(val.String("OK"), wire.Get("status")))
	assert.True(t, val.Equal(val.String("1.2ms"), wire.Get("time")))
	assert.True(t, val.Equal(val.String("other"), wire.Get("type")))
	assert.True(t, val.Equal(val.Int(1), wire.Get("result")))

	bad := QueryResult{Time: 3 * time.Second, Err: fault.TbNotFound("user"), Type: QueryOther}
	wire = bad.Wire()
	assert.True(t, val.Equal(val.String("ERR"), wire.Get("status")))
	assert.True(t, val.Equal(val.String("3s"), wire.Get("time")))
	assert.True(t, val.Equal(val.String("not_found"), wire.Get("kind")))
	assert.True(t, val.Equal(val.String("the table 'user' does not exist"), wire.Get("result")))
}

func TestExplainProducesPlanText(t *testing.T) {
	h := newHarness(t, simpleTable("user"))
	results := h.mustRun(t, expr.Select{
		What:    []expr.Expr{table("user")},
		Cond:    expr.Binary{Left: field("age"), Op: expr.OpGte, Right: intLit(18)},
		Explain: true,
	})
	text, ok := results[0].Result.(val.String)
	require.True(t, ok)
	assert.Contains(t, string(text), "TableScan")
}
