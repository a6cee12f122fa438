package planner

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/opal-lang/vela/core/catalog"
	"github.com/opal-lang/vela/core/expr"
	"github.com/opal-lang/vela/core/fault"
	"github.com/opal-lang/vela/core/val"
	"github.com/opal-lang/vela/kv"
	"github.com/opal-lang/vela/runtime/exec"
	"github.com/opal-lang/vela/runtime/fnc"
	"github.com/opal-lang/vela/runtime/operators"
)

// knnPredicate is a KNN term extracted from the WHERE clause.
type knnPredicate struct {
	field    val.Path
	k        int
	distance fnc.Distance
	query    []float64
}

// planSelect lowers a SELECT statement:
//
//	Source -> [KnnTopK] -> Filter -> Split -> Group -> Sort -> Limit+Start
//	       -> Project -> Only -> Explain
//
// Every stage is optional; omitted stages preserve the order of their
// inputs.
func (p *Planner) planSelect(s expr.Select, frozen *exec.ExecutionContext) (exec.Operator, error) {
	if len(s.What) != 1 {
		if len(s.What) == 0 {
			return nil, fault.New(fault.KindThrown, "SELECT requires a source")
		}
		// Multi-source selects have no physical lowering yet.
		return nil, fault.ErrUnimplemented
	}

	compile := p.compilerFor(frozen)

	// Split the predicate into pushable conjunction leaves, residual
	// leaves, and at most one KNN term.
	var pushable, residual []expr.Expr
	var knn *knnPredicate
	if s.Cond != nil {
		for _, leaf := range conjunctionLeaves(s.Cond) {
			if k, ok := leaf.(expr.Knn); ok && knn == nil {
				parsed, err := p.resolveKnn(k, frozen)
				if err != nil {
					return nil, err
				}
				knn = parsed
				continue
			}
			if isRecordLocal(leaf) {
				pushable = append(pushable, leaf)
			} else {
				residual = append(residual, leaf)
			}
		}
	}

	source, pushedWindow, err := p.planSource(s, frozen, compile, pushable, knn, len(residual) > 0)
	if err != nil {
		return nil, err
	}
	plan := source

	if _, ok := source.(*operators.CountScan); ok {
		// The count fast path already yields the aggregated row, so no
		// group or projection stage follows it.
		if s.Only {
			plan = &operators.Only{Input: plan}
		}
		if s.Explain || s.ExplainAnalyze {
			plan = &operators.Explain{Input: plan, Analyze: s.ExplainAnalyze}
		}
		return plan, nil
	}

	if knn != nil {
		if p.Services.Knn == nil {
			knnCtx := exec.NewKnnContext()
			p.Services.Knn = knnCtx
		}
		plan = &operators.KnnTopK{
			Input:       plan,
			Field:       knn.field,
			QueryVector: knn.query,
			K:           knn.k,
			Distance:    knn.distance,
			KnnCtx:      p.Services.Knn.(*exec.KnnContext),
		}
	}

	if len(residual) > 0 {
		pred, err := p.CompileExpr(conjoin(residual), frozen)
		if err != nil {
			return nil, err
		}
		plan = &operators.Filter{Input: plan, Predicate: pred}
	}

	if len(s.Split) > 0 {
		paths := make([]val.Path, 0, len(s.Split))
		for _, idiom := range s.Split {
			path, ok := idiom.DataPath()
			if !ok {
				return nil, fault.ErrUnimplemented
			}
			paths = append(paths, path)
		}
		plan = &operators.Split{Input: plan, Paths: paths}
	}

	grouped := s.GroupAll || len(s.Group) > 0
	if grouped {
		paths := make([]val.Path, 0, len(s.Group))
		for _, idiom := range s.Group {
			path, ok := idiom.DataPath()
			if !ok {
				return nil, fault.ErrUnimplemented
			}
			paths = append(paths, path)
		}
		plan = &operators.Group{Input: plan, Keys: paths, All: s.GroupAll}
	}

	if len(s.Order) > 0 {
		keys := make([]exec.SortProperty, 0, len(s.Order))
		for _, o := range s.Order {
			path, ok := o.Path.DataPath()
			if !ok {
				return nil, fault.ErrUnimplemented
			}
			dir := exec.Asc
			if o.Desc {
				dir = exec.Desc
			}
			keys = append(keys, exec.SortProperty{Path: path, Direction: dir, Collate: o.Collate, Numeric: o.Numeric})
		}
		// The sort elides itself when the source's advisory ordering
		// already delivers the keys.
		if !operators.OrderingSatisfies(plan.OutputOrdering(), keys) {
			plan = &operators.Sort{Input: plan, Keys: keys}
		}
	}

	if !pushedWindow && (s.Limit != nil || s.Start != nil) {
		var limitExpr, startExpr exec.PhysicalExpr
		if s.Limit != nil {
			if limitExpr, err = p.CompileExpr(s.Limit, frozen); err != nil {
				return nil, err
			}
		}
		if s.Start != nil {
			if startExpr, err = p.CompileExpr(s.Start, frozen); err != nil {
				return nil, err
			}
		}
		plan = &operators.Limit{Input: plan, LimitExpr: limitExpr, StartExpr: startExpr}
	}

	if len(s.Fields) > 0 || len(s.Omit) > 0 {
		fields := make([]operators.ProjectField, 0, len(s.Fields))
		for _, f := range s.Fields {
			e := f.Expr
			if grouped {
				e = rewriteAggregate(e)
			}
			compiled, err := p.CompileExpr(e, frozen)
			if err != nil {
				return nil, err
			}
			alias := f.Alias
			if alias == "" {
				alias = defaultAlias(f.Expr)
			}
			fields = append(fields, operators.ProjectField{Expr: compiled, Alias: alias})
		}
		plan = &operators.Project{Input: plan, Fields: fields, Omit: s.Omit}
	}

	if s.Only {
		plan = &operators.Only{Input: plan}
	}
	if s.Explain || s.ExplainAnalyze {
		plan = &operators.Explain{Input: plan, Analyze: s.ExplainAnalyze}
	}
	return plan, nil
}

// planSource picks the access path for the single SELECT source: a values
// source for inline data, the count fast path, an index scan when the rule
// set selects one, or a table scan. Returns whether limit/start were handed
// to the scan.
func (p *Planner) planSource(s expr.Select, frozen *exec.ExecutionContext, compile exec.ExprCompiler, pushable []expr.Expr, knn *knnPredicate, hasResidual bool) (exec.Operator, bool, error) {
	lit, isLit := s.What[0].(expr.Literal)
	if isLit {
		switch source := lit.Value.(type) {
		case val.String:
			return p.planTableSource(s, string(source), frozen, compile, pushable, knn, hasResidual)
		case val.RecordId:
			return &recordSource{rid: source}, false, nil
		case val.Array:
			return &operators.ValuesSource{Values: source}, false, nil
		}
	}
	// Parameterised or computed sources resolve at execution time through
	// the fallback path.
	return nil, false, fault.ErrUnimplemented
}

func (p *Planner) planTableSource(s expr.Select, table string, frozen *exec.ExecutionContext, compile exec.ExprCompiler, pushable []expr.Expr, knn *knnPredicate, hasResidual bool) (exec.Operator, bool, error) {
	// Count fast path: `SELECT count() FROM tb GROUP ALL` with nothing that
	// could change row count or content.
	if s.GroupAll && s.Cond == nil && knn == nil && len(s.Fields) == 1 {
		if fn, ok := s.Fields[0].Expr.(expr.FunctionCall); ok && fn.Name == "count" && len(fn.Args) == 0 {
			if p.countSafe(frozen, table) {
				alias := s.Fields[0].Alias
				if alias == "" {
					alias = "count"
				}
				return &operators.CountScan{Table: table, Alias: alias}, true, nil
			}
		}
	}

	var pred exec.PhysicalExpr
	if len(pushable) > 0 {
		var err error
		if pred, err = p.CompileExpr(conjoin(pushable), frozen); err != nil {
			return nil, false, err
		}
	}
	var limitExpr, startExpr exec.PhysicalExpr
	var err error
	if s.Limit != nil {
		if limitExpr, err = p.CompileExpr(s.Limit, frozen); err != nil {
			return nil, false, err
		}
	}
	if s.Start != nil {
		if startExpr, err = p.CompileExpr(s.Start, frozen); err != nil {
			return nil, false, err
		}
	}
	var versionExpr exec.PhysicalExpr
	if s.Version != nil {
		if versionExpr, err = p.CompileExpr(s.Version, frozen); err != nil {
			return nil, false, err
		}
	}

	direction := kv.Forward
	if len(s.Order) == 1 && s.Order[0].Desc {
		if name, ok := s.Order[0].Path.FirstField(); ok && name == "id" && len(s.Order[0].Path) == 1 {
			direction = kv.Backward
		}
	}

	// Index selection rule set: equality or range on an indexed column, or
	// an ORDER BY matching an index prefix. KNN delegates to the vector
	// index layer when one exists; without one the KnnTopK above handles
	// it, so the source stays a table scan either way.
	// The window may ride down into the scan only when no later stage
	// changes cardinality or order.
	pushedWindow := !hasResidual && len(s.Group) == 0 && !s.GroupAll && len(s.Split) == 0 && len(s.Order) == 0 && knn == nil

	if idx, lo, hi := p.chooseIndex(frozen, table, pushable, s.Order); idx != nil {
		scan := &operators.IndexScan{
			Index:     idx,
			Direction: direction,
			Lo:        lo,
			Hi:        hi,
			Predicate: pred,
			Compile:   compile,
		}
		if pushedWindow {
			scan.LimitExpr = limitExpr
			scan.StartExpr = startExpr
		}
		return scan, pushedWindow, nil
	}

	scan := &operators.TableScan{
		Table:       table,
		Direction:   direction,
		VersionExpr: versionExpr,
		Predicate:   pred,
		Compile:     compile,
	}
	// When the window rides down, the scan applies start/limit after its
	// own pipeline (or pre-skips at the KV layer when the pipeline is a
	// pass-through); no Limit operator is needed above.
	if pushedWindow {
		scan.LimitExpr = limitExpr
		scan.StartExpr = startExpr
	}
	return scan, pushedWindow, nil
}

// countSafe reports whether the KV count fast path is safe: no permission
// and no computed field may apply. Exactly the conditions under which the
// scan pipeline is a pure pass-through.
func (p *Planner) countSafe(frozen *exec.ExecutionContext, table string) bool {
	db, err := frozen.Database()
	if err != nil {
		return false
	}
	def, err := frozen.Root().Catalog.Table(db.NSCtx.NS.ID, db.DB.ID, table)
	if err != nil || def == nil {
		return false
	}
	for _, f := range def.Fields {
		if f.Value != nil || f.Default != nil {
			return false
		}
	}
	if exec.ShouldCheckPerms(frozen) {
		if !def.Permissions.Select.Full {
			return false
		}
		for _, f := range def.Fields {
			if !f.ReadPermission.Full {
				return false
			}
		}
	}
	return true
}

// chooseIndex applies the cost-free index selection rules. Candidates are
// ranked by declared specificity; the best equality or range match wins,
// then an ORDER BY prefix match.
func (p *Planner) chooseIndex(frozen *exec.ExecutionContext, table string, pushable []expr.Expr, order []expr.SortKey) (*catalog.IndexDefinition, *operators.IndexBound, *operators.IndexBound) {
	db, err := frozen.Database()
	if err != nil {
		return nil, nil, nil
	}
	indexes, err := frozen.Root().Catalog.Indexes(db.NSCtx.NS.ID, db.DB.ID, table)
	if err != nil || len(indexes) == 0 {
		return nil, nil, nil
	}
	var best *catalog.IndexDefinition
	var bestLo, bestHi *operators.IndexBound
	for _, idx := range indexes {
		if idx.Kind == catalog.IndexVector || idx.Kind == catalog.IndexSearch {
			continue
		}
		if len(idx.Fields) == 0 {
			continue
		}
		col, ok := idx.Fields[0].FirstField()
		if !ok {
			continue
		}
		lo, hi, matched := boundsForColumn(frozen, col, pushable)
		if !matched {
			continue
		}
		if best == nil || idx.Specificity() > best.Specificity() {
			best, bestLo, bestHi = idx, lo, hi
		}
	}
	if best != nil {
		return best, bestLo, bestHi
	}
	// ORDER BY matching an index prefix, with no constraining predicate.
	if len(order) > 0 && !order[0].Desc {
		if col, ok := order[0].Path.FirstField(); ok && len(order[0].Path) == 1 {
			for _, idx := range indexes {
				if idx.Kind == catalog.IndexVector || idx.Kind == catalog.IndexSearch {
					continue
				}
				if len(idx.Fields) == 0 {
					continue
				}
				if name, ok := idx.Fields[0].FirstField(); ok && name == col {
					return idx, nil, nil
				}
			}
		}
	}
	return nil, nil, nil
}

// boundsForColumn derives index bounds from pushable equality and range
// leaves over one column. Values must be constant-foldable and
// order-encodable.
func boundsForColumn(frozen *exec.ExecutionContext, col string, pushable []expr.Expr) (*operators.IndexBound, *operators.IndexBound, bool) {
	var lo, hi *operators.IndexBound
	matched := false
	for _, leaf := range pushable {
		b, ok := leaf.(expr.Binary)
		if !ok {
			continue
		}
		idiom, ok := b.Left.(expr.IdiomExpr)
		if !ok {
			continue
		}
		name, ok := idiom.Idiom.FirstField()
		if !ok || name != col || len(idiom.Idiom) != 1 {
			continue
		}
		value, ok := constantValue(frozen, b.Right)
		if !ok {
			continue
		}
		if _, encodable := kv.ValueOrderBytes(value); !encodable {
			continue
		}
		switch b.Op {
		case expr.OpEq:
			lo = &operators.IndexBound{Value: value, Inclusive: true}
			hi = &operators.IndexBound{Value: value, Inclusive: true}
			return lo, hi, true
		case expr.OpGt:
			lo = &operators.IndexBound{Value: value}
			matched = true
		case expr.OpGte:
			lo = &operators.IndexBound{Value: value, Inclusive: true}
			matched = true
		case expr.OpLt:
			hi = &operators.IndexBound{Value: value}
			matched = true
		case expr.OpLte:
			hi = &operators.IndexBound{Value: value, Inclusive: true}
			matched = true
		}
	}
	return lo, hi, matched
}

// constantValue folds a literal or bound parameter at plan time.
func constantValue(frozen *exec.ExecutionContext, e expr.Expr) (val.Value, bool) {
	switch x := e.(type) {
	case expr.Literal:
		return x.Value, true
	case expr.Param:
		if v, ok := frozen.Params()[x.Name]; ok {
			return v, true
		}
	}
	return nil, false
}

// resolveKnn folds the KNN operator's query vector at plan time.
func (p *Planner) resolveKnn(k expr.Knn, frozen *exec.ExecutionContext) (*knnPredicate, error) {
	field, ok := k.Field.DataPath()
	if !ok {
		return nil, fault.New(fault.KindThrown, "the KNN field must be a plain path")
	}
	queryValue, ok := constantValue(frozen, k.Query)
	if !ok {
		return nil, fault.New(fault.KindThrown, "the KNN query vector must be constant")
	}
	query, ok := fnc.ExtractVector(queryValue)
	if !ok {
		return nil, fault.New(fault.KindConversion, "the KNN query must be a numeric vector")
	}
	distance, err := fnc.ParseDistance(k.Distance)
	if err != nil {
		return nil, err
	}
	if k.K <= 0 {
		return nil, fault.New(fault.KindThrown, "the KNN limit must be positive")
	}
	return &knnPredicate{field: field, k: k.K, distance: distance, query: query}, nil
}

// conjunctionLeaves flattens nested ANDs into their leaves.
func conjunctionLeaves(e expr.Expr) []expr.Expr {
	if b, ok := e.(expr.Binary); ok && b.Op == expr.OpAnd {
		return append(conjunctionLeaves(b.Left), conjunctionLeaves(b.Right)...)
	}
	return []expr.Expr{e}
}

func conjoin(leaves []expr.Expr) expr.Expr {
	out := leaves[0]
	for _, leaf := range leaves[1:] {
		out = expr.Binary{Left: out, Op: expr.OpAnd, Right: leaf}
	}
	return out
}

// isRecordLocal reports whether a predicate leaf references only the
// scanned record: plain idioms, literals, and parameters, with no lookups
// or subqueries. Only such leaves push into the scan.
func isRecordLocal(e expr.Expr) bool {
	switch x := e.(type) {
	case expr.Literal, expr.Param:
		return true
	case expr.IdiomExpr:
		_, ok := x.Idiom.DataPath()
		return ok
	case expr.Unary:
		return isRecordLocal(x.Operand)
	case expr.Binary:
		return isRecordLocal(x.Left) && isRecordLocal(x.Right)
	case expr.FunctionCall:
		for _, a := range x.Args {
			if !isRecordLocal(a) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// rewriteAggregate adapts aggregate calls to the Group operator's output
// shape, where each group's rows collect under the "group" field.
func rewriteAggregate(e expr.Expr) expr.Expr {
	if fn, ok := e.(expr.FunctionCall); ok && fn.Name == "count" && len(fn.Args) == 0 {
		return expr.FunctionCall{Name: "count", Args: []expr.Expr{
			expr.IdiomExpr{Idiom: expr.Fields("group")},
		}}
	}
	return e
}

func defaultAlias(e expr.Expr) string {
	switch x := e.(type) {
	case expr.IdiomExpr:
		if name, ok := x.Idiom.FirstField(); ok {
			return name
		}
	case expr.FunctionCall:
		return x.Name
	}
	return "value"
}

// compilerFor adapts CompileExpr to the exec.ExprCompiler shape consumed by
// scans and mutations for permissions and schema fields.
func (p *Planner) compilerFor(frozen *exec.ExecutionContext) exec.ExprCompiler {
	return func(e any) (exec.PhysicalExpr, error) {
		ast, ok := e.(expr.Expr)
		if !ok {
			return nil, fault.New(fault.KindInternal, "expected an AST expression, got %T", e)
		}
		compiled, err := p.CompileExpr(ast, frozen)
		if err != nil && errors.Is(err, fault.ErrUnimplemented) {
			return nil, fault.New(fault.KindInternal,
				"catalog expression has no physical lowering")
		}
		return compiled, err
	}
}

// recordSource fetches a single record by id.
type recordSource struct {
	exec.OperatorBase
	rid val.RecordId
}

func (*recordSource) Name() string                         { return "RecordSource" }
func (r *recordSource) RequiredContext() exec.ContextLevel { return exec.LevelDatabase }
func (r *recordSource) AccessMode() exec.AccessMode        { return exec.ReadOnly }
func (r *recordSource) CardinalityHint() exec.CardinalityHint {
	return exec.Bounded(1)
}

func (r *recordSource) Execute(ctx *exec.ExecutionContext) (exec.BatchStream, error) {
	db, err := ctx.Database()
	if err != nil {
		return nil, err
	}
	txn, err := ctx.Txn()
	if err != nil {
		return nil, err
	}
	done := false
	return exec.FuncStream(func(gctx context.Context) (exec.ValueBatch, error) {
		if done {
			return nil, nil
		}
		done = true
		key, err := kv.RecordKey(db.NSCtx.NS.ID, db.DB.ID, r.rid)
		if err != nil {
			return nil, err
		}
		payload, found, err := txn.Get(gctx, key, 0)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, nil
		}
		doc, err := val.DecodeRow(payload)
		if err != nil {
			return nil, err
		}
		return exec.ValueBatch{doc}, nil
	}), nil
}
