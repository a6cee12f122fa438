// Package planner lowers AST expressions to physical operator trees.
//
// Two forms of planning coexist. Top-level statements are lowered eagerly
// once the session's namespace and database are resolved. Expressions inside
// blocks (FOREACH bodies, LET values) are planned on demand through
// TryPlanExpr; when lowering is not implemented for an expression the
// planner's evaluator falls back to the legacy compute path, which must
// produce the same observable result.
package planner

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/opal-lang/vela/core/expr"
	"github.com/opal-lang/vela/core/fault"
	"github.com/opal-lang/vela/core/flow"
	"github.com/opal-lang/vela/core/val"
	"github.com/opal-lang/vela/runtime/exec"
	"github.com/opal-lang/vela/runtime/fnc"
	"github.com/opal-lang/vela/runtime/operators"
)

// Planner lowers expressions against a frozen execution context: current
// parameter values participate in constant folding, and the catalog is
// consulted for index selection.
type Planner struct {
	Registry *fnc.Registry
	Services *fnc.Services
}

// New creates a planner backed by a function registry.
func New(registry *fnc.Registry) *Planner {
	return &Planner{Registry: registry, Services: &fnc.Services{}}
}

// PlanStatement eagerly lowers a top-level statement. The frozen context
// supplies parameters and catalog access; the transaction is not touched.
func (p *Planner) PlanStatement(stmt expr.Expr, frozen *exec.ExecutionContext) (exec.Operator, error) {
	return p.TryPlanExpr(stmt, frozen)
}

// TryPlanExpr lowers an expression to an operator tree, or reports
// fault.ErrUnimplemented when this expression has no physical lowering yet.
// Any other error is a fatal planning error.
func (p *Planner) TryPlanExpr(e expr.Expr, frozen *exec.ExecutionContext) (exec.Operator, error) {
	switch s := e.(type) {
	case expr.Select:
		return p.planSelect(s, frozen)
	case expr.Create:
		return p.planCreate(s, frozen)
	case expr.Update:
		return p.planUpdate(s, frozen)
	case expr.Delete:
		return p.planDelete(s, frozen)
	case expr.Relate:
		return p.planRelate(s, frozen)
	case expr.Foreach:
		return &operators.Foreach{Param: s.Param, Range: s.Range, Body: s.Body, Eval: p.DeferredEval()}, nil
	case expr.Block:
		return &operators.Block{Body: s.Body, Eval: p.DeferredEval()}, nil
	case expr.IfElse:
		if len(s.Conds) != len(s.Then) {
			return nil, fault.New(fault.KindInternal, "IF statement with mismatched branches")
		}
		return &operators.IfElse{Conds: s.Conds, Then: s.Then, Else: s.Else, Eval: p.DeferredEval()}, nil
	case expr.Return:
		var value exec.PhysicalExpr
		if s.Value != nil {
			var err error
			if value, err = p.CompileExpr(s.Value, frozen); err != nil {
				return nil, err
			}
		}
		return &signalOp{name: "Return", value: value}, nil
	case expr.BreakStmt:
		return &signalOp{name: "Break"}, nil
	case expr.ContinueStmt:
		return &signalOp{name: "Continue"}, nil
	case expr.Throw:
		msg, err := p.CompileExpr(s.Message, frozen)
		if err != nil {
			return nil, err
		}
		return &throwOp{message: msg}, nil
	case expr.Info:
		return &infoOp{level: s.Level}, nil
	case expr.Let:
		// LET outside a block is driven by the executor, which owns the
		// session parameter scope.
		return nil, fault.ErrUnimplemented
	case expr.Live, expr.Kill:
		// Live-query registration is the executor's concern.
		return nil, fault.ErrUnimplemented
	case expr.Subquery:
		inner, err := p.TryPlanExpr(s.Inner, frozen)
		if err != nil {
			return nil, err
		}
		return &subqueryOp{inner: inner}, nil
	default:
		// Plain value expressions lower to a scalar evaluation operator
		// when compilable; the fallback interpreter covers the rest.
		compiled, err := p.CompileExpr(e, frozen)
		if err != nil {
			return nil, err
		}
		return &exprOp{expr: compiled}, nil
	}
}

// DeferredEval builds the plan-or-fallback evaluator handed to block-aware
// operators: try the physical lowering first, fall back to the legacy
// compute interpreter on Unimplemented. The two paths must be observably
// equivalent.
func (p *Planner) DeferredEval() operators.DeferredEval {
	return func(gctx context.Context, ctx *exec.ExecutionContext, e expr.Expr) (val.Value, error) {
		plan, err := p.TryPlanExpr(e, ctx)
		if err == nil {
			if lvl := plan.RequiredContext(); lvl > ctx.Level() {
				return nil, fault.New(fault.KindNotFound,
					"this statement requires a %s context", lvl)
			}
			stream, err := plan.Execute(ctx)
			if err != nil {
				return nil, err
			}
			if plan.IsScalar() {
				return exec.CollectSingle(gctx, stream)
			}
			values, err := exec.CollectAll(gctx, stream)
			if err != nil {
				return nil, err
			}
			return val.Array(values), nil
		}
		if errors.Is(err, fault.ErrUnimplemented) {
			return p.Compute(gctx, ctx, e)
		}
		return nil, err
	}
}

// signalOp emits a control-flow signal when executed: RETURN with its
// evaluated value, or BREAK/CONTINUE.
type signalOp struct {
	exec.OperatorBase
	name  string
	value exec.PhysicalExpr
}

func (s *signalOp) Name() string                       { return s.name }
func (s *signalOp) RequiredContext() exec.ContextLevel { return exec.LevelRoot }
func (s *signalOp) AccessMode() exec.AccessMode {
	if s.value != nil {
		return s.value.AccessMode()
	}
	return exec.ReadOnly
}
func (s *signalOp) IsScalar() bool { return true }

func (s *signalOp) Execute(ctx *exec.ExecutionContext) (exec.BatchStream, error) {
	return exec.FuncStream(func(gctx context.Context) (exec.ValueBatch, error) {
		switch s.name {
		case "Break":
			return nil, flow.Break
		case "Continue":
			return nil, flow.Continue
		default:
			var v val.Value = val.None{}
			if s.value != nil {
				var err error
				v, err = s.value.Evaluate(exec.EvalContext{Ctx: gctx, Exec: ctx})
				if err != nil {
					return nil, err
				}
			}
			return nil, flow.Return(v)
		}
	}), nil
}

// throwOp raises a user error.
type throwOp struct {
	exec.OperatorBase
	message exec.PhysicalExpr
}

func (*throwOp) Name() string                         { return "Throw" }
func (t *throwOp) RequiredContext() exec.ContextLevel { return exec.LevelRoot }
func (t *throwOp) AccessMode() exec.AccessMode        { return t.message.AccessMode() }
func (t *throwOp) IsScalar() bool                     { return true }

func (t *throwOp) Execute(ctx *exec.ExecutionContext) (exec.BatchStream, error) {
	return exec.FuncStream(func(gctx context.Context) (exec.ValueBatch, error) {
		v, err := t.message.Evaluate(exec.EvalContext{Ctx: gctx, Exec: ctx})
		if err != nil {
			return nil, err
		}
		return nil, fault.New(fault.KindThrown, "an error occurred: %v", v)
	}), nil
}

// subqueryOp catches RETURN at the subquery boundary.
type subqueryOp struct {
	exec.OperatorBase
	inner exec.Operator
}

func (*subqueryOp) Name() string                         { return "Subquery" }
func (s *subqueryOp) RequiredContext() exec.ContextLevel { return s.inner.RequiredContext() }
func (s *subqueryOp) AccessMode() exec.AccessMode        { return s.inner.AccessMode() }
func (s *subqueryOp) Children() []exec.Operator          { return []exec.Operator{s.inner} }
func (s *subqueryOp) IsScalar() bool                     { return true }

func (s *subqueryOp) Execute(ctx *exec.ExecutionContext) (exec.BatchStream, error) {
	done := false
	return exec.FuncStream(func(gctx context.Context) (exec.ValueBatch, error) {
		if done {
			return nil, nil
		}
		done = true
		stream, err := s.inner.Execute(ctx)
		if err != nil {
			if v, cerr := flow.CatchReturn(nil, err); cerr == nil {
				return exec.ValueBatch{v}, nil
			}
			return nil, err
		}
		values, err := exec.CollectAll(gctx, stream)
		if err != nil {
			if v, cerr := flow.CatchReturn(nil, err); cerr == nil {
				return exec.ValueBatch{v}, nil
			}
			return nil, err
		}
		if s.inner.IsScalar() {
			if len(values) == 0 {
				return exec.ValueBatch{val.None{}}, nil
			}
			return exec.ValueBatch{values[0]}, nil
		}
		return exec.ValueBatch{val.Array(values)}, nil
	}), nil
}

// exprOp evaluates a compiled scalar expression as a single-value stream.
type exprOp struct {
	exec.OperatorBase
	expr exec.PhysicalExpr
}

func (*exprOp) Name() string                         { return "Eval" }
func (e *exprOp) RequiredContext() exec.ContextLevel { return e.expr.RequiredContext() }
func (e *exprOp) AccessMode() exec.AccessMode        { return e.expr.AccessMode() }
func (e *exprOp) IsScalar() bool                     { return true }

func (e *exprOp) Execute(ctx *exec.ExecutionContext) (exec.BatchStream, error) {
	done := false
	return exec.FuncStream(func(gctx context.Context) (exec.ValueBatch, error) {
		if done {
			return nil, nil
		}
		done = true
		v, err := e.expr.Evaluate(exec.EvalContext{Ctx: gctx, Exec: ctx})
		if err != nil {
			return nil, err
		}
		return exec.ValueBatch{v}, nil
	}), nil
}

// infoOp reads catalog metadata for INFO statements.
type infoOp struct {
	exec.OperatorBase
	level string
}

func (*infoOp) Name() string { return "Info" }

func (i *infoOp) RequiredContext() exec.ContextLevel {
	switch i.level {
	case "root":
		return exec.LevelRoot
	case "ns":
		return exec.LevelNamespace
	default:
		return exec.LevelDatabase
	}
}

func (i *infoOp) AccessMode() exec.AccessMode { return exec.ReadOnly }
func (i *infoOp) IsScalar() bool              { return true }

func (i *infoOp) Execute(ctx *exec.ExecutionContext) (exec.BatchStream, error) {
	done := false
	return exec.FuncStream(func(gctx context.Context) (exec.ValueBatch, error) {
		if done {
			return nil, nil
		}
		done = true
		if i.level != "db" {
			return exec.ValueBatch{val.Object{}}, nil
		}
		db, err := ctx.Database()
		if err != nil {
			return nil, err
		}
		cat := ctx.Root().Catalog
		tables, err := cat.AllTables(db.NSCtx.NS.ID, db.DB.ID)
		if err != nil {
			return nil, err
		}
		tb := val.Object{}
		for _, t := range tables {
			tb[t.Name] = val.String("DEFINE TABLE " + t.Name)
		}
		sequences, err := cat.AllSequences(db.NSCtx.NS.ID, db.DB.ID)
		if err != nil {
			return nil, err
		}
		sq := val.Object{}
		for _, s := range sequences {
			sq[s.Name] = val.String("DEFINE SEQUENCE " + s.Name)
		}
		return exec.ValueBatch{val.Object{"tables": tb, "sequences": sq}}, nil
	}), nil
}
