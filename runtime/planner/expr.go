package planner

import (
	"context"

	"github.com/opal-lang/vela/core/expr"
	"github.com/opal-lang/vela/core/fault"
	"github.com/opal-lang/vela/core/val"
	"github.com/opal-lang/vela/runtime/exec"
	"github.com/opal-lang/vela/runtime/operators"
	"github.com/opal-lang/vela/runtime/physical"
)

// CompileExpr lowers a value expression to a physical expression.
// Expressions with no lowering yet return fault.ErrUnimplemented so the
// caller can route them to the fallback interpreter.
func (p *Planner) CompileExpr(e expr.Expr, frozen *exec.ExecutionContext) (exec.PhysicalExpr, error) {
	switch x := e.(type) {
	case expr.Literal:
		return &physical.Literal{Value: x.Value}, nil
	case expr.Param:
		return &physical.ParamRef{Param: x.Name}, nil
	case expr.IdiomExpr:
		return p.compileIdiom(x.Idiom, frozen)
	case expr.Unary:
		operand, err := p.CompileExpr(x.Operand, frozen)
		if err != nil {
			return nil, err
		}
		return &physical.Unary{Op: x.Op, Operand: operand}, nil
	case expr.Binary:
		left, err := p.CompileExpr(x.Left, frozen)
		if err != nil {
			return nil, err
		}
		right, err := p.CompileExpr(x.Right, frozen)
		if err != nil {
			return nil, err
		}
		return &physical.Binary{Left: left, Op: x.Op, Right: right}, nil
	case expr.Cast:
		operand, err := p.CompileExpr(x.Operand, frozen)
		if err != nil {
			return nil, err
		}
		return &physical.Coerce{Kind: x.Kind, Operand: operand}, nil
	case expr.FunctionCall:
		if err := p.Registry.CheckAllowedFunction(x.Name); err != nil {
			return nil, err
		}
		args := make([]exec.PhysicalExpr, len(x.Args))
		for i, a := range x.Args {
			compiled, err := p.CompileExpr(a, frozen)
			if err != nil {
				return nil, err
			}
			args[i] = compiled
		}
		return &physical.FunctionCall{Fn: x.Name, Args: args, Registry: p.Registry, Services: p.Services}, nil
	default:
		return nil, fault.ErrUnimplemented
	}
}

// compileIdiom lowers an idiom path into a chain of data, where, and
// embedded-operator steps starting from the current value.
func (p *Planner) compileIdiom(idiom expr.Idiom, frozen *exec.ExecutionContext) (exec.PhysicalExpr, error) {
	out := &physical.Idiom{Source: &physical.CurrentRef{}}
	for _, part := range idiom {
		switch x := part.(type) {
		case expr.FieldPart:
			out.Steps = append(out.Steps, physical.DataStep{Part: val.FieldPart{Name: x.Name}})
		case expr.IndexPart:
			out.Steps = append(out.Steps, physical.DataStep{Part: val.IndexPart{Index: x.Index}})
		case expr.AllPart:
			out.Steps = append(out.Steps, physical.DataStep{Part: val.AllPart{}})
		case expr.LastPart:
			out.Steps = append(out.Steps, physical.DataStep{Part: val.LastPart{}})
		case expr.WherePart:
			cond, err := p.CompileExpr(x.Cond, frozen)
			if err != nil {
				return nil, err
			}
			out.Steps = append(out.Steps, physical.WhereStep{Cond: cond})
		case expr.DestructurePart:
			out.Steps = append(out.Steps, physical.ExprStep{Expr: &physical.Destructure{Fields: x.Fields}})
		case expr.LookupPart:
			lookup, err := p.compileLookup(x, frozen)
			if err != nil {
				return nil, err
			}
			out.Steps = append(out.Steps, physical.ExprStep{Expr: lookup})
		default:
			// Method parts have no physical lowering yet; the fallback
			// interpreter handles the whole idiom.
			return nil, fault.ErrUnimplemented
		}
	}
	return out, nil
}

// compileLookup builds the embedded operator subtree of a graph or
// reference traversal: a CurrentValueSource leaf feeding an edge or
// reference scan, optionally filtered. Full-edge mode is used when a WHERE
// clause needs target fields; the LookupPart then projects results back to
// ids.
func (p *Planner) compileLookup(part expr.LookupPart, frozen *exec.ExecutionContext) (exec.PhysicalExpr, error) {
	fullEdge := part.Cond != nil
	var plan exec.Operator
	if part.Dir == expr.LookupReference {
		plan = &operators.ReferenceScan{
			Source:   &operators.CurrentValueSource{},
			Target:   part.Target,
			FullEdge: fullEdge,
		}
	} else {
		plan = &operators.GraphEdgeScan{
			Source:   &operators.CurrentValueSource{},
			Dir:      part.Dir,
			Edges:    part.What,
			Target:   part.Target,
			FullEdge: fullEdge,
		}
	}
	if part.Cond != nil {
		cond, err := p.CompileExpr(part.Cond, frozen)
		if err != nil {
			return nil, err
		}
		plan = &operators.Filter{Input: plan, Predicate: cond}
	}
	return &operators.LookupPart{Dir: part.Dir, Plan: plan, ExtractID: fullEdge}, nil
}

// Compute is the legacy per-expression interpreter: the fallback half of the
// deferred-planning contract. It evaluates the expression directly against
// the context and must agree with the physical lowering on every observable
// result.
func (p *Planner) Compute(gctx context.Context, ctx *exec.ExecutionContext, e expr.Expr) (val.Value, error) {
	ec := exec.EvalContext{Ctx: gctx, Exec: ctx}
	switch x := e.(type) {
	case expr.Literal:
		return x.Value, nil
	case expr.Param:
		return ctx.Param(x.Name), nil
	case expr.IdiomExpr:
		return p.computeIdiom(gctx, ctx, x.Idiom)
	case expr.Unary:
		compiled, err := p.CompileExpr(e, ctx)
		if err == nil {
			return compiled.Evaluate(ec)
		}
		return nil, err
	case expr.Binary:
		compiled, err := p.CompileExpr(e, ctx)
		if err == nil {
			return compiled.Evaluate(ec)
		}
		return nil, err
	case expr.FunctionCall:
		compiled, err := p.CompileExpr(e, ctx)
		if err == nil {
			return compiled.Evaluate(ec)
		}
		return nil, err
	case expr.Cast:
		compiled, err := p.CompileExpr(e, ctx)
		if err == nil {
			return compiled.Evaluate(ec)
		}
		return nil, err
	case expr.Select:
		return p.computeSelect(gctx, ctx, x)
	default:
		return nil, fault.New(fault.KindInternal,
			"no compute fallback for expression of type %T", e)
	}
}

// computeIdiom interprets an idiom directly, covering the method parts the
// physical lowering does not.
func (p *Planner) computeIdiom(gctx context.Context, ctx *exec.ExecutionContext, idiom expr.Idiom) (val.Value, error) {
	ec := exec.EvalContext{Ctx: gctx, Exec: ctx}
	v := ec.Current()
	for _, part := range idiom {
		switch x := part.(type) {
		case expr.FieldPart:
			v = val.Pick(v, val.Path{val.FieldPart{Name: x.Name}})
		case expr.IndexPart:
			v = val.Pick(v, val.Path{val.IndexPart{Index: x.Index}})
		case expr.AllPart:
			v = val.Pick(v, val.Path{val.AllPart{}})
		case expr.LastPart:
			v = val.Pick(v, val.Path{val.LastPart{}})
		case expr.MethodPart:
			result, err := p.computeMethod(ec, x, v)
			if err != nil {
				return nil, err
			}
			v = result
		default:
			compiled, err := p.compileIdiom(expr.Idiom{part}, ctx)
			if err != nil {
				return nil, err
			}
			result, err := compiled.Evaluate(ec.WithValue(v))
			if err != nil {
				return nil, err
			}
			v = result
		}
	}
	return v, nil
}

// computeSelect resolves dynamic SELECT sources at evaluation time, then
// re-enters the physical lowering with the sources folded to literals. This
// keeps the fallback observably equivalent to the eager path.
func (p *Planner) computeSelect(gctx context.Context, ctx *exec.ExecutionContext, s expr.Select) (val.Value, error) {
	folded := s
	folded.What = make([]expr.Expr, len(s.What))
	for i, w := range s.What {
		if _, ok := w.(expr.Literal); ok {
			folded.What[i] = w
			continue
		}
		v, err := p.DeferredEval()(gctx, ctx, w)
		if err != nil {
			return nil, err
		}
		folded.What[i] = expr.Literal{Value: v}
	}
	// Multiple inline sources merge into one values source; mixing tables
	// into a multi-source select has no lowering.
	if len(folded.What) > 1 {
		var merged val.Array
		for _, w := range folded.What {
			lit, ok := w.(expr.Literal)
			if !ok {
				return nil, fault.New(fault.KindThrown, "unsupported multi-source SELECT")
			}
			switch v := lit.Value.(type) {
			case val.Array:
				merged = append(merged, v...)
			case val.String, val.RecordId:
				return nil, fault.New(fault.KindThrown, "unsupported multi-source SELECT")
			default:
				merged = append(merged, v)
			}
		}
		folded.What = []expr.Expr{expr.Literal{Value: merged}}
	}
	plan, err := p.planSelect(folded, ctx)
	if err != nil {
		return nil, err
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

// computeMethod resolves a method call against the registry by namespacing
// the receiver's kind, e.g. `value.len()` becomes `count`.
func (p *Planner) computeMethod(ec exec.EvalContext, m expr.MethodPart, recv val.Value) (val.Value, error) {
	args := make([]val.Value, 0, len(m.Args)+1)
	args = append(args, recv)
	for _, a := range m.Args {
		v, err := p.DeferredEval()(ec.Ctx, ec.Exec, a)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	name := m.Name
	if name == "len" {
		name = "count"
	}
	return p.Registry.Call(p.Services, name, args)
}
