package planner

import (
	"github.com/opal-lang/vela/core/expr"
	"github.com/opal-lang/vela/core/fault"
	"github.com/opal-lang/vela/runtime/exec"
	"github.com/opal-lang/vela/runtime/operators"
)

func (p *Planner) compileAll(exprs []expr.Expr, frozen *exec.ExecutionContext) ([]exec.PhysicalExpr, error) {
	out := make([]exec.PhysicalExpr, len(exprs))
	for i, e := range exprs {
		compiled, err := p.CompileExpr(e, frozen)
		if err != nil {
			return nil, err
		}
		out[i] = compiled
	}
	return out, nil
}

func (p *Planner) planCreate(s expr.Create, frozen *exec.ExecutionContext) (exec.Operator, error) {
	what, err := p.compileAll(s.What, frozen)
	if err != nil {
		return nil, err
	}
	op := &operators.Create{What: what, Only: s.Only, Compile: p.compilerFor(frozen)}
	if s.Content != nil {
		if op.Content, err = p.CompileExpr(s.Content, frozen); err != nil {
			return nil, err
		}
	}
	return op, nil
}

func (p *Planner) planUpdate(s expr.Update, frozen *exec.ExecutionContext) (exec.Operator, error) {
	what, err := p.compileAll(s.What, frozen)
	if err != nil {
		return nil, err
	}
	op := &operators.Update{What: what, Only: s.Only, Compile: p.compilerFor(frozen)}
	if s.Content != nil {
		if op.Content, err = p.CompileExpr(s.Content, frozen); err != nil {
			return nil, err
		}
	}
	if s.Cond != nil {
		if op.Cond, err = p.CompileExpr(s.Cond, frozen); err != nil {
			return nil, err
		}
	}
	for _, a := range s.Set {
		path, ok := a.Place.DataPath()
		if !ok {
			return nil, fault.New(fault.KindThrown, "SET requires a plain field path")
		}
		value, err := p.CompileExpr(a.Value, frozen)
		if err != nil {
			return nil, err
		}
		op.Set = append(op.Set, operators.UpdateSet{Place: path, Value: value})
	}
	return op, nil
}

func (p *Planner) planDelete(s expr.Delete, frozen *exec.ExecutionContext) (exec.Operator, error) {
	what, err := p.compileAll(s.What, frozen)
	if err != nil {
		return nil, err
	}
	op := &operators.Delete{What: what, Compile: p.compilerFor(frozen)}
	if s.Cond != nil {
		if op.Cond, err = p.CompileExpr(s.Cond, frozen); err != nil {
			return nil, err
		}
	}
	return op, nil
}

func (p *Planner) planRelate(s expr.Relate, frozen *exec.ExecutionContext) (exec.Operator, error) {
	from, err := p.CompileExpr(s.From, frozen)
	if err != nil {
		return nil, err
	}
	to, err := p.CompileExpr(s.To, frozen)
	if err != nil {
		return nil, err
	}
	op := &operators.Relate{From: from, Edge: s.Edge, To: to}
	if s.Data != nil {
		if op.Data, err = p.CompileExpr(s.Data, frozen); err != nil {
			return nil, err
		}
	}
	return op, nil
}
