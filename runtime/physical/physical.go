// Package physical implements the concrete physical expressions the planner
// lowers AST expressions into: literals, parameter references, idiom
// evaluation, operators, and function calls. The contracts live in
// runtime/exec; this package supplies the nodes.
package physical

import (
	"github.com/opal-lang/vela/core/expr"
	"github.com/opal-lang/vela/core/fault"
	"github.com/opal-lang/vela/core/val"
	"github.com/opal-lang/vela/runtime/exec"
	"github.com/opal-lang/vela/runtime/fnc"
)

// Base supplies the defaults shared by leaf expressions.
type Base struct{}

func (Base) AccessMode() exec.AccessMode           { return exec.ReadOnly }
func (Base) RequiredContext() exec.ContextLevel    { return exec.LevelRoot }
func (Base) EmbeddedOperators() []exec.Operator    { return nil }

// Literal is a constant.
type Literal struct {
	Base
	Value val.Value
}

func (Literal) Name() string { return "Literal" }

func (l *Literal) Evaluate(ec exec.EvalContext) (val.Value, error) {
	return l.Value, nil
}

func (l *Literal) EvaluateBatch(ec exec.EvalContext, values []val.Value) ([]val.Value, error) {
	out := make([]val.Value, len(values))
	for i := range out {
		out[i] = l.Value
	}
	return out, nil
}

// ParamRef reads a query parameter.
type ParamRef struct {
	Base
	Param string
}

func (ParamRef) Name() string { return "Param" }

func (p *ParamRef) Evaluate(ec exec.EvalContext) (val.Value, error) {
	return ec.Exec.Param(p.Param), nil
}

func (p *ParamRef) EvaluateBatch(ec exec.EvalContext, values []val.Value) ([]val.Value, error) {
	return exec.EvaluateBatchSeq(p, ec, values)
}

// CurrentRef yields the current value binding. Idioms evaluated in row
// position start from it.
type CurrentRef struct {
	Base
}

func (CurrentRef) Name() string { return "Current" }

func (c *CurrentRef) Evaluate(ec exec.EvalContext) (val.Value, error) {
	return ec.Current(), nil
}

func (c *CurrentRef) EvaluateBatch(ec exec.EvalContext, values []val.Value) ([]val.Value, error) {
	out := make([]val.Value, len(values))
	copy(out, values)
	return out, nil
}

// Unary applies NOT or negation.
type Unary struct {
	Op      expr.UnaryOp
	Operand exec.PhysicalExpr
}

func (Unary) Name() string { return "Unary" }

func (u *Unary) AccessMode() exec.AccessMode        { return u.Operand.AccessMode() }
func (u *Unary) RequiredContext() exec.ContextLevel { return u.Operand.RequiredContext() }
func (u *Unary) EmbeddedOperators() []exec.Operator { return u.Operand.EmbeddedOperators() }

func (u *Unary) Evaluate(ec exec.EvalContext) (val.Value, error) {
	v, err := u.Operand.Evaluate(ec)
	if err != nil {
		return nil, err
	}
	switch u.Op {
	case expr.OpNot:
		return val.Bool(!val.Truthy(v)), nil
	default:
		n, ok := v.(val.Number)
		if !ok {
			return nil, fault.New(fault.KindConversion, "cannot negate %s", val.KindOf(v))
		}
		return val.SubNumbers(val.Int(0), n)
	}
}

func (u *Unary) EvaluateBatch(ec exec.EvalContext, values []val.Value) ([]val.Value, error) {
	return exec.EvaluateBatchAuto(u, ec, values)
}

// Binary applies a binary operator with short-circuit AND/OR.
type Binary struct {
	Left  exec.PhysicalExpr
	Op    expr.BinaryOp
	Right exec.PhysicalExpr
}

func (Binary) Name() string { return "Binary" }

func (b *Binary) AccessMode() exec.AccessMode {
	return b.Left.AccessMode().Combine(b.Right.AccessMode())
}

func (b *Binary) RequiredContext() exec.ContextLevel {
	return exec.MaxLevel(b.Left.RequiredContext(), b.Right.RequiredContext())
}

func (b *Binary) EmbeddedOperators() []exec.Operator {
	return append(b.Left.EmbeddedOperators(), b.Right.EmbeddedOperators()...)
}

func (b *Binary) Evaluate(ec exec.EvalContext) (val.Value, error) {
	left, err := b.Left.Evaluate(ec)
	if err != nil {
		return nil, err
	}
	switch b.Op {
	case expr.OpAnd:
		if !val.Truthy(left) {
			return val.Bool(false), nil
		}
		right, err := b.Right.Evaluate(ec)
		if err != nil {
			return nil, err
		}
		return val.Bool(val.Truthy(right)), nil
	case expr.OpOr:
		if val.Truthy(left) {
			return val.Bool(true), nil
		}
		right, err := b.Right.Evaluate(ec)
		if err != nil {
			return nil, err
		}
		return val.Bool(val.Truthy(right)), nil
	}
	right, err := b.Right.Evaluate(ec)
	if err != nil {
		return nil, err
	}
	switch b.Op {
	case expr.OpEq:
		return val.Bool(val.Equal(left, right)), nil
	case expr.OpNeq:
		return val.Bool(!val.Equal(left, right)), nil
	case expr.OpLt:
		return val.Bool(val.Compare(left, right) < 0), nil
	case expr.OpLte:
		return val.Bool(val.Compare(left, right) <= 0), nil
	case expr.OpGt:
		return val.Bool(val.Compare(left, right) > 0), nil
	case expr.OpGte:
		return val.Bool(val.Compare(left, right) >= 0), nil
	case expr.OpContains:
		if arr, ok := left.(val.Array); ok {
			for _, e := range arr {
				if val.Equal(e, right) {
					return val.Bool(true), nil
				}
			}
		}
		return val.Bool(false), nil
	case expr.OpInside:
		if arr, ok := right.(val.Array); ok {
			for _, e := range arr {
				if val.Equal(e, left) {
					return val.Bool(true), nil
				}
			}
		}
		return val.Bool(false), nil
	}
	ln, lok := left.(val.Number)
	rn, rok := right.(val.Number)
	if !lok || !rok {
		if b.Op == expr.OpAdd {
			if ls, ok := left.(val.String); ok {
				if rs, ok := right.(val.String); ok {
					return ls + rs, nil
				}
			}
		}
		return nil, fault.New(fault.KindConversion,
			"cannot apply arithmetic to %s and %s", val.KindOf(left), val.KindOf(right))
	}
	switch b.Op {
	case expr.OpAdd:
		return val.AddNumbers(ln, rn)
	case expr.OpSub:
		return val.SubNumbers(ln, rn)
	case expr.OpMul:
		return val.MulNumbers(ln, rn)
	case expr.OpDiv:
		return val.DivNumbers(ln, rn)
	default:
		return nil, fault.New(fault.KindInternal, "unhandled binary operator")
	}
}

func (b *Binary) EvaluateBatch(ec exec.EvalContext, values []val.Value) ([]val.Value, error) {
	return exec.EvaluateBatchAuto(b, ec, values)
}

// FunctionCall invokes a registry function with evaluated arguments.
type FunctionCall struct {
	Fn       string
	Args     []exec.PhysicalExpr
	Registry *fnc.Registry
	Services *fnc.Services
}

func (FunctionCall) Name() string { return "Function" }

func (f *FunctionCall) AccessMode() exec.AccessMode {
	mode := exec.ReadOnly
	for _, a := range f.Args {
		mode = mode.Combine(a.AccessMode())
	}
	return mode
}

func (f *FunctionCall) RequiredContext() exec.ContextLevel {
	level := exec.LevelRoot
	for _, a := range f.Args {
		level = exec.MaxLevel(level, a.RequiredContext())
	}
	return level
}

func (f *FunctionCall) EmbeddedOperators() []exec.Operator {
	var out []exec.Operator
	for _, a := range f.Args {
		out = append(out, a.EmbeddedOperators()...)
	}
	return out
}

func (f *FunctionCall) Evaluate(ec exec.EvalContext) (val.Value, error) {
	args := make([]val.Value, len(f.Args))
	for i, a := range f.Args {
		v, err := a.Evaluate(ec)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return f.Registry.Call(f.Services, f.Fn, args)
}

func (f *FunctionCall) EvaluateBatch(ec exec.EvalContext, values []val.Value) ([]val.Value, error) {
	return exec.EvaluateBatchAuto(f, ec, values)
}

// Coerce casts its operand to a kind; failures follow the ignorable rules.
type Coerce struct {
	Kind    val.Kind
	Operand exec.PhysicalExpr
}

func (Coerce) Name() string { return "Coerce" }

func (c *Coerce) AccessMode() exec.AccessMode        { return c.Operand.AccessMode() }
func (c *Coerce) RequiredContext() exec.ContextLevel { return c.Operand.RequiredContext() }
func (c *Coerce) EmbeddedOperators() []exec.Operator { return c.Operand.EmbeddedOperators() }

func (c *Coerce) Evaluate(ec exec.EvalContext) (val.Value, error) {
	v, err := c.Operand.Evaluate(ec)
	if err != nil {
		return nil, err
	}
	return val.Coerce(v, c.Kind)
}

func (c *Coerce) EvaluateBatch(ec exec.EvalContext, values []val.Value) ([]val.Value, error) {
	return exec.EvaluateBatchAuto(c, ec, values)
}
