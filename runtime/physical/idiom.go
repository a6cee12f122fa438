package physical

import (
	"github.com/opal-lang/vela/core/val"
	"github.com/opal-lang/vela/runtime/exec"
)

// Step is one stage of a compiled idiom. Data steps resolve without an
// execution context; where steps filter arrays; expression steps (lookups,
// methods) delegate to an embedded physical expression evaluated with the
// intermediate value bound.
type Step interface {
	isStep()
}

// DataStep resolves one value-level path part.
type DataStep struct {
	Part val.PathPart
}

// WhereStep filters array elements by a predicate; applied to a non-array it
// keeps or drops the whole value.
type WhereStep struct {
	Cond exec.PhysicalExpr
}

// ExprStep transforms the intermediate value through an embedded expression
// (graph lookups, destructure, method calls).
type ExprStep struct {
	Expr exec.PhysicalExpr
}

func (DataStep) isStep()  {}
func (WhereStep) isStep() {}
func (ExprStep) isStep()  {}

// Idiom is a compiled idiom path. Evaluation starts from Source (usually
// CurrentRef) and applies each step in order.
type Idiom struct {
	Source exec.PhysicalExpr
	Steps  []Step
}

func (Idiom) Name() string { return "Idiom" }

func (i *Idiom) AccessMode() exec.AccessMode {
	mode := i.Source.AccessMode()
	for _, s := range i.Steps {
		switch x := s.(type) {
		case WhereStep:
			mode = mode.Combine(x.Cond.AccessMode())
		case ExprStep:
			mode = mode.Combine(x.Expr.AccessMode())
		}
	}
	return mode
}

func (i *Idiom) RequiredContext() exec.ContextLevel {
	level := i.Source.RequiredContext()
	for _, s := range i.Steps {
		switch x := s.(type) {
		case WhereStep:
			level = exec.MaxLevel(level, x.Cond.RequiredContext())
		case ExprStep:
			level = exec.MaxLevel(level, x.Expr.RequiredContext())
		}
	}
	return level
}

func (i *Idiom) EmbeddedOperators() []exec.Operator {
	var out []exec.Operator
	for _, s := range i.Steps {
		if x, ok := s.(ExprStep); ok {
			out = append(out, x.Expr.EmbeddedOperators()...)
		}
	}
	return out
}

func (i *Idiom) Evaluate(ec exec.EvalContext) (val.Value, error) {
	v, err := i.Source.Evaluate(ec)
	if err != nil {
		return nil, err
	}
	for _, s := range i.Steps {
		switch x := s.(type) {
		case DataStep:
			v = val.Pick(v, val.Path{x.Part})
		case WhereStep:
			v, err = applyWhere(ec, x.Cond, v)
			if err != nil {
				return nil, err
			}
		case ExprStep:
			v, err = x.Expr.Evaluate(ec.WithValue(v))
			if err != nil {
				return nil, err
			}
		}
	}
	return v, nil
}

func (i *Idiom) EvaluateBatch(ec exec.EvalContext, values []val.Value) ([]val.Value, error) {
	return exec.EvaluateBatchAuto(i, ec, values)
}

func applyWhere(ec exec.EvalContext, cond exec.PhysicalExpr, v val.Value) (val.Value, error) {
	arr, ok := v.(val.Array)
	if !ok {
		keep, err := cond.Evaluate(ec.WithValue(v))
		if err != nil {
			return nil, err
		}
		if val.Truthy(keep) {
			return v, nil
		}
		return val.None{}, nil
	}
	out := make(val.Array, 0, len(arr))
	for _, e := range arr {
		keep, err := cond.Evaluate(ec.WithValue(e))
		if err != nil {
			return nil, err
		}
		if val.Truthy(keep) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Destructure projects named fields out of the intermediate value.
type Destructure struct {
	Base
	Fields []string
}

func (Destructure) Name() string { return "Destructure" }

func (d *Destructure) Evaluate(ec exec.EvalContext) (val.Value, error) {
	obj, ok := ec.Current().(val.Object)
	if !ok {
		return val.None{}, nil
	}
	out := make(val.Object, len(d.Fields))
	for _, f := range d.Fields {
		out[f] = obj.Get(f)
	}
	return out, nil
}

func (d *Destructure) EvaluateBatch(ec exec.EvalContext, values []val.Value) ([]val.Value, error) {
	return exec.EvaluateBatchSeq(d, ec, values)
}
