package operators

import (
	"context"

	"github.com/opal-lang/vela/core/flow"
	"github.com/opal-lang/vela/core/val"
	"github.com/opal-lang/vela/runtime/exec"
)

// ProjectField is one output column of a projection.
type ProjectField struct {
	Expr  exec.PhysicalExpr
	Alias string
}

// Project evaluates the SELECT list per row. With an empty field list it
// passes rows through, stripping omitted fields.
type Project struct {
	exec.OperatorBase
	Input  exec.Operator
	Fields []ProjectField
	Omit   []string

	metrics exec.OperatorMetrics
}

func (*Project) Name() string { return "Project" }

func (p *Project) RequiredContext() exec.ContextLevel {
	level := p.Input.RequiredContext()
	for _, f := range p.Fields {
		level = exec.MaxLevel(level, f.Expr.RequiredContext())
	}
	return level
}

func (p *Project) AccessMode() exec.AccessMode {
	mode := p.Input.AccessMode()
	for _, f := range p.Fields {
		mode = mode.Combine(f.Expr.AccessMode())
	}
	return mode
}

func (p *Project) CardinalityHint() exec.CardinalityHint { return p.Input.CardinalityHint() }
func (p *Project) Children() []exec.Operator             { return []exec.Operator{p.Input} }
func (p *Project) Metrics() *exec.OperatorMetrics        { return &p.metrics }

func (p *Project) Execute(ctx *exec.ExecutionContext) (exec.BatchStream, error) {
	input, err := p.Input.Execute(ctx)
	if err != nil {
		return nil, err
	}
	cancellation := ctx.Cancellation()
	stream := exec.FuncStream(func(gctx context.Context) (exec.ValueBatch, error) {
		if err := exec.CancelCheck(cancellation); err != nil {
			return nil, err
		}
		batch, err := input.Next(gctx)
		if err != nil || batch == nil {
			return nil, err
		}
		ec := exec.EvalContext{Ctx: gctx, Exec: ctx}
		out := make(exec.ValueBatch, len(batch))
		for i, row := range batch {
			projected, err := p.projectRow(ec, row)
			if err != nil {
				return nil, err
			}
			out[i] = projected
		}
		return out, nil
	})
	return exec.MonitorStream(stream, &p.metrics), nil
}

func (p *Project) projectRow(ec exec.EvalContext, row val.Value) (val.Value, error) {
	if len(p.Fields) == 0 {
		if len(p.Omit) == 0 {
			return row, nil
		}
		obj, ok := row.(val.Object)
		if !ok {
			return row, nil
		}
		out := obj.Copy()
		for _, name := range p.Omit {
			delete(out, name)
		}
		return out, nil
	}
	out := make(val.Object, len(p.Fields))
	for _, f := range p.Fields {
		// Projection is an optional-use site: ignorable coercion errors
		// become NONE rather than failing the row.
		v, err := flow.OrNone(f.Expr.Evaluate(ec.WithValue(row)))
		if err != nil {
			return nil, err
		}
		out[f.Alias] = v
	}
	return out, nil
}
