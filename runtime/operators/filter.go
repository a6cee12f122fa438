package operators

import (
	"context"

	"github.com/opal-lang/vela/core/val"
	"github.com/opal-lang/vela/runtime/exec"
)

// Filter keeps rows whose predicate is truthy. The planner only builds a
// Filter for predicate leaves it could not push into the scan.
type Filter struct {
	exec.OperatorBase
	Input     exec.Operator
	Predicate exec.PhysicalExpr

	metrics exec.OperatorMetrics
}

func (*Filter) Name() string { return "Filter" }

func (f *Filter) Attrs() [][2]string {
	return [][2]string{{"predicate", f.Predicate.Name()}}
}

func (f *Filter) RequiredContext() exec.ContextLevel {
	return exec.MaxLevel(f.Input.RequiredContext(), f.Predicate.RequiredContext())
}

func (f *Filter) AccessMode() exec.AccessMode {
	return f.Input.AccessMode().Combine(f.Predicate.AccessMode())
}

func (f *Filter) OutputOrdering() exec.OutputOrdering { return f.Input.OutputOrdering() }
func (f *Filter) CardinalityHint() exec.CardinalityHint {
	if n, ok := f.Input.CardinalityHint().Bound(); ok {
		return exec.Bounded(n)
	}
	return exec.Unbounded()
}
func (f *Filter) Children() []exec.Operator      { return []exec.Operator{f.Input} }
func (f *Filter) Metrics() *exec.OperatorMetrics { return &f.metrics }

func (f *Filter) Execute(ctx *exec.ExecutionContext) (exec.BatchStream, error) {
	input, err := f.Input.Execute(ctx)
	if err != nil {
		return nil, err
	}
	cancellation := ctx.Cancellation()
	stream := exec.FuncStream(func(gctx context.Context) (exec.ValueBatch, error) {
		for {
			if err := exec.CancelCheck(cancellation); err != nil {
				return nil, err
			}
			batch, err := input.Next(gctx)
			if err != nil || batch == nil {
				return nil, err
			}
			ec := exec.EvalContext{Ctx: gctx, Exec: ctx}
			results, err := f.Predicate.EvaluateBatch(ec, batch)
			if err != nil {
				return nil, err
			}
			kept := batch[:0:0]
			for i, r := range results {
				if val.Truthy(r) {
					kept = append(kept, batch[i])
				}
			}
			if len(kept) > 0 {
				return kept, nil
			}
		}
	})
	return exec.MonitorStream(stream, &f.metrics), nil
}
