package operators

import (
	"context"

	"github.com/opal-lang/vela/core/fault"
	"github.com/opal-lang/vela/core/val"
	"github.com/opal-lang/vela/runtime/exec"
)

// Limit applies START (offset) then LIMIT (cap) to its input, in that
// order. The planner omits this operator when both were pushed into the
// scan.
type Limit struct {
	exec.OperatorBase
	Input exec.Operator
	// LimitExpr caps output rows when non-nil.
	LimitExpr exec.PhysicalExpr
	// StartExpr skips leading rows when non-nil.
	StartExpr exec.PhysicalExpr

	metrics exec.OperatorMetrics
}

func (*Limit) Name() string { return "Limit" }

func (l *Limit) RequiredContext() exec.ContextLevel { return l.Input.RequiredContext() }
func (l *Limit) AccessMode() exec.AccessMode        { return l.Input.AccessMode() }
func (l *Limit) OutputOrdering() exec.OutputOrdering {
	return l.Input.OutputOrdering()
}
func (l *Limit) Children() []exec.Operator      { return []exec.Operator{l.Input} }
func (l *Limit) Metrics() *exec.OperatorMetrics { return &l.metrics }

// EvalLimitExpr evaluates a LIMIT or START expression to a non-negative
// count.
func EvalLimitExpr(e exec.PhysicalExpr, ec exec.EvalContext) (int, error) {
	v, err := e.Evaluate(ec)
	if err != nil {
		return 0, err
	}
	n, ok := v.(val.Number)
	if !ok {
		return 0, fault.New(fault.KindConversion, "LIMIT and START expect a number, got %s", val.KindOf(v))
	}
	i, err := val.AsInt64(n)
	if err != nil {
		return 0, err
	}
	if i < 0 {
		return 0, fault.New(fault.KindConversion, "LIMIT and START must not be negative")
	}
	return int(i), nil
}

func (l *Limit) Execute(ctx *exec.ExecutionContext) (exec.BatchStream, error) {
	input, err := l.Input.Execute(ctx)
	if err != nil {
		return nil, err
	}
	cancellation := ctx.Cancellation()
	initialised := false
	remaining := -1
	skip := 0
	stream := exec.FuncStream(func(gctx context.Context) (exec.ValueBatch, error) {
		if !initialised {
			ec := exec.EvalContext{Ctx: gctx, Exec: ctx}
			if l.StartExpr != nil {
				if skip, err = EvalLimitExpr(l.StartExpr, ec); err != nil {
					return nil, err
				}
			}
			if l.LimitExpr != nil {
				if remaining, err = EvalLimitExpr(l.LimitExpr, ec); err != nil {
					return nil, err
				}
			}
			initialised = true
		}
		for {
			if err := exec.CancelCheck(cancellation); err != nil {
				return nil, err
			}
			if remaining == 0 {
				return nil, nil
			}
			batch, err := input.Next(gctx)
			if err != nil || batch == nil {
				return nil, err
			}
			if skip > 0 {
				if skip >= len(batch) {
					skip -= len(batch)
					continue
				}
				batch = batch[skip:]
				skip = 0
			}
			if remaining > 0 && len(batch) > remaining {
				batch = batch[:remaining]
			}
			if remaining > 0 {
				remaining -= len(batch)
			}
			if len(batch) > 0 {
				return batch, nil
			}
		}
	})
	return exec.MonitorStream(stream, &l.metrics), nil
}
