package operators

import (
	"context"
	"runtime"

	"github.com/opal-lang/vela/core/expr"
	"github.com/opal-lang/vela/core/fault"
	"github.com/opal-lang/vela/core/flow"
	"github.com/opal-lang/vela/core/val"
	"github.com/opal-lang/vela/runtime/exec"
)

// DeferredEval evaluates an AST expression through deferred planning: the
// planner lowers it when it can and falls back to the legacy compute path on
// Unimplemented. Block-aware operators hold one of these instead of
// pre-built children.
type DeferredEval func(gctx context.Context, ctx *exec.ExecutionContext, e expr.Expr) (val.Value, error)

// Foreach drives a FOR loop: evaluate the range, bind the loop variable,
// execute the body statements per element with deferred planning. BREAK ends
// the loop, CONTINUE the iteration; RETURN and errors propagate. The loop
// itself produces NONE.
type Foreach struct {
	exec.OperatorBase
	Param string
	Range expr.Expr
	Body  expr.Block
	Eval  DeferredEval

	metrics exec.OperatorMetrics
}

func (*Foreach) Name() string { return "Foreach" }

func (f *Foreach) Attrs() [][2]string {
	return [][2]string{{"param", "$" + f.Param}}
}

// RequiredContext is conservative: the body is planned per iteration, so
// its needs are unknown until then.
func (f *Foreach) RequiredContext() exec.ContextLevel { return exec.LevelDatabase }

func (f *Foreach) AccessMode() exec.AccessMode {
	if f.Range.ReadOnly() && f.Body.ReadOnly() {
		return exec.ReadOnly
	}
	return exec.ReadWrite
}

func (f *Foreach) Metrics() *exec.OperatorMetrics { return &f.metrics }
func (f *Foreach) IsScalar() bool                 { return true }

func (f *Foreach) Execute(ctx *exec.ExecutionContext) (exec.BatchStream, error) {
	cancellation := ctx.Cancellation()
	done := false
	stream := exec.FuncStream(func(gctx context.Context) (exec.ValueBatch, error) {
		if done {
			return nil, nil
		}
		done = true
		rangeValue, err := f.Eval(gctx, ctx, f.Range)
		if err != nil {
			return nil, err
		}
		var elements []val.Value
		switch rv := rangeValue.(type) {
		case val.Array:
			elements = rv
		case val.Range:
			ir, err := rv.CoerceIntRange()
			if err != nil {
				return nil, err
			}
			ir.Each(func(i int64) bool {
				elements = append(elements, val.Int(i))
				return true
			})
		default:
			return nil, fault.New(fault.KindThrown,
				"can not use value of type %s in a FOR loop", val.KindOf(rangeValue))
		}
	loop:
		for _, element := range elements {
			if err := exec.CancelCheck(cancellation); err != nil {
				return nil, err
			}
			loopCtx := ctx.WithParam(f.Param, element)
			for _, stmt := range f.Body.Body {
				_, err := f.Eval(gctx, loopCtx, stmt)
				switch {
				case err == nil:
					// next statement
				case flow.IsContinue(err):
					continue loop
				case flow.IsBreak(err):
					break loop
				default:
					// RETURN and data errors propagate upward.
					return nil, err
				}
			}
			// Cooperative yield so long loops cannot starve the scheduler.
			runtime.Gosched()
		}
		return exec.ValueBatch{val.None{}}, nil
	})
	return exec.MonitorStream(stream, &f.metrics), nil
}
