package exec

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/opal-lang/vela/core/val"
)

// EvalContext is the per-evaluation view handed to physical expressions: the
// execution context plus the Go context used for KV calls.
type EvalContext struct {
	Ctx  context.Context
	Exec *ExecutionContext
}

// WithValue rebinds the current value for one evaluation.
func (e EvalContext) WithValue(v val.Value) EvalContext {
	return EvalContext{Ctx: e.Ctx, Exec: e.Exec.WithCurrentValue(v)}
}

// Current returns the bound current value, or None.
func (e EvalContext) Current() val.Value {
	if v := e.Exec.CurrentValue(); v != nil {
		return v
	}
	return val.None{}
}

// PhysicalExpr is a lowered expression. Evaluate's error channel carries
// control-flow signals as well as data errors; see core/flow.
type PhysicalExpr interface {
	// Name identifies the expression in plan output.
	Name() string
	// Evaluate computes the expression against the context.
	Evaluate(ec EvalContext) (val.Value, error)
	// EvaluateBatch computes the expression for each value bound in turn.
	// Results are in input order.
	EvaluateBatch(ec EvalContext, values []val.Value) ([]val.Value, error)
	// AccessMode is the union of the expression's children.
	AccessMode() AccessMode
	// RequiredContext is the max over the expression's children.
	RequiredContext() ContextLevel
	// EmbeddedOperators enumerates operator subtrees owned by this
	// expression, for EXPLAIN and planner analysis.
	EmbeddedOperators() []Operator
}

// parallelThreshold is the minimum batch size worth fanning out.
const parallelThreshold = 2

// batchParallelism bounds concurrent row evaluations per batch.
var batchParallelism = int64(runtime.GOMAXPROCS(0))

// EvaluateBatchSeq is the sequential batch fallback every expression can
// use. Mutating expressions must use it to preserve effect order.
func EvaluateBatchSeq(e PhysicalExpr, ec EvalContext, values []val.Value) ([]val.Value, error) {
	out := make([]val.Value, len(values))
	for i, v := range values {
		r, err := e.Evaluate(ec.WithValue(v))
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}

// EvaluateBatchAuto parallelises independent row evaluations when the
// expression is read-only and the batch is big enough; otherwise it runs
// sequentially. Results are gathered in input order either way, so the
// choice is invisible to callers.
func EvaluateBatchAuto(e PhysicalExpr, ec EvalContext, values []val.Value) ([]val.Value, error) {
	if len(values) < parallelThreshold || e.AccessMode() == ReadWrite {
		return EvaluateBatchSeq(e, ec, values)
	}
	out := make([]val.Value, len(values))
	sem := semaphore.NewWeighted(batchParallelism)
	g, gctx := errgroup.WithContext(ec.Ctx)
	for i, v := range values {
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			r, err := e.Evaluate(EvalContext{Ctx: gctx, Exec: ec.Exec.WithCurrentValue(v)})
			if err != nil {
				return err
			}
			out[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
