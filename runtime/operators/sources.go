// Package operators implements the physical operators the planner composes
// into executable trees: value sources, scans, filters, projections, sorts,
// limits, the KNN top-K aggregate, graph lookups, FOREACH, and the mutation
// operators. Operator contracts live in runtime/exec.
package operators

import (
	"github.com/opal-lang/vela/core/val"
	"github.com/opal-lang/vela/runtime/exec"
)

// ValuesSource yields a fixed set of values, one batch.
type ValuesSource struct {
	exec.OperatorBase
	Values []val.Value
}

func (*ValuesSource) Name() string { return "Values" }

func (v *ValuesSource) RequiredContext() exec.ContextLevel { return exec.LevelRoot }
func (v *ValuesSource) AccessMode() exec.AccessMode        { return exec.ReadOnly }
func (v *ValuesSource) CardinalityHint() exec.CardinalityHint {
	return exec.Exact(len(v.Values))
}

func (v *ValuesSource) Execute(ctx *exec.ExecutionContext) (exec.BatchStream, error) {
	return exec.OnceStream(exec.ValueBatch(v.Values)), nil
}

// CurrentValueSource yields the current-value binding installed on the
// context. It is the leaf of every lookup subtree: LookupPart binds the
// record under traversal before executing the plan.
type CurrentValueSource struct {
	exec.OperatorBase
}

func (*CurrentValueSource) Name() string { return "CurrentValue" }

func (c *CurrentValueSource) RequiredContext() exec.ContextLevel { return exec.LevelRoot }
func (c *CurrentValueSource) AccessMode() exec.AccessMode        { return exec.ReadOnly }
func (c *CurrentValueSource) CardinalityHint() exec.CardinalityHint {
	return exec.Exact(1)
}
func (c *CurrentValueSource) IsScalar() bool { return true }

func (c *CurrentValueSource) Execute(ctx *exec.ExecutionContext) (exec.BatchStream, error) {
	v := ctx.CurrentValue()
	if v == nil {
		return exec.OnceStream(nil), nil
	}
	return exec.OnceStream(exec.ValueBatch{v}), nil
}
