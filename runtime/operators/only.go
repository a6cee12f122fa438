package operators

import (
	"context"

	"github.com/opal-lang/vela/core/fault"
	"github.com/opal-lang/vela/runtime/exec"
)

// Only scalarises its input: exactly one row passes through as a single
// value, more than one is an error, zero yields None upstream of the caller.
type Only struct {
	exec.OperatorBase
	Input exec.Operator

	metrics exec.OperatorMetrics
}

func (*Only) Name() string { return "Only" }

func (o *Only) RequiredContext() exec.ContextLevel    { return o.Input.RequiredContext() }
func (o *Only) AccessMode() exec.AccessMode           { return o.Input.AccessMode() }
func (o *Only) CardinalityHint() exec.CardinalityHint { return exec.Bounded(1) }
func (o *Only) Children() []exec.Operator             { return []exec.Operator{o.Input} }
func (o *Only) Metrics() *exec.OperatorMetrics        { return &o.metrics }
func (o *Only) IsScalar() bool                        { return true }

func (o *Only) Execute(ctx *exec.ExecutionContext) (exec.BatchStream, error) {
	input, err := o.Input.Execute(ctx)
	if err != nil {
		return nil, err
	}
	done := false
	stream := exec.FuncStream(func(gctx context.Context) (exec.ValueBatch, error) {
		if done {
			return nil, nil
		}
		done = true
		values, err := exec.CollectAll(gctx, input)
		if err != nil {
			return nil, err
		}
		switch len(values) {
		case 0:
			return nil, nil
		case 1:
			return exec.ValueBatch{values[0]}, nil
		default:
			return nil, fault.New(fault.KindThrown,
				"expected a single result output when using the ONLY keyword")
		}
	})
	return exec.MonitorStream(stream, &o.metrics), nil
}
