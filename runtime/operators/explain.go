package operators

import (
	"context"
	"fmt"
	"strings"

	"github.com/opal-lang/vela/core/val"
	"github.com/opal-lang/vela/runtime/exec"
)

// Explain wraps a plan, replacing its output with the plan description.
// With Analyze set the wrapped plan executes to completion first so the
// description carries per-operator metrics.
type Explain struct {
	exec.OperatorBase
	Input   exec.Operator
	Analyze bool
}

func (*Explain) Name() string { return "Explain" }

func (e *Explain) RequiredContext() exec.ContextLevel { return e.Input.RequiredContext() }

func (e *Explain) AccessMode() exec.AccessMode {
	if e.Analyze {
		return e.Input.AccessMode()
	}
	return exec.ReadOnly
}

func (e *Explain) CardinalityHint() exec.CardinalityHint { return exec.Exact(1) }
func (e *Explain) Children() []exec.Operator             { return []exec.Operator{e.Input} }
func (e *Explain) IsScalar() bool                        { return true }

func (e *Explain) Execute(ctx *exec.ExecutionContext) (exec.BatchStream, error) {
	done := false
	stream := exec.FuncStream(func(gctx context.Context) (exec.ValueBatch, error) {
		if done {
			return nil, nil
		}
		done = true
		if e.Analyze {
			stream, err := e.Input.Execute(ctx)
			if err != nil {
				return nil, err
			}
			if _, err := exec.CollectAll(gctx, stream); err != nil {
				return nil, err
			}
		}
		var sb strings.Builder
		describe(&sb, e.Input, 0, e.Analyze)
		return exec.ValueBatch{val.String(sb.String())}, nil
	})
	return stream, nil
}

func describe(sb *strings.Builder, op exec.Operator, depth int, analyze bool) {
	sb.WriteString(strings.Repeat("  ", depth))
	sb.WriteString(op.Name())
	for _, attr := range op.Attrs() {
		fmt.Fprintf(sb, " %s=%s", attr[0], attr[1])
	}
	if analyze {
		if m := op.Metrics(); m != nil {
			fmt.Fprintf(sb, " rows=%d batches=%d time=%s", m.Rows(), m.Batches(), m.Elapsed())
		}
	}
	sb.WriteByte('\n')
	for _, child := range op.Children() {
		describe(sb, child, depth+1, analyze)
	}
}
