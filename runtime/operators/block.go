package operators

import (
	"context"

	"github.com/opal-lang/vela/core/expr"
	"github.com/opal-lang/vela/core/flow"
	"github.com/opal-lang/vela/core/val"
	"github.com/opal-lang/vela/runtime/exec"
)

// Block executes a statement sequence with deferred planning. LET
// statements extend the context for the remaining statements of the block
// only; RETURN is caught at the block boundary and substitutes the block's
// value. Without a RETURN the block yields its last statement's value.
type Block struct {
	exec.OperatorBase
	Body []expr.Expr
	Eval DeferredEval

	metrics exec.OperatorMetrics
}

func (*Block) Name() string { return "Block" }

func (b *Block) RequiredContext() exec.ContextLevel { return exec.LevelDatabase }

func (b *Block) AccessMode() exec.AccessMode {
	for _, s := range b.Body {
		if !s.ReadOnly() {
			return exec.ReadWrite
		}
	}
	return exec.ReadOnly
}

func (b *Block) Metrics() *exec.OperatorMetrics { return &b.metrics }
func (b *Block) IsScalar() bool                 { return true }

func (b *Block) Execute(ctx *exec.ExecutionContext) (exec.BatchStream, error) {
	cancellation := ctx.Cancellation()
	done := false
	stream := exec.FuncStream(func(gctx context.Context) (exec.ValueBatch, error) {
		if done {
			return nil, nil
		}
		done = true
		current := ctx
		var last val.Value = val.None{}
		for _, stmt := range b.Body {
			if err := exec.CancelCheck(cancellation); err != nil {
				return nil, err
			}
			if let, ok := stmt.(expr.Let); ok {
				v, err := b.Eval(gctx, current, let.Value)
				if err != nil {
					return nil, err
				}
				current = current.WithParam(let.Name, v)
				last = val.None{}
				continue
			}
			v, err := b.Eval(gctx, current, stmt)
			if err != nil {
				// RETURN substitutes the block's value; everything else,
				// including BREAK/CONTINUE for an enclosing loop,
				// propagates.
				if caught, cerr := flow.CatchReturn(v, err); cerr == nil {
					return exec.ValueBatch{caught}, nil
				}
				return nil, err
			}
			last = v
		}
		return exec.ValueBatch{last}, nil
	})
	return exec.MonitorStream(stream, &b.metrics), nil
}

// IfElse evaluates condition/branch pairs in order with deferred planning,
// executing the first truthy branch, or the else branch.
type IfElse struct {
	exec.OperatorBase
	Conds []expr.Expr
	Then  []expr.Expr
	Else  expr.Expr
	Eval  DeferredEval

	metrics exec.OperatorMetrics
}

func (*IfElse) Name() string { return "IfElse" }

func (i *IfElse) RequiredContext() exec.ContextLevel { return exec.LevelDatabase }

func (i *IfElse) AccessMode() exec.AccessMode {
	for _, e := range i.Conds {
		if !e.ReadOnly() {
			return exec.ReadWrite
		}
	}
	for _, e := range i.Then {
		if !e.ReadOnly() {
			return exec.ReadWrite
		}
	}
	if i.Else != nil && !i.Else.ReadOnly() {
		return exec.ReadWrite
	}
	return exec.ReadOnly
}

func (i *IfElse) Metrics() *exec.OperatorMetrics { return &i.metrics }
func (i *IfElse) IsScalar() bool                 { return true }

func (i *IfElse) Execute(ctx *exec.ExecutionContext) (exec.BatchStream, error) {
	done := false
	stream := exec.FuncStream(func(gctx context.Context) (exec.ValueBatch, error) {
		if done {
			return nil, nil
		}
		done = true
		for n, cond := range i.Conds {
			c, err := i.Eval(gctx, ctx, cond)
			if err != nil {
				return nil, err
			}
			if val.Truthy(c) {
				v, err := i.Eval(gctx, ctx, i.Then[n])
				if err != nil {
					return nil, err
				}
				return exec.ValueBatch{v}, nil
			}
		}
		if i.Else != nil {
			v, err := i.Eval(gctx, ctx, i.Else)
			if err != nil {
				return nil, err
			}
			return exec.ValueBatch{v}, nil
		}
		return exec.ValueBatch{val.None{}}, nil
	})
	return exec.MonitorStream(stream, &i.metrics), nil
}
