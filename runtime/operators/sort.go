package operators

import (
	"context"
	"sort"
	"strings"

	"github.com/opal-lang/vela/core/val"
	"github.com/opal-lang/vela/runtime/exec"
)

// Sort is a pipeline-breaking ORDER BY. The planner elides it when the
// input's advisory ordering already satisfies the requested keys.
type Sort struct {
	exec.OperatorBase
	Input exec.Operator
	Keys  []exec.SortProperty

	metrics exec.OperatorMetrics
}

func (*Sort) Name() string { return "Sort" }

func (s *Sort) RequiredContext() exec.ContextLevel    { return s.Input.RequiredContext() }
func (s *Sort) AccessMode() exec.AccessMode           { return s.Input.AccessMode() }
func (s *Sort) CardinalityHint() exec.CardinalityHint { return s.Input.CardinalityHint() }
func (s *Sort) OutputOrdering() exec.OutputOrdering   { return s.Keys }
func (s *Sort) Children() []exec.Operator             { return []exec.Operator{s.Input} }
func (s *Sort) Metrics() *exec.OperatorMetrics        { return &s.metrics }

func (s *Sort) Execute(ctx *exec.ExecutionContext) (exec.BatchStream, error) {
	input, err := s.Input.Execute(ctx)
	if err != nil {
		return nil, err
	}
	cancellation := ctx.Cancellation()
	done := false
	stream := exec.FuncStream(func(gctx context.Context) (exec.ValueBatch, error) {
		if done {
			return nil, nil
		}
		done = true
		var rows []val.Value
		for {
			if err := exec.CancelCheck(cancellation); err != nil {
				return nil, err
			}
			batch, err := input.Next(gctx)
			if err != nil {
				return nil, err
			}
			if batch == nil {
				break
			}
			rows = append(rows, batch...)
		}
		sort.SliceStable(rows, func(i, j int) bool {
			return CompareByKeys(rows[i], rows[j], s.Keys) < 0
		})
		if len(rows) == 0 {
			return nil, nil
		}
		return rows, nil
	})
	return exec.MonitorStream(stream, &s.metrics), nil
}

// CompareByKeys orders two rows by a sort-key list.
func CompareByKeys(a, b val.Value, keys []exec.SortProperty) int {
	for _, k := range keys {
		av := val.Pick(a, k.Path)
		bv := val.Pick(b, k.Path)
		c := compareSortValues(av, bv, k)
		if k.Direction == exec.Desc {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return 0
}

func compareSortValues(a, b val.Value, k exec.SortProperty) int {
	if k.Collate {
		as, aok := a.(val.String)
		bs, bok := b.(val.String)
		if aok && bok {
			return strings.Compare(strings.ToLower(string(as)), strings.ToLower(string(bs)))
		}
	}
	if k.Numeric {
		an, aok := a.(val.Number)
		bn, bok := b.(val.Number)
		if aok && bok {
			return val.CompareNumbers(an, bn)
		}
	}
	return val.Compare(a, b)
}

// OrderingSatisfies reports whether an advisory output ordering already
// delivers the requested keys, letting the planner elide the Sort.
func OrderingSatisfies(have exec.OutputOrdering, want []exec.SortProperty) bool {
	if len(have) < len(want) {
		return false
	}
	for i, w := range want {
		h := have[i]
		if h.Direction != w.Direction || h.Collate != w.Collate || h.Numeric != w.Numeric {
			return false
		}
		if !samePath(h.Path, w.Path) {
			return false
		}
	}
	return true
}

func samePath(a, b val.Path) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		af, aok := a[i].(val.FieldPart)
		bf, bok := b[i].(val.FieldPart)
		if !aok || !bok || af.Name != bf.Name {
			return false
		}
	}
	return true
}
