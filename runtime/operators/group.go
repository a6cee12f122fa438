package operators

import (
	"context"
	"sort"

	"github.com/opal-lang/vela/core/val"
	"github.com/opal-lang/vela/runtime/exec"
)

// Split duplicates each row once per element of the named field, replacing
// the field with the element. Rows without an array at the path pass
// through unchanged.
type Split struct {
	exec.OperatorBase
	Input exec.Operator
	Paths []val.Path

	metrics exec.OperatorMetrics
}

func (*Split) Name() string { return "Split" }

func (s *Split) RequiredContext() exec.ContextLevel { return s.Input.RequiredContext() }
func (s *Split) AccessMode() exec.AccessMode        { return s.Input.AccessMode() }
func (s *Split) Children() []exec.Operator          { return []exec.Operator{s.Input} }
func (s *Split) Metrics() *exec.OperatorMetrics     { return &s.metrics }

func (s *Split) Execute(ctx *exec.ExecutionContext) (exec.BatchStream, error) {
	input, err := s.Input.Execute(ctx)
	if err != nil {
		return nil, err
	}
	stream := exec.FuncStream(func(gctx context.Context) (exec.ValueBatch, error) {
		for {
			batch, err := input.Next(gctx)
			if err != nil || batch == nil {
				return nil, err
			}
			out := make(exec.ValueBatch, 0, len(batch))
			for _, row := range batch {
				rows := []val.Value{row}
				for _, path := range s.Paths {
					var next []val.Value
					for _, r := range rows {
						arr, ok := val.Pick(r, path).(val.Array)
						if !ok {
							next = append(next, r)
							continue
						}
						for _, e := range arr {
							next = append(next, val.Put(r, path, e))
						}
					}
					rows = next
				}
				out = append(out, rows...)
			}
			if len(out) > 0 {
				return out, nil
			}
		}
	})
	return exec.MonitorStream(stream, &s.metrics), nil
}

// Group is the pipeline-breaking GROUP BY. Grouped paths keep their key
// value on the output row; the group's whole input rows collect into an
// array under the "group" field. Aggregate functions in the projection above
// consume that array. GROUP ALL produces a single group.
type Group struct {
	exec.OperatorBase
	Input exec.Operator
	Keys  []val.Path
	All   bool

	metrics exec.OperatorMetrics
}

func (*Group) Name() string { return "Group" }

func (g *Group) RequiredContext() exec.ContextLevel { return g.Input.RequiredContext() }
func (g *Group) AccessMode() exec.AccessMode        { return g.Input.AccessMode() }
func (g *Group) Children() []exec.Operator          { return []exec.Operator{g.Input} }
func (g *Group) Metrics() *exec.OperatorMetrics     { return &g.metrics }

func (g *Group) Execute(ctx *exec.ExecutionContext) (exec.BatchStream, error) {
	input, err := g.Input.Execute(ctx)
	if err != nil {
		return nil, err
	}
	done := false
	stream := exec.FuncStream(func(gctx context.Context) (exec.ValueBatch, error) {
		if done {
			return nil, nil
		}
		done = true
		rows, err := exec.CollectAll(gctx, input)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, nil
		}
		type bucket struct {
			key  []val.Value
			rows []val.Value
		}
		var order []string
		buckets := map[string]*bucket{}
		for _, row := range rows {
			var key []val.Value
			id := ""
			if !g.All {
				for _, p := range g.Keys {
					kv := val.Pick(row, p)
					key = append(key, kv)
					b, _ := val.EncodeRow(kv)
					id += string(b) + "\x00"
				}
			}
			b, ok := buckets[id]
			if !ok {
				b = &bucket{key: key}
				buckets[id] = b
				order = append(order, id)
			}
			b.rows = append(b.rows, row)
		}
		sort.Strings(order)
		out := make(exec.ValueBatch, 0, len(order))
		for _, id := range order {
			b := buckets[id]
			group := val.Object{}
			for i, p := range g.Keys {
				group = val.Put(group, p, b.key[i]).(val.Object)
			}
			collected := make(val.Array, len(b.rows))
			copy(collected, b.rows)
			group["group"] = collected
			out = append(out, group)
		}
		return out, nil
	})
	return exec.MonitorStream(stream, &g.metrics), nil
}
