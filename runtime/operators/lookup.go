package operators

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/opal-lang/vela/core/expr"
	"github.com/opal-lang/vela/core/val"
	"github.com/opal-lang/vela/kv"
	"github.com/opal-lang/vela/runtime/exec"
)

// GraphEdgeScan traverses graph edges of the record bound as the current
// value. The leaf of every lookup subtree is a CurrentValueSource; this
// operator consumes its single value, extracts the record id, and scans the
// edge pointers in the requested direction(s).
type GraphEdgeScan struct {
	exec.OperatorBase
	Source exec.Operator
	Dir    expr.LookupDir
	// Edges lists the edge tables to follow.
	Edges []string
	// Target, when set, restricts results to records of that table.
	Target string
	// FullEdge fetches the target record documents instead of bare ids,
	// enabling WHERE and SPLIT over target fields.
	FullEdge bool

	metrics exec.OperatorMetrics
}

func (*GraphEdgeScan) Name() string { return "GraphEdgeScan" }

func (g *GraphEdgeScan) RequiredContext() exec.ContextLevel { return exec.LevelDatabase }
func (g *GraphEdgeScan) AccessMode() exec.AccessMode        { return exec.ReadOnly }
func (g *GraphEdgeScan) Children() []exec.Operator          { return []exec.Operator{g.Source} }
func (g *GraphEdgeScan) Metrics() *exec.OperatorMetrics     { return &g.metrics }

// edgePointer is the stored payload of one edge pointer key.
type edgePointer struct {
	Edge   val.RecordId
	Target val.RecordId
}

func decodeEdgePointer(b []byte) (edgePointer, bool) {
	v, err := val.DecodeRow(b)
	if err != nil {
		return edgePointer{}, false
	}
	obj, ok := v.(val.Object)
	if !ok {
		return edgePointer{}, false
	}
	eid, eok := obj.Get("eid").(val.RecordId)
	tgt, tok := obj.Get("tgt").(val.RecordId)
	if !eok || !tok {
		return edgePointer{}, false
	}
	return edgePointer{Edge: eid, Target: tgt}, true
}

// EncodeEdgePointer builds the payload stored under an edge pointer key.
// The mutation operators and the scans must agree on this shape.
func EncodeEdgePointer(edge, target val.RecordId) ([]byte, error) {
	return val.EncodeRow(val.Object{"eid": edge, "tgt": target})
}

func (g *GraphEdgeScan) Execute(ctx *exec.ExecutionContext) (exec.BatchStream, error) {
	db, err := ctx.Database()
	if err != nil {
		return nil, err
	}
	txn, err := ctx.Txn()
	if err != nil {
		return nil, err
	}
	source, err := g.Source.Execute(ctx)
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
		inputs, err := exec.CollectAll(gctx, source)
		if err != nil {
			return nil, err
		}
		var out exec.ValueBatch
		for _, in := range inputs {
			rid, ok := bindingRecordId(in)
			if !ok {
				continue
			}
			var dirs []byte
			switch g.Dir {
			case expr.LookupOut:
				dirs = []byte{'o'}
			case expr.LookupIn:
				dirs = []byte{'i'}
			case expr.LookupBoth:
				dirs = []byte{'o', 'i'}
			}
			for _, dir := range dirs {
				for _, edge := range g.Edges {
					if err := exec.CancelCheck(cancellation); err != nil {
						return nil, err
					}
					rng, err := kv.EdgePrefix(db.NSCtx.NS.ID, db.DB.ID, rid, dir, edge)
					if err != nil {
						return nil, err
					}
					pairs, err := txn.GetR(gctx, rng, 0)
					if err != nil {
						return nil, err
					}
					for _, pair := range pairs {
						ptr, ok := decodeEdgePointer(pair.Value)
						if !ok {
							continue
						}
						if g.Target != "" && ptr.Target.Table != g.Target {
							continue
						}
						if !g.FullEdge {
							out = append(out, ptr.Target)
							continue
						}
						doc, err := fetchRecord(gctx, txn, db, ptr.Target)
						if err != nil {
							return nil, err
						}
						if doc != nil {
							out = append(out, doc)
						}
					}
				}
			}
		}
		if len(out) == 0 {
			return nil, nil
		}
		return out, nil
	})
	return exec.MonitorStream(stream, &g.metrics), nil
}

// ReferenceScan follows record back-references (`<~`): every record that
// stores a link to the bound record.
type ReferenceScan struct {
	exec.OperatorBase
	Source exec.Operator
	// Target restricts referencing records to one table when set.
	Target   string
	FullEdge bool

	metrics exec.OperatorMetrics
}

func (*ReferenceScan) Name() string { return "ReferenceScan" }

func (r *ReferenceScan) RequiredContext() exec.ContextLevel { return exec.LevelDatabase }
func (r *ReferenceScan) AccessMode() exec.AccessMode        { return exec.ReadOnly }
func (r *ReferenceScan) Children() []exec.Operator          { return []exec.Operator{r.Source} }
func (r *ReferenceScan) Metrics() *exec.OperatorMetrics     { return &r.metrics }

func (r *ReferenceScan) Execute(ctx *exec.ExecutionContext) (exec.BatchStream, error) {
	db, err := ctx.Database()
	if err != nil {
		return nil, err
	}
	txn, err := ctx.Txn()
	if err != nil {
		return nil, err
	}
	source, err := r.Source.Execute(ctx)
	if err != nil {
		return nil, err
	}
	done := false
	stream := exec.FuncStream(func(gctx context.Context) (exec.ValueBatch, error) {
		if done {
			return nil, nil
		}
		done = true
		inputs, err := exec.CollectAll(gctx, source)
		if err != nil {
			return nil, err
		}
		var out exec.ValueBatch
		for _, in := range inputs {
			rid, ok := bindingRecordId(in)
			if !ok {
				continue
			}
			rng, err := kv.RefPrefix(db.NSCtx.NS.ID, db.DB.ID, rid)
			if err != nil {
				return nil, err
			}
			pairs, err := txn.GetR(gctx, rng, 0)
			if err != nil {
				return nil, err
			}
			for _, pair := range pairs {
				v, err := val.DecodeRow(pair.Value)
				if err != nil {
					continue
				}
				from, ok := v.(val.RecordId)
				if !ok {
					continue
				}
				if r.Target != "" && from.Table != r.Target {
					continue
				}
				if !r.FullEdge {
					out = append(out, from)
					continue
				}
				doc, err := fetchRecord(gctx, txn, db, from)
				if err != nil {
					return nil, err
				}
				if doc != nil {
					out = append(out, doc)
				}
			}
		}
		if len(out) == 0 {
			return nil, nil
		}
		return out, nil
	})
	return exec.MonitorStream(stream, &r.metrics), nil
}

// bindingRecordId extracts the record id of a lookup input: a bare id or an
// object with an id field.
func bindingRecordId(v val.Value) (val.RecordId, bool) {
	switch x := v.(type) {
	case val.RecordId:
		return x, true
	case val.Object:
		rid, ok := x.Get("id").(val.RecordId)
		return rid, ok
	default:
		return val.RecordId{}, false
	}
}

func fetchRecord(gctx context.Context, txn kv.Transaction, db *exec.DatabaseContext, rid val.RecordId) (val.Value, error) {
	key, err := kv.RecordKey(db.NSCtx.NS.ID, db.DB.ID, rid)
	if err != nil {
		return nil, err
	}
	payload, found, err := txn.Get(gctx, key, 0)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return val.DecodeRow(payload)
}

// LookupPart is the physical expression embedding a lookup subtree inside
// idiom evaluation. It owns a pre-planned operator tree whose leaf is a
// CurrentValueSource; at evaluation time the current binding is installed on
// a child context and the subtree is streamed to completion.
type LookupPart struct {
	Dir  expr.LookupDir
	Plan exec.Operator
	// ExtractID projects results back to record ids when the scan ran in
	// full-edge mode without an explicit projection.
	ExtractID bool
}

func (*LookupPart) Name() string { return "Lookup" }

func (l *LookupPart) RequiredContext() exec.ContextLevel {
	return exec.MaxLevel(l.Plan.RequiredContext(), exec.LevelDatabase)
}

func (l *LookupPart) AccessMode() exec.AccessMode {
	return l.Plan.AccessMode()
}

func (l *LookupPart) EmbeddedOperators() []exec.Operator {
	return []exec.Operator{l.Plan}
}

func (l *LookupPart) Evaluate(ec exec.EvalContext) (val.Value, error) {
	return l.evaluateValue(ec, ec.Current())
}

func (l *LookupPart) evaluateValue(ec exec.EvalContext, v val.Value) (val.Value, error) {
	switch x := v.(type) {
	case val.RecordId, val.Object:
		return l.run(ec, x)
	case val.Array:
		// Map over elements and flatten one level: [a,b]->edge yields one
		// flat array of all targets, never nested arrays.
		out := make(val.Array, 0, len(x))
		for _, item := range x {
			r, err := l.evaluateValue(ec, item)
			if err != nil {
				return nil, err
			}
			if inner, ok := r.(val.Array); ok {
				out = append(out, inner...)
			} else if !val.IsNoneOrNull(r) {
				out = append(out, r)
			}
		}
		return out, nil
	default:
		return val.None{}, nil
	}
}

func (l *LookupPart) run(ec exec.EvalContext, v val.Value) (val.Value, error) {
	bound := ec.Exec.WithCurrentValue(v)
	stream, err := l.Plan.Execute(bound)
	if err != nil {
		return nil, err
	}
	results, err := exec.CollectAll(ec.Ctx, stream)
	if err != nil {
		return nil, err
	}
	if l.ExtractID {
		ids := make(val.Array, 0, len(results))
		for _, r := range results {
			switch x := r.(type) {
			case val.RecordId:
				ids = append(ids, x)
			case val.Object:
				if rid, ok := x.Get("id").(val.RecordId); ok {
					ids = append(ids, rid)
				}
			}
		}
		return ids, nil
	}
	return val.Array(results), nil
}

// EvaluateBatch fans lookups out concurrently for read-only plans and
// batches of at least two rows; the result order always matches the input.
func (l *LookupPart) EvaluateBatch(ec exec.EvalContext, values []val.Value) ([]val.Value, error) {
	if len(values) < 2 || l.AccessMode() == exec.ReadWrite {
		return exec.EvaluateBatchSeq(l, ec, values)
	}
	out := make([]val.Value, len(values))
	g, gctx := errgroup.WithContext(ec.Ctx)
	for i, v := range values {
		g.Go(func() error {
			r, err := l.evaluateValue(exec.EvalContext{Ctx: gctx, Exec: ec.Exec}, v)
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
