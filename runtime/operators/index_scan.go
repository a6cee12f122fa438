package operators

import (
	"context"

	"github.com/opal-lang/vela/core/catalog"
	"github.com/opal-lang/vela/core/fault"
	"github.com/opal-lang/vela/core/val"
	"github.com/opal-lang/vela/kv"
	"github.com/opal-lang/vela/runtime/exec"
)

// IndexBound is one side of the index value window.
type IndexBound struct {
	Value     val.Value
	Inclusive bool
}

// IndexScan reads records through a secondary index: it scans the index's
// value-ordered entries within a window, fetches each referenced record, and
// runs the same post-decode pipeline as TableScan. Residual predicate leaves
// the index cannot answer stay in Predicate.
type IndexScan struct {
	exec.OperatorBase
	Index     *catalog.IndexDefinition
	Direction kv.Direction
	// Lo and Hi bound the indexed value; nil leaves that side open. An
	// equality lookup sets both to the same inclusive value.
	Lo *IndexBound
	Hi *IndexBound
	// Predicate is the residual filter applied after decode.
	Predicate exec.PhysicalExpr
	LimitExpr exec.PhysicalExpr
	StartExpr exec.PhysicalExpr
	Compile   exec.ExprCompiler

	metrics exec.OperatorMetrics
}

func (*IndexScan) Name() string { return "IndexScan" }

func (s *IndexScan) Attrs() [][2]string {
	return [][2]string{{"index", s.Index.Name}, {"table", s.Index.Table}}
}

func (s *IndexScan) RequiredContext() exec.ContextLevel { return exec.LevelDatabase }

func (s *IndexScan) AccessMode() exec.AccessMode {
	if s.Predicate != nil {
		return s.Predicate.AccessMode()
	}
	return exec.ReadOnly
}

func (s *IndexScan) Metrics() *exec.OperatorMetrics { return &s.metrics }

// OutputOrdering is the indexed field's order in scan direction.
func (s *IndexScan) OutputOrdering() exec.OutputOrdering {
	if len(s.Index.Fields) == 0 {
		return nil
	}
	path, ok := s.Index.Fields[0].DataPath()
	if !ok {
		return nil
	}
	dir := exec.Asc
	if s.Direction == kv.Backward {
		dir = exec.Desc
	}
	return exec.OutputOrdering{{Path: path, Direction: dir}}
}

func (s *IndexScan) Execute(ctx *exec.ExecutionContext) (exec.BatchStream, error) {
	db, err := ctx.Database()
	if err != nil {
		return nil, err
	}
	txn, err := ctx.Txn()
	if err != nil {
		return nil, err
	}
	def, err := ctx.Root().Catalog.Table(db.NSCtx.NS.ID, db.DB.ID, s.Index.Table)
	if err != nil {
		return nil, err
	}
	if def == nil {
		return nil, fault.TbNotFound(s.Index.Table)
	}

	cancellation := ctx.Cancellation()
	var source kv.Stream
	var pipe *scanPipeline
	ready := false
	done := false

	stream := exec.FuncStream(func(gctx context.Context) (exec.ValueBatch, error) {
		if done {
			return nil, nil
		}
		ec := exec.EvalContext{Ctx: gctx, Exec: ctx}
		if !ready {
			limit := -1
			start := 0
			if s.LimitExpr != nil {
				var err error
				if limit, err = EvalLimitExpr(s.LimitExpr, ec); err != nil {
					return nil, err
				}
			}
			if s.StartExpr != nil {
				var err error
				if start, err = EvalLimitExpr(s.StartExpr, ec); err != nil {
					return nil, err
				}
			}
			checkPerms := exec.ShouldCheckPerms(ctx)
			perm := exec.AllowPermission()
			if checkPerms {
				var err error
				if perm, err = exec.CompilePermission(def.Permissions.Select, s.Compile); err != nil {
					return nil, err
				}
			}
			if perm.IsDeny() || limit == 0 {
				done = true
				return nil, nil
			}
			fields, err := exec.BuildFieldState(def, checkPerms, nil, s.Compile)
			if err != nil {
				return nil, err
			}
			pipe = newScanPipeline(perm, s.Predicate, fields, start, limit)
			rng, err := s.valueRange(db)
			if err != nil {
				return nil, err
			}
			source = txn.Scan(rng, kv.ScanOptions{Direction: s.Direction})
			ready = true
		}
		var out []val.Value
		for {
			entries, err := source.Next(gctx)
			if err != nil {
				done = true
				return nil, err
			}
			if entries == nil {
				done = true
				if len(out) == 0 {
					return nil, nil
				}
				return out, nil
			}
			rows := make([]val.Value, 0, len(entries))
			for _, entry := range entries {
				if err := exec.CancelCheck(cancellation); err != nil {
					done = true
					return nil, err
				}
				// The entry value is the record's storage key.
				payload, found, err := txn.Get(gctx, entry.Value, 0)
				if err != nil {
					done = true
					return nil, err
				}
				if !found {
					continue // entry for a deleted record
				}
				row, err := decodeRecord(kv.Pair{Key: entry.Value, Value: payload})
				if err != nil {
					done = true
					return nil, err
				}
				rows = append(rows, row)
			}
			kept, cont, err := pipe.process(ec, rows)
			if err != nil {
				done = true
				return nil, err
			}
			out = append(out, kept...)
			if !cont {
				done = true
				if len(out) == 0 {
					return nil, nil
				}
				return out, nil
			}
			if len(out) >= scanBatchRows {
				return out, nil
			}
		}
	})
	return exec.MonitorStream(stream, &s.metrics), nil
}

func (s *IndexScan) valueRange(db *exec.DatabaseContext) (kv.KeyRange, error) {
	ns, dbid := db.NSCtx.NS.ID, db.DB.ID
	var lo, hi []byte
	if s.Lo != nil {
		b, ok := kv.ValueOrderBytes(s.Lo.Value)
		if !ok {
			return kv.KeyRange{}, fault.New(fault.KindInternal, "index bound is not order-encodable")
		}
		lo = b
		if !s.Lo.Inclusive {
			lo = append(lo, 0x01)
		}
	}
	if s.Hi != nil {
		b, ok := kv.ValueOrderBytes(s.Hi.Value)
		if !ok {
			return kv.KeyRange{}, fault.New(fault.KindInternal, "index bound is not order-encodable")
		}
		hi = b
		if s.Hi.Inclusive {
			// Extend past every entry sharing the bound's value bytes.
			hi = append(hi, 0xff)
		}
	}
	return kv.IndexValueRange(ns, dbid, s.Index.Table, s.Index.Name, lo, hi), nil
}
