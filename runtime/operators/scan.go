package operators

import (
	"context"

	"github.com/opal-lang/vela/core/catalog"
	"github.com/opal-lang/vela/core/fault"
	"github.com/opal-lang/vela/core/val"
	"github.com/opal-lang/vela/kv"
	"github.com/opal-lang/vela/runtime/exec"
)

// TableScan is a direct KV range scan over a known table, feeding the scan
// pipeline: KV range, decode, predicate, row permission, computed fields,
// field permissions, start/limit.
type TableScan struct {
	exec.OperatorBase
	Table     string
	Direction kv.Direction
	// VersionExpr pins an MVCC snapshot when non-nil (evaluates to a
	// datetime or version number).
	VersionExpr exec.PhysicalExpr
	// Predicate is the pushed-down WHERE conjunction, or nil.
	Predicate exec.PhysicalExpr
	// LimitExpr and StartExpr are the pushed-down window, or nil.
	LimitExpr exec.PhysicalExpr
	StartExpr exec.PhysicalExpr
	// NeededFields restricts computed-field work when non-nil.
	NeededFields map[string]bool
	// Compile lowers catalog expressions for permissions and fields.
	Compile exec.ExprCompiler

	metrics exec.OperatorMetrics
}

func (*TableScan) Name() string { return "TableScan" }

func (t *TableScan) Attrs() [][2]string {
	attrs := [][2]string{{"table", t.Table}}
	if t.Direction == kv.Backward {
		attrs = append(attrs, [2]string{"direction", "backward"})
	}
	if t.Predicate != nil {
		attrs = append(attrs, [2]string{"predicate", "pushed"})
	}
	return attrs
}

func (t *TableScan) RequiredContext() exec.ContextLevel { return exec.LevelDatabase }

func (t *TableScan) AccessMode() exec.AccessMode {
	mode := exec.ReadOnly
	for _, e := range []exec.PhysicalExpr{t.Predicate, t.LimitExpr, t.StartExpr} {
		if e != nil {
			mode = mode.Combine(e.AccessMode())
		}
	}
	return mode
}

func (t *TableScan) Metrics() *exec.OperatorMetrics { return &t.metrics }

// OutputOrdering projects the KV key order to the id field: forward scans
// emit ids non-decreasing, backward scans non-increasing.
func (t *TableScan) OutputOrdering() exec.OutputOrdering {
	dir := exec.Asc
	if t.Direction == kv.Backward {
		dir = exec.Desc
	}
	return exec.OutputOrdering{{Path: val.FieldPath("id"), Direction: dir}}
}

type tableScanStream struct {
	op     *TableScan
	ctx    *exec.ExecutionContext
	source kv.Stream
	pipe   *scanPipeline
	ready  bool
	done   bool
}

func (t *TableScan) Execute(ctx *exec.ExecutionContext) (exec.BatchStream, error) {
	if _, err := ctx.Database(); err != nil {
		return nil, err
	}
	s := &tableScanStream{op: t, ctx: ctx}
	return exec.MonitorStream(s, &t.metrics), nil
}

// init resolves the table, compiles permissions and field state, evaluates
// the pushed window, and opens the KV range. Deferred to the first Next so
// that plan construction stays side-effect free.
func (s *tableScanStream) init(gctx context.Context) error {
	op, ctx := s.op, s.ctx
	db, err := ctx.Database()
	if err != nil {
		return err
	}
	txn, err := ctx.Txn()
	if err != nil {
		return err
	}
	ec := exec.EvalContext{Ctx: gctx, Exec: ctx}

	limit := -1
	if op.LimitExpr != nil {
		if limit, err = EvalLimitExpr(op.LimitExpr, ec); err != nil {
			return err
		}
	}
	start := 0
	if op.StartExpr != nil {
		if start, err = EvalLimitExpr(op.StartExpr, ec); err != nil {
			return err
		}
	}
	var version uint64
	if op.VersionExpr != nil {
		v, err := op.VersionExpr.Evaluate(ec)
		if err != nil {
			return err
		}
		n, ok := v.(val.Number)
		if !ok {
			return fault.New(fault.KindConversion, "VERSION expects a version number")
		}
		i, err := val.AsInt64(n)
		if err != nil {
			return err
		}
		version = uint64(i)
	}
	if limit == 0 {
		s.done = true
		return nil
	}

	def, err := ctx.Root().Catalog.Table(db.NSCtx.NS.ID, db.DB.ID, op.Table)
	if err != nil {
		return err
	}
	if def == nil {
		return fault.TbNotFound(op.Table)
	}

	checkPerms := exec.ShouldCheckPerms(ctx)
	perm := exec.AllowPermission()
	if checkPerms {
		if perm, err = exec.CompilePermission(def.Permissions.Select, op.Compile); err != nil {
			return err
		}
	}
	if perm.IsDeny() {
		s.done = true
		return nil
	}
	fields, err := exec.BuildFieldState(def, checkPerms, op.NeededFields, op.Compile)
	if err != nil {
		return err
	}
	s.pipe = newScanPipeline(perm, op.Predicate, fields, start, limit)

	// When no post-decode stage can change cardinality, the window pushes
	// down to the KV layer: pre-skip start keys and cap the scan at limit.
	opts := kv.ScanOptions{Version: version, Direction: op.Direction}
	if !s.pipe.needsProcessing() {
		opts.PreSkip = start
		if limit > 0 {
			opts.Limit = limit
		}
		s.pipe.start = 0
	}
	rng := kv.RecordPrefix(db.NSCtx.NS.ID, db.DB.ID, op.Table)
	s.source = txn.Scan(rng, opts)
	s.ready = true
	return nil
}

func (s *tableScanStream) Next(gctx context.Context) (exec.ValueBatch, error) {
	if s.done {
		return nil, nil
	}
	if !s.ready {
		if err := s.init(gctx); err != nil {
			s.done = true
			return nil, err
		}
		if s.done {
			return nil, nil
		}
	}
	ec := exec.EvalContext{Ctx: gctx, Exec: s.ctx}
	var out []val.Value
	var outBytes int
	for {
		pairs, err := s.source.Next(gctx)
		if err != nil {
			s.done = true
			return nil, err
		}
		if pairs == nil {
			s.done = true
			if len(out) == 0 {
				return nil, nil
			}
			return out, nil
		}
		rows := make([]val.Value, 0, len(pairs))
		for _, pair := range pairs {
			// Cancellation is checked per row in the scan.
			if err := exec.CancelCheck(s.ctx.Cancellation()); err != nil {
				s.done = true
				return nil, err
			}
			row, err := decodeRecord(pair)
			if err != nil {
				s.done = true
				return nil, err
			}
			rows = append(rows, row)
			outBytes += len(pair.Value)
		}
		kept, cont, err := s.pipe.process(ec, rows)
		if err != nil {
			s.done = true
			return nil, err
		}
		out = append(out, kept...)
		if !cont {
			s.done = true
			break
		}
		if len(out) >= scanBatchRows || outBytes >= scanBatchBytes {
			break
		}
	}
	if len(out) == 0 {
		if s.done {
			return nil, nil
		}
		return s.Next(gctx)
	}
	return out, nil
}

// CountScan is the fast path for `SELECT count() FROM tb GROUP ALL` when no
// permission, predicate, or computed field applies: it counts keys without
// decoding values.
type CountScan struct {
	exec.OperatorBase
	Table string
	Alias string

	metrics exec.OperatorMetrics
}

func (*CountScan) Name() string { return "CountScan" }

func (c *CountScan) RequiredContext() exec.ContextLevel    { return exec.LevelDatabase }
func (c *CountScan) AccessMode() exec.AccessMode           { return exec.ReadOnly }
func (c *CountScan) CardinalityHint() exec.CardinalityHint { return exec.Exact(1) }
func (c *CountScan) Metrics() *exec.OperatorMetrics        { return &c.metrics }

func (c *CountScan) Execute(ctx *exec.ExecutionContext) (exec.BatchStream, error) {
	db, err := ctx.Database()
	if err != nil {
		return nil, err
	}
	txn, err := ctx.Txn()
	if err != nil {
		return nil, err
	}
	done := false
	stream := exec.FuncStream(func(gctx context.Context) (exec.ValueBatch, error) {
		if done {
			return nil, nil
		}
		done = true
		n, err := txn.Count(gctx, kv.RecordPrefix(db.NSCtx.NS.ID, db.DB.ID, c.Table))
		if err != nil {
			return nil, err
		}
		alias := c.Alias
		if alias == "" {
			alias = "count"
		}
		return exec.ValueBatch{val.Object{alias: val.Int(n)}}, nil
	})
	return exec.MonitorStream(stream, &c.metrics), nil
}

// lookupTableDef is a small helper shared by mutation operators.
func lookupTableDef(ctx *exec.ExecutionContext, table string) (*catalog.TableDefinition, *exec.DatabaseContext, error) {
	db, err := ctx.Database()
	if err != nil {
		return nil, nil, err
	}
	def, err := ctx.Root().Catalog.Table(db.NSCtx.NS.ID, db.DB.ID, table)
	if err != nil {
		return nil, nil, err
	}
	return def, db, nil
}
