package operators

import (
	"context"

	"github.com/opal-lang/vela/core/fault"
	"github.com/opal-lang/vela/core/val"
	"github.com/opal-lang/vela/kv"
	"github.com/opal-lang/vela/runtime/exec"
)

// Delete removes records and their index entries. Edge pointers and
// back-reference entries that name a deleted record are left in place.
type Delete struct {
	exec.OperatorBase
	What    []exec.PhysicalExpr
	Cond    exec.PhysicalExpr
	Compile exec.ExprCompiler

	metrics exec.OperatorMetrics
}

func (*Delete) Name() string { return "Delete" }

func (d *Delete) RequiredContext() exec.ContextLevel { return exec.LevelDatabase }
func (d *Delete) AccessMode() exec.AccessMode        { return exec.ReadWrite }
func (d *Delete) Metrics() *exec.OperatorMetrics     { return &d.metrics }

func (d *Delete) Execute(ctx *exec.ExecutionContext) (exec.BatchStream, error) {
	done := false
	stream := exec.FuncStream(func(gctx context.Context) (exec.ValueBatch, error) {
		if done {
			return nil, nil
		}
		done = true
		ec := exec.EvalContext{Ctx: gctx, Exec: ctx}
		db, err := ctx.Database()
		if err != nil {
			return nil, err
		}
		txn, err := ctx.Txn()
		if err != nil {
			return nil, err
		}
		records, err := collectMutationTargets(gctx, ec, ctx, d.What)
		if err != nil {
			return nil, err
		}
		checkPerms := exec.ShouldCheckPerms(ctx)
		for _, stored := range records {
			if err := exec.CancelCheck(ctx.Cancellation()); err != nil {
				return nil, err
			}
			rid, ok := stored.Get("id").(val.RecordId)
			if !ok {
				continue
			}
			if d.Cond != nil {
				keep, err := d.Cond.Evaluate(ec.WithValue(stored))
				if err != nil {
					return nil, err
				}
				if !val.Truthy(keep) {
					continue
				}
			}
			if checkPerms {
				def, _, err := lookupTableDef(ctx, rid.Table)
				if err != nil {
					return nil, err
				}
				if def != nil {
					perm, err := exec.CompilePermission(def.Permissions.Delete, d.Compile)
					if err != nil {
						return nil, err
					}
					ok, err := perm.Check(ec, stored)
					if err != nil {
						return nil, err
					}
					if !ok {
						return nil, fault.New(fault.KindPermission,
							"not enough permissions to delete records in table '%s'", rid.Table)
					}
				}
			}
			key, err := kv.RecordKey(db.NSCtx.NS.ID, db.DB.ID, rid)
			if err != nil {
				return nil, err
			}
			if err := deleteIndexEntries(gctx, ctx, db, rid, stored); err != nil {
				return nil, err
			}
			if err := txn.Del(gctx, key); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	return exec.MonitorStream(stream, &d.metrics), nil
}

// Relate creates one edge record between two records plus the pointer and
// back-reference entries the graph scans traverse.
type Relate struct {
	exec.OperatorBase
	From exec.PhysicalExpr
	Edge string
	To   exec.PhysicalExpr
	Data exec.PhysicalExpr

	metrics exec.OperatorMetrics
}

func (*Relate) Name() string { return "Relate" }

func (r *Relate) RequiredContext() exec.ContextLevel { return exec.LevelDatabase }
func (r *Relate) AccessMode() exec.AccessMode        { return exec.ReadWrite }
func (r *Relate) Metrics() *exec.OperatorMetrics     { return &r.metrics }
func (r *Relate) IsScalar() bool                     { return true }

func (r *Relate) Execute(ctx *exec.ExecutionContext) (exec.BatchStream, error) {
	done := false
	stream := exec.FuncStream(func(gctx context.Context) (exec.ValueBatch, error) {
		if done {
			return nil, nil
		}
		done = true
		ec := exec.EvalContext{Ctx: gctx, Exec: ctx}
		db, err := ctx.Database()
		if err != nil {
			return nil, err
		}
		txn, err := ctx.Txn()
		if err != nil {
			return nil, err
		}
		from, err := evalRecordId(ec, r.From)
		if err != nil {
			return nil, err
		}
		to, err := evalRecordId(ec, r.To)
		if err != nil {
			return nil, err
		}
		edgeRid := val.RecordId{Table: r.Edge, Key: generateKey(val.GenerateRand)}
		doc := val.Object{}
		if r.Data != nil {
			data, err := r.Data.Evaluate(ec)
			if err != nil {
				return nil, err
			}
			if obj, ok := data.(val.Object); ok {
				doc = obj.Copy()
			}
		}
		doc["id"] = edgeRid
		doc["in"] = from
		doc["out"] = to
		if err := writeRecord(gctx, ctx, db, edgeRid, doc); err != nil {
			return nil, err
		}
		ptr, err := EncodeEdgePointer(edgeRid, to)
		if err != nil {
			return nil, err
		}
		outKey, err := kv.EdgeKey(db.NSCtx.NS.ID, db.DB.ID, from, 'o', r.Edge, to)
		if err != nil {
			return nil, err
		}
		if err := txn.Set(gctx, outKey, ptr, 0); err != nil {
			return nil, err
		}
		back, err := EncodeEdgePointer(edgeRid, from)
		if err != nil {
			return nil, err
		}
		inKey, err := kv.EdgeKey(db.NSCtx.NS.ID, db.DB.ID, to, 'i', r.Edge, from)
		if err != nil {
			return nil, err
		}
		if err := txn.Set(gctx, inKey, back, 0); err != nil {
			return nil, err
		}
		// Back-reference entry for `<~` lookups against the target.
		refKey, err := kv.RefKey(db.NSCtx.NS.ID, db.DB.ID, to, from)
		if err != nil {
			return nil, err
		}
		refPayload, err := val.EncodeRow(from)
		if err != nil {
			return nil, err
		}
		if err := txn.Set(gctx, refKey, refPayload, 0); err != nil {
			return nil, err
		}
		return exec.ValueBatch{doc}, nil
	})
	return exec.MonitorStream(stream, &r.metrics), nil
}

func evalRecordId(ec exec.EvalContext, e exec.PhysicalExpr) (val.RecordId, error) {
	v, err := e.Evaluate(ec)
	if err != nil {
		return val.RecordId{}, err
	}
	rid, ok := v.(val.RecordId)
	if !ok {
		return val.RecordId{}, fault.New(fault.KindThrown,
			"RELATE expects record ids, got %s", val.KindOf(v))
	}
	return rid, nil
}
