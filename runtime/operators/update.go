package operators

import (
	"context"

	"github.com/opal-lang/vela/core/val"
	"github.com/opal-lang/vela/kv"
	"github.com/opal-lang/vela/runtime/exec"
)

// UpdateSet is one compiled SET clause.
type UpdateSet struct {
	Place val.Path
	Value exec.PhysicalExpr
}

// Update rewrites existing records. SET clauses assign into the stored
// document; CONTENT replaces it. Readonly fields reject changes.
type Update struct {
	exec.OperatorBase
	What    []exec.PhysicalExpr
	Set     []UpdateSet
	Content exec.PhysicalExpr
	Cond    exec.PhysicalExpr
	Only    bool
	Compile exec.ExprCompiler

	metrics exec.OperatorMetrics
}

func (*Update) Name() string { return "Update" }

func (u *Update) RequiredContext() exec.ContextLevel { return exec.LevelDatabase }
func (u *Update) AccessMode() exec.AccessMode        { return exec.ReadWrite }
func (u *Update) Metrics() *exec.OperatorMetrics     { return &u.metrics }
func (u *Update) IsScalar() bool                     { return u.Only }

func (u *Update) Execute(ctx *exec.ExecutionContext) (exec.BatchStream, error) {
	done := false
	stream := exec.FuncStream(func(gctx context.Context) (exec.ValueBatch, error) {
		if done {
			return nil, nil
		}
		done = true
		ec := exec.EvalContext{Ctx: gctx, Exec: ctx}
		records, err := collectMutationTargets(gctx, ec, ctx, u.What)
		if err != nil {
			return nil, err
		}
		var out exec.ValueBatch
		for _, stored := range records {
			if err := exec.CancelCheck(ctx.Cancellation()); err != nil {
				return nil, err
			}
			rid, ok := stored.Get("id").(val.RecordId)
			if !ok {
				continue
			}
			if u.Cond != nil {
				keep, err := u.Cond.Evaluate(ec.WithValue(stored))
				if err != nil {
					return nil, err
				}
				if !val.Truthy(keep) {
					continue
				}
			}
			incoming := stored.Copy()
			if u.Content != nil {
				content, err := u.Content.Evaluate(ec.WithValue(stored))
				if err != nil {
					return nil, err
				}
				obj, isObj := content.(val.Object)
				if !isObj {
					continue
				}
				incoming = obj.Copy()
				incoming["id"] = rid
			}
			for _, set := range u.Set {
				v, err := set.Value.Evaluate(ec.WithValue(incoming))
				if err != nil {
					return nil, err
				}
				updated, ok := val.Put(incoming, set.Place, v).(val.Object)
				if !ok {
					continue
				}
				incoming = updated
			}

			def, db, err := lookupTableDef(ctx, rid.Table)
			if err != nil {
				return nil, err
			}
			checkPerms := exec.ShouldCheckPerms(ctx)
			if def != nil {
				fields, err := exec.BuildFieldState(def, checkPerms, nil, u.Compile)
				if err != nil {
					return nil, err
				}
				// Readonly enforcement compares against the stored version
				// before computed fields re-run.
				if err := fields.CheckReadonly(stored, incoming); err != nil {
					return nil, err
				}
				if checkPerms {
					perm, err := exec.CompilePermission(def.Permissions.Update, u.Compile)
					if err != nil {
						return nil, err
					}
					ok, err := perm.Check(ec, stored)
					if err != nil {
						return nil, err
					}
					if !ok {
						continue
					}
				}
				if incoming, err = fields.ApplyComputed(ec, incoming); err != nil {
					return nil, err
				}
				if incoming, err = fields.CoerceDeclared(incoming); err != nil {
					return nil, err
				}
			}
			if err := deleteIndexEntries(gctx, ctx, db, rid, stored); err != nil {
				return nil, err
			}
			if err := writeRecord(gctx, ctx, db, rid, incoming); err != nil {
				return nil, err
			}
			out = append(out, incoming)
		}
		if len(out) == 0 {
			return nil, nil
		}
		return out, nil
	})
	return exec.MonitorStream(stream, &u.metrics), nil
}

// collectMutationTargets resolves WHAT into the stored documents to mutate:
// record ids fetch one document, table names enumerate the table.
func collectMutationTargets(gctx context.Context, ec exec.EvalContext, ctx *exec.ExecutionContext, what []exec.PhysicalExpr) ([]val.Object, error) {
	db, err := ctx.Database()
	if err != nil {
		return nil, err
	}
	txn, err := ctx.Txn()
	if err != nil {
		return nil, err
	}
	targets, err := evalTargets(ec, what)
	if err != nil {
		return nil, err
	}
	var out []val.Object
	for _, target := range targets {
		switch t := target.(type) {
		case val.RecordId:
			doc, err := fetchRecord(gctx, txn, db, t)
			if err != nil {
				return nil, err
			}
			if obj, ok := doc.(val.Object); ok {
				out = append(out, obj)
			}
		case val.String:
			rng := kv.RecordPrefix(db.NSCtx.NS.ID, db.DB.ID, string(t))
			pairs, err := txn.GetR(gctx, rng, 0)
			if err != nil {
				return nil, err
			}
			for _, pair := range pairs {
				doc, err := decodeRecord(pair)
				if err != nil {
					return nil, err
				}
				if obj, ok := doc.(val.Object); ok {
					out = append(out, obj)
				}
			}
		}
	}
	return out, nil
}
