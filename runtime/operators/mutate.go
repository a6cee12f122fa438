package operators

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/opal-lang/vela/core/catalog"
	"github.com/opal-lang/vela/core/fault"
	"github.com/opal-lang/vela/core/val"
	"github.com/opal-lang/vela/kv"
	"github.com/opal-lang/vela/runtime/exec"
)

// mutation collects the plumbing shared by the write operators: target
// resolution, permission checks, computed fields, and index/edge
// maintenance. Mutations always run sequentially to preserve effect order.

// resolveTargets turns evaluated WHAT expressions into record ids. A string
// names a whole table (the operator enumerates or creates in it); a record
// id targets one record; arrays flatten.
func resolveTargets(values []val.Value) ([]val.Value, error) {
	var out []val.Value
	for _, v := range values {
		switch x := v.(type) {
		case val.Array:
			flat, err := resolveTargets(x)
			if err != nil {
				return nil, err
			}
			out = append(out, flat...)
		case val.String, val.RecordId:
			out = append(out, x)
		default:
			return nil, fault.New(fault.KindThrown,
				"can not use value of type %s as a statement target", val.KindOf(v))
		}
	}
	return out, nil
}

// generateKey materialises a Generate record key.
func generateKey(kind val.GenerateKind) val.RecordIdKey {
	switch kind {
	case val.GenerateUuid:
		id, err := uuid.NewV7()
		if err != nil {
			id = uuid.New()
		}
		return val.KeyUuid{ID: id}
	case val.GenerateUlid:
		// Time-sortable: v7 UUIDs embed a millisecond timestamp prefix.
		id, err := uuid.NewV7()
		if err != nil {
			id = uuid.New()
		}
		return val.KeyString(strings.ToUpper(strings.ReplaceAll(id.String(), "-", ""))[:26])
	default:
		id := uuid.New()
		return val.KeyString(strings.ReplaceAll(id.String(), "-", "")[:20])
	}
}

// writeRecord stores a document and its index entries.
func writeRecord(gctx context.Context, ctx *exec.ExecutionContext, db *exec.DatabaseContext, rid val.RecordId, doc val.Object) error {
	txn, err := ctx.Txn()
	if err != nil {
		return err
	}
	key, err := kv.RecordKey(db.NSCtx.NS.ID, db.DB.ID, rid)
	if err != nil {
		return err
	}
	payload, err := val.EncodeRow(doc)
	if err != nil {
		return err
	}
	if err := txn.Set(gctx, key, payload, 0); err != nil {
		return err
	}
	return writeIndexEntries(gctx, ctx, db, rid, doc, key)
}

func writeIndexEntries(gctx context.Context, ctx *exec.ExecutionContext, db *exec.DatabaseContext, rid val.RecordId, doc val.Object, recordKey []byte) error {
	txn, err := ctx.Txn()
	if err != nil {
		return err
	}
	indexes, err := ctx.Root().Catalog.Indexes(db.NSCtx.NS.ID, db.DB.ID, rid.Table)
	if err != nil {
		return err
	}
	for _, idx := range indexes {
		if idx.Kind == catalog.IndexVector || idx.Kind == catalog.IndexSearch {
			// Vector and search trees are maintained by their own index
			// layer; the engine only consumes them.
			continue
		}
		fieldBytes, ok := indexEntryBytes(idx, doc)
		if !ok {
			continue
		}
		entryKey, err := kv.IndexKey(db.NSCtx.NS.ID, db.DB.ID, idx.Table, idx.Name, fieldBytes, rid)
		if err != nil {
			return err
		}
		if idx.Kind == catalog.IndexUnique {
			rng := kv.IndexValueRange(db.NSCtx.NS.ID, db.DB.ID, idx.Table, idx.Name,
				fieldBytes, append(append([]byte{}, fieldBytes...), 0x01))
			existing, err := txn.GetR(gctx, rng, 0)
			if err != nil {
				return err
			}
			for _, pair := range existing {
				if string(pair.Value) != string(recordKey) {
					return fault.New(fault.KindThrown,
						"database index '%s' already contains this value", idx.Name)
				}
			}
		}
		if err := txn.Set(gctx, entryKey, recordKey, 0); err != nil {
			return err
		}
	}
	return nil
}

func deleteIndexEntries(gctx context.Context, ctx *exec.ExecutionContext, db *exec.DatabaseContext, rid val.RecordId, doc val.Object) error {
	txn, err := ctx.Txn()
	if err != nil {
		return err
	}
	indexes, err := ctx.Root().Catalog.Indexes(db.NSCtx.NS.ID, db.DB.ID, rid.Table)
	if err != nil {
		return err
	}
	for _, idx := range indexes {
		fieldBytes, ok := indexEntryBytes(idx, doc)
		if !ok {
			continue
		}
		entryKey, err := kv.IndexKey(db.NSCtx.NS.ID, db.DB.ID, idx.Table, idx.Name, fieldBytes, rid)
		if err != nil {
			return err
		}
		if err := txn.Del(gctx, entryKey); err != nil {
			return err
		}
	}
	return nil
}

// indexEntryBytes computes the order-preserving entry bytes for a document,
// concatenating the index's fields. Documents whose indexed value has no
// order-preserving encoding simply have no entry.
func indexEntryBytes(idx *catalog.IndexDefinition, doc val.Object) ([]byte, bool) {
	var out []byte
	for _, field := range idx.Fields {
		path, ok := field.DataPath()
		if !ok {
			return nil, false
		}
		b, ok := kv.ValueOrderBytes(val.Pick(doc, path))
		if !ok {
			return nil, false
		}
		out = append(out, b...)
		out = append(out, 0x00)
	}
	return out, true
}

// Create inserts new records.
type Create struct {
	exec.OperatorBase
	What    []exec.PhysicalExpr
	Content exec.PhysicalExpr
	Only    bool
	Compile exec.ExprCompiler

	metrics exec.OperatorMetrics
}

func (*Create) Name() string { return "Create" }

func (c *Create) RequiredContext() exec.ContextLevel { return exec.LevelDatabase }
func (c *Create) AccessMode() exec.AccessMode        { return exec.ReadWrite }
func (c *Create) Metrics() *exec.OperatorMetrics     { return &c.metrics }
func (c *Create) IsScalar() bool                     { return c.Only }

func (c *Create) Execute(ctx *exec.ExecutionContext) (exec.BatchStream, error) {
	done := false
	stream := exec.FuncStream(func(gctx context.Context) (exec.ValueBatch, error) {
		if done {
			return nil, nil
		}
		done = true
		ec := exec.EvalContext{Ctx: gctx, Exec: ctx}
		targets, err := evalTargets(ec, c.What)
		if err != nil {
			return nil, err
		}
		var out exec.ValueBatch
		for _, target := range targets {
			if err := exec.CancelCheck(ctx.Cancellation()); err != nil {
				return nil, err
			}
			var rid val.RecordId
			switch t := target.(type) {
			case val.String:
				rid = val.RecordId{Table: string(t), Key: generateKey(val.GenerateRand)}
			case val.RecordId:
				rid = t
				if g, ok := rid.Key.(val.KeyGenerate); ok {
					rid.Key = generateKey(g.Kind)
				}
			}
			doc := val.Object{}
			if c.Content != nil {
				content, err := c.Content.Evaluate(ec)
				if err != nil {
					return nil, err
				}
				obj, ok := content.(val.Object)
				if !ok {
					return nil, fault.New(fault.KindThrown, "CREATE content must be an object")
				}
				doc = obj.Copy()
			}
			doc["id"] = rid

			def, db, err := lookupTableDef(ctx, rid.Table)
			if err != nil {
				return nil, err
			}
			checkPerms := exec.ShouldCheckPerms(ctx)
			if def != nil {
				if checkPerms {
					perm, err := exec.CompilePermission(def.Permissions.Create, c.Compile)
					if err != nil {
						return nil, err
					}
					ok, err := perm.Check(ec, doc)
					if err != nil {
						return nil, err
					}
					if !ok {
						return nil, fault.New(fault.KindPermission,
							"not enough permissions to create records in table '%s'", rid.Table)
					}
				}
				fields, err := exec.BuildFieldState(def, checkPerms, nil, c.Compile)
				if err != nil {
					return nil, err
				}
				if doc, err = fields.ApplyComputed(ec, doc); err != nil {
					return nil, err
				}
				if doc, err = fields.CoerceDeclared(doc); err != nil {
					return nil, err
				}
			}
			if err := writeRecord(gctx, ctx, db, rid, doc); err != nil {
				return nil, err
			}
			out = append(out, doc)
		}
		if len(out) == 0 {
			return nil, nil
		}
		return out, nil
	})
	return exec.MonitorStream(stream, &c.metrics), nil
}

func evalTargets(ec exec.EvalContext, what []exec.PhysicalExpr) ([]val.Value, error) {
	values := make([]val.Value, 0, len(what))
	for _, e := range what {
		v, err := e.Evaluate(ec)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return resolveTargets(values)
}
