package exec

import (
	"github.com/opal-lang/vela/core/catalog"
	"github.com/opal-lang/vela/core/fault"
	"github.com/opal-lang/vela/core/flow"
	"github.com/opal-lang/vela/core/val"
)

// ComputedField is one schema field with a VALUE or DEFAULT expression,
// ready to run in dependency order.
type ComputedField struct {
	Name string
	Kind val.Kind
	// Value runs on every pass when set; Default only when the field is
	// absent, None, or Null.
	Value   PhysicalExpr
	Default PhysicalExpr
	Assert  PhysicalExpr
}

// FieldPermission gates projection of one field.
type FieldPermission struct {
	Name       string
	Permission PhysicalPermission
}

// DeclaredField is a schema field with a kind constraint, enforced on
// writes.
type DeclaredField struct {
	Name string
	Kind val.Kind
}

// FieldState is the per-table compilation of computed fields and field
// permissions, built once per scan and applied per row.
type FieldState struct {
	Computed    []ComputedField
	Permissions []FieldPermission
	// Declared lists kind-constrained fields, checked at write time.
	Declared []DeclaredField
	// Readonly lists fields that reject changes after create.
	Readonly []string
}

// Empty reports whether the state requires no per-row work.
func (s *FieldState) Empty() bool {
	return len(s.Computed) == 0 && len(s.Permissions) == 0
}

// BuildFieldState compiles a table definition. checkPerms controls whether
// field permissions are included; root actors skip them. neededFields, when
// non-nil, restricts work to fields the query projects.
func BuildFieldState(def *catalog.TableDefinition, checkPerms bool, neededFields map[string]bool, compile ExprCompiler) (*FieldState, error) {
	state := &FieldState{}
	if def == nil {
		return state, nil
	}
	order, err := def.ComputedOrder()
	if err != nil {
		return nil, err
	}
	for _, i := range order {
		f := def.Fields[i]
		if neededFields != nil && !neededFields[f.Name] {
			continue
		}
		cf := ComputedField{Name: f.Name, Kind: f.Kind}
		if f.Value != nil {
			if cf.Value, err = compile(f.Value); err != nil {
				return nil, err
			}
		}
		if f.Default != nil {
			if cf.Default, err = compile(f.Default); err != nil {
				return nil, err
			}
		}
		if f.Assert != nil {
			if cf.Assert, err = compile(f.Assert); err != nil {
				return nil, err
			}
		}
		state.Computed = append(state.Computed, cf)
	}
	for _, f := range def.Fields {
		if f.Readonly {
			state.Readonly = append(state.Readonly, f.Name)
		}
		if f.Kind != nil {
			state.Declared = append(state.Declared, DeclaredField{Name: f.Name, Kind: f.Kind})
		}
		if !checkPerms || f.ReadPermission.Full {
			continue
		}
		if neededFields != nil && !neededFields[f.Name] {
			continue
		}
		perm, err := CompilePermission(f.ReadPermission, compile)
		if err != nil {
			return nil, err
		}
		state.Permissions = append(state.Permissions, FieldPermission{Name: f.Name, Permission: perm})
	}
	return state, nil
}

// ApplyComputed evaluates the computed fields against one row, in
// dependency order, with the partially built row bound as the current
// value. Ignorable failures set the field to None; other errors abort.
func (s *FieldState) ApplyComputed(ec EvalContext, row val.Object) (val.Object, error) {
	if len(s.Computed) == 0 {
		return row, nil
	}
	out := row.Copy()
	for _, cf := range s.Computed {
		var computed val.Value
		var err error
		switch {
		case cf.Value != nil:
			computed, err = flow.OrNone(cf.Value.Evaluate(ec.WithValue(out)))
		case cf.Default != nil && val.IsNoneOrNull(out.Get(cf.Name)):
			computed, err = flow.OrNone(cf.Default.Evaluate(ec.WithValue(out)))
		default:
			continue
		}
		if err != nil {
			return nil, err
		}
		if cf.Kind != nil {
			coerced, cerr := val.Coerce(computed, cf.Kind)
			if cerr != nil {
				if !fault.Ignorable(cerr) {
					return nil, cerr
				}
				coerced = val.None{}
			}
			computed = coerced
		}
		out[cf.Name] = computed
		if cf.Assert != nil {
			ok, err := cf.Assert.Evaluate(ec.WithValue(out))
			if err != nil {
				return nil, err
			}
			if !val.Truthy(ok) {
				return nil, fault.New(fault.KindSchema,
					"field '%s' failed its assertion", cf.Name)
			}
		}
	}
	return out, nil
}

// ApplyFieldPermissions strips denied fields to None. The row itself always
// survives this stage.
func (s *FieldState) ApplyFieldPermissions(ec EvalContext, row val.Object) (val.Object, error) {
	if len(s.Permissions) == 0 {
		return row, nil
	}
	out := row.Copy()
	for _, fp := range s.Permissions {
		ok, err := fp.Permission.Check(ec, row)
		if err != nil {
			return nil, err
		}
		if !ok {
			out[fp.Name] = val.None{}
		}
	}
	return out, nil
}

// CoerceDeclared enforces declared field kinds on a row about to be
// written. Unlike projection, a write is not an optional-use site: a failed
// coercion here is fatal.
func (s *FieldState) CoerceDeclared(row val.Object) (val.Object, error) {
	if len(s.Declared) == 0 {
		return row, nil
	}
	out := row.Copy()
	for _, df := range s.Declared {
		v := row.Get(df.Name)
		if val.IsNoneOrNull(v) {
			continue
		}
		coerced, err := val.Coerce(v, df.Kind)
		if err != nil {
			return nil, fault.Wrap(err, "found invalid value for field '%s'", df.Name)
		}
		out[df.Name] = coerced
	}
	return out, nil
}

// CheckReadonly rejects changes to readonly fields between the stored and
// incoming versions of a row.
func (s *FieldState) CheckReadonly(stored, incoming val.Object) error {
	for _, name := range s.Readonly {
		before := stored.Get(name)
		after := incoming.Get(name)
		if _, absent := after.(val.None); absent {
			continue
		}
		if !val.Equal(before, after) {
			return fault.New(fault.KindPermission,
				"found changed value for field '%s' which is readonly", name)
		}
	}
	return nil
}
