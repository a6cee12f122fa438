package exec

import (
	"github.com/opal-lang/vela/core/catalog"
	"github.com/opal-lang/vela/core/val"
)

// PhysicalPermission is a catalog permission compiled for execution.
type PhysicalPermission struct {
	// kind: 0 allow, 1 deny, 2 where.
	kind  uint8
	where PhysicalExpr
}

// AllowPermission grants unconditionally.
func AllowPermission() PhysicalPermission { return PhysicalPermission{kind: 0} }

// DenyPermission denies unconditionally.
func DenyPermission() PhysicalPermission { return PhysicalPermission{kind: 1} }

// WherePermission grants per row by predicate.
func WherePermission(cond PhysicalExpr) PhysicalPermission {
	return PhysicalPermission{kind: 2, where: cond}
}

// IsAllow reports an unconditional grant.
func (p PhysicalPermission) IsAllow() bool { return p.kind == 0 }

// IsDeny reports an unconditional denial.
func (p PhysicalPermission) IsDeny() bool { return p.kind == 1 }

// Check evaluates the permission for one row bound as the current value.
func (p PhysicalPermission) Check(ec EvalContext, row val.Value) (bool, error) {
	switch p.kind {
	case 0:
		return true, nil
	case 1:
		return false, nil
	default:
		v, err := p.where.Evaluate(ec.WithValue(row))
		if err != nil {
			return false, err
		}
		return val.Truthy(v), nil
	}
}

// ExprCompiler lowers a catalog permission predicate to a physical
// expression. The planner supplies this; it lives behind an interface to
// keep exec free of planner imports.
type ExprCompiler func(e any) (PhysicalExpr, error)

// CompilePermission converts a catalog permission clause.
func CompilePermission(p catalog.Permission, compile ExprCompiler) (PhysicalPermission, error) {
	switch {
	case p.Full:
		return AllowPermission(), nil
	case p.None:
		return DenyPermission(), nil
	case p.Where == nil:
		return DenyPermission(), nil
	default:
		cond, err := compile(p.Where)
		if err != nil {
			return PhysicalPermission{}, err
		}
		return WherePermission(cond), nil
	}
}

// ShouldCheckPerms reports whether permission stages apply for the current
// actor. Root actors skip row, field, and computed-permission checks
// entirely, which also unlocks the scan pipeline's pushdown fast paths.
func ShouldCheckPerms(ctx *ExecutionContext) bool {
	return !ctx.Root().Auth.Root
}
