// Package fault defines the engine's error taxonomy.
//
// Every error the engine surfaces carries a Kind from one flat enum. Kinds
// split into two policy classes: ignorable errors (failed type coercion,
// optional traversal) which callers may collapse to NONE, and fatal errors
// which always propagate. Wrapping is done with cockroachdb/errors so that
// context chains survive and KindOf can recover the kind at any depth.
package fault

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Kind classifies an engine error. The set is flat: each kind maps to one
// wire-visible string and one propagation policy.
type Kind string

const (
	// KindConversion marks a failed type coercion. Ignorable.
	KindConversion Kind = "conversion"
	// KindLengthMismatch marks a fixed-size array or tuple length violation. Ignorable.
	KindLengthMismatch Kind = "length_mismatch"
	// KindNotFound marks a missing namespace, database, table, or record.
	KindNotFound Kind = "not_found"
	// KindPermission marks a denied row, field, or action.
	KindPermission Kind = "permission"
	// KindStorage marks a KV, serialisation, or index corruption failure.
	KindStorage Kind = "storage"
	// KindTimeout marks an expired query deadline.
	KindTimeout Kind = "timeout"
	// KindCancelled marks a cooperatively cancelled query.
	KindCancelled Kind = "cancelled"
	// KindControlFlow marks BREAK or CONTINUE escaping its loop.
	KindControlFlow Kind = "control_flow"
	// KindSchema marks a schema-time violation such as cyclic computed fields.
	KindSchema Kind = "schema"
	// KindUnimplemented marks an expression the planner cannot lower. It is
	// handled internally by the deferred-planning fallback and never surfaces.
	KindUnimplemented Kind = "unimplemented"
	// KindThrown marks a user THROW or an uncategorised runtime failure.
	KindThrown Kind = "thrown"
	// KindInternal marks an engine bug surfaced as an error.
	KindInternal Kind = "internal"
)

// Fault is the leaf error type carrying a Kind. It is always created through
// the constructors below and usually wrapped further up the stack.
type Fault struct {
	kind Kind
	msg  string
}

func (f *Fault) Error() string { return f.msg }

// FaultKind returns the kind of this leaf.
func (f *Fault) FaultKind() Kind { return f.kind }

// New creates a leaf error with the given kind.
func New(kind Kind, format string, args ...any) error {
	return &Fault{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a message, preserving its kind.
func Wrap(err error, format string, args ...any) error {
	return errors.Wrapf(err, format, args...)
}

// KindOf recovers the kind of err, walking the wrap chain. Unclassified
// errors report KindInternal.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.kind
	}
	return KindInternal
}

// Ignorable reports whether err may be collapsed to NONE at optional-use
// sites. Only coercion and length errors qualify; storage, timeout, and
// permission failures never do.
func Ignorable(err error) bool {
	switch KindOf(err) {
	case KindConversion, KindLengthMismatch:
		return true
	default:
		return false
	}
}

// Sentinel faults shared across the engine. Compare with errors.Is.
var (
	// ErrUnimplemented is returned by the planner for expressions it cannot
	// lower. Callers must fall back to the legacy compute path.
	ErrUnimplemented = New(KindUnimplemented, "query planning for this expression is not implemented")
	// ErrQueryCancelled is emitted exactly once by the first operator that
	// observes a tripped cancellation token.
	ErrQueryCancelled = New(KindCancelled, "the query was cancelled")
	// ErrQueryTimedout is emitted when the per-query deadline expires.
	ErrQueryTimedout = New(KindTimeout, "the query was not executed because it exceeded the timeout")
	// ErrTxFinished is returned by a transaction whose commit or cancel has
	// already completed.
	ErrTxFinished = New(KindStorage, "couldn't execute query because the transaction has already finished")
	// ErrNsEmpty is returned when an operation requires a selected namespace.
	ErrNsEmpty = New(KindNotFound, "specify a namespace to use")
	// ErrDbEmpty is returned when an operation requires a selected database.
	ErrDbEmpty = New(KindNotFound, "specify a database to use")
	// ErrReadOnlySpace is returned when the disk-space guard rejects a write
	// transaction.
	ErrReadOnlySpace = New(KindStorage, "the datastore is in read-and-deletion-only mode due to disk space limits")
)

// TbNotFound creates the missing-table error for name.
func TbNotFound(name string) error {
	return New(KindNotFound, "the table '%s' does not exist", name)
}

// InvalidControlFlow creates the error for BREAK or CONTINUE escaping a loop,
// or RETURN escaping a top-level statement.
func InvalidControlFlow(signal string) error {
	return New(KindControlFlow, "encountered %s outside of a valid context", signal)
}
