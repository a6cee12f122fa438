// Package exec defines the execution engine's contracts: the hierarchical
// execution context, the operator and physical-expression interfaces, batch
// streams and their adapters, and the permission and computed-field engine
// shared by the scan pipeline.
package exec

import (
	"sync"
	"sync/atomic"

	"github.com/opal-lang/vela/core/catalog"
	"github.com/opal-lang/vela/core/fault"
	"github.com/opal-lang/vela/core/val"
	"github.com/opal-lang/vela/kv"
)

// ContextLevel is the minimum context an operator needs. The executor
// validates the requirement before execution begins; levels are ordered.
type ContextLevel uint8

// Context levels.
const (
	LevelRoot ContextLevel = iota
	LevelNamespace
	LevelDatabase
)

func (l ContextLevel) String() string {
	switch l {
	case LevelRoot:
		return "root"
	case LevelNamespace:
		return "namespace"
	default:
		return "database"
	}
}

// MaxLevel returns the higher of two levels.
func MaxLevel(a, b ContextLevel) ContextLevel {
	if a > b {
		return a
	}
	return b
}

// Cancellation is the shared cooperative cancellation token: one per query,
// shared by reference through every child context. Any holder may cancel;
// observers check at batch boundaries and scan rows.
type Cancellation struct {
	done     chan struct{}
	once     sync.Once
	tripped  atomic.Bool
}

// NewCancellation creates an untripped token.
func NewCancellation() *Cancellation {
	return &Cancellation{done: make(chan struct{})}
}

// Cancel trips the token. Idempotent.
func (c *Cancellation) Cancel() {
	c.once.Do(func() {
		c.tripped.Store(true)
		close(c.done)
	})
}

// IsCancelled reports whether the token has tripped.
func (c *Cancellation) IsCancelled() bool {
	return c.tripped.Load()
}

// Done exposes the trip signal for select loops.
func (c *Cancellation) Done() <-chan struct{} {
	return c.done
}

// Auth describes the current actor for permission checks. The engine only
// asks whether checks apply at all; identity resolution is external.
type Auth struct {
	// Root actors skip every permission stage.
	Root bool
}

// RootContext is always available: parameters, cancellation, the actor, and
// optional engine services.
type RootContext struct {
	Params       map[string]val.Value
	Cancellation *Cancellation
	Auth         Auth
	// Catalog provides schema lookups; may be nil at root level.
	Catalog catalog.Provider
}

// NamespaceContext adds the namespace definition and the transaction.
type NamespaceContext struct {
	Root *RootContext
	NS   *catalog.NamespaceDefinition
	Txn  kv.Transaction
}

// DatabaseContext adds the database definition.
type DatabaseContext struct {
	NSCtx *NamespaceContext
	DB    *catalog.DatabaseDefinition
}

// ExecutionContext is the discriminated union of the three levels, plus the
// per-call current-value binding used by lookup parts. Contexts are cheap to
// clone; params are immutable per context and extended by cloning.
type ExecutionContext struct {
	root    *RootContext
	ns      *NamespaceContext
	db      *DatabaseContext
	current val.Value // nil when unbound
}

// NewRootContext wraps a root context.
func NewRootContext(root *RootContext) *ExecutionContext {
	if root.Params == nil {
		root.Params = map[string]val.Value{}
	}
	if root.Cancellation == nil {
		root.Cancellation = NewCancellation()
	}
	return &ExecutionContext{root: root}
}

// NewDatabaseContext builds a database-level context in one step.
func NewDatabaseContext(root *RootContext, ns *catalog.NamespaceDefinition, db *catalog.DatabaseDefinition, txn kv.Transaction) *ExecutionContext {
	ctx := NewRootContext(root)
	nsCtx := &NamespaceContext{Root: ctx.root, NS: ns, Txn: txn}
	ctx.ns = nsCtx
	ctx.db = &DatabaseContext{NSCtx: nsCtx, DB: db}
	return ctx
}

// Level reports the context's level.
func (c *ExecutionContext) Level() ContextLevel {
	switch {
	case c.db != nil:
		return LevelDatabase
	case c.ns != nil:
		return LevelNamespace
	default:
		return LevelRoot
	}
}

// Root returns the root context. Always available.
func (c *ExecutionContext) Root() *RootContext { return c.root }

// Namespace returns the namespace context, or ErrNsEmpty below it.
func (c *ExecutionContext) Namespace() (*NamespaceContext, error) {
	if c.ns == nil {
		return nil, fault.ErrNsEmpty
	}
	return c.ns, nil
}

// Database returns the database context, or ErrDbEmpty below it.
func (c *ExecutionContext) Database() (*DatabaseContext, error) {
	if c.db == nil {
		return nil, fault.ErrDbEmpty
	}
	return c.db, nil
}

// Txn returns the transaction, or ErrNsEmpty at root level.
func (c *ExecutionContext) Txn() (kv.Transaction, error) {
	if c.ns == nil {
		return nil, fault.ErrNsEmpty
	}
	return c.ns.Txn, nil
}

// Params returns the parameter map. Callers must not mutate it.
func (c *ExecutionContext) Params() map[string]val.Value {
	return c.root.Params
}

// Param returns one parameter, or None when unbound.
func (c *ExecutionContext) Param(name string) val.Value {
	if v, ok := c.root.Params[name]; ok {
		return v
	}
	return val.None{}
}

// Cancellation returns the shared token.
func (c *ExecutionContext) Cancellation() *Cancellation {
	return c.root.Cancellation
}

// CurrentValue returns the per-call binding, or nil when unbound.
func (c *ExecutionContext) CurrentValue() val.Value {
	return c.current
}

// WithParam clones the context with one additional parameter. The clone
// shares the cancellation token and transaction; only the param map copies.
func (c *ExecutionContext) WithParam(name string, v val.Value) *ExecutionContext {
	params := make(map[string]val.Value, len(c.root.Params)+1)
	for k, p := range c.root.Params {
		params[k] = p
	}
	params[name] = v
	root := *c.root
	root.Params = params
	clone := *c
	clone.root = &root
	if clone.ns != nil {
		ns := *clone.ns
		ns.Root = clone.root
		clone.ns = &ns
		if clone.db != nil {
			db := *clone.db
			db.NSCtx = clone.ns
			clone.db = &db
		}
	}
	return &clone
}

// WithCurrentValue clones the context with the current value bound.
func (c *ExecutionContext) WithCurrentValue(v val.Value) *ExecutionContext {
	clone := *c
	clone.current = v
	return &clone
}
