// Package executor drives statement execution: it plans each top-level
// statement, validates context and access-mode requirements, streams the
// plan to completion, and wraps the outcome in the per-statement result
// envelope.
package executor

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/opal-lang/vela/core/catalog"
	"github.com/opal-lang/vela/core/expr"
	"github.com/opal-lang/vela/core/fault"
	"github.com/opal-lang/vela/core/flow"
	"github.com/opal-lang/vela/core/invariant"
	"github.com/opal-lang/vela/core/val"
	"github.com/opal-lang/vela/kv"
	"github.com/opal-lang/vela/runtime/exec"
	"github.com/opal-lang/vela/runtime/fnc"
	"github.com/opal-lang/vela/runtime/planner"
)

// QueryType tags a statement's result for client-side live-query tracking.
type QueryType uint8

// Query types.
const (
	QueryOther QueryType = iota
	QueryLive
	QueryKill
)

func (t QueryType) String() string {
	switch t {
	case QueryLive:
		return "live"
	case QueryKill:
		return "kill"
	default:
		return "other"
	}
}

// QueryResult is the per-statement outcome.
type QueryResult struct {
	Time   time.Duration
	Result val.Value
	Err    error
	Type   QueryType
}

// Wire serialises the result to the envelope shape clients consume. The
// error message stays a flat string in `result` for backward compatibility;
// the fault kind is added under `kind`. No details or cause field is
// emitted.
func (r QueryResult) Wire() val.Object {
	out := val.Object{
		"time": val.String(r.Time.String()),
		"type": val.String(r.Type.String()),
	}
	if r.Err == nil {
		out["status"] = val.String("OK")
		out["result"] = r.Result
		return out
	}
	out["status"] = val.String("ERR")
	out["result"] = val.String(r.Err.Error())
	out["kind"] = val.String(string(fault.KindOf(r.Err)))
	return out
}

// Options configure one execution.
type Options struct {
	// NS and DB select the session's namespace and database; nil leaves
	// the corresponding level unavailable.
	NS *catalog.NamespaceDefinition
	DB *catalog.DatabaseDefinition
	// Auth is the current actor.
	Auth exec.Auth
	// Params are the session parameters.
	Params map[string]val.Value
	// Timeout bounds the whole query set; zero means unbounded.
	Timeout time.Duration
}

// Executor owns the engine services shared across queries.
type Executor struct {
	Catalog  catalog.Provider
	Registry *fnc.Registry
	Begin    func(write bool) (kv.Transaction, error)
	Log      *zap.Logger

	statements prometheus.Counter
	failures   prometheus.Counter

	mu   sync.Mutex
	live map[uuid.UUID]struct{}
}

// New creates an executor. registry may be shared with the configuration
// layer so capability reloads take effect immediately.
func New(cat catalog.Provider, registry *fnc.Registry, begin func(write bool) (kv.Transaction, error), log *zap.Logger, reg prometheus.Registerer) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Executor{
		Catalog:  cat,
		Registry: registry,
		Begin:    begin,
		Log:      log,
		live:     map[uuid.UUID]struct{}{},
		statements: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vela_statements_total",
			Help: "Number of statements executed.",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vela_statement_failures_total",
			Help: "Number of statements that returned an error result.",
		}),
	}
	if reg != nil {
		reg.MustRegister(e.statements, e.failures)
	}
	return e
}

// Execute runs a query set. Each statement gets its own result; a
// statement error does not abort the remaining statements. LET bindings
// persist across the remaining statements of the set.
func (e *Executor) Execute(gctx context.Context, statements []expr.Expr, opts Options) []QueryResult {
	invariant.NotNil(e.Begin, "transaction factory")

	cancellation := exec.NewCancellation()
	if opts.Timeout > 0 {
		timer := time.AfterFunc(opts.Timeout, cancellation.Cancel)
		defer timer.Stop()
	}
	stop := context.AfterFunc(gctx, cancellation.Cancel)
	defer stop()

	params := map[string]val.Value{}
	for k, v := range opts.Params {
		params[k] = v
	}

	results := make([]QueryResult, 0, len(statements))
	for _, stmt := range statements {
		start := time.Now()
		e.statements.Inc()
		result, qt, letName, err := e.executeStatement(gctx, stmt, params, opts, cancellation)
		if err != nil && cancellation.IsCancelled() && fault.KindOf(err) == fault.KindCancelled && opts.Timeout > 0 && gctx.Err() == nil {
			// A trip caused by the query timeout surfaces as the timeout
			// error, not a bare cancellation.
			err = fault.ErrQueryTimedout
		}
		if err != nil {
			e.failures.Inc()
			e.Log.Debug("statement failed", zap.Error(err))
		}
		if letName != "" && err == nil {
			params[letName] = result
			result = val.None{}
		}
		results = append(results, QueryResult{
			Time:   time.Since(start),
			Result: result,
			Err:    err,
			Type:   qt,
		})
	}
	return results
}

func (e *Executor) executeStatement(gctx context.Context, stmt expr.Expr, params map[string]val.Value, opts Options, cancellation *exec.Cancellation) (val.Value, QueryType, string, error) {
	// Live and kill statements are bookkeeping on the executor itself; the
	// changefeed transport is out of scope.
	switch s := stmt.(type) {
	case expr.Live:
		id := uuid.New()
		e.mu.Lock()
		e.live[id] = struct{}{}
		e.mu.Unlock()
		return val.Uuid{ID: id}, QueryLive, "", nil
	case expr.Kill:
		e.mu.Lock()
		_, tracked := e.live[s.ID.ID]
		delete(e.live, s.ID.ID)
		e.mu.Unlock()
		if !tracked {
			return nil, QueryKill, "", fault.New(fault.KindNotFound,
				"no live query with id '%s' is registered", s.ID.ID)
		}
		return val.None{}, QueryKill, "", nil
	}

	write := !stmt.ReadOnly()
	txn, err := e.Begin(write)
	if err != nil {
		return nil, QueryOther, "", err
	}
	value, letName, err := e.runInTxn(gctx, stmt, params, opts, cancellation, txn)
	if err != nil {
		_ = txn.Cancel(gctx)
		return nil, QueryOther, "", err
	}
	if err := txn.Commit(gctx); err != nil {
		return nil, QueryOther, "", err
	}
	return value, QueryOther, letName, nil
}

func (e *Executor) runInTxn(gctx context.Context, stmt expr.Expr, params map[string]val.Value, opts Options, cancellation *exec.Cancellation, txn kv.Transaction) (val.Value, string, error) {
	root := &exec.RootContext{
		Params:       params,
		Cancellation: cancellation,
		Auth:         opts.Auth,
		Catalog:      e.Catalog,
	}
	var ctx *exec.ExecutionContext
	switch {
	case opts.NS != nil && opts.DB != nil:
		ctx = exec.NewDatabaseContext(root, opts.NS, opts.DB, txn)
	default:
		ctx = exec.NewRootContext(root)
	}

	pl := planner.New(e.Registry)
	eval := pl.DeferredEval()

	// LET at the top level binds into the session scope.
	if let, ok := stmt.(expr.Let); ok {
		v, err := eval(gctx, ctx, let.Value)
		if err != nil {
			return nil, "", flow.Escaped(err)
		}
		return v, let.Name, nil
	}

	plan, err := pl.PlanStatement(stmt, ctx)
	if err != nil {
		if !errors.Is(err, fault.ErrUnimplemented) {
			return nil, "", err
		}
		// Legacy compute fallback for statements with no lowering.
		v, err := eval(gctx, ctx, stmt)
		if err != nil {
			return nil, "", flow.Escaped(err)
		}
		return v, "", nil
	}

	// Level monotonicity is validated at dispatch: a plan requiring a
	// higher level than the session provides is rejected before any
	// operator runs.
	if lvl := plan.RequiredContext(); lvl > ctx.Level() {
		return nil, "", fault.New(fault.KindNotFound,
			"this statement requires a %s context", lvl)
	}
	if plan.AccessMode() == exec.ReadWrite && !txn.Writable() {
		return nil, "", fault.New(fault.KindStorage,
			"cannot run a mutating statement in a read-only transaction")
	}
	stream, err := plan.Execute(ctx)
	if err != nil {
		return nil, "", flow.Escaped(err)
	}
	values, err := exec.CollectAll(gctx, stream)
	if err != nil {
		// A RETURN escaping a top-level statement is invalid, as is BREAK
		// or CONTINUE outside a loop.
		return nil, "", flow.Escaped(err)
	}
	if plan.IsScalar() {
		if len(values) == 0 {
			return val.None{}, "", nil
		}
		return values[0], "", nil
	}
	return val.Array(values), "", nil
}
