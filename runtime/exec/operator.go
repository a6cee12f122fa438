package exec

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/opal-lang/vela/core/val"
)

// ValueBatch is the unit of streaming: a non-empty slice of values.
type ValueBatch []val.Value

// BatchStream yields value batches. Next returns a nil batch once the
// stream is exhausted; a non-nil error (data error or control-flow signal)
// ends the stream. Empty batches are never emitted.
type BatchStream interface {
	Next(ctx context.Context) (ValueBatch, error)
}

// AccessMode declares whether an operator or expression reads only or may
// mutate.
type AccessMode uint8

// Access modes.
const (
	ReadOnly AccessMode = iota
	ReadWrite
)

// Combine unions two access modes: any write taints the result.
func (m AccessMode) Combine(other AccessMode) AccessMode {
	if m == ReadWrite || other == ReadWrite {
		return ReadWrite
	}
	return ReadOnly
}

// CardinalityHint is the advisory output-size class of an operator.
type CardinalityHint struct {
	class uint8
	n     int
}

// Cardinality constructors.
var (
	unboundedHint = CardinalityHint{class: 2}
)

// Exact hints exactly n rows.
func Exact(n int) CardinalityHint { return CardinalityHint{class: 0, n: n} }

// Bounded hints at most n rows.
func Bounded(n int) CardinalityHint { return CardinalityHint{class: 1, n: n} }

// Unbounded hints an unknown row count.
func Unbounded() CardinalityHint { return unboundedHint }

// Bound returns the row bound and whether one exists.
func (h CardinalityHint) Bound() (int, bool) {
	if h.class == 2 {
		return 0, false
	}
	return h.n, true
}

// SortDirection orders a sort property.
type SortDirection uint8

// Sort directions.
const (
	Asc SortDirection = iota
	Desc
)

// SortProperty is one key of an output ordering.
type SortProperty struct {
	Path      val.Path
	Direction SortDirection
	Collate   bool
	Numeric   bool
}

// OutputOrdering is the advisory ordering of an operator's output. A nil
// slice means unordered. Consumers use it to elide redundant sorts.
type OutputOrdering []SortProperty

// OperatorMetrics counts per-operator work for EXPLAIN ANALYZE.
type OperatorMetrics struct {
	rows    atomic.Int64
	batches atomic.Int64
	nanos   atomic.Int64
}

// Observe records one batch.
func (m *OperatorMetrics) Observe(rows int, elapsed time.Duration) {
	m.rows.Add(int64(rows))
	m.batches.Add(1)
	m.nanos.Add(int64(elapsed))
}

// Rows returns rows produced so far.
func (m *OperatorMetrics) Rows() int64 { return m.rows.Load() }

// Batches returns batches produced so far.
func (m *OperatorMetrics) Batches() int64 { return m.batches.Load() }

// Elapsed returns accumulated wall time.
func (m *OperatorMetrics) Elapsed() time.Duration { return time.Duration(m.nanos.Load()) }

// Operator is one node of a physical plan. Implementations embed
// OperatorBase for the common defaults.
type Operator interface {
	// Name identifies the operator in plan output.
	Name() string
	// Attrs are name/value pairs shown by EXPLAIN.
	Attrs() [][2]string
	// RequiredContext is the minimum level the operator runs at.
	RequiredContext() ContextLevel
	// AccessMode is the union of the operator's own writes and its children.
	AccessMode() AccessMode
	// CardinalityHint advises the output size.
	CardinalityHint() CardinalityHint
	// OutputOrdering advises the output order.
	OutputOrdering() OutputOrdering
	// Children lists structural child operators.
	Children() []Operator
	// Metrics returns per-operator counters, or nil when not collected.
	Metrics() *OperatorMetrics
	// IsScalar reports single-value semantics.
	IsScalar() bool
	// Execute starts the operator. The returned stream is pull-based; a
	// control-flow signal or error from Next ends it.
	Execute(ctx *ExecutionContext) (BatchStream, error)
}

// OperatorBase supplies defaults for the advisory methods.
type OperatorBase struct{}

func (OperatorBase) Attrs() [][2]string               { return nil }
func (OperatorBase) CardinalityHint() CardinalityHint { return Unbounded() }
func (OperatorBase) OutputOrdering() OutputOrdering   { return nil }
func (OperatorBase) Children() []Operator             { return nil }
func (OperatorBase) Metrics() *OperatorMetrics        { return nil }
func (OperatorBase) IsScalar() bool                   { return false }
