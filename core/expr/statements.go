package expr

import (
	"time"

	"github.com/opal-lang/vela/core/val"
)

// SortKey is one ORDER BY term.
type SortKey struct {
	Path      Idiom
	Desc      bool
	Collate   bool
	Numeric   bool
}

// SelectField is one projected output of a SELECT list.
type SelectField struct {
	Expr  Expr
	Alias string
}

// Select is the SELECT statement.
type Select struct {
	// Fields is the projection list; empty means `*`.
	Fields []SelectField
	// Omit lists fields stripped from `*` projections.
	Omit []string
	// What are the sources: table names, record ids, arrays, subqueries.
	What []Expr
	// Cond is the WHERE predicate.
	Cond Expr
	// Split duplicates rows per element of the named field.
	Split []Idiom
	// Group lists GROUP BY paths; a non-nil empty slice means GROUP ALL.
	Group []Idiom
	// GroupAll marks `GROUP ALL`.
	GroupAll bool
	// Order lists ORDER BY keys.
	Order []SortKey
	// Limit and Start bound the result window.
	Limit Expr
	Start Expr
	// Only scalarises the result to a single value.
	Only bool
	// Version pins an MVCC snapshot.
	Version Expr
	// Explain wraps the statement: the output is the plan description.
	Explain        bool
	ExplainAnalyze bool
	// Timeout bounds execution.
	Timeout time.Duration
}

// Create is the CREATE statement.
type Create struct {
	What    []Expr
	Content Expr
	Only    bool
}

// Update is the UPDATE statement. Set assigns idiom = expr pairs; Content
// replaces the document.
type Update struct {
	What    []Expr
	Set     []Assignment
	Content Expr
	Cond    Expr
	Only    bool
}

// Assignment is one SET clause term.
type Assignment struct {
	Place Idiom
	Value Expr
}

// Delete is the DELETE statement.
type Delete struct {
	What []Expr
	Cond Expr
}

// Relate creates a graph edge between two records.
type Relate struct {
	From Expr
	Edge string
	To   Expr
	Data Expr
}

// Let binds a parameter for the remainder of the enclosing scope.
type Let struct {
	Name  string
	Value Expr
}

// Return yields a value from the enclosing block or subquery.
type Return struct {
	Value Expr
}

// IfElse is a chain of conditions with an optional final else.
type IfElse struct {
	Conds []Expr
	Then  []Expr
	Else  Expr
}

// Foreach is the FOR loop: iterate Range binding Param for each element.
type Foreach struct {
	Param string
	Range Expr
	Body  Block
}

// BreakStmt is the BREAK statement.
type BreakStmt struct{}

// ContinueStmt is the CONTINUE statement.
type ContinueStmt struct{}

// Throw raises a user error.
type Throw struct {
	Message Expr
}

// Info reads catalog metadata. Level is "root", "ns", or "db".
type Info struct {
	Level string
}

// Live registers a live query over a SELECT. The engine tags the result and
// tracks the id; streaming transport is out of scope.
type Live struct {
	Inner *Select
}

// Kill removes a tracked live query by id.
type Kill struct {
	ID val.Uuid
}

func (Select) isExpr()       {}
func (Create) isExpr()       {}
func (Update) isExpr()       {}
func (Delete) isExpr()       {}
func (Relate) isExpr()       {}
func (Let) isExpr()          {}
func (Return) isExpr()       {}
func (IfElse) isExpr()       {}
func (Foreach) isExpr()      {}
func (BreakStmt) isExpr()    {}
func (ContinueStmt) isExpr() {}
func (Throw) isExpr()        {}
func (Info) isExpr()         {}
func (Live) isExpr()         {}
func (Kill) isExpr()         {}

func (s Select) ReadOnly() bool {
	for _, f := range s.Fields {
		if !f.Expr.ReadOnly() {
			return false
		}
	}
	if s.Cond != nil && !s.Cond.ReadOnly() {
		return false
	}
	return true
}
func (Create) ReadOnly() bool { return false }
func (Update) ReadOnly() bool { return false }
func (Delete) ReadOnly() bool { return false }
func (Relate) ReadOnly() bool { return false }
func (s Let) ReadOnly() bool  { return s.Value.ReadOnly() }
func (s Return) ReadOnly() bool {
	if s.Value == nil {
		return true
	}
	return s.Value.ReadOnly()
}
func (s IfElse) ReadOnly() bool {
	for _, c := range s.Conds {
		if !c.ReadOnly() {
			return false
		}
	}
	for _, t := range s.Then {
		if !t.ReadOnly() {
			return false
		}
	}
	return s.Else == nil || s.Else.ReadOnly()
}
func (s Foreach) ReadOnly() bool {
	return s.Range.ReadOnly() && s.Body.ReadOnly()
}
func (BreakStmt) ReadOnly() bool    { return true }
func (ContinueStmt) ReadOnly() bool { return true }
func (s Throw) ReadOnly() bool      { return s.Message.ReadOnly() }
func (Info) ReadOnly() bool         { return true }
func (s Live) ReadOnly() bool       { return s.Inner.ReadOnly() }
func (Kill) ReadOnly() bool         { return true }
