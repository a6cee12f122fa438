package expr

import (
	"github.com/opal-lang/vela/core/val"
)

// Idiom is a finite path of parts evaluated against a value.
type Idiom []Part

// Part is one step of an idiom.
type Part interface {
	isPart()
}

// FieldPart selects a named field.
type FieldPart struct {
	Name string
}

// IndexPart selects an array element by position.
type IndexPart struct {
	Index int
}

// AllPart maps over every element.
type AllPart struct{}

// LastPart selects the final element.
type LastPart struct{}

// WherePart filters array elements by a predicate evaluated with each
// element bound as the current value.
type WherePart struct {
	Cond Expr
}

// DestructurePart projects a subset of fields out of an object.
type DestructurePart struct {
	Fields []string
}

// LookupDir is the direction of a graph or reference traversal.
type LookupDir uint8

// Lookup directions.
const (
	LookupOut LookupDir = iota // ->
	LookupIn                   // <-
	LookupBoth                 // <->
	LookupReference            // <~
)

// LookupPart traverses graph edges or record back-references. What is the
// set of edge tables; Target optionally restricts the far end; Cond is an
// optional per-edge predicate.
type LookupPart struct {
	Dir    LookupDir
	What   []string
	Target string
	Cond   Expr
}

// MethodPart invokes a method on the current value.
type MethodPart struct {
	Name string
	Args []Expr
}

// ValuePart injects a constant into the path.
type ValuePart struct {
	Value val.Value
}

func (FieldPart) isPart()       {}
func (IndexPart) isPart()       {}
func (AllPart) isPart()         {}
func (LastPart) isPart()        {}
func (WherePart) isPart()       {}
func (DestructurePart) isPart() {}
func (LookupPart) isPart()      {}
func (MethodPart) isPart()      {}
func (ValuePart) isPart()       {}

// Fields builds an idiom of plain field parts.
func Fields(names ...string) Idiom {
	p := make(Idiom, len(names))
	for i, n := range names {
		p[i] = FieldPart{Name: n}
	}
	return p
}

// ReadOnly reports whether evaluating the idiom cannot mutate data. Lookups
// read; only method parts with side effects would write, and none exist yet.
func (i Idiom) ReadOnly() bool {
	for _, p := range i {
		if w, ok := p.(WherePart); ok && !w.Cond.ReadOnly() {
			return false
		}
		if l, ok := p.(LookupPart); ok && l.Cond != nil && !l.Cond.ReadOnly() {
			return false
		}
	}
	return true
}

// DataPath converts the idiom to a data-level path when every part is
// resolvable without an execution context. Returns false when the idiom
// contains where, lookup, destructure, or method parts.
func (i Idiom) DataPath() (val.Path, bool) {
	out := make(val.Path, 0, len(i))
	for _, p := range i {
		switch x := p.(type) {
		case FieldPart:
			out = append(out, val.FieldPart{Name: x.Name})
		case IndexPart:
			out = append(out, val.IndexPart{Index: x.Index})
		case AllPart:
			out = append(out, val.AllPart{})
		case LastPart:
			out = append(out, val.LastPart{})
		default:
			return nil, false
		}
	}
	return out, true
}

// FirstField returns the leading field name when the idiom starts with a
// plain field part.
func (i Idiom) FirstField() (string, bool) {
	if len(i) == 0 {
		return "", false
	}
	f, ok := i[0].(FieldPart)
	if !ok {
		return "", false
	}
	return f.Name, true
}
