// Package catalog holds schema definitions consumed by the engine:
// namespaces, databases, tables, fields, indexes, sequences, and models.
// The engine reads definitions; defining them is the session layer's job.
package catalog

import (
	"github.com/opal-lang/vela/core/expr"
	"github.com/opal-lang/vela/core/fault"
	"github.com/opal-lang/vela/core/val"

	"golang.org/x/crypto/blake2b"
)

// NamespaceId identifies a namespace in key encodings.
type NamespaceId uint32

// DatabaseId identifies a database in key encodings.
type DatabaseId uint32

// NamespaceDefinition describes one namespace.
type NamespaceDefinition struct {
	ID   NamespaceId
	Name string
}

// DatabaseDefinition describes one database inside a namespace.
type DatabaseDefinition struct {
	ID   DatabaseId
	Name string
}

// Permission is one catalog permission clause.
type Permission struct {
	// Full grants unconditionally; None denies unconditionally; otherwise
	// Where is evaluated per row.
	Full  bool
	None  bool
	Where expr.Expr
}

// Allow is the unconditional grant.
func Allow() Permission { return Permission{Full: true} }

// Deny is the unconditional denial.
func Deny() Permission { return Permission{None: true} }

// Where grants when the predicate holds for the row.
func Where(cond expr.Expr) Permission { return Permission{Where: cond} }

// Permissions groups the per-action clauses of a table.
type Permissions struct {
	Select Permission
	Create Permission
	Update Permission
	Delete Permission
}

// FullPermissions grants everything.
func FullPermissions() Permissions {
	return Permissions{Select: Allow(), Create: Allow(), Update: Allow(), Delete: Allow()}
}

// FieldDefinition describes one schema field of a table.
type FieldDefinition struct {
	Name string
	Kind val.Kind
	// Default is evaluated when the field is absent on write.
	Default expr.Expr
	// Value is evaluated on every write and read-through; it may reference
	// sibling fields.
	Value expr.Expr
	// Assert is validated after Value/Default application.
	Assert expr.Expr
	// ReadPermission gates projection of the field.
	ReadPermission Permission
	// Readonly rejects changes after create.
	Readonly bool
	// ComputedDeps lists sibling fields this field's Value expression reads.
	// Used to order computed-field evaluation; cycles are a schema error.
	ComputedDeps []string
}

// TableDefinition describes one table.
type TableDefinition struct {
	Name        string
	SchemaFull  bool
	Permissions Permissions
	Fields      []FieldDefinition
	// computedOrder caches the topological order of computed fields.
	computedOrder []int
}

// IndexKind enumerates index families the planner can dispatch to.
type IndexKind uint8

// Index kinds.
const (
	IndexRegular IndexKind = iota
	IndexUnique
	IndexSearch
	IndexVector
)

// IndexDefinition describes one index on a table.
type IndexDefinition struct {
	Name   string
	Table  string
	Kind   IndexKind
	Fields []expr.Idiom
	// Dimension applies to vector indexes.
	Dimension int
	// Distance names the metric for vector indexes.
	Distance string
}

// Specificity orders candidate indexes when several satisfy a predicate:
// more constrained index kinds win, then longer field prefixes.
func (d *IndexDefinition) Specificity() int {
	s := len(d.Fields)
	if d.Kind == IndexUnique {
		s += 100
	}
	return s
}

// SequenceDefinition describes a user-defined sequence.
type SequenceDefinition struct {
	Name  string
	Start int64
	Batch uint32
}

// ModelDefinition describes a stored ML model blob. The digest is
// blake2b-256 over the blob, computed at definition time and verified on
// read.
type ModelDefinition struct {
	Name    string
	Version string
	Blob    []byte
	Digest  [32]byte
}

// NewModelDefinition builds a model definition, computing the blob digest.
func NewModelDefinition(name, version string, blob []byte) ModelDefinition {
	return ModelDefinition{
		Name:    name,
		Version: version,
		Blob:    blob,
		Digest:  blake2b.Sum256(blob),
	}
}

// Verify checks the stored digest against the blob.
func (m *ModelDefinition) Verify() error {
	if blake2b.Sum256(m.Blob) != m.Digest {
		return fault.New(fault.KindStorage, "model '%s' blob does not match its digest", m.Name)
	}
	return nil
}

// ComputedOrder returns field indexes with computed (Value or Default)
// expressions in dependency order. Cycles are a schema-time error.
func (t *TableDefinition) ComputedOrder() ([]int, error) {
	if t.computedOrder != nil {
		return t.computedOrder, nil
	}
	byName := make(map[string]int, len(t.Fields))
	for i, f := range t.Fields {
		byName[f.Name] = i
	}
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make([]int, len(t.Fields))
	order := make([]int, 0, len(t.Fields))
	var visit func(i int) error
	visit = func(i int) error {
		switch state[i] {
		case done:
			return nil
		case visiting:
			return fault.New(fault.KindSchema,
				"field '%s' on table '%s' participates in a computed-field cycle",
				t.Fields[i].Name, t.Name)
		}
		state[i] = visiting
		for _, dep := range t.Fields[i].ComputedDeps {
			if j, ok := byName[dep]; ok {
				if err := visit(j); err != nil {
					return err
				}
			}
		}
		state[i] = done
		if t.Fields[i].Value != nil || t.Fields[i].Default != nil {
			order = append(order, i)
		}
		return nil
	}
	for i := range t.Fields {
		if err := visit(i); err != nil {
			return nil, err
		}
	}
	t.computedOrder = order
	return order, nil
}

// Provider is the catalog lookup surface the engine consumes.
type Provider interface {
	// Table returns the definition for name, or nil when undefined.
	Table(ns NamespaceId, db DatabaseId, name string) (*TableDefinition, error)
	// Indexes returns the indexes defined on a table.
	Indexes(ns NamespaceId, db DatabaseId, table string) ([]*IndexDefinition, error)
	// Sequence returns a sequence definition by name.
	Sequence(ns NamespaceId, db DatabaseId, name string) (*SequenceDefinition, error)
	// Model returns a model definition by name and version.
	Model(ns NamespaceId, db DatabaseId, name, version string) (*ModelDefinition, error)
	// AllTables iterates table definitions for INFO FOR DB.
	AllTables(ns NamespaceId, db DatabaseId) ([]*TableDefinition, error)
	// AllSequences iterates sequence definitions for INFO FOR DB.
	AllSequences(ns NamespaceId, db DatabaseId) ([]*SequenceDefinition, error)
}

// MemProvider is an in-memory catalog used by tests and the CLI datastore.
type MemProvider struct {
	Tables    map[string]*TableDefinition
	Idx       map[string][]*IndexDefinition
	Sequences map[string]*SequenceDefinition
	Models    map[string]*ModelDefinition
}

// NewMemProvider creates an empty in-memory catalog.
func NewMemProvider() *MemProvider {
	return &MemProvider{
		Tables:    map[string]*TableDefinition{},
		Idx:       map[string][]*IndexDefinition{},
		Sequences: map[string]*SequenceDefinition{},
		Models:    map[string]*ModelDefinition{},
	}
}

// DefineTable registers a table definition, validating computed-field order.
func (m *MemProvider) DefineTable(def *TableDefinition) error {
	if _, err := def.ComputedOrder(); err != nil {
		return err
	}
	m.Tables[def.Name] = def
	return nil
}

// DefineIndex registers an index definition.
func (m *MemProvider) DefineIndex(def *IndexDefinition) {
	m.Idx[def.Table] = append(m.Idx[def.Table], def)
}

func (m *MemProvider) Table(ns NamespaceId, db DatabaseId, name string) (*TableDefinition, error) {
	return m.Tables[name], nil
}

func (m *MemProvider) Indexes(ns NamespaceId, db DatabaseId, table string) ([]*IndexDefinition, error) {
	return m.Idx[table], nil
}

func (m *MemProvider) Sequence(ns NamespaceId, db DatabaseId, name string) (*SequenceDefinition, error) {
	return m.Sequences[name], nil
}

func (m *MemProvider) Model(ns NamespaceId, db DatabaseId, name, version string) (*ModelDefinition, error) {
	def := m.Models[name+"@"+version]
	if def != nil {
		if err := def.Verify(); err != nil {
			return nil, err
		}
	}
	return def, nil
}

func (m *MemProvider) AllTables(ns NamespaceId, db DatabaseId) ([]*TableDefinition, error) {
	out := make([]*TableDefinition, 0, len(m.Tables))
	for _, t := range m.Tables {
		out = append(out, t)
	}
	return out, nil
}

func (m *MemProvider) AllSequences(ns NamespaceId, db DatabaseId) ([]*SequenceDefinition, error) {
	out := make([]*SequenceDefinition, 0, len(m.Sequences))
	for _, s := range m.Sequences {
		out = append(out, s)
	}
	return out, nil
}
