package eqlmapper

import "strings"

// ColumnKind distinguishes a Native column from one configured for EQL
// encryption.
type ColumnKind int

const (
	ColumnNative ColumnKind = iota
	ColumnEql
)

// Mode distinguishes a column that is always encrypted from one kept in
// a duplicated-plaintext migration state.
type Mode int

const (
	ModeAlwaysEncrypted Mode = iota
	ModeDuplicatedPlaintext
)

// ColumnConfig is the encryption metadata for one Eql column.
type ColumnConfig struct {
	Cast    CastType
	Indexes []IndexConfig
	Mode    Mode
}

// Column is a schema column: a name plus a kind, and, if Eql, its
// ColumnConfig.
type Column struct {
	Name   string
	Kind   ColumnKind
	Config ColumnConfig
}

// Table is a name plus an ordered list of columns.
type Table struct {
	Name    string
	Columns []Column
}

func (t *Table) Column(name string) (*Column, bool) {
	for i := range t.Columns {
		if identEq(t.Columns[i].Name, name, false) {
			return &t.Columns[i], true
		}
	}
	return nil, false
}

// Schema is a named collection of tables.
type Schema struct {
	Name   string
	Tables map[string]*Table // keyed by lower-cased unquoted table name
}

func NewSchema(name string) *Schema {
	return &Schema{Name: name, Tables: make(map[string]*Table)}
}

func (s *Schema) AddTable(t *Table) {
	s.Tables[strings.ToLower(t.Name)] = t
}

func (s *Schema) Table(name string, quoted bool) (*Table, bool) {
	key := name
	if !quoted {
		key = strings.ToLower(name)
	}
	t, ok := s.Tables[strings.ToLower(key)]
	return t, ok
}

// identEq compares two SQL identifiers following quoting-fold rules:
// unquoted identifiers compare case-insensitively, quoted compare
// exactly, and a mixed comparison folds the unquoted side to
// lower-case (Postgres's own folding direction) before comparing.
func identEq(a, b string, bQuoted bool) bool {
	if bQuoted {
		return a == b
	}
	return strings.EqualFold(a, b)
}

// DDLChange records one piece of schema-affecting DDL observed during the
// current transaction, captured into the TableResolver overlay.
type DDLChange struct {
	Kind      string // create_table, drop_table, alter_add_column, alter_drop_column, rename_table, rename_column
	Table     string
	Column    string // for column-level changes
	NewName   string // for renames
	NewColumn Column // for create_table / alter_add_column
}

// TableResolver wraps a Schema with a mutable overlay capturing
// in-transaction DDL; resolution consults the overlay first.
// A nil overlay entry is a tombstone: the table was dropped (or renamed
// away) in this transaction and must not fall through to the base.
type TableResolver struct {
	base    *Schema
	overlay map[string]*Table // shadow copies, mutated by Apply; nil == dropped
}

func NewTableResolver(base *Schema) *TableResolver {
	return &TableResolver{base: base, overlay: make(map[string]*Table)}
}

// Resolve looks up a table by name, overlay first.
func (r *TableResolver) Resolve(name string) (*Table, bool) {
	key := strings.ToLower(name)
	if t, ok := r.overlay[key]; ok {
		if t == nil {
			return nil, false
		}
		return t, true
	}
	return r.base.Table(name, false)
}

// Apply mutates the overlay according to a single DDLChange, copying the
// base table into the overlay on first touch so the base Schema snapshot
// is never mutated in place (it may be shared by other connections via
// the atomic-swap SchemaManager).
func (r *TableResolver) Apply(ch DDLChange) {
	key := strings.ToLower(ch.Table)
	cur, ok := r.overlay[key]
	if !ok || cur == nil {
		if base, found := r.base.Table(ch.Table, false); found {
			cp := *base
			cp.Columns = append([]Column(nil), base.Columns...)
			cur = &cp
		} else {
			cur = &Table{Name: ch.Table}
		}
	}
	switch ch.Kind {
	case "create_table":
		cur = &Table{Name: ch.Table}
	case "drop_table":
		r.overlay[key] = nil
		return
	case "alter_add_column":
		cur.Columns = append(cur.Columns, ch.NewColumn)
	case "alter_drop_column":
		filtered := cur.Columns[:0]
		for _, c := range cur.Columns {
			if !identEq(c.Name, ch.Column, false) {
				filtered = append(filtered, c)
			}
		}
		cur.Columns = filtered
	case "rename_table":
		r.overlay[key] = nil
		cur.Name = ch.NewName
		r.overlay[strings.ToLower(ch.NewName)] = cur
		return
	case "rename_column":
		for i := range cur.Columns {
			if identEq(cur.Columns[i].Name, ch.Column, false) {
				cur.Columns[i].Name = ch.NewName
			}
		}
	}
	r.overlay[key] = cur
}
