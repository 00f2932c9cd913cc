package eqlmapper

import "strings"

// Relation is one table/subquery/CTE introduced into a scope, named by
// its alias or base table name.
type Relation struct {
	Alias   string
	Table   *Table
	IsQuery bool // derived subquery/CTE rather than a base table
}

// Scope is one node in the scope tree. Scopes are held in a flat stack
// with an index-based parent link rather than a back-pointer, so the
// structure can never form a reference cycle.
type Scope struct {
	parent    int // index into Tracker.scopes, -1 for the root
	relations []*Relation
}

// Tracker owns the stack of scopes for one statement's type-check pass.
type Tracker struct {
	scopes  []Scope
	current int
}

func NewTracker() *Tracker {
	t := &Tracker{scopes: []Scope{{parent: -1}}}
	t.current = 0
	return t
}

// Push creates a child of the current scope and makes it current,
// returning a function that restores the previous current scope (used
// when leaving a SELECT/subquery/CTE).
func (t *Tracker) Push() func() {
	parent := t.current
	t.scopes = append(t.scopes, Scope{parent: parent})
	t.current = len(t.scopes) - 1
	return func() { t.current = parent }
}

// Register adds a relation to the current scope, in registration order
// (the order unqualified wildcards expand in).
func (t *Tracker) Register(r *Relation) {
	s := &t.scopes[t.current]
	s.relations = append(s.relations, r)
}

// ResolveQualified resolves `alias.column` by walking from the current
// scope up to the root.
func (t *Tracker) ResolveQualified(alias, column string) (*Relation, *Column, bool) {
	idx := t.current
	for idx != -1 {
		for _, r := range t.scopes[idx].relations {
			if strings.EqualFold(r.Alias, alias) {
				if r.Table == nil {
					return r, nil, false
				}
				if c, ok := r.Table.Column(column); ok {
					return r, c, true
				}
				return r, nil, false
			}
		}
		idx = t.scopes[idx].parent
	}
	return nil, nil, false
}

// ResolveUnqualified searches for a unique column named `column` across
// all relations in-scope, walking outward from the current scope.
func (t *Tracker) ResolveUnqualified(column string) (*Relation, *Column, bool) {
	idx := t.current
	for idx != -1 {
		var found *Column
		var foundRel *Relation
		count := 0
		for _, r := range t.scopes[idx].relations {
			if r.Table == nil {
				continue
			}
			if c, ok := r.Table.Column(column); ok {
				found, foundRel = c, r
				count++
			}
		}
		if count == 1 {
			return foundRel, found, true
		}
		if count > 1 {
			return nil, nil, false // ambiguous
		}
		idx = t.scopes[idx].parent
	}
	return nil, nil, false
}

// WildcardColumns returns all in-scope relations' columns concatenated
// in registration order, for unqualified `*` expansion.
func (t *Tracker) WildcardColumns() []ProjectionItem {
	var items []ProjectionItem
	for _, r := range t.scopes[t.current].relations {
		if r.Table == nil {
			continue
		}
		for _, c := range r.Table.Columns {
			typ := Type(NativeType{})
			if c.Kind == ColumnEql {
				typ = EqlType{Term: FullTerm{Col: ColumnRef{Table: r.Table.Name, Column: c.Name}, Config: c.Config}}
			}
			items = append(items, ProjectionItem{Alias: c.Name, Type: typ})
		}
	}
	return items
}
