// Package eqlmapper implements the SQL parser and EQL type inferencer:
// it parses a statement with the real PostgreSQL grammar
// (pganalyze/pg_query_go), infers a type for every node of interest
// against a Schema in which columns are Native or Eql, and surfaces the
// types of parameters, literals, and the result projection for the
// transform package to consume.
package eqlmapper

import "fmt"

// TraitSet is a bitmask over the EQL trait set {Eq, Ord, TokenMatch,
// JsonLike, Contain}.
type TraitSet uint8

const (
	TraitEq TraitSet = 1 << iota
	TraitOrd
	TraitTokenMatch
	TraitJsonLike
	TraitContain

	TraitsAll  = TraitEq | TraitOrd | TraitTokenMatch | TraitJsonLike | TraitContain
	TraitsNone = TraitSet(0)
)

func (t TraitSet) Has(other TraitSet) bool { return t&other == other }
func (t TraitSet) Union(other TraitSet) TraitSet { return t | other }

func (t TraitSet) String() string {
	names := []struct {
		bit  TraitSet
		name string
	}{
		{TraitEq, "Eq"}, {TraitOrd, "Ord"}, {TraitTokenMatch, "TokenMatch"},
		{TraitJsonLike, "JsonLike"}, {TraitContain, "Contain"},
	}
	s := ""
	for _, n := range names {
		if t.Has(n.bit) {
			if s != "" {
				s += "|"
			}
			s += n.name
		}
	}
	if s == "" {
		return "none"
	}
	return s
}

// CastType is the EQL cast type of an encrypted column.
type CastType string

const (
	CastUtf8Str   CastType = "utf8_str"
	CastBoolean   CastType = "boolean"
	CastInt       CastType = "int"
	CastSmallInt  CastType = "small_int"
	CastBigInt    CastType = "big_int"
	CastBigUInt   CastType = "big_uint"
	CastFloat     CastType = "float"
	CastDecimal   CastType = "decimal"
	CastDate      CastType = "date"
	CastTimestamp CastType = "timestamp"
	CastJsonB     CastType = "jsonb"
)

// IndexKind is a configured search index on an encrypted column.
type IndexKind string

const (
	IndexUnique IndexKind = "unique"
	IndexMatch  IndexKind = "match"
	IndexOre    IndexKind = "ore"
	IndexSteVec IndexKind = "ste_vec"
)

// IndexConfig is one configured search index, with an optional JSONB path
// prefix for SteVec.
type IndexConfig struct {
	Kind       IndexKind
	PathPrefix string
}

// Traits returns the union of traits the configured indexes grant: a
// column's index set determines which operators the mapper permits on
// it.
func Traits(indexes []IndexConfig) TraitSet {
	var t TraitSet
	for _, ix := range indexes {
		switch ix.Kind {
		case IndexUnique:
			t |= TraitEq
		case IndexMatch:
			t |= TraitTokenMatch
		case IndexOre:
			t |= TraitOrd | TraitEq
		case IndexSteVec:
			t |= TraitJsonLike | TraitContain
		}
	}
	return t
}

// Type is the closed sum type at the leaves of the inference lattice:
// NativeType, EqlType, ArrayType, SetOfType, ProjectionType, VarType.
type Type interface {
	typeMarker()
	String() string
}

// NativeType satisfies all traits vacuously.
type NativeType struct{}

func (NativeType) typeMarker()  {}
func (NativeType) String() string { return "native" }

// EqlType wraps an EqlTerm.
type EqlType struct{ Term EqlTerm }

func (EqlType) typeMarker()    {}
func (e EqlType) String() string { return "eql(" + e.Term.String() + ")" }

// ArrayType wraps an element type.
type ArrayType struct{ Inner Type }

func (ArrayType) typeMarker()    {}
func (a ArrayType) String() string { return "array(" + a.Inner.String() + ")" }

// SetOfType wraps a row/relation type.
type SetOfType struct{ Inner Type }

func (SetOfType) typeMarker()    {}
func (s SetOfType) String() string { return "setof(" + s.Inner.String() + ")" }

// ProjectionItem is one column of a resolved Projection.
type ProjectionItem struct {
	Alias string
	Type  Type
}

// ProjectionType is the ordered, aliased column list of a SELECT/RETURNING
// result.
type ProjectionType struct{ Items []ProjectionItem }

func (ProjectionType) typeMarker() {}
func (p ProjectionType) String() string {
	return fmt.Sprintf("projection(%d cols)", len(p.Items))
}

// VarType is an unresolved type variable bound to a trait set, allocated
// for expressions (parameter placeholders, in-flight literals) whose
// concrete type is not yet known.
type VarType struct {
	ID     int
	Bounds TraitSet
}

func (VarType) typeMarker() {}
func (v VarType) String() string {
	return fmt.Sprintf("var(%d, %s)", v.ID, v.Bounds)
}

// EqlTerm is the closed sum of encrypted-term variants: Full, Partial,
// Tokenized, JsonAccessor, JsonPath.
type EqlTerm interface {
	eqlTermMarker()
	Column() ColumnRef
	Traits() TraitSet
	String() string
}

// ColumnRef identifies the (table, column) pair an EqlTerm is scoped to,
// used both for trait resolution and for the "i" field of the EQL JSONB
// payload.
type ColumnRef struct {
	Table  string
	Column string
}

// FullTerm denotes a column reference to an encrypted column in full
// (all of its configured indexes apply).
type FullTerm struct {
	Col    ColumnRef
	Config ColumnConfig
}

func (FullTerm) eqlTermMarker()   {}
func (f FullTerm) Column() ColumnRef { return f.Col }
func (f FullTerm) Traits() TraitSet  { return Traits(f.Config.Indexes) }
func (f FullTerm) String() string    { return "full(" + f.Col.Table + "." + f.Col.Column + ")" }

// PartialTerm satisfies only the given trait subset, e.g. the ORE
// accessor of an otherwise-full column used in ORDER BY.
type PartialTerm struct {
	Col ColumnRef
	T   TraitSet
}

func (PartialTerm) eqlTermMarker()   {}
func (p PartialTerm) Column() ColumnRef { return p.Col }
func (p PartialTerm) Traits() TraitSet  { return p.T }
func (p PartialTerm) String() string {
	return fmt.Sprintf("partial(%s.%s, %s)", p.Col.Table, p.Col.Column, p.T)
}

// TokenizedTerm is the match-index accessor of an encrypted column.
type TokenizedTerm struct{ Col ColumnRef }

func (TokenizedTerm) eqlTermMarker()   {}
func (t TokenizedTerm) Column() ColumnRef { return t.Col }
func (t TokenizedTerm) Traits() TraitSet  { return TraitTokenMatch }
func (t TokenizedTerm) String() string    { return "tokenized(" + t.Col.Table + "." + t.Col.Column + ")" }

// JSONAccessorTerm is a single-step JSONB accessor (-> / ->>) on an
// encrypted JSONB column.
type JSONAccessorTerm struct{ Col ColumnRef }

func (JSONAccessorTerm) eqlTermMarker()   {}
func (j JSONAccessorTerm) Column() ColumnRef { return j.Col }
func (j JSONAccessorTerm) Traits() TraitSet  { return TraitJsonLike }
func (j JSONAccessorTerm) String() string    { return "json_accessor(" + j.Col.Table + "." + j.Col.Column + ")" }

// JSONPathTerm is a SteVec-indexed JSONB path accessor.
type JSONPathTerm struct {
	Col  ColumnRef
	Path string
}

func (JSONPathTerm) eqlTermMarker()   {}
func (j JSONPathTerm) Column() ColumnRef { return j.Col }
func (j JSONPathTerm) Traits() TraitSet  { return TraitJsonLike | TraitContain }
func (j JSONPathTerm) String() string {
	return fmt.Sprintf("json_path(%s.%s, %s)", j.Col.Table, j.Col.Column, j.Path)
}
