package eqlmapper

// OperatorSignature declares one accepted shape for a binary operator:
// the trait bound required of both operands and the result type shape.
type OperatorSignature struct {
	RequiredTraits TraitSet
	ResultIsBool   bool // comparison/containment operators yield Native boolean
}

// Operators is the table of operators the mapper understands.
var Operators = map[string]OperatorSignature{
	"=":   {RequiredTraits: TraitEq, ResultIsBool: true},
	"<>":  {RequiredTraits: TraitEq, ResultIsBool: true},
	"<=":  {RequiredTraits: TraitOrd, ResultIsBool: true},
	">=":  {RequiredTraits: TraitOrd, ResultIsBool: true},
	"<":   {RequiredTraits: TraitOrd, ResultIsBool: true},
	">":   {RequiredTraits: TraitOrd, ResultIsBool: true},
	"->":  {RequiredTraits: TraitJsonLike, ResultIsBool: false},
	"->>": {RequiredTraits: TraitJsonLike, ResultIsBool: false},
	"@>":  {RequiredTraits: TraitContain, ResultIsBool: true},
	"<@":  {RequiredTraits: TraitContain, ResultIsBool: true},
	"~~":  {RequiredTraits: TraitTokenMatch, ResultIsBool: true},
	"!~~": {RequiredTraits: TraitTokenMatch, ResultIsBool: true},
	"~~*": {RequiredTraits: TraitTokenMatch, ResultIsBool: true},
	"!~~*": {RequiredTraits: TraitTokenMatch, ResultIsBool: true},
}

// FunctionSignature declares a function's argument/result trait
// requirements and its eql_v2.* rewritten name.
type FunctionSignature struct {
	RequiredTraits TraitSet
	EqlEquivalent  string // empty if the function has no encrypted counterpart
	PassthroughAll bool   // e.g. count() never needs rewriting
}

// Functions is the table of functions the mapper understands.
var Functions = map[string]FunctionSignature{
	"count":                        {PassthroughAll: true},
	"min":                          {RequiredTraits: TraitOrd, EqlEquivalent: "eql_v2.min"},
	"max":                          {RequiredTraits: TraitOrd, EqlEquivalent: "eql_v2.max"},
	"jsonb_path_query":             {RequiredTraits: TraitJsonLike, EqlEquivalent: "eql_v2.jsonb_path_query"},
	"jsonb_path_query_first":       {RequiredTraits: TraitJsonLike, EqlEquivalent: "eql_v2.jsonb_path_query_first"},
	"jsonb_path_exists":            {RequiredTraits: TraitJsonLike, EqlEquivalent: "eql_v2.jsonb_path_exists"},
	"jsonb_array_length":           {RequiredTraits: TraitJsonLike, EqlEquivalent: "eql_v2.jsonb_array_length"},
	"jsonb_array_elements":         {RequiredTraits: TraitJsonLike, EqlEquivalent: "eql_v2.jsonb_array_elements"},
	"jsonb_array_elements_text":    {RequiredTraits: TraitJsonLike, EqlEquivalent: "eql_v2.jsonb_array_elements_text"},
	"eql_v2.jsonb_contains":        {RequiredTraits: TraitContain, PassthroughAll: true},
	"eql_v2.jsonb_contained_by":    {RequiredTraits: TraitContain, PassthroughAll: true},
}

// LookupOperator returns the signature for name, and false for unknown
// operators (which the caller treats as fully Native).
func LookupOperator(name string) (OperatorSignature, bool) {
	sig, ok := Operators[name]
	return sig, ok
}

// LookupFunction returns the signature for name (case already folded by
// the caller via Postgres's own unquoted-identifier lowering).
func LookupFunction(name string) (FunctionSignature, bool) {
	sig, ok := Functions[name]
	return sig, ok
}
