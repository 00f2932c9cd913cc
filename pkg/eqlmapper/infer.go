package eqlmapper

import (
	"fmt"
	"strings"
	"unsafe"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/cipherstash/csproxy/pkg/csproxyerr"
)

// Param is one `$n` placeholder encountered during inference.
type Param struct {
	Number int
	Type   Type
}

// Literal is one AST literal node whose inferred type is Value::Eql(_),
// paired with the resolved EqlTerm variant the transformer will encrypt
// it against.
type Literal struct {
	Node *pg_query.A_Const
	Term EqlTerm
}

// CheckedStatement is the output of a successful type check.
type CheckedStatement struct {
	RawSQL         string
	Tree           *pg_query.ParseResult
	RequiresCheck  bool // false for DDL/SET/SHOW/COPY etc: forward verbatim
	Params         []Param
	Literals       []Literal
	Projection     ProjectionType
	Registry       *TypeRegistry
	DDLChanges     []DDLChange
	MergeOrPrepare bool // MERGE/PREPARE always fail type-check

	paramsByNumber map[int]Type
}

// TypeError reports a unification conflict, identifying the offending
// node's rendered description and both candidate types.
type TypeError struct {
	Node  string
	Want  Type
	Got   Type
	Cause string
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("type error at %s: %s (%v vs %v)", e.Node, e.Cause, e.Want, e.Got)
}

type inferer struct {
	resolver *TableResolver
	reg      *TypeRegistry
	scope    *Tracker
	params   map[int]Type
	literals []Literal
	litVars  []literalVar
}

// literalVar records an A_Const node whose concrete type is still an
// unresolved VarType pending unification against a sibling operand.
type literalVar struct {
	node  *pg_query.A_Const
	varID int
}

// Infer parses sql with the real PostgreSQL grammar and runs a
// Hindley-Milner-style unification pass over the result.
func Infer(resolver *TableResolver, sql string) (*CheckedStatement, error) {
	tree, err := pg_query.Parse(sql)
	if err != nil {
		return nil, csproxyerr.Wrap(csproxyerr.KindTypeMapping, "42601", "syntax error", err)
	}
	if len(tree.Stmts) == 0 {
		return &CheckedStatement{RawSQL: sql, Tree: tree, RequiresCheck: false}, nil
	}

	out := &CheckedStatement{RawSQL: sql, Tree: tree, Registry: NewTypeRegistry()}

	for _, raw := range tree.Stmts {
		node := raw.Stmt
		if node == nil {
			continue
		}
		switch n := node.Node.(type) {
		case *pg_query.Node_SelectStmt:
			out.RequiresCheck = true
			if err := checkSelect(resolver, out, n.SelectStmt); err != nil {
				return nil, err
			}
		case *pg_query.Node_InsertStmt:
			out.RequiresCheck = true
			if err := checkInsert(resolver, out, n.InsertStmt); err != nil {
				return nil, err
			}
		case *pg_query.Node_UpdateStmt:
			out.RequiresCheck = true
			if err := checkUpdate(resolver, out, n.UpdateStmt); err != nil {
				return nil, err
			}
		case *pg_query.Node_DeleteStmt:
			out.RequiresCheck = true
			if err := checkDelete(resolver, out, n.DeleteStmt); err != nil {
				return nil, err
			}
		case *pg_query.Node_MergeStmt:
			// MERGE always fails type-check.
			return nil, csproxyerr.ErrTypeCheckFailed.WithDetail("MERGE is not supported")
		case *pg_query.Node_PrepareStmt:
			return nil, csproxyerr.ErrTypeCheckFailed.WithDetail("PREPARE is not supported")
		default:
			// DDL, SET, SHOW, COPY, and anything else not named above
			// bypasses inference and is forwarded verbatim, except that
			// schema-affecting DDL is captured into the overlay the
			// connection applies via Resolver.Apply.
			out.RequiresCheck = false
			out.DDLChanges = append(out.DDLChanges, ExtractDDL(node)...)
		}
	}

	for n, t := range out.paramsByNumber {
		out.Params = append(out.Params, Param{Number: n, Type: t})
	}
	return out, nil
}

func checkSelect(resolver *TableResolver, out *CheckedStatement, stmt *pg_query.SelectStmt) error {
	inf := newInferer(resolver, out)
	pop := inf.scope.Push()
	defer pop()

	for _, fc := range stmt.FromClause {
		inf.registerFrom(fc)
	}
	var items []ProjectionItem
	for _, rt := range stmt.TargetList {
		target, ok := rt.Node.(*pg_query.Node_ResTarget)
		if !ok {
			continue
		}
		t, err := inf.inferExpr(target.ResTarget.Val)
		if err != nil {
			return err
		}
		alias := target.ResTarget.Name
		if alias == "" {
			alias = deriveAlias(target.ResTarget.Val)
		}
		if isWildcard(target.ResTarget.Val) {
			items = append(items, inf.scope.WildcardColumns()...)
			continue
		}
		items = append(items, ProjectionItem{Alias: alias, Type: t})
	}
	if stmt.WhereClause != nil {
		if _, err := inf.inferExpr(stmt.WhereClause); err != nil {
			return err
		}
	}
	for _, s := range stmt.SortClause {
		if sb, ok := s.Node.(*pg_query.Node_SortBy); ok {
			t, err := inf.inferExpr(sb.SortBy.Node)
			if err != nil {
				return err
			}
			// Sorting requires an ordered comparison on the server, so an
			// encrypted sort key must carry an Ord-granting index.
			if err := inf.unifyOperand(t, TraitOrd); err != nil {
				return err
			}
		}
	}
	for _, g := range stmt.GroupClause {
		if _, err := inf.inferExpr(g); err != nil {
			return err
		}
	}
	out.Projection = ProjectionType{Items: items}
	return inf.finalize(out)
}

func checkInsert(resolver *TableResolver, out *CheckedStatement, stmt *pg_query.InsertStmt) error {
	inf := newInferer(resolver, out)
	tbl, _ := resolver.Resolve(stmt.Relation.Relname)
	inf.scope.Register(&Relation{Alias: stmt.Relation.Relname, Table: tbl})

	var colNames []string
	for _, c := range stmt.Cols {
		if rt, ok := c.Node.(*pg_query.Node_ResTarget); ok {
			colNames = append(colNames, rt.ResTarget.Name)
		}
	}

	if sel, ok := stmt.SelectStmt.GetNode().(*pg_query.Node_SelectStmt); ok {
		for _, vl := range sel.SelectStmt.ValuesLists {
			list, ok := vl.Node.(*pg_query.Node_List)
			if !ok {
				continue
			}
			for i, v := range list.List.Items {
				var col *Column
				if tbl != nil && i < len(colNames) {
					col, _ = tbl.Column(colNames[i])
				}
				t, err := inf.inferValueAgainstColumn(v, col, stmt.Relation.Relname)
				if err != nil {
					return err
				}
				_ = t
			}
		}
	}
	if err := inf.inferReturning(out, stmt.ReturningList); err != nil {
		return err
	}
	return inf.finalize(out)
}

// inferReturning types a RETURNING clause and publishes it as the
// statement's projection, so the server pump can build a decrypt plan
// for INSERT/UPDATE ... RETURNING the same way it does for SELECT.
func (inf *inferer) inferReturning(out *CheckedStatement, returning []*pg_query.Node) error {
	if len(returning) == 0 {
		return nil
	}
	var items []ProjectionItem
	for _, r := range returning {
		rt, ok := r.Node.(*pg_query.Node_ResTarget)
		if !ok {
			continue
		}
		t, err := inf.inferExpr(rt.ResTarget.Val)
		if err != nil {
			return err
		}
		if isWildcard(rt.ResTarget.Val) {
			items = append(items, inf.scope.WildcardColumns()...)
			continue
		}
		alias := rt.ResTarget.Name
		if alias == "" {
			alias = deriveAlias(rt.ResTarget.Val)
		}
		items = append(items, ProjectionItem{Alias: alias, Type: t})
	}
	out.Projection = ProjectionType{Items: items}
	return nil
}

func checkUpdate(resolver *TableResolver, out *CheckedStatement, stmt *pg_query.UpdateStmt) error {
	inf := newInferer(resolver, out)
	tbl, _ := resolver.Resolve(stmt.Relation.Relname)
	rel := &Relation{Alias: stmt.Relation.Relname, Table: tbl}
	inf.scope.Register(rel)

	for _, rt := range stmt.TargetList {
		target, ok := rt.Node.(*pg_query.Node_ResTarget)
		if !ok {
			continue
		}
		var col *Column
		if tbl != nil {
			col, _ = tbl.Column(target.ResTarget.Name)
		}
		if _, err := inf.inferValueAgainstColumn(target.ResTarget.Val, col, stmt.Relation.Relname); err != nil {
			return err
		}
	}
	if stmt.WhereClause != nil {
		if _, err := inf.inferExpr(stmt.WhereClause); err != nil {
			return err
		}
	}
	if err := inf.inferReturning(out, stmt.ReturningList); err != nil {
		return err
	}
	return inf.finalize(out)
}

func checkDelete(resolver *TableResolver, out *CheckedStatement, stmt *pg_query.DeleteStmt) error {
	inf := newInferer(resolver, out)
	tbl, _ := resolver.Resolve(stmt.Relation.Relname)
	inf.scope.Register(&Relation{Alias: stmt.Relation.Relname, Table: tbl})
	if stmt.WhereClause != nil {
		if _, err := inf.inferExpr(stmt.WhereClause); err != nil {
			return err
		}
	}
	if err := inf.inferReturning(out, stmt.ReturningList); err != nil {
		return err
	}
	return inf.finalize(out)
}

// finalize resolves every parameter's and context-inferred literal's
// type variable through the registry's substitution map before publishing
// them on out. Literals recorded directly against a known column by
// inferValueAgainstColumn are already concrete and are merged in as-is.
func (inf *inferer) finalize(out *CheckedStatement) error {
	for n, t := range inf.params {
		resolved, err := inf.reg.Resolve(t)
		if err != nil {
			return err
		}
		inf.params[n] = resolved
	}
	for _, lv := range inf.litVars {
		resolved, err := inf.reg.Resolve(VarType{ID: lv.varID})
		if err != nil {
			return err
		}
		if eqlT, ok := resolved.(EqlType); ok {
			inf.literals = append(inf.literals, Literal{Node: lv.node, Term: eqlT.Term})
		}
	}
	out.paramsByNumber = inf.params
	out.Literals = append(out.Literals, inf.literals...)
	return nil
}

func newInferer(resolver *TableResolver, out *CheckedStatement) *inferer {
	return &inferer{
		resolver: resolver,
		reg:      out.Registry,
		scope:    NewTracker(),
		params:   make(map[int]Type),
	}
}

func (inf *inferer) registerFrom(n *pg_query.Node) {
	rv, ok := n.Node.(*pg_query.Node_RangeVar)
	if !ok {
		return
	}
	tbl, _ := inf.resolver.Resolve(rv.RangeVar.Relname)
	alias := rv.RangeVar.Relname
	if rv.RangeVar.Alias != nil {
		alias = rv.RangeVar.Alias.Aliasname
	}
	inf.scope.Register(&Relation{Alias: alias, Table: tbl})
}

// inferValueAgainstColumn infers the type of an INSERT/UPDATE value
// expression, assigning it Value::Eql(...) when col is an encrypted
// column.
func (inf *inferer) inferValueAgainstColumn(n *pg_query.Node, col *Column, table string) (Type, error) {
	if col == nil || col.Kind != ColumnEql {
		return inf.inferExpr(n)
	}
	term := EqlTerm(FullTerm{Col: ColumnRef{Table: table, Column: col.Name}, Config: col.Config})
	switch v := n.Node.(type) {
	case *pg_query.Node_AConst:
		inf.literals = append(inf.literals, Literal{Node: v.AConst, Term: term})
		return EqlType{Term: term}, nil
	case *pg_query.Node_ParamRef:
		inf.params[int(v.ParamRef.Number)] = EqlType{Term: term}
		return EqlType{Term: term}, nil
	default:
		return inf.inferExpr(n)
	}
}

// inferExpr walks an expression node bottom-up, assigning a Type per
// node kind. Node kinds with no encrypted-relevance (window functions,
// CASE, type casts not wrapping a column, etc.) are conservatively
// treated as Native, the same policy applied to unknown functions.
func (inf *inferer) inferExpr(n *pg_query.Node) (Type, error) {
	if n == nil {
		return NativeType{}, nil
	}
	switch v := n.Node.(type) {
	case *pg_query.Node_ColumnRef:
		return inf.inferColumnRef(v.ColumnRef)
	case *pg_query.Node_AConst:
		// The literal's eventual type depends on what it is compared or
		// assigned against, so a fresh bound variable is allocated here and
		// resolved once inferAExpr (or an enclosing VALUES clause) learns
		// the sibling's concrete type; see finalize.
		fresh := inf.reg.Fresh(TraitsNone)
		inf.litVars = append(inf.litVars, literalVar{node: v.AConst, varID: fresh.ID})
		return fresh, nil
	case *pg_query.Node_ParamRef:
		fresh := inf.reg.Fresh(TraitsNone)
		inf.params[int(v.ParamRef.Number)] = fresh
		return fresh, nil
	case *pg_query.Node_AExpr:
		return inf.inferAExpr(v.AExpr)
	case *pg_query.Node_FuncCall:
		return inf.inferFuncCall(v.FuncCall)
	case *pg_query.Node_TypeCast:
		return inf.inferExpr(v.TypeCast.Arg)
	case *pg_query.Node_BoolExpr:
		for _, a := range v.BoolExpr.Args {
			if _, err := inf.inferExpr(a); err != nil {
				return nil, err
			}
		}
		return NativeType{}, nil
	default:
		return NativeType{}, nil
	}
}

func (inf *inferer) inferColumnRef(cr *pg_query.ColumnRef) (Type, error) {
	var parts []string
	star := false
	for _, f := range cr.Fields {
		switch fv := f.Node.(type) {
		case *pg_query.Node_String_:
			parts = append(parts, fv.String_.Sval)
		case *pg_query.Node_AStar:
			star = true
		}
	}
	if star {
		return ProjectionType{Items: inf.scope.WildcardColumns()}, nil
	}
	if len(parts) == 2 {
		_, col, ok := inf.scope.ResolveQualified(parts[0], parts[1])
		if !ok || col == nil {
			return nil, csproxyerr.ErrUnknownColumn.WithDetail(strings.Join(parts, "."))
		}
		return columnType(parts[0], col), nil
	}
	if len(parts) == 1 {
		rel, col, ok := inf.scope.ResolveUnqualified(parts[0])
		if !ok || col == nil {
			return nil, csproxyerr.ErrUnknownColumn.WithDetail(parts[0])
		}
		table := ""
		if rel != nil {
			table = rel.Alias
		}
		return columnType(table, col), nil
	}
	return NativeType{}, nil
}

func columnType(table string, col *Column) Type {
	if col.Kind == ColumnEql {
		return EqlType{Term: FullTerm{Col: ColumnRef{Table: table, Column: col.Name}, Config: col.Config}}
	}
	return NativeType{}
}

func (inf *inferer) inferAExpr(e *pg_query.A_Expr) (Type, error) {
	var opName string
	for _, n := range e.Name {
		if s, ok := n.Node.(*pg_query.Node_String_); ok {
			opName = s.String_.Sval
		}
	}
	leftT, err := inf.inferExpr(e.Lexpr)
	if err != nil {
		return nil, err
	}
	rightT, err := inf.inferExpr(e.Rexpr)
	if err != nil {
		return nil, err
	}
	sig, known := LookupOperator(opName)
	if !known {
		return NativeType{}, nil
	}
	if err := inf.unify(leftT, rightT, sig.RequiredTraits); err != nil {
		return nil, err
	}
	if sig.ResultIsBool {
		return NativeType{}, nil
	}
	return NativeType{}, nil
}

// unify equates the two operand types of a binary operator: when one
// side is a concrete EqlType and the other a free VarType (a parameter
// placeholder or a literal awaiting context), the
// variable is bound in the registry's substitution map to that concrete
// type, which is how `WHERE encrypted_col = $1` and `WHERE encrypted_col
// = 'literal'` give $1/the literal their encrypted type. When both sides
// are still variables, the required traits are recorded against both so
// a later binding of either can be checked against the accumulated
// bound set.
func (inf *inferer) unify(a, b Type, required TraitSet) error {
	a = inf.resolveOrSelf(a)
	b = inf.resolveOrSelf(b)

	aVar, aIsVar := a.(VarType)
	bVar, bIsVar := b.(VarType)

	switch {
	case aIsVar && bIsVar:
		inf.reg.AddBound(aVar.ID, required)
		inf.reg.AddBound(bVar.ID, required)
		return nil
	case aIsVar:
		full := required.Union(inf.reg.BoundsOf(aVar.ID))
		if err := inf.checkTraits(b, full); err != nil {
			return err
		}
		inf.reg.Bind(aVar.ID, b)
		return nil
	case bIsVar:
		full := required.Union(inf.reg.BoundsOf(bVar.ID))
		if err := inf.checkTraits(a, full); err != nil {
			return err
		}
		inf.reg.Bind(bVar.ID, a)
		return nil
	default:
		if err := inf.checkTraits(a, required); err != nil {
			return err
		}
		return inf.checkTraits(b, required)
	}
}

// checkTraits verifies t satisfies required, where t is already resolved
// to a concrete (non-variable) type; Native satisfies every trait
// vacuously.
func (inf *inferer) checkTraits(t Type, required TraitSet) error {
	switch v := t.(type) {
	case EqlType:
		if !v.Term.Traits().Has(required) {
			return &TypeError{Node: v.String(), Want: NativeType{}, Got: t, Cause: fmt.Sprintf("column does not support required traits %s", required)}
		}
		return nil
	default:
		return nil
	}
}

// resolveOrSelf resolves t through the registry's substitution map,
// returning t unchanged if it carries no pending substitution (or on
// internal error, which the caller surfaces at the point a concrete
// binding is actually required instead).
func (inf *inferer) resolveOrSelf(t Type) Type {
	resolved, err := inf.reg.Resolve(t)
	if err != nil {
		return t
	}
	return resolved
}

// unifyOperand checks a single operand (a function argument, which has
// no sibling to bind against) against required trait bounds, recording
// the bound on an unresolved variable for later checking once it is
// eventually bound by a unify call elsewhere.
func (inf *inferer) unifyOperand(t Type, required TraitSet) error {
	resolved := inf.resolveOrSelf(t)
	if v, ok := resolved.(VarType); ok {
		inf.reg.AddBound(v.ID, required)
		return nil
	}
	return inf.checkTraits(resolved, required)
}

func (inf *inferer) inferFuncCall(fc *pg_query.FuncCall) (Type, error) {
	var name string
	for _, n := range fc.Funcname {
		if s, ok := n.Node.(*pg_query.Node_String_); ok {
			name = s.String_.Sval
		}
	}
	var argTypes []Type
	for _, a := range fc.Args {
		t, err := inf.inferExpr(a)
		if err != nil {
			return nil, err
		}
		argTypes = append(argTypes, t)
	}
	sig, known := LookupFunction(strings.ToLower(name))
	if !known || sig.PassthroughAll {
		return NativeType{}, nil
	}
	for _, t := range argTypes {
		if err := inf.unifyOperand(t, sig.RequiredTraits); err != nil {
			return nil, err
		}
	}
	return NativeType{}, nil
}

func deriveAlias(n *pg_query.Node) string {
	if n == nil {
		return ""
	}
	switch v := n.Node.(type) {
	case *pg_query.Node_ColumnRef:
		for i := len(v.ColumnRef.Fields) - 1; i >= 0; i-- {
			if s, ok := v.ColumnRef.Fields[i].Node.(*pg_query.Node_String_); ok {
				return s.String_.Sval
			}
		}
	case *pg_query.Node_FuncCall:
		if len(v.FuncCall.Funcname) > 0 {
			if s, ok := v.FuncCall.Funcname[len(v.FuncCall.Funcname)-1].Node.(*pg_query.Node_String_); ok {
				return s.String_.Sval
			}
		}
	}
	return ""
}

func isWildcard(n *pg_query.Node) bool {
	cr, ok := n.Node.(*pg_query.Node_ColumnRef)
	if !ok {
		return false
	}
	for _, f := range cr.ColumnRef.Fields {
		if _, ok := f.Node.(*pg_query.Node_AStar); ok {
			return true
		}
	}
	return false
}

// nodeKey recovers a stable identity for n for the lifetime of one parse
// tree, used as the TypeRegistry map key.
func nodeKey(n *pg_query.Node) NodeKey {
	return NodeKey(uintptr(unsafe.Pointer(n)))
}
