package eqlmapper

import "fmt"

// NodeKey identifies an AST node by its stable pointer identity for the
// lifetime of one parse tree.
type NodeKey uintptr

// TypeCell is a mutable cell holding the currently-known type for one
// node, which may itself be a VarType pending resolution.
type TypeCell struct {
	Type Type
}

// TypeRegistry maps each node's identity to a TypeCell and maintains the
// substitution map from type-variable id to resolved type.
type TypeRegistry struct {
	cells  map[NodeKey]*TypeCell
	subst  map[int]Type
	bounds map[int]TraitSet
	nextID int
}

func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		cells:  make(map[NodeKey]*TypeCell),
		subst:  make(map[int]Type),
		bounds: make(map[int]TraitSet),
	}
}

// Fresh allocates a new unbound type variable with the given trait bound
// set.
func (r *TypeRegistry) Fresh(bounds TraitSet) VarType {
	r.nextID++
	return VarType{ID: r.nextID, Bounds: bounds}
}

// Assign records t as the type of node key, allocating the cell if
// needed.
func (r *TypeRegistry) Assign(key NodeKey, t Type) {
	if c, ok := r.cells[key]; ok {
		c.Type = t
		return
	}
	r.cells[key] = &TypeCell{Type: t}
}

// Lookup returns the raw (possibly variable) type assigned to key.
func (r *TypeRegistry) Lookup(key NodeKey) (Type, bool) {
	c, ok := r.cells[key]
	if !ok {
		return nil, false
	}
	return c.Type, true
}

// Bind records a substitution var -> t.
func (r *TypeRegistry) Bind(varID int, t Type) {
	r.subst[varID] = t
}

// AddBound accumulates required trait bounds against a type variable
// that has not yet been bound to a concrete type, consulted once a
// concrete sibling type is later unified against it.
func (r *TypeRegistry) AddBound(varID int, bounds TraitSet) {
	r.bounds[varID] = r.bounds[varID].Union(bounds)
}

// BoundsOf returns the trait bounds accumulated so far for varID, or
// TraitsNone if none have been recorded.
func (r *TypeRegistry) BoundsOf(varID int) TraitSet {
	return r.bounds[varID]
}

// Resolve follows the substitution chain for t with path compression.
// A cycle in the substitution map indicates a bug and is reported as an
// internal error.
func (r *TypeRegistry) Resolve(t Type) (Type, error) {
	seen := make(map[int]bool)
	cur := t
	var chain []int
	for {
		v, ok := cur.(VarType)
		if !ok {
			break
		}
		if seen[v.ID] {
			return nil, fmt.Errorf("internal error: cyclic type substitution at var %d", v.ID)
		}
		seen[v.ID] = true
		next, bound := r.subst[v.ID]
		if !bound {
			break
		}
		chain = append(chain, v.ID)
		cur = next
	}
	// path compression: point every variable visited directly at the
	// final resolved type.
	for _, id := range chain {
		r.subst[id] = cur
	}
	return cur, nil
}

// ResolveNode resolves the type currently assigned to key through the
// substitution map.
func (r *TypeRegistry) ResolveNode(key NodeKey) (Type, error) {
	t, ok := r.Lookup(key)
	if !ok {
		return NativeType{}, nil
	}
	return r.Resolve(t)
}

// AllResolved reports whether every variable referenced (directly or
// transitively) by t has a concrete binding, which must hold for every
// node's type after a successful check.
func (r *TypeRegistry) AllResolved(t Type) bool {
	resolved, err := r.Resolve(t)
	if err != nil {
		return false
	}
	switch v := resolved.(type) {
	case VarType:
		return false
	case ArrayType:
		return r.AllResolved(v.Inner)
	case SetOfType:
		return r.AllResolved(v.Inner)
	case ProjectionType:
		for _, item := range v.Items {
			if !r.AllResolved(item.Type) {
				return false
			}
		}
		return true
	default:
		return true
	}
}
