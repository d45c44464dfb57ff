// Package structeq composes per-field equality into whole-object equality
// for composite proxy types: structs whose fields are proxy.Cell handles,
// plain scalars, or other composites.
//
// A composite P has a materialized counterpart V (a plain value snapshot).
// Three comparisons are derived from one ordered field list:
//
//	Same(a, b)     atomic fields by identity, scalars by value, nested recurse
//	Matches(p, v)  each field of p against the matching field of v
//	Equal(a, b)    current contents: atomic fields are loaded and compared
//
// Fields are always visited in declaration order, so loads happen in a
// reproducible sequence.
package structeq

import (
	"github.com/nmxmxh/sabproxy/kernel/threads/proxy"
)

// Field is one named member of composite P with snapshot type V.
type Field[P, V any] struct {
	Name  string
	Same  func(a, b P) bool
	Equal func(a, b P) bool
	Match func(p P, v V) bool

	anchor func(p P) (uintptr, bool)
}

// Atomic declares a field held in a proxy cell. Same compares addresses,
// Match and Equal load.
func Atomic[P, V any, T proxy.Scalar](name string, cell func(P) proxy.Cell[T], value func(V) T) Field[P, V] {
	return Field[P, V]{
		Name: name,
		Same: func(a, b P) bool {
			return cell(a).Same(cell(b))
		},
		Equal: func(a, b P) bool {
			return cell(a).LoadAcquire() == cell(b).LoadAcquire()
		},
		Match: func(p P, v V) bool {
			return cell(p).Holds(value(v))
		},
		anchor: func(p P) (uintptr, bool) {
			c := cell(p)
			return c.Addr(), c.Bound()
		},
	}
}

// Scalar declares a non-atomic field compared by value everywhere.
func Scalar[P, V any, T comparable](name string, get func(P) T, value func(V) T) Field[P, V] {
	same := func(a, b P) bool {
		return get(a) == get(b)
	}
	return Field[P, V]{
		Name:  name,
		Same:  same,
		Equal: same,
		Match: func(p P, v V) bool {
			return get(p) == value(v)
		},
	}
}

// Nested declares a field that is itself a composite described by inner.
func Nested[P, V, NP, NV any](name string, inner *Composite[NP, NV], get func(P) NP, value func(V) NV) Field[P, V] {
	return Field[P, V]{
		Name: name,
		Same: func(a, b P) bool {
			return inner.Same(get(a), get(b))
		},
		Equal: func(a, b P) bool {
			return inner.Equal(get(a), get(b))
		},
		Match: func(p P, v V) bool {
			return inner.Matches(get(p), value(v))
		},
		anchor: func(p P) (uintptr, bool) {
			if inner.anchor == nil {
				return 0, false
			}
			return inner.anchor(get(p))
		},
	}
}

// Composite is the equality definition of a composite proxy type.
type Composite[P, V any] struct {
	name   string
	fields []Field[P, V]
	anchor func(p P) (uintptr, bool)
}

// New builds a Composite from fields in declaration order.
func New[P, V any](name string, fields ...Field[P, V]) *Composite[P, V] {
	c := &Composite[P, V]{name: name, fields: fields}
	for _, f := range fields {
		if f.anchor != nil {
			c.anchor = f.anchor
			break
		}
	}
	return c
}

func (c *Composite[P, V]) Name() string {
	return c.name
}

// Fields returns the field names in declaration order.
func (c *Composite[P, V]) Fields() []string {
	names := make([]string, len(c.fields))
	for i, f := range c.fields {
		names[i] = f.Name
	}
	return names
}

// Same reports whether a and b are the same composite proxy: every atomic
// field bound to the same cell and every scalar field equal.
func (c *Composite[P, V]) Same(a, b P) bool {
	for _, f := range c.fields {
		if !f.Same(a, b) {
			return false
		}
	}
	return true
}

// Equal reports whether a and b currently hold equal contents, wherever
// their atomic fields are bound.
func (c *Composite[P, V]) Equal(a, b P) bool {
	for _, f := range c.fields {
		eq := f.Equal
		if eq == nil {
			eq = f.Same
		}
		if !eq(a, b) {
			return false
		}
	}
	return true
}

// Matches reports whether proxy p currently matches snapshot v.
func (c *Composite[P, V]) Matches(p P, v V) bool {
	_, ok := c.Mismatch(p, v)
	return !ok
}

// Mismatch returns the name of the first field of p that does not match v.
func (c *Composite[P, V]) Mismatch(p P, v V) (string, bool) {
	for _, f := range c.fields {
		if !f.Match(p, v) {
			return f.Name, true
		}
	}
	return "", false
}

// Hash is consistent with Same: it is derived from the address of the first
// atomic field, which Same requires to be identical. Composites without any
// atomic field all hash to the same constant.
func (c *Composite[P, V]) Hash(p P) uint64 {
	const seed = 0xcbf29ce484222325
	if c.anchor == nil {
		return seed
	}
	addr, ok := c.anchor(p)
	if !ok {
		return seed
	}
	h := uint64(addr) ^ seed
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	return h
}
