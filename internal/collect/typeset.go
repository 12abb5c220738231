package collect

import (
	"iter"
	"maps"
	"slices"

	"upgrade-guard/internal/metadata"
)

// TypeSet is an immutable set of types deduplicated by identity
// (full name and declaring scope).
type TypeSet struct {
	types map[string]metadata.TypeDescriptor
}

// NewTypeSet returns the set of the given types.
func NewTypeSet(types ...metadata.TypeDescriptor) TypeSet {
	if len(types) == 0 {
		return TypeSet{}
	}

	m := make(map[string]metadata.TypeDescriptor, len(types))
	for _, t := range types {
		m[t.Key()] = t
	}

	return TypeSet{types: m}
}

// FromSeq returns the set of the types yielded by seq.
func FromSeq(seq iter.Seq[metadata.TypeDescriptor]) TypeSet {
	return NewTypeSet(slices.Collect(seq)...)
}

// Union returns a new set holding the types of both sets.
func (s TypeSet) Union(other TypeSet) TypeSet {
	switch {
	case other.Len() == 0:
		return s
	case s.Len() == 0:
		return other
	}

	m := maps.Clone(s.types)
	maps.Copy(m, other.types)

	return TypeSet{types: m}
}

// Len returns the number of types in the set.
func (s TypeSet) Len() int {
	return len(s.types)
}

// IsEmpty returns true if the set holds no types.
func (s TypeSet) IsEmpty() bool {
	return len(s.types) == 0
}

// Contains returns true if a type with the identity of t is in the set.
func (s TypeSet) Contains(t metadata.TypeDescriptor) bool {
	_, ok := s.types[t.Key()]

	return ok
}

// All yields the types ordered by identity.
func (s TypeSet) All() iter.Seq[metadata.TypeDescriptor] {
	return func(yield func(metadata.TypeDescriptor) bool) {
		for _, key := range slices.Sorted(maps.Keys(s.types)) {
			if !yield(s.types[key]) {
				return
			}
		}
	}
}

// Sorted returns the types ordered by identity.
func (s TypeSet) Sorted() []metadata.TypeDescriptor {
	return slices.Collect(s.All())
}
