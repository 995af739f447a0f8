// Package sets implements a generic set type as a `map[T]struct{}` with
// better ergonomics. The residency layer uses it to collect the devices
// holding copies of a tile.
package sets

import (
	"slices"

	"golang.org/x/exp/constraints"
)

// Set implements a set of elements of the comparable type T.
type Set[T comparable] map[T]struct{}

// Make returns an empty Set. The optional size reserves capacity.
func Make[T comparable](size ...int) Set[T] {
	if len(size) == 0 {
		return make(Set[T])
	}
	return make(Set[T], size[0])
}

// MakeWith returns a Set holding the given elements.
func MakeWith[T comparable](elements ...T) Set[T] {
	s := Make[T](len(elements))
	s.Insert(elements...)
	return s
}

// Has reports whether key is in the set.
func (s Set[T]) Has(key T) bool {
	_, found := s[key]
	return found
}

// Insert keys into the set.
func (s Set[T]) Insert(keys ...T) {
	for _, key := range keys {
		s[key] = struct{}{}
	}
}

// Delete keys from the set. Deleting absent keys is a no-op.
func (s Set[T]) Delete(keys ...T) {
	for _, key := range keys {
		delete(s, key)
	}
}

// Sorted returns the elements of an ordered set in increasing order.
// Map iteration order is randomized; use this when a walk must be
// deterministic.
func Sorted[T constraints.Ordered](s Set[T]) []T {
	elements := make([]T, 0, len(s))
	for k := range s {
		elements = append(elements, k)
	}
	slices.Sort(elements)
	return elements
}
