// Package scalars defines the scalar element types the tiled-matrix
// runtime is instantiated with.
package scalars

import "golang.org/x/exp/constraints"

// Scalar is the constraint for matrix element types: the real and complex
// floating point types.
type Scalar interface {
	constraints.Float | constraints.Complex
}

// One returns the multiplicative identity of the scalar type.
func One[T Scalar]() T {
	var one T = 1
	return one
}

// Zero returns the additive identity of the scalar type.
func Zero[T Scalar]() T {
	var zero T
	return zero
}
