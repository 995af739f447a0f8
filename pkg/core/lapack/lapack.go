// Package lapack implements the dense single-tile kernels the factorization
// pipeline dispatches: LU without pivoting on one tile, triangular solves,
// and general multiply-accumulate, plus the batched forms used by the
// accelerator execution strategy.
//
// Tiles are row-major with an explicit leading dimension, following the
// classic Level-3 BLAS calling conventions. The kernels are trusted
// primitives from the scheduler's point of view: they know nothing about
// ownership, residency or dependency tokens.
package lapack

import (
	"github.com/gomlx/exceptions"

	"github.com/dbielich/slate/pkg/core/scalars"
)

// checkMatrix panics if the slice cannot hold an m×n matrix with leading
// dimension ld.
func checkMatrix[T scalars.Scalar](m, n int, a []T, ld int) {
	if m < 0 || n < 0 {
		exceptions.Panicf("lapack: negative matrix dimension %d×%d", m, n)
	}
	if ld < max(1, n) {
		exceptions.Panicf("lapack: leading dimension %d < row width %d", ld, n)
	}
	if m > 0 && len(a) < (m-1)*ld+n {
		exceptions.Panicf("lapack: slice of length %d too short for %d×%d (ld=%d)", len(a), m, n, ld)
	}
}
