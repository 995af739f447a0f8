// Package lu implements the distributed tiled LU factorization without
// pivoting: A = L·U in place over a tiled matrix distributed on a process
// grid, with unit-diagonal L below and U on and above the diagonal.
//
// A single control goroutine per rank issues every tile operation of every
// diagonal step eagerly; dependency tokens (tokens.go) alone order the
// execution, so a configurable lookahead window of block-columns advances
// at critical priority while the bulk trailing update fills the remaining
// workers. The execution strategy (per-tile tasks, nested parallel-for,
// host batching or accelerator batching) is selected per run and changes
// only how a ready operation becomes work, never the dependency structure
// or the numerical result.
//
// All ranks of the grid call Factorize collectively with structurally
// identical arguments and run the same control flow (SPMD); tile
// replication happens through the matrix broadcast planner under a tag
// discipline that keeps every step's messages disjoint.
package lu

import (
	"github.com/dbielich/slate/pkg/core/matrix"
	"github.com/dbielich/slate/pkg/core/scalars"
)

// Factorize computes the LU factorization of a without pivoting, in place.
// On return every locally owned tile of a holds its block of the factors:
// unit-lower L strictly below the diagonal, U on and above it.
//
// The returned status is 0 on success, or the 1-based index of the first
// diagonal block in which an exactly-zero pivot was encountered; the
// factorization is completed regardless, with Inf/NaN entries past the
// offending pivot. Status agrees across all ranks of the grid. A non-nil
// error means the run could not start (resource exhaustion during setup)
// and the matrix contents are unchanged.
//
// Stability: without pivoting, growth is unbounded on general matrices.
// Intended for diagonally dominant or otherwise pre-conditioned inputs,
// where it trades the pivot search and row swaps for a fully parallel
// update.
func Factorize[T scalars.Scalar](a *matrix.Matrix[T], opts Options) (status int64, err error) {
	return factorize(a, opts, nil)
}
