package lapack

import "github.com/gomlx/exceptions"

import "github.com/dbielich/slate/pkg/core/scalars"

// The batched kernels below are the accelerator-strategy counterparts of
// the single-tile kernels: one invocation covers every same-shaped operand
// group in the batch, the way a batched BLAS call amortizes per-launch
// overhead on a device. Operand slices come from the batch arrays the
// matrix reserves up front, not from per-call allocation.

func checkBatch[T scalars.Scalar](name string, groups ...[][]T) {
	n := len(groups[0])
	for _, g := range groups[1:] {
		if len(g) != n {
			exceptions.Panicf("lapack.%s: mismatched batch lengths %d vs %d", name, n, len(g))
		}
	}
}

// GemmBatch computes C[i] ← alpha·A[i]·B[i] + beta·C[i] for every operand
// triple in the batch. All entries share the m×k, k×n, m×n shapes and
// leading dimensions.
func GemmBatch[T scalars.Scalar](m, n, k int, alpha T, as [][]T, lda int, bs [][]T, ldb int, beta T, cs [][]T, ldc int) {
	checkBatch("GemmBatch", as, bs, cs)
	for i := range as {
		Gemm(m, n, k, alpha, as[i], lda, bs[i], ldb, beta, cs[i], ldc)
	}
}

// TrsmLeftLowerUnitBatch solves L·X[i] = B[i] in place for every pair in
// the batch, with one shared m×m unit-lower triangle l.
func TrsmLeftLowerUnitBatch[T scalars.Scalar](m, n int, l []T, ldl int, bs [][]T, ldb int) {
	for _, b := range bs {
		TrsmLeftLowerUnit(m, n, l, ldl, b, ldb)
	}
}

// TrsmRightUpperNonUnitBatch solves X[i]·U = B[i] in place for every pair
// in the batch, with one shared n×n upper triangle u.
func TrsmRightUpperNonUnitBatch[T scalars.Scalar](m, n int, u []T, ldu int, bs [][]T, ldb int) {
	for _, b := range bs {
		TrsmRightUpperNonUnit(m, n, u, ldu, b, ldb)
	}
}
