package lapack

import "github.com/dbielich/slate/pkg/core/scalars"

// Gemm computes C ← alpha·A·B + beta·C, with A m×k, B k×n and C m×n,
// all row-major with explicit leading dimensions.
func Gemm[T scalars.Scalar](m, n, k int, alpha T, a []T, lda int, b []T, ldb int, beta T, c []T, ldc int) {
	checkMatrix(m, k, a, lda)
	checkMatrix(k, n, b, ldb)
	checkMatrix(m, n, c, ldc)
	one := scalars.One[T]()
	for i := 0; i < m; i++ {
		crow := c[i*ldc : i*ldc+n]
		if beta != one {
			for j := range crow {
				crow[j] *= beta
			}
		}
		// ikj loop order keeps the inner loop running over contiguous rows.
		for l := 0; l < k; l++ {
			ail := alpha * a[i*lda+l]
			if ail == 0 {
				continue
			}
			brow := b[l*ldb : l*ldb+n]
			for j, blj := range brow {
				crow[j] += ail * blj
			}
		}
	}
}
