package lapack

import "github.com/dbielich/slate/pkg/core/scalars"

// TrsmLeftLowerUnit solves L·X = B in place, where L is the m×m
// unit-diagonal lower triangle of l and B is m×n. On return b holds X.
//
// The pipeline uses it to produce the row factors U(k, j) from the
// factored diagonal tile.
func TrsmLeftLowerUnit[T scalars.Scalar](m, n int, l []T, ldl int, b []T, ldb int) {
	checkMatrix(m, m, l, ldl)
	checkMatrix(m, n, b, ldb)
	// Forward substitution; the diagonal is implicit ones.
	for i := 1; i < m; i++ {
		for r := 0; r < i; r++ {
			lir := l[i*ldl+r]
			if lir == 0 {
				continue
			}
			for c := 0; c < n; c++ {
				b[i*ldb+c] -= lir * b[r*ldb+c]
			}
		}
	}
}

// TrsmRightUpperNonUnit solves X·U = B in place, where U is the n×n upper
// triangle of u (non-unit diagonal) and B is m×n. On return b holds X.
//
// The pipeline uses it to scale the panel column below the diagonal into
// the L factors. A zero on U's diagonal produces Inf/NaN entries, matching
// the divide-by-zero contract of the non-pivoted factorization.
func TrsmRightUpperNonUnit[T scalars.Scalar](m, n int, u []T, ldu int, b []T, ldb int) {
	checkMatrix(n, n, u, ldu)
	checkMatrix(m, n, b, ldb)
	for i := 0; i < m; i++ {
		row := b[i*ldb:]
		for c := 0; c < n; c++ {
			x := row[c]
			for r := 0; r < c; r++ {
				x -= row[r] * u[r*ldu+c]
			}
			row[c] = x / u[c*ldu+c]
		}
	}
}
