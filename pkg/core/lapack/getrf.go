package lapack

import "sync"

import "github.com/dbielich/slate/pkg/core/scalars"

// getf2NoPiv is the unblocked kernel: it factors the m×n block a in place
// into A = L·U with unit-diagonal L and no row interchanges.
//
// It returns the 1-based index of the first exactly-zero diagonal element,
// or 0 if none. As in LAPACK, the factorization is completed regardless:
// a zero pivot only skips the scaling of its column, and using the factors
// afterwards would divide by zero.
func getf2NoPiv[T scalars.Scalar](m, n int, a []T, lda int) (singular int) {
	mn := min(m, n)
	for j := 0; j < mn; j++ {
		pivot := a[j*lda+j]
		if pivot == 0 {
			if singular == 0 {
				singular = j + 1
			}
		} else if j < m-1 {
			inv := scalars.One[T]() / pivot
			for i := j + 1; i < m; i++ {
				a[i*lda+j] *= inv
			}
		}
		// Rank-1 update of the trailing block.
		for i := j + 1; i < m; i++ {
			lij := a[i*lda+j]
			if lij == 0 {
				continue
			}
			for c := j + 1; c < n; c++ {
				a[i*lda+c] -= lij * a[j*lda+c]
			}
		}
	}
	return singular
}

// GetrfNoPiv factors the m×n block a (row-major, leading dimension lda) in
// place into a unit-lower-triangular L and an upper-triangular U, without
// pivoting, using inner blocking ib. numThreads > 1 parallelizes the
// trailing update of each inner panel across row stripes; it is the
// MaxPanelThreads budget of a factorization run.
//
// It returns the 1-based index of the first exactly-zero diagonal element
// found, or 0 if the block is non-singular.
func GetrfNoPiv[T scalars.Scalar](m, n int, a []T, lda, ib, numThreads int) (singular int) {
	checkMatrix(m, n, a, lda)
	if m == 0 || n == 0 {
		return 0
	}
	mn := min(m, n)
	if ib <= 1 || ib >= mn {
		return getf2NoPiv(m, n, a, lda)
	}
	for j := 0; j < mn; j += ib {
		jb := min(mn-j, ib)
		if s := getf2NoPiv(m-j, jb, a[j*lda+j:], lda); s != 0 && singular == 0 {
			singular = j + s
		}
		if j+jb >= n {
			continue
		}
		// U(j:j+jb, j+jb:n) ← L(j:j+jb, j:j+jb)⁻¹ · A(j:j+jb, j+jb:n)
		TrsmLeftLowerUnit(jb, n-j-jb, a[j*lda+j:], lda, a[j*lda+j+jb:], lda)
		if j+jb >= m {
			continue
		}
		// A(j+jb:m, j+jb:n) −= L(j+jb:m, j:j+jb) · U(j:j+jb, j+jb:n)
		gemmStriped(m-j-jb, n-j-jb, jb,
			a[(j+jb)*lda+j:], lda,
			a[j*lda+j+jb:], lda,
			a[(j+jb)*lda+j+jb:], lda,
			numThreads)
	}
	return singular
}

// gemmStriped computes C −= A·B, splitting the rows of C across up to
// numThreads goroutines.
func gemmStriped[T scalars.Scalar](m, n, k int, a []T, lda int, b []T, ldb int, c []T, ldc int, numThreads int) {
	negOne := -scalars.One[T]()
	if numThreads <= 1 || m < 2*numThreads {
		Gemm(m, n, k, negOne, a, lda, b, ldb, scalars.One[T](), c, ldc)
		return
	}
	stripe := (m + numThreads - 1) / numThreads
	var wg sync.WaitGroup
	for i0 := 0; i0 < m; i0 += stripe {
		rows := min(stripe, m-i0)
		wg.Add(1)
		go func(i0, rows int) {
			defer wg.Done()
			Gemm(rows, n, k, negOne, a[i0*lda:], lda, b, ldb, scalars.One[T](), c[i0*ldc:], ldc)
		}(i0, rows)
	}
	wg.Wait()
}
