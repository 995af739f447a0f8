package lapack

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// randDominant returns a row-major m×n matrix with a diagonally dominant
// leading block, guaranteeing every pivot of the non-pivoted factorization
// stays away from zero.
func randDominant(rng *rand.Rand, m, n int) []float64 {
	a := make([]float64, m*n)
	for i := range a {
		a[i] = rng.Float64() - 0.5
	}
	for i := 0; i < min(m, n); i++ {
		a[i*n+i] += float64(n)
	}
	return a
}

// reconstructLU multiplies the packed factors back together: L has an
// implicit unit diagonal, U is the upper triangle (trapezoids when m != n).
func reconstructLU(m, n int, lu []float64) []float64 {
	c := make([]float64, m*n)
	mn := min(m, n)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			var sum float64
			for k := 0; k <= min(min(i, j), mn-1); k++ {
				var lik float64
				if k == i {
					lik = 1
				} else if k < i {
					lik = lu[i*n+k]
				}
				if k <= j {
					sum += lik * lu[k*n+j]
				}
			}
			c[i*n+j] = sum
		}
	}
	return c
}

func maxAbsDiff(a, b []float64) float64 {
	var worst float64
	for i := range a {
		worst = math.Max(worst, math.Abs(a[i]-b[i]))
	}
	return worst
}

func TestGetrfNoPivReconstruct(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for _, tc := range []struct {
		name             string
		m, n, ib, threads int
	}{
		{"square_unblocked", 8, 8, 0, 1},
		{"square_blocked", 24, 24, 8, 1},
		{"square_threaded", 32, 32, 8, 4},
		{"tall", 24, 16, 4, 1},
		{"wide", 16, 24, 4, 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			a := randDominant(rng, tc.m, tc.n)
			orig := append([]float64(nil), a...)
			singular := GetrfNoPiv(tc.m, tc.n, a, tc.n, tc.ib, tc.threads)
			require.Zero(t, singular)
			got := reconstructLU(tc.m, tc.n, a)
			assert.Less(t, maxAbsDiff(orig, got), 1e-10)
		})
	}
}

func TestGetrfNoPivSingular(t *testing.T) {
	// Leading zero pivot.
	a := []float64{0, 1, 1, 1}
	assert.Equal(t, 1, GetrfNoPiv(2, 2, a, 2, 0, 1))

	// Pivot that becomes exactly zero during elimination.
	b := []float64{1, 2, 2, 4}
	assert.Equal(t, 2, GetrfNoPiv(2, 2, b, 2, 0, 1))

	// The first offending index is reported even with later zeros.
	c := []float64{
		0, 1, 2,
		0, 0, 3,
		0, 0, 0,
	}
	assert.Equal(t, 1, GetrfNoPiv(3, 3, c, 3, 0, 1))
}

func TestGetrfNoPivBlockedMatchesUnblocked(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	a := randDominant(rng, 20, 20)
	b := append([]float64(nil), a...)
	require.Zero(t, GetrfNoPiv(20, 20, a, 20, 0, 1))
	require.Zero(t, GetrfNoPiv(20, 20, b, 20, 6, 3))
	assert.Less(t, maxAbsDiff(a, b), 1e-11)
}

func TestTrsmLeftLowerUnit(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	const m, n = 6, 4
	l := make([]float64, m*m)
	for i := 0; i < m; i++ {
		for j := 0; j < i; j++ {
			l[i*m+j] = rng.Float64()
		}
		l[i*m+i] = rng.Float64() + 5 // Ignored: diagonal is implicit ones.
	}
	x := randDominant(rng, m, n)
	// B = L·X with unit diagonal.
	b := make([]float64, m*n)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			sum := x[i*n+j]
			for k := 0; k < i; k++ {
				sum += l[i*m+k] * x[k*n+j]
			}
			b[i*n+j] = sum
		}
	}
	TrsmLeftLowerUnit(m, n, l, m, b, n)
	assert.Less(t, maxAbsDiff(x, b), 1e-12)
}

func TestTrsmRightUpperNonUnit(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	const m, n = 4, 6
	u := make([]float64, n*n)
	for i := 0; i < n; i++ {
		u[i*n+i] = rng.Float64() + 2
		for j := i + 1; j < n; j++ {
			u[i*n+j] = rng.Float64()
		}
	}
	x := randDominant(rng, m, n)
	// B = X·U.
	b := make([]float64, m*n)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			var sum float64
			for k := 0; k <= j; k++ {
				sum += x[i*n+k] * u[k*n+j]
			}
			b[i*n+j] = sum
		}
	}
	TrsmRightUpperNonUnit(m, n, u, n, b, n)
	assert.Less(t, maxAbsDiff(x, b), 1e-12)
}

func TestGemm(t *testing.T) {
	a := []float64{1, 2, 3, 4} // 2×2
	b := []float64{5, 6, 7, 8} // 2×2
	c := []float64{1, 1, 1, 1}
	// C ← −A·B + C
	Gemm(2, 2, 2, -1, a, 2, b, 2, 1, c, 2)
	assert.Equal(t, []float64{1 - 19, 1 - 22, 1 - 43, 1 - 50}, c)
}

func TestGemmBatch(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	const batch, m, n, k = 3, 4, 5, 6
	as := make([][]float64, batch)
	bs := make([][]float64, batch)
	cs := make([][]float64, batch)
	want := make([][]float64, batch)
	for i := range as {
		as[i] = randDominant(rng, m, k)
		bs[i] = randDominant(rng, k, n)
		cs[i] = randDominant(rng, m, n)
		want[i] = append([]float64(nil), cs[i]...)
		Gemm(m, n, k, -1, as[i], k, bs[i], n, 1, want[i], n)
	}
	GemmBatch(m, n, k, -1, as, k, bs, n, 1, cs, n)
	for i := range cs {
		assert.Equal(t, want[i], cs[i])
	}

	assert.Panics(t, func() { GemmBatch(m, n, k, -1.0, as[:2], k, bs, n, 1.0, cs, n) })
}
