package lu

import (
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbielich/slate/pkg/core/grid"
	"github.com/dbielich/slate/pkg/core/matrix"
)

// randDominant returns a dense row-major m×n matrix with random entries in
// [-1, 1) and a diagonal dominating its row, so the non-pivoted
// factorization is numerically safe.
func randDominant(m, n int64, seed int64) []float64 {
	rng := rand.New(rand.NewSource(seed))
	a := make([]float64, m*n)
	for i := int64(0); i < m; i++ {
		var sum float64
		for j := int64(0); j < n; j++ {
			v := rng.Float64()*2 - 1
			a[i*n+j] = v
			sum += math.Abs(v)
		}
		if i < n {
			a[i*n+i] = sum + 1
		}
	}
	return a
}

func fillFrom(a *matrix.Matrix[float64], dense []float64) {
	_, n := a.Dims()
	a.SetFromFunc(func(gi, gj int64) float64 { return dense[gi*n+gj] })
}

// reconstruct multiplies the in-place factors back together: unit-lower L
// times upper U. Single-rank matrices only.
func reconstruct(a *matrix.Matrix[float64]) []float64 {
	m, n := a.Dims()
	mn := min(m, n)
	out := make([]float64, m*n)
	for i := int64(0); i < m; i++ {
		for j := int64(0); j < n; j++ {
			var sum float64
			for l := int64(0); l <= min(i, j, mn-1); l++ {
				lv := 1.0
				if l < i {
					lv = a.At(i, l)
				}
				sum += lv * a.At(l, j)
			}
			out[i*n+j] = sum
		}
	}
	return out
}

func maxAbsDiff(got, want []float64) float64 {
	var worst float64
	for i := range got {
		worst = math.Max(worst, math.Abs(got[i]-want[i]))
	}
	return worst
}

func runRanks(g *grid.Grid, body func(rank grid.Rank)) {
	var wg sync.WaitGroup
	for r := 0; r < g.Size(); r++ {
		wg.Add(1)
		go func(rank grid.Rank) {
			defer wg.Done()
			body(rank)
		}(grid.Rank(r))
	}
	wg.Wait()
}

func TestFactorizeTargets(t *testing.T) {
	const m, n, nb = 48, 48, 8
	dense := randDominant(m, n, 42)
	for _, target := range []Target{HostTask, HostNest, HostBatch, Devices} {
		t.Run(target.String(), func(t *testing.T) {
			a := matrix.New[float64](m, n, nb)
			if target == Devices {
				a.SetNumDevices(2)
			}
			fillFrom(a, dense)
			status, err := Factorize(a, Options{OptionTarget: int64(target)})
			require.NoError(t, err)
			assert.Equal(t, int64(0), status)
			assert.Less(t, maxAbsDiff(reconstruct(a), dense), 1e-10)
		})
	}
}

func TestFactorizeRectangular(t *testing.T) {
	cases := []struct{ m, n int64 }{
		{m: 40, n: 24}, // tall: column scales outlive the last diagonal
		{m: 24, n: 40}, // wide: row solves outlive the last diagonal
	}
	for _, c := range cases {
		dense := randDominant(c.m, c.n, 7)
		a := matrix.New[float64](c.m, c.n, 8)
		fillFrom(a, dense)
		status, err := Factorize(a, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(0), status)
		assert.Less(t, maxAbsDiff(reconstruct(a), dense), 1e-10, "shape %dx%d", c.m, c.n)
	}
}

func TestFactorizeRaggedTiles(t *testing.T) {
	// 44 is not a multiple of 8: the last tile row and column are ragged,
	// which exercises the shape bucketing of the batched strategies.
	const m, n, nb = 44, 44, 8
	dense := randDominant(m, n, 3)
	for _, target := range []Target{HostBatch, Devices} {
		a := matrix.New[float64](m, n, nb)
		if target == Devices {
			a.SetNumDevices(3)
		}
		fillFrom(a, dense)
		status, err := Factorize(a, Options{OptionTarget: int64(target)})
		require.NoError(t, err)
		assert.Equal(t, int64(0), status)
		assert.Less(t, maxAbsDiff(reconstruct(a), dense), 1e-10, "target %s", target)
	}
}

func TestFactorizeLookaheadEquivalence(t *testing.T) {
	const m, n, nb = 40, 40, 8 // 5 block-columns
	dense := randDominant(m, n, 11)
	for lookahead := int64(0); lookahead < 5; lookahead++ {
		a := matrix.New[float64](m, n, nb)
		fillFrom(a, dense)
		status, err := Factorize(a, Options{OptionLookahead: lookahead})
		require.NoError(t, err)
		assert.Equal(t, int64(0), status)
		assert.Less(t, maxAbsDiff(reconstruct(a), dense), 1e-10, "lookahead %d", lookahead)
	}
}

func TestScheduleCounts(t *testing.T) {
	// 4×4 tile grid with the default lookahead of 1.
	newMatrix := func() *matrix.Matrix[float64] {
		a := matrix.New[float64](32, 32, 8)
		fillFrom(a, randDominant(32, 32, 1))
		return a
	}

	trace := &traceRecorder{}
	status, err := factorize(newMatrix(), nil, trace)
	require.NoError(t, err)
	require.Equal(t, int64(0), status)
	assert.Equal(t, 4, trace.count("factor("))
	assert.Equal(t, 4, trace.count("panelBcast("))
	assert.Equal(t, 3, trace.count("scale("))
	assert.Equal(t, 3, trace.count("rowBcast("))
	assert.Equal(t, 3, trace.count("lookaheadSolve("))
	assert.Equal(t, 3, trace.count("lookaheadUpdate("))
	assert.Equal(t, 2, trace.count("bulkSolve("))
	assert.Equal(t, 2, trace.count("bulkBcast("))
	assert.Equal(t, 2, trace.count("bulkUpdate("))

	// Lookahead 0: every trailing column goes through the bulk path.
	trace = &traceRecorder{}
	_, err = factorize(newMatrix(), Options{OptionLookahead: 0}, trace)
	require.NoError(t, err)
	assert.Equal(t, 0, trace.count("lookaheadSolve("))
	assert.Equal(t, 3, trace.count("bulkSolve("))

	// Lookahead past the matrix edge: no bulk path remains.
	trace = &traceRecorder{}
	_, err = factorize(newMatrix(), Options{OptionLookahead: 8}, trace)
	require.NoError(t, err)
	assert.Equal(t, 6, trace.count("lookaheadSolve("))
	assert.Equal(t, 0, trace.count("bulkSolve("))
}

func TestDeterministicSchedule(t *testing.T) {
	run := func(opts Options) []string {
		a := matrix.New[float64](40, 40, 8)
		fillFrom(a, randDominant(40, 40, 5))
		trace := &traceRecorder{}
		_, err := factorize(a, opts, trace)
		require.NoError(t, err)
		return trace.snapshot()
	}
	opts := Options{OptionLookahead: 2}
	assert.Equal(t, run(opts), run(opts))

	// No options versus spelled-out defaults: identical schedules.
	explicit := Options{
		OptionLookahead:     1,
		OptionInnerBlocking: 16,
		OptionTarget:        int64(HostTask),
	}
	assert.Equal(t, run(nil), run(explicit))
}

// blockDiagonal returns the generator of a block-diagonal matrix with 2×2
// blocks; block index `singularAt` gets a block whose first pivot is
// exactly zero. Off-diagonal tiles stay zero through the whole
// factorization, so every diagonal block factors independently and the
// injected zero pivot surfaces exactly once.
func blockDiagonal(singularAt int64) func(gi, gj int64) float64 {
	healthy := [2][2]float64{{4, 1}, {1, 3}}
	singular := [2][2]float64{{0, 1}, {1, 2}}
	return func(gi, gj int64) float64 {
		if gi/2 != gj/2 {
			return 0
		}
		if gi/2 == singularAt {
			return singular[gi%2][gj%2]
		}
		return healthy[gi%2][gj%2]
	}
}

func TestZeroPivotStatus(t *testing.T) {
	// 5 diagonal blocks of size 2, zero pivot injected in block index 2:
	// the reported status is the 1-based block index, 3.
	a := matrix.New[float64](10, 10, 2)
	a.SetFromFunc(blockDiagonal(2))
	status, err := Factorize(a, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), status)

	// The blocks ahead of the injection point factored cleanly.
	healthy := [2][2]float64{{4, 1}, {1, 3}}
	for b := int64(0); b < 2; b++ {
		for r := int64(0); r < 2; r++ {
			for c := int64(0); c < 2; c++ {
				var got float64
				for l := int64(0); l <= min(r, c); l++ {
					lv := 1.0
					if l < r {
						lv = a.At(b*2+r, b*2+l)
					}
					got += lv * a.At(b*2+l, b*2+c)
				}
				assert.InDelta(t, healthy[r][c], got, 1e-12)
			}
		}
	}
}

func TestStatusAgreesAcrossRanks(t *testing.T) {
	g := grid.New(1, 2)
	handles := make([]*matrix.Matrix[float64], g.Size())
	for r := range handles {
		handles[r] = matrix.NewDistributed[float64](10, 10, 2, g, grid.Rank(r))
		handles[r].SetFromFunc(blockDiagonal(2))
	}
	statuses := make([]int64, g.Size())
	errs := make([]error, g.Size())
	runRanks(g, func(rank grid.Rank) {
		statuses[rank], errs[rank] = Factorize(handles[rank], nil)
	})
	for r := range handles {
		require.NoError(t, errs[r])
		assert.Equal(t, int64(3), statuses[r], "rank %d", r)
	}
}

func TestDistributedMatchesSingleRank(t *testing.T) {
	const m, n, nb = 48, 48, 8
	dense := randDominant(m, n, 23)
	ref := matrix.New[float64](m, n, nb)
	fillFrom(ref, dense)
	_, err := Factorize(ref, nil)
	require.NoError(t, err)

	for _, target := range []Target{HostTask, HostNest, HostBatch, Devices} {
		t.Run(target.String(), func(t *testing.T) {
			g := grid.New(2, 2)
			handles := make([]*matrix.Matrix[float64], g.Size())
			for r := range handles {
				handles[r] = matrix.NewDistributed[float64](m, n, nb, g, grid.Rank(r))
				if target == Devices {
					handles[r].SetNumDevices(2)
				}
				fillFrom(handles[r], dense)
			}
			statuses := make([]int64, g.Size())
			errs := make([]error, g.Size())
			runRanks(g, func(rank grid.Rank) {
				statuses[rank], errs[rank] = Factorize(handles[rank],
					Options{OptionTarget: int64(target), OptionLookahead: 2})
			})
			for r := range handles {
				require.NoError(t, errs[r])
				assert.Equal(t, int64(0), statuses[r])
			}

			// Every element, read from its owning rank, matches the
			// single-rank factors up to rounding from the different
			// accumulation order.
			for gi := int64(0); gi < m; gi++ {
				for gj := int64(0); gj < n; gj++ {
					owner := g.OwnerOf(gi/nb, gj/nb)
					assert.InDelta(t, ref.At(gi, gj), handles[owner].At(gi, gj), 1e-9,
						"element (%d, %d)", gi, gj)
				}
			}
		})
	}
}

func TestDevicesClearsResidency(t *testing.T) {
	a := matrix.New[float64](32, 32, 8)
	a.SetNumDevices(2)
	fillFrom(a, randDominant(32, 32, 9))
	status, err := Factorize(a, Options{OptionTarget: int64(Devices)})
	require.NoError(t, err)
	require.Equal(t, int64(0), status)
	a.EachLocalTile(func(i, j int64, tile *matrix.Tile[float64]) {
		assert.Equal(t, 0, tile.NumDeviceCopies(), "tile (%d, %d)", i, j)
	})
}

func TestDevicesWorkspaceLimitFailsRun(t *testing.T) {
	a := matrix.New[float64](64, 64, 8)
	a.SetNumDevices(2)
	a.SetDeviceMemoryLimit(32)
	dense := randDominant(64, 64, 13)
	fillFrom(a, dense)
	status, err := Factorize(a, Options{OptionTarget: int64(Devices)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot reserve device batch workspace")
	assert.Equal(t, int64(0), status)
	// The matrix was not touched.
	assert.Equal(t, dense[65], a.At(1, 1))
}
