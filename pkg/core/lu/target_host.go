package lu

import (
	"sync"

	"github.com/dbielich/slate/internal/workerspool"
	"github.com/dbielich/slate/pkg/core/lapack"
	"github.com/dbielich/slate/pkg/core/matrix"
	"github.com/dbielich/slate/pkg/core/scalars"
)

// factorDiagonalHost factors tile (k, k) in place on the host, shared by
// every execution strategy: the diagonal micro-factorization is too small
// and too sequential to batch, so even the accelerator strategy keeps it on
// the host, the way the panel of a blocked factorization always runs there.
func (r *run[T]) factorDiagonalHost(k int64) int {
	if !r.a.IsLocal(k, k) {
		return 0
	}
	r.pool.Acquire(workerspool.Critical)
	defer r.pool.Release()
	mb, nb := int(r.a.TileMb(k)), int(r.a.TileNb(k))
	data := r.a.TileWritable(k, k)
	return lapack.GetrfNoPiv(mb, nb, data, nb, int(r.cfg.innerBlocking), r.cfg.maxPanelThreads)
}

// hostTaskIssuer realizes every ready tile operation as one independently
// scheduled unit on the worker pool. The default strategy: maximum
// scheduling freedom, one pool admission per tile.
type hostTaskIssuer[T scalars.Scalar] struct {
	r *run[T]
}

func (s *hostTaskIssuer[T]) setup() error             { return nil }
func (s *hostTaskIssuer[T]) factorDiagonal(k int64) int { return s.r.factorDiagonalHost(k) }
func (s *hostTaskIssuer[T]) managesResidency() bool   { return false }
func (s *hostTaskIssuer[T]) releaseDiagonal(int64)    {}
func (s *hostTaskIssuer[T]) releasePanel(int64)       {}
func (s *hostTaskIssuer[T]) teardown()                {}

func (s *hostTaskIssuer[T]) scalePanel(k int64, pri workerspool.Priority) {
	r := s.r
	nkk := int(r.a.TileNb(k))
	var wg sync.WaitGroup
	for i := k + 1; i < r.mt; i++ {
		if !r.a.IsLocal(i, k) {
			continue
		}
		wg.Add(1)
		go func(i int64) {
			defer wg.Done()
			r.pool.Acquire(pri)
			defer r.pool.Release()
			u := r.a.TileConsume(k, k)
			b := r.a.TileWritable(i, k)
			lapack.TrsmRightUpperNonUnit(int(r.a.TileMb(i)), nkk, u, nkk, b, nkk)
		}(i)
	}
	wg.Wait()
}

func (s *hostTaskIssuer[T]) solveRows(k, j0, j1 int64, _ int, pri workerspool.Priority) {
	r := s.r
	mk := int(r.a.TileMb(k))
	ldl := int(r.a.TileNb(k))
	var wg sync.WaitGroup
	for j := j0; j <= j1; j++ {
		if !r.a.IsLocal(k, j) {
			continue
		}
		wg.Add(1)
		go func(j int64) {
			defer wg.Done()
			r.pool.Acquire(pri)
			defer r.pool.Release()
			l := r.a.TileConsume(k, k)
			b := r.a.TileWritable(k, j)
			lapack.TrsmLeftLowerUnit(mk, int(r.a.TileNb(j)), l, ldl, b, int(r.a.TileNb(j)))
		}(j)
	}
	wg.Wait()
}

func (s *hostTaskIssuer[T]) updateTrailing(k, j0, j1 int64, _ int, pri workerspool.Priority) {
	r := s.r
	kk := int(r.a.TileNb(k))
	negOne := -scalars.One[T]()
	var wg sync.WaitGroup
	for i := k + 1; i < r.mt; i++ {
		for j := j0; j <= j1; j++ {
			if !r.a.IsLocal(i, j) {
				continue
			}
			wg.Add(1)
			go func(i, j int64) {
				defer wg.Done()
				r.pool.Acquire(pri)
				defer r.pool.Release()
				at := r.a.TileConsume(i, k)
				bt := r.a.TileConsume(k, j)
				ct := r.a.TileWritable(i, j)
				n := int(r.a.TileNb(j))
				lapack.Gemm(int(r.a.TileMb(i)), n, kk,
					negOne, at, kk, bt, n, scalars.One[T](), ct, n)
			}(i, j)
		}
	}
	wg.Wait()
}

// hostNestIssuer realizes each operation as one pool admission running a
// nested parallel-for over its tiles: coarser scheduling than hostTask,
// with the intra-operation parallelism handled by the issuer itself.
type hostNestIssuer[T scalars.Scalar] struct {
	r *run[T]
}

func (s *hostNestIssuer[T]) setup() error             { return nil }
func (s *hostNestIssuer[T]) factorDiagonal(k int64) int { return s.r.factorDiagonalHost(k) }
func (s *hostNestIssuer[T]) managesResidency() bool   { return false }
func (s *hostNestIssuer[T]) releaseDiagonal(int64)    {}
func (s *hostNestIssuer[T]) releasePanel(int64)       {}
func (s *hostNestIssuer[T]) teardown()                {}

// nestedFor acquires one pool slot and runs body over the coordinates with
// an inner goroutine fan-out bounded by the pool's parallelism target.
func (r *run[T]) nestedFor(coords []matrix.Coord, pri workerspool.Priority, body func(c matrix.Coord)) {
	if len(coords) == 0 {
		return
	}
	r.pool.Acquire(pri)
	defer r.pool.Release()
	width := r.pool.MaxParallelism()
	if width <= 0 || width > len(coords) {
		width = len(coords)
	}
	next := make(chan matrix.Coord)
	var wg sync.WaitGroup
	for w := 0; w < width; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range next {
				body(c)
			}
		}()
	}
	for _, c := range coords {
		next <- c
	}
	close(next)
	wg.Wait()
}

func (s *hostNestIssuer[T]) scalePanel(k int64, pri workerspool.Priority) {
	r := s.r
	nkk := int(r.a.TileNb(k))
	var coords []matrix.Coord
	for i := k + 1; i < r.mt; i++ {
		if r.a.IsLocal(i, k) {
			coords = append(coords, matrix.Coord{I: i, J: k})
		}
	}
	r.nestedFor(coords, pri, func(c matrix.Coord) {
		u := r.a.TileConsume(k, k)
		b := r.a.TileWritable(c.I, k)
		lapack.TrsmRightUpperNonUnit(int(r.a.TileMb(c.I)), nkk, u, nkk, b, nkk)
	})
}

func (s *hostNestIssuer[T]) solveRows(k, j0, j1 int64, _ int, pri workerspool.Priority) {
	r := s.r
	mk := int(r.a.TileMb(k))
	ldl := int(r.a.TileNb(k))
	var coords []matrix.Coord
	for j := j0; j <= j1; j++ {
		if r.a.IsLocal(k, j) {
			coords = append(coords, matrix.Coord{I: k, J: j})
		}
	}
	r.nestedFor(coords, pri, func(c matrix.Coord) {
		l := r.a.TileConsume(k, k)
		b := r.a.TileWritable(k, c.J)
		n := int(r.a.TileNb(c.J))
		lapack.TrsmLeftLowerUnit(mk, n, l, ldl, b, n)
	})
}

func (s *hostNestIssuer[T]) updateTrailing(k, j0, j1 int64, _ int, pri workerspool.Priority) {
	r := s.r
	kk := int(r.a.TileNb(k))
	negOne := -scalars.One[T]()
	var coords []matrix.Coord
	for i := k + 1; i < r.mt; i++ {
		for j := j0; j <= j1; j++ {
			if r.a.IsLocal(i, j) {
				coords = append(coords, matrix.Coord{I: i, J: j})
			}
		}
	}
	r.nestedFor(coords, pri, func(c matrix.Coord) {
		at := r.a.TileConsume(c.I, k)
		bt := r.a.TileConsume(k, c.J)
		ct := r.a.TileWritable(c.I, c.J)
		n := int(r.a.TileNb(c.J))
		lapack.Gemm(int(r.a.TileMb(c.I)), n, kk,
			negOne, at, kk, bt, n, scalars.One[T](), ct, n)
	})
}

// hostBatchIssuer coalesces same-shaped tiles into batched host kernels:
// one pool admission per shape group, operand slices gathered ad hoc. No
// device residency is involved, so no workspace reservation either.
type hostBatchIssuer[T scalars.Scalar] struct {
	r *run[T]
}

func (s *hostBatchIssuer[T]) setup() error             { return nil }
func (s *hostBatchIssuer[T]) factorDiagonal(k int64) int { return s.r.factorDiagonalHost(k) }
func (s *hostBatchIssuer[T]) managesResidency() bool   { return false }
func (s *hostBatchIssuer[T]) releaseDiagonal(int64)    {}
func (s *hostBatchIssuer[T]) releasePanel(int64)       {}
func (s *hostBatchIssuer[T]) teardown()                {}

func (s *hostBatchIssuer[T]) scalePanel(k int64, pri workerspool.Priority) {
	r := s.r
	nkk := int(r.a.TileNb(k))
	// Edge tiles break shape uniformity, so batches group by tile height.
	byHeight := make(map[int][][]T)
	var u []T
	for i := k + 1; i < r.mt; i++ {
		if !r.a.IsLocal(i, k) {
			continue
		}
		u = r.a.TileConsume(k, k)
		byHeight[int(r.a.TileMb(i))] = append(byHeight[int(r.a.TileMb(i))], r.a.TileWritable(i, k))
	}
	for m, bs := range byHeight {
		r.pool.Acquire(pri)
		lapack.TrsmRightUpperNonUnitBatch(m, nkk, u, nkk, bs, nkk)
		r.pool.Release()
	}
}

func (s *hostBatchIssuer[T]) solveRows(k, j0, j1 int64, _ int, pri workerspool.Priority) {
	r := s.r
	mk := int(r.a.TileMb(k))
	ldl := int(r.a.TileNb(k))
	byWidth := make(map[int][][]T)
	var l []T
	for j := j0; j <= j1; j++ {
		if !r.a.IsLocal(k, j) {
			continue
		}
		l = r.a.TileConsume(k, k)
		byWidth[int(r.a.TileNb(j))] = append(byWidth[int(r.a.TileNb(j))], r.a.TileWritable(k, j))
	}
	for n, bs := range byWidth {
		r.pool.Acquire(pri)
		lapack.TrsmLeftLowerUnitBatch(mk, n, l, ldl, bs, n)
		r.pool.Release()
	}
}

func (s *hostBatchIssuer[T]) updateTrailing(k, j0, j1 int64, _ int, pri workerspool.Priority) {
	r := s.r
	kk := int(r.a.TileNb(k))
	negOne := -scalars.One[T]()
	type shape struct{ m, n int }
	groups := make(map[shape]*matrix.BatchQueue[T])
	for i := k + 1; i < r.mt; i++ {
		for j := j0; j <= j1; j++ {
			if !r.a.IsLocal(i, j) {
				continue
			}
			sh := shape{m: int(r.a.TileMb(i)), n: int(r.a.TileNb(j))}
			q, found := groups[sh]
			if !found {
				q = &matrix.BatchQueue[T]{}
				groups[sh] = q
			}
			q.Append(r.a.TileConsume(i, k), r.a.TileConsume(k, j), r.a.TileWritable(i, j))
		}
	}
	for sh, q := range groups {
		r.pool.Acquire(pri)
		lapack.GemmBatch(sh.m, sh.n, kk, negOne, q.A, kk, q.B, sh.n, scalars.One[T](), q.C, sh.n)
		r.pool.Release()
	}
}
