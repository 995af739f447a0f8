// Package matrix implements the distributed tiled matrix: an mt×nt grid of
// fixed-size tiles over an m×n dense matrix, each tile owned by exactly one
// rank of a process grid under a fixed 2D cyclic assignment.
//
// A rank addresses either tiles it owns (local read/write, the origin
// copies) or tiles it has received a live replica of (read-only, with a
// bounded lifetime). Tiles additionally carry residency: the host copy plus
// any number of accelerator-resident copies, with hold flags preventing
// release while a copy is in use. The broadcast planner (bcast.go) is the
// only way replicas come into existence.
package matrix

import (
	"sync"

	"github.com/gomlx/exceptions"

	"github.com/dbielich/slate/pkg/core/grid"
	"github.com/dbielich/slate/pkg/core/scalars"
	"github.com/dbielich/slate/pkg/support/sets"
)

// Coord addresses one tile of the grid.
type Coord struct {
	I, J int64
}

// Matrix is one rank's handle on the distributed tiled matrix.
// All ranks of the grid construct structurally identical handles and run
// the same (SPMD) control flow against them.
type Matrix[T scalars.Scalar] struct {
	m, n int64 // global element dimensions
	nb   int64 // tile size; edge tiles may be smaller
	mt   int64 // number of tile rows
	nt   int64 // number of tile columns

	g    *grid.Grid
	rank grid.Rank

	mu    sync.Mutex
	tiles map[Coord]*Tile[T] // local origins plus live replicas

	numDevices int

	batch            *batchWorkspace[T]
	deviceMemLimit   int64 // bytes; 0 means unlimited
	deviceMemInUse   int64
}

// New returns a single-rank matrix: a 1×1 process grid where every tile is
// local and broadcasts degrade to no-ops.
func New[T scalars.Scalar](m, n, nb int64) *Matrix[T] {
	return NewDistributed[T](m, n, nb, grid.New(1, 1), 0)
}

// NewDistributed returns rank's handle of an m×n matrix in nb×nb tiles
// distributed over g. Local tiles are allocated zeroed; remote tiles take
// no storage until a broadcast installs a replica.
func NewDistributed[T scalars.Scalar](m, n, nb int64, g *grid.Grid, rank grid.Rank) *Matrix[T] {
	if m < 0 || n < 0 || nb < 1 {
		exceptions.Panicf("matrix.NewDistributed: invalid dimensions m=%d n=%d nb=%d", m, n, nb)
	}
	a := &Matrix[T]{
		m:          m,
		n:          n,
		nb:         nb,
		mt:         (m + nb - 1) / nb,
		nt:         (n + nb - 1) / nb,
		g:          g,
		rank:       rank,
		tiles:      make(map[Coord]*Tile[T]),
		numDevices: 1,
	}
	for i := int64(0); i < a.mt; i++ {
		for j := int64(0); j < a.nt; j++ {
			if a.IsLocal(i, j) {
				a.tiles[Coord{i, j}] = newOriginTile[T](int(a.TileMb(i)), int(a.TileNb(j)))
			}
		}
	}
	return a
}

// Dims returns the global element dimensions (m, n).
func (a *Matrix[T]) Dims() (m, n int64) { return a.m, a.n }

// Mt returns the number of tile rows.
func (a *Matrix[T]) Mt() int64 { return a.mt }

// Nt returns the number of tile columns.
func (a *Matrix[T]) Nt() int64 { return a.nt }

// TileSize returns the nominal tile size nb.
func (a *Matrix[T]) TileSize() int64 { return a.nb }

// TileMb returns the row count of tiles in tile row i (the last row may be
// ragged).
func (a *Matrix[T]) TileMb(i int64) int64 {
	if i == a.mt-1 {
		return a.m - i*a.nb
	}
	return a.nb
}

// TileNb returns the column count of tiles in tile column j.
func (a *Matrix[T]) TileNb(j int64) int64 {
	if j == a.nt-1 {
		return a.n - j*a.nb
	}
	return a.nb
}

// Grid returns the process grid the matrix is distributed over.
func (a *Matrix[T]) Grid() *grid.Grid { return a.g }

// Rank returns the rank this handle belongs to.
func (a *Matrix[T]) Rank() grid.Rank { return a.rank }

// IsLocal reports whether tile (i, j) is owned by this rank.
func (a *Matrix[T]) IsLocal(i, j int64) bool {
	return a.g.OwnerOf(i, j) == a.rank
}

// NumDevices returns the number of accelerator memories tiles may be
// resident in.
func (a *Matrix[T]) NumDevices() int { return a.numDevices }

// SetNumDevices configures the number of simulated accelerator memories.
// Call before any factorization uses the matrix.
func (a *Matrix[T]) SetNumDevices(n int) {
	if n < 1 {
		exceptions.Panicf("matrix.SetNumDevices: need at least one device, got %d", n)
	}
	a.numDevices = n
}

// TileDevice returns the accelerator a tile column's batched work is
// assigned to: a fixed 1D cyclic assignment over the tile columns.
func (a *Matrix[T]) TileDevice(j int64) Device {
	return Device(int(j) % a.numDevices)
}

// checkTileIndex panics on out-of-grid tile coordinates.
func (a *Matrix[T]) checkTileIndex(i, j int64) {
	if i < 0 || i >= a.mt || j < 0 || j >= a.nt {
		exceptions.Panicf("matrix: tile (%d, %d) outside %d×%d tile grid", i, j, a.mt, a.nt)
	}
}

// lockedTile returns the local origin or live replica of tile (i, j).
func (a *Matrix[T]) lockedTile(i, j int64) *Tile[T] {
	t, found := a.tiles[Coord{i, j}]
	if !found {
		exceptions.Panicf("matrix: rank %d has neither origin nor live replica of tile (%d, %d)", a.rank, i, j)
	}
	return t
}

// HasTile reports whether this rank currently holds an origin or live
// replica of tile (i, j).
func (a *Matrix[T]) HasTile(i, j int64) bool {
	a.checkTileIndex(i, j)
	a.mu.Lock()
	defer a.mu.Unlock()
	_, found := a.tiles[Coord{i, j}]
	return found
}

// Tile returns the local origin or live replica of (i, j) without touching
// its read budget. Intended for inspection; operations consuming a replica
// must go through TileConsume.
func (a *Matrix[T]) Tile(i, j int64) *Tile[T] {
	a.checkTileIndex(i, j)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lockedTile(i, j)
}

// TileConsume returns the read-only host data of tile (i, j) for one
// consuming operation. Reading an origin is unrestricted; reading a replica
// spends one unit of its declared lifetime, and the replica is evicted when
// the budget reaches zero. Consuming an exhausted or absent replica panics:
// the schedule declared too few reads.
func (a *Matrix[T]) TileConsume(i, j int64) []T {
	a.checkTileIndex(i, j)
	a.mu.Lock()
	defer a.mu.Unlock()
	t := a.lockedTile(i, j)
	if t.origin {
		return t.readOn(HostDevice)
	}
	if t.life <= 0 {
		exceptions.Panicf("matrix: rank %d read tile (%d, %d) replica past its declared lifetime", a.rank, i, j)
	}
	t.life--
	if t.life == 0 && len(t.deviceData) == 0 {
		delete(a.tiles, Coord{i, j})
	}
	return t.readOn(HostDevice)
}

// TileWritable returns the mutable host data of local tile (i, j).
// Only the origin may be written; the caller must hold the tile's column
// token exclusively.
func (a *Matrix[T]) TileWritable(i, j int64) []T {
	a.checkTileIndex(i, j)
	a.mu.Lock()
	defer a.mu.Unlock()
	t := a.lockedTile(i, j)
	if !t.origin {
		exceptions.Panicf("matrix: rank %d attempted to write replica of tile (%d, %d)", a.rank, i, j)
	}
	return t.writeOn(HostDevice)
}

// At returns element (gi, gj) in global coordinates. The element's tile
// must be locally owned. It reads the freshest copy, reconciling the host
// copy from an accelerator write if needed.
func (a *Matrix[T]) At(gi, gj int64) T {
	i, j := gi/a.nb, gj/a.nb
	a.checkTileIndex(i, j)
	a.mu.Lock()
	defer a.mu.Unlock()
	t := a.lockedTile(i, j)
	if !t.origin {
		exceptions.Panicf("matrix: element (%d, %d) not locally owned by rank %d", gi, gj, a.rank)
	}
	return t.readOn(HostDevice)[int(gi-i*a.nb)*t.nb+int(gj-j*a.nb)]
}

// Set stores v at element (gi, gj). The element's tile must be locally
// owned.
func (a *Matrix[T]) Set(gi, gj int64, v T) {
	i, j := gi/a.nb, gj/a.nb
	a.checkTileIndex(i, j)
	a.mu.Lock()
	defer a.mu.Unlock()
	t := a.lockedTile(i, j)
	if !t.origin {
		exceptions.Panicf("matrix: element (%d, %d) not locally owned by rank %d", gi, gj, a.rank)
	}
	t.data[int(gi-i*a.nb)*t.nb+int(gj-j*a.nb)] = v
}

// SetFromFunc fills every locally owned tile from f, called with global
// element coordinates. All ranks calling it with the same f materializes a
// consistent global matrix.
func (a *Matrix[T]) SetFromFunc(f func(gi, gj int64) T) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for c, t := range a.tiles {
		if !t.origin {
			continue
		}
		for r := 0; r < t.mb; r++ {
			for col := 0; col < t.nb; col++ {
				t.data[r*t.nb+col] = f(c.I*a.nb+int64(r), c.J*a.nb+int64(col))
			}
		}
	}
}

// EachLocalTile calls f for every locally owned tile.
func (a *Matrix[T]) EachLocalTile(f func(i, j int64, t *Tile[T])) {
	for i := int64(0); i < a.mt; i++ {
		for j := int64(0); j < a.nt; j++ {
			if a.IsLocal(i, j) {
				f(i, j, a.Tile(i, j))
			}
		}
	}
}

// View is a rectangular range of tiles [I0, I1]×[J0, J1], bounds inclusive
// as in the classic submatrix notation. It is a coordinate window, not a
// copy; an inverted range is an empty view.
type View struct {
	I0, I1, J0, J1 int64
}

// Sub returns the view of tiles [i0, i1]×[j0, j1].
func (a *Matrix[T]) Sub(i0, i1, j0, j1 int64) View {
	return View{I0: i0, I1: i1, J0: j0, J1: j1}
}

// Empty reports whether the view contains no tiles.
func (v View) Empty() bool { return v.I1 < v.I0 || v.J1 < v.J0 }

// Contains reports whether tile (i, j) lies in the view.
func (v View) Contains(i, j int64) bool {
	return i >= v.I0 && i <= v.I1 && j >= v.J0 && j <= v.J1
}

// Each calls f for every tile coordinate in the view, in row-major order.
func (v View) Each(f func(i, j int64)) {
	for i := v.I0; i <= v.I1; i++ {
		for j := v.J0; j <= v.J1; j++ {
			f(i, j)
		}
	}
}

// localTileCountIn returns how many tiles of the view this rank owns.
func (a *Matrix[T]) localTileCountIn(views []View) int64 {
	var count int64
	for _, v := range views {
		v.Each(func(i, j int64) {
			if a.IsLocal(i, j) {
				count++
			}
		})
	}
	return count
}

// LocalDevices inserts into devs every accelerator holding a copy of a
// tile of the view on this rank.
func (a *Matrix[T]) LocalDevices(v View, devs sets.Set[Device]) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v.Each(func(i, j int64) {
		if t, found := a.tiles[Coord{i, j}]; found {
			t.localDevices(devs)
		}
	})
}
