package lu

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/dbielich/slate/internal/workerspool"
	"github.com/dbielich/slate/pkg/core/lapack"
	"github.com/dbielich/slate/pkg/core/matrix"
	"github.com/dbielich/slate/pkg/core/scalars"
)

// devicesIssuer coalesces same-shaped tiles into batched kernels against
// accelerator-resident copies. The diagonal factorization stays on the
// host; everything else stages its operands onto the device owning the
// output tile's column, runs one batched call per shape group, and drops
// its holds afterwards. The per-step release tasks then reconcile and free
// the device copies of the retired panel, so device memory stays bounded
// by the active panel and lookahead window rather than the whole trailing
// submatrix.
type devicesIssuer[T scalars.Scalar] struct {
	r *run[T]

	// queueMu serializes use of each batch queue: operations of adjacent
	// steps sharing a queue index are not ordered by the dependency tokens.
	queueMu []sync.Mutex
}

// setup reserves one batch queue per batched operation role: the panel
// scale, the bulk trailing update, and one per lookahead column.
// Reservation failure is fatal to the run.
func (d *devicesIssuer[T]) setup() error {
	count := int(2 + d.r.cfg.lookahead)
	if err := d.r.a.ReserveBatchWorkspace(count); err != nil {
		return errors.WithMessage(err, "accelerator target setup failed")
	}
	d.queueMu = make([]sync.Mutex, count)
	return nil
}

func (d *devicesIssuer[T]) factorDiagonal(k int64) int { return d.r.factorDiagonalHost(k) }
func (d *devicesIssuer[T]) managesResidency() bool     { return true }
func (d *devicesIssuer[T]) teardown()                  {}

func (d *devicesIssuer[T]) scalePanel(k int64, pri workerspool.Priority) {
	r := d.r
	dev := r.a.TileDevice(k)
	nkk := int(r.a.TileNb(k))
	byHeight := make(map[int][]int64)
	for i := k + 1; i < r.mt; i++ {
		if r.a.IsLocal(i, k) {
			byHeight[int(r.a.TileMb(i))] = append(byHeight[int(r.a.TileMb(i))], i)
		}
	}
	if len(byHeight) == 0 {
		return
	}
	d.queueMu[0].Lock()
	defer d.queueMu[0].Unlock()
	q := r.a.BatchQueue(0)
	for m, rows := range byHeight {
		q.Reset()
		var u []T
		for _, i := range rows {
			u = r.a.TileConsumeOnDevice(k, k, dev)
			q.Append(r.a.TileWritableOnDevice(i, k, dev), nil, nil)
		}
		r.pool.Acquire(pri)
		lapack.TrsmRightUpperNonUnitBatch(m, nkk, u, nkk, q.A, nkk)
		r.pool.Release()
	}
}

func (d *devicesIssuer[T]) solveRows(k, j0, j1 int64, queue int, pri workerspool.Priority) {
	r := d.r
	mk := int(r.a.TileMb(k))
	ldl := int(r.a.TileNb(k))
	type bucket struct {
		dev matrix.Device
		n   int
	}
	groups := make(map[bucket][]int64)
	for j := j0; j <= j1; j++ {
		if r.a.IsLocal(k, j) {
			b := bucket{dev: r.a.TileDevice(j), n: int(r.a.TileNb(j))}
			groups[b] = append(groups[b], j)
		}
	}
	if len(groups) == 0 {
		return
	}
	d.queueMu[queue].Lock()
	defer d.queueMu[queue].Unlock()
	q := r.a.BatchQueue(queue)
	for b, js := range groups {
		q.Reset()
		var l []T
		for _, j := range js {
			l = r.a.TileConsumeOnDevice(k, k, b.dev)
			q.Append(r.a.TileWritableOnDevice(k, j, b.dev), nil, nil)
		}
		r.pool.Acquire(pri)
		lapack.TrsmLeftLowerUnitBatch(mk, b.n, l, ldl, q.A, b.n)
		r.pool.Release()
		// The row tiles are broadcast from host staging right after;
		// dropping the holds lets the end-of-step release pass reclaim
		// their device copies.
		for _, j := range js {
			r.a.TileUnsetHold(k, j, b.dev)
		}
	}
}

func (d *devicesIssuer[T]) updateTrailing(k, j0, j1 int64, queue int, pri workerspool.Priority) {
	r := d.r
	kk := int(r.a.TileNb(k))
	negOne := -scalars.One[T]()
	type bucket struct {
		dev  matrix.Device
		m, n int
	}
	groups := make(map[bucket][]matrix.Coord)
	for i := k + 1; i < r.mt; i++ {
		for j := j0; j <= j1; j++ {
			if r.a.IsLocal(i, j) {
				b := bucket{dev: r.a.TileDevice(j), m: int(r.a.TileMb(i)), n: int(r.a.TileNb(j))}
				groups[b] = append(groups[b], matrix.Coord{I: i, J: j})
			}
		}
	}
	if len(groups) == 0 {
		return
	}
	d.queueMu[queue].Lock()
	defer d.queueMu[queue].Unlock()
	q := r.a.BatchQueue(queue)
	for b, coords := range groups {
		q.Reset()
		for _, c := range coords {
			q.Append(
				r.a.TileConsumeOnDevice(c.I, k, b.dev),
				r.a.TileConsumeOnDevice(k, c.J, b.dev),
				r.a.TileWritableOnDevice(c.I, c.J, b.dev))
		}
		r.pool.Acquire(pri)
		lapack.GemmBatch(b.m, b.n, kk, negOne, q.A, kk, q.B, b.n, scalars.One[T](), q.C, b.n)
		r.pool.Release()
		// Read operands are done; the output tiles keep their device
		// copies as the freshest version until the end-of-run origin
		// reconciliation.
		for _, c := range coords {
			r.a.TileUnsetHold(c.I, k, b.dev)
			r.a.TileUnsetHold(k, c.J, b.dev)
		}
	}
}

// releaseDiagonal frees every device copy of the factored tile (k, k) once
// the step's last consumer has run. The host origin stays fresh: the
// factorization itself ran there.
func (d *devicesIssuer[T]) releaseDiagonal(k int64) {
	r := d.r
	if !r.a.HasTile(k, k) {
		return
	}
	for dev := 0; dev < r.a.NumDevices(); dev++ {
		r.a.TileUnsetHold(k, k, matrix.Device(dev))
		r.a.TileRelease(k, k, matrix.Device(dev))
	}
}

// releasePanel reconciles the factored column k back to its host origins
// and frees all its device copies, local panel tiles and received replicas
// alike.
func (d *devicesIssuer[T]) releasePanel(k int64) {
	r := d.r
	for i := k + 1; i < r.mt; i++ {
		if !r.a.HasTile(i, k) {
			continue
		}
		if r.a.IsLocal(i, k) {
			r.a.TileUpdateOrigin(i, k)
		}
		for dev := 0; dev < r.a.NumDevices(); dev++ {
			r.a.TileUnsetHold(i, k, matrix.Device(dev))
			r.a.TileRelease(i, k, matrix.Device(dev))
		}
	}
}
