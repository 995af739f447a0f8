package lu

import (
	"sync"

	"k8s.io/klog/v2"

	"github.com/dbielich/slate/internal/workerspool"
	"github.com/dbielich/slate/pkg/core/grid"
	"github.com/dbielich/slate/pkg/core/matrix"
	"github.com/dbielich/slate/pkg/core/scalars"
	"github.com/dbielich/slate/pkg/support/xsync"
)

// issuer realizes ready tile operations for one execution strategy. The
// control routine owns dependency ordering, broadcasts and priorities; the
// issuer only decides how an operation becomes work (one unit per tile
// pair, a nested parallel-for, or a batched kernel), never when it becomes
// ready.
type issuer[T scalars.Scalar] interface {
	// setup runs before the step loop; for the accelerator strategy it
	// reserves batch queues and device workspace, and a failure is fatal
	// to the run.
	setup() error

	// factorDiagonal factors tile (k, k) in place on its owner, returning
	// the 1-based offset of the first exactly-zero pivot inside the tile,
	// or 0.
	factorDiagonal(k int64) int

	// scalePanel right-solves every local tile below the diagonal in
	// column k against the replicated upper factor of (k, k).
	scalePanel(k int64, pri workerspool.Priority)

	// solveRows left-solves the local tiles (k, j0..j1) against the unit
	// lower factor of (k, k), producing row-k factors.
	solveRows(k, j0, j1 int64, queue int, pri workerspool.Priority)

	// updateTrailing applies C ← C − A·B to every local trailing tile
	// (i, j), i > k, j in [j0, j1].
	updateTrailing(k, j0, j1 int64, queue int, pri workerspool.Priority)

	// managesResidency reports whether per-step residency release tasks
	// must be issued (accelerator strategy only).
	managesResidency() bool

	// releaseDiagonal drops device copies of the factored tile (k, k)
	// once its last consumer of the step has issued.
	releaseDiagonal(k int64)

	// releasePanel reconciles and releases the device copies of the
	// factored panel column k.
	releasePanel(k int64)

	// teardown runs after the drain, before the workspace is cleared.
	teardown()
}

// run is the state of one factorization: the single control flow that
// issues all operations of all steps eagerly, gated only by the
// dependency tokens.
type run[T scalars.Scalar] struct {
	a      *matrix.Matrix[T]
	cfg    config
	pool   *workerspool.Pool
	tokens *tokenSet
	drain  *xsync.DynamicWaitGroup
	iss    issuer[T]
	trace  *traceRecorder

	mt, nt, minMtNt int64

	// status is the 1-based index of the first diagonal block found
	// exactly singular, or 0.
	statusMu sync.Mutex
	status   int64
}

// Broadcast tag roles. Each diagonal step reserves a disjoint tag range,
// and within a step each role a disjoint sub-range, so the panel
// broadcast of step k can never alias the trailing-update broadcast of
// the same or a neighboring step.
const (
	roleDiagonal = iota // the factored tile (k, k), one tag per step
	roleColumn          // row-k tiles sent down their columns, keyed by j
	roleRow             // panel tiles sent across their rows, keyed by i
)

func (r *run[T]) tag(k int64, role int, index int64) grid.Tag {
	perStep := r.mt + r.nt + 1
	base := k * perStep
	switch role {
	case roleDiagonal:
		return grid.Tag(base)
	case roleColumn:
		return grid.Tag(base + index) // 1 <= index <= nt-1
	default:
		return grid.Tag(base + r.nt + index) // 1 <= index <= mt-1
	}
}

// task carries the token constraints of one issued operation.
type task struct {
	waits    []func()
	releases []func()
}

// spawn issues the task: the body runs once every wait is satisfied, and
// the releases fire afterwards in reverse acquisition order.
func (r *run[T]) spawn(t task, body func()) {
	r.drain.Add(1)
	go func() {
		defer r.drain.Done()
		for _, wait := range t.waits {
			wait()
		}
		body()
		for i := len(t.releases) - 1; i >= 0; i-- {
			t.releases[i]()
		}
	}()
}

// recordStatus folds in a singular pivot found in diagonal block k.
// The first offending block wins.
func (r *run[T]) recordStatus(k int64) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	if r.status == 0 || k+1 < r.status {
		r.status = k + 1
	}
}

// factorize is the target-independent control routine: it walks the
// diagonal, issuing every operation of every step without waiting for
// earlier steps to finish. Dependency tokens alone order execution, so
// both fine-grained and batched strategies share identical ordering.
func factorize[T scalars.Scalar](a *matrix.Matrix[T], opts Options, trace *traceRecorder) (int64, error) {
	cfg := newConfig(opts)
	r := &run[T]{
		a:       a,
		cfg:     cfg,
		pool:    workerspool.New(),
		tokens:  newTokenSet(a.Nt()),
		drain:   xsync.NewDynamicWaitGroup(),
		trace:   trace,
		mt:      a.Mt(),
		nt:      a.Nt(),
		minMtNt: min(a.Mt(), a.Nt()),
	}
	switch cfg.target {
	case HostNest:
		r.iss = &hostNestIssuer[T]{r: r}
	case HostBatch:
		r.iss = &hostBatchIssuer[T]{r: r}
	case Devices:
		r.iss = &devicesIssuer[T]{r: r}
	default:
		r.iss = &hostTaskIssuer[T]{r: r}
	}
	klog.V(1).Infof("lu: rank %d factorizing %d×%d tiles, target=%s lookahead=%d ib=%d",
		a.Rank(), r.mt, r.nt, cfg.target, cfg.lookahead, cfg.innerBlocking)

	if err := r.iss.setup(); err != nil {
		// Resource exhaustion before any work was issued: abort the run,
		// no fallback strategy is substituted.
		return 0, err
	}

	for k := int64(0); k < r.minMtNt; k++ {
		r.issueStep(k)
	}
	r.drain.Wait()

	a.TileUpdateAllOrigin()
	r.iss.teardown()
	a.ClearWorkspace()

	status := r.exchangeStatus()
	klog.V(1).Infof("lu: rank %d done, status=%d", a.Rank(), status)
	return status, nil
}

// issueStep issues every operation of diagonal step k. Issuance never
// blocks on execution; the step boundary is a dependency boundary, not a
// synchronization barrier.
func (r *run[T]) issueStep(k int64) {
	mt, nt := r.mt, r.nt
	colK := r.tokens.column(k)
	diagK := r.tokens.diagonal(k)

	// Diagonal factorization and panel broadcast: the only single-tile
	// step, and the head of the critical path. Completing it signals the
	// diagonal token for k.
	{
		waitCol, releaseCol := colK.exclusive()
		waitDiag, releaseDiag := diagK.exclusive()
		r.trace.record("factor(%d)", k)
		r.trace.record("panelBcast(%d)", k)
		r.spawn(task{
			waits:    []func(){waitCol, waitDiag},
			releases: []func(){releaseCol, releaseDiag},
		}, func() {
			if s := r.iss.factorDiagonal(k); s > 0 {
				r.recordStatus(k)
			}
			// The factored tile feeds both the column scale below and the
			// row solves to the right.
			plan := r.a.NewBcastPlan()
			plan.Add(k, k, r.tag(k, roleDiagonal, 0), 1,
				r.a.Sub(k+1, mt-1, k, k), r.a.Sub(k, k, k+1, nt-1))
			plan.Flush()
		})
	}

	// Column scale: every subsequent trailing update needs this column.
	if k+1 < mt {
		waitCol, releaseCol := colK.exclusive()
		waitDiag, releaseDiag := diagK.shared()
		r.trace.record("scale(%d)", k)
		r.spawn(task{
			waits:    []func(){waitDiag, waitCol},
			releases: []func(){releaseDiag, releaseCol},
		}, func() {
			r.iss.scalePanel(k, workerspool.Critical)
		})
	}

	// Panel replication to the trailing owners, one tagged request per
	// panel row.
	if k+1 < mt && k+1 < nt {
		waitCol, releaseCol := colK.exclusive()
		waitBw, releaseBw := r.tokens.bandwidth.exclusive()
		r.trace.record("rowBcast(%d)", k)
		r.spawn(task{
			waits:    []func(){waitCol, waitBw},
			releases: []func(){releaseCol, releaseBw},
		}, func() {
			plan := r.a.NewBcastPlan()
			for i := k + 1; i < mt; i++ {
				plan.Add(i, k, r.tag(k, roleRow, i), 1, r.a.Sub(i, i, k+1, nt-1))
			}
			plan.Flush()
		})
	}

	// Lookahead columns: critical-path work for the next diagonal steps,
	// clipped at the matrix edge.
	lookaheadEnd := min(k+1+r.cfg.lookahead, nt)
	for j := k + 1; j < lookaheadEnd; j++ {
		j := j
		queue := int(j - k + 1)
		{
			waitDiag, releaseDiag := diagK.shared()
			waitCol, releaseCol := r.tokens.column(j).exclusive()
			r.trace.record("lookaheadSolve(%d,%d)", k, j)
			r.spawn(task{
				waits:    []func(){waitDiag, waitCol},
				releases: []func(){releaseDiag, releaseCol},
			}, func() {
				r.iss.solveRows(k, j, j, queue, workerspool.Critical)
				if k+1 < mt {
					r.a.TileBcast(k, j, r.tag(k, roleColumn, j), 1, r.a.Sub(k+1, mt-1, j, j))
				}
			})
		}
		if k+1 < mt {
			waitShared, releaseShared := colK.shared()
			waitCol, releaseCol := r.tokens.column(j).exclusive()
			r.trace.record("lookaheadUpdate(%d,%d)", k, j)
			r.spawn(task{
				waits:    []func(){waitShared, waitCol},
				releases: []func(){releaseShared, releaseCol},
			}, func() {
				r.iss.updateTrailing(k, j, j, queue, workerspool.Critical)
			})
		}
	}

	// Bulk trailing update: throughput work at normal priority, gated so
	// the next steps' critical path may overtake it but never conflict.
	if lookaheadEnd < nt {
		jl := lookaheadEnd
		exclTrailing := func() (waits, releases []func()) {
			w1, r1 := r.tokens.column(jl).exclusive()
			waits, releases = append(waits, w1), append(releases, r1)
			if jl != nt-1 {
				w2, r2 := r.tokens.column(nt - 1).exclusive()
				waits, releases = append(waits, w2), append(releases, r2)
			}
			return
		}

		{
			waitDiag, releaseDiag := diagK.shared()
			waits, releases := exclTrailing()
			r.trace.record("bulkSolve(%d,%d,%d)", k, jl, nt-1)
			r.spawn(task{
				waits:    append([]func(){waitDiag}, waits...),
				releases: append([]func(){releaseDiag}, releases...),
			}, func() {
				r.iss.solveRows(k, jl, nt-1, 1, workerspool.Bulk)
			})
		}
		if k+1 < mt {
			waits, releases := exclTrailing()
			waitBw, releaseBw := r.tokens.bandwidth.exclusive()
			r.trace.record("bulkBcast(%d,%d,%d)", k, jl, nt-1)
			r.spawn(task{
				waits:    append(waits, waitBw),
				releases: append(releases, releaseBw),
			}, func() {
				plan := r.a.NewBcastPlan()
				for j := jl; j < nt; j++ {
					plan.Add(k, j, r.tag(k, roleColumn, j), 1, r.a.Sub(k+1, mt-1, j, j))
				}
				plan.Flush()
			})

			waitShared, releaseShared := colK.shared()
			waits, releases = exclTrailing()
			r.trace.record("bulkUpdate(%d,%d,%d)", k, jl, nt-1)
			r.spawn(task{
				waits:    append([]func(){waitShared}, waits...),
				releases: append([]func(){releaseShared}, releases...),
			}, func() {
				r.iss.updateTrailing(k, jl, nt-1, 1, workerspool.Bulk)
			})
		}
	}

	// Residency release: accelerator strategy only. Device memory stays
	// bounded by the active panel and lookahead window.
	if r.iss.managesResidency() {
		{
			waitDiag, releaseDiag := diagK.exclusive()
			r.trace.record("releaseDiagonal(%d)", k)
			r.spawn(task{
				waits:    []func(){waitDiag},
				releases: []func(){releaseDiag},
			}, func() {
				r.iss.releaseDiagonal(k)
			})
		}
		{
			waitCol, releaseCol := colK.exclusive()
			r.trace.record("releasePanel(%d)", k)
			r.spawn(task{
				waits:    []func(){waitCol},
				releases: []func(){releaseCol},
			}, func() {
				r.iss.releasePanel(k)
			})
		}
	}
}

// exchangeStatus reduces the per-rank first-singular-block status to a
// grid-wide one: the smallest 1-based offending block index, or 0.
// Reserved negative tags keep the exchange clear of the step tag ranges.
const (
	tagStatusGather grid.Tag = -1
	tagStatusResult grid.Tag = -2
)

func (r *run[T]) exchangeStatus() int64 {
	r.statusMu.Lock()
	local := r.status
	r.statusMu.Unlock()

	g := r.a.Grid()
	if g.Size() == 1 {
		return local
	}
	me := r.a.Rank()
	if me == 0 {
		result := local
		for rank := grid.Rank(1); int(rank) < g.Size(); rank++ {
			remote := g.Recv(0, rank, tagStatusGather).(int64)
			if remote != 0 && (result == 0 || remote < result) {
				result = remote
			}
		}
		for rank := grid.Rank(1); int(rank) < g.Size(); rank++ {
			g.Send(0, rank, tagStatusResult, result)
		}
		return result
	}
	g.Send(me, 0, tagStatusGather, local)
	return g.Recv(me, 0, tagStatusResult).(int64)
}
