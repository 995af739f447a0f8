// Package grid implements the process grid a tiled matrix is distributed
// over, and the tagged point-to-point communication layer connecting the
// grid's ranks.
//
// Ranks are in-process: each rank is driven by its own goroutine, and
// messages move through per-rank mailboxes keyed by (source, tag). This is
// the transport the broadcast planner batches its replications onto; a
// legacy-layout or wire-transport adapter would sit outside this package.
package grid

import (
	"sync"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"
)

// Rank identifies one process of the grid, in [0, Size).
type Rank int

// Tag distinguishes concurrently live transfers between the same pair of
// ranks. The factorization pipeline reserves disjoint tag ranges per
// logical broadcast role, so tags never alias within a live set.
type Tag int64

// Grid is a P×Q process grid with column-major rank ordering and the
// mailboxes used for rank-to-rank messaging.
type Grid struct {
	p, q      int
	mailboxes []*mailbox
}

// mailbox holds the pending messages addressed to one rank.
type mailbox struct {
	mu    sync.Mutex
	slots map[mailKey]chan any
}

type mailKey struct {
	from Rank
	tag  Tag
}

// mailboxDepth bounds in-flight messages per (source, tag) pair. Tags are
// unique within a live set, so a shallow buffer suffices.
const mailboxDepth = 16

// New creates a p×q process grid.
func New(p, q int) *Grid {
	if p < 1 || q < 1 {
		exceptions.Panicf("grid.New: invalid grid dimensions %d×%d", p, q)
	}
	g := &Grid{p: p, q: q}
	g.mailboxes = make([]*mailbox, p*q)
	for i := range g.mailboxes {
		g.mailboxes[i] = &mailbox{slots: make(map[mailKey]chan any)}
	}
	return g
}

// Size returns the number of ranks in the grid.
func (g *Grid) Size() int { return g.p * g.q }

// Dims returns the grid dimensions (process rows, process columns).
func (g *Grid) Dims() (p, q int) { return g.p, g.q }

// RankOf returns the rank at grid coordinates (row, col).
func (g *Grid) RankOf(row, col int) Rank {
	if row < 0 || row >= g.p || col < 0 || col >= g.q {
		exceptions.Panicf("grid.RankOf: coordinates (%d, %d) outside %d×%d grid", row, col, g.p, g.q)
	}
	return Rank(row + col*g.p)
}

// Coords returns the grid coordinates of rank.
func (g *Grid) Coords(rank Rank) (row, col int) {
	if rank < 0 || int(rank) >= g.Size() {
		exceptions.Panicf("grid.Coords: rank %d outside grid of size %d", rank, g.Size())
	}
	return int(rank) % g.p, int(rank) / g.p
}

// OwnerOf returns the rank owning tile (i, j) under the fixed 2D cyclic
// assignment: tile row i maps to process row i%p, tile column j to process
// column j%q.
func (g *Grid) OwnerOf(i, j int64) Rank {
	return g.RankOf(int(i)%g.p, int(j)%g.q)
}

// slot returns the channel backing mailbox key, creating it if needed.
func (mb *mailbox) slot(key mailKey) chan any {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	ch, found := mb.slots[key]
	if !found {
		ch = make(chan any, mailboxDepth)
		mb.slots[key] = ch
	}
	return ch
}

// Send delivers payload to rank `to`, distinguished by tag. It only blocks
// if more than mailboxDepth messages with the same (from, tag) key are
// already pending, which a correct tag discipline never does.
func (g *Grid) Send(from, to Rank, tag Tag, payload any) {
	if klog.V(3).Enabled() {
		klog.Infof("grid: send %d→%d tag=%d", from, to, tag)
	}
	g.mailboxes[to].slot(mailKey{from: from, tag: tag}) <- payload
}

// Recv blocks until the message sent by rank `from` to rank `to` under tag
// arrives, and returns its payload.
func (g *Grid) Recv(to, from Rank, tag Tag) any {
	if klog.V(3).Enabled() {
		klog.Infof("grid: recv %d←%d tag=%d", to, from, tag)
	}
	return <-g.mailboxes[to].slot(mailKey{from: from, tag: tag})
}
