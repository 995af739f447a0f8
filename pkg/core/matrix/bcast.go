package matrix

import (
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/dbielich/slate/pkg/core/grid"
	"github.com/dbielich/slate/pkg/core/scalars"
	"github.com/dbielich/slate/pkg/support/sets"
)

// BcastPlan batches pending tile replications into tagged communication
// requests. Requests sharing a source rank and a tag are materialized as a
// single message per destination rank, so replicating a panel of tiles
// costs O(destination ranks) messages rather than O(tiles).
//
// Flush is collective: every rank of the grid must flush a structurally
// identical plan, built from the same SPMD control flow. Senders snapshot
// the source tile through host staging (an accelerator-resident source is
// reconciled to host before the copy is taken).
type BcastPlan[T scalars.Scalar] struct {
	a    *Matrix[T]
	reqs []bcastRequest
}

type bcastRequest struct {
	i, j       int64
	tag        grid.Tag
	lifeFactor int64
	dests      []View
}

// tilePayload is the wire form of one replicated tile.
type tilePayload[T scalars.Scalar] struct {
	i, j   int64
	mb, nb int
	data   []T
}

// bcastGroup keys the coalescing of requests into messages.
type bcastGroup struct {
	src grid.Rank
	tag grid.Tag
}

// NewBcastPlan returns an empty plan on the matrix.
func (a *Matrix[T]) NewBcastPlan() *BcastPlan[T] {
	return &BcastPlan[T]{a: a}
}

// Add appends the replication of tile (i, j) to every rank owning a tile
// in dests, under the given tag. Each replica's read budget is lifeFactor
// times the number of destination tiles local to the receiving rank.
func (p *BcastPlan[T]) Add(i, j int64, tag grid.Tag, lifeFactor int64, dests ...View) {
	p.a.checkTileIndex(i, j)
	if lifeFactor < 1 {
		exceptions.Panicf("matrix: broadcast life factor must be positive, got %d", lifeFactor)
	}
	p.reqs = append(p.reqs, bcastRequest{i: i, j: j, tag: tag, lifeFactor: lifeFactor, dests: dests})
}

// Flush materializes the plan: the minimum number of messages per (source,
// tag) group is sent over the process grid, and the matching replicas are
// installed on the receiving ranks with their declared lifetimes. The plan
// is empty afterwards and may be reused.
func (p *BcastPlan[T]) Flush() {
	a := p.a
	// Group requests by (source rank, tag), preserving plan order within a
	// group; all ranks build identical groups.
	order := make([]bcastGroup, 0, len(p.reqs))
	groups := make(map[bcastGroup][]bcastRequest)
	for _, req := range p.reqs {
		g := bcastGroup{src: a.g.OwnerOf(req.i, req.j), tag: req.tag}
		if _, found := groups[g]; !found {
			order = append(order, g)
		}
		groups[g] = append(groups[g], req)
	}
	p.reqs = p.reqs[:0]

	for _, g := range order {
		reqs := groups[g]
		if g.src == a.rank {
			p.send(g, reqs)
		} else {
			p.receive(g, reqs)
		}
	}
}

// send builds one message per destination rank needing any tile of the
// group, and posts them all.
func (p *BcastPlan[T]) send(g bcastGroup, reqs []bcastRequest) {
	a := p.a
	destRanks := sets.Make[grid.Rank]()
	for _, req := range reqs {
		for _, v := range req.dests {
			v.Each(func(i, j int64) {
				if r := a.g.OwnerOf(i, j); r != a.rank {
					destRanks.Insert(r)
				}
			})
		}
	}
	if len(destRanks) == 0 {
		return
	}

	// Snapshot the source tiles once, through host staging.
	snapshots := make([]tilePayload[T], len(reqs))
	a.mu.Lock()
	for ri, req := range reqs {
		t := a.lockedTile(req.i, req.j)
		if !t.origin {
			exceptions.Panicf("matrix: rank %d broadcasting tile (%d, %d) it does not own", a.rank, req.i, req.j)
		}
		data := make([]T, len(t.data))
		copy(data, t.readOn(HostDevice))
		snapshots[ri] = tilePayload[T]{i: req.i, j: req.j, mb: t.mb, nb: t.nb, data: data}
	}
	a.mu.Unlock()

	for _, dest := range sets.Sorted(destRanks) {
		var msg []tilePayload[T]
		for ri, req := range reqs {
			if p.rankNeeds(dest, req) {
				msg = append(msg, snapshots[ri])
			}
		}
		if klog.V(2).Enabled() {
			klog.Infof("bcast: rank %d → rank %d tag=%d tiles=%d", a.rank, dest, g.tag, len(msg))
		}
		a.g.Send(a.rank, dest, g.tag, msg)
	}
}

// receive consumes the group's message if this rank needs any of its
// tiles, and installs the replicas.
func (p *BcastPlan[T]) receive(g bcastGroup, reqs []bcastRequest) {
	a := p.a
	var needed []bcastRequest
	for _, req := range reqs {
		if p.rankNeeds(a.rank, req) {
			needed = append(needed, req)
		}
	}
	if len(needed) == 0 {
		return
	}
	msg := a.g.Recv(a.rank, g.src, g.tag).([]tilePayload[T])
	if len(msg) != len(needed) {
		exceptions.Panicf("matrix: rank %d received %d tiles under tag %d, expected %d",
			a.rank, len(msg), g.tag, len(needed))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for ri, req := range needed {
		payload := msg[ri]
		if payload.i != req.i || payload.j != req.j {
			exceptions.Panicf("matrix: rank %d received tile (%d, %d) under tag %d, expected (%d, %d)",
				a.rank, payload.i, payload.j, g.tag, req.i, req.j)
		}
		c := Coord{req.i, req.j}
		if _, found := a.tiles[c]; found {
			exceptions.Panicf("matrix: rank %d already holds tile (%d, %d); duplicate broadcast", a.rank, req.i, req.j)
		}
		life := req.lifeFactor * a.localTileCountIn(req.dests)
		a.tiles[c] = newReplicaTile(payload.mb, payload.nb, payload.data, life)
	}
}

// rankNeeds reports whether rank owns any tile in the request's
// destination views. Sender and receivers evaluate the same predicate, so
// message contents agree by construction.
func (p *BcastPlan[T]) rankNeeds(rank grid.Rank, req bcastRequest) bool {
	for _, v := range req.dests {
		found := false
		v.Each(func(i, j int64) {
			if p.a.g.OwnerOf(i, j) == rank {
				found = true
			}
		})
		if found {
			return true
		}
	}
	return false
}

// TileBcast replicates a single tile: a one-request plan, flushed.
func (a *Matrix[T]) TileBcast(i, j int64, tag grid.Tag, lifeFactor int64, dests ...View) {
	plan := a.NewBcastPlan()
	plan.Add(i, j, tag, lifeFactor, dests...)
	plan.Flush()
}
