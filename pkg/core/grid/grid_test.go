package grid

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGridCoordinates(t *testing.T) {
	g := New(2, 3)
	assert.Equal(t, 6, g.Size())
	p, q := g.Dims()
	assert.Equal(t, 2, p)
	assert.Equal(t, 3, q)

	// Column-major rank ordering.
	assert.Equal(t, Rank(0), g.RankOf(0, 0))
	assert.Equal(t, Rank(1), g.RankOf(1, 0))
	assert.Equal(t, Rank(2), g.RankOf(0, 1))
	assert.Equal(t, Rank(5), g.RankOf(1, 2))

	for rank := Rank(0); rank < Rank(g.Size()); rank++ {
		row, col := g.Coords(rank)
		assert.Equal(t, rank, g.RankOf(row, col))
	}

	assert.Panics(t, func() { g.RankOf(2, 0) })
	assert.Panics(t, func() { g.Coords(Rank(6)) })
	assert.Panics(t, func() { New(0, 1) })
}

func TestGridOwnerOf(t *testing.T) {
	g := New(2, 2)
	// 2D cyclic: (i%2, j%2).
	assert.Equal(t, g.RankOf(0, 0), g.OwnerOf(0, 0))
	assert.Equal(t, g.RankOf(1, 0), g.OwnerOf(3, 2))
	assert.Equal(t, g.RankOf(0, 1), g.OwnerOf(2, 3))
	assert.Equal(t, g.RankOf(1, 1), g.OwnerOf(5, 5))
}

func TestSendRecvTags(t *testing.T) {
	g := New(1, 2)
	// Two messages under distinct tags must not cross-talk, regardless of
	// the order they are sent or received in.
	g.Send(0, 1, Tag(7), "seven")
	g.Send(0, 1, Tag(8), "eight")
	assert.Equal(t, "eight", g.Recv(1, 0, Tag(8)))
	assert.Equal(t, "seven", g.Recv(1, 0, Tag(7)))
}

func TestSendRecvConcurrent(t *testing.T) {
	g := New(2, 2)
	const numMessages = 100

	var wg sync.WaitGroup
	for to := Rank(1); to < 4; to++ {
		wg.Add(1)
		go func(to Rank) {
			defer wg.Done()
			for m := 0; m < numMessages; m++ {
				got := g.Recv(to, 0, Tag(m))
				require.Equal(t, int(to)*1000+m, got)
			}
		}(to)
	}
	for m := 0; m < numMessages; m++ {
		for to := Rank(1); to < 4; to++ {
			g.Send(0, to, Tag(m), int(to)*1000+m)
		}
	}
	wg.Wait()
}
