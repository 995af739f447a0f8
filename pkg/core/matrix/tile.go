package matrix

import (
	"github.com/gomlx/exceptions"

	"github.com/dbielich/slate/pkg/core/scalars"
	"github.com/dbielich/slate/pkg/support/sets"
)

// Device identifies one memory a tile copy may reside in: the host, or one
// of the simulated accelerator memories.
type Device int

// HostDevice is the canonical host memory. Accelerators are numbered from 0.
const HostDevice Device = -1

// Tile is one fixed-size block of the distributed matrix: the unit of
// ownership, storage and scheduling. A tile is either an origin (the single
// authoritative copy, on its owning rank) or a replica (a read-only copy
// with a bounded lifetime, installed by a broadcast).
//
// A tile may have copies in several residencies at once. The fresh set
// tracks which copies match the latest write; reads route through it, so a
// host read after an accelerator write transparently pulls the accelerator
// copy back.
type Tile[T scalars.Scalar] struct {
	mb, nb int // block dimensions; stride equals nb

	// data is the host copy: canonical for origins, the received payload
	// for replicas.
	data []T

	// origin distinguishes the authoritative copy from replicas.
	origin bool

	// life is the number of reads a replica may still serve before it must
	// be treated as stale and evicted. Unused for origins.
	life int64

	// deviceData holds the accelerator-resident copies, if any.
	deviceData map[Device][]T

	// deviceHold marks device copies that must not be released; cleared by
	// the per-step residency release of the accelerator strategy.
	deviceHold sets.Set[Device]

	// fresh is the set of residencies whose copy matches the last write.
	// lastWrite is always a member.
	fresh     sets.Set[Device]
	lastWrite Device
}

// Dims returns the tile's block dimensions.
func (t *Tile[T]) Dims() (mb, nb int) { return t.mb, t.nb }

// Stride returns the row stride of the tile's storage.
func (t *Tile[T]) Stride() int { return t.nb }

// IsOrigin reports whether this is the authoritative copy of the tile.
func (t *Tile[T]) IsOrigin() bool { return t.origin }

// Life returns the remaining read budget of a replica.
func (t *Tile[T]) Life() int64 { return t.life }

// NumDeviceCopies returns how many accelerator copies currently exist.
func (t *Tile[T]) NumDeviceCopies() int { return len(t.deviceData) }

func newOriginTile[T scalars.Scalar](mb, nb int) *Tile[T] {
	return &Tile[T]{
		mb:        mb,
		nb:        nb,
		data:      make([]T, mb*nb),
		origin:    true,
		fresh:     sets.MakeWith(HostDevice),
		lastWrite: HostDevice,
	}
}

func newReplicaTile[T scalars.Scalar](mb, nb int, data []T, life int64) *Tile[T] {
	return &Tile[T]{
		mb:        mb,
		nb:        nb,
		data:      data,
		life:      life,
		fresh:     sets.MakeWith(HostDevice),
		lastWrite: HostDevice,
	}
}

// copyOn returns the storage backing the copy on dev, allocating an
// accelerator copy if absent. No freshness guarantee.
func (t *Tile[T]) copyOn(dev Device) []T {
	if dev == HostDevice {
		return t.data
	}
	if t.deviceData == nil {
		t.deviceData = make(map[Device][]T)
		t.deviceHold = sets.Make[Device]()
	}
	d, found := t.deviceData[dev]
	if !found {
		d = make([]T, len(t.data))
		t.deviceData[dev] = d
	}
	return d
}

// readOn returns the copy on dev, refreshing it from the last write first
// if it is stale.
func (t *Tile[T]) readOn(dev Device) []T {
	d := t.copyOn(dev)
	if !t.fresh.Has(dev) {
		copy(d, t.copyOn(t.lastWrite))
		t.fresh.Insert(dev)
	}
	return d
}

// writeOn returns the copy on dev for mutation, refreshed, and marks every
// other copy stale.
func (t *Tile[T]) writeOn(dev Device) []T {
	d := t.readOn(dev)
	t.fresh = sets.MakeWith(dev)
	t.lastWrite = dev
	return d
}

// updateOrigin reconciles the host copy from whatever residency last wrote
// the tile, and makes host the reference copy again.
func (t *Tile[T]) updateOrigin() {
	t.readOn(HostDevice)
	t.lastWrite = HostDevice
}

// releaseDevice drops the copy on dev unless it is held. Dropping the only
// fresh copy is a scheduling bug: reconcile the origin first.
func (t *Tile[T]) releaseDevice(dev Device) {
	if t.deviceData == nil || t.deviceHold.Has(dev) {
		return
	}
	if _, found := t.deviceData[dev]; !found {
		return
	}
	if t.lastWrite == dev && !t.fresh.Has(HostDevice) {
		exceptions.Panicf("matrix: releasing device %d copy holding the only fresh data; reconcile the origin first", dev)
	}
	delete(t.deviceData, dev)
	t.fresh.Delete(dev)
	if t.lastWrite == dev {
		t.lastWrite = HostDevice
	}
}

// localDevices inserts into devs every accelerator currently holding a copy
// of the tile.
func (t *Tile[T]) localDevices(devs sets.Set[Device]) {
	for dev := range t.deviceData {
		devs.Insert(dev)
	}
}
