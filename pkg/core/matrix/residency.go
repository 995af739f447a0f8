package matrix

import (
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"
)

// The accelerator-residency API. The batched execution strategy stages tile
// copies onto simulated device memories, holds them for the duration of a
// step, and releases them once the step's last consumer has issued, so
// device memory stays bounded by the active panel and lookahead window.

// TileConsumeOnDevice returns the read-only copy of tile (i, j) on dev for
// one consuming operation, materializing and holding it. Replica read
// budgets are spent exactly as in TileConsume.
func (a *Matrix[T]) TileConsumeOnDevice(i, j int64, dev Device) []T {
	a.checkTileIndex(i, j)
	a.checkDevice(dev)
	a.mu.Lock()
	defer a.mu.Unlock()
	t := a.lockedTile(i, j)
	if !t.origin {
		if t.life <= 0 {
			exceptions.Panicf("matrix: rank %d read tile (%d, %d) replica past its declared lifetime", a.rank, i, j)
		}
		t.life--
	}
	data := t.readOn(dev)
	t.deviceHold.Insert(dev)
	return data
}

// TileWritableOnDevice returns the mutable copy of local tile (i, j) on
// dev, materializing and holding it. The device copy becomes the reference
// copy until the origin is reconciled.
func (a *Matrix[T]) TileWritableOnDevice(i, j int64, dev Device) []T {
	a.checkTileIndex(i, j)
	a.checkDevice(dev)
	a.mu.Lock()
	defer a.mu.Unlock()
	t := a.lockedTile(i, j)
	if !t.origin {
		exceptions.Panicf("matrix: rank %d attempted to write replica of tile (%d, %d)", a.rank, i, j)
	}
	data := t.writeOn(dev)
	t.deviceHold.Insert(dev)
	return data
}

// TileUnsetHold clears the hold on tile (i, j)'s copy on dev, making it
// eligible for release.
func (a *Matrix[T]) TileUnsetHold(i, j int64, dev Device) {
	a.checkTileIndex(i, j)
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, found := a.tiles[Coord{i, j}]; found && t.deviceHold != nil {
		t.deviceHold.Delete(dev)
	}
}

// TileRelease drops tile (i, j)'s copy on dev, unless held. Exhausted
// replicas with no remaining copies are evicted.
func (a *Matrix[T]) TileRelease(i, j int64, dev Device) {
	a.checkTileIndex(i, j)
	a.mu.Lock()
	defer a.mu.Unlock()
	t, found := a.tiles[Coord{i, j}]
	if !found {
		return
	}
	t.releaseDevice(dev)
	if !t.origin && t.life <= 0 && len(t.deviceData) == 0 {
		delete(a.tiles, Coord{i, j})
	}
}

// TileUpdateOrigin reconciles the host copy of local tile (i, j) from
// whatever residency last wrote it.
func (a *Matrix[T]) TileUpdateOrigin(i, j int64) {
	a.checkTileIndex(i, j)
	a.mu.Lock()
	defer a.mu.Unlock()
	t := a.lockedTile(i, j)
	if !t.origin {
		exceptions.Panicf("matrix: tile (%d, %d) is not local to rank %d; cannot update origin", i, j, a.rank)
	}
	t.updateOrigin()
}

// TileUpdateAllOrigin reconciles every locally owned tile, so the host
// copies hold the run's final state.
func (a *Matrix[T]) TileUpdateAllOrigin() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range a.tiles {
		if t.origin {
			t.updateOrigin()
		}
	}
}

// ClearWorkspace evicts every replica, frees every accelerator copy
// (holds included) and releases the batch workspace. Call only after the
// run has drained.
func (a *Matrix[T]) ClearWorkspace() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for c, t := range a.tiles {
		if !t.origin {
			delete(a.tiles, c)
			continue
		}
		t.updateOrigin()
		for dev := range t.deviceData {
			delete(t.deviceData, dev)
			t.fresh.Delete(dev)
		}
		if t.deviceHold != nil {
			clear(t.deviceHold)
		}
	}
	a.lockedFreeBatchWorkspace()
	klog.V(2).Infof("matrix rank %d: workspace cleared", a.rank)
}

func (a *Matrix[T]) checkDevice(dev Device) {
	if dev < 0 || int(dev) >= a.numDevices {
		exceptions.Panicf("matrix: device %d outside the %d configured devices", dev, a.numDevices)
	}
}
