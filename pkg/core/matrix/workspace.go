package matrix

import (
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/dbielich/slate/pkg/core/scalars"
)

// BatchQueue collects same-shaped operand triples for one batched kernel
// invocation. The backing arrays are reserved once per run and reused
// across steps, never grown mid-step.
type BatchQueue[T scalars.Scalar] struct {
	A, B, C [][]T
}

// Reset empties the queue, keeping its capacity.
func (q *BatchQueue[T]) Reset() {
	q.A, q.B, q.C = q.A[:0], q.B[:0], q.C[:0]
}

// Append adds one operand triple. Unused operand positions may be nil.
func (q *BatchQueue[T]) Append(a, b, c []T) {
	q.A = append(q.A, a)
	q.B = append(q.B, b)
	q.C = append(q.C, c)
}

// Len returns the number of queued triples.
func (q *BatchQueue[T]) Len() int { return len(q.A) }

type batchWorkspace[T scalars.Scalar] struct {
	queues []*BatchQueue[T]
	bytes  int64
}

// SetDeviceMemoryLimit bounds the bytes ReserveBatchWorkspace may claim on
// the simulated accelerators. Zero means unlimited.
func (a *Matrix[T]) SetDeviceMemoryLimit(bytes int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deviceMemLimit = bytes
}

// ReserveBatchWorkspace reserves count batch-operation queues, each sized
// to the largest batch a factorization step can issue on this rank, plus
// per-device staging scratch. The accelerator strategy calls it before the
// step loop; failing the reservation is fatal to the run (no fallback
// execution path is substituted).
func (a *Matrix[T]) ReserveBatchWorkspace(count int) error {
	if count < 1 {
		exceptions.Panicf("matrix.ReserveBatchWorkspace: need at least one queue, got %d", count)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.batch != nil {
		exceptions.Panicf("matrix.ReserveBatchWorkspace: workspace already reserved")
	}

	// The largest batch touches every local tile of the trailing submatrix
	// once.
	var maxBatch int64
	for _, t := range a.tiles {
		if t.origin {
			maxBatch++
		}
	}
	var elem T
	elemSize := int64(unsafe.Sizeof(elem))
	ptrSize := int64(unsafe.Sizeof(uintptr(0)))
	bytes := int64(count)*3*maxBatch*ptrSize +
		int64(a.numDevices)*a.nb*a.nb*elemSize
	if a.deviceMemLimit > 0 && a.deviceMemInUse+bytes > a.deviceMemLimit {
		return errors.Errorf(
			"cannot reserve device batch workspace: need %s on top of %s in use, limit is %s",
			humanize.IBytes(uint64(bytes)), humanize.IBytes(uint64(a.deviceMemInUse)),
			humanize.IBytes(uint64(a.deviceMemLimit)))
	}

	ws := &batchWorkspace[T]{bytes: bytes}
	ws.queues = make([]*BatchQueue[T], count)
	for i := range ws.queues {
		ws.queues[i] = &BatchQueue[T]{
			A: make([][]T, 0, maxBatch),
			B: make([][]T, 0, maxBatch),
			C: make([][]T, 0, maxBatch),
		}
	}
	a.batch = ws
	a.deviceMemInUse += bytes
	klog.V(1).Infof("matrix rank %d: reserved %d batch queues (%s)",
		a.rank, count, humanize.IBytes(uint64(bytes)))
	return nil
}

// BatchQueue returns reserved queue q, reset and ready to fill.
func (a *Matrix[T]) BatchQueue(q int) *BatchQueue[T] {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.batch == nil {
		exceptions.Panicf("matrix.BatchQueue: no batch workspace reserved")
	}
	if q < 0 || q >= len(a.batch.queues) {
		exceptions.Panicf("matrix.BatchQueue: queue %d outside the %d reserved", q, len(a.batch.queues))
	}
	queue := a.batch.queues[q]
	queue.Reset()
	return queue
}

func (a *Matrix[T]) lockedFreeBatchWorkspace() {
	if a.batch == nil {
		return
	}
	a.deviceMemInUse -= a.batch.bytes
	a.batch = nil
}
