package workerspool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dbielich/slate/pkg/support/xsync"
)

func TestPool_Saturation(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(3)

	var running, maxRunning atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pool.Acquire(Bulk)
			defer pool.Release()
			now := running.Add(1)
			for {
				max := maxRunning.Load()
				if now <= max || maxRunning.CompareAndSwap(max, now) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			running.Add(-1)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, maxRunning.Load(), int32(3))
}

// TestPool_CriticalFirst fills the pool, lines up one bulk and one critical
// waiter, and checks the critical waiter is admitted first when the slot
// frees.
func TestPool_CriticalFirst(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(1)

	pool.Acquire(Critical) // Occupy the only slot.

	var order []string
	var mu sync.Mutex
	record := func(name string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, name)
	}

	bulkWaiting := xsync.NewLatch()
	criticalWaiting := xsync.NewLatch()
	done := xsync.NewDynamicWaitGroup()

	done.Add(1)
	go func() {
		defer done.Done()
		bulkWaiting.Trigger()
		pool.Acquire(Bulk)
		record("bulk")
		pool.Release()
	}()
	bulkWaiting.Wait()
	time.Sleep(5 * time.Millisecond) // Let the bulk waiter block.

	done.Add(1)
	go func() {
		defer done.Done()
		criticalWaiting.Trigger()
		pool.Acquire(Critical)
		record("critical")
		pool.Release()
	}()
	criticalWaiting.Wait()
	time.Sleep(5 * time.Millisecond)

	pool.Release()
	done.Wait()

	assert.Equal(t, []string{"critical", "bulk"}, order)
}

func TestPool_Unlimited(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(-1)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pool.Acquire(Critical)
			defer pool.Release()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, pool.NumRunning())
}
