// Package xsync implements the extra synchronization primitives used by the
// scheduling layers: a one-shot broadcast Latch and a DynamicWaitGroup whose
// counter may grow while another goroutine is already waiting on it.
package xsync

import (
	"sync"

	"github.com/pkg/errors"
)

// Latch is a one-shot signal: it can be waited on any number of times, and
// once triggered it stays triggered forever.
type Latch struct {
	muTrigger sync.Mutex
	wait      chan struct{}
}

// NewLatch returns an un-triggered latch.
func NewLatch() *Latch {
	return &Latch{wait: make(chan struct{})}
}

// Trigger the latch, releasing all current and future waiters.
// Triggering an already-triggered latch is a no-op.
func (l *Latch) Trigger() {
	l.muTrigger.Lock()
	defer l.muTrigger.Unlock()
	if l.Test() {
		return
	}
	close(l.wait)
}

// Wait blocks until the latch is triggered.
func (l *Latch) Wait() {
	<-l.wait
}

// Test reports whether the latch has been triggered, without blocking.
func (l *Latch) Test() bool {
	select {
	case <-l.wait:
		return true
	default:
		return false
	}
}

// WaitChan returns the channel closed when the latch triggers, for use in
// select statements.
func (l *Latch) WaitChan() <-chan struct{} {
	return l.wait
}

// TriggeredLatch returns a latch that is already triggered.
// Waiting on it never blocks.
func TriggeredLatch() *Latch {
	l := NewLatch()
	l.Trigger()
	return l
}

// DynamicWaitGroup is a WaitGroup-like primitive whose counter may be
// incremented while a waiter is already blocked: the waiter only returns
// once the counter reaches zero again.
//
// The factorization pipeline uses one as its end-of-run drain, since
// operations for step k+1 keep being issued while step k's are still
// in flight.
type DynamicWaitGroup struct {
	mu    sync.Mutex
	cond  *sync.Cond
	count int64
}

// NewDynamicWaitGroup creates a DynamicWaitGroup with a zero counter.
func NewDynamicWaitGroup() *DynamicWaitGroup {
	wg := &DynamicWaitGroup{}
	wg.cond = sync.NewCond(&wg.mu)
	return wg
}

// Add changes the counter by delta. It panics if the counter would become
// negative, and broadcasts to waiters when it reaches zero.
func (wg *DynamicWaitGroup) Add(delta int) {
	wg.mu.Lock()
	defer wg.mu.Unlock()
	wg.count += int64(delta)
	if wg.count < 0 {
		panic(errors.Errorf("DynamicWaitGroup: negative counter"))
	}
	if wg.count == 0 {
		wg.cond.Broadcast()
	}
}

// Done decrements the counter by one.
func (wg *DynamicWaitGroup) Done() {
	wg.Add(-1)
}

// Wait blocks until the counter is zero.
func (wg *DynamicWaitGroup) Wait() {
	wg.mu.Lock()
	defer wg.mu.Unlock()
	for wg.count > 0 {
		wg.cond.Wait()
	}
}
