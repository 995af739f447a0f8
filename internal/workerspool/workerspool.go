// Package workerspool implements the pool of host workers that executes the
// ready tile operations of a factorization run.
//
// The pool tracks a soft parallelism target and two admission classes:
// critical-path work (diagonal factorizations, panel solves, lookahead
// updates) is admitted before bulk trailing-update work whenever both are
// waiting for a slot. Bulk work is never starved indefinitely: a later
// step's critical-path operations cannot become ready before the earlier
// bulk operations on the same block-column have completed, so preferring
// critical work only reorders operations that are independent anyway.
package workerspool

import (
	"runtime"
	"sync"
)

// Priority of a unit of work waiting for a worker slot.
type Priority int

const (
	// Bulk is the class of throughput work: the trailing submatrix update.
	Bulk Priority = iota

	// Critical is the class of latency-critical work: everything on the
	// critical path of the next diagonal step.
	Critical
)

// Pool of worker slots. The zero value is not usable; call New.
type Pool struct {
	mu           sync.Mutex
	condCritical sync.Cond
	condBulk     sync.Cond

	// maxParallelism is a soft limit on concurrently running work.
	// <= 0 means unlimited.
	maxParallelism int

	numRunning      int
	waitingCritical int
	waitingBulk     int
}

// New returns a Pool sized to runtime.NumCPU() workers.
func New() *Pool {
	p := &Pool{maxParallelism: runtime.NumCPU()}
	p.condCritical.L = &p.mu
	p.condBulk.L = &p.mu
	return p
}

// MaxParallelism returns the current soft limit on parallel work.
func (p *Pool) MaxParallelism() int {
	return p.maxParallelism
}

// SetMaxParallelism changes the soft limit. A value <= 0 removes the limit.
// Only change it before any work is admitted; changing it mid-run leaves
// already-admitted work untouched.
func (p *Pool) SetMaxParallelism(maxParallelism int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxParallelism = maxParallelism
}

// Acquire blocks until a worker slot is available for the given class.
// Every Acquire must be matched by exactly one Release.
func (p *Pool) Acquire(priority Priority) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.lockedAdmissible(priority) {
		if priority == Critical {
			p.waitingCritical++
			p.condCritical.Wait()
			p.waitingCritical--
		} else {
			p.waitingBulk++
			p.condBulk.Wait()
			p.waitingBulk--
		}
	}
	p.numRunning++
	p.lockedSignalNext()
}

// lockedAdmissible reports whether work of the given class may start now.
// Bulk work yields to critical work already waiting in line.
func (p *Pool) lockedAdmissible(priority Priority) bool {
	if p.maxParallelism <= 0 {
		return true
	}
	if p.numRunning >= p.maxParallelism {
		return false
	}
	return priority == Critical || p.waitingCritical == 0
}

// lockedSignalNext wakes one waiter if a slot remains, critical class first.
func (p *Pool) lockedSignalNext() {
	if p.maxParallelism > 0 && p.numRunning >= p.maxParallelism {
		return
	}
	if p.waitingCritical > 0 {
		p.condCritical.Signal()
	} else if p.waitingBulk > 0 {
		p.condBulk.Signal()
	}
}

// Release returns a worker slot acquired with Acquire.
func (p *Pool) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.numRunning--
	if p.waitingCritical > 0 {
		p.condCritical.Signal()
	} else if p.waitingBulk > 0 {
		p.condBulk.Signal()
	}
}

// NumRunning returns the number of currently admitted units of work.
func (p *Pool) NumRunning() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.numRunning
}
