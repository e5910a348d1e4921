// Package sync provides the spinlock used to serialize access to the memory
// management layers.
package sync

import (
	"runtime"
	"sync/atomic"
)

const (
	// attemptsBeforeYielding is the number of failed acquisition attempts
	// before the spinning task yields.
	attemptsBeforeYielding = 64
)

var (
	// yieldFn is invoked while spinning. It is replaced by a scheduler
	// aware yield once tasks can block.
	yieldFn = runtime.Gosched
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for attempt := uint32(1); ; attempt++ {
		if atomic.CompareAndSwapUint32(&l.state, 0, 1) {
			return
		}

		if attempt%attemptsBeforeYielding == 0 && yieldFn != nil {
			yieldFn()
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}
