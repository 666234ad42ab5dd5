// Package sync provides the spinlock implementation used by the kernel
// subsystems for short critical sections.
package sync

import (
	"runtime"
	"sync/atomic"
)

// yieldFn is invoked when a lock cannot be acquired after a number of busy
// spin attempts. It can be overridden by tests.
var yieldFn = runtime.Gosched

// attemptsBeforeYielding controls the number of CAS attempts performed before
// yielding the processor to the lock holder.
const attemptsBeforeYielding = 128

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available. Spinlocks must never be held across a
// context switch and must never be acquired from interrupt context.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for attempt := 0; !atomic.CompareAndSwapUint32(&l.state, 0, 1); attempt++ {
		if attempt%attemptsBeforeYielding == 0 {
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
