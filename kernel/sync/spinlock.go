// Package sync provides the busy-wait lock used for short kernel critical
// sections. Blocking primitives (mutexes, sleep queues) live in the task
// package since they interact with the scheduler.
package sync

import (
	"runtime"
	"sync/atomic"
)

// spinAttempts is the number of times Acquire polls the lock state before
// yielding the hart so that the holder can make progress.
const spinAttempts = 100

// yieldFn is swapped out by tests.
var yieldFn = runtime.Gosched

// Spinlock implements a lock where each hart trying to acquire it busy-waits
// till the lock becomes available. Sections that share state with trap
// handlers must bracket Acquire/Release with the hart's PushOff/PopOff so
// the holder cannot be preempted by a tick on its own hart.
//
// The zero value is an unlocked Spinlock.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the calling hart. Any
// attempt to re-acquire a lock already held by the caller will deadlock.
func (l *Spinlock) Acquire() {
	for !l.TryToAcquire() {
		for attempt := 0; atomic.LoadUint32(&l.state) == 1; attempt++ {
			if attempt == spinAttempts {
				yieldFn()
				attempt = 0
			}
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock
// could be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other harts to acquire it.
// Calling Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}
