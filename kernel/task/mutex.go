package task

import (
	"rvkern/kernel"
	"rvkern/kernel/cpu"
)

var errNotOwner = &kernel.Error{Module: "task", Message: "mutex unlocked by a thread that does not own it"}

// Mutex is a sleeping lock with strict FIFO ordering. Contenders park in
// arrival order and ownership is handed directly from the releasing thread
// to the longest waiter; the mutex never passes through an unlocked state
// while threads wait, so a late arrival cannot overtake them.
//
// A mutex is never released on its owner's behalf: killing the owning
// process leaves the mutex held forever and strands every waiter, the same
// hole a lock-ordering cycle opens. Keeping kill targets and lock holders
// apart is the caller's responsibility.
type Mutex struct {
	sched *Scheduler
	owner *Thread
	wait  tqueue
}

// NewMutex returns a mutex whose blocked threads are managed by s.
func (s *Scheduler) NewMutex() *Mutex {
	return &Mutex{sched: s}
}

// Lock acquires m for the thread running on coreID. A free mutex is taken
// without blocking and the caller keeps its core. A held one parks the
// caller on the wait queue and runs the next ready thread, so the caller
// must not touch regs afterwards; it reports whether the thread blocked.
// A thread that locks a mutex it already holds queues behind itself and
// deadlocks, as it would on real hardware.
func (m *Mutex) Lock(coreID int, regs *cpu.Context) bool {
	s := m.sched
	s.mu.Acquire()
	defer s.mu.Release()

	cur := s.cores[coreID].current
	if m.owner == nil {
		m.owner = cur
		return false
	}

	if t := s.park(coreID, regs); t != nil {
		t.state = StateBlocked
		m.wait.push(t)
	}
	s.dispatch(coreID, regs)
	return true
}

// Unlock releases m. With waiters present, ownership moves directly to the
// head of the queue and the new owner is readied on its home core; without
// waiters the mutex becomes free. Unlocking a mutex the calling thread does
// not own indicates corrupted locking and is fatal.
func (m *Mutex) Unlock(coreID int) {
	s := m.sched
	s.mu.Acquire()
	defer s.mu.Release()

	cur := s.cores[coreID].current
	if cur == nil || m.owner != cur {
		fatalFn(errNotOwner)
		return
	}

	next := m.wait.pop()
	m.owner = next
	if next != nil {
		s.ready(next)
	}
}

// Owner returns the thread currently holding m, or nil when it is free.
func (m *Mutex) Owner() *Thread {
	s := m.sched
	s.mu.Acquire()
	defer s.mu.Release()

	return m.owner
}
