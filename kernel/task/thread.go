// Package task implements the thread and process model and the per-core
// round-robin scheduler. Threads are explicit state machines with a saved
// register file; nothing in this package suspends the host. Blocking
// operations transition the current thread, load a replacement into the
// trapped register context and return, so the embedder resumes whichever
// thread the scheduler picked.
package task

import (
	"rvkern/kernel"
	"rvkern/kernel/cpu"
	"rvkern/kernel/mm"
)

// fatalFn is mocked by tests.
var fatalFn = kernel.Fatal

// TID identifies a thread. Identifiers come from a smallest-free-index
// allocator; TID 0 is reserved so a zero value never names a live thread.
type TID uint32

// PID identifies a process. PID 0 is reserved and PID 1 is init, the
// ancestor that adopts orphaned processes.
type PID uint32

// InitPID is the process identifier of init.
const InitPID = PID(1)

// State is the lifecycle state of a thread.
type State uint8

const (
	// StateReady threads sit on their home core's run queue awaiting
	// dispatch.
	StateReady State = iota

	// StateRunning threads occupy a core.
	StateRunning

	// StateBlocked threads wait on a mutex or for a child to exit.
	StateBlocked

	// StateSleeping threads wait on the sleep queue for a deadline.
	StateSleeping

	// StateZombie threads have exited and await their process's reap.
	StateZombie
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateSleeping:
		return "sleeping"
	case StateZombie:
		return "zombie"
	default:
		return "unknown"
	}
}

// DefaultTimeSlice is the number of timer ticks a thread may run before it
// is preempted to the tail of its run queue.
const DefaultTimeSlice = 5

// Thread is one schedulable flow of control. All fields are guarded by the
// scheduler lock.
type Thread struct {
	id  TID
	pid PID

	state State
	ctx   cpu.Context
	stack mm.Frame // kernel stack frame, from the metadata pool
	home  int      // core whose run queue the thread belongs to
	slice uint32   // remaining ticks in the current turn

	wakeTick uint64 // absolute deadline while sleeping
	killed   bool   // zombify at the next trap checkpoint

	// Intrusive queue links. A thread sits on at most one queue at a
	// time: its run queue, a mutex wait queue, a process wait queue or
	// the sleep queue.
	next  *Thread
	queue *tqueue
}

// ID returns the thread identifier.
func (t *Thread) ID() TID {
	return t.id
}

// Owner returns the identifier of the process the thread belongs to.
func (t *Thread) Owner() PID {
	return t.pid
}

// State returns the thread's lifecycle state at the time of the call.
func (t *Thread) State() State {
	return t.state
}

// Context returns the thread's saved register file. It is only meaningful
// while the thread is not running; a running thread's registers live in
// the trap context of its core.
func (t *Thread) Context() *cpu.Context {
	return &t.ctx
}

// KernelStack returns the frame backing the thread's kernel stack.
func (t *Thread) KernelStack() mm.Frame {
	return t.stack
}

// tqueue is an intrusive FIFO of threads linked through their next field.
type tqueue struct {
	head, tail *Thread
	size       int
}

func (q *tqueue) push(t *Thread) {
	t.next = nil
	t.queue = q

	if q.tail == nil {
		q.head = t
	} else {
		q.tail.next = t
	}
	q.tail = t
	q.size++
}

func (q *tqueue) pop() *Thread {
	t := q.head
	if t == nil {
		return nil
	}

	q.head = t.next
	if q.head == nil {
		q.tail = nil
	}

	t.next = nil
	t.queue = nil
	q.size--
	return t
}

// insertByWakeTick places t before the first entry with a strictly later
// deadline, so threads sharing a deadline keep their arrival order.
func (q *tqueue) insertByWakeTick(t *Thread) {
	t.queue = q
	q.size++

	if q.head == nil || q.head.wakeTick > t.wakeTick {
		t.next = q.head
		q.head = t
		if q.tail == nil {
			q.tail = t
		}
		return
	}

	prev := q.head
	for prev.next != nil && prev.next.wakeTick <= t.wakeTick {
		prev = prev.next
	}

	t.next = prev.next
	prev.next = t
	if t.next == nil {
		q.tail = t
	}
}

// remove unlinks t from the queue. It returns false if t is not on it.
func (q *tqueue) remove(t *Thread) bool {
	if t.queue != q {
		return false
	}

	var prev *Thread
	for cur := q.head; cur != nil; prev, cur = cur, cur.next {
		if cur != t {
			continue
		}

		if prev == nil {
			q.head = cur.next
		} else {
			prev.next = cur.next
		}
		if q.tail == cur {
			q.tail = prev
		}

		t.next = nil
		t.queue = nil
		q.size--
		return true
	}

	return false
}
