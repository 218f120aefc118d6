package task

import (
	"rvkern/kernel"
	"rvkern/kernel/cpu"
	"rvkern/kernel/idalloc"
	"rvkern/kernel/mm/vmm"
	"rvkern/kernel/sync"
)

var (
	// ErrNoProcess is returned when a process identifier names no live
	// process.
	ErrNoProcess = &kernel.Error{Module: "task", Message: "no such process"}

	// ErrNoChildren is returned by Wait when the caller has nothing to
	// wait for.
	ErrNoChildren = &kernel.Error{Module: "task", Message: "process has no children"}

	// ErrTooManyProcesses is returned when the process table is full.
	ErrTooManyProcesses = &kernel.Error{Module: "task", Message: "process table is full"}

	// ErrTooManyThreads is returned when the thread table is full.
	ErrTooManyThreads = &kernel.Error{Module: "task", Message: "thread table is full"}

	errInitExited = &kernel.Error{Module: "task", Message: "init exited"}
	errKilledInit = &kernel.Error{Module: "task", Message: "attempt to kill init"}
)

// Default table capacities used by the boot path.
const (
	DefaultMaxProcesses = 64
	DefaultMaxThreads   = 256
)

// core tracks the scheduling state of one hart.
type core struct {
	current *Thread // nil while the core idles
	runq    tqueue
}

// Scheduler owns the process and thread tables, one run queue per core and
// the sleep queue. Every entry point locks the scheduler, mutates thread
// states and queues, optionally swaps the register file the trap layer
// handed in, and returns; nothing here blocks the host.
//
// Scheduling is round robin per core. A thread is queued on its home core
// and stays there; new threads pick the least-loaded core as home.
type Scheduler struct {
	mu sync.Spinlock

	frames vmm.FrameSource

	pids    *idalloc.Allocator
	tids    *idalloc.Allocator
	procs   []*Process // arena indexed by PID
	threads []*Thread  // arena indexed by TID

	cores  []core
	sleepq tqueue // ordered by wake tick
	ticks  uint64 // advanced by the boot hart's timer
}

// New returns a Scheduler for the given number of cores with fixed-capacity
// process and thread tables. Identifier 0 is reserved in both spaces so the
// first process started becomes init with PID 1.
func New(cores int, maxProcs, maxThreads uint32, frames vmm.FrameSource) *Scheduler {
	s := &Scheduler{
		frames:  frames,
		pids:    idalloc.New(maxProcs),
		tids:    idalloc.New(maxThreads),
		procs:   make([]*Process, maxProcs),
		threads: make([]*Thread, maxThreads),
		cores:   make([]core, cores),
	}

	s.pids.AllocAt(0)
	s.tids.AllocAt(0)
	return s
}

// Cores returns the number of cores the scheduler drives.
func (s *Scheduler) Cores() int {
	return len(s.cores)
}

// Now returns the current tick count.
func (s *Scheduler) Now() uint64 {
	s.mu.Acquire()
	defer s.mu.Release()

	return s.ticks
}

// Current returns the thread running on coreID, or nil when the core is
// idle.
func (s *Scheduler) Current(coreID int) *Thread {
	s.mu.Acquire()
	defer s.mu.Release()

	return s.cores[coreID].current
}

// ActiveSpace returns the address space of the process occupying coreID, or
// nil when the core is idle and the kernel space should stay active.
func (s *Scheduler) ActiveSpace(coreID int) *vmm.AddressSpace {
	s.mu.Acquire()
	defer s.mu.Release()

	cur := s.cores[coreID].current
	if cur == nil {
		return nil
	}
	return s.procs[cur.pid].space
}

// Lookup returns the live process named by pid.
func (s *Scheduler) Lookup(pid PID) (*Process, *kernel.Error) {
	s.mu.Acquire()
	defer s.mu.Release()

	if uint32(pid) >= uint32(len(s.procs)) || s.procs[pid] == nil {
		return nil, ErrNoProcess
	}
	return s.procs[pid], nil
}

// Tick is the timer entry point for coreID. The boot hart advances the wall
// tick and readies expired sleepers; every hart then charges the tick to its
// current thread and preempts it once the slice is used up. Idle cores use
// the tick to pick up work that has appeared on their queue.
func (s *Scheduler) Tick(coreID int, regs *cpu.Context) {
	s.mu.Acquire()
	defer s.mu.Release()

	if coreID == 0 {
		s.ticks++
		s.wakeSleepers()
	}

	c := &s.cores[coreID]
	cur := c.current
	if cur == nil {
		s.dispatch(coreID, regs)
		return
	}

	if cur.slice > 0 {
		cur.slice--
	}
	if cur.slice > 0 {
		return
	}
	if c.runq.size == 0 && !cur.killed {
		// Sole runnable thread on this core; top the slice back up.
		cur.slice = DefaultTimeSlice
		return
	}

	if t := s.park(coreID, regs); t != nil {
		s.ready(t)
	}
	s.dispatch(coreID, regs)
}

// Yield moves the current thread behind everything already queued on its
// core and runs the next ready thread. A yield with an empty queue keeps
// the caller running with a fresh slice.
func (s *Scheduler) Yield(coreID int, regs *cpu.Context) {
	s.mu.Acquire()
	defer s.mu.Release()

	c := &s.cores[coreID]
	cur := c.current
	if cur == nil {
		s.dispatch(coreID, regs)
		return
	}

	if c.runq.size == 0 && !cur.killed {
		cur.slice = DefaultTimeSlice
		return
	}

	if t := s.park(coreID, regs); t != nil {
		s.ready(t)
	}
	s.dispatch(coreID, regs)
}

// park saves the trapped register file into the thread occupying coreID and
// hands the thread back. The core is left without an occupant; the caller
// queues the thread somewhere and dispatches. A thread flagged by a kill on
// another core is retired here instead of being queued, in which case park
// returns nil. Callers hold the scheduler lock.
func (s *Scheduler) park(coreID int, regs *cpu.Context) *Thread {
	c := &s.cores[coreID]
	t := c.current
	t.ctx = *regs
	c.current = nil

	if t.killed {
		s.exitThread(t, s.procs[t.pid].killStatus)
		return nil
	}
	return t
}

// ready queues t on its home core's run queue. Callers hold the scheduler
// lock.
func (s *Scheduler) ready(t *Thread) {
	t.state = StateReady
	s.cores[t.home].runq.push(t)
}

// dispatch pops the next ready thread for coreID into regs. With an empty
// run queue the core goes idle and regs is left alone; the stale register
// file must not be resumed until the next dispatch fills it in. Callers
// hold the scheduler lock.
func (s *Scheduler) dispatch(coreID int, regs *cpu.Context) {
	c := &s.cores[coreID]
	next := c.runq.pop()
	c.current = next
	if next == nil {
		return
	}

	next.state = StateRunning
	next.slice = DefaultTimeSlice
	*regs = next.ctx
}

// placeThread assigns the least-loaded core as t's home and readies it.
// Load counts queued threads plus the occupant; ties break toward the
// lowest core index. Callers hold the scheduler lock.
func (s *Scheduler) placeThread(t *Thread) {
	best, load := 0, int(^uint(0)>>1)
	for i := range s.cores {
		l := s.cores[i].runq.size
		if s.cores[i].current != nil {
			l++
		}
		if l < load {
			best, load = i, l
		}
	}

	t.home = best
	s.ready(t)
}
