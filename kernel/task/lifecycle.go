package task

import (
	"rvkern/kernel"
	"rvkern/kernel/cpu"
	"rvkern/kernel/mm"
	"rvkern/kernel/mm/vmm"
)

// Segment is one mapped region of a new process's address space.
type Segment struct {
	Start   mm.Page
	Pages   uint64
	Flags   vmm.EntryFlag
	Backing vmm.Backing
}

// ProcessImage describes the initial state of a new process: the regions to
// map and the register values of its main thread.
type ProcessImage struct {
	Segments []Segment
	Entry    uintptr // initial program counter
	StackTop uintptr // initial stack pointer
	Arg      uint64  // initial A0
}

// StartProcess builds a process from img, creates its main thread and
// queues it on the least-loaded core. The first process started becomes
// init; processes started later are children of init so that init can reap
// them.
func (s *Scheduler) StartProcess(name string, img ProcessImage) (PID, *kernel.Error) {
	s.mu.Acquire()
	defer s.mu.Release()

	id, err := s.pids.Alloc()
	if err != nil {
		return 0, ErrTooManyProcesses
	}
	pid := PID(id)

	space, err := vmm.NewAddressSpace(s.frames)
	if err != nil {
		s.pids.Free(id)
		return 0, err
	}
	for _, seg := range img.Segments {
		if err := space.Map(seg.Start, seg.Pages, seg.Flags, seg.Backing); err != nil {
			space.Release()
			s.pids.Free(id)
			return 0, err
		}
	}

	parent := PID(0)
	if pid != InitPID && s.procs[InitPID] != nil {
		parent = InitPID
	}

	p := &Process{
		id:     pid,
		parent: parent,
		name:   name,
		space:  space,
		fds:    NewFDTable(DefaultMaxFiles),
	}

	t, err := s.newThread(p, img.Entry, img.StackTop, img.Arg)
	if err != nil {
		space.Release()
		s.pids.Free(id)
		return 0, err
	}

	s.procs[pid] = p
	if parent != 0 {
		s.procs[parent].children = append(s.procs[parent].children, pid)
	}
	s.placeThread(t)
	return pid, nil
}

// Fork clones the current thread's process. The child shares every frame
// of the parent copy-on-write, inherits descriptor numbers and cursors, and
// starts with a single thread whose registers are a copy of the caller's
// except that A0 reads zero. The child's PID is returned to the caller.
func (s *Scheduler) Fork(coreID int, regs *cpu.Context) (PID, *kernel.Error) {
	s.mu.Acquire()
	defer s.mu.Release()

	cur := s.cores[coreID].current
	parent := s.procs[cur.pid]

	id, err := s.pids.Alloc()
	if err != nil {
		return 0, ErrTooManyProcesses
	}
	pid := PID(id)

	space, err := parent.space.CloneCOW()
	if err != nil {
		s.pids.Free(id)
		return 0, err
	}

	child := &Process{
		id:     pid,
		parent: parent.id,
		name:   parent.name,
		space:  space,
		fds:    parent.fds.Clone(DefaultMaxFiles),
	}

	t, err := s.newThread(child, 0, 0, 0)
	if err != nil {
		space.Release()
		s.pids.Free(id)
		return 0, err
	}
	t.ctx = *regs
	t.ctx.A0 = 0

	s.procs[pid] = child
	parent.children = append(parent.children, pid)
	s.placeThread(t)
	return pid, nil
}

// SpawnThread creates a thread in the current process starting at entry
// with the given stack pointer and A0 value, and queues it on the
// least-loaded core. The creating thread keeps running.
func (s *Scheduler) SpawnThread(coreID int, entry, stackTop uintptr, arg uint64) (TID, *kernel.Error) {
	s.mu.Acquire()
	defer s.mu.Release()

	cur := s.cores[coreID].current
	t, err := s.newThread(s.procs[cur.pid], entry, stackTop, arg)
	if err != nil {
		return 0, err
	}

	s.placeThread(t)
	return t.id, nil
}

// Exit retires the current thread and runs the next ready one. The process
// turns zombie once its last thread exits; the status of that last exit
// becomes the process exit status.
func (s *Scheduler) Exit(coreID int, regs *cpu.Context, status int32) {
	s.mu.Acquire()
	defer s.mu.Release()

	cur := s.cores[coreID].current
	s.cores[coreID].current = nil
	s.exitThread(cur, status)
	s.dispatch(coreID, regs)
}

// Wait reaps one exited child of the current thread's process. If a child
// is already zombie the lowest-PID one is reaped and its identity returned
// with ok set. With children but none of them zombie the thread blocks and
// ok is clear: another thread now owns regs, and the blocked thread resumes
// with the child's PID in A0 and its status in A1 once a child exits.
func (s *Scheduler) Wait(coreID int, regs *cpu.Context) (pid PID, status int32, ok bool, err *kernel.Error) {
	s.mu.Acquire()
	defer s.mu.Release()

	cur := s.cores[coreID].current
	p := s.procs[cur.pid]
	if len(p.children) == 0 {
		return 0, 0, false, ErrNoChildren
	}

	// Reap the lowest PID first so the order is deterministic.
	var zombie *Process
	for _, cpid := range p.children {
		child := s.procs[cpid]
		if child.zombie && (zombie == nil || child.id < zombie.id) {
			zombie = child
		}
	}
	if zombie != nil {
		id, st := zombie.id, zombie.status
		s.reap(zombie)
		return id, st, true, nil
	}

	if t := s.park(coreID, regs); t != nil {
		t.state = StateBlocked
		p.waiters.push(t)
	}
	s.dispatch(coreID, regs)
	return 0, 0, false, nil
}

// Kill terminates every thread of process pid with the given status. Ready,
// sleeping and blocked threads are pulled off their queues and zombified on
// the spot. A thread running on the calling core is replaced immediately;
// threads running on other cores are flagged and retired at their core's
// next trap checkpoint. Killing init is fatal, killing a zombie a no-op.
// Mutexes held by the victim are not released (see Mutex); callers must
// not kill a process that may be holding locks other threads wait on.
func (s *Scheduler) Kill(coreID int, regs *cpu.Context, pid PID, status int32) *kernel.Error {
	s.mu.Acquire()
	defer s.mu.Release()

	if uint32(pid) >= uint32(len(s.procs)) || s.procs[pid] == nil {
		return ErrNoProcess
	}

	p := s.procs[pid]
	if p.zombie {
		return nil
	}
	if p.id == InitPID {
		fatalFn(errKilledInit)
		return nil
	}

	p.killStatus = status
	preempt := false
	for _, tid := range p.threads {
		t := s.threads[tid]
		switch t.state {
		case StateZombie:
		case StateRunning:
			// A running thread occupies its home core.
			if t.home == coreID {
				t.state = StateZombie
				s.cores[coreID].current = nil
				preempt = true
			} else {
				t.killed = true
			}
		default:
			if t.queue != nil {
				t.queue.remove(t)
			}
			t.state = StateZombie
		}
	}

	if s.liveThreads(p) == 0 {
		s.zombifyProcess(p, status)
	}
	if preempt {
		s.dispatch(coreID, regs)
	}
	return nil
}

// CheckKilled retires the thread on coreID if its process was killed while
// it was running. The trap layer calls this before returning to user mode;
// when it reports true the next runnable thread has been dispatched into
// regs.
func (s *Scheduler) CheckKilled(coreID int, regs *cpu.Context) bool {
	s.mu.Acquire()
	defer s.mu.Release()

	cur := s.cores[coreID].current
	if cur == nil || !cur.killed {
		return false
	}

	s.cores[coreID].current = nil
	s.exitThread(cur, s.procs[cur.pid].killStatus)
	s.dispatch(coreID, regs)
	return true
}

// newThread allocates a thread, its kernel stack frame and its table slot.
// Callers hold the scheduler lock.
func (s *Scheduler) newThread(p *Process, entry, stackTop uintptr, arg uint64) (*Thread, *kernel.Error) {
	id, err := s.tids.Alloc()
	if err != nil {
		return nil, ErrTooManyThreads
	}

	frame, kerr := s.frames.AllocTableFrame()
	if kerr != nil {
		s.tids.Free(id)
		return nil, kerr
	}

	t := &Thread{
		id:    TID(id),
		pid:   p.id,
		state: StateReady,
		stack: frame,
	}
	t.ctx.SEPC = uint64(entry)
	t.ctx.SP = uint64(stackTop)
	t.ctx.A0 = arg

	s.threads[id] = t
	p.threads = append(p.threads, t.id)
	return t, nil
}

// exitThread zombifies t and, when it was the last live thread of its
// process, zombifies the process with the given status. A thread that was
// not the last is reaped on the spot: nothing joins on individual threads,
// so its stack, table slot and identifier go back to their pools
// immediately rather than lingering until the process exits. Callers hold
// the scheduler lock.
func (s *Scheduler) exitThread(t *Thread, status int32) {
	t.state = StateZombie
	t.killed = false

	p := s.procs[t.pid]
	if !p.zombie && s.liveThreads(p) == 0 {
		s.zombifyProcess(p, status)
		return
	}

	s.frames.FreeTableFrame(t.stack)
	s.threads[t.id] = nil
	s.tids.Free(uint32(t.id))
	p.removeThread(t.id)
}

// zombifyProcess records the exit status, hands orphaned children to init
// and completes a pending Wait in the parent. Callers hold the scheduler
// lock.
func (s *Scheduler) zombifyProcess(p *Process, status int32) {
	if p.id == InitPID {
		fatalFn(errInitExited)
		return
	}

	p.zombie = true
	p.status = status

	init := s.procs[InitPID]
	for _, cpid := range p.children {
		child := s.procs[cpid]
		child.parent = InitPID
		init.children = append(init.children, cpid)
		if child.zombie {
			s.notifyWaiter(init, child)
		}
	}
	p.children = nil

	if uint32(p.parent) < uint32(len(s.procs)) {
		if parent := s.procs[p.parent]; parent != nil {
			s.notifyWaiter(parent, p)
		}
	}
}

// notifyWaiter completes a blocked Wait in parent with child's exit. The
// reap happens on the waiter's behalf; the child's PID and status are
// written into the waiter's saved A0 and A1 before it is readied. Callers
// hold the scheduler lock.
func (s *Scheduler) notifyWaiter(parent, child *Process) {
	w := parent.waiters.pop()
	if w == nil {
		return
	}

	id, st := child.id, child.status
	s.reap(child)

	w.ctx.A0 = uint64(id)
	w.ctx.A1 = uint64(uint32(st))
	s.ready(w)
}

// reap frees everything a zombie process still holds: thread stacks and
// table slots, open files, the address space and finally the PID. Callers
// hold the scheduler lock.
func (s *Scheduler) reap(p *Process) {
	for _, tid := range p.threads {
		t := s.threads[tid]
		s.frames.FreeTableFrame(t.stack)
		s.threads[tid] = nil
		s.tids.Free(uint32(tid))
	}
	p.threads = nil

	p.fds.CloseAll()
	p.space.Release()

	if uint32(p.parent) < uint32(len(s.procs)) {
		if parent := s.procs[p.parent]; parent != nil {
			parent.removeChild(p.id)
		}
	}

	s.procs[p.id] = nil
	s.pids.Free(uint32(p.id))
}

// liveThreads counts the threads of p that have not exited. Callers hold
// the scheduler lock.
func (s *Scheduler) liveThreads(p *Process) int {
	n := 0
	for _, tid := range p.threads {
		if s.threads[tid].state != StateZombie {
			n++
		}
	}
	return n
}
