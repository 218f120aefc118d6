package task

import (
	"rvkern/kernel/mm/vmm"
)

// Process groups the threads that share one address space and descriptor
// table. All fields are guarded by the scheduler lock.
type Process struct {
	id     PID
	parent PID
	name   string

	space *vmm.AddressSpace
	fds   *FDTable

	threads  []TID
	children []PID

	// A process turns zombie when its last thread exits. It keeps its
	// table slot, exit status and zombie threads until the parent reaps
	// it; orphans are handed to init first.
	zombie bool
	status int32

	// killStatus is the exit status a Kill imposes on threads that were
	// running on another core and retire at their next trap checkpoint.
	killStatus int32

	// Threads of this process blocked in Wait for a child to exit.
	waiters tqueue
}

// ID returns the process identifier.
func (p *Process) ID() PID {
	return p.id
}

// Parent returns the identifier of the process that created (or adopted)
// this one.
func (p *Process) Parent() PID {
	return p.parent
}

// Name returns the diagnostic name given at creation.
func (p *Process) Name() string {
	return p.name
}

// Space returns the process's address space.
func (p *Process) Space() *vmm.AddressSpace {
	return p.space
}

// Files returns the process's descriptor table.
func (p *Process) Files() *FDTable {
	return p.fds
}

func (p *Process) removeThread(id TID) {
	for i, tid := range p.threads {
		if tid == id {
			p.threads = append(p.threads[:i], p.threads[i+1:]...)
			return
		}
	}
}

func (p *Process) removeChild(id PID) {
	for i, pid := range p.children {
		if pid == id {
			p.children = append(p.children[:i], p.children[i+1:]...)
			return
		}
	}
}
