// Package syscall defines the system call numbering, the errno convention
// and the dispatch table the trap layer consults on an environment call.
// The table is populated once during boot; handlers run on the trapping
// core with interrupts masked.
package syscall

import (
	"rvkern/kernel"
	"rvkern/kernel/cpu"
)

// Number identifies a system call. The values follow the Linux riscv64
// numbering so user code built against standard headers needs no
// translation; calls with no Linux equivalent are numbered from 1001 up.
type Number uint64

const (
	// SysExit terminates the calling thread. When it is the last live
	// thread its status becomes the process exit status.
	SysExit Number = 93

	// SysSleep parks the calling thread until a wall tick deadline
	// passes (Linux numbering: nanosleep).
	SysSleep Number = 101

	// SysYield surrenders the rest of the caller's time slice (Linux
	// numbering: sched_yield).
	SysYield Number = 124

	// SysGetPID returns the caller's process identifier.
	SysGetPID Number = 172

	// SysMunmap removes a mapped region from the caller's address space.
	SysMunmap Number = 215

	// SysFork clones the calling process copy-on-write (Linux numbering:
	// clone).
	SysFork Number = 220

	// SysMmap maps an anonymous region into the caller's address space.
	SysMmap Number = 222

	// SysWait reaps one exited child, blocking until one exists (Linux
	// numbering: wait4).
	SysWait Number = 260

	// SysSpawnThread starts another thread inside the calling process at
	// a given entry point and stack.
	SysSpawnThread Number = 1001
)

// Protection bits accepted by mmap, matching the Linux PROT_* values.
const (
	ProtRead  = 0x1
	ProtWrite = 0x2
	ProtExec  = 0x4
)

// Errno is a Linux-compatible error number. Handlers report failure by
// returning the negated errno, which the trap layer writes to A0.
type Errno int64

const (
	// EBADF: file descriptor out of range or not open.
	EBADF Errno = 9

	// ECHILD: the caller has no children to wait for.
	ECHILD Errno = 10

	// EAGAIN: a task table is full.
	EAGAIN Errno = 11

	// ENOMEM: out of physical frames.
	ENOMEM Errno = 12

	// EFAULT: address outside the caller's mapped regions.
	EFAULT Errno = 14

	// EEXIST: the requested mapping overlaps an existing region.
	EEXIST Errno = 17

	// EINVAL: malformed argument.
	EINVAL Errno = 22

	// ENOSYS: no handler registered for the syscall number.
	ENOSYS Errno = 38
)

// Ret returns the register value carrying e back to the caller.
func (e Errno) Ret() int64 { return -int64(e) }

// Handler executes one system call on the trapping core. regs is the full
// register file of the calling thread: arguments are read out of A0..A5
// and the returned ret value is written to A0 by the trap layer. A handler
// that suspends the caller (a blocking wait, an exit) dispatches another
// thread into regs and reports suspended=true; the trap layer then leaves
// A0 alone since the register file no longer belongs to the caller. Any
// result owed to a suspended caller must be deposited into its saved
// context before it is parked.
type Handler func(core int, regs *cpu.Context) (ret int64, suspended bool)

// ErrAlreadyRegistered is returned when a syscall number is bound twice.
var ErrAlreadyRegistered = &kernel.Error{Module: "syscall", Message: "a handler is already registered for this syscall number"}

// Table maps syscall numbers to handlers. All registrations happen during
// boot before the first trap can be delivered, so lookups do not lock.
type Table struct {
	handlers map[Number]Handler
	names    map[Number]string
}

// NewTable returns an empty syscall table.
func NewTable() *Table {
	return &Table{
		handlers: make(map[Number]Handler),
		names:    make(map[Number]string),
	}
}

// Register binds fn to num. The name appears in the trap layer's syscall
// trace output.
func (tbl *Table) Register(num Number, name string, fn Handler) *kernel.Error {
	if _, exists := tbl.handlers[num]; exists {
		return ErrAlreadyRegistered
	}

	tbl.handlers[num] = fn
	tbl.names[num] = name
	return nil
}

// Lookup returns the handler bound to num.
func (tbl *Table) Lookup(num Number) (Handler, bool) {
	fn, ok := tbl.handlers[num]
	return fn, ok
}

// Name returns the name num was registered under, or "?" when nothing is
// bound to it.
func (tbl *Table) Name(num Number) string {
	if name, ok := tbl.names[num]; ok {
		return name
	}
	return "?"
}
