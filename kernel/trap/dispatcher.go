package trap

import (
	"rvkern/kernel"
	"rvkern/kernel/cpu"
	"rvkern/kernel/driver"
	"rvkern/kernel/kfmt"
	"rvkern/kernel/mm/vmm"
	"rvkern/kernel/syscall"
	"rvkern/kernel/task"
)

// fatalFn is swapped out by tests that exercise unrecoverable paths.
var fatalFn = kernel.Fatal

var errUnhandledTrap = &kernel.Error{Module: "trap", Message: "unhandled trap cause"}

// FaultExitStatus is the exit status of processes terminated by an
// unresolvable page fault. It follows the 128+SIGSEGV convention user
// space expects out of wait.
const FaultExitStatus = 139

// IRQSource is the interrupt-controller side of external interrupt
// delivery. The dispatcher claims pending lines from it one at a time and
// completes each once its driver has run. On qemu-virt class machines this
// is the PLIC claim/complete register pair.
type IRQSource interface {
	// Claim returns the highest-priority pending interrupt line targeting
	// core, if any.
	Claim(core int) (irq uint32, ok bool)

	// Complete signals that a claimed line has been serviced and may be
	// raised again.
	Complete(core int, irq uint32)
}

// Dispatcher routes the traps taken by every core. It is the only
// component that sees the scheduler, the syscall table and the driver
// registry together; those packages stay decoupled from one another.
type Dispatcher struct {
	sched   *task.Scheduler
	table   *syscall.Table
	drivers *driver.Registry
	irqs    IRQSource
	locals  []*cpu.Local

	// pendingTick records a timer interrupt that arrived while the core
	// had interrupts masked. It is replayed by the first trap return that
	// finds the core unmasked again.
	pendingTick []bool

	// Trace enables per-syscall logging through kfmt.
	Trace bool
}

// NewDispatcher wires a dispatcher to the per-core state it routes between.
// locals must hold one entry per scheduler core.
func NewDispatcher(sched *task.Scheduler, table *syscall.Table, drivers *driver.Registry, irqs IRQSource, locals []*cpu.Local) *Dispatcher {
	return &Dispatcher{
		sched:       sched,
		table:       table,
		drivers:     drivers,
		irqs:        irqs,
		locals:      locals,
		pendingTick: make([]bool, len(locals)),
	}
}

// Deliver routes one trap taken by core. For synchronous traps regs is the
// register file of the thread that trapped; Deliver may rewrite it to
// dispatch a different thread, and the caller must resume whatever context
// regs holds once Deliver returns. An interrupt delivered while the core
// is masked is not acted on: a timer tick is recorded for replay at the
// next unmasked trap return, an external line simply stays pending in the
// controller.
func (d *Dispatcher) Deliver(core int, cause Cause, stval uintptr, regs *cpu.Context) {
	local := d.locals[core]

	if cause.IsInterrupt() && !local.InterruptsEnabled() {
		if cause == IntTimer {
			d.pendingTick[core] = true
		}
		return
	}

	switch cause {
	case IntTimer:
		d.sched.Tick(core, regs)
	case IntExternal:
		d.external(core)
	case ExcEcallUser:
		d.syscall(core, regs)
	case ExcInstrPageFault, ExcLoadPageFault, ExcStorePageFault:
		d.pageFault(core, cause, stval, regs)
	default:
		d.unhandled(core, cause, stval, regs)
	}

	// Trap return checkpoint: retire the occupant if its process was
	// killed from another core while it ran, then replay a tick that
	// arrived masked.
	d.sched.CheckKilled(core, regs)
	if d.pendingTick[core] && local.InterruptsEnabled() {
		d.pendingTick[core] = false
		d.sched.Tick(core, regs)
	}
}

// external drains the interrupt controller, routing each claimed line to
// its driver. Lines nothing is registered for are still completed so an
// unclaimed interrupt cannot wedge the controller.
func (d *Dispatcher) external(core int) {
	for {
		irq, ok := d.irqs.Claim(core)
		if !ok {
			return
		}

		if !d.drivers.Dispatch(irq) {
			kfmt.Printf("[trap] core %d: no driver for irq %d\n", core, irq)
		}
		d.irqs.Complete(core, irq)
	}
}

// syscall handles an environment call from U-mode: number in A7, arguments
// in A0..A5, result back in A0.
func (d *Dispatcher) syscall(core int, regs *cpu.Context) {
	// The trapping instruction is the 4-byte ecall; resume past it no
	// matter how dispatch goes. A suspended caller keeps the advanced
	// value in its saved context.
	regs.SEPC += 4

	num := syscall.Number(regs.A7)
	handler, ok := d.table.Lookup(num)
	if !ok {
		if d.Trace {
			kfmt.Printf("[trap] core %d: unknown syscall %d\n", core, uint64(num))
		}
		regs.A0 = uint64(syscall.ENOSYS.Ret())
		return
	}

	if d.Trace {
		if cur := d.sched.Current(core); cur != nil {
			kfmt.Printf("[trap] core %d [%d, %d] syscall %s(0x%x, 0x%x, 0x%x)\n",
				core, uint32(cur.Owner()), uint32(cur.ID()), d.table.Name(num),
				regs.A0, regs.A1, regs.A2)
		}
	}

	local := d.locals[core]
	local.PushOff()
	ret, suspended := handler(core, regs)
	local.PopOff()

	if suspended {
		// regs now carries whatever thread the handler dispatched; the
		// caller's result is already in its saved context.
		return
	}

	regs.A0 = uint64(ret)
	if d.Trace {
		kfmt.Printf("[trap] core %d: %s = %d\n", core, d.table.Name(num), ret)
	}
}

// pageFault asks the faulting thread's address space to repair the access.
// Unresolvable faults terminate the process, never the kernel.
func (d *Dispatcher) pageFault(core int, cause Cause, stval uintptr, regs *cpu.Context) {
	cur := d.sched.Current(core)
	space := d.sched.ActiveSpace(core)
	if cur == nil || space == nil {
		// A page fault with no thread on the core means the kernel
		// itself faulted.
		d.unhandled(core, cause, stval, regs)
		return
	}

	var access vmm.Access
	switch cause {
	case ExcStorePageFault:
		access = vmm.AccessStore
	case ExcInstrPageFault:
		access = vmm.AccessFetch
	default:
		access = vmm.AccessLoad
	}

	outcome, err := space.HandleFault(stval, access)
	if outcome == vmm.FaultResolved {
		return
	}

	name := "?"
	if p, lerr := d.sched.Lookup(cur.Owner()); lerr == nil {
		name = p.Name()
	}
	kfmt.Printf("\n[trap] core %d: unresolvable %s fault at 0x%x: %s\n[trap] killing pid %d (%s)\n",
		core, access.String(), stval, err.Message, uint32(cur.Owner()), name)

	d.sched.Kill(core, regs, cur.Owner(), FaultExitStatus)
}

// unhandled dumps the trap and halts. Reaching this means the kernel is in
// an unknown state; unlike a process fault there is nothing safe to
// terminate instead.
func (d *Dispatcher) unhandled(core int, cause Cause, stval uintptr, regs *cpu.Context) {
	kfmt.Printf("\n[trap] core %d: %s (cause=0x%x, stval=0x%x)\nregisters:\n",
		core, cause.String(), uint64(cause), stval)
	regs.DumpTo(kfmt.Output)
	fatalFn(errUnhandledTrap)
}
