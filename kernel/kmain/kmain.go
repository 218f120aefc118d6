// Package kmain assembles the kernel out of its subsystems. Boot runs
// exactly once: it parses the device tree the boot environment hands over,
// sizes the physical frame allocator from the RAM window it describes,
// builds the kernel address space, and wires the scheduler, the syscall
// table and the trap dispatcher together. The Kernel value it returns is
// the embedder's handle to everything; there is no ambient kernel state
// and no teardown, as the kernel lives for the machine's uptime.
package kmain

import (
	"rvkern/kernel"
	"rvkern/kernel/cpu"
	"rvkern/kernel/driver"
	"rvkern/kernel/hal/dtb"
	"rvkern/kernel/kfmt"
	"rvkern/kernel/mm"
	"rvkern/kernel/mm/pmm"
	"rvkern/kernel/mm/vmm"
	"rvkern/kernel/syscall"
	"rvkern/kernel/task"
	"rvkern/kernel/trap"
)

var (
	errNoHarts  = &kernel.Error{Module: "kmain", Message: "device tree describes no cpu nodes"}
	errNoMemory = &kernel.Error{Module: "kmain", Message: "device tree describes no memory node"}
)

// Kernel bundles the booted subsystems. Embedders drive it by delivering
// traps through Traps and reading per-core state back out of Sched; all
// cross-subsystem wiring happened in Boot and the fields are not meant to
// be reassigned afterwards.
type Kernel struct {
	// Machine is the description extracted from the boot device tree.
	Machine *dtb.MachineInfo

	// Frames owns all of physical memory.
	Frames *pmm.Allocator

	// Space is the kernel address space: the RAM window and the device
	// mmio windows, identity mapped and global.
	Space *vmm.AddressSpace

	// Sched owns the process and thread tables and the per-core run
	// queues.
	Sched *task.Scheduler

	// Locals holds the per-hart interrupt state, indexed by hart ID.
	Locals []*cpu.Local

	// Drivers routes claimed external interrupt lines.
	Drivers *driver.Registry

	// Syscalls is the dispatch table. Boot binds the handlers of the
	// core calls; embedders may register more before delivering traps.
	Syscalls *syscall.Table

	// Traps is the entry point every trap is delivered through.
	Traps *trap.Dispatcher
}

// Boot initializes the kernel from a flattened device tree blob. irqs is
// the interrupt-controller collaborator external interrupts are claimed
// from; machines without one may pass nil as long as no external interrupt
// is ever delivered.
func Boot(blob []byte, irqs trap.IRQSource) (*Kernel, *kernel.Error) {
	machine, err := dtb.Parse(blob)
	if err != nil {
		return nil, err
	}
	if machine.Harts == 0 {
		return nil, errNoHarts
	}
	if machine.Memory.Size == 0 {
		return nil, errNoMemory
	}

	kfmt.Printf("[kmain] %s: %d hart(s), %d KB RAM at 0x%x\n",
		machine.Model, machine.Harts, machine.Memory.Size>>10, uint64(machine.Memory.Start))

	frames, err := pmm.New(machine.Memory.Start, mm.Size(machine.Memory.Size))
	if err != nil {
		return nil, err
	}

	space, err := kernelSpace(machine, frames)
	if err != nil {
		return nil, err
	}

	locals := make([]*cpu.Local, machine.Harts)
	for i := range locals {
		locals[i] = cpu.NewLocal(uint32(i))
	}

	k := &Kernel{
		Machine:  machine,
		Frames:   frames,
		Space:    space,
		Sched:    task.New(machine.Harts, task.DefaultMaxProcesses, task.DefaultMaxThreads, frames),
		Locals:   locals,
		Drivers:  driver.NewRegistry(),
		Syscalls: syscall.NewTable(),
	}
	if err = k.registerSyscalls(); err != nil {
		return nil, err
	}
	k.Traps = trap.NewDispatcher(k.Sched, k.Syscalls, k.Drivers, irqs, locals)

	// Init is in place; from here on the harts may take interrupts.
	for _, l := range locals {
		l.EnableInterrupts()
	}
	return k, nil
}

// StartInit starts the first process from img. It is a thin wrapper over
// the scheduler kept here so embedders boot with exactly two calls; the
// first process started becomes init (PID 1) and must never exit.
func (k *Kernel) StartInit(name string, img task.ProcessImage) (task.PID, *kernel.Error) {
	return k.Sched.StartProcess(name, img)
}

// kernelSpace builds the address space active while a core idles: the
// managed RAM window plus each device mmio window described by the device
// tree, identity mapped with global entries.
func kernelSpace(machine *dtb.MachineInfo, frames *pmm.Allocator) (*vmm.AddressSpace, *kernel.Error) {
	space, err := vmm.NewAddressSpace(frames)
	if err != nil {
		return nil, err
	}

	if err = mapWindow(space, machine.Memory, vmm.FlagRead|vmm.FlagWrite|vmm.FlagExec|vmm.FlagGlobal); err != nil {
		space.Release()
		return nil, err
	}

	mmio := []dtb.Range{machine.PLIC, machine.CLINT, machine.RTC.Reg}
	for _, u := range machine.UARTs {
		mmio = append(mmio, u.Reg)
	}
	for _, w := range mmio {
		if w.Size == 0 {
			continue
		}
		if err = mapWindow(space, w, vmm.FlagRead|vmm.FlagWrite|vmm.FlagGlobal); err != nil {
			space.Release()
			return nil, err
		}
	}
	return space, nil
}

// mapWindow identity maps a physical window, widened outward to page
// boundaries.
func mapWindow(space *vmm.AddressSpace, w dtb.Range, flags vmm.EntryFlag) *kernel.Error {
	start := w.Start & ^(mm.PageSize - 1)
	end := (w.End() + mm.PageSize - 1) & ^(mm.PageSize - 1)

	return space.Map(mm.PageFromAddress(start), uint64(end-start)>>mm.PageShift,
		flags, vmm.PhysWindow(mm.FrameFromAddress(start)))
}

// registerSyscalls binds the handlers backed by the scheduler and the VMM.
// The externally generated portion of the table is registered by the
// embedder on top of these.
func (k *Kernel) registerSyscalls() *kernel.Error {
	calls := []struct {
		num  syscall.Number
		name string
		fn   syscall.Handler
	}{
		{syscall.SysExit, "exit", k.sysExit},
		{syscall.SysSleep, "sleep", k.sysSleep},
		{syscall.SysYield, "yield", k.sysYield},
		{syscall.SysGetPID, "getpid", k.sysGetPID},
		{syscall.SysMunmap, "munmap", k.sysMunmap},
		{syscall.SysFork, "fork", k.sysFork},
		{syscall.SysMmap, "mmap", k.sysMmap},
		{syscall.SysWait, "wait", k.sysWait},
		{syscall.SysSpawnThread, "spawn_thread", k.sysSpawnThread},
	}

	for _, c := range calls {
		if err := k.Syscalls.Register(c.num, c.name, c.fn); err != nil {
			return err
		}
	}
	return nil
}

// sysExit retires the calling thread; its status becomes the process exit
// status if it is the last one. The call never returns to the caller, so
// it always reports the register file as handed off.
func (k *Kernel) sysExit(core int, regs *cpu.Context) (int64, bool) {
	k.Sched.Exit(core, regs, int32(uint32(regs.A0)))
	return 0, true
}

// sysSleep parks the caller until the wall tick in A0. The zero result is
// deposited before the thread is parked since the register file belongs to
// someone else once SleepUntil dispatches.
func (k *Kernel) sysSleep(core int, regs *cpu.Context) (int64, bool) {
	deadline := regs.A0
	regs.A0 = 0
	k.Sched.SleepUntil(core, regs, deadline)
	return 0, true
}

func (k *Kernel) sysYield(core int, regs *cpu.Context) (int64, bool) {
	regs.A0 = 0
	k.Sched.Yield(core, regs)
	return 0, true
}

func (k *Kernel) sysGetPID(core int, regs *cpu.Context) (int64, bool) {
	cur := k.Sched.Current(core)
	if cur == nil {
		return syscall.EINVAL.Ret(), false
	}
	return int64(uint32(cur.Owner())), false
}

// sysFork clones the calling process copy-on-write. The parent sees the
// child PID; the child's saved context already reads zero in A0.
func (k *Kernel) sysFork(core int, regs *cpu.Context) (int64, bool) {
	pid, err := k.Sched.Fork(core, regs)
	if err != nil {
		return errnoRet(err), false
	}
	return int64(uint32(pid)), false
}

// sysWait reaps one exited child: the child PID is returned and its status
// placed in A1. With live children only, the caller blocks and receives
// both values once a child exits; with no children it fails with ECHILD.
func (k *Kernel) sysWait(core int, regs *cpu.Context) (int64, bool) {
	pid, status, ok, err := k.Sched.Wait(core, regs)
	if err != nil {
		return errnoRet(err), false
	}
	if !ok {
		return 0, true
	}

	regs.A1 = uint64(uint32(status))
	return int64(uint32(pid)), false
}

// sysSpawnThread starts a thread in the calling process at entry A0 with
// stack pointer A1 and argument A2, returning its TID.
func (k *Kernel) sysSpawnThread(core int, regs *cpu.Context) (int64, bool) {
	tid, err := k.Sched.SpawnThread(core, uintptr(regs.A0), uintptr(regs.A1), regs.A2)
	if err != nil {
		return errnoRet(err), false
	}
	return int64(uint32(tid)), false
}

// sysMmap maps a demand-zero anonymous region at page-aligned address A0
// spanning A1 bytes with PROT_* bits in A2, returning the address.
func (k *Kernel) sysMmap(core int, regs *cpu.Context) (int64, bool) {
	addr, length, prot := uintptr(regs.A0), regs.A1, regs.A2
	if addr&(mm.PageSize-1) != 0 || length == 0 {
		return syscall.EINVAL.Ret(), false
	}

	var flags vmm.EntryFlag = vmm.FlagUser
	if prot&syscall.ProtRead != 0 {
		flags |= vmm.FlagRead
	}
	if prot&syscall.ProtWrite != 0 {
		flags |= vmm.FlagWrite
	}
	if prot&syscall.ProtExec != 0 {
		flags |= vmm.FlagExec
	}

	space := k.Sched.ActiveSpace(core)
	if space == nil {
		return syscall.EINVAL.Ret(), false
	}

	pages := (length + uint64(mm.PageSize) - 1) >> mm.PageShift
	if err := space.Map(mm.PageFromAddress(addr), pages, flags, vmm.AnonOnDemand()); err != nil {
		return errnoRet(err), false
	}
	return int64(addr), false
}

// sysMunmap removes the region spanning A1 bytes at page-aligned address
// A0 from the calling process.
func (k *Kernel) sysMunmap(core int, regs *cpu.Context) (int64, bool) {
	addr, length := uintptr(regs.A0), regs.A1
	if addr&(mm.PageSize-1) != 0 || length == 0 {
		return syscall.EINVAL.Ret(), false
	}

	space := k.Sched.ActiveSpace(core)
	if space == nil {
		return syscall.EINVAL.Ret(), false
	}

	pages := (length + uint64(mm.PageSize) - 1) >> mm.PageShift
	if err := space.Unmap(mm.PageFromAddress(addr), pages); err != nil {
		return errnoRet(err), false
	}
	return 0, false
}

// errnoRet translates a kernel error into the negated errno handed back to
// user space. Frame pool exhaustion surfaces as ENOMEM whichever pool ran
// dry.
func errnoRet(err *kernel.Error) int64 {
	switch err {
	case task.ErrTooManyProcesses, task.ErrTooManyThreads:
		return syscall.EAGAIN.Ret()
	case task.ErrNoChildren:
		return syscall.ECHILD.Ret()
	case vmm.ErrOverlap:
		return syscall.EEXIST.Ret()
	case vmm.ErrUnmapped:
		return syscall.EFAULT.Ret()
	}
	if err.Module == "pmm" {
		return syscall.ENOMEM.Ret()
	}
	return syscall.EINVAL.Ret()
}
