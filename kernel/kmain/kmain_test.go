package kmain

import (
	"testing"

	"rvkern/kernel/cpu"
	"rvkern/kernel/hal/dtb"
	"rvkern/kernel/mm"
	"rvkern/kernel/mm/vmm"
	"rvkern/kernel/syscall"
	"rvkern/kernel/task"
	"rvkern/kernel/trap"
)

const (
	testRAMBase = uint64(0x80000000)
	testRAMSize = uint64(8 << 20)
	testEntry   = uintptr(0x10000)
	testStack   = uintptr(0x7f0000)
)

// virtBlob builds a device tree describing a qemu-virt style machine with
// the given number of harts.
func virtBlob(harts int) []byte {
	b := dtb.NewBuilder()
	b.BeginNode("")
	b.PropString("model", "riscv-virtio,qemu")
	b.PropU32("#address-cells", 2)
	b.PropU32("#size-cells", 2)

	b.BeginNode("cpus")
	b.PropU32("#address-cells", 1)
	b.PropU32("#size-cells", 0)
	for i := 0; i < harts; i++ {
		b.BeginNode("cpu@" + string(rune('0'+i)))
		b.PropString("device_type", "cpu")
		b.EndNode()
	}
	b.EndNode()

	b.BeginNode("memory@80000000")
	b.PropU64("reg", testRAMBase, testRAMSize)
	b.EndNode()

	b.BeginNode("serial@10000000")
	b.PropU64("reg", 0x10000000, 0x100)
	b.PropU32("interrupts", 10)
	b.EndNode()

	b.BeginNode("plic@c000000")
	b.PropU64("reg", 0xc000000, 0x210000)
	b.EndNode()

	b.BeginNode("clint@2000000")
	b.PropU64("reg", 0x2000000, 0x10000)
	b.EndNode()

	b.BeginNode("rtc@101000")
	b.PropU64("reg", 0x101000, 0x1000)
	b.PropU32("interrupts", 11)
	b.EndNode()

	b.EndNode()
	return b.Blob()
}

func boot(t *testing.T, harts int) *Kernel {
	t.Helper()

	k, err := Boot(virtBlob(harts), nil)
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	return k
}

// startInit places PID 1 on a core and dispatches it with a timer tick so
// the returned register file holds its context.
func startInit(t *testing.T, k *Kernel, regs *cpu.Context) task.PID {
	t.Helper()

	pid, err := k.StartInit("init", task.ProcessImage{
		Segments: []task.Segment{
			{Start: mm.PageFromAddress(testEntry), Pages: 2, Flags: vmm.FlagRead | vmm.FlagExec | vmm.FlagUser, Backing: vmm.Anon()},
			{Start: mm.PageFromAddress(testStack) - 2, Pages: 2, Flags: vmm.FlagRead | vmm.FlagWrite | vmm.FlagUser, Backing: vmm.Anon()},
		},
		Entry:    testEntry,
		StackTop: testStack,
	})
	if err != nil {
		t.Fatalf("StartInit: %v", err)
	}

	k.Traps.Deliver(0, trap.IntTimer, 0, regs)
	if cur := k.Sched.Current(0); cur == nil || cur.Owner() != pid {
		t.Fatalf("expected init to occupy core 0 after the first tick")
	}
	return pid
}

// ecall delivers a syscall trap on core 0 and returns the value left in A0.
func ecall(k *Kernel, regs *cpu.Context, num syscall.Number, args ...uint64) int64 {
	regs.A7 = uint64(num)
	regs.A0, regs.A1, regs.A2 = 0, 0, 0
	if len(args) > 0 {
		regs.A0 = args[0]
	}
	if len(args) > 1 {
		regs.A1 = args[1]
	}
	if len(args) > 2 {
		regs.A2 = args[2]
	}

	k.Traps.Deliver(0, trap.ExcEcallUser, 0, regs)
	return int64(regs.A0)
}

func TestBootFromDeviceTree(t *testing.T) {
	k := boot(t, 2)

	if k.Machine.Model != "riscv-virtio,qemu" {
		t.Errorf("expected model to be riscv-virtio,qemu; got %s", k.Machine.Model)
	}
	if k.Sched.Cores() != 2 {
		t.Errorf("expected the scheduler to drive 2 cores; got %d", k.Sched.Cores())
	}
	if got := len(k.Locals); got != 2 {
		t.Errorf("expected 2 per-hart locals; got %d", got)
	}
	for i, l := range k.Locals {
		if !l.InterruptsEnabled() {
			t.Errorf("expected hart %d to leave Boot with interrupts enabled", i)
		}
	}
}

func TestBootKernelSpaceWindows(t *testing.T) {
	k := boot(t, 1)

	// RAM and mmio windows are identity mapped; pmm rounds the RAM base
	// inward so probe past the first page.
	specs := []uintptr{
		uintptr(testRAMBase) + uintptr(mm.PageSize),
		0x10000000, // uart
		0xc000000,  // plic
		0x2000000,  // clint
		0x101000,   // rtc
	}

	for _, virt := range specs {
		pa, _, err := k.Space.Translate(virt)
		if err != nil {
			t.Errorf("Translate(0x%x): %v", virt, err)
			continue
		}
		if pa != virt {
			t.Errorf("expected 0x%x to identity map; got 0x%x", virt, pa)
		}
	}
}

func TestBootErrors(t *testing.T) {
	noMemory := dtb.NewBuilder()
	noMemory.BeginNode("")
	noMemory.BeginNode("cpus")
	noMemory.BeginNode("cpu@0")
	noMemory.EndNode()
	noMemory.EndNode()
	noMemory.EndNode()

	noHarts := dtb.NewBuilder()
	noHarts.BeginNode("")
	noHarts.PropU32("#address-cells", 2)
	noHarts.PropU32("#size-cells", 2)
	noHarts.BeginNode("memory@80000000")
	noHarts.PropU64("reg", testRAMBase, testRAMSize)
	noHarts.EndNode()
	noHarts.EndNode()

	specs := []struct {
		descr string
		blob  []byte
		want  error
	}{
		{"truncated blob", []byte{0xd0, 0x0d}, dtb.ErrTruncated},
		{"no memory node", noMemory.Blob(), errNoMemory},
		{"no cpu nodes", noHarts.Blob(), errNoHarts},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			if _, err := Boot(spec.blob, nil); err != spec.want {
				t.Fatalf("expected Boot to fail with %v; got %v", spec.want, err)
			}
		})
	}
}

func TestSyscallGetPID(t *testing.T) {
	k := boot(t, 1)

	var regs cpu.Context
	pid := startInit(t, k, &regs)

	if got := ecall(k, &regs, syscall.SysGetPID); got != int64(uint32(pid)) {
		t.Fatalf("expected getpid to return %d; got %d", pid, got)
	}
}

func TestSyscallUnknownNumber(t *testing.T) {
	k := boot(t, 1)

	var regs cpu.Context
	startInit(t, k, &regs)

	if got := ecall(k, &regs, syscall.Number(9999)); got != syscall.ENOSYS.Ret() {
		t.Fatalf("expected -ENOSYS for an unknown number; got %d", got)
	}
}

func TestSyscallMmapMunmap(t *testing.T) {
	k := boot(t, 1)

	var regs cpu.Context
	startInit(t, k, &regs)

	const mapAddr = uint64(0x40000000)
	if got := ecall(k, &regs, syscall.SysMmap, mapAddr, 2*uint64(mm.PageSize), syscall.ProtRead|syscall.ProtWrite); got != int64(mapAddr) {
		t.Fatalf("expected mmap to return 0x%x; got %d", mapAddr, got)
	}

	// The region is demand-zero: a store fault inside it must resolve.
	k.Traps.Deliver(0, trap.ExcStorePageFault, uintptr(mapAddr), &regs)
	space := k.Sched.ActiveSpace(0)
	if _, _, err := space.Translate(uintptr(mapAddr)); err != nil {
		t.Fatalf("expected the faulted page to be mapped; got %v", err)
	}

	// Mapping it again must fail without touching the region.
	if got := ecall(k, &regs, syscall.SysMmap, mapAddr, uint64(mm.PageSize), syscall.ProtRead); got != syscall.EEXIST.Ret() {
		t.Fatalf("expected -EEXIST for an overlapping mmap; got %d", got)
	}

	if got := ecall(k, &regs, syscall.SysMunmap, mapAddr, 2*uint64(mm.PageSize)); got != 0 {
		t.Fatalf("expected munmap to return 0; got %d", got)
	}
	if _, _, err := space.Translate(uintptr(mapAddr)); err != vmm.ErrUnmapped {
		t.Fatalf("expected the unmapped address to report ErrUnmapped; got %v", err)
	}

	if got := ecall(k, &regs, syscall.SysMunmap, mapAddr, uint64(mm.PageSize)); got != syscall.EFAULT.Ret() {
		t.Fatalf("expected -EFAULT for an already unmapped range; got %d", got)
	}
}

func TestSyscallForkWaitExit(t *testing.T) {
	k := boot(t, 1)

	var regs cpu.Context
	initPID := startInit(t, k, &regs)

	childPID := ecall(k, &regs, syscall.SysFork)
	if childPID <= int64(uint32(initPID)) {
		t.Fatalf("expected fork to return a fresh child PID; got %d", childPID)
	}

	// With the child ready but alive, wait must park init and run the
	// child instead.
	regs.A7 = uint64(syscall.SysWait)
	k.Traps.Deliver(0, trap.ExcEcallUser, 0, &regs)
	cur := k.Sched.Current(0)
	if cur == nil || cur.Owner() != task.PID(childPID) {
		t.Fatal("expected wait to dispatch the forked child")
	}

	// The child inherited the parent's registers with A0 forced to zero,
	// so it resumes as if its own fork call returned 0.
	if regs.A0 != 0 {
		t.Fatalf("expected the child to resume with A0 = 0; got %d", regs.A0)
	}

	const childStatus = 7
	ecall(k, &regs, syscall.SysExit, childStatus)

	// The exit completed init's wait: it is running again with the child
	// PID in A0 and the status in A1.
	cur = k.Sched.Current(0)
	if cur == nil || cur.Owner() != initPID {
		t.Fatal("expected the child exit to resume the waiting parent")
	}
	if int64(regs.A0) != childPID {
		t.Fatalf("expected wait to return pid %d; got %d", childPID, regs.A0)
	}
	if regs.A1 != childStatus {
		t.Fatalf("expected wait to report status %d; got %d", childStatus, regs.A1)
	}

	if got := ecall(k, &regs, syscall.SysWait); got != syscall.ECHILD.Ret() {
		t.Fatalf("expected -ECHILD with no children left; got %d", got)
	}
}

func TestSyscallSpawnThreadAndYield(t *testing.T) {
	k := boot(t, 1)

	var regs cpu.Context
	startInit(t, k, &regs)

	const entry, stack = uint64(0x11000), uint64(0x7e0000)
	tid := ecall(k, &regs, syscall.SysSpawnThread, entry, stack, 42)
	if tid <= 0 {
		t.Fatalf("expected spawn_thread to return a fresh TID; got %d", tid)
	}

	// Yield hands the core to the spawned thread with its entry state.
	regs.A7 = uint64(syscall.SysYield)
	k.Traps.Deliver(0, trap.ExcEcallUser, 0, &regs)
	if regs.SEPC != entry || regs.SP != stack || regs.A0 != 42 {
		t.Fatalf("expected the spawned thread to run at 0x%x with sp 0x%x, a0 42; got sepc 0x%x, sp 0x%x, a0 %d",
			entry, stack, regs.SEPC, regs.SP, regs.A0)
	}

	// It exits; the next runnable thread is init, whose yield returned 0.
	ecall(k, &regs, syscall.SysExit, 0)
	if cur := k.Sched.Current(0); cur == nil || cur.ID() != 1 {
		t.Fatal("expected init's main thread to resume after the spawned thread exited")
	}
	if regs.A0 != 0 {
		t.Fatalf("expected init's yield to have returned 0; got %d", regs.A0)
	}
}

func TestSyscallSleep(t *testing.T) {
	k := boot(t, 1)

	var regs cpu.Context
	pid := startInit(t, k, &regs)

	deadline := k.Sched.Now() + 3
	regs.A7 = uint64(syscall.SysSleep)
	regs.A0 = deadline
	k.Traps.Deliver(0, trap.ExcEcallUser, 0, &regs)

	if cur := k.Sched.Current(0); cur != nil {
		t.Fatal("expected the core to idle while its only thread sleeps")
	}

	for i := uint64(0); i < 3; i++ {
		k.Traps.Deliver(0, trap.IntTimer, 0, &regs)
	}
	cur := k.Sched.Current(0)
	if cur == nil || cur.Owner() != pid {
		t.Fatal("expected the sleeper to be running again after its deadline")
	}
	if regs.A0 != 0 {
		t.Fatalf("expected sleep to have returned 0; got %d", regs.A0)
	}
}
