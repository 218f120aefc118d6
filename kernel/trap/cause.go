// Package trap routes every trap a core takes: system calls, page faults,
// timer ticks and external interrupts. The embedder forwards each raw trap
// to Dispatcher.Deliver together with the trapping thread's register file
// and resumes whatever context the dispatcher leaves behind.
package trap

// Cause is a raw RISC-V scause value: bit 63 distinguishes asynchronous
// interrupts from synchronous exceptions, the low bits carry the code.
type Cause uint64

// interruptBit flags Cause values that are asynchronous interrupts.
const interruptBit = Cause(1) << 63

// Exception causes (interrupt bit clear).
const (
	// ExcInstrMisaligned is an instruction fetch from a misaligned
	// address.
	ExcInstrMisaligned = Cause(0)

	// ExcInstrAccessFault is an instruction fetch rejected by a PMP or
	// bus error.
	ExcInstrAccessFault = Cause(1)

	// ExcIllegalInstr is an illegal or unimplemented instruction.
	ExcIllegalInstr = Cause(2)

	// ExcBreakpoint is an ebreak instruction.
	ExcBreakpoint = Cause(3)

	// ExcLoadMisaligned is a misaligned data load.
	ExcLoadMisaligned = Cause(4)

	// ExcLoadAccessFault is a data load rejected by a PMP or bus error.
	ExcLoadAccessFault = Cause(5)

	// ExcStoreMisaligned is a misaligned data store or AMO.
	ExcStoreMisaligned = Cause(6)

	// ExcStoreAccessFault is a data store or AMO rejected by a PMP or bus
	// error.
	ExcStoreAccessFault = Cause(7)

	// ExcEcallUser is an environment call from U-mode: a system call.
	ExcEcallUser = Cause(8)

	// ExcEcallSupervisor is an environment call from S-mode.
	ExcEcallSupervisor = Cause(9)

	// ExcInstrPageFault is a page fault on instruction fetch.
	ExcInstrPageFault = Cause(12)

	// ExcLoadPageFault is a page fault on a data load.
	ExcLoadPageFault = Cause(13)

	// ExcStorePageFault is a page fault on a data store or AMO.
	ExcStorePageFault = Cause(15)
)

// Interrupt causes (interrupt bit set).
const (
	// IntSoftware is a supervisor software interrupt, raised hart to
	// hart.
	IntSoftware = interruptBit | Cause(1)

	// IntTimer is a supervisor timer interrupt.
	IntTimer = interruptBit | Cause(5)

	// IntExternal is a supervisor external interrupt routed through the
	// interrupt controller.
	IntExternal = interruptBit | Cause(9)
)

// IsInterrupt reports whether c is an asynchronous interrupt.
func (c Cause) IsInterrupt() bool { return c&interruptBit != 0 }

// Code returns the cause code with the interrupt bit stripped.
func (c Cause) Code() uint64 { return uint64(c &^ interruptBit) }

// String implements fmt.Stringer.
func (c Cause) String() string {
	switch c {
	case ExcInstrMisaligned:
		return "instruction address misaligned"
	case ExcInstrAccessFault:
		return "instruction access fault"
	case ExcIllegalInstr:
		return "illegal instruction"
	case ExcBreakpoint:
		return "breakpoint"
	case ExcLoadMisaligned:
		return "load address misaligned"
	case ExcLoadAccessFault:
		return "load access fault"
	case ExcStoreMisaligned:
		return "store address misaligned"
	case ExcStoreAccessFault:
		return "store access fault"
	case ExcEcallUser:
		return "environment call from U-mode"
	case ExcEcallSupervisor:
		return "environment call from S-mode"
	case ExcInstrPageFault:
		return "instruction page fault"
	case ExcLoadPageFault:
		return "load page fault"
	case ExcStorePageFault:
		return "store page fault"
	case IntSoftware:
		return "supervisor software interrupt"
	case IntTimer:
		return "supervisor timer interrupt"
	case IntExternal:
		return "supervisor external interrupt"
	}

	if c.IsInterrupt() {
		return "unknown interrupt"
	}
	return "unknown exception"
}
