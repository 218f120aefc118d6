package cpu

import (
	"io"

	"rvkern/kernel/kfmt"
)

// Context holds the integer register state of a thread at the moment it left
// the CPU: the 31 RISC-V general purpose registers by ABI name plus the
// supervisor exception program counter. The scheduler copies Context values
// verbatim during a context switch; the trap layer reads syscall arguments
// out of A0-A7 and writes results back into A0 in place.
type Context struct {
	RA, SP, GP, TP                           uint64
	T0, T1, T2                               uint64
	S0, S1                                   uint64
	A0, A1, A2, A3, A4, A5, A6, A7           uint64
	S2, S3, S4, S5, S6, S7, S8, S9, S10, S11 uint64
	T3, T4, T5, T6                           uint64

	// SEPC holds the address execution resumes at when this context next
	// enters the CPU.
	SEPC uint64
}

// DumpTo outputs the register state to w in the layout used by kernel fault
// reports.
func (c *Context) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "sepc = %16x\n", c.SEPC)
	kfmt.Fprintf(w, "ra   = %16x  sp   = %16x  gp   = %16x  tp   = %16x\n", c.RA, c.SP, c.GP, c.TP)
	kfmt.Fprintf(w, "t0   = %16x  t1   = %16x  t2   = %16x\n", c.T0, c.T1, c.T2)
	kfmt.Fprintf(w, "s0   = %16x  s1   = %16x\n", c.S0, c.S1)
	kfmt.Fprintf(w, "a0   = %16x  a1   = %16x  a2   = %16x  a3   = %16x\n", c.A0, c.A1, c.A2, c.A3)
	kfmt.Fprintf(w, "a4   = %16x  a5   = %16x  a6   = %16x  a7   = %16x\n", c.A4, c.A5, c.A6, c.A7)
	kfmt.Fprintf(w, "s2   = %16x  s3   = %16x  s4   = %16x  s5   = %16x\n", c.S2, c.S3, c.S4, c.S5)
	kfmt.Fprintf(w, "s6   = %16x  s7   = %16x  s8   = %16x  s9   = %16x\n", c.S6, c.S7, c.S8, c.S9)
	kfmt.Fprintf(w, "s10  = %16x  s11  = %16x\n", c.S10, c.S11)
	kfmt.Fprintf(w, "t3   = %16x  t4   = %16x  t5   = %16x  t6   = %16x\n", c.T3, c.T4, c.T5, c.T6)
}
