package syscall

import (
	"testing"

	"rvkern/kernel/cpu"
)

func TestTableRegisterAndLookup(t *testing.T) {
	tbl := NewTable()

	var gotCore int
	yield := func(core int, regs *cpu.Context) (int64, bool) {
		gotCore = core
		return 0, false
	}
	getpid := func(core int, regs *cpu.Context) (int64, bool) {
		return int64(regs.A7), false
	}

	if err := tbl.Register(SysYield, "yield", yield); err != nil {
		t.Fatalf("unexpected error registering yield: %v", err)
	}
	if err := tbl.Register(SysGetPID, "getpid", getpid); err != nil {
		t.Fatalf("unexpected error registering getpid: %v", err)
	}

	fn, ok := tbl.Lookup(SysYield)
	if !ok {
		t.Fatal("expected lookup of a registered number to succeed")
	}

	if ret, suspended := fn(2, &cpu.Context{}); ret != 0 || suspended {
		t.Fatalf("expected (0, false) from the yield handler; got (%d, %t)", ret, suspended)
	}
	if gotCore != 2 {
		t.Fatalf("expected handler to observe core 2; got %d", gotCore)
	}

	if _, ok = tbl.Lookup(SysExit); ok {
		t.Fatal("expected lookup of an unregistered number to fail")
	}
}

func TestTableRejectsDoubleRegistration(t *testing.T) {
	tbl := NewTable()

	nop := func(core int, regs *cpu.Context) (int64, bool) { return 0, false }

	if err := tbl.Register(SysExit, "exit", nop); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tbl.Register(SysExit, "exit2", nop); err != ErrAlreadyRegistered {
		t.Fatalf("expected ErrAlreadyRegistered; got %v", err)
	}

	if exp, got := "exit", tbl.Name(SysExit); got != exp {
		t.Fatalf("expected the first registration to keep its name %q; got %q", exp, got)
	}
}

func TestTableName(t *testing.T) {
	tbl := NewTable()

	nop := func(core int, regs *cpu.Context) (int64, bool) { return 0, false }
	if err := tbl.Register(SysWait, "wait", nop); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if exp, got := "wait", tbl.Name(SysWait); got != exp {
		t.Fatalf("expected name %q; got %q", exp, got)
	}
	if exp, got := "?", tbl.Name(Number(4096)); got != exp {
		t.Fatalf("expected placeholder name %q for an unknown number; got %q", exp, got)
	}
}

func TestErrnoRet(t *testing.T) {
	specs := []struct {
		errno Errno
		exp   int64
	}{
		{ENOSYS, -38},
		{EINVAL, -22},
		{ENOMEM, -12},
		{ECHILD, -10},
	}

	for specIndex, spec := range specs {
		if got := spec.errno.Ret(); got != spec.exp {
			t.Errorf("[spec %d] expected return value %d; got %d", specIndex, spec.exp, got)
		}
	}
}
