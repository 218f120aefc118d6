package kernel

import (
	"rvkern/kernel/cpu"
	"rvkern/kernel/kfmt"
)

var (
	// haltFn is mocked by tests and is automatically inlined by the compiler.
	haltFn = cpu.Halt

	errRuntimeFatal = &Error{Module: "rt", Message: "unknown cause"}
)

// Fatal outputs the supplied error (if not nil) to the active console and
// parks the calling hart. Fatal is reserved for invariant violations that
// leave the kernel in an unrecoverable state: double frees, releasing an
// index that was never handed out, unlocking a mutex held by another thread.
// Calls to Fatal never return.
func Fatal(e interface{}) {
	var err *Error

	switch t := e.(type) {
	case *Error:
		err = t
	case string:
		errRuntimeFatal.Message = t
		err = errRuntimeFatal
	case error:
		errRuntimeFatal.Message = t.Error()
		err = errRuntimeFatal
	}

	kfmt.Printf("\n-----------------------------------\n")
	if err != nil {
		kfmt.Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	kfmt.Printf("*** kernel fatal: system halted ***")
	kfmt.Printf("\n-----------------------------------\n")

	haltFn()
}
