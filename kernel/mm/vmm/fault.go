package vmm

import (
	"rvkern/kernel"
	"rvkern/kernel/mm"
)

// Access identifies the kind of memory operation that raised a page fault.
type Access uint8

const (
	// AccessLoad is a data read.
	AccessLoad Access = iota

	// AccessStore is a data write.
	AccessStore

	// AccessFetch is an instruction fetch.
	AccessFetch
)

// String implements fmt.Stringer.
func (acc Access) String() string {
	switch acc {
	case AccessLoad:
		return "load"
	case AccessStore:
		return "store"
	case AccessFetch:
		return "fetch"
	default:
		return "unknown"
	}
}

// FaultOutcome is the result of a page fault resolution attempt.
type FaultOutcome uint8

const (
	// FaultResolved means the fault has been handled and the trapped
	// instruction can be retried.
	FaultResolved FaultOutcome = iota

	// FaultFatal means the fault cannot be resolved. The caller is
	// expected to terminate the faulting process.
	FaultFatal
)

// HandleFault attempts to resolve a page fault raised by an access to
// virt. Faults inside a mapped region are recoverable in three cases: the
// leaf has not been materialized yet and the region backing can produce it
// (zero fill, file read or physical window), the leaf is tagged
// copy-on-write and the access is a store, or the installed leaf already
// permits the access and the fault came from a stale translation.
// Anything else, including frame exhaustion while resolving, is fatal for
// the faulting process. The returned error describes the fatal reason.
func (a *AddressSpace) HandleFault(virt uintptr, access Access) (FaultOutcome, *kernel.Error) {
	a.mu.Acquire()
	defer a.mu.Release()

	page := mm.PageFromAddress(virt)
	if page >= maxPage {
		return FaultFatal, ErrUnmapped
	}

	ri := a.regionIndex(page)
	if ri < 0 {
		return FaultFatal, ErrUnmapped
	}
	r := a.regions[ri]

	var need EntryFlag
	switch access {
	case AccessStore:
		need = FlagWrite
	case AccessFetch:
		need = FlagExec
	default:
		need = FlagRead
	}
	if r.flags&need == 0 {
		return FaultFatal, ErrPermission
	}

	pte, ok := a.leafEntry(page)
	if !ok {
		return a.materialize(page, r)
	}

	if access == AccessStore && pte.HasFlags(FlagCopyOnWrite) {
		return a.resolveCopyOnWrite(page, pte, r)
	}

	// The installed leaf already allows this access; the hart trapped on
	// a translation it cached before the leaf was updated. Retrying the
	// instruction is enough.
	if pte.HasFlags(need) {
		return FaultResolved, nil
	}

	return FaultFatal, ErrPermission
}

// materialize installs the missing leaf for page according to the region
// backing. Callers must hold the space lock.
func (a *AddressSpace) materialize(page mm.Page, r region) (FaultOutcome, *kernel.Error) {
	if r.backing.Kind == BackPhys {
		frame := r.backing.Frame + mm.Frame(page-r.start)
		if err := a.mapPage(page, frame, r.flags|FlagValid); err != nil {
			return FaultFatal, err
		}
		return FaultResolved, nil
	}

	frame, err := a.frames.AllocFrame()
	if err != nil {
		return FaultFatal, err
	}

	if r.backing.Kind == BackFile {
		off := r.backing.Off + (int64(page-r.start) << mm.PageShift)
		if _, ferr := r.backing.File.ReadAt(a.frames.FrameBytes(frame), off); ferr != nil {
			a.frames.FreeFrame(frame)
			return FaultFatal, ferr
		}
	}

	if err = a.mapPage(page, frame, r.flags|FlagValid); err != nil {
		a.frames.FreeFrame(frame)
		return FaultFatal, err
	}

	return FaultResolved, nil
}

// resolveCopyOnWrite gives page its own writable frame. When this space
// holds the last reference the shared frame is reused in place; otherwise
// its contents are copied into a fresh frame and this space's reference to
// the shared one is dropped. Callers must hold the space lock.
func (a *AddressSpace) resolveCopyOnWrite(page mm.Page, pte Entry, r region) (FaultOutcome, *kernel.Error) {
	shared := pte.Frame()

	if a.frames.FrameRefs(shared) == 1 {
		pte.ClearFlags(FlagCopyOnWrite)
		pte.SetFlags(FlagWrite)
		if err := a.installEntry(page, pte); err != nil {
			return FaultFatal, err
		}
		return FaultResolved, nil
	}

	frame, err := a.frames.AllocFrame()
	if err != nil {
		return FaultFatal, err
	}
	copy(a.frames.FrameBytes(frame), a.frames.FrameBytes(shared))

	if err = a.mapPage(page, frame, r.flags|FlagValid); err != nil {
		a.frames.FreeFrame(frame)
		return FaultFatal, err
	}

	a.frames.FreeFrame(shared)
	return FaultResolved, nil
}
