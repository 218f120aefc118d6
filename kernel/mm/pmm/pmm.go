// Package pmm implements the physical frame allocator. An Allocator owns a
// machine RAM window and serves every frame reservation in the kernel:
// power-of-two buddy blocks and refcounted single data frames from the
// general pool, plus single metadata frames for page tables and kernel
// stacks from a dedicated bitmap pool. Both pools hand out the
// lowest-addressed suitable frame so identical request sequences reproduce
// identical layouts.
package pmm

import (
	"rvkern/kernel"
	"rvkern/kernel/kfmt"
	"rvkern/kernel/mm"
	"rvkern/kernel/sync"
)

// fatalFn is mocked by tests.
var fatalFn = kernel.Fatal

var (
	errPoolTooSmall = &kernel.Error{Module: "pmm", Message: "memory window too small to host the allocator"}
	errFrameNoRefs  = &kernel.Error{Module: "pmm", Message: "data frame has no active references"}
)

const (
	// metaPoolRatio selects the fraction of managed frames carved out for
	// the metadata pool: one metadata frame per metaPoolRatio frames.
	metaPoolRatio = 32

	// minMetaFrames floors the metadata pool size.
	minMetaFrames = 16
)

// Allocator owns a machine RAM window and serves physical frame
// reservations out of it. All methods are safe for concurrent use from
// multiple harts; trap-path callers are expected to have interrupts masked
// on their own hart before taking the allocator lock.
type Allocator struct {
	mu sync.Spinlock

	// ram backs the managed window. FrameBytes hands out aliased
	// sub-slices of it.
	ram       []byte
	baseFrame mm.Frame
	pageCount uint64

	meta  bitmapAllocator
	buddy buddyAllocator

	// refCounts tracks the sharing of general-pool data frames, indexed
	// relative to buddyStart. Only frames reserved through AllocFrame
	// carry references.
	refCounts  []uint32
	buddyStart mm.Frame
}

// New returns an Allocator managing size bytes of physical memory starting
// at physBase. The window is split into a metadata pool of one frame per
// metaPoolRatio frames (at least minMetaFrames) and a general buddy pool
// spanning the remainder. physBase and the window end are rounded inward to
// page boundaries.
func New(physBase uintptr, size mm.Size) (*Allocator, *kernel.Error) {
	pageSizeMinus1 := uintptr(mm.PageSize - 1)
	alignedBase := (physBase + pageSizeMinus1) & ^pageSizeMinus1
	end := (physBase + uintptr(size)) & ^pageSizeMinus1
	if end <= alignedBase {
		return nil, errPoolTooSmall
	}

	pageCount := uint64(end-alignedBase) >> mm.PageShift

	metaFrames := pageCount / metaPoolRatio
	if metaFrames < minMetaFrames {
		metaFrames = minMetaFrames
	}
	if metaFrames*2 > pageCount {
		return nil, errPoolTooSmall
	}

	a := &Allocator{
		ram:       make([]byte, pageCount<<mm.PageShift),
		baseFrame: mm.FrameFromAddress(alignedBase),
		pageCount: pageCount,
	}

	a.meta.addPool(a.baseFrame, a.baseFrame+mm.Frame(metaFrames)-1)
	a.buddyStart = a.baseFrame + mm.Frame(metaFrames)
	a.buddy.init(a.buddyStart, pageCount-metaFrames)
	a.refCounts = make([]uint32, pageCount-metaFrames)

	kfmt.Printf("[pmm] managing %d KB (%d frames) at 0x%x; %d metadata frame(s)\n",
		(pageCount<<mm.PageShift)>>10, pageCount, uint64(alignedBase), metaFrames)

	return a, nil
}

// AllocBlock reserves a zeroed, naturally-aligned block of 2^order
// contiguous frames from the general pool.
func (a *Allocator) AllocBlock(order mm.PageOrder) (mm.Frame, *kernel.Error) {
	a.mu.Acquire()
	frame, err := a.buddy.alloc(order)
	a.mu.Release()
	if err != nil {
		return mm.InvalidFrame, err
	}

	for i := mm.Frame(0); i < 1<<order; i++ {
		clear(a.FrameBytes(frame + i))
	}

	return frame, nil
}

// FreeBlock returns a block previously reserved with AllocBlock to the
// general pool. Freeing a block twice, a block covered by a larger free
// block, a misaligned frame or a frame outside the pool corrupts allocator
// state and is fatal.
func (a *Allocator) FreeBlock(frame mm.Frame, order mm.PageOrder) *kernel.Error {
	a.mu.Acquire()
	err := a.buddy.free(frame, order)
	a.mu.Release()

	if err != nil && err != errInvalidOrder {
		fatalFn(err)
	}

	return err
}

// AllocFrame reserves a single zeroed data frame from the general pool and
// sets its reference count to one. Data frames back user mappings and may
// be shared between address spaces via RefFrame.
func (a *Allocator) AllocFrame() (mm.Frame, *kernel.Error) {
	a.mu.Acquire()
	frame, err := a.buddy.alloc(0)
	if err != nil {
		a.mu.Release()
		return mm.InvalidFrame, err
	}
	a.refCounts[frame-a.buddyStart] = 1
	a.mu.Release()

	clear(a.FrameBytes(frame))
	return frame, nil
}

// RefFrame adds a reference to a data frame so it can back an additional
// mapping. Referencing a frame with no active references is fatal.
func (a *Allocator) RefFrame(frame mm.Frame) {
	a.mu.Acquire()
	if !a.frameHasRefs(frame) {
		a.mu.Release()
		fatalFn(errFrameNoRefs)
		return
	}
	a.refCounts[frame-a.buddyStart]++
	a.mu.Release()
}

// FreeFrame drops one reference from a data frame and returns it to the
// general pool once the last reference is gone. Dropping a reference from a
// frame that has none is fatal.
func (a *Allocator) FreeFrame(frame mm.Frame) *kernel.Error {
	a.mu.Acquire()
	if !a.frameHasRefs(frame) {
		a.mu.Release()
		fatalFn(errFrameNoRefs)
		return errFrameNoRefs
	}

	a.refCounts[frame-a.buddyStart]--
	if a.refCounts[frame-a.buddyStart] > 0 {
		a.mu.Release()
		return nil
	}

	err := a.buddy.free(frame, 0)
	a.mu.Release()
	if err != nil {
		fatalFn(err)
	}

	return err
}

// FrameRefs returns the number of active references on a data frame, or 0
// for frames outside the general pool.
func (a *Allocator) FrameRefs(frame mm.Frame) uint32 {
	a.mu.Acquire()
	defer a.mu.Release()

	if frame < a.buddyStart || uint64(frame-a.buddyStart) >= uint64(len(a.refCounts)) {
		return 0
	}

	return a.refCounts[frame-a.buddyStart]
}

// AllocTableFrame reserves a zeroed frame from the metadata pool. Metadata
// frames hold page-table nodes and kernel stacks and are never shared.
func (a *Allocator) AllocTableFrame() (mm.Frame, *kernel.Error) {
	a.mu.Acquire()
	frame, err := a.meta.allocFrame()
	a.mu.Release()
	if err != nil {
		return mm.InvalidFrame, err
	}

	clear(a.FrameBytes(frame))
	return frame, nil
}

// FreeTableFrame returns a metadata frame to its pool. Double frees and
// unmanaged frames are fatal.
func (a *Allocator) FreeTableFrame(frame mm.Frame) *kernel.Error {
	a.mu.Acquire()
	err := a.meta.freeFrame(frame)
	a.mu.Release()

	if err != nil {
		fatalFn(err)
	}

	return err
}

// FrameBytes returns the backing bytes of frame. It returns nil for frames
// outside the managed window.
func (a *Allocator) FrameBytes(frame mm.Frame) []byte {
	if frame < a.baseFrame || uint64(frame-a.baseFrame) >= a.pageCount {
		return nil
	}

	offset := uintptr(frame-a.baseFrame) << mm.PageShift
	return a.ram[offset : offset+mm.PageSize]
}

// frameHasRefs reports whether frame is a general-pool data frame with at
// least one active reference. Callers must hold the allocator lock.
func (a *Allocator) frameHasRefs(frame mm.Frame) bool {
	return frame >= a.buddyStart &&
		uint64(frame-a.buddyStart) < uint64(len(a.refCounts)) &&
		a.refCounts[frame-a.buddyStart] > 0
}

// Stats describes the allocator's frame accounting.
type Stats struct {
	// TotalFrames counts every frame in the managed window.
	TotalFrames uint64

	// FreeFrames counts the frames currently available across both pools.
	FreeFrames uint64

	// MetaTotalFrames and MetaFreeFrames break out the metadata pool.
	MetaTotalFrames uint64
	MetaFreeFrames  uint64
}

// Stats returns a point-in-time snapshot of frame usage.
func (a *Allocator) Stats() Stats {
	a.mu.Acquire()
	defer a.mu.Release()

	metaFree := uint64(a.meta.totalPages - a.meta.reservedPages)
	return Stats{
		TotalFrames:     a.pageCount,
		FreeFrames:      a.buddy.freeFrames() + metaFree,
		MetaTotalFrames: uint64(a.meta.totalPages),
		MetaFreeFrames:  metaFree,
	}
}
