// Package mm defines the frame and page primitives shared by the physical
// and virtual memory managers. Allocators hand out Frame values; address
// spaces map Page values onto them. Components that need frames obtain them
// through explicit allocator handles passed in at construction time; there
// is no ambient global allocator.
package mm

import "math"

// Frame describes a physical memory frame index.
type Frame uintptr

// InvalidFrame is returned by frame allocators when they fail to reserve the
// requested frame.
const InvalidFrame = Frame(math.MaxUint64)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address this Frame starts at.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns the Frame containing the given physical address.
// Addresses that are not page-aligned are rounded down to the frame that
// contains them.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual memory address this Page starts at.
func (p Page) Address() uintptr {
	return uintptr(p << PageShift)
}

// PageFromAddress returns the Page containing the given virtual address.
// Addresses that are not page-aligned are rounded down to the page that
// contains them.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}
