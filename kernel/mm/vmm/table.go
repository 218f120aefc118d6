package vmm

import (
	"encoding/binary"

	"rvkern/kernel"
	"rvkern/kernel/mm"
)

const (
	// pageLevels indicates the number of page table levels in the Sv39
	// translation mode.
	pageLevels = 3

	// tableEntries is the number of entries in a page table frame.
	tableEntries = 512

	// maxPage is the first virtual page past the 39-bit address space.
	maxPage = mm.Page(1) << 27
)

// pageLevelShifts defines the shift required to extract each page table
// index from a virtual address, root level first.
var pageLevelShifts = [pageLevels]uint8{30, 21, 12}

// FrameSource is the slice of the physical frame allocator the memory
// manager depends on. Table frames come from the metadata pool while data
// frames come from the refcounted general pool so they can be shared
// between address spaces.
type FrameSource interface {
	AllocFrame() (mm.Frame, *kernel.Error)
	FreeFrame(frame mm.Frame) *kernel.Error
	RefFrame(frame mm.Frame)
	FrameRefs(frame mm.Frame) uint32
	AllocTableFrame() (mm.Frame, *kernel.Error)
	FreeTableFrame(frame mm.Frame) *kernel.Error
	FrameBytes(frame mm.Frame) []byte
}

// tableIndex extracts the page table index of virt for the given level.
func tableIndex(level int, virt uintptr) int {
	return int((virt >> pageLevelShifts[level]) & (tableEntries - 1))
}

// readEntry loads the little-endian page table entry at index idx of a
// table frame.
func readEntry(tb []byte, idx int) Entry {
	return Entry(binary.LittleEndian.Uint64(tb[idx<<3:]))
}

// writeEntry stores pte little-endian at index idx of a table frame.
func writeEntry(tb []byte, idx int, pte Entry) {
	binary.LittleEndian.PutUint64(tb[idx<<3:], uint64(pte))
}

// tableEmpty returns true if no entry of the table frame is in use.
func tableEmpty(tb []byte) bool {
	for _, b := range tb {
		if b != 0 {
			return false
		}
	}
	return true
}

// walk invokes visit with the page table frame contents and entry index
// that correspond to virt at each translation level, starting at the root
// table. After visit returns, walk re-reads the visited entry and follows
// the frame it points to, so visit may install a missing next-level table
// before returning. The walk stops early when visit returns false or when
// the next level is not valid.
func walk(src FrameSource, root mm.Frame, virt uintptr, visit func(level int, tb []byte, idx int) bool) {
	tb := src.FrameBytes(root)

	for level := 0; level < pageLevels; level++ {
		idx := tableIndex(level, virt)
		if !visit(level, tb, idx) {
			return
		}

		if level == pageLevels-1 {
			return
		}

		pte := readEntry(tb, idx)
		if !pte.HasFlags(FlagValid) {
			return
		}

		if tb = src.FrameBytes(pte.Frame()); tb == nil {
			return
		}
	}
}
