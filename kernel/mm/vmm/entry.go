package vmm

import "rvkern/kernel/mm"

// EntryFlag describes a flag that can be applied to a page table entry.
type EntryFlag uint64

const (
	// FlagValid is set when the entry is in use. The hardware walker
	// ignores every other bit of an entry whose valid flag is clear.
	FlagValid EntryFlag = 1 << iota

	// FlagRead is set if the page can be read.
	FlagRead

	// FlagWrite is set if the page can be written to.
	FlagWrite

	// FlagExec is set if instructions can be fetched from the page.
	FlagExec

	// FlagUser is set if user-mode code can access this page. If not set
	// only supervisor code can access it.
	FlagUser

	// FlagGlobal marks a mapping present in all address spaces so the TLB
	// may keep it across address-space switches.
	FlagGlobal

	// FlagAccessed is set by the hardware when the page is read, written
	// or fetched from.
	FlagAccessed

	// FlagDirty is set by the hardware when the page is written to.
	FlagDirty

	// FlagCopyOnWrite marks a leaf whose frame is shared between address
	// spaces and must be copied on the first write. It occupies the first
	// of the two software bits which the hardware walker ignores.
	FlagCopyOnWrite EntryFlag = 1 << 8
)

// PermMask selects the entry bits that encode region permissions.
const PermMask = FlagRead | FlagWrite | FlagExec | FlagUser | FlagGlobal

const (
	// ppnShift is the offset of the physical page number field inside a
	// page table entry.
	ppnShift = 10

	// ppnMask selects the physical page number field, bits 10 to 53.
	ppnMask = uint64(0x003ffffffffffc00)
)

// Entry describes an Sv39 page table entry. Entries pack a physical page
// number and a set of flags into a 64-bit word and are stored little-endian
// inside table frames so the hardware walker and the kernel read the same
// bits.
type Entry uint64

// HasFlags returns true if this entry has all the input flags set.
func (pte Entry) HasFlags(flags EntryFlag) bool {
	return (uint64(pte) & uint64(flags)) == uint64(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte Entry) HasAnyFlag(flags EntryFlag) bool {
	return (uint64(pte) & uint64(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *Entry) SetFlags(flags EntryFlag) {
	*pte = Entry(uint64(*pte) | uint64(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *Entry) ClearFlags(flags EntryFlag) {
	*pte = Entry(uint64(*pte) &^ uint64(flags))
}

// Frame returns the physical page frame that this page table entry points to.
func (pte Entry) Frame() mm.Frame {
	return mm.Frame((uint64(pte) & ppnMask) >> ppnShift)
}

// SetFrame updates the page table entry to point to the given frame.
func (pte *Entry) SetFrame(frame mm.Frame) {
	*pte = Entry((uint64(*pte) &^ ppnMask) | (uint64(frame)<<ppnShift)&ppnMask)
}
