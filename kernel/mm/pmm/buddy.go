package pmm

import (
	"math/bits"

	"rvkern/kernel"
	"rvkern/kernel/mm"
)

var (
	errBuddyOutOfMemory = &kernel.Error{Module: "pmm", Message: "buddy pool exhausted"}
	errInvalidOrder     = &kernel.Error{Module: "pmm", Message: "allocation order out of range"}
	errBuddyDoubleFree  = &kernel.Error{Module: "pmm", Message: "block is already free"}
	errBuddyNotManaged  = &kernel.Error{Module: "pmm", Message: "block is not managed by the buddy pool"}
	errBuddyUnaligned   = &kernel.Error{Module: "pmm", Message: "frame is not aligned to the block order"}
	errBuddyCorrupt     = &kernel.Error{Module: "pmm", Message: "free counts disagree with the free bitmap"}
)

// buddyAllocator tracks the general frame pool as power-of-two blocks. A
// block with order N spans (1 << N) contiguous frames and can be split into
// two order N-1 buddies or merged with its buddy back into an order N+1
// block. Allocations always take the lowest-addressed suitable block, so
// identical request sequences reproduce identical frame assignments.
type buddyAllocator struct {
	// startFrame is the first frame of the managed window. Block indices
	// are relative to it.
	startFrame mm.Frame

	// pageCount is the number of frames in the managed window.
	pageCount uint64

	// freeCount tracks the number of free blocks at each allocation order.
	// It allows the allocator to skip exhausted orders without scanning
	// their bitmaps.
	freeCount [mm.MaxPageOrder + 1]uint32

	// freeBitmap tracks free blocks at each allocation order. Bit i of the
	// order ord bitmap is set while the block spanning frames
	// [i << ord, (i+1) << ord) is a free block head. Bits are assigned
	// MSB-first within each uint64 so that scanning words in order visits
	// blocks in ascending address order.
	freeBitmap [mm.MaxPageOrder + 1][]uint64
}

// init prepares the allocator to manage pageCount frames starting at
// startFrame. The window is seeded as a set of maximal naturally-aligned
// free blocks.
func (b *buddyAllocator) init(startFrame mm.Frame, pageCount uint64) {
	b.startFrame = startFrame
	b.pageCount = pageCount

	for ord := mm.PageOrder(0); ord <= mm.MaxPageOrder; ord++ {
		b.freeBitmap[ord] = make([]uint64, bitmapLen(pageCount, ord))
	}

	for rel := uint64(0); rel < pageCount; {
		ord := maxOrderFor(rel, pageCount-rel)
		b.setFree(ord, rel>>ord)
		rel += 1 << ord
	}
}

// alloc reserves the lowest-addressed free block of the requested order,
// splitting a larger block if no exact match is available.
func (b *buddyAllocator) alloc(order mm.PageOrder) (mm.Frame, *kernel.Error) {
	if order > mm.MaxPageOrder {
		return mm.InvalidFrame, errInvalidOrder
	}

	// Locate the smallest order >= the requested one with a free block.
	ord := order
	for ; ord <= mm.MaxPageOrder && b.freeCount[ord] == 0; ord++ {
	}
	if ord > mm.MaxPageOrder {
		return mm.InvalidFrame, errBuddyOutOfMemory
	}

	block, err := b.lowestFreeBlock(ord)
	if err != nil {
		return mm.InvalidFrame, err
	}
	b.clearFree(ord, block)

	// Split down to the requested order keeping the low half and marking
	// the high half free at each step.
	for ; ord > order; ord-- {
		block <<= 1
		b.setFree(ord-1, block^1)
	}

	return b.startFrame + mm.Frame(block<<order), nil
}

// free releases the block of the given order starting at frame and merges it
// with its buddy repeatedly until the buddy is not free. Freeing a block
// that is already free (directly or as part of a larger free block), a block
// outside the managed window or a misaligned frame indicates allocator
// misuse; the caller escalates these errors to a kernel fatal.
func (b *buddyAllocator) free(frame mm.Frame, order mm.PageOrder) *kernel.Error {
	if order > mm.MaxPageOrder {
		return errInvalidOrder
	}
	if frame < b.startFrame {
		return errBuddyNotManaged
	}

	rel := uint64(frame - b.startFrame)
	if rel+(1<<order) > b.pageCount {
		return errBuddyNotManaged
	}
	if rel&((1<<order)-1) != 0 {
		return errBuddyUnaligned
	}

	block := rel >> order
	if b.blockIsFree(order, block) {
		return errBuddyDoubleFree
	}

	// Freeing a range that is covered by a free block of a higher order is
	// a double free as well.
	for ord, blk := order+1, block>>1; ord <= mm.MaxPageOrder; ord, blk = ord+1, blk>>1 {
		if b.blockIsFree(ord, blk) {
			return errBuddyDoubleFree
		}
	}

	// Merge with the buddy block while possible.
	ord := order
	for ord < mm.MaxPageOrder {
		buddy := block ^ 1
		if buddy<<ord >= b.pageCount || !b.blockIsFree(ord, buddy) {
			break
		}

		b.clearFree(ord, buddy)
		block >>= 1
		ord++
	}
	b.setFree(ord, block)

	return nil
}

// freeFrames returns the total number of free frames across all orders.
func (b *buddyAllocator) freeFrames() uint64 {
	var total uint64
	for ord := mm.PageOrder(0); ord <= mm.MaxPageOrder; ord++ {
		total += uint64(b.freeCount[ord]) << ord
	}

	return total
}

// lowestFreeBlock scans the order ord bitmap for the lowest-addressed free
// block. The freeCount for the order must be non-zero.
func (b *buddyAllocator) lowestFreeBlock(ord mm.PageOrder) (uint64, *kernel.Error) {
	for wordIndex, word := range b.freeBitmap[ord] {
		if word == 0 {
			continue
		}

		return uint64(wordIndex)<<6 + uint64(bits.LeadingZeros64(word)), nil
	}

	return 0, errBuddyCorrupt
}

func (b *buddyAllocator) blockIsFree(ord mm.PageOrder, block uint64) bool {
	return b.freeBitmap[ord][block>>6]&(1<<(63-(block&63))) != 0
}

func (b *buddyAllocator) setFree(ord mm.PageOrder, block uint64) {
	b.freeBitmap[ord][block>>6] |= 1 << (63 - (block & 63))
	b.freeCount[ord]++
}

func (b *buddyAllocator) clearFree(ord mm.PageOrder, block uint64) {
	b.freeBitmap[ord][block>>6] &^= 1 << (63 - (block & 63))
	b.freeCount[ord]--
}

// bitmapLen returns the number of uint64 words needed to track the free bits
// of all order ord blocks in a window of pageCount frames.
func bitmapLen(pageCount uint64, ord mm.PageOrder) uint64 {
	return align((pageCount+(1<<ord)-1)>>ord, 64) >> 6
}

// maxOrderFor returns the largest order whose block both starts aligned at
// the relative frame rel and fits within the remaining frames.
func maxOrderFor(rel, remaining uint64) mm.PageOrder {
	ord := mm.MaxPageOrder
	for ; ord > 0; ord-- {
		if rel&((1<<ord)-1) == 0 && (1<<ord) <= remaining {
			break
		}
	}

	return ord
}

// align ensures that v is a multiple of n.
func align(v, n uint64) uint64 {
	return (v + (n - 1)) & ^(n - 1)
}
