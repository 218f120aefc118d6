package pmm

import (
	"math"
	"math/bits"

	"rvkern/kernel"
	"rvkern/kernel/mm"
)

var (
	errBitmapAllocOutOfMemory     = &kernel.Error{Module: "pmm", Message: "metadata pool exhausted"}
	errBitmapAllocDoubleFree      = &kernel.Error{Module: "pmm", Message: "frame is already free"}
	errBitmapAllocFrameNotManaged = &kernel.Error{Module: "pmm", Message: "frame is not managed by this allocator"}
)

// markAs flags the intent of a markFrame call.
type markAs bool

const (
	markReserved markAs = true
	markFree     markAs = false
)

type framePool struct {
	// startFrame is the frame number of the first frame in this pool. Each
	// free bitmap bit i corresponds to frame (startFrame + i).
	startFrame mm.Frame

	// endFrame is the last frame in the pool, inclusive.
	endFrame mm.Frame

	// freeCount tracks the available frames in this pool. The allocator
	// uses this field to skip fully reserved pools without scanning their
	// bitmap.
	freeCount uint32

	// freeBitmap tracks frame reservations in the pool. A set bit marks
	// the frame as reserved. Bits are assigned MSB-first within each
	// uint64 so scanning words in order visits frames in ascending
	// address order.
	freeBitmap []uint64
}

// bitmapAllocator hands out single frames from a set of pools, always
// returning the lowest-addressed free frame. The kernel uses it for the
// metadata region that backs page-table nodes and kernel stacks, where
// allocations are always single frames and determinism keeps layouts
// reproducible.
type bitmapAllocator struct {
	// totalPages tracks the total number of frames across all pools.
	totalPages uint32

	// reservedPages tracks the number of reserved frames across all pools.
	reservedPages uint32

	pools []framePool
}

// addPool registers the frame range [startFrame, endFrame] with the
// allocator. All frames start out free.
func (a *bitmapAllocator) addPool(startFrame, endFrame mm.Frame) {
	pageCount := uint32(endFrame - startFrame + 1)
	pool := framePool{
		startFrame: startFrame,
		endFrame:   endFrame,
		freeCount:  pageCount,
		freeBitmap: make([]uint64, align(uint64(pageCount), 64)>>6),
	}

	// Block out the trailing bitmap bits that do not correspond to managed
	// frames so the scan can never return them.
	for index := pageCount; index < uint32(len(pool.freeBitmap))<<6; index++ {
		pool.freeBitmap[index>>6] |= 1 << (63 - (index & 63))
	}

	a.pools = append(a.pools, pool)
	a.totalPages += pageCount
}

// markFrame marks the given frame in the pool as reserved or free, updating
// the pool and allocator counters accordingly.
func (a *bitmapAllocator) markFrame(pool *framePool, frame mm.Frame, flag markAs) {
	if pool == nil || frame < pool.startFrame || frame > pool.endFrame {
		return
	}

	frameIndex := uint64(frame - pool.startFrame)
	mask := uint64(1) << (63 - (frameIndex & 63))

	if flag == markReserved {
		pool.freeBitmap[frameIndex>>6] |= mask
		pool.freeCount--
		a.reservedPages++
	} else {
		pool.freeBitmap[frameIndex>>6] &^= mask
		pool.freeCount++
		a.reservedPages--
	}
}

// poolForFrame returns the index of the pool that contains frame or -1 if
// the frame is not managed by any of the registered pools.
func (a *bitmapAllocator) poolForFrame(frame mm.Frame) int {
	for poolIndex, pool := range a.pools {
		if frame >= pool.startFrame && frame <= pool.endFrame {
			return poolIndex
		}
	}

	return -1
}

// frameIsReserved returns true if the given frame is currently reserved.
func (a *bitmapAllocator) frameIsReserved(pool *framePool, frame mm.Frame) bool {
	frameIndex := uint64(frame - pool.startFrame)
	return pool.freeBitmap[frameIndex>>6]&(1<<(63-(frameIndex&63))) != 0
}

// allocFrame reserves and returns the lowest-addressed free frame across the
// registered pools.
func (a *bitmapAllocator) allocFrame() (mm.Frame, *kernel.Error) {
	for poolIndex := 0; poolIndex < len(a.pools); poolIndex++ {
		if a.pools[poolIndex].freeCount == 0 {
			continue
		}

		for blockIndex, block := range a.pools[poolIndex].freeBitmap {
			if block == math.MaxUint64 {
				continue
			}

			bitIndex := bits.LeadingZeros64(^block)
			frame := a.pools[poolIndex].startFrame + mm.Frame(blockIndex<<6+bitIndex)
			a.markFrame(&a.pools[poolIndex], frame, markReserved)
			return frame, nil
		}
	}

	return mm.InvalidFrame, errBitmapAllocOutOfMemory
}

// freeFrame releases a frame that was previously reserved via allocFrame.
func (a *bitmapAllocator) freeFrame(frame mm.Frame) *kernel.Error {
	poolIndex := a.poolForFrame(frame)
	if poolIndex < 0 {
		return errBitmapAllocFrameNotManaged
	}

	if !a.frameIsReserved(&a.pools[poolIndex], frame) {
		return errBitmapAllocDoubleFree
	}

	a.markFrame(&a.pools[poolIndex], frame, markFree)
	return nil
}
