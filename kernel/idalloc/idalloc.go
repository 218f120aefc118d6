// Package idalloc implements the fixed-capacity index allocator used for
// handing out process, thread and file descriptor numbers. Allocation always
// returns the numerically smallest free index, so identifier assignment is
// deterministic and released identifiers are reused immediately.
package idalloc

import (
	"math"
	"math/bits"

	"rvkern/kernel"
)

// fatalFn is mocked by tests.
var fatalFn = kernel.Fatal

// ErrOutOfIndices is returned when every index of the space is in use.
var ErrOutOfIndices = &kernel.Error{Module: "idalloc", Message: "all indices are in use"}

// ErrIndexInUse is returned when a specific index cannot be reserved.
var ErrIndexInUse = &kernel.Error{Module: "idalloc", Message: "index is out of range or already in use"}

var errIndexNotAllocated = &kernel.Error{Module: "idalloc", Message: "releasing an index that is not allocated"}

// Allocator hands out integer identifiers from the range [0, Cap()). Each
// index is tracked by one bit; a set bit marks the index as in use.
//
// The zero value is not usable; construct Allocators with New.
type Allocator struct {
	capacity uint32
	inUse    uint32
	words    []uint64
}

// New returns an Allocator managing indices in [0, capacity).
func New(capacity uint32) *Allocator {
	a := &Allocator{
		capacity: capacity,
		words:    make([]uint64, (capacity+63)/64),
	}

	// Mark the bits past capacity in the last word as used so the scan can
	// never hand them out.
	for index := capacity; index < uint32(len(a.words))*64; index++ {
		a.words[index>>6] |= 1 << (index & 63)
	}

	return a
}

// Alloc reserves and returns the numerically smallest free index. It returns
// an error if every index is in use.
func (a *Allocator) Alloc() (uint32, *kernel.Error) {
	for wordIndex, word := range a.words {
		if word == math.MaxUint64 {
			continue
		}

		bit := uint32(bits.TrailingZeros64(^word))
		a.words[wordIndex] |= 1 << bit
		a.inUse++
		return uint32(wordIndex)<<6 + bit, nil
	}

	return 0, ErrOutOfIndices
}

// AllocHint reserves and returns the smallest free index at or after hint,
// wrapping around to the smallest free index overall when everything from
// the hint up is in use. Identifier spaces that want to delay reuse (the
// PID space hands out the previous PID plus one) allocate this way.
func (a *Allocator) AllocHint(hint uint32) (uint32, *kernel.Error) {
	if hint >= a.capacity {
		return a.Alloc()
	}

	// The first word is masked so indices below the hint are skipped.
	free := ^a.words[hint>>6] &^ ((1 << (hint & 63)) - 1)
	for wordIndex := hint >> 6; ; {
		if free != 0 {
			bit := uint32(bits.TrailingZeros64(free))
			a.words[wordIndex] |= 1 << bit
			a.inUse++
			return wordIndex<<6 + bit, nil
		}

		if wordIndex++; wordIndex == uint32(len(a.words)) {
			break
		}
		free = ^a.words[wordIndex]
	}

	return a.Alloc()
}

// AllocAt reserves a specific index. It returns an error if the index is
// out of range or already in use. Callers that must mirror an existing
// identifier layout (a forked descriptor table keeps the parent's numbers)
// reserve this way.
func (a *Allocator) AllocAt(index uint32) *kernel.Error {
	if index >= a.capacity || a.words[index>>6]&(1<<(index&63)) != 0 {
		return ErrIndexInUse
	}

	a.words[index>>6] |= 1 << (index & 63)
	a.inUse++
	return nil
}

// Free releases a previously allocated index, making it immediately
// available to the next Alloc call. Releasing an index that is not allocated
// indicates corrupted identifier bookkeeping and is fatal.
func (a *Allocator) Free(index uint32) {
	if index >= a.capacity || a.words[index>>6]&(1<<(index&63)) == 0 {
		fatalFn(errIndexNotAllocated)
		return
	}

	a.words[index>>6] &^= 1 << (index & 63)
	a.inUse--
}

// IsUsed returns true if index is currently allocated.
func (a *Allocator) IsUsed(index uint32) bool {
	if index >= a.capacity {
		return false
	}

	return a.words[index>>6]&(1<<(index&63)) != 0
}

// InUse returns the number of currently allocated indices.
func (a *Allocator) InUse() uint32 {
	return a.inUse
}

// Cap returns the total number of indices managed by the allocator.
func (a *Allocator) Cap() uint32 {
	return a.capacity
}
